package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/CRMPipe/internal/whatsapp"
)

// Ensure WhatsAppService implements Service interface
func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*TwilioService)(nil)
}

func TestWhatsAppService_SendMessageCanonicalizes(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)

	require.NoError(t, svc.SendMessage(context.Background(), "+55 (11) 99999-0000", "Olá"))
	sent := mockClient.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511999990000", sent[0].To)

	assert.Error(t, svc.SendMessage(context.Background(), "12", "curto"))
}

func TestWhatsAppService_HandleEvent(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	evt := &events.Message{Message: &waE2E.Message{Conversation: proto.String("Oi")}}
	evt.Info.ID = "3EB0"
	evt.Info.Sender = types.NewJID("5511999990000", whatsapp.JIDSuffix)

	svc.HandleEvent(evt)
	select {
	case msg := <-svc.Inbound():
		assert.Equal(t, "+5511999990000", msg.From)
		assert.Equal(t, "Oi", msg.Text)
		assert.Equal(t, "3EB0", msg.ProviderID)
	default:
		t.Fatal("expected inbound message, got none")
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())

	_, ok := <-svc.Inbound()
	assert.False(t, ok, "inbound channel should be closed")
	assert.ErrorIs(t, svc.SendMessage(context.Background(), "+5511999990000", "Oi"), ErrServiceStopped)
}
