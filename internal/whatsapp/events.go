package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/CRMPipe/internal/models"
)

// ParseMessage converts a Whatsmeow message event into a ChannelMessage. It returns false for
// events that should not reach an agent: our own messages, group chats, and message types
// with nothing to read (reactions, protocol messages).
func ParseMessage(evt *events.Message) (models.ChannelMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.ChannelMessage{}, false
	}
	kind, text, media := classify(evt.Message)
	if kind == "" {
		return models.ChannelMessage{}, false
	}
	from := evt.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}
	return models.ChannelMessage{
		ProviderID: string(evt.Info.ID),
		From:       from,
		Name:       evt.Info.PushName,
		Kind:       kind,
		Text:       text,
		MediaText:  media,
		ReceivedAt: evt.Info.Timestamp.UTC(),
	}, true
}

func classify(m *waE2E.Message) (kind, text, media string) {
	switch {
	case m.GetConversation() != "":
		return "text", m.GetConversation(), ""
	case m.GetExtendedTextMessage() != nil:
		return "text", m.GetExtendedTextMessage().GetText(), ""
	case m.GetAudioMessage() != nil:
		return "audio", "", ""
	case m.GetImageMessage() != nil:
		return "image", "", m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		return "video", "", m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		return "document", "", strings.TrimSpace(doc.GetFileName() + "\n" + doc.GetCaption())
	case m.GetStickerMessage() != nil:
		return "sticker", "", ""
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		return "location", "", strings.TrimSpace(loc.GetName() + "\n" + loc.GetAddress())
	case m.GetContactMessage() != nil:
		return "contact", "", m.GetContactMessage().GetDisplayName()
	}
	return "", "", ""
}
