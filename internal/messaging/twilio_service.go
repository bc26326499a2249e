package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API. Inbound messages arrive
// through TwilioWebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.TwilioWhatsAppSender // real Twilio client or MockClient
	inbound    chan models.ChannelMessage
	mu         sync.RWMutex
	stopped    bool
	webhookURL string // public URL Twilio signs; empty disables signature checks
}

// NewTwilioService creates a new TwilioService. When webhookURL is set, webhook requests
// must carry a valid X-Twilio-Signature for it.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, webhookURL string) *TwilioService {
	return &TwilioService{
		client:     client,
		inbound:    make(chan models.ChannelMessage, DefaultChannelBufferSize),
		webhookURL: webhookURL,
	}
}

// ValidateAndCanonicalizeRecipient returns the recipient's phone number as bare digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Inbound returns the channel for incoming messages.
func (s *TwilioService) Inbound() <-chan models.ChannelMessage {
	return s.inbound
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them on Inbound().
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.client.ValidateWebhook(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg, err := parseTwilioForm(r)
	if err != nil {
		slog.Warn("Twilio webhook missing fields", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	slog.Info("Inbound WhatsApp message from Twilio", "from", msg.From, "kind", msg.Kind, "sid", msg.ProviderID)

	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		http.Error(w, "Service stopped", http.StatusServiceUnavailable)
		return
	}
	emit(s.inbound, msg, "TwilioService")
	s.mu.RUnlock()

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func parseTwilioForm(r *http.Request) (models.ChannelMessage, error) {
	msg := models.ChannelMessage{
		ProviderID: r.FormValue("MessageSid"),
		From:       strings.TrimPrefix(r.FormValue("From"), "whatsapp:"),
		Name:       r.FormValue("ProfileName"),
		Kind:       "text",
		Text:       r.FormValue("Body"),
		ReceivedAt: time.Now().UTC(),
	}
	if msg.From == "" || msg.ProviderID == "" {
		return msg, fmt.Errorf("From and MessageSid are required")
	}
	if n, _ := strconv.Atoi(r.FormValue("NumMedia")); n > 0 {
		msg.Kind = mediaKind(r.FormValue("MediaContentType0"))
		msg.MediaText, msg.Text = msg.Text, ""
	} else if lat := r.FormValue("Latitude"); lat != "" {
		msg.Kind = "location"
		msg.MediaText = strings.TrimSpace(r.FormValue("Address") + "\n" + lat + "," + r.FormValue("Longitude"))
	}
	if msg.Kind == "text" && strings.TrimSpace(msg.Text) == "" {
		return msg, fmt.Errorf("Body is required for text messages")
	}
	return msg, nil
}

// mediaKind maps a MIME type to a message kind.
func mediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case contentType == "image/webp":
		return "sticker"
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.Contains(contentType, "vcard"):
		return "contact"
	default:
		return "document"
	}
}
