package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/store"
)

// Directory resolves senders to contacts and conversations, creating them on first contact.
type Directory interface {
	FindContactByPhone(ctx context.Context, accountID, phone string) (*models.Contact, error)
	CreateContact(ctx context.Context, c *models.Contact) error
	LatestConversation(ctx context.Context, accountID, contactID string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, c *models.Conversation) error
	PrimaryAgent(ctx context.Context, accountID string) (*models.Agent, error)
}

// Acceptor takes a resolved inbound message. *trigger.Trigger implements it.
type Acceptor interface {
	Accept(ctx context.Context, in models.InboundMessage) (time.Time, error)
}

// Router feeds one channel's inbound messages for one account into the trigger.
type Router struct {
	svc       Service
	dir       Directory
	acceptor  Acceptor
	accountID string
}

// NewRouter creates a Router for the account that owns the channel.
func NewRouter(svc Service, dir Directory, acceptor Acceptor, accountID string) *Router {
	return &Router{svc: svc, dir: dir, acceptor: acceptor, accountID: accountID}
}

// Start consumes the service's inbound channel until it closes or ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	slog.Info("Router.Start: routing inbound messages", "accountID", r.accountID)
	go func() {
		defer slog.Info("Router.Start: stopped routing inbound messages")
		for {
			select {
			case msg, ok := <-r.svc.Inbound():
				if !ok {
					return
				}
				if err := r.Route(ctx, msg); err != nil {
					slog.Error("Router.Start: route failed", "from", msg.From, "providerID", msg.ProviderID, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Route resolves the sender and hands the message to the acceptor. A re-delivered message
// is not an error.
func (r *Router) Route(ctx context.Context, msg models.ChannelMessage) error {
	digits, err := r.svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	phone := "+" + digits

	contact, err := r.dir.FindContactByPhone(ctx, r.accountID, phone)
	if errors.Is(err, models.ErrNotFound) {
		contact = &models.Contact{AccountID: r.accountID, Name: msg.Name, Phone: phone}
		if err := r.dir.CreateContact(ctx, contact); err != nil {
			return err
		}
		slog.Info("Router.Route: new contact", "contactID", contact.ID, "accountID", r.accountID)
	} else if err != nil {
		return err
	}

	conv, err := r.dir.LatestConversation(ctx, r.accountID, contact.ID)
	if errors.Is(err, models.ErrNotFound) {
		conv, err = r.openConversation(ctx, contact.ID)
	}
	if err != nil {
		return err
	}

	in := models.InboundMessage{
		MessageID:        msg.ProviderID,
		ConversationID:   conv.ID,
		AccountID:        r.accountID,
		ContactID:        contact.ID,
		InboundText:      msg.Text,
		MessageKind:      msg.Kind,
		MediaDerivedText: msg.MediaText,
	}
	if _, err := r.acceptor.Accept(ctx, in); err != nil {
		if errors.Is(err, models.ErrDuplicateMessage) {
			return nil
		}
		return err
	}
	return nil
}

// openConversation starts a conversation with the account's primary agent, or a human-only
// one when no agent is active.
func (r *Router) openConversation(ctx context.Context, contactID string) (*models.Conversation, error) {
	conv := &models.Conversation{AccountID: r.accountID, ContactID: contactID}
	agent, err := r.dir.PrimaryAgent(ctx, r.accountID)
	switch {
	case err == nil:
		conv.AgentID, conv.AgentActive = agent.ID, true
	case errors.Is(err, models.ErrNoActiveAgent):
		slog.Warn("Router.openConversation: no active agent, conversation left to humans", "accountID", r.accountID)
	default:
		return nil, err
	}
	if err := r.dir.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	slog.Info("Router.openConversation: conversation opened", "conversationID", conv.ID, "agentID", conv.AgentID)
	return conv, nil
}

// OutboxSender returns the outbox send function that delivers reply and notify messages
// through svc.
func OutboxSender(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p store.OutboxPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("invalid outbox payload %s: %w", msg.ID, err)
		}
		if p.Body == "" {
			slog.Warn("OutboxSender: empty body, skipping", "id", msg.ID, "kind", msg.Kind)
			return nil
		}
		return svc.SendMessage(ctx, msg.Recipient, p.Body)
	}
}
