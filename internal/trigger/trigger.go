// Package trigger coalesces inbound messages into debounced orchestration runs.
//
// Each accepted message is checked against the processed-message ledger, appended to the
// transcript and pushes the conversation's single respond-at timestamp forward. A poller fires
// one run per claimed timestamp; a claim fails when a newer message moved the timestamp, so a
// stale run never acts.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/CRMPipe/internal/flow"
	"github.com/BTreeMap/CRMPipe/internal/metrics"
	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/store"
)

// NoteKindFollowUp marks the internal transcript note written when a follow-up falls due.
const NoteKindFollowUp = "follow_up"

// Store is the persistence the trigger needs.
type Store interface {
	store.LedgerRepo
	store.RespondAtRepo
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ReopenConversation(ctx context.Context, conversationID string) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	AppendMessage(ctx context.Context, m *models.Message) error
	RecentMessages(ctx context.Context, conversationID string, since *time.Time, limit int) ([]models.Message, error)
	InboundSinceLastOutbound(ctx context.Context, conversationID string) ([]models.Message, error)
	EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error)
	GetFollowUp(ctx context.Context, id string) (*models.FollowUp, error)
	CompleteFollowUp(ctx context.Context, id string) (bool, error)
}

// Runner runs one orchestration turn. *flow.Engine implements it.
type Runner interface {
	RunTurn(ctx context.Context, in models.InboundMessage) (*models.TurnResult, error)
}

// Opts holds configuration options for the Trigger.
type Opts struct {
	Backend      Backend
	Debounce     time.Duration
	PollInterval time.Duration
	ClaimLimit   int
	RetryDelay   time.Duration // first retry delay after a failed run; doubles per attempt
	MaxRetries   int
	Now          func() time.Time
	OnReply      func() // called after replies are queued, e.g. to kick the outbox sender
}

// Option defines a configuration option for the Trigger.
type Option func(*Opts)

// WithBackend sets where respond-at timestamps live. The default is the SQL store.
func WithBackend(b Backend) Option {
	return func(o *Opts) {
		o.Backend = b
	}
}

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) {
		o.Debounce = d
	}
}

// WithPollInterval sets how often due timestamps are checked.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithClaimLimit bounds the runs fired per poll.
func WithClaimLimit(n int) Option {
	return func(o *Opts) {
		o.ClaimLimit = n
	}
}

// WithRetry sets how a failed run is retried: after delay, doubling per attempt, at most max times.
func WithRetry(delay time.Duration, max int) Option {
	return func(o *Opts) {
		o.RetryDelay = delay
		o.MaxRetries = max
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithOnReply registers a callback run after replies are queued.
func WithOnReply(fn func()) Option {
	return func(o *Opts) {
		o.OnReply = fn
	}
}

// Trigger accepts inbound messages and fires debounced turns.
type Trigger struct {
	store    Store
	runner   Runner
	validate *validator.Validate
	opts     Opts
	pollMu   sync.Mutex
	retries  map[string]int // failed runs per conversation, guarded by pollMu
}

// New creates a Trigger.
func New(st Store, runner Runner, opts ...Option) *Trigger {
	cfg := Opts{Debounce: 8 * time.Second, PollInterval: time.Second, ClaimLimit: 20, RetryDelay: 30 * time.Second, MaxRetries: 3, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Backend == nil {
		cfg.Backend = NewSQLBackend(st)
	}
	slog.Debug("Trigger.New: creating trigger", "debounce", cfg.Debounce, "pollInterval", cfg.PollInterval, "backend", fmt.Sprintf("%T", cfg.Backend))
	return &Trigger{store: st, runner: runner, validate: validator.New(), opts: cfg, retries: make(map[string]int)}
}

// Accept records one inbound message and schedules its conversation's run. A message already
// in the ledger returns models.ErrDuplicateMessage and changes nothing.
func (t *Trigger) Accept(ctx context.Context, in models.InboundMessage) (time.Time, error) {
	if err := t.validate.Struct(in); err != nil {
		return time.Time{}, fmt.Errorf("invalid inbound message: %w", err)
	}
	fresh, err := t.store.RecordInbound(ctx, in.MessageID, in.AccountID)
	if err != nil {
		return time.Time{}, err
	}
	if !fresh {
		metrics.TriggerEvents.WithLabelValues("duplicate").Inc()
		slog.Info("Trigger.Accept: duplicate message dropped", "messageID", in.MessageID, "conversationID", in.ConversationID)
		return time.Time{}, models.ErrDuplicateMessage
	}

	dueAt, err := t.accept(ctx, in)
	if err != nil {
		// The message was not stored, so a re-delivery must be accepted again.
		if ferr := t.store.ForgetInbound(context.WithoutCancel(ctx), in.MessageID, in.AccountID); ferr != nil {
			slog.Error("Trigger.Accept: forget inbound failed", "messageID", in.MessageID, "error", ferr)
		}
		return time.Time{}, err
	}
	if err := t.store.MarkProcessed(ctx, in.MessageID, in.AccountID); err != nil {
		slog.Warn("Trigger.Accept: mark processed failed", "messageID", in.MessageID, "error", err)
	}
	metrics.TriggerEvents.WithLabelValues("accepted").Inc()
	slog.Debug("Trigger.Accept: run scheduled", "conversationID", in.ConversationID, "messageID", in.MessageID, "dueAt", dueAt)
	return dueAt, nil
}

// accept does the work behind a fresh ledger entry. Appending the message is the last step, so
// any error leaves the transcript untouched.
func (t *Trigger) accept(ctx context.Context, in models.InboundMessage) (time.Time, error) {
	conv, err := t.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv.AccountID != in.AccountID || conv.ContactID != in.ContactID {
		return time.Time{}, fmt.Errorf("conversation %s does not belong to account %s and contact %s: %w",
			conv.ID, in.AccountID, in.ContactID, models.ErrNotFound)
	}
	if conv.Status == models.ConversationClosed {
		if err := t.store.ReopenConversation(ctx, conv.ID); err != nil {
			return time.Time{}, err
		}
		slog.Info("Trigger.Accept: conversation reopened", "conversationID", conv.ID)
	}

	// A run that fires before the append lands finds nothing pending and returns.
	dueAt := t.opts.Now().Add(t.opts.Debounce).UTC()
	if err := t.opts.Backend.Schedule(ctx, conv.ID, conv.AccountID, dueAt); err != nil {
		return time.Time{}, err
	}

	kind := in.MessageKind
	if kind == "" {
		kind = "text"
	}
	if err := t.store.AppendMessage(ctx, &models.Message{
		ConversationID: in.ConversationID,
		Direction:      models.DirectionInbound,
		Kind:           kind,
		Body:           flow.UserTurn(in),
		ProviderID:     in.MessageID,
	}); err != nil {
		return time.Time{}, fmt.Errorf("append inbound message: %w", err)
	}
	return dueAt, nil
}

// Schedule asks for a run at dueAt, replacing any pending one.
func (t *Trigger) Schedule(ctx context.Context, conversationID, accountID string, dueAt time.Time) error {
	return t.opts.Backend.Schedule(ctx, conversationID, accountID, dueAt.UTC())
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (t *Trigger) Run(ctx context.Context) {
	slog.Info("Trigger.Run: starting debounce poller", "pollInterval", t.opts.PollInterval)
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Trigger.Run: stopping")
			return
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Poll fires the runs that are due and returns how many fired. Runs are sequential.
func (t *Trigger) Poll(ctx context.Context) int {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	due, err := t.opts.Backend.Due(ctx, t.opts.Now(), t.opts.ClaimLimit)
	if err != nil {
		slog.Error("Trigger.Poll: due query failed", "error", err)
		return 0
	}
	fired := 0
	for _, r := range due {
		ok, err := t.opts.Backend.Claim(ctx, r.ConversationID, r.DueAt)
		if err != nil {
			slog.Error("Trigger.Poll: claim failed", "conversationID", r.ConversationID, "error", err)
			continue
		}
		if !ok {
			metrics.TriggerEvents.WithLabelValues("stale").Inc()
			slog.Debug("Trigger.Poll: respond-at moved, skipping stale run", "conversationID", r.ConversationID)
			continue
		}
		metrics.TriggerEvents.WithLabelValues("fired").Inc()
		if err := t.fire(ctx, r); err != nil {
			slog.Error("Trigger.Poll: run failed", "conversationID", r.ConversationID, "error", err)
			t.retry(ctx, r, err)
			continue
		}
		delete(t.retries, r.ConversationID)
		fired++
	}
	return fired
}

// retry schedules another run after a failed one. Configuration errors are not retried since
// the next run would fail the same way.
func (t *Trigger) retry(ctx context.Context, r store.RespondAt, cause error) {
	attempt := t.retries[r.ConversationID]
	if attempt >= t.opts.MaxRetries || models.ClassifyError(cause) == models.ErrorClassConfiguration {
		delete(t.retries, r.ConversationID)
		metrics.TriggerEvents.WithLabelValues("abandoned").Inc()
		slog.Warn("Trigger.retry: giving up on run", "conversationID", r.ConversationID, "attempts", attempt+1)
		return
	}
	dueAt := t.opts.Now().Add(t.opts.RetryDelay << attempt).UTC()
	if err := t.opts.Backend.Schedule(ctx, r.ConversationID, r.AccountID, dueAt); err != nil {
		slog.Error("Trigger.retry: reschedule failed", "conversationID", r.ConversationID, "error", err)
		return
	}
	t.retries[r.ConversationID] = attempt + 1
	metrics.TriggerEvents.WithLabelValues("retried").Inc()
	slog.Info("Trigger.retry: run rescheduled", "conversationID", r.ConversationID, "attempt", attempt+1, "dueAt", dueAt)
}

// fire runs one turn with the text available now: every inbound message since the last reply,
// or the latest due follow-up note.
func (t *Trigger) fire(ctx context.Context, r store.RespondAt) error {
	conv, err := t.store.GetConversation(ctx, r.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	in := models.InboundMessage{
		ConversationID: conv.ID,
		AccountID:      conv.AccountID,
		ContactID:      conv.ContactID,
		MessageKind:    "text",
	}

	pending, err := t.store.InboundSinceLastOutbound(ctx, conv.ID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		bodies := make([]string, 0, len(pending))
		for _, m := range pending {
			if b := strings.TrimSpace(m.Body); b != "" {
				bodies = append(bodies, b)
			}
		}
		in.InboundText = strings.Join(bodies, "\n")
		in.MessageID = pending[len(pending)-1].ProviderID
	} else {
		note, err := t.followUpNote(ctx, conv.ID)
		if err != nil {
			return err
		}
		if note == nil {
			slog.Debug("Trigger.fire: nothing to answer", "conversationID", conv.ID)
			return nil
		}
		in.InboundText = note.Body
		in.MessageID = note.ID
	}
	slog.Info("Trigger.fire: running turn", "conversationID", conv.ID, "pendingMessages", len(pending), "textLength", len(in.InboundText))

	res, err := t.runner.RunTurn(ctx, in)
	if errors.Is(err, models.ErrConversationInactive) {
		slog.Info("Trigger.fire: agent inactive, not answering", "conversationID", conv.ID)
		return nil
	}
	if err != nil {
		return err
	}
	return t.deliver(ctx, conv, r.DueAt, res)
}

// followUpNote returns the latest follow-up note written after the last reply, if any.
func (t *Trigger) followUpNote(ctx context.Context, conversationID string) (*models.Message, error) {
	recent, err := t.store.RecentMessages(ctx, conversationID, nil, 10)
	if err != nil {
		return nil, err
	}
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.Direction == models.DirectionOutbound {
			return nil, nil
		}
		if m.Direction == models.DirectionSystem && m.Kind == NoteKindFollowUp {
			return &m, nil
		}
	}
	return nil, nil
}

// deliver queues the reply, and the handoff reply if any, for the outbound sender.
func (t *Trigger) deliver(ctx context.Context, conv *models.Conversation, dueAt time.Time, res *models.TurnResult) error {
	contact, err := t.store.GetContact(ctx, conv.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	key := fmt.Sprintf("reply:%s:%d", conv.ID, dueAt.UnixMilli())
	for n := 0; res != nil; n, res = n+1, res.Handoff {
		if strings.TrimSpace(res.FinalText) == "" {
			continue
		}
		payload, err := json.Marshal(store.OutboxPayload{ConversationID: conv.ID, Body: res.FinalText})
		if err != nil {
			return fmt.Errorf("marshal reply: %w", err)
		}
		if _, err := t.store.EnqueueOutboxMessage(ctx, contact.Phone, store.OutboxKindReply, string(payload), fmt.Sprintf("%s:%d", key, n)); err != nil {
			return err
		}
	}
	if t.opts.OnReply != nil {
		t.opts.OnReply()
	}
	return nil
}
