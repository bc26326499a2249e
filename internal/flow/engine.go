// Package flow runs one orchestration turn: it assembles the prompt, drives the tool-calling
// loop, filters the proposed actions, dispatches the survivors and guards the final text.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/config"
	"github.com/BTreeMap/CRMPipe/internal/dispatch"
	"github.com/BTreeMap/CRMPipe/internal/dsl"
	"github.com/BTreeMap/CRMPipe/internal/filter"
	"github.com/BTreeMap/CRMPipe/internal/genai"
	"github.com/BTreeMap/CRMPipe/internal/metrics"
	"github.com/BTreeMap/CRMPipe/internal/models"
)

// Store is the persistence the engine needs besides the dispatcher's.
type Store interface {
	AssemblerStore
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	PrimaryAgent(ctx context.Context, accountID string) (*models.Agent, error)
	ActiveCredential(ctx context.Context, accountID string) (*models.AICredential, error)
	AppendMessage(ctx context.Context, m *models.Message) error
}

// Opts holds configuration options for the Engine.
type Opts struct {
	Config         config.Config
	FallbackAPIKey string // used when the account has no active credential
	DefaultModel   string
	Now            func() time.Time
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithConfig sets the engine tunables.
func WithConfig(cfg config.Config) Option {
	return func(o *Opts) {
		o.Config = cfg
	}
}

// WithFallbackAPIKey sets the credential used for accounts without one.
func WithFallbackAPIKey(key string) Option {
	return func(o *Opts) {
		o.FallbackAPIKey = key
	}
}

// WithDefaultModel sets the model used when neither the agent nor the credential names one.
func WithDefaultModel(model string) Option {
	return func(o *Opts) {
		o.DefaultModel = model
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Engine runs orchestration turns.
type Engine struct {
	store      Store
	dispatcher *dispatch.Dispatcher
	assembler  *Assembler
	loop       *Loop
	guard      *Guard
	filterCfg  filter.Config
	opts       Opts
}

// New creates an Engine. It fails when the configuration does not compile.
func New(store Store, model Model, dispatcher *dispatch.Dispatcher, opts ...Option) (*Engine, error) {
	cfg := Opts{Config: config.Default(), Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := cfg.Config
	links, err := c.Guard.LinkPatterns()
	if err != nil {
		return nil, err
	}
	parser := dsl.New(dsl.WithAliases(c.Aliases()))

	slog.Debug("Engine.New: creating engine", "maxRounds", c.Loop.MaxRounds,
		"fallbackKey_set", cfg.FallbackAPIKey != "", "defaultModel", cfg.DefaultModel)
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		assembler: NewAssembler(store, dispatcher.Directory(), parser,
			c.Assembler.NextStagePreviewChars, c.Assembler.HistoryLimit, cfg.Now),
		loop: NewLoop(model, dispatcher, parser, LoopConfig{
			MaxRounds:            c.Loop.MaxRounds,
			SubstantiveMinLength: c.Loop.SubstantiveMinLength,
			ForceTextInstruction: c.Loop.ForceTextInstruction,
			FinalTextInstruction: c.Loop.FinalTextInstruction,
			ToolAckMessage:       c.Loop.ToolAckMessage,
			ModelTimeout:         c.Timeouts.Model,
			ExecutorTimeout:      c.Timeouts.Executor,
			Greetings:            c.Words.Greetings,
			Fillers:              c.Words.Fillers,
		}),
		guard:     NewGuard(c.Guard.ClarifyingFallback, c.Guard.BookingClaimPhrases, links),
		filterCfg: c.FilterConfig(),
		opts:      cfg,
	}, nil
}

// RunTurn runs one turn and returns what the sender delivers.
func (e *Engine) RunTurn(ctx context.Context, in models.InboundMessage) (*models.TurnResult, error) {
	_, res, err := e.Orchestrate(ctx, in)
	return res, err
}

// Orchestrate runs one turn and also returns its full record. Errors are *models.TurnError.
// Nothing is persisted as a reply when the turn fails.
func (e *Engine) Orchestrate(ctx context.Context, in models.InboundMessage) (*models.OrchestrationTurn, *models.TurnResult, error) {
	started := e.opts.Now()
	turn, res, err := e.orchestrate(ctx, in)
	if err != nil {
		err = models.NewTurnError(err)
		outcome := string(models.ClassifyError(err))
		if errors.Is(err, models.ErrConversationInactive) {
			outcome = "inactive"
		}
		metrics.ObserveTurn(outcome, started)
		slog.Error("Engine.Orchestrate: turn failed", "conversationID", in.ConversationID, "class", models.ClassifyError(err), "error", err)
		return turn, nil, err
	}
	metrics.ObserveTurn("ok", started)
	return turn, res, nil
}

func (e *Engine) orchestrate(ctx context.Context, in models.InboundMessage) (*models.OrchestrationTurn, *models.TurnResult, error) {
	slog.Debug("Engine.orchestrate: turn start", "conversationID", in.ConversationID, "handoff", in.IsAgentHandoff, "suppressHistory", in.SuppressHistory)

	conv, err := e.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.AgentActive {
		return nil, nil, models.ErrConversationInactive
	}
	account, err := e.store.GetAccount(ctx, conv.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("load account: %w", err)
	}
	agent, err := e.agentFor(ctx, conv)
	if err != nil {
		return nil, nil, err
	}
	req, err := e.request(ctx, account.ID, agent)
	if err != nil {
		return nil, nil, err
	}

	userTurn := UserTurn(in)
	prompt, err := e.assembler.Assemble(ctx, AssembleInput{
		Account:         *account,
		Conversation:    conv,
		Agent:           *agent,
		UserTurn:        userTurn,
		SuppressHistory: in.SuppressHistory,
	})
	if err != nil {
		return nil, nil, err
	}

	tgt := dispatch.Target{
		AccountID:      account.ID,
		ConversationID: conv.ID,
		ContactID:      conv.ContactID,
		ContactName:    prompt.Contact.Name,
		ContactPhone:   prompt.Contact.Phone,
		AgentID:        agent.ID,
		Location:       account.Location(),
	}
	turn := &models.OrchestrationTurn{
		ConversationID:  conv.ID,
		ContactID:       conv.ContactID,
		AccountID:       account.ID,
		InboundText:     userTurn,
		BoundedHistory:  prompt.History,
		ActiveStage:     prompt.Script.Active,
		ConfiguredKinds: prompt.Allowed.Kinds(),
		ConfiguredField: prompt.Allowed.Fields(),
	}

	lr, err := e.loop.Run(ctx, LoopInput{Prompt: prompt, Target: tgt, Request: req})
	if err != nil {
		return turn, nil, err
	}
	turn.ProposedActions = lr.Proposed
	turn.Rounds = lr.Rounds

	asked := append(append([]models.HistoryEntry(nil), prompt.History...),
		models.HistoryEntry{Direction: models.DirectionInbound, Text: userTurn})
	expected := filter.InferExpectedField(filter.LastQuestion(asked), prompt.Allowed.Fields(), e.filterCfg)
	filtered := filter.Apply(filter.Input{
		Proposed:      lr.Proposed,
		Allowed:       prompt.Allowed,
		ExpectedField: expected,
		UserMessage:   userMessage(in),
	}, e.filterCfg)
	for _, d := range filtered.Discarded {
		metrics.DiscardsTotal.WithLabelValues(d.Reason).Inc()
		slog.Info("Engine.orchestrate: proposal discarded", "conversationID", conv.ID, "kind", d.Action.Kind, "value", d.Action.Value, "reason", d.Reason)
	}
	turn.Discarded = filtered.Discarded

	turn.ExecutedActions = e.dispatcher.DispatchAll(ctx, tgt, filtered.Executable)

	text, substituted := e.guard.Check(lr.Text, turn.ExecutedActions)
	turn.FinalText = text

	if err := e.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOutbound,
		Kind:           "text",
		Body:           text,
	}); err != nil {
		return turn, nil, fmt.Errorf("persist reply: %w", err)
	}

	res := &models.TurnResult{
		ConversationID:      conv.ID,
		FinalText:           text,
		ExecutedActionCount: len(turn.ExecutedActions),
		AlreadyPersisted:    true,
	}
	slog.Info("Engine.orchestrate: turn complete", "conversationID", conv.ID, "agent", agent.Name,
		"rounds", lr.Rounds, "proposed", len(lr.Proposed), "executed", len(turn.ExecutedActions),
		"discarded", len(filtered.Discarded), "expectedField", expected, "guarded", substituted,
		"promptTokens", lr.Usage.PromptTokens, "completionTokens", lr.Usage.CompletionTokens)

	if h := handoffOf(turn.ExecutedActions); h != nil && !in.IsAgentHandoff {
		res.Handoff = e.handoff(ctx, in, h)
	}
	return turn, res, nil
}

// handoff lets the agent that received a transfer answer right away. Its failure does not
// fail the turn that already replied.
func (e *Engine) handoff(ctx context.Context, in models.InboundMessage, h *dispatch.Handoff) *models.TurnResult {
	slog.Info("Engine.handoff: re-entering for transferred agent", "conversationID", in.ConversationID, "agent", h.AgentName)
	nested := in
	nested.IsAgentHandoff = true
	_, res, err := e.Orchestrate(ctx, nested)
	if err != nil {
		slog.Error("Engine.handoff: transferred agent failed to reply", "conversationID", in.ConversationID, "agent", h.AgentName, "error", err)
		return nil
	}
	return res
}

func handoffOf(executed []models.ExecutedAction) *dispatch.Handoff {
	for _, a := range executed {
		if a.Kind != models.ActionTransfer || !a.Result.Success {
			continue
		}
		if h, ok := a.Result.Payload.(dispatch.Handoff); ok {
			return &h
		}
	}
	return nil
}

func (e *Engine) agentFor(ctx context.Context, conv *models.Conversation) (*models.Agent, error) {
	var (
		agent *models.Agent
		err   error
	)
	if conv.AgentID != "" {
		agent, err = e.store.GetAgent(ctx, conv.AgentID)
	} else {
		agent, err = e.store.PrimaryAgent(ctx, conv.AccountID)
	}
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrNoActiveAgent):
		return nil, fmt.Errorf("conversation %s: %w", conv.ID, models.ErrNoActiveAgent)
	case err != nil:
		return nil, fmt.Errorf("load agent: %w", err)
	case !agent.Active:
		return nil, fmt.Errorf("agent %s is disabled: %w", agent.Name, models.ErrNoActiveAgent)
	}
	return agent, nil
}

// request resolves the credential and sampling settings of the turn.
func (e *Engine) request(ctx context.Context, accountID string, agent *models.Agent) (genai.Request, error) {
	req := genai.Request{MaxTokens: agent.MaxTokens, Temperature: agent.Temperature, Model: agent.Model}
	cred, err := e.store.ActiveCredential(ctx, accountID)
	switch {
	case err == nil:
		req.APIKey = cred.APIKey
		if req.Model == "" {
			req.Model = cred.Model
		}
	case errors.Is(err, models.ErrNoActiveCredential) && e.opts.FallbackAPIKey != "":
		slog.Debug("Engine.request: using fallback credential", "accountID", accountID)
		req.APIKey = e.opts.FallbackAPIKey
	case errors.Is(err, models.ErrNoActiveCredential):
		return req, fmt.Errorf("account %s: %w", accountID, err)
	default:
		return req, fmt.Errorf("load credential: %w", err)
	}
	if req.Model == "" {
		req.Model = e.opts.DefaultModel
	}
	return req, nil
}

// UserTurn renders the inbound record as the model's user message. Media transcriptions are
// appended in a labelled block.
func UserTurn(in models.InboundMessage) string {
	text := strings.TrimSpace(in.InboundText)
	media := strings.TrimSpace(in.MediaDerivedText)
	if media == "" {
		return text
	}
	kind := in.MessageKind
	if kind == "" {
		kind = "media"
	}
	block := fmt.Sprintf("[conteúdo de %s]\n%s", kind, media)
	if text == "" {
		return block
	}
	return text + "\n\n" + block
}

// userMessage is the literal text placeholders are filled with.
func userMessage(in models.InboundMessage) string {
	if strings.TrimSpace(in.InboundText) != "" {
		return in.InboundText
	}
	return in.MediaDerivedText
}
