package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CRMPipe/internal/dispatch"
	"github.com/BTreeMap/CRMPipe/internal/dsl"
	"github.com/BTreeMap/CRMPipe/internal/genai"
	"github.com/BTreeMap/CRMPipe/internal/metrics"
	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
)

// Model is the chat-completion transport used by the loop.
type Model interface {
	Complete(ctx context.Context, req genai.Request) (*genai.Response, error)
}

// Executor runs the actions whose results the model must see before it writes text.
// *dispatch.Dispatcher implements it.
type Executor interface {
	Schedule(ctx context.Context, tgt dispatch.Target, a dsl.Scheduling) models.DispatchResult
	VerifyClient(ctx context.Context, tgt dispatch.Target) models.DispatchResult
}

type loopState int

const (
	stateCall loopState = iota
	stateExecute
	stateFinalFallback
	stateDone
	stateFailed
)

func (s loopState) String() string {
	switch s {
	case stateCall:
		return "call"
	case stateExecute:
		return "execute"
	case stateFinalFallback:
		return "final_fallback"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// LoopConfig bounds and words the tool-calling loop.
type LoopConfig struct {
	MaxRounds            int
	SubstantiveMinLength int
	ForceTextInstruction string
	FinalTextInstruction string
	ToolAckMessage       string
	ModelTimeout         time.Duration
	ExecutorTimeout      time.Duration
	Greetings            []string
	Fillers              []string
}

// LoopInput is one run of the loop.
type LoopInput struct {
	Prompt *Prompt
	Target dispatch.Target
	// Request carries the credential and sampling settings; its Messages and Tools are set by the loop.
	Request genai.Request
}

// LoopResult is the outcome of a successful run.
type LoopResult struct {
	Text     string
	Proposed []models.ProposedAction
	Rounds   int // model calls, the final fallback included
	Usage    genai.Usage
}

// Loop drives the bounded exchange with the model.
type Loop struct {
	model    Model
	executor Executor
	parser   *dsl.Parser
	cfg      LoopConfig
	filler   *fillerMatcher
}

// NewLoop creates a Loop.
func NewLoop(model Model, executor Executor, parser *dsl.Parser, cfg LoopConfig) *Loop {
	if cfg.MaxRounds < 2 {
		cfg.MaxRounds = 2
	}
	return &Loop{
		model:    model,
		executor: executor,
		parser:   parser,
		cfg:      cfg,
		filler:   newFillerMatcher(append(append([]string(nil), cfg.Greetings...), cfg.Fillers...)),
	}
}

// run is the per-turn state of the machine.
type run struct {
	in       LoopInput
	msgs     []genai.Message
	tools    []models.ActionKind
	round    int
	last     *genai.Response
	lastText string
	res      LoopResult
}

// Run executes the state machine: Call, then Execute while the model keeps calling tools, with
// the last round forced to text and one tools-free fallback call before failing.
func (l *Loop) Run(ctx context.Context, in LoopInput) (*LoopResult, error) {
	r := &run{
		in:    in,
		msgs:  append([]genai.Message(nil), in.Prompt.Messages...),
		tools: toolKinds(in.Prompt.Allowed),
	}
	state := stateCall
	var err error
	for state != stateDone && state != stateFailed {
		prev := state
		switch state {
		case stateCall:
			state, err = l.call(ctx, r)
		case stateExecute:
			state = l.execute(ctx, r)
		case stateFinalFallback:
			state, err = l.finalFallback(ctx, r)
		}
		slog.Debug("Loop.Run: transition", "conversationID", in.Target.ConversationID, "round", r.round, "from", prev, "to", state)
	}
	if err != nil {
		return nil, err
	}
	if state == stateFailed {
		slog.Warn("Loop.Run: no usable text after fallback", "conversationID", in.Target.ConversationID, "rounds", r.res.Rounds)
		return nil, fmt.Errorf("after %d model calls: %w", r.res.Rounds, models.ErrEmptyResponse)
	}
	slog.Info("Loop.Run: final text produced", "conversationID", in.Target.ConversationID,
		"rounds", r.res.Rounds, "proposed", len(r.res.Proposed), "textLength", len(r.res.Text))
	return &r.res, nil
}

func (l *Loop) call(ctx context.Context, r *run) (loopState, error) {
	r.round++
	forced := r.round >= l.cfg.MaxRounds
	msgs := r.msgs
	var tools []models.ActionKind
	if forced {
		msgs = withInstruction(msgs, l.cfg.ForceTextInstruction)
	} else {
		tools = r.tools
	}

	resp, err := l.complete(ctx, r, msgs, tools)
	if err != nil {
		return stateFailed, err
	}
	r.last = resp
	text := l.collectText(r, resp.Content)
	done := l.Substantive(text)
	l.collectToolCalls(r, resp.ToolCalls, done)

	switch {
	case done:
		r.res.Text = text
		return stateDone, nil
	case len(resp.ToolCalls) > 0 && !forced:
		return stateExecute, nil
	case forced:
		return stateFinalFallback, nil
	}
	if strings.TrimSpace(resp.Content) != "" {
		r.msgs = append(r.msgs, genai.Message{Role: genai.RoleAssistant, Content: resp.Content})
	}
	return stateCall, nil
}

func (l *Loop) execute(ctx context.Context, r *run) loopState {
	resp := r.last
	r.msgs = append(r.msgs, genai.Message{Role: genai.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
	for _, tc := range resp.ToolCalls {
		r.msgs = append(r.msgs, genai.Message{
			Role:       genai.RoleTool,
			ToolCallID: tc.ID,
			Content:    l.toolResult(ctx, r, tc).JSON(),
		})
	}
	return stateCall
}

func (l *Loop) finalFallback(ctx context.Context, r *run) (loopState, error) {
	msgs := r.msgs
	if t := strings.TrimSpace(r.last.Content); t != "" {
		msgs = append(msgs, genai.Message{Role: genai.RoleAssistant, Content: t})
	}
	msgs = withInstruction(msgs, l.cfg.FinalTextInstruction)
	resp, err := l.complete(ctx, r, msgs, nil)
	if err != nil {
		return stateFailed, err
	}
	text := l.collectText(r, resp.Content)
	if !l.Substantive(text) {
		return stateFailed, nil
	}
	r.res.Text = text
	return stateDone, nil
}

func (l *Loop) complete(ctx context.Context, r *run, msgs []genai.Message, tools []models.ActionKind) (*genai.Response, error) {
	req := r.in.Request
	req.Messages = msgs
	req.Tools = tools

	if l.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}
	r.res.Rounds++
	metrics.ModelRounds.Inc()
	resp, err := l.model.Complete(ctx, req)
	if err != nil {
		slog.Error("Loop.complete: model call failed", "conversationID", r.in.Target.ConversationID, "round", r.round, "error", err)
		return nil, fmt.Errorf("model call (round %d): %w", r.round, err)
	}
	r.res.Usage.PromptTokens += resp.Usage.PromptTokens
	r.res.Usage.CompletionTokens += resp.Usage.CompletionTokens
	metrics.TokensTotal.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))
	slog.Debug("Loop.complete: model responded", "conversationID", r.in.Target.ConversationID,
		"round", r.round, "tools", len(tools), "toolCalls", len(resp.ToolCalls), "contentLength", len(resp.Content))
	return resp, nil
}

// collectText turns action tokens written into the text into proposals and returns the text
// without them.
func (l *Loop) collectText(r *run, content string) string {
	for _, t := range l.parser.Parse(content) {
		r.res.Proposed = append(r.res.Proposed, dsl.Proposal(t, r.round))
	}
	return strings.TrimSpace(l.parser.Strip(content))
}

// collectToolCalls records every well-formed call as a proposal. Calls that run inside the
// loop are recorded by toolResult once executed, unless the loop stops here, in which case
// the dispatcher runs them with the rest.
func (l *Loop) collectToolCalls(r *run, calls []models.ToolCall, final bool) {
	for _, tc := range calls {
		params, kind, err := tc.Function.ParseExecuteActionParams()
		if err != nil || (synchronous(kind) && !final) {
			continue
		}
		r.res.Proposed = append(r.res.Proposed, models.ProposedAction{
			Kind: kind, Value: strings.TrimSpace(params.Value), Round: r.round, ToolCallID: tc.ID,
		})
	}
}

// synchronous kinds run inside the loop so the model sees their result.
func synchronous(kind models.ActionKind) bool {
	return kind == models.ActionScheduling || kind == models.ActionVerifyClient
}

func (l *Loop) toolResult(ctx context.Context, r *run, tc models.ToolCall) models.ToolResult {
	params, kind, err := tc.Function.ParseExecuteActionParams()
	if err != nil {
		slog.Warn("Loop.toolResult: invalid tool call", "conversationID", r.in.Target.ConversationID, "tool", tc.Function.Name, "error", err)
		return models.ToolResult{ToolCallID: tc.ID, Success: false, Message: "invalid call", Error: err.Error()}
	}
	if !synchronous(kind) {
		return models.ToolResult{ToolCallID: tc.ID, Success: true, Message: l.cfg.ToolAckMessage}
	}

	value := strings.TrimSpace(params.Value)
	action, err := dsl.Decode(kind, value)
	if err != nil {
		return models.ToolResult{ToolCallID: tc.ID, Success: false, Message: "invalid value", Error: err.Error()}
	}
	res := l.runExecutor(ctx, r.in.Target, action)
	r.res.Proposed = append(r.res.Proposed, models.ProposedAction{
		Kind: kind, Value: value, Round: r.round, ToolCallID: tc.ID, Executed: true, Result: &res,
	})
	slog.Info("Loop.toolResult: executed synchronously", "conversationID", r.in.Target.ConversationID,
		"kind", kind, "value", value, "success", res.Success)
	return models.ToolResult{ToolCallID: tc.ID, Success: res.Success, Message: res.Message, Data: res.Payload}
}

// executorGrace is how long a timed-out executor may take to report what it did.
const executorGrace = 250 * time.Millisecond

// runExecutor bounds the executor call. A timeout becomes a failure result for the model.
func (l *Loop) runExecutor(ctx context.Context, tgt dispatch.Target, action dsl.Action) models.DispatchResult {
	if l.executor == nil {
		return models.DispatchResult{Message: "executor unavailable"}
	}
	if l.cfg.ExecutorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ExecutorTimeout)
		defer cancel()
	}
	done := make(chan models.DispatchResult, 1)
	go func() {
		switch a := action.(type) {
		case dsl.Scheduling:
			done <- l.executor.Schedule(ctx, tgt, a)
		default:
			done <- l.executor.VerifyClient(ctx, tgt)
		}
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		// The executor sees the same cancellation and stops before committing. One that had
		// already committed reports it here, and that outcome stands.
		select {
		case res := <-done:
			if res.Success {
				slog.Warn("Loop.runExecutor: executor finished after the deadline", "conversationID", tgt.ConversationID, "kind", action.Kind())
				return res
			}
		case <-time.After(executorGrace):
		}
		msg := "the lookup did not answer in time; ask the contact to confirm again"
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "the lookup was canceled"
		}
		slog.Warn("Loop.runExecutor: executor did not finish", "conversationID", tgt.ConversationID, "kind", action.Kind(), "error", ctx.Err())
		return models.DispatchResult{Success: false, Message: msg}
	}
}

// Substantive reports whether text is long enough and more than greetings and filler.
func (l *Loop) Substantive(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= l.cfg.SubstantiveMinLength {
		return false
	}
	return !l.filler.only(text)
}

// toolKinds lists the kinds offered through execute-action. Without any configured action the
// tool is omitted.
func toolKinds(allowed dsl.ConfiguredSet) []models.ActionKind {
	if allowed.Empty() {
		return nil
	}
	var out []models.ActionKind
	for _, k := range models.AllActionKinds {
		if allowed.Allows(k) {
			out = append(out, k)
		}
	}
	return out
}

func withInstruction(msgs []genai.Message, instruction string) []genai.Message {
	out := make([]genai.Message, 0, len(msgs)+1)
	out = append(out, msgs...)
	return append(out, genai.Message{Role: genai.RoleSystem, Content: instruction})
}

// fillerMatcher tells whether a text is made only of greeting and filler phrases.
type fillerMatcher struct {
	phrases []string // normalized word sequences, longest first
}

func newFillerMatcher(phrases []string) *fillerMatcher {
	m := &fillerMatcher{}
	for _, p := range phrases {
		if w := resolve.Words(p); len(w) > 0 {
			m.phrases = append(m.phrases, " "+strings.Join(w, " ")+" ")
		}
	}
	sort.SliceStable(m.phrases, func(i, j int) bool { return len(m.phrases[i]) > len(m.phrases[j]) })
	return m
}

func (m *fillerMatcher) only(text string) bool {
	words := resolve.Words(text)
	if len(words) == 0 {
		return true
	}
	rest := " " + strings.Join(words, " ") + " "
	for _, p := range m.phrases {
		for strings.Contains(rest, p) {
			rest = strings.Replace(rest, p, " ", 1)
		}
	}
	return strings.TrimSpace(rest) == ""
}
