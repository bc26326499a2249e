// Package dispatch executes filtered actions against the CRM.
//
// Each action kind has one handler returning a models.DispatchResult. A failing handler never
// aborts its siblings: resolution, conflict and datastore errors become a failed result for that
// action only. Every dispatched action leaves a synthetic system entry in the transcript.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/calendar"
	"github.com/BTreeMap/CRMPipe/internal/dsl"
	"github.com/BTreeMap/CRMPipe/internal/metrics"
	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
	"github.com/BTreeMap/CRMPipe/internal/store"
)

// Store is the persistence the dispatcher mutates.
type Store interface {
	Definitions
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateContactName(ctx context.Context, id, name string) error
	AttachTag(ctx context.Context, contactID, tagID string) (bool, error)
	UpsertFieldValue(ctx context.Context, contactID, fieldID, value string) error
	GetFieldValue(ctx context.Context, contactID, fieldID string) (*models.CustomFieldValue, error)
	OpenDeal(ctx context.Context, contactID, pipelineID string) (*models.Deal, error)
	CreateDeal(ctx context.Context, d *models.Deal) error
	MoveDeal(ctx context.Context, dealID, stageID string) error
	ClientStatus(ctx context.Context, contactID string) (bool, string, error)
	PrimaryAgent(ctx context.Context, accountID string) (*models.Agent, error)
	AssignAgent(ctx context.Context, conversationID, agentID string, active bool) error
	CloseConversation(ctx context.Context, conversationID string, resetAt time.Time) error
	SetActiveStage(ctx context.Context, conversationID, stageID string) error
	CreateFollowUp(ctx context.Context, f *models.FollowUp) error
	AppendMessage(ctx context.Context, m *models.Message) error
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
	EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error)
}

// Scheduler is the calendar collaborator.
type Scheduler interface {
	CheckAvailability(ctx context.Context, req calendar.CheckRequest) models.AvailabilityResult
	Book(ctx context.Context, req calendar.BookRequest) models.EventResult
}

// Target identifies who a turn's actions apply to.
type Target struct {
	AccountID      string
	ConversationID string
	ContactID      string
	ContactName    string
	ContactPhone   string
	AgentID        string
	Location       *time.Location
}

// Handoff is the payload of a transfer to a secondary agent. The caller re-enters the engine
// so the new agent replies at once.
type Handoff struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	Resolver              resolve.NameResolver
	Scheduler             Scheduler
	DirectoryTTL          time.Duration
	EndConversationOffset time.Duration
	FollowUpDefaultHour   int
	Now                   func() time.Time
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithResolver overrides the name resolver.
func WithResolver(r resolve.NameResolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// WithScheduler sets the calendar collaborator used by scheduling actions.
func WithScheduler(s Scheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithDirectoryTTL sets how long definitions are cached. Zero disables caching.
func WithDirectoryTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.DirectoryTTL = ttl }
}

// WithEndConversationOffset sets how far ahead the memory reset marker of a closed conversation is placed.
func WithEndConversationOffset(d time.Duration) Option {
	return func(o *Opts) { o.EndConversationOffset = d }
}

// WithFollowUpDefaultHour sets the hour used for date-only follow-ups.
func WithFollowUpDefaultHour(h int) Option {
	return func(o *Opts) { o.FollowUpDefaultHour = h }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Dispatcher executes actions.
type Dispatcher struct {
	store     Store
	dir       *Directory
	resolver  resolve.NameResolver
	scheduler Scheduler
	endOffset time.Duration
	fuHour    int
	now       func() time.Time
}

// New creates a Dispatcher.
func New(store Store, opts ...Option) *Dispatcher {
	cfg := Opts{
		Resolver:              resolve.New(),
		DirectoryTTL:          DefaultDirectoryTTL,
		EndConversationOffset: 2 * time.Second,
		FollowUpDefaultHour:   9,
		Now:                   time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		store:     store,
		dir:       NewDirectory(store, cfg.DirectoryTTL),
		resolver:  cfg.Resolver,
		scheduler: cfg.Scheduler,
		endOffset: cfg.EndConversationOffset,
		fuHour:    cfg.FollowUpDefaultHour,
		now:       cfg.Now,
	}
}

// Directory exposes the cached definitions, shared with the assembler.
func (d *Dispatcher) Directory() *Directory { return d.dir }

// DispatchAll executes the actions in order and records an audit entry for each. Actions that
// already ran inside the tool loop keep their result and are only audited.
func (d *Dispatcher) DispatchAll(ctx context.Context, tgt Target, actions []models.ProposedAction) []models.ExecutedAction {
	out := make([]models.ExecutedAction, 0, len(actions))
	for _, a := range actions {
		var res models.DispatchResult
		if a.Executed && a.Result != nil {
			res = *a.Result
		} else {
			res = d.Dispatch(ctx, tgt, a.Kind, a.Value)
		}
		d.audit(ctx, tgt, a.Kind, a.Value, res)
		out = append(out, models.ExecutedAction{Kind: a.Kind, Value: a.Value, Result: res})
	}
	return out
}

// Dispatch executes one action.
func (d *Dispatcher) Dispatch(ctx context.Context, tgt Target, kind models.ActionKind, value string) models.DispatchResult {
	action, err := dsl.Decode(kind, value)
	var res models.DispatchResult
	if err != nil {
		res = failure(err.Error())
	} else {
		res = d.execute(ctx, tgt, action)
	}
	metrics.ActionsTotal.WithLabelValues(string(kind), metrics.Outcome(res.Success)).Inc()
	if res.Success {
		slog.Info("Dispatcher.Dispatch: action executed", "conversationID", tgt.ConversationID, "kind", kind, "value", value)
	} else {
		slog.Warn("Dispatcher.Dispatch: action failed", "conversationID", tgt.ConversationID, "kind", kind, "value", value, "reason", res.Message)
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, tgt Target, action dsl.Action) models.DispatchResult {
	switch a := action.(type) {
	case dsl.StageMove:
		return d.moveDeal(ctx, tgt, a.Pipeline, a.Stage, "")
	case dsl.CreateDeal:
		return d.moveDeal(ctx, tgt, a.Pipeline, a.Stage, a.Title)
	case dsl.TagContact:
		return d.tag(ctx, tgt, a)
	case dsl.Transfer:
		return d.transfer(ctx, tgt, a)
	case dsl.Notify:
		return d.notify(ctx, tgt, a)
	case dsl.EndConversation:
		return d.endConversation(ctx, tgt)
	case dsl.SetName:
		return d.setName(ctx, tgt, a)
	case dsl.Scheduling:
		return d.Schedule(ctx, tgt, a)
	case dsl.SetField:
		return d.setField(ctx, tgt, a)
	case dsl.GetField:
		return d.getField(ctx, tgt, a)
	case dsl.FollowUp:
		return d.followUp(ctx, tgt, a)
	case dsl.VerifyClient:
		return d.VerifyClient(ctx, tgt)
	case dsl.GotoStage:
		return d.gotoStage(ctx, tgt, a)
	}
	return failure(fmt.Sprintf("unsupported action %T", action))
}

func success(msg string, payload interface{}) models.DispatchResult {
	return models.DispatchResult{Success: true, Message: msg, Payload: payload}
}

func failure(msg string) models.DispatchResult {
	return models.DispatchResult{Message: msg}
}

func storeFailure(what string, err error) models.DispatchResult {
	slog.Error("Dispatcher: datastore error", "operation", what, "error", err)
	return failure(what + " failed")
}

func notResolved(what, name string) models.DispatchResult {
	return failure(fmt.Sprintf("%s %q not found", what, name))
}

// moveDeal positions the contact's open deal of the target pipeline in the target stage,
// creating the deal when none is open.
func (d *Dispatcher) moveDeal(ctx context.Context, tgt Target, pipelineName, stageName, title string) models.DispatchResult {
	pipelines, err := d.dir.Pipelines(ctx, tgt.AccountID)
	if err != nil {
		return storeFailure("list pipelines", err)
	}
	if len(pipelines) == 0 {
		return failure("no pipeline is configured")
	}

	var candidates []models.Pipeline
	if pipelineName != "" {
		m, err := d.resolver.Resolve(pipelineName, pipelineCandidates(pipelines))
		if err != nil {
			return notResolved("pipeline", pipelineName)
		}
		for _, p := range pipelines {
			if p.ID == m.Candidate.ID {
				candidates = []models.Pipeline{p}
			}
		}
	} else {
		candidates = pipelines
	}

	var stage *models.PipelineStage
	var pipeline models.Pipeline
	bestRank := len(matchRank)
	for _, p := range candidates {
		stages, err := d.dir.PipelineStages(ctx, p.ID)
		if err != nil {
			return storeFailure("list pipeline stages", err)
		}
		cands := make([]resolve.Candidate, len(stages))
		for i, st := range stages {
			cands[i] = resolve.Candidate{ID: st.ID, Name: st.Name}
		}
		m, err := d.resolver.Resolve(stageName, cands)
		if err != nil || matchRank[m.Kind] >= bestRank {
			continue
		}
		for i := range stages {
			if stages[i].ID == m.Candidate.ID {
				stage, pipeline, bestRank = &stages[i], p, matchRank[m.Kind]
			}
		}
	}
	if stage == nil {
		return notResolved("stage", stageName)
	}

	deal, err := d.store.OpenDeal(ctx, tgt.ContactID, pipeline.ID)
	if err != nil {
		return storeFailure("find open deal", err)
	}
	if deal != nil {
		if deal.StageID != stage.ID {
			if err := d.store.MoveDeal(ctx, deal.ID, stage.ID); err != nil {
				return storeFailure("move deal", err)
			}
		}
		return success(fmt.Sprintf("deal moved to %s / %s", pipeline.Name, stage.Name), map[string]string{"dealId": deal.ID, "stageId": stage.ID})
	}

	if title == "" {
		title = strings.TrimSpace(tgt.ContactName + " - " + pipeline.Name)
	}
	deal = &models.Deal{AccountID: tgt.AccountID, ContactID: tgt.ContactID, PipelineID: pipeline.ID, StageID: stage.ID, Title: title}
	if err := d.store.CreateDeal(ctx, deal); err != nil {
		return storeFailure("create deal", err)
	}
	return success(fmt.Sprintf("deal created in %s / %s", pipeline.Name, stage.Name), map[string]string{"dealId": deal.ID, "stageId": stage.ID})
}

// matchRank orders match kinds when a stage name matches in several pipelines.
var matchRank = map[resolve.MatchKind]int{
	resolve.MatchID:        0,
	resolve.MatchExact:     1,
	resolve.MatchSubstring: 2,
	resolve.MatchFuzzy:     3,
}

func pipelineCandidates(ps []models.Pipeline) []resolve.Candidate {
	out := make([]resolve.Candidate, len(ps))
	for i, p := range ps {
		out[i] = resolve.Candidate{ID: p.ID, Name: p.Name}
	}
	return out
}

// tag attaches a pre-existing tag. Tags are matched case- and accent-insensitively, never fuzzily.
func (d *Dispatcher) tag(ctx context.Context, tgt Target, a dsl.TagContact) models.DispatchResult {
	tags, err := d.dir.Tags(ctx, tgt.AccountID)
	if err != nil {
		return storeFailure("list tags", err)
	}
	var found *models.Tag
	for i := range tags {
		if tags[i].ID == a.Tag || resolve.Equal(tags[i].Name, a.Tag) {
			found = &tags[i]
			break
		}
	}
	if found == nil {
		return notResolved("tag", a.Tag)
	}
	added, err := d.store.AttachTag(ctx, tgt.ContactID, found.ID)
	if err != nil {
		return storeFailure("attach tag", err)
	}
	if !added {
		return success(fmt.Sprintf("contact already tagged %s", found.Name), nil)
	}
	return success(fmt.Sprintf("tag %s added", found.Name), map[string]string{"tagId": found.ID})
}

var humanTargets = map[string]bool{
	"human": true, "humano": true, "atendente": true, "atendimento": true, "operator": true,
	"operador": true, "humanagent": true, "atendentehumano": true, "equipe": true,
}

var primaryTargets = map[string]bool{
	"primary": true, "principal": true, "agenteprincipal": true, "primaryagent": true, "ia": true, "ai": true,
}

func (d *Dispatcher) transfer(ctx context.Context, tgt Target, a dsl.Transfer) models.DispatchResult {
	key := resolve.Normalize(a.Target)
	switch {
	case humanTargets[key]:
		if err := d.store.AssignAgent(ctx, tgt.ConversationID, tgt.AgentID, false); err != nil {
			return storeFailure("hand off to human", err)
		}
		return success("conversation handed to a human; the agent is now inactive", nil)

	case primaryTargets[key]:
		primary, err := d.store.PrimaryAgent(ctx, tgt.AccountID)
		if err != nil {
			if errors.Is(err, models.ErrNoActiveAgent) {
				return failure("no primary agent is configured")
			}
			return storeFailure("find primary agent", err)
		}
		if err := d.store.AssignAgent(ctx, tgt.ConversationID, primary.ID, true); err != nil {
			return storeFailure("hand back to primary agent", err)
		}
		return success(fmt.Sprintf("conversation returned to %s", primary.Name), nil)
	}

	agents, err := d.dir.Agents(ctx, tgt.AccountID)
	if err != nil {
		return storeFailure("list agents", err)
	}
	var cands []resolve.Candidate
	for _, ag := range agents {
		if ag.Active {
			cands = append(cands, resolve.Candidate{ID: ag.ID, Name: ag.Name})
		}
	}
	m, err := d.resolver.Resolve(a.Target, cands)
	if err != nil {
		return notResolved("agent", a.Target)
	}
	if m.Candidate.ID == tgt.AgentID {
		return success(fmt.Sprintf("%s is already answering this conversation", m.Candidate.Name), nil)
	}
	if err := d.store.AssignAgent(ctx, tgt.ConversationID, m.Candidate.ID, true); err != nil {
		return storeFailure("hand off to agent", err)
	}
	return success(fmt.Sprintf("conversation handed to %s", m.Candidate.Name), Handoff{AgentID: m.Candidate.ID, AgentName: m.Candidate.Name})
}

func (d *Dispatcher) notify(ctx context.Context, tgt Target, a dsl.Notify) models.DispatchResult {
	to := ""
	if isPhone(a.Target) {
		to = a.Target
	} else {
		acc, err := d.store.GetAccount(ctx, tgt.AccountID)
		if err != nil {
			return storeFailure("load account", err)
		}
		to = acc.NotifyPhone
	}
	if to == "" {
		return failure("no notification destination is configured")
	}
	text := a.Message
	if text == "" {
		text = "Atenção necessária na conversa"
	}
	if tgt.ContactName != "" || tgt.ContactPhone != "" {
		text = fmt.Sprintf("%s (contato: %s %s)", text, tgt.ContactName, tgt.ContactPhone)
	}
	payload, err := json.Marshal(store.OutboxPayload{ConversationID: tgt.ConversationID, Body: strings.TrimSpace(text)})
	if err != nil {
		return failure("encode notification failed")
	}
	if _, err := d.store.EnqueueOutboxMessage(ctx, to, store.OutboxKindNotify, string(payload), ""); err != nil {
		return storeFailure("enqueue notification", err)
	}
	return success("notification queued", map[string]string{"to": to})
}

func isPhone(s string) bool {
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	if len(s) < 8 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != ' ' && r != '-' {
			return false
		}
	}
	return true
}

func (d *Dispatcher) endConversation(ctx context.Context, tgt Target) models.DispatchResult {
	resetAt := d.now().Add(d.endOffset)
	if err := d.store.CloseConversation(ctx, tgt.ConversationID, resetAt); err != nil {
		return storeFailure("close conversation", err)
	}
	return success("conversation closed", map[string]time.Time{"memoryResetAt": resetAt.UTC()})
}

func (d *Dispatcher) setName(ctx context.Context, tgt Target, a dsl.SetName) models.DispatchResult {
	name := strings.TrimSpace(a.Name)
	if err := d.store.UpdateContactName(ctx, tgt.ContactID, name); err != nil {
		return storeFailure("update contact name", err)
	}
	return success(fmt.Sprintf("contact name set to %s", name), nil)
}

func (d *Dispatcher) resolveField(ctx context.Context, accountID, name string) (*models.CustomField, models.DispatchResult, bool) {
	fields, err := d.dir.Fields(ctx, accountID)
	if err != nil {
		return nil, storeFailure("list custom fields", err), false
	}
	cands := make([]resolve.Candidate, len(fields))
	for i, f := range fields {
		cands[i] = resolve.Candidate{ID: f.ID, Name: f.Name, Aliases: []string{f.Key}}
	}
	m, err := d.resolver.Resolve(name, cands)
	if err != nil {
		return nil, notResolved("field", name), false
	}
	for i := range fields {
		if fields[i].ID == m.Candidate.ID {
			return &fields[i], models.DispatchResult{}, true
		}
	}
	return nil, notResolved("field", name), false
}

func (d *Dispatcher) setField(ctx context.Context, tgt Target, a dsl.SetField) models.DispatchResult {
	if strings.TrimSpace(a.Value) == "" {
		return failure(fmt.Sprintf("no value for field %s", a.Field))
	}
	f, res, ok := d.resolveField(ctx, tgt.AccountID, a.Field)
	if !ok {
		return res
	}
	if err := d.store.UpsertFieldValue(ctx, tgt.ContactID, f.ID, a.Value); err != nil {
		return storeFailure("save field value", err)
	}
	return success(fmt.Sprintf("%s saved", f.Name), map[string]string{"fieldId": f.ID, "value": a.Value})
}

func (d *Dispatcher) getField(ctx context.Context, tgt Target, a dsl.GetField) models.DispatchResult {
	f, res, ok := d.resolveField(ctx, tgt.AccountID, a.Field)
	if !ok {
		return res
	}
	v, err := d.store.GetFieldValue(ctx, tgt.ContactID, f.ID)
	if err != nil {
		return storeFailure("read field value", err)
	}
	if v == nil || v.Value == "" {
		return success(fmt.Sprintf("%s has no value yet", f.Name), nil)
	}
	return success(fmt.Sprintf("%s: %s", f.Name, v.Value), map[string]string{"fieldId": f.ID, "value": v.Value})
}

// Schedule runs a scheduling sub-action. The tool loop calls it synchronously.
func (d *Dispatcher) Schedule(ctx context.Context, tgt Target, a dsl.Scheduling) models.DispatchResult {
	if d.scheduler == nil {
		return failure("scheduling is not available")
	}
	switch a.Op {
	case dsl.SchedulingCheck:
		r := d.scheduler.CheckAvailability(ctx, calendar.CheckRequest{AccountID: tgt.AccountID, Calendar: a.Calendar, Day: a.Value})
		return models.DispatchResult{Success: r.OK, Message: r.Message, Payload: r}
	case dsl.SchedulingCreate:
		r := d.scheduler.Book(ctx, calendar.BookRequest{
			AccountID:      tgt.AccountID,
			ContactID:      tgt.ContactID,
			ContactName:    tgt.ContactName,
			ConversationID: tgt.ConversationID,
			Calendar:       a.Calendar,
			Start:          a.Value,
		})
		return models.DispatchResult{Success: r.OK, Message: r.Message, Payload: r}
	}
	return failure(fmt.Sprintf("unknown scheduling operation %q", a.Op))
}

// VerifyClient reports whether the contact is a client. The tool loop calls it synchronously.
func (d *Dispatcher) VerifyClient(ctx context.Context, tgt Target) models.DispatchResult {
	isClient, stage, err := d.store.ClientStatus(ctx, tgt.ContactID)
	if err != nil {
		return storeFailure("client status", err)
	}
	status := models.ClientStatus{OK: true, IsClient: isClient, StageName: stage}
	if isClient {
		msg := "the contact IS already a client"
		if stage != "" {
			msg += " (stage " + stage + ")"
		}
		return success(msg, status)
	}
	return success("the contact is NOT a client yet", status)
}

func (d *Dispatcher) followUp(ctx context.Context, tgt Target, a dsl.FollowUp) models.DispatchResult {
	loc := tgt.Location
	if loc == nil {
		loc = time.UTC
	}
	now := d.now().In(loc)
	due, err := ParseWhen(a.When, now, d.fuHour)
	if err != nil {
		return failure(err.Error())
	}
	if !due.After(now) {
		return failure(fmt.Sprintf("follow-up time %s is in the past", due.Format("2006-01-02 15:04")))
	}
	fu := &models.FollowUp{
		AccountID:      tgt.AccountID,
		ConversationID: tgt.ConversationID,
		ContactID:      tgt.ContactID,
		DueAt:          due,
		Reason:         a.Reason,
	}
	if err := d.store.CreateFollowUp(ctx, fu); err != nil {
		return storeFailure("create follow-up", err)
	}
	payload, _ := json.Marshal(models.FollowUpDuePayload{FollowUpID: fu.ID})
	if _, err := d.store.EnqueueJob(ctx, store.JobKindFollowUpDue, due, string(payload), "follow_up:"+fu.ID); err != nil {
		return storeFailure("schedule follow-up job", err)
	}
	return success(fmt.Sprintf("follow-up scheduled for %s", due.Format("2006-01-02 15:04")), map[string]string{"followUpId": fu.ID})
}

func (d *Dispatcher) gotoStage(ctx context.Context, tgt Target, a dsl.GotoStage) models.DispatchResult {
	if tgt.AgentID == "" {
		return failure("no agent is answering this conversation")
	}
	stages, err := d.dir.AgentStages(ctx, tgt.AgentID)
	if err != nil {
		return storeFailure("list agent stages", err)
	}
	cands := make([]resolve.Candidate, len(stages))
	for i, st := range stages {
		cands[i] = resolve.Candidate{ID: st.ID, Name: st.Name, Aliases: []string{fmt.Sprint(st.Position)}}
	}
	m, err := d.resolver.Resolve(a.Stage, cands)
	if err != nil {
		return notResolved("script stage", a.Stage)
	}
	if err := d.store.SetActiveStage(ctx, tgt.ConversationID, m.Candidate.ID); err != nil {
		return storeFailure("set active stage", err)
	}
	return success(fmt.Sprintf("script moved to stage %s", m.Candidate.Name), map[string]string{"stageId": m.Candidate.ID})
}
