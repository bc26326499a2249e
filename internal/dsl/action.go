package dsl

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
)

// Action is the typed payload of one action kind.
type Action interface {
	Kind() models.ActionKind
}

// StageMove moves the contact's deal to a pipeline stage. Pipeline is optional.
type StageMove struct{ Pipeline, Stage string }

// CreateDeal opens (or updates) a deal in a pipeline stage.
type CreateDeal struct{ Pipeline, Stage, Title string }

// TagContact attaches an existing tag to the contact.
type TagContact struct{ Tag string }

// Transfer hands the conversation to a human, the primary agent or a named agent.
type Transfer struct{ Target string }

// Notify sends an internal notification.
type Notify struct{ Target, Message string }

// EndConversation closes the conversation.
type EndConversation struct{ Reason string }

// SetName updates the contact's display name.
type SetName struct{ Name string }

// SchedulingOp is the sub-action of a scheduling call.
type SchedulingOp string

const (
	SchedulingCheck  SchedulingOp = "check"
	SchedulingCreate SchedulingOp = "create"
)

// Scheduling checks availability or books a slot on a calendar.
// Value is a date for checks and a start time for creates.
type Scheduling struct {
	Op       SchedulingOp
	Calendar string
	Value    string
}

// SetField stores a custom field value for the contact.
type SetField struct{ Field, Value string }

// GetField reads a custom field value for the contact.
type GetField struct{ Field string }

// FollowUp schedules a reminder.
type FollowUp struct{ When, Reason string }

// VerifyClient asks whether the contact is already a client.
type VerifyClient struct{}

// GotoStage moves the conversation to another stage of the agent script.
type GotoStage struct{ Stage string }

func (StageMove) Kind() models.ActionKind       { return models.ActionStageMove }
func (CreateDeal) Kind() models.ActionKind      { return models.ActionCreateDeal }
func (TagContact) Kind() models.ActionKind      { return models.ActionTag }
func (Transfer) Kind() models.ActionKind        { return models.ActionTransfer }
func (Notify) Kind() models.ActionKind          { return models.ActionNotify }
func (EndConversation) Kind() models.ActionKind { return models.ActionEndConversation }
func (SetName) Kind() models.ActionKind         { return models.ActionSetName }
func (Scheduling) Kind() models.ActionKind      { return models.ActionScheduling }
func (SetField) Kind() models.ActionKind        { return models.ActionSetField }
func (GetField) Kind() models.ActionKind        { return models.ActionGetField }
func (FollowUp) Kind() models.ActionKind        { return models.ActionFollowUp }
func (VerifyClient) Kind() models.ActionKind    { return models.ActionVerifyClient }
func (GotoStage) Kind() models.ActionKind       { return models.ActionGotoStage }

// pipeSeparated kinds carry values with colons (times), so their tool values use '|'.
func pipeSeparated(k models.ActionKind) bool {
	return k == models.ActionScheduling || k == models.ActionFollowUp
}

// ToolValue renders a token as the value string of an execute-action call.
func ToolValue(t Token) string {
	if !t.HasValue {
		return t.Target
	}
	if pipeSeparated(t.Kind) {
		return t.Target + "|" + t.Value
	}
	return t.Target + ":" + t.Value
}

// Proposal converts an executable token found in model text into a proposed action.
func Proposal(t Token, round int) models.ProposedAction {
	return models.ProposedAction{Kind: t.Kind, Value: ToolValue(t), Round: round}
}

// SplitValue splits a tool value into its first field and the remainder.
func SplitValue(kind models.ActionKind, value string) (head, rest string) {
	sep := ":"
	if pipeSeparated(kind) && strings.Contains(value, "|") {
		sep = "|"
	}
	head, rest, _ = strings.Cut(value, sep)
	return strings.TrimSpace(head), strings.TrimSpace(rest)
}

// FieldOf returns the field named by a set-field or get-field value.
func FieldOf(value string) string {
	head, _ := SplitValue(models.ActionSetField, value)
	return head
}

// Decode parses a tool value into the typed payload for kind.
func Decode(kind models.ActionKind, value string) (Action, error) {
	value = strings.TrimSpace(value)
	switch kind {
	case models.ActionStageMove:
		pipeline, stage := SplitValue(kind, value)
		if stage == "" {
			pipeline, stage = resolve.SplitCompound(pipeline)
		}
		if stage == "" {
			return nil, fmt.Errorf("stage-move requires a stage")
		}
		return StageMove{Pipeline: pipeline, Stage: stage}, nil

	case models.ActionCreateDeal:
		ref, title := SplitValue(kind, value)
		pipeline, stage := resolve.SplitCompound(ref)
		if stage == "" {
			return nil, fmt.Errorf("create-deal requires a stage")
		}
		return CreateDeal{Pipeline: pipeline, Stage: stage, Title: title}, nil

	case models.ActionTag:
		if value == "" {
			return nil, fmt.Errorf("tag requires a name")
		}
		return TagContact{Tag: value}, nil

	case models.ActionTransfer:
		if value == "" {
			return nil, fmt.Errorf("transfer requires a target")
		}
		return Transfer{Target: value}, nil

	case models.ActionNotify:
		target, msg := SplitValue(kind, value)
		if msg == "" {
			return Notify{Message: target}, nil
		}
		return Notify{Target: target, Message: msg}, nil

	case models.ActionEndConversation:
		return EndConversation{Reason: value}, nil

	case models.ActionSetName:
		if value == "" {
			return nil, fmt.Errorf("set-name requires a name")
		}
		return SetName{Name: value}, nil

	case models.ActionScheduling:
		return decodeScheduling(value)

	case models.ActionSetField:
		field, v := SplitValue(kind, value)
		if field == "" {
			return nil, fmt.Errorf("set-field requires a field")
		}
		return SetField{Field: field, Value: v}, nil

	case models.ActionGetField:
		if value == "" {
			return nil, fmt.Errorf("get-field requires a field")
		}
		return GetField{Field: FieldOf(value)}, nil

	case models.ActionFollowUp:
		if !strings.Contains(value, "|") {
			return FollowUp{When: value}, nil
		}
		when, reason := SplitValue(kind, value)
		if when == "" {
			return nil, fmt.Errorf("follow-up requires a time")
		}
		return FollowUp{When: when, Reason: reason}, nil

	case models.ActionVerifyClient:
		return VerifyClient{}, nil

	case models.ActionGotoStage:
		if value == "" {
			return nil, fmt.Errorf("goto-stage requires a stage")
		}
		return GotoStage{Stage: value}, nil
	}
	return nil, fmt.Errorf("unknown action kind %q", kind)
}

func decodeScheduling(value string) (Scheduling, error) {
	sep := ":"
	if strings.Contains(value, "|") {
		sep = "|"
	}
	parts := strings.SplitN(value, sep, 3)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	op, ok := ParseSchedulingOp(parts[0])
	if !ok {
		return Scheduling{}, fmt.Errorf("unknown scheduling operation %q", parts[0])
	}
	s := Scheduling{Op: op}
	if len(parts) > 1 {
		s.Calendar = parts[1]
	}
	if len(parts) > 2 {
		s.Value = parts[2]
	}
	if op == SchedulingCreate && s.Value == "" {
		return Scheduling{}, fmt.Errorf("scheduling create requires a start time")
	}
	return s, nil
}

// ParseSchedulingOp maps operation names, including common synonyms, onto a SchedulingOp.
func ParseSchedulingOp(s string) (SchedulingOp, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "check", "availability", "check-availability", "check_availability", "verificar", "disponibilidade", "consultar":
		return SchedulingCheck, true
	case "create", "book", "create-event", "create_event", "agendar", "marcar", "criar":
		return SchedulingCreate, true
	}
	return "", false
}
