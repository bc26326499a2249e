package models

import (
	"strings"
	"time"
)

// ActionKind names one of the CRM actions the agent may trigger.
type ActionKind string

const (
	ActionStageMove       ActionKind = "stage-move"
	ActionTag             ActionKind = "tag"
	ActionTransfer        ActionKind = "transfer"
	ActionNotify          ActionKind = "notify"
	ActionEndConversation ActionKind = "end-conversation"
	ActionSetName         ActionKind = "set-name"
	ActionCreateDeal      ActionKind = "create-deal"
	ActionScheduling      ActionKind = "scheduling"
	ActionSetField        ActionKind = "set-field"
	ActionGetField        ActionKind = "get-field"
	ActionFollowUp        ActionKind = "follow-up"
	ActionVerifyClient    ActionKind = "verify-client"
	ActionGotoStage       ActionKind = "goto-stage"
)

// AllActionKinds lists every action kind in a stable order.
var AllActionKinds = []ActionKind{
	ActionStageMove, ActionTag, ActionTransfer, ActionNotify, ActionEndConversation,
	ActionSetName, ActionCreateDeal, ActionScheduling, ActionSetField, ActionGetField,
	ActionFollowUp, ActionVerifyClient, ActionGotoStage,
}

// ParseActionKind maps a kind name onto an ActionKind. Underscores are accepted in
// place of hyphens and matching is case-insensitive.
func ParseActionKind(s string) (ActionKind, bool) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, k := range AllActionKinds {
		if string(k) == n {
			return k, true
		}
	}
	return "", false
}

// IsCapture reports whether the kind records user-supplied data.
func (k ActionKind) IsCapture() bool {
	return k == ActionSetField || k == ActionSetName
}

// IsStructural reports whether the kind changes conversation or CRM control flow.
func (k ActionKind) IsStructural() bool {
	switch k {
	case ActionStageMove, ActionGotoStage, ActionFollowUp, ActionTransfer,
		ActionEndConversation, ActionTag, ActionCreateDeal, ActionNotify:
		return true
	}
	return false
}

// AlwaysAllowed reports whether the kind is permitted even when the script never mentions it.
func (k ActionKind) AlwaysAllowed() bool {
	return k == ActionVerifyClient || k == ActionScheduling || k == ActionSetName
}

// ChannelMessage is a message as a channel delivered it, before it is matched to a contact
// and conversation.
type ChannelMessage struct {
	ProviderID string    `json:"provider_id"` // channel message id, the dedupe key
	From       string    `json:"from"`        // sender phone number
	Name       string    `json:"name,omitempty"`
	Kind       string    `json:"kind"` // text, audio, image, ...
	Text       string    `json:"text,omitempty"`
	MediaText  string    `json:"media_text,omitempty"` // caption or other text derived from media
	ReceivedAt time.Time `json:"received_at"`
}

// InboundMessage is the canonical record handed over by the ingestion collaborator.
type InboundMessage struct {
	MessageID        string `json:"message_id" validate:"required"`
	ConversationID   string `json:"conversation_id" validate:"required"`
	AccountID        string `json:"account_id" validate:"required"`
	ContactID        string `json:"contact_id" validate:"required"`
	InboundText      string `json:"inbound_text"`
	MessageKind      string `json:"message_kind" validate:"omitempty,oneof=text audio image video document sticker location contact"`
	MediaDerivedText string `json:"media_derived_text,omitempty"`
	IsAgentHandoff   bool   `json:"is_agent_handoff,omitempty"`
	SuppressHistory  bool   `json:"suppress_history,omitempty"`
}

// ProposedAction is an action emitted by the model during the tool-calling loop.
// Value may still hold a placeholder marker.
type ProposedAction struct {
	Kind       ActionKind `json:"kind"`
	Value      string     `json:"value"`
	Round      int        `json:"round"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Executed is set when the action already ran inside the loop (availability checks,
	// event creation, client verification).
	Executed bool            `json:"executed,omitempty"`
	Result   *DispatchResult `json:"result,omitempty"`
}

// Key identifies an action for duplicate detection.
func (p ProposedAction) Key() string {
	return string(p.Kind) + "\x00" + strings.ToLower(strings.TrimSpace(p.Value))
}

// DispatchResult is the outcome of executing one action.
type DispatchResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Payload interface{} `json:"payload,omitempty"`
}

// ExecutedAction is an action that passed filtering together with its dispatch outcome.
type ExecutedAction struct {
	Kind   ActionKind     `json:"kind"`
	Value  string         `json:"value"`
	Result DispatchResult `json:"result"`
}

// DiscardedAction is a proposal dropped by the filter, kept for audit.
type DiscardedAction struct {
	Action ProposedAction `json:"action"`
	Reason string         `json:"reason"`
}

// HistoryEntry is one prior turn shown to the model.
type HistoryEntry struct {
	Direction MessageDirection `json:"direction"`
	Kind      string           `json:"kind"`
	Text      string           `json:"text"`
	At        time.Time        `json:"at"`
}

// OrchestrationTurn is the state owned by a single orchestration run.
type OrchestrationTurn struct {
	ConversationID  string            `json:"conversation_id"`
	ContactID       string            `json:"contact_id"`
	AccountID       string            `json:"account_id"`
	InboundText     string            `json:"inbound_text"`
	BoundedHistory  []HistoryEntry    `json:"bounded_history"`
	ActiveStage     *AgentStage       `json:"active_stage,omitempty"`
	ConfiguredKinds []ActionKind      `json:"configured_kinds"`
	ConfiguredField []string          `json:"configured_fields"`
	ProposedActions []ProposedAction  `json:"proposed_actions"`
	ExecutedActions []ExecutedAction  `json:"executed_actions"`
	Discarded       []DiscardedAction `json:"discarded,omitempty"`
	Rounds          int               `json:"rounds"`
	FinalText       string            `json:"final_text"`
}

// TurnResult is what the outbound sender delivers after a turn.
type TurnResult struct {
	ConversationID      string `json:"conversation_id"`
	FinalText           string `json:"final_text"`
	ExecutedActionCount int    `json:"executed_action_count"`
	// AlreadyPersisted tells the sender the outbound transcript entry was written by the engine.
	AlreadyPersisted bool `json:"already_persisted"`
	// Handoff holds the reply produced by a secondary agent after a transfer.
	Handoff *TurnResult `json:"handoff,omitempty"`
}

// AuditPayload is the machine-readable part of a synthetic audit message.
type AuditPayload struct {
	Internal    bool       `json:"internal"`
	ActionKind  ActionKind `json:"actionKind"`
	ActionValue string     `json:"actionValue"`
	Success     bool       `json:"success"`
}

// FollowUpDuePayload is the job payload of a due follow-up reminder.
type FollowUpDuePayload struct {
	FollowUpID string `json:"follow_up_id"`
}
