package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolType defines the type of tool available to the LLM.
type ToolType string

const (
	// ToolTypeExecuteAction is the single function exposed to the model. It carries one CRM action.
	ToolTypeExecuteAction ToolType = "execute-action"
)

// ExecuteActionParams defines the parameters for the execute-action tool call.
type ExecuteActionParams struct {
	Kind  string `json:"kind"`  // one of AllActionKinds
	Value string `json:"value"` // kind-specific argument string
}

// Validate ensures the execute-action parameters are valid and returns the parsed kind.
func (p *ExecuteActionParams) Validate() (ActionKind, error) {
	kind, ok := ParseActionKind(p.Kind)
	if !ok {
		return "", fmt.Errorf("invalid action kind: %q", p.Kind)
	}
	switch kind {
	case ActionEndConversation, ActionVerifyClient:
		// no value needed
	default:
		if strings.TrimSpace(p.Value) == "" {
			return "", fmt.Errorf("value is required for %s", kind)
		}
	}
	return kind, nil
}

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from the provider
	Type     string       `json:"type"`     // Always "function"
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseExecuteActionParams parses the arguments as ExecuteActionParams.
func (fc *FunctionCall) ParseExecuteActionParams() (*ExecuteActionParams, ActionKind, error) {
	if strings.ReplaceAll(fc.Name, "_", "-") != string(ToolTypeExecuteAction) {
		return nil, "", fmt.Errorf("function name %s is not %s", fc.Name, ToolTypeExecuteAction)
	}

	var params ExecuteActionParams
	if err := json.Unmarshal(fc.Arguments, &params); err != nil {
		return nil, "", fmt.Errorf("failed to parse execute-action parameters: %w", err)
	}

	kind, err := params.Validate()
	if err != nil {
		return nil, "", fmt.Errorf("invalid execute-action parameters: %w", err)
	}
	return &params, kind, nil
}

// ToolResult represents the result of executing a tool, as returned to the model.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Error      string      `json:"error,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// JSON renders the result for a tool message. Marshal failures fall back to the plain message.
func (r ToolResult) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return r.Message
	}
	return string(b)
}

// Slot is a bookable interval.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two half-open intervals intersect.
func (s Slot) Overlaps(start, end time.Time) bool {
	return s.Start.Before(end) && start.Before(s.End)
}

// AvailabilityResult is returned by the availability-check executor.
type AvailabilityResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Slots   []Slot `json:"slots,omitempty"`
}

// EventResult is returned by the create-event executor.
type EventResult struct {
	OK          bool      `json:"ok"`
	Message     string    `json:"message"`
	MeetingLink string    `json:"meetingLink,omitempty"`
	BookingID   string    `json:"bookingId,omitempty"`
	Start       time.Time `json:"start,omitempty"`
	Conflict    bool      `json:"conflict,omitempty"` // the slot was already taken
}

// ClientStatus is returned by the verify-client executor.
type ClientStatus struct {
	OK        bool   `json:"ok"`
	IsClient  bool   `json:"isClient"`
	StageName string `json:"stageName,omitempty"`
}
