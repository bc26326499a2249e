package models

import "time"

// Account is a tenant of the CRM. Every other record is scoped to one account.
type Account struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Timezone    string `json:"timezone"`               // IANA zone used for date context and scheduling
	NotifyPhone string `json:"notify_phone,omitempty"` // destination for @notify actions
}

// Location returns the account time zone, falling back to UTC.
func (a Account) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AICredential is the model credential configured for an account.
type AICredential struct {
	AccountID string `json:"account_id"`
	Provider  string `json:"provider"`
	APIKey    string `json:"-"`
	Model     string `json:"model"`
	Active    bool   `json:"active"`
}

// Agent is an operator-authored conversational script.
type Agent struct {
	ID           string   `json:"id"`
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	Prompt       string   `json:"prompt"`
	Model        string   `json:"model,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	HistoryLimit int      `json:"history_limit"`
	IsPrimary    bool     `json:"is_primary"`
	Active       bool     `json:"active"`
}

// AgentStage is one ordered step of an agent script.
type AgentStage struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	Position     int    `json:"position"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// Contact is the person on the other side of a conversation.
type Contact struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Tags      []string  `json:"tags,omitempty"` // tag names, filled by the store
	CreatedAt time.Time `json:"created_at"`
}

// Tag is an account-level label that can be attached to contacts.
type Tag struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

// Pipeline is a CRM sales pipeline.
type Pipeline struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

// PipelineStage is a stage inside a CRM pipeline.
type PipelineStage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
	Position   int    `json:"position"`
	IsClient   bool   `json:"is_client"` // contacts with a deal here count as clients
}

// DealStatus is the lifecycle status of a deal.
type DealStatus string

const (
	DealStatusOpen DealStatus = "open"
	DealStatusWon  DealStatus = "won"
	DealStatusLost DealStatus = "lost"
)

// Deal is an opportunity for a contact positioned in a pipeline stage.
type Deal struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	ContactID  string     `json:"contact_id"`
	PipelineID string     `json:"pipeline_id"`
	StageID    string     `json:"stage_id"`
	Title      string     `json:"title"`
	Status     DealStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation links a contact, an account and the agent currently answering it.
type Conversation struct {
	ID            string             `json:"id"`
	AccountID     string             `json:"account_id"`
	ContactID     string             `json:"contact_id"`
	AgentID       string             `json:"agent_id,omitempty"`
	AgentActive   bool               `json:"agent_active"`
	Status        ConversationStatus `json:"status"`
	ActiveStageID string             `json:"active_stage_id,omitempty"`
	MemoryResetAt *time.Time         `json:"memory_reset_at,omitempty"` // history before this instant is forgotten
	UpdatedAt     time.Time          `json:"updated_at"`
}

// MessageDirection tells who produced a transcript entry.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
	DirectionSystem   MessageDirection = "system"
)

// Message is one append-only transcript entry.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Direction      MessageDirection `json:"direction"`
	Kind           string           `json:"kind"` // text, audio, image, note, audit, ...
	Body           string           `json:"body"`
	ProviderID     string           `json:"provider_id,omitempty"`
	PayloadJSON    string           `json:"payload,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// CustomField is an account-level custom field definition.
type CustomField struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
}

// CustomFieldValue is the value a contact holds for a custom field.
type CustomFieldValue struct {
	ContactID string    `json:"contact_id"`
	FieldID   string    `json:"field_id"`
	FieldKey  string    `json:"field_key"`
	FieldName string    `json:"field_name"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CalendarProvider selects where a calendar's busy intervals live.
type CalendarProvider string

const (
	CalendarInternal CalendarProvider = "internal"
	CalendarGoogle   CalendarProvider = "google"
)

// Calendar is a bookable agenda.
type Calendar struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	Name           string           `json:"name"`
	Provider       CalendarProvider `json:"provider"`
	ExternalID     string           `json:"external_id,omitempty"`
	Timezone       string           `json:"timezone"`
	SlotMinutes    int              `json:"slot_minutes"`
	MinLeadMinutes int              `json:"min_lead_minutes"`
	MaxDaysAhead   int              `json:"max_days_ahead"`
}

// Location returns the calendar time zone, falling back to UTC.
func (c Calendar) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AvailabilityWindow is one entry of a calendar's weekly availability table.
// StartMinute and EndMinute count minutes from local midnight.
type AvailabilityWindow struct {
	CalendarID  string       `json:"calendar_id"`
	Weekday     time.Weekday `json:"weekday"`
	StartMinute int          `json:"start_minute"`
	EndMinute   int          `json:"end_minute"`
}

// Booking is an internally recorded appointment.
type Booking struct {
	ID              string    `json:"id"`
	CalendarID      string    `json:"calendar_id"`
	ContactID       string    `json:"contact_id"`
	ConversationID  string    `json:"conversation_id"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	MeetingLink     string    `json:"meeting_link,omitempty"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// FollowUpStatus is the lifecycle status of a reminder.
type FollowUpStatus string

const (
	FollowUpPending FollowUpStatus = "pending"
	FollowUpDone    FollowUpStatus = "done"
)

// FollowUp is a scheduled reminder to re-engage a contact.
type FollowUp struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	ConversationID string         `json:"conversation_id"`
	ContactID      string         `json:"contact_id"`
	DueAt          time.Time      `json:"due_at"`
	Reason         string         `json:"reason"`
	Status         FollowUpStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}
