package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across modules.
var (
	// ErrNoActiveCredential is returned when the account has no active model credential.
	ErrNoActiveCredential = errors.New("no active model credential for account")
	// ErrNoActiveAgent is returned when the conversation has no active agent to answer it.
	ErrNoActiveAgent = errors.New("no active agent for conversation")
	// ErrNotResolved is returned when a name cannot be mapped to a CRM record.
	ErrNotResolved = errors.New("name could not be resolved")
	// ErrEmptyResponse is returned when the model produced no usable text after every fallback round.
	ErrEmptyResponse = errors.New("model returned an empty response")
	// ErrSlotConflict is returned when a requested slot overlaps an existing booking.
	ErrSlotConflict = errors.New("slot already booked")
	// ErrDuplicateMessage is returned when an inbound message id is already in the processed ledger.
	ErrDuplicateMessage = errors.New("message already processed")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConversationInactive is returned when the agent is switched off for a conversation.
	ErrConversationInactive = errors.New("agent inactive for conversation")
)

// ErrorClass groups turn failures by how callers must react to them.
type ErrorClass string

const (
	ErrorClassConfiguration ErrorClass = "configuration"
	ErrorClassResolution    ErrorClass = "resolution"
	ErrorClassProtocol      ErrorClass = "model_protocol"
	ErrorClassConflict      ErrorClass = "conflict"
	ErrorClassInternal      ErrorClass = "internal"
)

// TurnError is a failed orchestration turn with its error class.
type TurnError struct {
	Class ErrorClass
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ClassifyError maps err onto the turn error taxonomy.
func ClassifyError(err error) ErrorClass {
	var te *TurnError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Class
	case errors.Is(err, ErrNoActiveCredential), errors.Is(err, ErrNoActiveAgent):
		return ErrorClassConfiguration
	case errors.Is(err, ErrNotResolved):
		return ErrorClassResolution
	case errors.Is(err, ErrEmptyResponse):
		return ErrorClassProtocol
	case errors.Is(err, ErrSlotConflict):
		return ErrorClassConflict
	default:
		return ErrorClassInternal
	}
}

// NewTurnError wraps err with its class. A nil err yields nil.
func NewTurnError(err error) error {
	if err == nil {
		return nil
	}
	var te *TurnError
	if errors.As(err, &te) {
		return err
	}
	return &TurnError{Class: ClassifyError(err), Err: err}
}
