package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/store"
)

// RegisterJobHandlers binds the trigger's job kinds to runner.
func (t *Trigger) RegisterJobHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(store.JobKindFollowUpDue, t.HandleFollowUpDue)
}

// HandleFollowUpDue completes a due follow-up, leaves an internal note with its reason in the
// transcript and schedules an immediate run so the agent re-engages the contact. A follow-up
// that is no longer pending is ignored.
func (t *Trigger) HandleFollowUpDue(ctx context.Context, payload string) error {
	var p models.FollowUpDuePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid follow-up payload: %w", err)
	}
	fu, err := t.store.GetFollowUp(ctx, p.FollowUpID)
	if err != nil {
		return fmt.Errorf("load follow-up %s: %w", p.FollowUpID, err)
	}
	pending, err := t.store.CompleteFollowUp(ctx, fu.ID)
	if err != nil {
		return err
	}
	if !pending {
		slog.Debug("Trigger.HandleFollowUpDue: follow-up already handled", "followUpID", fu.ID)
		return nil
	}

	reason := fu.Reason
	if reason == "" {
		reason = "retomar o contato"
	}
	if err := t.store.AppendMessage(ctx, &models.Message{
		ConversationID: fu.ConversationID,
		Direction:      models.DirectionSystem,
		Kind:           NoteKindFollowUp,
		Body:           "Follow-up agendado chegou: " + reason,
	}); err != nil {
		return err
	}
	if err := t.opts.Backend.Schedule(ctx, fu.ConversationID, fu.AccountID, t.opts.Now().UTC()); err != nil {
		return err
	}
	slog.Info("Trigger.HandleFollowUpDue: follow-up due, run scheduled", "followUpID", fu.ID, "conversationID", fu.ConversationID)
	return nil
}
