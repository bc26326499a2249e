package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CRMPipe/internal/models"
)

// AuditKind is the transcript kind of synthetic action records.
const AuditKind = "audit"

var auditVerbs = map[models.ActionKind]string{
	models.ActionStageMove:       "Negócio movido",
	models.ActionCreateDeal:      "Negócio criado",
	models.ActionTag:             "Etiqueta aplicada",
	models.ActionTransfer:        "Conversa transferida",
	models.ActionNotify:          "Notificação enviada",
	models.ActionEndConversation: "Conversa encerrada",
	models.ActionSetName:         "Nome do contato atualizado",
	models.ActionScheduling:      "Agenda consultada",
	models.ActionSetField:        "Campo atualizado",
	models.ActionGetField:        "Campo consultado",
	models.ActionFollowUp:        "Retorno agendado",
	models.ActionVerifyClient:    "Status de cliente verificado",
	models.ActionGotoStage:       "Etapa do roteiro alterada",
}

// Describe renders an action outcome in human terms for the transcript.
func Describe(kind models.ActionKind, value string, res models.DispatchResult) string {
	verb, ok := auditVerbs[kind]
	if !ok {
		verb = string(kind)
	}
	if kind == models.ActionScheduling {
		if r, ok := res.Payload.(models.EventResult); ok && r.OK {
			verb = "Reunião agendada"
		}
	}
	if !res.Success {
		return fmt.Sprintf("[ação interna] %s não concluída (%s): %s", verb, value, res.Message)
	}
	return fmt.Sprintf("[ação interna] %s: %s", verb, res.Message)
}

// audit appends the synthetic system entry for one action. Failures here are logged only.
func (d *Dispatcher) audit(ctx context.Context, tgt Target, kind models.ActionKind, value string, res models.DispatchResult) {
	payload, err := json.Marshal(models.AuditPayload{Internal: true, ActionKind: kind, ActionValue: value, Success: res.Success})
	if err != nil {
		slog.Error("Dispatcher.audit: encode payload failed", "error", err)
		return
	}
	msg := &models.Message{
		ConversationID: tgt.ConversationID,
		Direction:      models.DirectionSystem,
		Kind:           AuditKind,
		Body:           Describe(kind, value, res),
		PayloadJSON:    string(payload),
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		slog.Error("Dispatcher.audit: append failed", "conversationID", tgt.ConversationID, "kind", kind, "error", err)
	}
}
