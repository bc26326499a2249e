package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/util"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// inboundHandler handles POST /v1/inbound with a canonical inbound record.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	var in models.InboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	dueAt, err := s.acceptor.Accept(r.Context(), in)
	if errors.Is(err, models.ErrDuplicateMessage) {
		writeJSONResponse(w, http.StatusOK, models.Duplicate())
		return
	}
	if err != nil {
		slog.Warn("Server.inboundHandler: inbound rejected", "messageID", in.MessageID, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Scheduled(map[string]interface{}{
		"conversation_id": in.ConversationID,
		"respond_at":      dueAt,
	}))
}

// messagesHandler handles GET /v1/conversations/{id}/messages.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.st.GetConversation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.st.ListMessages(r.Context(), id)
	if err != nil {
		slog.Error("Server.messagesHandler: list failed", "conversationID", id, "error", err)
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// TurnRequest is the body of POST /v1/conversations/{id}/turn.
type TurnRequest struct {
	Text            string `json:"text"`
	MediaText       string `json:"media_text,omitempty"`
	SuppressHistory bool   `json:"suppress_history,omitempty"`
}

// turnHandler runs one turn immediately, bypassing the debounce. The reply is persisted in
// the transcript but not sent to the contact.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.MediaText) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("text is required"))
		return
	}
	conv, err := s.st.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	defer cancel()
	res, err := s.runner.RunTurn(ctx, models.InboundMessage{
		MessageID:        util.GenerateRandomID("manual_", 16),
		ConversationID:   conv.ID,
		AccountID:        conv.AccountID,
		ContactID:        conv.ContactID,
		InboundText:      req.Text,
		MessageKind:      "text",
		MediaDerivedText: req.MediaText,
		SuppressHistory:  req.SuppressHistory,
	})
	if err != nil {
		slog.Warn("Server.turnHandler: turn failed", "conversationID", id, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		slog.Error("Server.healthHandler: database unreachable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("database unreachable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"database": "ok"}))
}
