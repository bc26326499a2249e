package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/store"
	"github.com/BTreeMap/CRMPipe/internal/testutil"
	"github.com/BTreeMap/CRMPipe/internal/trigger"
)

type stubRunner struct {
	got []models.InboundMessage
	err error
}

func (r *stubRunner) RunTurn(ctx context.Context, in models.InboundMessage) (*models.TurnResult, error) {
	r.got = append(r.got, in)
	if r.err != nil {
		return nil, r.err
	}
	return &models.TurnResult{ConversationID: in.ConversationID, FinalText: "Olá, Maria!"}, nil
}

type apiEnv struct {
	st     *store.Store
	fx     *testutil.Fixture
	runner *stubRunner
	srv    *Server
}

func newAPIEnv(t *testing.T, opts ...Option) *apiEnv {
	t.Helper()
	st := testutil.NewStore(t)
	runner := &stubRunner{}
	return &apiEnv{
		st:     st,
		fx:     testutil.Seed(t, st),
		runner: runner,
		srv:    NewServer(st, trigger.New(st, runner), runner, opts...),
	}
}

func (e *apiEnv) do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, url, body))
	return rr
}

func (e *apiEnv) inbound(id string) models.InboundMessage {
	return models.InboundMessage{
		MessageID:      id,
		ConversationID: e.fx.Conversation.ID,
		AccountID:      e.fx.Account.ID,
		ContactID:      e.fx.Contact.ID,
		InboundText:    "Oi",
		MessageKind:    "text",
	}
}

func TestInboundSchedulesAndDeduplicates(t *testing.T) {
	e := newAPIEnv(t)

	rr := e.do(t, http.MethodPost, "/v1/inbound", e.inbound("wamid.1"))
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "first delivery")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusScheduled))
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, e.fx.Conversation.ID, result["conversation_id"])

	pending, err := e.st.GetRespondAt(context.Background(), e.fx.Conversation.ID)
	require.NoError(t, err)
	assert.NotNil(t, pending)

	rr = e.do(t, http.MethodPost, "/v1/inbound", e.inbound("wamid.1"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "re-delivery")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusDuplicate))
}

func TestInboundRejectsBadInput(t *testing.T) {
	e := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/inbound", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	missing := e.inbound("")
	rr = e.do(t, http.MethodPost, "/v1/inbound", missing)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	unknown := e.inbound("wamid.2")
	unknown.ConversationID = "conv_missing"
	rr = e.do(t, http.MethodPost, "/v1/inbound", unknown)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMessagesHandler(t *testing.T) {
	e := newAPIEnv(t)
	rr := e.do(t, http.MethodPost, "/v1/inbound", e.inbound("wamid.3"))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = e.do(t, http.MethodGet, fmt.Sprintf("/v1/conversations/%s/messages", e.fx.Conversation.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	msgs := resp["result"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "inbound", msgs[0].(map[string]interface{})["direction"])

	rr = e.do(t, http.MethodGet, "/v1/conversations/conv_missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTurnHandler(t *testing.T) {
	e := newAPIEnv(t)
	url := fmt.Sprintf("/v1/conversations/%s/turn", e.fx.Conversation.ID)

	rr := e.do(t, http.MethodPost, url, TurnRequest{Text: "Quero marcar uma consulta"})
	require.Equal(t, http.StatusOK, rr.Code)
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	assert.Equal(t, "Olá, Maria!", resp["result"].(map[string]interface{})["final_text"])
	require.Len(t, e.runner.got, 1)
	assert.Equal(t, e.fx.Contact.ID, e.runner.got[0].ContactID)
	assert.True(t, strings.HasPrefix(e.runner.got[0].MessageID, "manual_"))

	rr = e.do(t, http.MethodPost, url, TurnRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTurnHandlerMapsErrorClasses(t *testing.T) {
	e := newAPIEnv(t)
	url := fmt.Sprintf("/v1/conversations/%s/turn", e.fx.Conversation.ID)

	e.runner.err = models.NewTurnError(models.ErrNoActiveCredential)
	rr := e.do(t, http.MethodPost, url, TurnRequest{Text: "Oi"})
	assert.Equal(t, http.StatusFailedDependency, rr.Code)
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusError))
	assert.Equal(t, "configuration", resp["result"].(map[string]interface{})["class"])

	e.runner.err = models.NewTurnError(models.ErrEmptyResponse)
	rr = e.do(t, http.MethodPost, url, TurnRequest{Text: "Oi"})
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	e.runner.err = models.ErrConversationInactive
	rr = e.do(t, http.MethodPost, url, TurnRequest{Text: "Oi"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newAPIEnv(t)
	rr := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "crmpipe_")

	require.NoError(t, e.st.Close())
	rr = e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTwilioWebhookMountedOnlyWhenConfigured(t *testing.T) {
	e := newAPIEnv(t)
	rr := e.do(t, http.MethodPost, "/webhooks/twilio", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	called := false
	e = newAPIEnv(t, WithTwilioWebhook(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	rr = e.do(t, http.MethodPost, "/webhooks/twilio", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, called)
}
