package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CRMPipe/internal/models"
)

func TestSeed(t *testing.T) {
	st := NewStore(t)
	f := Seed(t, st)
	ctx := context.Background()

	agent, err := st.PrimaryAgent(ctx, f.Account.ID)
	if err != nil {
		t.Fatalf("PrimaryAgent failed: %v", err)
	}
	if agent.ID != f.Agent.ID {
		t.Errorf("expected primary agent %s, got %s", f.Agent.ID, agent.ID)
	}
	if len(f.Stages) != 2 || len(f.PipeStages) != 3 {
		t.Errorf("unexpected seed sizes: %d stages, %d pipeline stages", len(f.Stages), len(f.PipeStages))
	}
	if f.Tag("vip").ID == "" || f.Field("cidade").ID == "" {
		t.Error("expected seeded tag and field lookups to succeed")
	}
	if f.Tag("missing").ID != "" {
		t.Error("expected unknown tag to be empty")
	}

	AssertMessageCount(t, st, f.Conversation.ID, models.DirectionInbound, 0)
}

func TestAssertHTTPStatus(t *testing.T) {
	AssertHTTPStatus(t, http.StatusOK, http.StatusOK, "matching status codes")
	AssertHTTPStatus(t, http.StatusAccepted, http.StatusAccepted, "accepted")
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","result":1}`)
	resp := AssertJSONResponse(t, rr, "ok")
	if resp["result"].(float64) != 1 {
		t.Errorf("unexpected result: %v", resp["result"])
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/v1/inbound", map[string]string{"message_id": "m1"})
	if req.Method != http.MethodPost || req.ContentLength == 0 {
		t.Errorf("unexpected request: %s %d", req.Method, req.ContentLength)
	}
}
