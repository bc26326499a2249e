// Package testutil provides common test utilities and helpers for CRMPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/store"
)

// NewStore opens a migrated SQLite store in a temp dir, closed when the test ends.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "crmpipe_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Fixture is a seeded account with one conversation ready for a turn.
type Fixture struct {
	Account      models.Account
	Contact      models.Contact
	Conversation models.Conversation
	Agent        models.Agent
	Secondary    models.Agent
	Stages       []models.AgentStage
	Pipeline     models.Pipeline
	PipeStages   []models.PipelineStage // Novo, Qualificado, Cliente (is_client)
	Tags         []models.Tag           // vip, lead-quente
	Fields       []models.CustomField   // email, cidade, data_de_nascimento
	Calendar     models.Calendar
}

// Seed creates a complete account: credential, primary and secondary agents with a two-stage
// script, a sales pipeline, tags, custom fields and an internal calendar open on weekdays 09-18.
func Seed(t *testing.T, st *store.Store) *Fixture {
	t.Helper()
	ctx := context.Background()
	must := func(what string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed %s failed: %v", what, err)
		}
	}

	f := &Fixture{}
	f.Account = models.Account{Name: "Clínica Sorriso", Timezone: "UTC", NotifyPhone: "+5511900000000"}
	must("account", st.CreateAccount(ctx, &f.Account))
	must("credential", st.UpsertCredential(ctx, models.AICredential{
		AccountID: f.Account.ID, Provider: "openai", APIKey: "sk-test", Model: "gpt-4o-mini", Active: true,
	}))

	f.Agent = models.Agent{
		AccountID: f.Account.ID, Name: "Recepção", IsPrimary: true, Active: true, HistoryLimit: 20,
		Prompt: "Você é a recepcionista da Clínica Sorriso. Seja cordial e objetiva.",
	}
	must("agent", st.CreateAgent(ctx, &f.Agent))
	f.Secondary = models.Agent{
		AccountID: f.Account.ID, Name: "Financeiro", Active: true, HistoryLimit: 20,
		Prompt: "Você cuida de pagamentos e orçamentos.",
	}
	must("secondary agent", st.CreateAgent(ctx, &f.Secondary))

	for i, s := range []struct{ name, text string }{
		{"Boas-vindas", `Diga exatamente: "Olá! Qual é o seu nome?" e use @set-name:{nome}. Marque @tag:lead-quente.`},
		{"Qualificação", `Pergunte "Qual é o seu email?" e use @set-field:email:{email}. Depois @stage-move:Vendas/Qualificado.`},
	} {
		st2 := models.AgentStage{AgentID: f.Agent.ID, Position: i + 1, Name: s.name, Instructions: s.text}
		must("agent stage", st.CreateAgentStage(ctx, &st2))
		f.Stages = append(f.Stages, st2)
	}

	f.Pipeline = models.Pipeline{AccountID: f.Account.ID, Name: "Vendas"}
	must("pipeline", st.CreatePipeline(ctx, &f.Pipeline))
	for i, name := range []string{"Novo", "Qualificado", "Cliente"} {
		ps := models.PipelineStage{PipelineID: f.Pipeline.ID, Name: name, Position: i + 1, IsClient: name == "Cliente"}
		must("pipeline stage", st.CreatePipelineStage(ctx, &ps))
		f.PipeStages = append(f.PipeStages, ps)
	}

	for _, name := range []string{"vip", "lead-quente"} {
		tag := models.Tag{AccountID: f.Account.ID, Name: name}
		must("tag", st.CreateTag(ctx, &tag))
		f.Tags = append(f.Tags, tag)
	}
	for _, name := range []string{"email", "cidade", "data_de_nascimento"} {
		cf := models.CustomField{AccountID: f.Account.ID, Name: name}
		must("custom field", st.CreateCustomField(ctx, &cf))
		f.Fields = append(f.Fields, cf)
	}

	f.Calendar = models.Calendar{
		AccountID: f.Account.ID, Name: "Agenda Dra. Ana", Provider: models.CalendarInternal,
		Timezone: "UTC", SlotMinutes: 60, MinLeadMinutes: 60, MaxDaysAhead: 14,
	}
	must("calendar", st.CreateCalendar(ctx, &f.Calendar))
	for wd := time.Monday; wd <= time.Friday; wd++ {
		must("availability", st.AddAvailability(ctx, models.AvailabilityWindow{
			CalendarID: f.Calendar.ID, Weekday: wd, StartMinute: 9 * 60, EndMinute: 18 * 60,
		}))
	}

	f.Contact = models.Contact{AccountID: f.Account.ID, Name: "Maria", Phone: "+5511999990000"}
	must("contact", st.CreateContact(ctx, &f.Contact))
	f.Conversation = models.Conversation{
		AccountID: f.Account.ID, ContactID: f.Contact.ID, AgentID: f.Agent.ID, AgentActive: true,
	}
	must("conversation", st.CreateConversation(ctx, &f.Conversation))
	return f
}

// Tag returns the seeded tag with the given name.
func (f *Fixture) Tag(name string) models.Tag {
	for _, t := range f.Tags {
		if t.Name == name {
			return t
		}
	}
	return models.Tag{}
}

// Field returns the seeded custom field with the given name.
func (f *Fixture) Field(name string) models.CustomField {
	for _, cf := range f.Fields {
		if cf.Name == name {
			return cf
		}
	}
	return models.CustomField{}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// AssertMessageCount validates the number of transcript entries with the given direction.
func AssertMessageCount(t *testing.T, st *store.Store, conversationID string, dir models.MessageDirection, expected int) {
	t.Helper()
	msgs, err := st.ListMessages(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	n := 0
	for _, m := range msgs {
		if m.Direction == dir {
			n++
		}
	}
	if n != expected {
		t.Errorf("expected %d %s messages, got %d", expected, dir, n)
	}
}
