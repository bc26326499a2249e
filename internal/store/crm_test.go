package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
)

type fixture struct {
	account models.Account
	contact models.Contact
	conv    models.Conversation
}

func seedFixture(t *testing.T, s *Store) fixture {
	t.Helper()
	ctx := context.Background()
	f := fixture{account: models.Account{Name: "Clínica Sorriso", Timezone: "America/Sao_Paulo"}}
	if err := s.CreateAccount(ctx, &f.account); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	f.contact = models.Contact{AccountID: f.account.ID, Name: "Maria", Phone: "+5511999990000"}
	if err := s.CreateContact(ctx, &f.contact); err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}
	f.conv = models.Conversation{AccountID: f.account.ID, ContactID: f.contact.ID, AgentActive: true}
	if err := s.CreateConversation(ctx, &f.conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return f
}

func TestLedger_RecordInboundOnce(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := s.RecordInbound(ctx, "wamid.1", "acc_1")
	if err != nil || !first {
		t.Fatalf("first RecordInbound = %v, %v", first, err)
	}
	again, err := s.RecordInbound(ctx, "wamid.1", "acc_1")
	if err != nil || again {
		t.Fatalf("re-delivery RecordInbound = %v, %v", again, err)
	}
	other, _ := s.RecordInbound(ctx, "wamid.1", "acc_2")
	if !other {
		t.Error("same message id on another account must be recorded")
	}

	if ok, _ := s.IsProcessed(ctx, "wamid.1", "acc_1"); !ok {
		t.Error("IsProcessed = false for recorded message")
	}
	if err := s.MarkProcessed(ctx, "wamid.1", "acc_1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	n, err := s.PurgeLedgerBefore(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("PurgeLedgerBefore = %d, %v", n, err)
	}
	if ok, _ := s.IsProcessed(ctx, "wamid.1", "acc_1"); ok {
		t.Error("purged entry still present")
	}
}

func TestRespondAt_UpsertOverwritesAndClaimChecksTimestamp(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	if err := s.UpsertRespondAt(ctx, "conv_1", "acc_1", base.Add(-2*time.Second)); err != nil {
		t.Fatalf("UpsertRespondAt failed: %v", err)
	}
	stale := base.Add(-2 * time.Second)
	if err := s.UpsertRespondAt(ctx, "conv_1", "acc_1", base.Add(-time.Second)); err != nil {
		t.Fatalf("UpsertRespondAt overwrite failed: %v", err)
	}

	due, err := s.DueRespondAt(ctx, base, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueRespondAt = %+v, %v", due, err)
	}
	if !due[0].DueAt.Equal(base.Add(-time.Second)) {
		t.Errorf("DueAt = %v", due[0].DueAt)
	}

	if ok, _ := s.ClaimRespondAt(ctx, "conv_1", stale); ok {
		t.Error("claim with a moved timestamp must fail")
	}
	ok, err := s.ClaimRespondAt(ctx, "conv_1", due[0].DueAt)
	if err != nil || !ok {
		t.Fatalf("ClaimRespondAt = %v, %v", ok, err)
	}
	if ok, _ := s.ClaimRespondAt(ctx, "conv_1", due[0].DueAt); ok {
		t.Error("second claim of the same timestamp must fail")
	}
	if r, err := s.GetRespondAt(ctx, "conv_1"); err != nil || r != nil {
		t.Errorf("GetRespondAt after claim = %+v, %v", r, err)
	}
}

func TestAccountRepo_CredentialsAgentsAndStages(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFixture(t, s)

	if _, err := s.ActiveCredential(ctx, f.account.ID); !errors.Is(err, models.ErrNoActiveCredential) {
		t.Errorf("ActiveCredential without rows = %v", err)
	}
	if err := s.UpsertCredential(ctx, models.AICredential{AccountID: f.account.ID, APIKey: "sk-1", Active: true}); err != nil {
		t.Fatalf("UpsertCredential failed: %v", err)
	}
	if err := s.UpsertCredential(ctx, models.AICredential{AccountID: f.account.ID, APIKey: "sk-2", Model: "gpt-4o", Active: true}); err != nil {
		t.Fatalf("UpsertCredential update failed: %v", err)
	}
	cred, err := s.ActiveCredential(ctx, f.account.ID)
	if err != nil || cred.APIKey != "sk-2" || cred.Model != "gpt-4o" {
		t.Fatalf("ActiveCredential = %+v, %v", cred, err)
	}

	if _, err := s.PrimaryAgent(ctx, f.account.ID); !errors.Is(err, models.ErrNoActiveAgent) {
		t.Errorf("PrimaryAgent without rows = %v", err)
	}
	temp := 0.3
	agent := models.Agent{AccountID: f.account.ID, Name: "Recepção", Prompt: "Você é a recepcionista.", IsPrimary: true, Active: true, Temperature: &temp}
	if err := s.CreateAgent(ctx, &agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	got, err := s.PrimaryAgent(ctx, f.account.ID)
	if err != nil || got.ID != agent.ID || got.HistoryLimit != 20 || got.Temperature == nil || *got.Temperature != 0.3 {
		t.Fatalf("PrimaryAgent = %+v, %v", got, err)
	}

	for i, name := range []string{"Qualificação", "Abertura", "Agendamento"} {
		pos := []int{2, 1, 3}[i]
		if err := s.CreateAgentStage(ctx, &models.AgentStage{AgentID: agent.ID, Position: pos, Name: name}); err != nil {
			t.Fatalf("CreateAgentStage failed: %v", err)
		}
	}
	stages, err := s.ListAgentStages(ctx, agent.ID)
	if err != nil || len(stages) != 3 {
		t.Fatalf("ListAgentStages = %+v, %v", stages, err)
	}
	if stages[0].Name != "Abertura" || stages[2].Name != "Agendamento" {
		t.Errorf("stages not ordered by position: %+v", stages)
	}
}

func TestContactRepo_TagsAndFields(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFixture(t, s)

	tag := models.Tag{AccountID: f.account.ID, Name: "VIP"}
	if err := s.CreateTag(ctx, &tag); err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}
	added, err := s.AttachTag(ctx, f.contact.ID, tag.ID)
	if err != nil || !added {
		t.Fatalf("AttachTag = %v, %v", added, err)
	}
	if added, _ := s.AttachTag(ctx, f.contact.ID, tag.ID); added {
		t.Error("AttachTag twice reported a new link")
	}

	if err := s.UpdateContactName(ctx, f.contact.ID, "Maria Souza"); err != nil {
		t.Fatalf("UpdateContactName failed: %v", err)
	}
	if err := s.UpdateContactName(ctx, "ct_missing", "x"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("UpdateContactName(missing) = %v", err)
	}
	c, err := s.GetContact(ctx, f.contact.ID)
	if err != nil || c.Name != "Maria Souza" || len(c.Tags) != 1 || c.Tags[0] != "VIP" {
		t.Fatalf("GetContact = %+v, %v", c, err)
	}

	field := models.CustomField{AccountID: f.account.ID, Key: "email", Name: "E-mail"}
	if err := s.CreateCustomField(ctx, &field); err != nil {
		t.Fatalf("CreateCustomField failed: %v", err)
	}
	if v, err := s.GetFieldValue(ctx, f.contact.ID, field.ID); err != nil || v != nil {
		t.Fatalf("GetFieldValue before set = %+v, %v", v, err)
	}
	if err := s.UpsertFieldValue(ctx, f.contact.ID, field.ID, "a@b.com"); err != nil {
		t.Fatalf("UpsertFieldValue failed: %v", err)
	}
	if err := s.UpsertFieldValue(ctx, f.contact.ID, field.ID, "maria@exemplo.com"); err != nil {
		t.Fatalf("UpsertFieldValue overwrite failed: %v", err)
	}
	v, err := s.GetFieldValue(ctx, f.contact.ID, field.ID)
	if err != nil || v.Value != "maria@exemplo.com" || v.FieldKey != "email" {
		t.Fatalf("GetFieldValue = %+v, %v", v, err)
	}
	all, _ := s.ListFieldValues(ctx, f.contact.ID)
	if len(all) != 1 {
		t.Errorf("ListFieldValues = %+v", all)
	}
}

func TestDealRepo_OpenDealAndClientStatus(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFixture(t, s)

	p := models.Pipeline{AccountID: f.account.ID, Name: "Vendas"}
	if err := s.CreatePipeline(ctx, &p); err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	lead := models.PipelineStage{PipelineID: p.ID, Name: "Lead", Position: 1}
	client := models.PipelineStage{PipelineID: p.ID, Name: "Cliente", Position: 2, IsClient: true}
	for _, st := range []*models.PipelineStage{&lead, &client} {
		if err := s.CreatePipelineStage(ctx, st); err != nil {
			t.Fatalf("CreatePipelineStage failed: %v", err)
		}
	}

	if d, err := s.OpenDeal(ctx, f.contact.ID, p.ID); err != nil || d != nil {
		t.Fatalf("OpenDeal before create = %+v, %v", d, err)
	}
	deal := models.Deal{AccountID: f.account.ID, ContactID: f.contact.ID, PipelineID: p.ID, StageID: lead.ID, Title: "Implante"}
	if err := s.CreateDeal(ctx, &deal); err != nil {
		t.Fatalf("CreateDeal failed: %v", err)
	}
	if isClient, _, _ := s.ClientStatus(ctx, f.contact.ID); isClient {
		t.Error("lead stage must not make a client")
	}

	open, err := s.OpenDeal(ctx, f.contact.ID, p.ID)
	if err != nil || open == nil || open.ID != deal.ID {
		t.Fatalf("OpenDeal = %+v, %v", open, err)
	}
	if err := s.MoveDeal(ctx, deal.ID, client.ID); err != nil {
		t.Fatalf("MoveDeal failed: %v", err)
	}
	isClient, stage, err := s.ClientStatus(ctx, f.contact.ID)
	if err != nil || !isClient || stage != "Cliente" {
		t.Errorf("ClientStatus = %v, %q, %v", isClient, stage, err)
	}
	stages, _ := s.ListPipelineStages(ctx, p.ID)
	if len(stages) != 2 || stages[0].ID != lead.ID || !stages[1].IsClient {
		t.Errorf("ListPipelineStages = %+v", stages)
	}
}

func TestConversationRepo_TranscriptAndLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFixture(t, s)
	base := time.Now().UTC().Add(-time.Minute)

	msgs := []models.Message{
		{Direction: models.DirectionInbound, Body: "Oi"},
		{Direction: models.DirectionOutbound, Body: "Olá! Qual o seu nome?"},
		{Direction: models.DirectionInbound, Body: "Maria"},
		{Direction: models.DirectionInbound, Body: "quero marcar"},
		{Direction: models.DirectionInbound, Body: "amanhã"},
	}
	for i := range msgs {
		msgs[i].ConversationID = f.conv.ID
		// two entries share a timestamp to exercise insertion-order ties
		msgs[i].CreatedAt = base.Add(time.Duration(i/2*2) * time.Second)
		if err := s.AppendMessage(ctx, &msgs[i]); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	all, err := s.ListMessages(ctx, f.conv.ID)
	if err != nil || len(all) != 5 {
		t.Fatalf("ListMessages = %d, %v", len(all), err)
	}
	for i := range all {
		if all[i].Body != msgs[i].Body {
			t.Errorf("message %d = %q, want %q", i, all[i].Body, msgs[i].Body)
		}
	}

	recent, _ := s.RecentMessages(ctx, f.conv.ID, nil, 2)
	if len(recent) != 2 || recent[0].Body != "quero marcar" || recent[1].Body != "amanhã" {
		t.Errorf("RecentMessages = %+v", recent)
	}

	pending, err := s.InboundSinceLastOutbound(ctx, f.conv.ID)
	if err != nil || len(pending) != 3 || pending[0].Body != "Maria" {
		t.Fatalf("InboundSinceLastOutbound = %+v, %v", pending, err)
	}

	if err := s.SetActiveStage(ctx, f.conv.ID, "stg_1"); err != nil {
		t.Fatalf("SetActiveStage failed: %v", err)
	}
	resetAt := time.Now().UTC().Add(2 * time.Second)
	if err := s.CloseConversation(ctx, f.conv.ID, resetAt); err != nil {
		t.Fatalf("CloseConversation failed: %v", err)
	}
	conv, err := s.GetConversation(ctx, f.conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.Status != models.ConversationClosed || conv.ActiveStageID != "" || conv.MemoryResetAt == nil {
		t.Errorf("closed conversation = %+v", conv)
	}
	if forgotten, _ := s.RecentMessages(ctx, f.conv.ID, conv.MemoryResetAt, 10); len(forgotten) != 0 {
		t.Errorf("history before memory reset still returned: %+v", forgotten)
	}

	if err := s.AssignAgent(ctx, f.conv.ID, "", false); err != nil {
		t.Fatalf("AssignAgent failed: %v", err)
	}
	if err := s.ReopenConversation(ctx, f.conv.ID); err != nil {
		t.Fatalf("ReopenConversation failed: %v", err)
	}
	conv, _ = s.GetConversation(ctx, f.conv.ID)
	if conv.Status != models.ConversationOpen || conv.AgentActive || conv.AgentID != "" {
		t.Errorf("reopened conversation = %+v", conv)
	}
	if _, err := s.GetConversation(ctx, "conv_missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetConversation(missing) = %v", err)
	}
}

func TestCalendarRepo_InsertBookingIfFree(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFixture(t, s)

	cal := models.Calendar{AccountID: f.account.ID, Name: "Agenda Comercial", Timezone: "America/Sao_Paulo"}
	if err := s.CreateCalendar(ctx, &cal); err != nil {
		t.Fatalf("CreateCalendar failed: %v", err)
	}
	if err := s.AddAvailability(ctx, models.AvailabilityWindow{CalendarID: cal.ID, Weekday: time.Monday, StartMinute: 540, EndMinute: 720}); err != nil {
		t.Fatalf("AddAvailability failed: %v", err)
	}
	if err := s.AddAvailability(ctx, models.AvailabilityWindow{CalendarID: cal.ID, Weekday: time.Monday, StartMinute: 600, EndMinute: 600}); err == nil {
		t.Error("empty availability window accepted")
	}
	windows, _ := s.ListAvailability(ctx, cal.ID)
	if len(windows) != 1 || windows[0].Weekday != time.Monday {
		t.Errorf("ListAvailability = %+v", windows)
	}

	start := time.Date(2030, 3, 11, 13, 0, 0, 0, time.UTC)
	first := models.Booking{CalendarID: cal.ID, ContactID: f.contact.ID, StartsAt: start, EndsAt: start.Add(30 * time.Minute)}
	if err := s.InsertBookingIfFree(ctx, &first); err != nil {
		t.Fatalf("InsertBookingIfFree failed: %v", err)
	}

	overlap := models.Booking{CalendarID: cal.ID, ContactID: "ct_other", StartsAt: start.Add(15 * time.Minute), EndsAt: start.Add(45 * time.Minute)}
	if err := s.InsertBookingIfFree(ctx, &overlap); !errors.Is(err, models.ErrSlotConflict) {
		t.Fatalf("overlapping booking = %v, want ErrSlotConflict", err)
	}
	adjacent := models.Booking{CalendarID: cal.ID, ContactID: "ct_other", StartsAt: start.Add(30 * time.Minute), EndsAt: start.Add(time.Hour)}
	if err := s.InsertBookingIfFree(ctx, &adjacent); err != nil {
		t.Fatalf("adjacent booking rejected: %v", err)
	}

	booked, err := s.ListBookings(ctx, cal.ID, start, start.Add(2*time.Hour))
	if err != nil || len(booked) != 2 {
		t.Fatalf("ListBookings = %+v, %v", booked, err)
	}
	if err := s.SetBookingEvent(ctx, first.ID, "https://meet.google.com/abc-defg-hij", "evt_1"); err != nil {
		t.Fatalf("SetBookingEvent failed: %v", err)
	}
	if err := s.DeleteBooking(ctx, adjacent.ID); err != nil {
		t.Fatalf("DeleteBooking failed: %v", err)
	}
	booked, _ = s.ListBookings(ctx, cal.ID, start, start.Add(2*time.Hour))
	if len(booked) != 1 || booked[0].MeetingLink == "" {
		t.Errorf("bookings after delete = %+v", booked)
	}
}

func TestFollowUpRepo(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFixture(t, s)

	fu := models.FollowUp{AccountID: f.account.ID, ConversationID: f.conv.ID, ContactID: f.contact.ID, DueAt: time.Now().Add(time.Hour), Reason: "retorno"}
	if err := s.CreateFollowUp(ctx, &fu); err != nil {
		t.Fatalf("CreateFollowUp failed: %v", err)
	}
	pending, _ := s.ListPendingFollowUps(ctx, f.conv.ID)
	if len(pending) != 1 || pending[0].Reason != "retorno" {
		t.Fatalf("ListPendingFollowUps = %+v", pending)
	}
	if ok, err := s.CompleteFollowUp(ctx, fu.ID); err != nil || !ok {
		t.Fatalf("CompleteFollowUp = %v, %v", ok, err)
	}
	if ok, _ := s.CompleteFollowUp(ctx, fu.ID); ok {
		t.Error("follow-up completed twice")
	}
	got, err := s.GetFollowUp(ctx, fu.ID)
	if err != nil || got.Status != models.FollowUpDone {
		t.Errorf("GetFollowUp = %+v, %v", got, err)
	}
}

func TestLookupByPhone(t *testing.T) {
	s := newTestSQLiteStore(t)
	f := seedFixture(t, s)
	ctx := context.Background()

	c, err := s.FindContactByPhone(ctx, f.account.ID, "+5511999990000")
	if err != nil || c.ID != f.contact.ID {
		t.Fatalf("FindContactByPhone = %+v, %v", c, err)
	}
	if _, err := s.FindContactByPhone(ctx, f.account.ID, "+5511000000000"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown phone, got %v", err)
	}
	if _, err := s.FindContactByPhone(ctx, "acc_other", "+5511999990000"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for other account, got %v", err)
	}

	conv, err := s.LatestConversation(ctx, f.account.ID, f.contact.ID)
	if err != nil || conv.ID != f.conv.ID {
		t.Fatalf("LatestConversation = %+v, %v", conv, err)
	}
	if _, err := s.LatestConversation(ctx, f.account.ID, "ct_missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
