package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *Store {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestIsPostgresDSN(t *testing.T) {
	tests := map[string]bool{
		"postgres://u:p@localhost/db":       true,
		"postgresql://localhost/db":         true,
		"host=localhost dbname=crm user=me": true,
		"/var/lib/crmpipe/state.db":         false,
		"file:test.db?cache=shared":         false,
	}
	for dsn, want := range tests {
		if got := IsPostgresDSN(dsn); got != want {
			t.Errorf("IsPostgresDSN(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	got := pg.rebind(`SELECT a FROM t WHERE a = ? AND b IN (?, ?)`)
	if want := `SELECT a FROM t WHERE a = $1 AND b IN ($2, $3)`; got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	lite := &Store{dialect: DialectSQLite}
	if got := lite.rebind(`a = ?`); got != `a = ?` {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

// --- Job repo ---

func TestJobRepo_EnqueueDedupeAndClaim(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id1, err := s.EnqueueJob(ctx, JobKindFollowUpDue, time.Now().Add(-time.Second), `{"k":"v"}`, "fu-1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	id2, err := s.EnqueueJob(ctx, JobKindFollowUpDue, time.Now().Add(-time.Second), `{"k":"v"}`, "fu-1")
	if err != nil {
		t.Fatalf("EnqueueJob dup failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("dedupe returned %q, want %q", id2, id1)
	}
	if _, err := s.EnqueueJob(ctx, JobKindFollowUpDue, time.Now().Add(time.Hour), `{}`, "fu-2"); err != nil {
		t.Fatalf("EnqueueJob future failed: %v", err)
	}

	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id1 {
		t.Fatalf("expected only %s claimed, got %+v", id1, jobs)
	}
	if jobs[0].Status != JobStatusRunning {
		t.Errorf("claimed status = %q", jobs[0].Status)
	}

	again, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("second ClaimDueJobs failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("running job claimed twice: %+v", again)
	}

	if err := s.CompleteJob(ctx, id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	id3, err := s.EnqueueJob(ctx, JobKindFollowUpDue, time.Now(), `{}`, "fu-1")
	if err != nil {
		t.Fatalf("EnqueueJob after done failed: %v", err)
	}
	if id3 == id1 {
		t.Error("dedupe key of a finished job must not block a new job")
	}
}

func TestJobRepo_FailRetriesThenGivesUp(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "kind", time.Now().Add(-time.Second), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.ClaimDueJobs(ctx, time.Now(), 10); err != nil {
			t.Fatalf("ClaimDueJobs failed: %v", err)
		}
		if err := s.FailJob(ctx, id, "boom", time.Now().Add(-time.Millisecond)); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
	}
	job, err := s.GetJob(ctx, id)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusFailed || job.Attempt != 3 || job.LastError != "boom" {
		t.Errorf("unexpected job after max attempts: %+v", job)
	}
}

func TestJobRepo_RequeueStaleAndCancel(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, "kind", time.Now().Add(-time.Hour), `{}`, "")
	if _, err := s.ClaimDueJobs(ctx, time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	n, err := s.RequeueStaleRunningJobs(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStaleRunningJobs = %d, %v", n, err)
	}
	if err := s.CancelJob(ctx, id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusCanceled {
		t.Errorf("status = %q, want canceled", job.Status)
	}
	if missing, err := s.GetJob(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("GetJob(missing) = %v, %v", missing, err)
	}
}

func TestJobRunner_Poll(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	runner := NewJobRunner(s, time.Hour)

	var payloads []string
	runner.RegisterHandler(JobKindFollowUpDue, func(ctx context.Context, payload string) error {
		payloads = append(payloads, payload)
		return nil
	})
	runner.RegisterHandler("flaky", func(ctx context.Context, payload string) error {
		return errors.New("not yet")
	})

	okID, _ := s.EnqueueJob(ctx, JobKindFollowUpDue, time.Now().Add(-time.Second), `{"follow_up_id":"fu_1"}`, "")
	flakyID, _ := s.EnqueueJob(ctx, "flaky", time.Now().Add(-time.Second), `{}`, "")
	orphanID, _ := s.EnqueueJob(ctx, "unknown", time.Now().Add(-time.Second), `{}`, "")

	if done := runner.Poll(ctx); done != 1 {
		t.Errorf("Poll completed %d jobs, want 1", done)
	}
	if len(payloads) != 1 || payloads[0] != `{"follow_up_id":"fu_1"}` {
		t.Errorf("handler payloads = %v", payloads)
	}

	ok, _ := s.GetJob(ctx, okID)
	flaky, _ := s.GetJob(ctx, flakyID)
	orphan, _ := s.GetJob(ctx, orphanID)
	if ok.Status != JobStatusDone {
		t.Errorf("ok job status = %q", ok.Status)
	}
	if flaky.Status != JobStatusQueued || flaky.Attempt != 1 || !flaky.RunAt.After(time.Now()) {
		t.Errorf("flaky job not rescheduled with backoff: %+v", flaky)
	}
	if orphan.Status != JobStatusQueued || orphan.LastError == "" {
		t.Errorf("orphan job not failed softly: %+v", orphan)
	}
}

func TestJobRunner_RecoversAfterRestart(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "restart.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	id, _ := s1.EnqueueJob(ctx, JobKindFollowUpDue, time.Now().Add(-time.Second), `{}`, "")
	// claimed but never completed: the process died mid-job
	if _, err := s1.ClaimDueJobs(ctx, time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	runner := NewJobRunner(s2, time.Hour)
	runner.staleThreshold = -time.Minute
	executed := 0
	runner.RegisterHandler(JobKindFollowUpDue, func(ctx context.Context, payload string) error {
		executed++
		return nil
	})
	if n, err := runner.RecoverStaleJobs(ctx); err != nil || n != 1 {
		t.Fatalf("RecoverStaleJobs = %d, %v", n, err)
	}
	runner.Poll(ctx)
	if executed != 1 {
		t.Errorf("executed %d times, want 1", executed)
	}
	job, _ := s2.GetJob(ctx, id)
	if job.Status != JobStatusDone {
		t.Errorf("status after restart = %q", job.Status)
	}
}

// --- Outbox ---

func TestOutboxRepo_Lifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutboxMessage(ctx, "+5511999990000", OutboxKindReply, `{"body":"Oi"}`, "reply:msg_1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	dup, _ := s.EnqueueOutboxMessage(ctx, "+5511999990000", OutboxKindReply, `{"body":"Oi"}`, "reply:msg_1")
	if dup != id {
		t.Errorf("dedupe returned %q, want %q", dup, id)
	}

	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Recipient != "+5511999990000" || msgs[0].Kind != OutboxKindReply {
		t.Fatalf("unexpected claim: %+v", msgs)
	}

	if err := s.FailOutboxMessage(ctx, id, "timeout", time.Now().Add(-time.Millisecond)); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}
	msgs, _ = s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs) != 1 || msgs[0].Attempts != 1 {
		t.Fatalf("retry not claimable: %+v", msgs)
	}
	if n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(time.Minute)); err != nil || n != 1 {
		t.Fatalf("RequeueStaleSendingMessages = %d, %v", n, err)
	}
	msgs, _ = s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err := s.MarkOutboxMessageSent(ctx, msgs[0].ID); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	if msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10); len(msgs) != 0 {
		t.Errorf("sent message claimed again: %+v", msgs)
	}
}

func TestOutboxSender_PollAndBackoff(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	var delivered []string
	fail := true
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if fail {
			return errors.New("channel down")
		}
		delivered = append(delivered, msg.Recipient)
		return nil
	}, time.Hour)

	if _, err := s.EnqueueOutboxMessage(ctx, "+5511988887777", OutboxKindNotify, `{"body":"lead quente"}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if sent := sender.Poll(ctx); sent != 0 {
		t.Errorf("Poll sent %d while channel down", sent)
	}
	// backoff pushed the retry into the future
	if sent := sender.Poll(ctx); sent != 0 {
		t.Errorf("retry sent before backoff elapsed")
	}

	if _, err := s.exec(ctx, `UPDATE outbox_messages SET next_attempt_at = ?`, time.Now().Add(-time.Second).UTC()); err != nil {
		t.Fatalf("rewind failed: %v", err)
	}
	fail = false
	if sent := sender.Poll(ctx); sent != 1 {
		t.Errorf("Poll sent %d, want 1", sent)
	}
	if len(delivered) != 1 || delivered[0] != "+5511988887777" {
		t.Errorf("delivered = %v", delivered)
	}
}

func TestOutboxSender_KickRunsPoll(t *testing.T) {
	s := newTestSQLiteStore(t)
	sent := make(chan string, 1)
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		sent <- msg.ID
		return nil
	}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	id, _ := s.EnqueueOutboxMessage(ctx, "+1", OutboxKindReply, `{"body":"x"}`, "")
	sender.Kick()

	select {
	case got := <-sent:
		if got != id {
			t.Errorf("sent %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Kick did not trigger delivery")
	}
}
