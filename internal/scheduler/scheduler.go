// Package scheduler runs CRMPipe's periodic housekeeping on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// LedgerPurger deletes processed-message ledger entries older than a cutoff.
type LedgerPurger interface {
	PurgeLedgerBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Recoverer requeues work left claimed by a crashed process.
type Recoverer func(ctx context.Context) error

// Maintenance describes the housekeeping tasks to schedule.
type Maintenance struct {
	Ledger          LedgerPurger
	LedgerRetention time.Duration
	LedgerSchedule  string
	Recoverers      map[string]Recoverer
	RecoverSchedule string
	Now             func() time.Time
}

// Register adds the maintenance tasks to s. Each run gets its own context derived from ctx.
func (m Maintenance) Register(ctx context.Context, s *Scheduler) error {
	now := m.Now
	if now == nil {
		now = time.Now
	}
	if m.Ledger != nil && m.LedgerRetention > 0 {
		if err := s.AddJob(m.LedgerSchedule, func() { m.PurgeLedger(ctx, now()) }); err != nil {
			return err
		}
		slog.Info("Maintenance.Register: ledger purge scheduled", "schedule", m.LedgerSchedule, "retention", m.LedgerRetention)
	}
	if len(m.Recoverers) > 0 {
		if err := s.AddJob(m.RecoverSchedule, func() { m.Recover(ctx) }); err != nil {
			return err
		}
		slog.Info("Maintenance.Register: stale work recovery scheduled", "schedule", m.RecoverSchedule)
	}
	return nil
}

// PurgeLedger removes ledger entries received before now minus the retention.
func (m Maintenance) PurgeLedger(ctx context.Context, now time.Time) int {
	n, err := m.Ledger.PurgeLedgerBefore(ctx, now.Add(-m.LedgerRetention))
	if err != nil {
		slog.Error("Maintenance.PurgeLedger: purge failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("Maintenance.PurgeLedger: purged ledger entries", "count", n)
	}
	return n
}

// Recover runs every recoverer, logging failures.
func (m Maintenance) Recover(ctx context.Context) {
	for name, r := range m.Recoverers {
		if err := r(ctx); err != nil {
			slog.Error("Maintenance.Recover: recovery failed", "task", name, "error", err)
		}
	}
}
