// Package maintenance runs periodic housekeeping on a cron schedule:
// dropping idle rate windows, pruning old audit entries and expiring
// pending changes nobody resolved.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/logging"
)

// RatePruner drops empty rate windows.
type RatePruner interface {
	PruneIdle() int
}

// AuditPruner deletes audit entries recorded before a cutoff.
type AuditPruner interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// Expirer rejects pending changes older than maxAge.
type Expirer interface {
	Expire(ctx context.Context, maxAge time.Duration) int
}

// Jobs are the targets of the scheduled work. Nil targets are skipped.
type Jobs struct {
	Rates   RatePruner
	Audit   AuditPruner
	Changes Expirer
	// AuditRetention keeps audit entries this long. Zero keeps them forever.
	AuditRetention time.Duration
	// MaxPendingAge expires pending changes older than this. Zero disables expiry.
	MaxPendingAge time.Duration
}

// PruneResult reports one prune run.
type PruneResult struct {
	RateWindows  int
	AuditEntries int64
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	jobs   Jobs
	logger *logging.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New registers the jobs named by cfg. An empty schedule disables its job.
func New(cfg config.MaintenanceConfig, jobs Jobs, logger *logging.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With("component", "maintenance")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:   jobs,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if cfg.PruneSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.PruneSchedule, func() { s.RunPrune(s.ctx) }); err != nil {
			cancel()
			return nil, fmt.Errorf("maintenance: prune schedule %q: %w", cfg.PruneSchedule, err)
		}
	}
	if cfg.ExpireSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.ExpireSchedule, func() { s.RunExpire(s.ctx) }); err != nil {
			cancel()
			return nil, fmt.Errorf("maintenance: expire schedule %q: %w", cfg.ExpireSchedule, err)
		}
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop halts scheduling and waits for running jobs, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("maintenance: stop: %w", ctx.Err())
	}
}

// RunPrune drops idle rate windows and audit entries past retention.
func (s *Scheduler) RunPrune(ctx context.Context) PruneResult {
	var res PruneResult
	if s.jobs.Rates != nil {
		res.RateWindows = s.jobs.Rates.PruneIdle()
	}
	if s.jobs.Audit != nil && s.jobs.AuditRetention > 0 {
		n, err := s.jobs.Audit.PruneAudit(ctx, s.now().Add(-s.jobs.AuditRetention))
		if err != nil {
			s.logger.Error("audit prune failed", "error", err.Error())
		}
		res.AuditEntries = n
	}
	if res.RateWindows > 0 || res.AuditEntries > 0 {
		s.logger.Info("pruned",
			"rate_windows", res.RateWindows,
			"audit_entries", res.AuditEntries)
	}
	return res
}

// RunExpire rejects pending changes older than MaxPendingAge and returns
// how many were expired.
func (s *Scheduler) RunExpire(ctx context.Context) int {
	if s.jobs.Changes == nil || s.jobs.MaxPendingAge <= 0 {
		return 0
	}
	n := s.jobs.Changes.Expire(ctx, s.jobs.MaxPendingAge)
	if n > 0 {
		s.logger.Info("expired pending changes", "count", n, "max_age", s.jobs.MaxPendingAge.String())
	}
	return n
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
