package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/teamrun/internal/config"
)

type fakeRates struct{ calls atomic.Int32 }

func (f *fakeRates) PruneIdle() int {
	f.calls.Add(1)
	return 2
}

type fakeAudit struct {
	before time.Time
	err    error
}

func (f *fakeAudit) PruneAudit(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	if f.err != nil {
		return 0, f.err
	}
	return 5, nil
}

type fakeChanges struct{ maxAge time.Duration }

func (f *fakeChanges) Expire(_ context.Context, maxAge time.Duration) int {
	f.maxAge = maxAge
	return 1
}

func TestRunPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rates := &fakeRates{}
	audit := &fakeAudit{}
	s, err := New(config.MaintenanceConfig{}, Jobs{
		Rates:          rates,
		Audit:          audit,
		AuditRetention: 48 * time.Hour,
	}, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}

	res := s.RunPrune(context.Background())
	if res.RateWindows != 2 || res.AuditEntries != 5 {
		t.Errorf("RunPrune() = %+v", res)
	}
	if want := now.Add(-48 * time.Hour); !audit.before.Equal(want) {
		t.Errorf("audit cutoff = %v, want %v", audit.before, want)
	}
}

func TestRunPruneSkipsDisabledTargets(t *testing.T) {
	audit := &fakeAudit{err: errors.New("boom")}
	s, err := New(config.MaintenanceConfig{}, Jobs{Audit: audit}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := s.RunPrune(context.Background()); res != (PruneResult{}) {
		t.Errorf("RunPrune() = %+v, want zero", res)
	}
	if !audit.before.IsZero() {
		t.Error("audit pruned with zero retention")
	}

	s, _ = New(config.MaintenanceConfig{}, Jobs{Audit: audit, AuditRetention: time.Hour}, nil)
	if res := s.RunPrune(context.Background()); res.AuditEntries != 0 {
		t.Errorf("failed prune reported %d entries", res.AuditEntries)
	}
}

func TestRunExpire(t *testing.T) {
	changes := &fakeChanges{}
	s, err := New(config.MaintenanceConfig{}, Jobs{Changes: changes, MaxPendingAge: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := s.RunExpire(context.Background()); n != 1 || changes.maxAge != time.Hour {
		t.Errorf("RunExpire() = %d, maxAge %v", n, changes.maxAge)
	}

	s, _ = New(config.MaintenanceConfig{}, Jobs{Changes: changes}, nil)
	if n := s.RunExpire(context.Background()); n != 0 {
		t.Errorf("RunExpire() with no max age = %d, want 0", n)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	tests := []config.MaintenanceConfig{
		{PruneSchedule: "every tuesday"},
		{ExpireSchedule: "@every nope"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg, Jobs{}, nil); err == nil {
			t.Errorf("New(%+v) succeeded", cfg)
		}
	}
}

func TestScheduledPruneRuns(t *testing.T) {
	rates := &fakeRates{}
	s, err := New(config.MaintenanceConfig{PruneSchedule: "@every 1s"}, Jobs{Rates: rates}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for rates.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled prune never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStopHonorsContext(t *testing.T) {
	s, err := New(config.MaintenanceConfig{}, Jobs{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
