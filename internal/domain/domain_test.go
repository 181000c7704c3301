package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusStopped, true},
		{StatusPaused, StatusCompleted, false},
		{StatusPaused, StatusFailed, false},
		{StatusRunning, StatusRunning, false},
		{StatusStopped, StatusRunning, false},
		{StatusCompleted, StatusPaused, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusStopped, StatusCompleted, StatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []Status{StatusRunning, StatusPaused} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestTeamEnabledAgents(t *testing.T) {
	team := Team{Agents: []Agent{
		{Name: "c1", Role: RoleCoder, Enabled: true},
		{Name: "off", Role: RoleTester, Enabled: false},
		{Name: "p1", Role: RolePlanner, Enabled: true},
		{Name: "r1", Role: RoleReviewer, Enabled: true},
	}}

	got := team.EnabledAgents()
	want := []string{"p1", "c1", "r1"}
	if len(got) != len(want) {
		t.Fatalf("len(EnabledAgents()) = %d, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("EnabledAgents()[%d] = %q, want %q", i, got[i].Name, name)
		}
	}
}

func TestTeamValidate(t *testing.T) {
	valid := func() Team {
		return Team{
			Name:        "alpha",
			Owner:       "u1",
			BudgetLimit: 10,
			Agents:      []Agent{{Name: "a", Role: RoleCoder, Enabled: true}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Team)
		wantErr bool
	}{
		{"valid", func(*Team) {}, false},
		{"zero budget is unlimited", func(t *Team) { t.BudgetLimit = 0 }, false},
		{"missing name", func(t *Team) { t.Name = "" }, true},
		{"missing owner", func(t *Team) { t.Owner = "" }, true},
		{"negative budget", func(t *Team) { t.BudgetLimit = -1 }, true},
		{"no agents", func(t *Team) { t.Agents = nil }, true},
		{"bad role", func(t *Team) { t.Agents[0].Role = "wizard" }, true},
		{"bad adaptive role", func(t *Team) { t.Agents[0].AdaptiveRoles = []Role{"x"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			team := valid()
			tt.mutate(&team)
			err := team.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Validate() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestNotFoundErrorIs(t *testing.T) {
	err := fmt.Errorf("store: get team: %w", &NotFoundError{Kind: "team", ID: "t1"})
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(err, ErrNotFound) = false, want true")
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "t1" {
		t.Errorf("errors.As NotFoundError = %+v", nf)
	}
}

func TestAdmissionDeniedRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{time.Second + time.Millisecond, 2},
		{59*time.Minute + 30*time.Second, 3570},
	}
	for _, tt := range tests {
		e := &AdmissionDeniedError{Kind: AdmissionRate, RetryAfter: tt.d}
		if got := e.RetryAfterSeconds(); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestExternalCapabilityErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &ExternalCapabilityError{Capability: "agent turn", Attempts: 3, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}
