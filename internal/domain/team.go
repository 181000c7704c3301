// Package domain holds the records shared by the ledger, reconciler, session
// state machine and event bus: teams and their agents, sessions and their
// turn log, and proposed file changes. It also defines the error taxonomy
// surfaced across the API boundary.
package domain

import "time"

// Role describes what kind of work an agent performs within a team.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleCoder       Role = "coder"
	RoleTester      Role = "tester"
	RoleReviewer    Role = "reviewer"
	RoleCoordinator Role = "coordinator"
	RoleCustom      Role = "custom"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid returns true if this is a recognized role value.
func (r Role) IsValid() bool {
	switch r {
	case RolePlanner, RoleCoder, RoleTester, RoleReviewer, RoleCoordinator, RoleCustom:
		return true
	default:
		return false
	}
}

// ValidRoles returns every recognized role in a stable order.
func ValidRoles() []Role {
	return []Role{RolePlanner, RoleCoder, RoleTester, RoleReviewer, RoleCoordinator, RoleCustom}
}

// Agent is one member of a team. Agents are owned by their team and are
// persisted with it.
type Agent struct {
	ID            string `json:"id" yaml:"id"`
	TeamID        string `json:"teamId" yaml:"-"`
	Name          string `json:"name" yaml:"name"`
	Role          Role   `json:"role" yaml:"role"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	AdaptiveRoles []Role `json:"adaptiveRoles,omitempty" yaml:"adaptive_roles,omitempty"`
}

// Team is a budgeted group of agents working on one project.
//
// BudgetUsed only grows, and only the session state machine mutates it (via
// the ledger). A zero BudgetLimit means the team has no configured cap.
type Team struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	BudgetLimit float64   `json:"budgetLimit"`
	BudgetUsed  float64   `json:"budgetUsed"`
	Agents      []Agent   `json:"agents"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HasBudget reports whether the team has an explicitly configured cap.
func (t *Team) HasBudget() bool {
	return t.BudgetLimit > 0
}

// EnabledAgents returns the enabled agents, planners first, otherwise in
// team order.
func (t *Team) EnabledAgents() []Agent {
	var planners, rest []Agent
	for _, a := range t.Agents {
		if !a.Enabled {
			continue
		}
		if a.Role == RolePlanner {
			planners = append(planners, a)
		} else {
			rest = append(rest, a)
		}
	}
	return append(planners, rest...)
}

// Validate checks that a team definition is complete enough to create.
func (t *Team) Validate() error {
	if t.Name == "" {
		return Invalidf("team: name is required")
	}
	if t.Owner == "" {
		return Invalidf("team: owner is required")
	}
	if t.BudgetLimit < 0 {
		return Invalidf("team: budget limit must be >= 0 (got %v)", t.BudgetLimit)
	}
	if len(t.Agents) == 0 {
		return Invalidf("team: at least one agent is required")
	}
	for i, a := range t.Agents {
		if a.Name == "" {
			return Invalidf("team: agent %d: name is required", i)
		}
		if !a.Role.IsValid() {
			return Invalidf("team: agent %q: invalid role %q", a.Name, a.Role)
		}
		for _, r := range a.AdaptiveRoles {
			if !r.IsValid() {
				return Invalidf("team: agent %q: invalid adaptive role %q", a.Name, r)
			}
		}
	}
	return nil
}
