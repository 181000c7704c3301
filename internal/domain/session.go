package domain

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true for statuses no transition may leave.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed
}

// legalTransitions lists every allowed status change. Terminal statuses have
// no entry.
var legalTransitions = map[Status][]Status{
	StatusRunning: {StatusPaused, StatusStopped, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning, StatusStopped},
}

// CanTransition reports whether from -> to is a legal session transition.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one run of the iterative agent loop against a prompt.
//
// CurrentIteration is the number the next turn will carry. It starts at 1
// and only grows.
type Session struct {
	ID               string     `json:"id"`
	TeamID           string     `json:"teamId"`
	ProjectID        string     `json:"projectId"`
	Prompt           string     `json:"prompt"`
	Status           Status     `json:"status"`
	CurrentIteration int        `json:"currentIteration"`
	TotalCost        float64    `json:"totalCost"`
	Reason           string     `json:"reason,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
}

// Message is the append-only record of one turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	AgentName string    `json:"agentName"`
	AgentRole Role      `json:"agentRole"`
	Iteration int       `json:"iteration"`
	Content   string    `json:"content"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}
