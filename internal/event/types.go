package event

import "time"

// Type identifies what happened. Values are the wire names clients see.
type Type string

const (
	FileCreated Type = "file_created"
	FileUpdated Type = "file_updated"
	FileDeleted Type = "file_deleted"

	BuildStarted   Type = "build_started"
	BuildCompleted Type = "build_completed"
	BuildFailed    Type = "build_failed"
	PreviewReady   Type = "preview_ready"
	PreviewStopped Type = "preview_stopped"

	AgentReasoning Type = "agent_reasoning"
	SessionUpdate  Type = "session_update"

	BudgetWarning  Type = "budget_warning"
	ChangesPending Type = "changes_pending"
	ChangeProposed Type = "change_proposed"
	ChangeResolved Type = "change_resolved"
)

// Event is a state change published on the bus. SessionID is empty for
// project-wide events. Seq is zero when published and is stamped per
// connection at delivery.
type Event struct {
	Type      Type      `json:"type"`
	ProjectID string    `json:"projectId"`
	SessionID string    `json:"sessionId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq,omitempty"`
}

// New creates an Event stamped with the current time.
func New(typ Type, projectID, sessionID string, payload any) Event {
	return Event{
		Type:      typ,
		ProjectID: projectID,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// FilePayload is carried by file_* events.
type FilePayload struct {
	Path        string `json:"path"`
	ChangeID    string `json:"changeId,omitempty"`
	Source      string `json:"source,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	External    bool   `json:"external,omitempty"`
}

// NewFileEvent creates a file_created, file_updated or file_deleted event.
func NewFileEvent(typ Type, projectID, sessionID string, p FilePayload) Event {
	return New(typ, projectID, sessionID, p)
}

// ReasoningPayload is carried by agent_reasoning events.
type ReasoningPayload struct {
	AgentName string  `json:"agentName"`
	AgentRole string  `json:"agentRole"`
	Iteration int     `json:"iteration"`
	Content   string  `json:"content"`
	Cost      float64 `json:"cost"`
}

// NewAgentReasoningEvent creates an agent_reasoning event.
func NewAgentReasoningEvent(projectID, sessionID string, p ReasoningPayload) Event {
	return New(AgentReasoning, projectID, sessionID, p)
}

// SessionPayload is carried by session_update events.
type SessionPayload struct {
	Status           string  `json:"status"`
	PreviousStatus   string  `json:"previousStatus,omitempty"`
	CurrentIteration int     `json:"currentIteration"`
	TotalCost        float64 `json:"totalCost"`
	Reason           string  `json:"reason,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// NewSessionUpdateEvent creates a session_update event.
func NewSessionUpdateEvent(projectID, sessionID string, p SessionPayload) Event {
	return New(SessionUpdate, projectID, sessionID, p)
}

// BudgetPayload is carried by budget_warning events.
type BudgetPayload struct {
	TeamID      string  `json:"teamId"`
	BudgetLimit float64 `json:"budgetLimit"`
	BudgetUsed  float64 `json:"budgetUsed"`
	Overshoot   float64 `json:"overshoot"`
}

// NewBudgetWarningEvent creates a budget_warning event.
func NewBudgetWarningEvent(projectID, sessionID string, p BudgetPayload) Event {
	return New(BudgetWarning, projectID, sessionID, p)
}

// BuildPayload is carried by build_* and preview_* events.
type BuildPayload struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	URL    string `json:"url,omitempty"`
}

// NewBuildEvent creates a build or preview event.
func NewBuildEvent(typ Type, projectID string, p BuildPayload) Event {
	return New(typ, projectID, "", p)
}

// ChangesPayload is carried by change_* events.
type ChangesPayload struct {
	ChangeIDs []string `json:"changeIds"`
	Decision  string   `json:"decision,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Conflict  bool     `json:"conflict,omitempty"`
}

// NewChangesEvent creates a changes_pending, change_proposed or
// change_resolved event.
func NewChangesEvent(typ Type, projectID, sessionID string, p ChangesPayload) Event {
	return New(typ, projectID, sessionID, p)
}
