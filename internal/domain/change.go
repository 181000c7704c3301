package domain

import "time"

// Operation is the kind of file mutation a change proposes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IsValid returns true if this is a recognized operation.
func (o Operation) IsValid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Source identifies who produced a proposed change.
type Source string

const (
	SourceAIChat     Source = "ai_chat"
	SourceUserEdit   Source = "user_edit"
	SourceMultiAgent Source = "multi_agent"
)

// IsValid returns true if this is a recognized source.
func (s Source) IsValid() bool {
	return s == SourceAIChat || s == SourceUserEdit || s == SourceMultiAgent
}

// ConflictReason explains why a change was flagged.
type ConflictReason string

const (
	// ConflictConcurrentEdit means another unapplied change from a different
	// source targets the same path.
	ConflictConcurrentEdit ConflictReason = "concurrent_edit"

	// ConflictStaleBase means the file on disk changed after the proposer
	// last observed it.
	ConflictStaleBase ConflictReason = "stale_base"
)

// Conflict describes why a pending change cannot be applied without an
// explicit override.
type Conflict struct {
	Reason              ConflictReason `json:"reason"`
	ConflictingIDs      []string       `json:"conflictingIds,omitempty"`
	ExpectedFingerprint string         `json:"expectedFingerprint,omitempty"`
	ActualFingerprint   string         `json:"actualFingerprint,omitempty"`
}

// FileOp is a file operation produced by an agent turn, before it becomes a
// pending change.
type FileOp struct {
	Operation Operation `json:"operation"`
	Path      string    `json:"path"`
	Content   string    `json:"content,omitempty"`
	// BaseFingerprint is the fingerprint of the file as the agent read it.
	// Empty means the agent did not observe the file.
	BaseFingerprint string `json:"baseFingerprint,omitempty"`
}

// PendingChange is a proposed file operation awaiting apply or reject. Once
// resolved it is removed and never mutated again.
type PendingChange struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"projectId"`
	SessionID       string    `json:"sessionId,omitempty"`
	Operation       Operation `json:"operation"`
	Path            string    `json:"path"`
	Content         string    `json:"content,omitempty"`
	Source          Source    `json:"source"`
	BaseFingerprint string    `json:"baseFingerprint,omitempty"`
	Conflict        *Conflict `json:"conflict,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	// Seq breaks ties between changes proposed within the same clock tick.
	Seq uint64 `json:"seq"`
}

// Decision is the outcome requested for a pending change.
type Decision string

const (
	DecisionApply  Decision = "apply"
	DecisionReject Decision = "reject"
)

// IsValid returns true if this is a recognized decision.
func (d Decision) IsValid() bool {
	return d == DecisionApply || d == DecisionReject
}

// AuditEntry records how a change left the pending set.
type AuditEntry struct {
	ChangeID          string    `json:"changeId"`
	ProjectID         string    `json:"projectId"`
	Path              string    `json:"path"`
	Operation         Operation `json:"operation"`
	Source            Source    `json:"source"`
	Decision          Decision  `json:"decision"`
	Overridden        bool      `json:"overridden,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	FingerprintBefore string    `json:"fingerprintBefore,omitempty"`
	FingerprintAfter  string    `json:"fingerprintAfter,omitempty"`
	At                time.Time `json:"at"`
}
