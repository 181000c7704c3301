package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions that carry no extra detail.
var (
	// ErrNotFound is matched by every *NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrTerminalSession is returned when a control command targets a
	// session that has already stopped, completed or failed.
	ErrTerminalSession = errors.New("session is in a terminal state")

	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow, such as resuming a running session.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrProtectedPath is returned when a proposal targets a path that
	// matches a protected pattern.
	ErrProtectedPath = errors.New("path is protected")

	// ErrInvalidPath is returned when a proposal path is empty, absolute or
	// escapes the project root.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidInput is matched by every *InvalidInputError via errors.Is.
	ErrInvalidInput = errors.New("invalid input")
)

// AdmissionKind distinguishes budget denials from rate denials.
type AdmissionKind string

const (
	AdmissionBudget AdmissionKind = "budget"
	AdmissionRate   AdmissionKind = "rate"
)

// AdmissionDeniedError is returned when the ledger refuses a turn or request.
// Remaining is set for budget denials, RetryAfter for rate denials.
type AdmissionDeniedError struct {
	Kind       AdmissionKind
	Remaining  float64
	RetryAfter time.Duration
}

func (e *AdmissionDeniedError) Error() string {
	if e.Kind == AdmissionRate {
		return fmt.Sprintf("rate limit exceeded: retry after %ds", e.RetryAfterSeconds())
	}
	return fmt.Sprintf("budget exhausted: %.2f remaining", e.Remaining)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (e *AdmissionDeniedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ConflictError is returned when applying a change with an outstanding
// conflict without an override.
type ConflictError struct {
	ChangeID string
	Conflict *Conflict
}

func (e *ConflictError) Error() string {
	if e.Conflict == nil {
		return fmt.Sprintf("change %s has a conflict", e.ChangeID)
	}
	return fmt.Sprintf("change %s has a conflict: %s", e.ChangeID, e.Conflict.Reason)
}

// NotFoundError reports a missing team, session or change.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) true for any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ExternalCapabilityError wraps a failure of the agent turn or build
// capability after its retries were spent.
type ExternalCapabilityError struct {
	Capability string
	Attempts   int
	Err        error
}

func (e *ExternalCapabilityError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Capability, e.Attempts, e.Err)
}

func (e *ExternalCapabilityError) Unwrap() error {
	return e.Err
}

// InvariantViolationError indicates a bug such as an iteration counter
// regression. It is logged and forces the affected session to failed.
type InvariantViolationError struct {
	What string
}

func (e *InvariantViolationError) Error() string {
	return "invariant violation: " + e.What
}

// InvalidInputError reports a malformed request such as an incomplete team
// definition or an empty session prompt.
type InvalidInputError struct {
	Msg string
}

func (e *InvalidInputError) Error() string {
	return e.Msg
}

// Is makes errors.Is(err, ErrInvalidInput) true for any InvalidInputError.
func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Invalidf builds an *InvalidInputError.
func Invalidf(format string, args ...any) error {
	return &InvalidInputError{Msg: fmt.Sprintf(format, args...)}
}
