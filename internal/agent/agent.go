// Package agent adapts external agent-turn capabilities. A Generator takes
// the accumulated session context and returns one turn's message, cost and
// proposed file operations.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/domain"
)

// BackendName identifies a supported turn backend.
type BackendName string

const (
	BackendHTTP     BackendName = "http"
	BackendScripted BackendName = "scripted"
)

// ErrUnknownBackend is returned when the configured backend is unsupported.
var ErrUnknownBackend = errors.New("unknown agent backend")

// TurnContext is everything a backend sees for one turn.
type TurnContext struct {
	SessionID string           `json:"sessionId"`
	TeamID    string           `json:"teamId"`
	ProjectID string           `json:"projectId"`
	Prompt    string           `json:"prompt"`
	Iteration int              `json:"iteration"`
	Agent     domain.Agent     `json:"agent"`
	History   []domain.Message `json:"history"`
	// Files maps each project file to its fingerprint at turn start.
	Files map[string]string `json:"files,omitempty"`
}

// TurnResult is one completed turn. Done reports the task is finished.
type TurnResult struct {
	Message string          `json:"message"`
	Cost    float64         `json:"cost"`
	FileOps []domain.FileOp `json:"fileOps,omitempty"`
	Done    bool            `json:"done"`
}

// Generator produces agent turns. Implementations must honor ctx
// cancellation on a best-effort basis.
type Generator interface {
	GenerateTurn(ctx context.Context, tc TurnContext) (TurnResult, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, tc TurnContext) (TurnResult, error)

// GenerateTurn calls f.
func (f GeneratorFunc) GenerateTurn(ctx context.Context, tc TurnContext) (TurnResult, error) {
	return f(ctx, tc)
}

// PermanentError marks a turn failure that retrying cannot fix, such as a
// rejected request.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether a turn error may succeed on another attempt.
// Context cancellation and PermanentError are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// NewFromConfig builds a Generator from configuration.
func NewFromConfig(cfg config.AgentConfig) (Generator, error) {
	switch BackendName(strings.ToLower(cfg.Backend)) {
	case BackendScripted, "":
		return NewScripted(cfg.ScriptedTurns, cfg.ScriptedCost), nil
	case BackendHTTP:
		return NewHTTP(cfg.Endpoint, cfg.APIKey, cfg.Timeout())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}
