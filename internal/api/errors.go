package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Iron-Ham/teamrun/internal/build"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
)

// Error codes carried in error payloads.
const (
	CodeNotFound          = "not_found"
	CodeInvalidInput      = "invalid_input"
	CodeInvalidPath       = "invalid_path"
	CodeProtectedPath     = "protected_path"
	CodeBudgetExhausted   = "budget_exhausted"
	CodeRateLimited       = "rate_limited"
	CodeConflict          = "conflict"
	CodeTerminalSession   = "terminal_session"
	CodeInvalidTransition = "invalid_transition"
	CodeBusy              = "busy"
	CodeNotConfigured     = "not_configured"
	CodeUpstream          = "upstream_failure"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

var errBuildsDisabled = fmt.Errorf("builds are disabled: %w", build.ErrNotConfigured)

// ErrorBody is the structured error payload.
type ErrorBody struct {
	Code              string           `json:"code"`
	Message           string           `json:"message"`
	Remaining         *float64         `json:"remaining,omitempty"`
	RetryAfterSeconds int              `json:"retryAfterSeconds,omitempty"`
	ChangeID          string           `json:"changeId,omitempty"`
	Conflict          *domain.Conflict `json:"conflict,omitempty"`
	Capability        string           `json:"capability,omitempty"`
	Attempts          int              `json:"attempts,omitempty"`
}

// ErrorResponse wraps ErrorBody on the wire.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// classify maps an error to an HTTP status and payload. Unknown errors
// become 500 with a generic message.
func classify(err error) (int, ErrorBody) {
	var (
		admission  *domain.AdmissionDeniedError
		conflict   *domain.ConflictError
		capability *domain.ExternalCapabilityError
		notFound   *domain.NotFoundError
	)
	switch {
	case errors.As(err, &admission):
		if admission.Kind == domain.AdmissionRate {
			return http.StatusTooManyRequests, ErrorBody{
				Code:              CodeRateLimited,
				Message:           admission.Error(),
				RetryAfterSeconds: admission.RetryAfterSeconds(),
			}
		}
		remaining := admission.Remaining
		return http.StatusPaymentRequired, ErrorBody{
			Code:      CodeBudgetExhausted,
			Message:   admission.Error(),
			Remaining: &remaining,
		}
	case errors.As(err, &conflict):
		return http.StatusConflict, ErrorBody{
			Code:     CodeConflict,
			Message:  conflict.Error(),
			ChangeID: conflict.ChangeID,
			Conflict: conflict.Conflict,
		}
	case errors.As(err, &notFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: notFound.Error()}
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, event.ErrEmptySubscription):
		return http.StatusBadRequest, ErrorBody{Code: CodeInvalidInput, Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidPath):
		return http.StatusBadRequest, ErrorBody{Code: CodeInvalidPath, Message: err.Error()}
	case errors.Is(err, domain.ErrProtectedPath):
		return http.StatusForbidden, ErrorBody{Code: CodeProtectedPath, Message: err.Error()}
	case errors.Is(err, domain.ErrTerminalSession):
		return http.StatusConflict, ErrorBody{Code: CodeTerminalSession, Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, ErrorBody{Code: CodeInvalidTransition, Message: err.Error()}
	case errors.Is(err, build.ErrBusy), errors.Is(err, build.ErrPreviewRunning):
		return http.StatusConflict, ErrorBody{Code: CodeBusy, Message: err.Error()}
	case errors.Is(err, build.ErrNotConfigured):
		return http.StatusNotImplemented, ErrorBody{Code: CodeNotConfigured, Message: err.Error()}
	case errors.As(err, &capability):
		return http.StatusBadGateway, ErrorBody{
			Code:       CodeUpstream,
			Message:    capability.Error(),
			Capability: capability.Capability,
			Attempts:   capability.Attempts,
		}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal server error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error())
	}
	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	writeJSON(w, status, ErrorResponse{Error: body})
}

func badRequest(msg string) error {
	return domain.Invalidf("%s", msg)
}
