package ledger

import (
	"time"

	"github.com/Iron-Ham/teamrun/internal/logging"
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now. Tests use it to step rate windows.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithLogger sets the logger used for overshoot warnings.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger.With("component", "ledger")
		}
	}
}

// WithDefaultRateLimit sets the limit applied to endpoints without their
// own entry.
func WithDefaultRateLimit(limit RateLimit) Option {
	return func(l *Ledger) {
		if limit.valid() {
			l.defaultLimit = limit
		}
	}
}

// WithRateLimit sets the limit for one endpoint.
func WithRateLimit(endpoint string, limit RateLimit) Option {
	return func(l *Ledger) {
		if limit.valid() {
			l.limits[endpoint] = limit
		}
	}
}

// WithUnconfiguredRemaining sets the remaining budget reported for teams
// without a configured limit.
func WithUnconfiguredRemaining(v float64) Option {
	return func(l *Ledger) {
		if v > 0 {
			l.unconfiguredRemaining = v
		}
	}
}
