package config

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "session.max_turn_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidAgentBackends returns the list of valid agent backends
func ValidAgentBackends() []string {
	return []string{"http", "scripted"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLedger()...)
	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateReconciler()...)
	errors = append(errors, c.validateEvents()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateBuild()...)
	errors = append(errors, c.validateMaintenance()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func nonNegative(field string, v int) []ValidationError {
	if v < 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
	}
	return nil
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		})
	}
	errors = append(errors, nonNegative("server.read_timeout_sec", c.Server.ReadTimeoutSec)...)
	errors = append(errors, nonNegative("server.write_timeout_sec", c.Server.WriteTimeoutSec)...)

	return errors
}

func validateRate(field string, r RateLimitConfig) []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive(field+".window_sec", r.WindowSec)...)
	errors = append(errors, positive(field+".max_requests", r.MaxRequests)...)
	return errors
}

func (c *Config) validateLedger() []ValidationError {
	var errors []ValidationError

	errors = append(errors, validateRate("ledger.default_rate", c.Ledger.DefaultRate)...)
	for endpoint, r := range c.Ledger.Endpoints {
		if !strings.HasPrefix(endpoint, "/") {
			errors = append(errors, ValidationError{
				Field:   "ledger.endpoints",
				Value:   endpoint,
				Message: "endpoint must start with /",
			})
		}
		errors = append(errors, validateRate("ledger.endpoints."+endpoint, r)...)
	}
	if c.Ledger.UnconfiguredRemaining < 0 {
		errors = append(errors, ValidationError{
			Field:   "ledger.unconfigured_remaining",
			Value:   c.Ledger.UnconfiguredRemaining,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if c.Session.EstimatedTurnCost < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.estimated_turn_cost",
			Value:   c.Session.EstimatedTurnCost,
			Message: "must be non-negative",
		})
	}

	// Turn retries must stay bounded so a failing session always ends.
	const maxRetriesLimit = 20
	errors = append(errors, nonNegative("session.max_turn_retries", c.Session.MaxTurnRetries)...)
	if c.Session.MaxTurnRetries > maxRetriesLimit {
		errors = append(errors, ValidationError{
			Field:   "session.max_turn_retries",
			Value:   c.Session.MaxTurnRetries,
			Message: fmt.Sprintf("exceeds maximum of %d", maxRetriesLimit),
		})
	}
	errors = append(errors, nonNegative("session.retry_initial_delay_ms", c.Session.RetryInitialDelayMs)...)
	if c.Session.RetryMaxDelayMs < c.Session.RetryInitialDelayMs {
		errors = append(errors, ValidationError{
			Field:   "session.retry_max_delay_ms",
			Value:   c.Session.RetryMaxDelayMs,
			Message: "must be at least retry_initial_delay_ms",
		})
	}
	errors = append(errors, nonNegative("session.max_iterations", c.Session.MaxIterations)...)

	return errors
}

func (c *Config) validateReconciler() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegative("reconciler.auto_apply_delay_ms", c.Reconciler.AutoApplyDelayMs)...)
	errors = append(errors, nonNegative("reconciler.max_pending_age_hours", c.Reconciler.MaxPendingAgeHours)...)
	errors = append(errors, nonNegative("reconciler.audit_retention_days", c.Reconciler.AuditRetentionDays)...)
	for _, p := range c.Reconciler.ProtectedPaths {
		if _, err := glob.Compile(p, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   "reconciler.protected_paths",
				Value:   p,
				Message: fmt.Sprintf("invalid glob: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateEvents() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("events.send_buffer", c.Events.SendBuffer)...)
	errors = append(errors, positive("events.write_timeout_ms", c.Events.WriteTimeoutMs)...)
	errors = append(errors, nonNegative("events.ping_interval_sec", c.Events.PingIntervalSec)...)
	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidAgentBackends(), strings.ToLower(c.Agent.Backend)) {
		errors = append(errors, ValidationError{
			Field:   "agent.backend",
			Value:   c.Agent.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidAgentBackends(), ", ")),
		})
	}
	if strings.EqualFold(c.Agent.Backend, "http") && c.Agent.Endpoint == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.endpoint",
			Value:   c.Agent.Endpoint,
			Message: "required when agent.backend is http",
		})
	}
	errors = append(errors, nonNegative("agent.timeout_sec", c.Agent.TimeoutSec)...)
	errors = append(errors, nonNegative("agent.scripted_turns", c.Agent.ScriptedTurns)...)

	return errors
}

func (c *Config) validateBuild() []ValidationError {
	var errors []ValidationError
	errors = append(errors, nonNegative("build.timeout_sec", c.Build.TimeoutSec)...)
	errors = append(errors, nonNegative("build.max_output_bytes", c.Build.MaxOutputBytes)...)
	return errors
}

func (c *Config) validateMaintenance() []ValidationError {
	var errors []ValidationError

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for field, schedule := range map[string]string{
		"maintenance.prune_schedule":  c.Maintenance.PruneSchedule,
		"maintenance.expire_schedule": c.Maintenance.ExpireSchedule,
	} {
		if schedule == "" {
			continue
		}
		if _, err := parser.Parse(schedule); err != nil {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   schedule,
				Message: fmt.Sprintf("invalid schedule: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	errors = append(errors, nonNegative("logging.max_size_mb", c.Logging.MaxSizeMB)...)
	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}
