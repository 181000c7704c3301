package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete teamrun configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace" yaml:"workspace"`
	Ledger      LedgerConfig      `mapstructure:"ledger" yaml:"ledger"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler" yaml:"reconciler"`
	Events      EventsConfig      `mapstructure:"events" yaml:"events"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Build       BuildConfig       `mapstructure:"build" yaml:"build"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig controls the HTTP/WebSocket listener
type ServerConfig struct {
	// Addr is the listen address (default: "127.0.0.1:8420")
	Addr string `mapstructure:"addr" yaml:"addr"`
	// AuthToken is the bearer credential clients must present. Empty disables auth.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
	// ReadTimeoutSec bounds reading a request (default: 30)
	ReadTimeoutSec int `mapstructure:"read_timeout_sec" yaml:"read_timeout_sec"`
	// WriteTimeoutSec bounds writing a non-streaming response (default: 60)
	WriteTimeoutSec int `mapstructure:"write_timeout_sec" yaml:"write_timeout_sec"`
	// URL is the base URL CLI commands use to reach a running server
	URL string `mapstructure:"url" yaml:"url"`
}

// StorageConfig controls persistence
type StorageConfig struct {
	// Path is the SQLite database file. Empty means <data dir>/teamrun.db.
	Path string `mapstructure:"path" yaml:"path"`
}

// WorkspaceConfig controls where project files live
type WorkspaceConfig struct {
	// Root is the directory holding one subdirectory per project.
	// Empty means <data dir>/projects.
	Root string `mapstructure:"root" yaml:"root"`
	// Watch enables external edit detection (default: true)
	Watch bool `mapstructure:"watch" yaml:"watch"`
	// WatchDebounceMs collapses bursts of filesystem events (default: 50)
	WatchDebounceMs int `mapstructure:"watch_debounce_ms" yaml:"watch_debounce_ms"`
}

// RateLimitConfig is one sliding request window.
type RateLimitConfig struct {
	WindowSec   int `mapstructure:"window_sec" yaml:"window_sec"`
	MaxRequests int `mapstructure:"max_requests" yaml:"max_requests"`
}

// Window returns the window size as a time.Duration
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSec) * time.Second
}

// LedgerConfig controls budget and rate admission
type LedgerConfig struct {
	// DefaultRate applies to endpoints without an entry in Endpoints
	DefaultRate RateLimitConfig `mapstructure:"default_rate" yaml:"default_rate"`
	// Endpoints maps a route pattern (e.g. "/api/sessions") to its window
	Endpoints map[string]RateLimitConfig `mapstructure:"endpoints" yaml:"endpoints"`
	// UnconfiguredRemaining is reported for teams without a budget
	UnconfiguredRemaining float64 `mapstructure:"unconfigured_remaining" yaml:"unconfigured_remaining"`
	// RateIdlePruneMinutes controls how often empty rate windows are dropped (default: 10)
	RateIdlePruneMinutes int `mapstructure:"rate_idle_prune_minutes" yaml:"rate_idle_prune_minutes"`
}

// SessionConfig controls the agent turn loop
type SessionConfig struct {
	// EstimatedTurnCost is reserved from the team budget before each turn (default: 0.05)
	EstimatedTurnCost float64 `mapstructure:"estimated_turn_cost" yaml:"estimated_turn_cost"`
	// MaxTurnRetries is how many times a failed turn is retried before the session fails (default: 3)
	MaxTurnRetries int `mapstructure:"max_turn_retries" yaml:"max_turn_retries"`
	// RetryInitialDelayMs is the first retry delay (default: 500)
	RetryInitialDelayMs int `mapstructure:"retry_initial_delay_ms" yaml:"retry_initial_delay_ms"`
	// RetryMaxDelayMs caps the retry delay (default: 10000)
	RetryMaxDelayMs int `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	// MaxIterations ends a session as completed once reached (default: 50, 0 = unlimited)
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// RetryInitialDelay returns the first retry delay as a time.Duration
func (c *SessionConfig) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the retry cap as a time.Duration
func (c *SessionConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// ReconcilerConfig controls how proposed file changes are applied
type ReconcilerConfig struct {
	// AutoApply applies non-conflicting changes after AutoApplyDelayMs (default: true)
	AutoApply bool `mapstructure:"auto_apply" yaml:"auto_apply"`
	// ConfirmBeforeApply makes the sweep notify instead of apply (default: false)
	ConfirmBeforeApply bool `mapstructure:"confirm_before_apply" yaml:"confirm_before_apply"`
	// AutoApplyDelayMs is the sweep debounce (default: 1000)
	AutoApplyDelayMs int `mapstructure:"auto_apply_delay_ms" yaml:"auto_apply_delay_ms"`
	// ProtectedPaths are glob patterns no proposal may target
	ProtectedPaths []string `mapstructure:"protected_paths" yaml:"protected_paths"`
	// MaxPendingAgeHours expires pending changes older than this (default: 24, 0 = never)
	MaxPendingAgeHours int `mapstructure:"max_pending_age_hours" yaml:"max_pending_age_hours"`
	// AuditRetentionDays prunes older audit entries (default: 90, 0 = keep forever)
	AuditRetentionDays int `mapstructure:"audit_retention_days" yaml:"audit_retention_days"`
}

// AutoApplyDelay returns the sweep debounce as a time.Duration
func (c *ReconcilerConfig) AutoApplyDelay() time.Duration {
	return time.Duration(c.AutoApplyDelayMs) * time.Millisecond
}

// MaxPendingAge returns the pending change expiry as a time.Duration (0 means never)
func (c *ReconcilerConfig) MaxPendingAge() time.Duration {
	return time.Duration(c.MaxPendingAgeHours) * time.Hour
}

// EventsConfig controls real-time delivery
type EventsConfig struct {
	// SendBuffer is the per-connection outbound queue; a full queue detaches the connection (default: 256)
	SendBuffer int `mapstructure:"send_buffer" yaml:"send_buffer"`
	// WriteTimeoutMs bounds one WebSocket write (default: 10000)
	WriteTimeoutMs int `mapstructure:"write_timeout_ms" yaml:"write_timeout_ms"`
	// PingIntervalSec is how often the server pings idle connections (default: 30)
	PingIntervalSec int `mapstructure:"ping_interval_sec" yaml:"ping_interval_sec"`
}

// WriteTimeout returns the write timeout as a time.Duration
func (c *EventsConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// PingInterval returns the ping interval as a time.Duration
func (c *EventsConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

// AgentConfig selects the agent turn backend
type AgentConfig struct {
	// Backend is "http" or "scripted" (default: "scripted")
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Endpoint is the turn URL for the http backend
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// APIKey is sent as a bearer token by the http backend
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// TimeoutSec bounds one turn (default: 120)
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	// ScriptedTurns is how many turns the scripted backend runs before reporting done (default: 3)
	ScriptedTurns int `mapstructure:"scripted_turns" yaml:"scripted_turns"`
	// ScriptedCost is the cost the scripted backend reports per turn (default: 0.01)
	ScriptedCost float64 `mapstructure:"scripted_cost" yaml:"scripted_cost"`
}

// Timeout returns the turn timeout as a time.Duration
func (c *AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// BuildConfig controls the build and preview commands run in a project directory
type BuildConfig struct {
	// BuildCommand is run through the shell (default: "npm run build")
	BuildCommand string `mapstructure:"build_command" yaml:"build_command"`
	// PreviewCommand starts a long-running preview server (default: "npm run dev")
	PreviewCommand string `mapstructure:"preview_command" yaml:"preview_command"`
	// PreviewURL is the address reported in preview_ready (default: "http://localhost:5173")
	PreviewURL string `mapstructure:"preview_url" yaml:"preview_url"`
	// TimeoutSec bounds one build (default: 600)
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	// MaxOutputBytes truncates captured build output (default: 65536)
	MaxOutputBytes int `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
}

// Timeout returns the build timeout as a time.Duration
func (c *BuildConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// TelemetryConfig controls OpenTelemetry metric export
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Endpoint is the OTLP gRPC collector address (default: "localhost:4317")
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// Insecure disables TLS to the collector
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`
	// IntervalSec is the export period (default: 30)
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`
}

// Interval returns the export period as a time.Duration
func (c *TelemetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// MaintenanceConfig schedules housekeeping jobs (cron syntax, empty disables)
type MaintenanceConfig struct {
	// PruneSchedule drops idle rate windows and old audit entries (default: "@every 10m")
	PruneSchedule string `mapstructure:"prune_schedule" yaml:"prune_schedule"`
	// ExpireSchedule rejects stale pending changes (default: "@every 1h")
	ExpireSchedule string `mapstructure:"expire_schedule" yaml:"expire_schedule"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir writes logs to <dir>/teamrun.log instead of stderr
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the log size that triggers rotation (default: 20)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is how many rotated files to keep (default: 5)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8420",
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 60,
			URL:             "http://127.0.0.1:8420",
		},
		Workspace: WorkspaceConfig{
			Watch:           true,
			WatchDebounceMs: 50,
		},
		Ledger: LedgerConfig{
			DefaultRate: RateLimitConfig{WindowSec: 60, MaxRequests: 1000},
			Endpoints: map[string]RateLimitConfig{
				"/api/sessions": {WindowSec: 3600, MaxRequests: 100},
			},
			UnconfiguredRemaining: 1_000_000,
			RateIdlePruneMinutes:  10,
		},
		Session: SessionConfig{
			EstimatedTurnCost:   0.05,
			MaxTurnRetries:      3,
			RetryInitialDelayMs: 500,
			RetryMaxDelayMs:     10_000,
			MaxIterations:       50,
		},
		Reconciler: ReconcilerConfig{
			AutoApply:          true,
			ConfirmBeforeApply: false,
			AutoApplyDelayMs:   1000,
			ProtectedPaths:     []string{".git/**", "node_modules/**"},
			MaxPendingAgeHours: 24,
			AuditRetentionDays: 90,
		},
		Events: EventsConfig{
			SendBuffer:      256,
			WriteTimeoutMs:  10_000,
			PingIntervalSec: 30,
		},
		Agent: AgentConfig{
			Backend:       "scripted",
			TimeoutSec:    120,
			ScriptedTurns: 3,
			ScriptedCost:  0.01,
		},
		Build: BuildConfig{
			BuildCommand:   "npm run build",
			PreviewCommand: "npm run dev",
			PreviewURL:     "http://localhost:5173",
			TimeoutSec:     600,
			MaxOutputBytes: 64 << 10,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Insecure:    true,
			IntervalSec: 30,
		},
		Maintenance: MaintenanceConfig{
			PruneSchedule:  "@every 10m",
			ExpireSchedule: "@every 1h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	d := Default()

	viper.SetDefault("server.addr", d.Server.Addr)
	viper.SetDefault("server.auth_token", d.Server.AuthToken)
	viper.SetDefault("server.read_timeout_sec", d.Server.ReadTimeoutSec)
	viper.SetDefault("server.write_timeout_sec", d.Server.WriteTimeoutSec)
	viper.SetDefault("server.url", d.Server.URL)

	viper.SetDefault("storage.path", d.Storage.Path)

	viper.SetDefault("workspace.root", d.Workspace.Root)
	viper.SetDefault("workspace.watch", d.Workspace.Watch)
	viper.SetDefault("workspace.watch_debounce_ms", d.Workspace.WatchDebounceMs)

	viper.SetDefault("ledger.default_rate.window_sec", d.Ledger.DefaultRate.WindowSec)
	viper.SetDefault("ledger.default_rate.max_requests", d.Ledger.DefaultRate.MaxRequests)
	viper.SetDefault("ledger.endpoints", d.Ledger.Endpoints)
	viper.SetDefault("ledger.unconfigured_remaining", d.Ledger.UnconfiguredRemaining)
	viper.SetDefault("ledger.rate_idle_prune_minutes", d.Ledger.RateIdlePruneMinutes)

	viper.SetDefault("session.estimated_turn_cost", d.Session.EstimatedTurnCost)
	viper.SetDefault("session.max_turn_retries", d.Session.MaxTurnRetries)
	viper.SetDefault("session.retry_initial_delay_ms", d.Session.RetryInitialDelayMs)
	viper.SetDefault("session.retry_max_delay_ms", d.Session.RetryMaxDelayMs)
	viper.SetDefault("session.max_iterations", d.Session.MaxIterations)

	viper.SetDefault("reconciler.auto_apply", d.Reconciler.AutoApply)
	viper.SetDefault("reconciler.confirm_before_apply", d.Reconciler.ConfirmBeforeApply)
	viper.SetDefault("reconciler.auto_apply_delay_ms", d.Reconciler.AutoApplyDelayMs)
	viper.SetDefault("reconciler.protected_paths", d.Reconciler.ProtectedPaths)
	viper.SetDefault("reconciler.max_pending_age_hours", d.Reconciler.MaxPendingAgeHours)
	viper.SetDefault("reconciler.audit_retention_days", d.Reconciler.AuditRetentionDays)

	viper.SetDefault("events.send_buffer", d.Events.SendBuffer)
	viper.SetDefault("events.write_timeout_ms", d.Events.WriteTimeoutMs)
	viper.SetDefault("events.ping_interval_sec", d.Events.PingIntervalSec)

	viper.SetDefault("agent.backend", d.Agent.Backend)
	viper.SetDefault("agent.endpoint", d.Agent.Endpoint)
	viper.SetDefault("agent.api_key", d.Agent.APIKey)
	viper.SetDefault("agent.timeout_sec", d.Agent.TimeoutSec)
	viper.SetDefault("agent.scripted_turns", d.Agent.ScriptedTurns)
	viper.SetDefault("agent.scripted_cost", d.Agent.ScriptedCost)

	viper.SetDefault("build.build_command", d.Build.BuildCommand)
	viper.SetDefault("build.preview_command", d.Build.PreviewCommand)
	viper.SetDefault("build.preview_url", d.Build.PreviewURL)
	viper.SetDefault("build.timeout_sec", d.Build.TimeoutSec)
	viper.SetDefault("build.max_output_bytes", d.Build.MaxOutputBytes)

	viper.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	viper.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	viper.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	viper.SetDefault("telemetry.interval_sec", d.Telemetry.IntervalSec)

	viper.SetDefault("maintenance.prune_schedule", d.Maintenance.PruneSchedule)
	viper.SetDefault("maintenance.expire_schedule", d.Maintenance.ExpireSchedule)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.dir", d.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	viper.SetDefault("logging.compress", d.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when
// the loaded values are invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "teamrun")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teamrun"
	}
	return filepath.Join(home, ".config", "teamrun")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the directory for the database, lock file and default
// project workspace.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "teamrun")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teamrun"
	}
	return filepath.Join(home, ".local", "share", "teamrun")
}

// DatabasePath resolves storage.path, defaulting into DataDir.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" {
		return expandHome(c.Storage.Path)
	}
	return filepath.Join(DataDir(), "teamrun.db")
}

// WorkspaceRoot resolves workspace.root, defaulting into DataDir.
func (c *Config) WorkspaceRoot() string {
	if c.Workspace.Root != "" {
		return expandHome(c.Workspace.Root)
	}
	return filepath.Join(DataDir(), "projects")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
