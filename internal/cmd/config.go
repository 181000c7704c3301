package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify teamrun configuration",
	Long: `View or modify teamrun configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  teamrun config set server.addr 0.0.0.0:8420
  teamrun config set reconciler.auto_apply false
  teamrun config set session.estimated_turn_cost 0.02

Run 'teamrun config keys' to list every settable key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE:  runConfigKeys,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/teamrun/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

type keyKind int

const (
	kindString keyKind = iota
	kindBool
	kindInt
	kindFloat
)

func (k keyKind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindInt:
		return "int"
	case kindFloat:
		return "float"
	default:
		return "string"
	}
}

// settableKeys lists the scalar keys 'config set' accepts. Map and list
// settings (ledger.endpoints, reconciler.protected_paths) are edited in
// the file directly.
var settableKeys = map[string]keyKind{
	"server.addr":                      kindString,
	"server.auth_token":                kindString,
	"server.url":                       kindString,
	"server.read_timeout_sec":          kindInt,
	"server.write_timeout_sec":         kindInt,
	"storage.path":                     kindString,
	"workspace.root":                   kindString,
	"workspace.watch":                  kindBool,
	"workspace.watch_debounce_ms":      kindInt,
	"ledger.default_rate.window_sec":   kindInt,
	"ledger.default_rate.max_requests": kindInt,
	"ledger.unconfigured_remaining":    kindFloat,
	"session.estimated_turn_cost":      kindFloat,
	"session.max_turn_retries":         kindInt,
	"session.retry_initial_delay_ms":   kindInt,
	"session.retry_max_delay_ms":       kindInt,
	"session.max_iterations":           kindInt,
	"reconciler.auto_apply":            kindBool,
	"reconciler.confirm_before_apply":  kindBool,
	"reconciler.auto_apply_delay_ms":   kindInt,
	"reconciler.max_pending_age_hours": kindInt,
	"reconciler.audit_retention_days":  kindInt,
	"events.send_buffer":               kindInt,
	"events.write_timeout_ms":          kindInt,
	"events.ping_interval_sec":         kindInt,
	"agent.backend":                    kindString,
	"agent.endpoint":                   kindString,
	"agent.api_key":                    kindString,
	"agent.timeout_sec":                kindInt,
	"agent.scripted_turns":             kindInt,
	"agent.scripted_cost":              kindFloat,
	"build.build_command":              kindString,
	"build.preview_command":            kindString,
	"build.preview_url":                kindString,
	"build.timeout_sec":                kindInt,
	"build.max_output_bytes":           kindInt,
	"telemetry.enabled":                kindBool,
	"telemetry.endpoint":               kindString,
	"telemetry.insecure":               kindBool,
	"telemetry.interval_sec":           kindInt,
	"maintenance.prune_schedule":       kindString,
	"maintenance.expire_schedule":      kindString,
	"logging.level":                    kindString,
	"logging.dir":                      kindString,
	"logging.max_size_mb":              kindInt,
	"logging.max_backups":              kindInt,
	"logging.compress":                 kindBool,
}

// parseConfigValue converts value to the type key expects.
func parseConfigValue(key, value string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'teamrun config keys' to see valid keys", key)
	}
	switch kind {
	case kindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case kindFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		if f < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return f, nil
	default:
		if key == "logging.level" && !slices.Contains(config.ValidLogLevels(), value) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(config.ValidLogLevels(), ", "))
		}
		if key == "agent.backend" && !slices.Contains(config.ValidAgentBackends(), value) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(config.ValidAgentBackends(), ", "))
		}
		return value, nil
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(out, "Configuration is invalid, showing defaults:\n%v\n\n", err)
		cfg = config.Default()
	}
	if cfg.Server.AuthToken != "" {
		cfg.Server.AuthToken = "********"
	}
	if cfg.Agent.APIKey != "" {
		cfg.Agent.APIKey = "********"
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	typedValue, err := parseConfigValue(key, value)
	if err != nil {
		return err
	}

	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)
	if errs := mustLoad().Validate(); len(errs) > 0 {
		return config.ValidationErrors(errs)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

// mustLoad unmarshals viper into a Config without validating it.
func mustLoad() *config.Config {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return config.Default()
	}
	return &cfg
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	keys := make([]string, 0, len(settableKeys))
	for k := range settableKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-36s %s\n", k, settableKeys[k])
	}
	return nil
}

const defaultConfigFile = `# teamrun configuration

server:
  # Listen address for 'teamrun serve'
  addr: 127.0.0.1:8420
  # Bearer token required on every request; empty disables auth
  auth_token: ""
  # Base URL client commands talk to
  url: http://127.0.0.1:8420

# Team budgets and per-user request rates
ledger:
  default_rate:
    window_sec: 60
    max_requests: 1000
  # Per-route overrides, keyed by route pattern
  endpoints:
    /api/sessions:
      window_sec: 3600
      max_requests: 100

session:
  # Estimated spend admitted before each agent turn
  estimated_turn_cost: 0.05
  # Transient generation failures retried per turn
  max_turn_retries: 3
  max_iterations: 50

reconciler:
  # Apply non-conflicting changes without review
  auto_apply: true
  # Hold every change for review even when auto_apply is on
  confirm_before_apply: false
  auto_apply_delay_ms: 1000
  protected_paths:
    - .git/**
    - node_modules/**
  max_pending_age_hours: 24
  audit_retention_days: 90

agent:
  # scripted (offline) or http
  backend: scripted
  endpoint: ""

build:
  build_command: npm run build
  preview_command: npm run dev
  preview_url: http://localhost:5173

telemetry:
  enabled: false
  endpoint: localhost:4317

maintenance:
  prune_schedule: "@every 10m"
  expire_schedule: "@every 1h"

logging:
  # debug, info, warn or error
  level: info
  # Empty logs to stderr
  dir: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'teamrun config set' to modify values", configFile)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. $HOME/.config/teamrun/config.yaml")
	fmt.Fprintln(out, "  3. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: TEAMRUN_* (e.g., TEAMRUN_SERVER_AUTH_TOKEN)")
	fmt.Fprintf(out, "Data directory: %s\n", config.DataDir())
	return nil
}
