package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/teamrun/internal/api"
	"github.com/Iron-Ham/teamrun/internal/client"
	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/ledger"
	"github.com/Iron-Ham/teamrun/internal/logging"
	"github.com/Iron-Ham/teamrun/internal/session"
	"github.com/Iron-Ham/teamrun/internal/store"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// isolate points every config and data path at a temp dir and resets viper
// when the test ends.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Cleanup(viper.Reset)
	return dir
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(dir, "teamrun.db")
	cfg.Workspace.Root = filepath.Join(dir, "projects")
	cfg.Workspace.Watch = false
	cfg.Server.AuthToken = "tok"
	cfg.Agent.ScriptedTurns = 2
	cfg.Agent.ScriptedCost = 0.5
	cfg.Session.RetryInitialDelayMs = 1
	cfg.Session.RetryMaxDelayMs = 1
	cfg.Reconciler.AutoApply = false
	return cfg
}

// startServer wires a full server on cfg and points client commands at it.
func startServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	srv, err := newServer(context.Background(), cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	ts := httptest.NewServer(srv.api.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.shutdown(context.Background())
	})
	viper.Set("server.url", ts.URL)
	viper.Set("server.auth_token", cfg.Server.AuthToken)
	viper.Set("client.user", "alice")
	viper.Set("output.json", true)
	return srv
}

func runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := executeCommand(rootCmd, args...)
	if err != nil {
		t.Fatalf("%v failed: %v\nOutput: %s", args, err, out)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("%v: decode output: %v\nOutput: %s", args, err, out)
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "teamrun" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "teamrun")
	}

	expectedCmds := []string{"serve", "config", "team", "session", "changes", "budget", "rate", "build", "preview", "events"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestCommandFlow(t *testing.T) {
	dir := isolate(t)
	startServer(t, testConfig(dir))

	var team domain.Team
	runJSON(t, &team, "team", "create", "--name", "docs", "--budget", "5",
		"--agent", "Planner:planner", "--agent", "Coder:coder")
	if team.Owner != "alice" || len(team.Agents) != 2 {
		t.Fatalf("created team = %+v", team)
	}

	var sess domain.Session
	runJSON(t, &sess, "session", "start", "--team", team.ID, "--project", "site", "write", "the", "docs")
	if sess.Prompt != "write the docs" {
		t.Errorf("Prompt = %q", sess.Prompt)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !sess.Status.IsTerminal() {
		if time.Now().After(deadline) {
			t.Fatalf("session still %s", sess.Status)
		}
		time.Sleep(20 * time.Millisecond)
		runJSON(t, &sess, "session", "status", sess.ID)
	}
	if sess.Status != domain.StatusCompleted {
		t.Fatalf("Status = %s (%s)", sess.Status, sess.LastError)
	}

	var msgs []domain.Message
	runJSON(t, &msgs, "session", "messages", sess.ID)
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}

	var pending []domain.PendingChange
	runJSON(t, &pending, "changes", "list", "site")
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	var items []api.ResolveItem
	runJSON(t, &items, "changes", "apply", "site", pending[0].ID, pending[1].ID)
	for _, it := range items {
		if !it.Done || it.Error != nil {
			t.Errorf("resolve item = %+v", it)
		}
	}

	var budget ledger.BudgetStatus
	runJSON(t, &budget, "budget", team.ID)
	if budget.Used != 1 || budget.Limit != 5 {
		t.Errorf("budget = %+v, want used 1 of 5", budget)
	}

	var audit []domain.AuditEntry
	runJSON(t, &audit, "changes", "audit", "site")
	if len(audit) != 2 {
		t.Errorf("audit entries = %d, want 2", len(audit))
	}

	if _, err := executeCommand(rootCmd, "session", "stop", sess.ID); err == nil {
		t.Error("stopping a completed session succeeded")
	}

	viper.Set("output.json", false)
	out, err := executeCommand(rootCmd, "session", "status", sess.ID)
	if err != nil {
		t.Fatalf("session status failed: %v", err)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "$1.00") {
		t.Errorf("session status output = %q", out)
	}
}

func TestResolveReportsItemErrors(t *testing.T) {
	dir := isolate(t)
	startServer(t, testConfig(dir))
	viper.Set("output.json", false)

	out, err := executeCommand(rootCmd, "changes", "reject", "site", "missing")
	if err == nil {
		t.Fatal("rejecting an unknown change succeeded")
	}
	if !strings.Contains(out, "not_found") {
		t.Errorf("output = %q, want not_found", out)
	}
}

func TestNewServerRecoversState(t *testing.T) {
	dir := isolate(t)
	cfg := testConfig(dir)
	now := time.Now().UTC()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	team := &domain.Team{
		ID: "t1", Owner: "bob", Name: "crew", BudgetLimit: 2, BudgetUsed: 1.5, IsActive: true, CreatedAt: now,
		Agents: []domain.Agent{{ID: "a1", Name: "Planner", Role: domain.RolePlanner, Enabled: true}},
	}
	if err := st.CreateTeam(ctx, team); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateSession(ctx, &domain.Session{
		ID: "s1", TeamID: "t1", ProjectID: "p", Prompt: "x", Status: domain.StatusRunning,
		CurrentIteration: 2, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SavePendingChange(ctx, &domain.PendingChange{
		ID: "c1", ProjectID: "p", Operation: domain.OpCreate, Path: "a.txt", Content: "hi",
		Source: domain.SourceUserEdit, Timestamp: now, Seq: 1,
	}); err != nil {
		t.Fatal(err)
	}
	st.Close()

	srv, err := newServer(ctx, cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	defer srv.shutdown(ctx)

	if b := srv.ledger.BudgetStatus("t1"); b.Used != 1.5 || b.Limit != 2 {
		t.Errorf("ledger budget = %+v, want 1.5 of 2", b)
	}
	got, err := srv.sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.Reason != session.ReasonInterrupted {
		t.Errorf("session = %s (%q), want failed (%q)", got.Status, got.Reason, session.ReasonInterrupted)
	}
	if n := srv.changes.Len(); n != 1 {
		t.Errorf("restored changes = %d, want 1", n)
	}
}

func TestLedgerOptions(t *testing.T) {
	cfg := config.Default()
	l := ledger.New(ledgerOptions(cfg, nil)...)
	if got := l.LimitFor("/api/sessions"); got.MaxRequests != 100 || got.Window != time.Hour {
		t.Errorf("LimitFor(/api/sessions) = %+v", got)
	}
	if got := l.LimitFor("/api/teams"); got.MaxRequests != 1000 || got.Window != time.Minute {
		t.Errorf("LimitFor(/api/teams) = %+v", got)
	}
}

func TestParseTeamFile(t *testing.T) {
	const file = `
name: docs
owner: alice
budget_limit: 5.5
agents:
  - name: Planner
    role: planner
  - name: Writer
    role: coder
    adaptive_roles: [reviewer]
  - name: Idle
    role: tester
    enabled: false
`
	req, err := parseTeamFile(strings.NewReader(file))
	if err != nil {
		t.Fatalf("parseTeamFile() error = %v", err)
	}
	if req.Name != "docs" || req.Owner != "alice" || req.BudgetLimit != 5.5 {
		t.Errorf("team = %+v", req)
	}
	if req.IsActive != nil {
		t.Errorf("IsActive = %v, want unset", *req.IsActive)
	}
	if len(req.Agents) != 3 {
		t.Fatalf("agents = %d, want 3", len(req.Agents))
	}
	if !req.Agents[0].Enabled || !req.Agents[1].Enabled || req.Agents[2].Enabled {
		t.Errorf("enabled = %v %v %v, want true true false",
			req.Agents[0].Enabled, req.Agents[1].Enabled, req.Agents[2].Enabled)
	}
	if len(req.Agents[1].AdaptiveRoles) != 1 || req.Agents[1].AdaptiveRoles[0] != domain.RoleReviewer {
		t.Errorf("AdaptiveRoles = %v", req.Agents[1].AdaptiveRoles)
	}

	if _, err := parseTeamFile(strings.NewReader("name: x\nbudget: 3\n")); err == nil {
		t.Error("unknown field accepted")
	}
}

func TestParseAgentFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.Agent
		wantErr bool
	}{
		{in: "Planner:planner", want: domain.Agent{Name: "Planner", Role: domain.RolePlanner, Enabled: true}},
		{in: " Ada : Coder ", want: domain.Agent{Name: "Ada", Role: domain.RoleCoder, Enabled: true}},
		{in: "Planner", wantErr: true},
		{in: ":coder", wantErr: true},
		{in: "Bob:wizard", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAgentFlag(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAgentFlag(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && (got.Name != tt.want.Name || got.Role != tt.want.Role || !got.Enabled) {
				t.Errorf("parseAgentFlag(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		want       any
		wantErr    bool
	}{
		{key: "server.addr", value: "0.0.0.0:9000", want: "0.0.0.0:9000"},
		{key: "reconciler.auto_apply", value: "false", want: false},
		{key: "session.max_iterations", value: "7", want: 7},
		{key: "session.estimated_turn_cost", value: "0.02", want: 0.02},
		{key: "logging.level", value: "debug", want: "debug"},
		{key: "logging.level", value: "loud", wantErr: true},
		{key: "agent.backend", value: "carrier-pigeon", wantErr: true},
		{key: "session.max_iterations", value: "-1", wantErr: true},
		{key: "reconciler.auto_apply", value: "maybe", wantErr: true},
		{key: "nope.key", value: "1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := parseConfigValue(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestConfigSetWritesFile(t *testing.T) {
	isolate(t)

	out, err := executeCommand(rootCmd, "config", "set", "session.max_iterations", "7")
	if err != nil {
		t.Fatalf("config set failed: %v\nOutput: %s", err, out)
	}
	data, err := os.ReadFile(config.ConfigFile())
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), "max_iterations: 7") {
		t.Errorf("config file missing value:\n%s", data)
	}

	if _, err := executeCommand(rootCmd, "config", "set", "session.retry_max_delay_ms", "1"); err == nil {
		t.Error("config set accepted a value that fails validation")
	}
}

func TestConfigInit(t *testing.T) {
	isolate(t)
	if _, err := executeCommand(rootCmd, "config", "init"); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := os.Stat(config.ConfigFile()); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if _, err := executeCommand(rootCmd, "config", "init"); err == nil {
		t.Error("second config init succeeded")
	}
}

func TestFormatFrame(t *testing.T) {
	payload, _ := json.Marshal(event.ReasoningPayload{
		AgentName: "Planner", AgentRole: "planner", Iteration: 2, Content: "plan\nthe   work", Cost: 0.25,
	})
	f := client.Frame{Type: event.AgentReasoning, ProjectID: "p", Payload: payload, Timestamp: time.Now()}

	line := formatFrame(f, 0)
	if !strings.Contains(line, "#2 Planner (planner) $0.25: plan the work") {
		t.Errorf("formatFrame() = %q", line)
	}
	if short := formatFrame(f, 30); lipgloss.Width(short) > 30 || !strings.HasSuffix(short, "...") {
		t.Errorf("formatFrame(width 30) = %q", short)
	}

	payload, _ = json.Marshal(event.SessionPayload{Status: "failed", PreviousStatus: "running", Reason: "budget exhausted"})
	line = formatFrame(client.Frame{Type: event.SessionUpdate, Payload: payload}, 0)
	if !strings.Contains(line, "running -> failed") || !strings.Contains(line, "(budget exhausted)") {
		t.Errorf("formatFrame(session) = %q", line)
	}
}

func TestBudgetSummary(t *testing.T) {
	tests := []struct {
		used, limit float64
		want        string
	}{
		{0.5, 0, "$0.50 used, uncapped"},
		{1, 4, "$1.00 / $4.00"},
		{4.2, 4, "$4.20 / $4.00"},
	}
	for _, tt := range tests {
		if got := budgetSummary(tt.used, tt.limit); !strings.Contains(got, tt.want) {
			t.Errorf("budgetSummary(%v, %v) = %q, want %q", tt.used, tt.limit, got, tt.want)
		}
	}
}
