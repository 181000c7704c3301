package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/teamrun/internal/agent"
	"github.com/Iron-Ham/teamrun/internal/build"
	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/ledger"
	"github.com/Iron-Ham/teamrun/internal/reconcile"
	"github.com/Iron-Ham/teamrun/internal/session"
	"github.com/Iron-Ham/teamrun/internal/store"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

const testToken = "s3cret"

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	api      *Server
	store    *store.Store
	ledger   *ledger.Ledger
	bus      *event.Bus
	registry *event.Registry
	ws       *workspace.Workspace
	changes  *reconcile.Reconciler
}

type harnessOptions struct {
	ledgerOpts  []ledger.Option
	sessionCfg  *session.Config
	gen         agent.Generator
	buildCfg    config.BuildConfig
	reconcileCf reconcile.Config
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bus := event.NewBus(nil)
	registry := event.NewRegistry(64, nil)
	registry.Attach(bus)
	l := ledger.New(opts.ledgerOpts...)

	changes, err := reconcile.New(ws, bus, opts.reconcileCf, reconcile.WithStore(st))
	if err != nil {
		t.Fatal(err)
	}
	cfg := session.Config{
		EstimatedTurnCost: 0.1,
		MaxTurnRetries:    1,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     time.Millisecond,
		MaxIterations:     10,
	}
	if opts.sessionCfg != nil {
		cfg = *opts.sessionCfg
	}
	gen := opts.gen
	if gen == nil {
		gen = agent.NewScripted(2, 0.5)
	}
	mgr := session.NewManager(gen, l, changes, bus, cfg, session.WithStore(st), session.WithFiles(ws))
	builds := build.NewRunner(ws, bus, opts.buildCfg, nil)

	s := New(Config{AuthToken: testToken, WriteTimeout: time.Second, PingInterval: time.Second}, Deps{
		Teams:    st,
		Sessions: mgr,
		Changes:  changes,
		Files:    ws,
		Builds:   builds,
		Audit:    st,
		Ledger:   l,
		Registry: registry,
	})
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		builds.Close()
		changes.Close()
		registry.Close()
		st.Close()
	})
	return &harness{
		t: t, srv: srv, api: s, store: st, ledger: l,
		bus: bus, registry: registry, ws: ws, changes: changes,
	}
}

func (h *harness) do(method, path string, body any, out any) *http.Response {
	h.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	if err != nil {
		h.t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			h.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp
}

func (h *harness) createTeam(limit float64) domain.Team {
	h.t.Helper()
	var team domain.Team
	resp := h.do(http.MethodPost, "/api/teams", map[string]any{
		"owner":       "alice",
		"name":        "squad",
		"budgetLimit": limit,
		"agents": []map[string]any{
			{"name": "Coder", "role": "coder", "enabled": true},
			{"name": "Planner", "role": "planner", "enabled": true},
		},
	}, &team)
	if resp.StatusCode != http.StatusCreated {
		h.t.Fatalf("create team status = %d", resp.StatusCode)
	}
	return team
}

func (h *harness) waitSession(id string, done func(domain.Session) bool) domain.Session {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var sess domain.Session
		h.do(http.MethodGet, "/api/sessions/"+id, nil, &sess)
		if done(sess) {
			return sess
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("session %s stuck at %+v", id, sess)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func terminal(s domain.Session) bool { return s.Status.IsTerminal() }

func TestAuthentication(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health needs no token", "/healthz", "", http.StatusOK},
		{"missing token", "/api/teams", "", http.StatusUnauthorized},
		{"wrong token", "/api/teams", "Bearer nope", http.StatusUnauthorized},
		{"header token", "/api/teams", "Bearer " + testToken, http.StatusOK},
		{"query token", "/api/teams?token=" + testToken, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, h.srv.URL+tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestTeamLifecycle(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	team := h.createTeam(25)

	if team.ID == "" || !team.IsActive || len(team.Agents) != 2 || team.Agents[0].ID == "" {
		t.Errorf("created team = %+v", team)
	}

	var got domain.Team
	if resp := h.do(http.MethodGet, "/api/teams/"+team.ID, nil, &got); resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got.Name != "squad" || got.BudgetLimit != 25 {
		t.Errorf("GET team = %+v", got)
	}

	var list []domain.Team
	h.do(http.MethodGet, "/api/teams?owner=alice", nil, &list)
	if len(list) != 1 {
		t.Errorf("list = %d teams, want 1", len(list))
	}
	h.do(http.MethodGet, "/api/teams?owner=bob", nil, &list)
	if len(list) != 0 {
		t.Errorf("bob's list = %d teams, want 0", len(list))
	}

	var budget ledger.BudgetStatus
	h.do(http.MethodGet, "/api/teams/"+team.ID+"/budget", nil, &budget)
	if !budget.Configured || budget.Limit != 25 || budget.Remaining != 25 {
		t.Errorf("budget = %+v", budget)
	}

	if resp := h.do(http.MethodDelete, "/api/teams/"+team.ID, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	var errResp ErrorResponse
	if resp := h.do(http.MethodGet, "/api/teams/"+team.ID, nil, &errResp); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
	if errResp.Error.Code != CodeNotFound {
		t.Errorf("error code = %q, want %q", errResp.Error.Code, CodeNotFound)
	}
}

func TestDeleteTeamStopsSessionsAndClosesBudget(t *testing.T) {
	entered := make(chan struct{}, 1)
	gen := agent.GeneratorFunc(func(ctx context.Context, tc agent.TurnContext) (agent.TurnResult, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return agent.TurnResult{}, ctx.Err()
	})
	h := newHarness(t, harnessOptions{gen: gen})
	team := h.createTeam(1)
	h.ledger.SetTeam(team.ID, 1, 0.9)

	var sess domain.Session
	if resp := h.do(http.MethodPost, "/api/sessions", map[string]string{
		"teamId": team.ID, "projectId": "p1", "prompt": "build",
	}, &sess); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started")
	}

	if resp := h.do(http.MethodDelete, "/api/teams/"+team.ID, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	final := h.waitSession(sess.ID, terminal)
	if final.Status != domain.StatusStopped || final.Reason != session.ReasonTeamDeleted {
		t.Errorf("session after team delete = %s (%s)", final.Status, final.Reason)
	}
	if d := h.ledger.CheckBudget(team.ID, 0.5); d.Allowed {
		t.Errorf("budget after team delete = %+v, want denied", d)
	}

	var errResp ErrorResponse
	if resp := h.do(http.MethodDelete, "/api/teams/missing", nil, &errResp); resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing team status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateTeamValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tests := []struct {
		name string
		body map[string]any
	}{
		{"no name", map[string]any{"owner": "alice", "agents": []map[string]any{{"name": "a", "role": "coder"}}}},
		{"no agents", map[string]any{"owner": "alice", "name": "x"}},
		{"bad role", map[string]any{"owner": "alice", "name": "x", "agents": []map[string]any{{"name": "a", "role": "wizard"}}}},
		{"negative budget", map[string]any{"owner": "alice", "name": "x", "budgetLimit": -1, "agents": []map[string]any{{"name": "a", "role": "coder"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			resp := h.do(http.MethodPost, "/api/teams", tt.body, &errResp)
			if resp.StatusCode != http.StatusBadRequest || errResp.Error.Code != CodeInvalidInput {
				t.Errorf("status = %d code = %q, want 400 %s", resp.StatusCode, errResp.Error.Code, CodeInvalidInput)
			}
		})
	}
}

func TestSessionRunsAndChangesApply(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	team := h.createTeam(10)

	var sess domain.Session
	resp := h.do(http.MethodPost, "/api/sessions", map[string]string{
		"teamId": team.ID, "projectId": "p1", "prompt": "build a todo app",
	}, &sess)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	final := h.waitSession(sess.ID, terminal)
	if final.Status != domain.StatusCompleted || final.CurrentIteration != 3 || final.TotalCost != 1 {
		t.Errorf("final session = %+v", final)
	}

	var msgs []domain.Message
	h.do(http.MethodGet, "/api/sessions/"+sess.ID+"/messages", nil, &msgs)
	if len(msgs) != 2 || msgs[0].AgentName != "Planner" || msgs[1].Iteration != 2 {
		t.Errorf("messages = %+v", msgs)
	}

	var budget ledger.BudgetStatus
	h.do(http.MethodGet, "/api/teams/"+team.ID+"/budget", nil, &budget)
	if budget.Used != 1 || budget.Remaining != 9 {
		t.Errorf("budget after session = %+v", budget)
	}

	var pending []domain.PendingChange
	h.do(http.MethodGet, "/api/projects/p1/changes", nil, &pending)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	ids := []string{pending[0].ID, pending[1].ID, "nope"}

	var out ResolveResponse
	h.do(http.MethodPost, "/api/projects/p1/changes/resolve", map[string]any{
		"ids": ids, "decision": "apply",
	}, &out)
	if len(out.Results) != 3 {
		t.Fatalf("results = %+v", out.Results)
	}
	for _, r := range out.Results[:2] {
		if !r.Done || r.Fingerprint == "" || r.Error != nil {
			t.Errorf("result = %+v", r)
		}
	}
	if r := out.Results[2]; r.Done || r.Error == nil || r.Error.Code != CodeNotFound {
		t.Errorf("unknown id result = %+v", r)
	}

	var file FileResponse
	resp = h.do(http.MethodGet, "/api/projects/p1/files/notes/planner.md", nil, &file)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read file status = %d", resp.StatusCode)
	}
	if !strings.Contains(file.Content, "# Planner") || file.Fingerprint != workspace.Fingerprint([]byte(file.Content)) {
		t.Errorf("file = %+v", file)
	}

	var audit []domain.AuditEntry
	h.do(http.MethodGet, "/api/projects/p1/audit", nil, &audit)
	if len(audit) != 2 || audit[0].Decision != domain.DecisionApply {
		t.Errorf("audit = %+v", audit)
	}

	var errResp ErrorResponse
	resp = h.do(http.MethodPost, "/api/sessions/"+sess.ID+"/pause", nil, &errResp)
	if resp.StatusCode != http.StatusConflict || errResp.Error.Code != CodeTerminalSession {
		t.Errorf("pause completed = %d %q", resp.StatusCode, errResp.Error.Code)
	}
}

func TestSessionBudgetExhausted(t *testing.T) {
	cfg := session.Config{EstimatedTurnCost: 0.6, MaxIterations: 10}
	h := newHarness(t, harnessOptions{sessionCfg: &cfg})

	team := domain.Team{
		ID: "t1", Owner: "alice", Name: "broke", BudgetLimit: 10, BudgetUsed: 9.5, IsActive: true,
		Agents: []domain.Agent{{ID: "a1", Name: "Coder", Role: domain.RoleCoder, Enabled: true}},
	}
	if err := h.store.CreateTeam(context.Background(), &team); err != nil {
		t.Fatal(err)
	}

	var budget ledger.BudgetStatus
	h.do(http.MethodGet, "/api/teams/t1/budget", nil, &budget)
	if budget.Remaining != 0.5 {
		t.Errorf("remaining = %v, want 0.5", budget.Remaining)
	}

	var sess domain.Session
	h.do(http.MethodPost, "/api/sessions", map[string]string{"teamId": "t1", "projectId": "p1", "prompt": "go"}, &sess)
	final := h.waitSession(sess.ID, terminal)
	if final.Status != domain.StatusFailed || final.Reason != session.ReasonBudgetExhausted {
		t.Errorf("final = %s (%s)", final.Status, final.Reason)
	}
	if !strings.Contains(final.LastError, "0.50") {
		t.Errorf("LastError = %q", final.LastError)
	}
}

func TestSessionErrors(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	team := h.createTeam(0)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"unknown team", http.MethodPost, "/api/sessions", map[string]string{"teamId": "x", "projectId": "p1", "prompt": "go"}, 404, CodeNotFound},
		{"missing team", http.MethodPost, "/api/sessions", map[string]string{"projectId": "p1", "prompt": "go"}, 400, CodeInvalidInput},
		{"bad project", http.MethodPost, "/api/sessions", map[string]string{"teamId": team.ID, "projectId": "a/b", "prompt": "go"}, 400, CodeInvalidPath},
		{"empty prompt", http.MethodPost, "/api/sessions", map[string]string{"teamId": team.ID, "projectId": "p1"}, 400, CodeInvalidInput},
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, 404, CodeNotFound},
		{"pause unknown", http.MethodPost, "/api/sessions/nope/pause", nil, 404, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			resp := h.do(tt.method, tt.path, tt.body, &errResp)
			if resp.StatusCode != tt.wantCode || errResp.Error.Code != tt.wantErr {
				t.Errorf("got %d %q, want %d %q", resp.StatusCode, errResp.Error.Code, tt.wantCode, tt.wantErr)
			}
		})
	}
}

func TestProposeAndResolveErrors(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	var errResp ErrorResponse
	resp := h.do(http.MethodPost, "/api/projects/p1/changes", map[string]string{
		"operation": "create", "path": ".git/config", "content": "x",
	}, &errResp)
	if resp.StatusCode != http.StatusForbidden || errResp.Error.Code != CodeProtectedPath {
		t.Errorf("protected = %d %q", resp.StatusCode, errResp.Error.Code)
	}

	resp = h.do(http.MethodPost, "/api/projects/p1/changes", map[string]string{
		"operation": "create", "path": "../escape", "content": "x",
	}, &errResp)
	if resp.StatusCode != http.StatusBadRequest || errResp.Error.Code != CodeInvalidPath {
		t.Errorf("escape = %d %q", resp.StatusCode, errResp.Error.Code)
	}

	resp = h.do(http.MethodPost, "/api/projects/p1/changes", map[string]string{
		"operation": "rename", "path": "a.txt",
	}, &errResp)
	if resp.StatusCode != http.StatusBadRequest || errResp.Error.Code != CodeInvalidInput {
		t.Errorf("bad op = %d %q", resp.StatusCode, errResp.Error.Code)
	}

	// Stale base fingerprint is flagged as a conflict.
	if _, _, err := h.ws.Write("p1", "a.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	var change domain.PendingChange
	resp = h.do(http.MethodPost, "/api/projects/p1/changes", map[string]string{
		"operation": "update", "path": "a.txt", "content": "v2", "source": "ai_chat",
		"baseFingerprint": workspace.Fingerprint([]byte("v0")),
	}, &change)
	if resp.StatusCode != http.StatusCreated || change.Conflict == nil || change.Conflict.Reason != domain.ConflictStaleBase {
		t.Fatalf("propose = %d %+v", resp.StatusCode, change)
	}

	var out ResolveResponse
	h.do(http.MethodPost, "/api/projects/p1/changes/resolve", map[string]any{"ids": []string{change.ID}, "decision": "apply"}, &out)
	if r := out.Results[0]; r.Done || r.Error == nil || r.Error.Code != CodeConflict || r.Error.Conflict == nil {
		t.Errorf("conflicting apply = %+v", r)
	}

	// A change is invisible through another project.
	h.do(http.MethodPost, "/api/projects/p2/changes/resolve", map[string]any{"ids": []string{change.ID}, "decision": "reject"}, &out)
	if r := out.Results[0]; r.Done || r.Error == nil || r.Error.Code != CodeNotFound {
		t.Errorf("cross-project resolve = %+v", r)
	}

	h.do(http.MethodPost, "/api/projects/p1/changes/resolve", map[string]any{"ids": []string{change.ID}, "decision": "apply", "override": true}, &out)
	if r := out.Results[0]; !r.Done || r.Fingerprint != workspace.Fingerprint([]byte("v2")) {
		t.Errorf("override apply = %+v", r)
	}

	resp = h.do(http.MethodPost, "/api/projects/p1/changes/resolve", map[string]any{"ids": []string{"x"}, "decision": "maybe"}, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid decision status = %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{
		ledgerOpts: []ledger.Option{ledger.WithRateLimit("/api/teams", ledger.RateLimit{Window: time.Minute, MaxRequests: 2})},
	})

	for i := 0; i < 2; i++ {
		if resp := h.do(http.MethodGet, "/api/teams", nil, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	var errResp ErrorResponse
	resp := h.do(http.MethodGet, "/api/teams", nil, &errResp)
	if resp.StatusCode != http.StatusTooManyRequests || errResp.Error.Code != CodeRateLimited {
		t.Fatalf("third request = %d %q", resp.StatusCode, errResp.Error.Code)
	}
	if resp.Header.Get("Retry-After") == "" || errResp.Error.RetryAfterSeconds < 1 {
		t.Errorf("Retry-After = %q, body %d", resp.Header.Get("Retry-After"), errResp.Error.RetryAfterSeconds)
	}

	// Another endpoint has its own window.
	var status ledger.RateStatus
	if resp := h.do(http.MethodGet, "/api/rate?endpoint=/api/teams", nil, &status); resp.StatusCode != http.StatusOK {
		t.Fatalf("rate status = %d", resp.StatusCode)
	}
	if status.Used != 2 || status.Remaining != 0 || status.MaxRequests != 2 {
		t.Errorf("rate status = %+v", status)
	}
}

func TestRoutePattern(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tests := map[string]string{
		"/api/sessions":                 "/api/sessions",
		"/api/sessions/abc/pause":       "/api/sessions/{sessionID}/pause",
		"/api/projects/p1/changes":      "/api/projects/{projectID}/changes",
		"/api/projects/p1/files/a/b.go": "/api/projects/{projectID}/files/*",
		"/nowhere":                      "/nowhere",
	}
	for path, want := range tests {
		method := http.MethodGet
		if strings.HasSuffix(path, "/pause") {
			method = http.MethodPost
		}
		req := httptest.NewRequest(method, path, nil)
		if got := h.api.routePattern(req); got != want {
			t.Errorf("routePattern(%s) = %q, want %q", path, got, want)
		}
	}
}

func TestBuildEndpoints(t *testing.T) {
	h := newHarness(t, harnessOptions{buildCfg: config.BuildConfig{
		BuildCommand:   "echo ok",
		PreviewCommand: "exec sleep 30",
		PreviewURL:     "http://localhost:5173",
		TimeoutSec:     10,
	}})

	built := make(chan event.Event, 4)
	h.bus.Subscribe(event.BuildCompleted, func(e event.Event) { built <- e })

	if resp := h.do(http.MethodPost, "/api/projects/p1/build", nil, nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("build status = %d", resp.StatusCode)
	}
	select {
	case e := <-built:
		if p := e.Payload.(event.BuildPayload); !strings.Contains(p.Output, "ok") {
			t.Errorf("build output = %q", p.Output)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("build_completed not published")
	}

	var preview map[string]string
	if resp := h.do(http.MethodPost, "/api/projects/p1/preview", nil, &preview); resp.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d", resp.StatusCode)
	}
	if preview["url"] != "http://localhost:5173" {
		t.Errorf("preview = %v", preview)
	}
	var errResp ErrorResponse
	if resp := h.do(http.MethodPost, "/api/projects/p1/preview", nil, &errResp); resp.StatusCode != http.StatusConflict {
		t.Errorf("second preview status = %d", resp.StatusCode)
	}
	if resp := h.do(http.MethodDelete, "/api/projects/p1/preview", nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop preview status = %d", resp.StatusCode)
	}
	if resp := h.do(http.MethodDelete, "/api/projects/p1/preview", nil, &errResp); resp.StatusCode != http.StatusNotFound {
		t.Errorf("stop again status = %d", resp.StatusCode)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{&domain.AdmissionDeniedError{Kind: domain.AdmissionBudget, Remaining: 0.5}, http.StatusPaymentRequired, CodeBudgetExhausted},
		{&domain.AdmissionDeniedError{Kind: domain.AdmissionRate, RetryAfter: time.Second}, http.StatusTooManyRequests, CodeRateLimited},
		{&domain.ExternalCapabilityError{Capability: "agent turn", Attempts: 3}, http.StatusBadGateway, CodeUpstream},
		{build.ErrBusy, http.StatusConflict, CodeBusy},
		{errBuildsDisabled, http.StatusNotImplemented, CodeNotConfigured},
		{event.ErrEmptySubscription, http.StatusBadRequest, CodeInvalidInput},
		{context.DeadlineExceeded, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, body := classify(tt.err)
		if status != tt.want || body.Code != tt.code {
			t.Errorf("classify(%v) = %d %q, want %d %q", tt.err, status, body.Code, tt.want, tt.code)
		}
	}
	if _, body := classify(context.DeadlineExceeded); body.Message != "internal server error" {
		t.Errorf("internal errors must not leak, got %q", body.Message)
	}
}
