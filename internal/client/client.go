// Package client talks to a running teamrun server over its HTTP API and
// event stream. The CLI commands are built on it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/teamrun/internal/api"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/ledger"
	"github.com/Iron-Ham/teamrun/internal/logging"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

const maxResponseBytes = 16 << 20

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status int
	Body   api.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d %s)", e.Body.Message, e.Status, e.Body.Code)
}

// Client is a teamrun API client.
type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
	logger     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithUserID sets the X-User-ID header used for rate accounting.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used by event streams.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client for the server at baseURL (e.g. http://127.0.0.1:8420).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("client: invalid server URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// do sends a JSON request and decodes a JSON answer into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		h.Set("X-User-ID", c.userID)
	}
}

func decodeError(status int, data []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error.Code == "" {
		er.Error = api.ErrorBody{Message: strings.TrimSpace(string(data))}
	}
	return &APIError{Status: status, Body: er.Error}
}

func escape(s string) string { return url.PathEscape(s) }

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// CreateTeam registers a team.
func (c *Client) CreateTeam(ctx context.Context, req api.TeamRequest) (*domain.Team, error) {
	var t domain.Team
	if err := c.do(ctx, http.MethodPost, "/api/teams", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTeams lists teams, optionally filtered by owner.
func (c *Client) ListTeams(ctx context.Context, owner string) ([]domain.Team, error) {
	path := "/api/teams"
	if owner != "" {
		path += "?owner=" + url.QueryEscape(owner)
	}
	var out []domain.Team
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// GetTeam fetches one team.
func (c *Client) GetTeam(ctx context.Context, id string) (*domain.Team, error) {
	var t domain.Team
	if err := c.do(ctx, http.MethodGet, "/api/teams/"+escape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTeam removes a team.
func (c *Client) DeleteTeam(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/teams/"+escape(id), nil, nil)
}

// TeamBudget reports a team's spend against its limit.
func (c *Client) TeamBudget(ctx context.Context, id string) (*ledger.BudgetStatus, error) {
	var b ledger.BudgetStatus
	if err := c.do(ctx, http.MethodGet, "/api/teams/"+escape(id)+"/budget", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// StartSession starts a session.
func (c *Client) StartSession(ctx context.Context, teamID, projectID, prompt string) (*domain.Session, error) {
	var s domain.Session
	req := api.StartSessionRequest{TeamID: teamID, ProjectID: projectID, Prompt: prompt}
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions lists sessions, optionally for one project.
func (c *Client) ListSessions(ctx context.Context, projectID string) ([]domain.Session, error) {
	path := "/api/sessions"
	if projectID != "" {
		path += "?projectId=" + url.QueryEscape(projectID)
	}
	var out []domain.Session
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+escape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SessionMessages lists a session's agent messages in iteration order.
func (c *Client) SessionMessages(ctx context.Context, id string) ([]domain.Message, error) {
	var out []domain.Message
	return out, c.do(ctx, http.MethodGet, "/api/sessions/"+escape(id)+"/messages", nil, &out)
}

// PauseSession pauses a running session.
func (c *Client) PauseSession(ctx context.Context, id string) (*domain.Session, error) {
	return c.control(ctx, id, "pause")
}

// ResumeSession resumes a paused session.
func (c *Client) ResumeSession(ctx context.Context, id string) (*domain.Session, error) {
	return c.control(ctx, id, "resume")
}

// StopSession stops a session.
func (c *Client) StopSession(ctx context.Context, id string) (*domain.Session, error) {
	return c.control(ctx, id, "stop")
}

func (c *Client) control(ctx context.Context, id, action string) (*domain.Session, error) {
	var s domain.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+escape(id)+"/"+action, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ProposeChange submits a file change for a project.
func (c *Client) ProposeChange(ctx context.Context, projectID string, req api.ProposeRequest) (*domain.PendingChange, error) {
	var pc domain.PendingChange
	if err := c.do(ctx, http.MethodPost, "/api/projects/"+escape(projectID)+"/changes", req, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

// ListChanges lists a project's pending changes.
func (c *Client) ListChanges(ctx context.Context, projectID string) ([]domain.PendingChange, error) {
	var out []domain.PendingChange
	return out, c.do(ctx, http.MethodGet, "/api/projects/"+escape(projectID)+"/changes", nil, &out)
}

// ResolveChanges applies or rejects pending changes.
func (c *Client) ResolveChanges(ctx context.Context, projectID string, ids []string, decision domain.Decision, override bool) ([]api.ResolveItem, error) {
	var out api.ResolveResponse
	req := api.ResolveRequest{IDs: ids, Decision: decision, Override: override}
	if err := c.do(ctx, http.MethodPost, "/api/projects/"+escape(projectID)+"/changes/resolve", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Audit lists a project's resolved-change history, newest first.
func (c *Client) Audit(ctx context.Context, projectID string, limit int) ([]domain.AuditEntry, error) {
	path := "/api/projects/" + escape(projectID) + "/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.AuditEntry
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// ListFiles lists a project's files.
func (c *Client) ListFiles(ctx context.Context, projectID string) ([]workspace.File, error) {
	var out []workspace.File
	return out, c.do(ctx, http.MethodGet, "/api/projects/"+escape(projectID)+"/files", nil, &out)
}

// ReadFile fetches one file with its fingerprint.
func (c *Client) ReadFile(ctx context.Context, projectID, path string) (*api.FileResponse, error) {
	var f api.FileResponse
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = escape(s)
	}
	p := "/api/projects/" + escape(projectID) + "/files/" + strings.Join(segments, "/")
	if err := c.do(ctx, http.MethodGet, p, nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Build starts a build for a project. Progress arrives as events.
func (c *Client) Build(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, "/api/projects/"+escape(projectID)+"/build", nil, nil)
}

// StartPreview starts the preview server and returns its URL.
func (c *Client) StartPreview(ctx context.Context, projectID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/projects/"+escape(projectID)+"/preview", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// StopPreview stops the preview server.
func (c *Client) StopPreview(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/api/projects/"+escape(projectID)+"/preview", nil, nil)
}

// RateStatus reports the caller's window on a route pattern.
func (c *Client) RateStatus(ctx context.Context, endpoint string) (*ledger.RateStatus, error) {
	var rs ledger.RateStatus
	if err := c.do(ctx, http.MethodGet, "/api/rate?endpoint="+url.QueryEscape(endpoint), nil, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}
