package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

const maxBodyBytes = 8 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is empty")
		}
		return domain.Invalidf("invalid JSON body: %v", err)
	}
	return nil
}

// TeamRequest is the body of POST /api/teams.
type TeamRequest struct {
	Owner       string         `json:"owner" yaml:"owner"`
	Name        string         `json:"name" yaml:"name"`
	BudgetLimit float64        `json:"budgetLimit" yaml:"budget_limit"`
	Agents      []domain.Agent `json:"agents" yaml:"agents"`
	IsActive    *bool          `json:"isActive,omitempty" yaml:"is_active,omitempty"`
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req TeamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	team := domain.Team{
		ID:          uuid.NewString(),
		Owner:       strings.TrimSpace(req.Owner),
		Name:        strings.TrimSpace(req.Name),
		BudgetLimit: req.BudgetLimit,
		Agents:      req.Agents,
		IsActive:    req.IsActive == nil || *req.IsActive,
		CreatedAt:   s.now().UTC(),
	}
	for i := range team.Agents {
		if team.Agents[i].ID == "" {
			team.Agents[i].ID = uuid.NewString()
		}
		team.Agents[i].TeamID = team.ID
	}
	if err := team.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Teams.CreateTeam(r.Context(), &team); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Ledger != nil {
		s.deps.Ledger.SetTeam(team.ID, team.BudgetLimit, team.BudgetUsed)
	}
	s.logger.Info("team created", "team_id", team.ID, "owner", team.Owner, "agents", len(team.Agents))
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.deps.Teams.ListTeams(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if teams == nil {
		teams = []domain.Team{}
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.deps.Teams.GetTeam(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "teamID")
	if _, err := s.deps.Teams.GetTeam(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Close the account before stopping sessions so no turn is admitted
	// in between.
	if s.deps.Ledger != nil {
		s.deps.Ledger.RemoveTeam(id)
	}
	stopped, err := s.deps.Sessions.StopTeam(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Teams.DeleteTeam(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("team deleted", "team_id", id, "stopped_sessions", stopped)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTeamBudget(w http.ResponseWriter, r *http.Request) {
	team, err := s.deps.Teams.GetTeam(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Registering is idempotent and never lowers the ledger's spend.
	s.deps.Ledger.SetTeam(team.ID, team.BudgetLimit, team.BudgetUsed)
	writeJSON(w, http.StatusOK, s.deps.Ledger.BudgetStatus(team.ID))
}

// StartSessionRequest is the body of POST /api/sessions.
type StartSessionRequest struct {
	TeamID    string `json:"teamId"`
	ProjectID string `json:"projectId"`
	Prompt    string `json:"prompt"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TeamID == "" {
		s.writeError(w, r, badRequest("teamId is required"))
		return
	}
	team, err := s.deps.Teams.GetTeam(r.Context(), req.TeamID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.deps.Files.ProjectDir(req.ProjectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.Start(r.Context(), team, req.ProjectID, req.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.List(r.Context(), r.URL.Query().Get("projectId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Sessions.Messages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sessionControl func(Sessions, context.Context, string) (*domain.Session, error)

func (s *Server) handleSessionControl(fn sessionControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := fn(s.deps.Sessions, r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

// ProposeRequest is the body of POST /api/projects/{projectID}/changes.
type ProposeRequest struct {
	SessionID       string           `json:"sessionId"`
	Operation       domain.Operation `json:"operation"`
	Path            string           `json:"path"`
	Content         string           `json:"content"`
	Source          domain.Source    `json:"source"`
	BaseFingerprint string           `json:"baseFingerprint"`
}

func (s *Server) handleProposeChange(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Source == "" {
		req.Source = domain.SourceUserEdit
	}
	change, err := s.deps.Changes.Propose(r.Context(), domain.PendingChange{
		ProjectID:       chi.URLParam(r, "projectID"),
		SessionID:       req.SessionID,
		Operation:       req.Operation,
		Path:            req.Path,
		Content:         req.Content,
		Source:          req.Source,
		BaseFingerprint: req.BaseFingerprint,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	changes := s.deps.Changes.List(chi.URLParam(r, "projectID"))
	if changes == nil {
		changes = []domain.PendingChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// ResolveRequest is the body of POST /api/projects/{projectID}/changes/resolve.
type ResolveRequest struct {
	IDs      []string        `json:"ids"`
	Decision domain.Decision `json:"decision"`
	Override bool            `json:"override"`
}

// ResolveItem is the per-change outcome of a resolve call.
type ResolveItem struct {
	ChangeID    string          `json:"changeId"`
	Decision    domain.Decision `json:"decision"`
	Done        bool            `json:"done"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Error       *ErrorBody      `json:"error,omitempty"`
}

// ResolveResponse lists outcomes in request order.
type ResolveResponse struct {
	Results []ResolveItem `json:"results"`
}

func (s *Server) handleResolveChanges(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Decision.IsValid() {
		s.writeError(w, r, domain.Invalidf("decision must be %q or %q", domain.DecisionApply, domain.DecisionReject))
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, r, badRequest("ids must not be empty"))
		return
	}

	projectID := chi.URLParam(r, "projectID")
	items := make([]ResolveItem, len(req.IDs))
	var owned []string
	for i, id := range req.IDs {
		items[i] = ResolveItem{ChangeID: id, Decision: req.Decision}
		c, err := s.deps.Changes.Get(id)
		if err != nil || c.ProjectID != projectID {
			_, body := classify(&domain.NotFoundError{Kind: "change", ID: id})
			items[i].Error = &body
			continue
		}
		owned = append(owned, id)
	}

	results := s.deps.Changes.Resolve(r.Context(), owned, req.Decision, req.Override)
	byID := make(map[string]int, len(items))
	for i, it := range items {
		if it.Error == nil {
			byID[it.ChangeID] = i
		}
	}
	for _, res := range results {
		i, ok := byID[res.ChangeID]
		if !ok {
			continue
		}
		delete(byID, res.ChangeID)
		items[i].Done = res.Done
		items[i].Fingerprint = res.Fingerprint
		if res.Err != nil {
			_, body := classify(res.Err)
			items[i].Error = &body
		}
	}
	writeJSON(w, http.StatusOK, ResolveResponse{Results: items})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, []domain.AuditEntry{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.deps.Audit.ListAudit(r.Context(), chi.URLParam(r, "projectID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.deps.Files.List(chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []workspace.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

// FileResponse is a file's content with its fingerprint.
type FileResponse struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	data, fp, err := s.deps.Files.Read(chi.URLParam(r, "projectID"), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FileResponse{Path: path, Content: string(data), Fingerprint: fp})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builds == nil {
		s.writeError(w, r, errBuildsDisabled)
		return
	}
	projectID := chi.URLParam(r, "projectID")
	if err := s.deps.Builds.Start(projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"projectId": projectID, "status": "started"})
}

func (s *Server) handleStartPreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builds == nil {
		s.writeError(w, r, errBuildsDisabled)
		return
	}
	projectID := chi.URLParam(r, "projectID")
	url, err := s.deps.Builds.StartPreview(projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"projectId": projectID, "url": url})
}

func (s *Server) handleStopPreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builds == nil {
		s.writeError(w, r, errBuildsDisabled)
		return
	}
	if err := s.deps.Builds.StopPreview(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		s.writeError(w, r, badRequest("endpoint is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Ledger.RateStatus(userID(r), endpoint))
}
