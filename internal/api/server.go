// Package api exposes teams, sessions, changes, builds and the ledger over
// HTTP, and streams bus events to clients over a WebSocket at /ws.
//
// Every route except /healthz requires the configured bearer token, passed
// either in the Authorization header or in the token query parameter.
// Routes under /api are admitted through the rate ledger, keyed by the
// caller (X-User-ID header, falling back to the client address) and the
// matched route pattern.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/ledger"
	"github.com/Iron-Ham/teamrun/internal/logging"
	"github.com/Iron-Ham/teamrun/internal/reconcile"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

// TeamStore persists team definitions.
type TeamStore interface {
	CreateTeam(ctx context.Context, t *domain.Team) error
	GetTeam(ctx context.Context, id string) (*domain.Team, error)
	ListTeams(ctx context.Context, owner string) ([]domain.Team, error)
	DeleteTeam(ctx context.Context, id string) error
}

// Sessions starts and controls agent sessions.
type Sessions interface {
	Start(ctx context.Context, team *domain.Team, projectID, prompt string) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	List(ctx context.Context, projectID string) ([]domain.Session, error)
	Messages(ctx context.Context, id string) ([]domain.Message, error)
	Pause(ctx context.Context, id string) (*domain.Session, error)
	Resume(ctx context.Context, id string) (*domain.Session, error)
	Stop(ctx context.Context, id string) (*domain.Session, error)
	StopTeam(ctx context.Context, teamID string) (int, error)
}

// Changes holds pending file changes.
type Changes interface {
	Propose(ctx context.Context, change domain.PendingChange) (*domain.PendingChange, error)
	Resolve(ctx context.Context, ids []string, decision domain.Decision, override bool) []reconcile.Result
	Get(id string) (*domain.PendingChange, error)
	List(projectID string) []domain.PendingChange
}

// Files reads project files.
type Files interface {
	ProjectDir(projectID string) (string, error)
	Read(projectID, rel string) ([]byte, string, error)
	List(projectID string) ([]workspace.File, error)
}

// Builds runs build and preview commands.
type Builds interface {
	Start(projectID string) error
	StartPreview(projectID string) (string, error)
	StopPreview(ctx context.Context, projectID string) error
}

// AuditLog reads resolved-change history.
type AuditLog interface {
	ListAudit(ctx context.Context, projectID string, limit int) ([]domain.AuditEntry, error)
}

// Deps are the components the API serves. Builds and Audit may be nil.
type Deps struct {
	Teams    TeamStore
	Sessions Sessions
	Changes  Changes
	Files    Files
	Builds   Builds
	Audit    AuditLog
	Ledger   *ledger.Ledger
	Registry *event.Registry
	Logger   *logging.Logger
}

// Config holds transport settings.
type Config struct {
	// AuthToken is the shared bearer credential. Empty disables auth.
	AuthToken string
	// WriteTimeout bounds one WebSocket write.
	WriteTimeout time.Duration
	// PingInterval is how often idle WebSocket clients are pinged.
	PingInterval time.Duration
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
	router chi.Router
	now    func() time.Time
}

// New creates a Server and builds its routes.
func New(cfg Config, deps Deps) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the handler in an *http.Server.
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/ws", s.handleWebSocket)

		r.Route("/api", func(r chi.Router) {
			r.Use(s.admitRate)

			r.Route("/teams", func(r chi.Router) {
				r.Post("/", s.handleCreateTeam)
				r.Get("/", s.handleListTeams)
				r.Get("/{teamID}", s.handleGetTeam)
				r.Delete("/{teamID}", s.handleDeleteTeam)
				r.Get("/{teamID}/budget", s.handleTeamBudget)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleStartSession)
				r.Get("/", s.handleListSessions)
				r.Get("/{sessionID}", s.handleGetSession)
				r.Get("/{sessionID}/messages", s.handleSessionMessages)
				r.Post("/{sessionID}/pause", s.handleSessionControl(Sessions.Pause))
				r.Post("/{sessionID}/resume", s.handleSessionControl(Sessions.Resume))
				r.Post("/{sessionID}/stop", s.handleSessionControl(Sessions.Stop))
			})

			r.Route("/projects/{projectID}", func(r chi.Router) {
				r.Post("/changes", s.handleProposeChange)
				r.Get("/changes", s.handleListChanges)
				r.Post("/changes/resolve", s.handleResolveChanges)
				r.Get("/audit", s.handleAudit)
				r.Get("/files", s.handleListFiles)
				r.Get("/files/*", s.handleReadFile)
				r.Post("/build", s.handleBuild)
				r.Post("/preview", s.handleStartPreview)
				r.Delete("/preview", s.handleStopPreview)
			})

			r.Get("/rate", s.handleRateStatus)
		})
	})

	return r
}

// requestLogger logs one line per request at DEBUG, or WARN for 5xx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.now()
		next.ServeHTTP(ww, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request", args...)
			return
		}
		s.logger.Debug("request", args...)
	})
}

// authenticate checks the bearer credential.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); h != "" {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="teamrun"`)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorBody{
				Code:    CodeUnauthorized,
				Message: "missing or invalid credential",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admitRate charges the request against the caller's window for the
// matched route.
func (s *Server) admitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Ledger == nil {
			next.ServeHTTP(w, r)
			return
		}
		endpoint := s.routePattern(r)
		d := s.deps.Ledger.Admit(userID(r), endpoint)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if err := d.Err(); err != nil {
			s.logger.Info("request rate limited", "endpoint", endpoint, "user", userID(r))
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// routePattern resolves the route pattern a request will match, e.g.
// /api/sessions/{sessionID}. Unmatched requests use the raw path.
func (s *Server) routePattern(r *http.Request) string {
	rctx := chi.NewRouteContext()
	if s.router.Match(rctx, r.Method, r.URL.Path) {
		if p := strings.TrimSuffix(rctx.RoutePattern(), "/"); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// userID identifies the caller for rate accounting.
func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return host
}
