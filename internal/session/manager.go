// Package session runs teams of agents through iterative turns.
//
// Each session is driven by its own goroutine. Before every turn the loop
// reserves the estimated turn cost from the team budget, calls the agent
// backend (retrying transient failures with exponential backoff), commits
// the actual cost, records the turn message and forwards produced file
// operations to the change reconciler. Status changes are the only way a
// session mutates; stopped, completed and failed are final.
//
// Pause takes effect at the next turn boundary and lets an in-flight turn
// finish. Stop also cancels the in-flight turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/teamrun/internal/agent"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/ledger"
	"github.com/Iron-Ham/teamrun/internal/logging"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

// Reasons recorded on terminal sessions.
const (
	ReasonBudgetExhausted = "budget exhausted"
	ReasonIterationLimit  = "iteration limit reached"
	ReasonAgentDone       = "agent reported completion"
	ReasonTurnFailed      = "agent turn failed"
	ReasonInternalError   = "internal error"
	ReasonStoppedByUser   = "stopped by user"
	ReasonTeamDeleted     = "team deleted"
	ReasonShutdown        = "server shutdown"
	ReasonInterrupted     = "interrupted by restart"
)

// Config controls the turn loop.
type Config struct {
	// EstimatedTurnCost is reserved from the team budget before each turn.
	EstimatedTurnCost float64
	// MaxTurnRetries bounds retries of a failing turn.
	MaxTurnRetries int
	// RetryInitialDelay and RetryMaxDelay shape the retry backoff.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	// MaxIterations completes a session after that many turns. Zero means
	// no limit.
	MaxIterations int
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		EstimatedTurnCost: 0.05,
		MaxTurnRetries:    3,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
		MaxIterations:     50,
	}
}

// Store persists sessions, their turn log and team spend.
type Store interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	UpdateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, projectID string) ([]domain.Session, error)
	AppendMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	UpdateTeamBudgetUsed(ctx context.Context, teamID string, used float64) error
}

// Proposer accepts file operations produced by turns.
type Proposer interface {
	Propose(ctx context.Context, change domain.PendingChange) (*domain.PendingChange, error)
}

// FileIndex snapshots a project's file fingerprints so proposals can
// carry the content a turn started from.
type FileIndex interface {
	Snapshot(projectID string) (workspace.Snapshot, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists sessions and messages. Without a store the manager
// keeps everything in memory.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithFiles snapshots project files before each turn. File operations
// that name no base fingerprint are proposed against the snapshot, so an
// edit made while the turn ran surfaces as a stale-base conflict.
func WithFiles(f FileIndex) Option {
	return func(m *Manager) { m.files = f }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.With("component", "session_manager")
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager starts sessions and routes control commands to them.
type Manager struct {
	gen     agent.Generator
	ledger  *ledger.Ledger
	changes Proposer
	pub     event.Publisher
	cfg     Config
	store   Store
	files   FileIndex
	logger  *logging.Logger
	now     func() time.Time

	mu       sync.RWMutex
	runners  map[string]*runner
	closed   bool
	wg       conc.WaitGroup
	shutdown context.CancelFunc
	baseCtx  context.Context
}

// NewManager creates a Manager. changes may be nil, in which case file
// operations are dropped with a warning.
func NewManager(gen agent.Generator, l *ledger.Ledger, changes Proposer, pub event.Publisher, cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		gen:      gen,
		ledger:   l,
		changes:  changes,
		pub:      pub,
		cfg:      cfg,
		logger:   logging.NopLogger(),
		now:      time.Now,
		runners:  make(map[string]*runner),
		shutdown: cancel,
		baseCtx:  ctx,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxTurnRetries < 0 {
		m.cfg.MaxTurnRetries = 0
	}
	return m
}

// Start creates a running session for team on projectID and launches its
// loop. The returned session is a snapshot.
func (m *Manager) Start(ctx context.Context, team *domain.Team, projectID, prompt string) (*domain.Session, error) {
	if team == nil {
		return nil, domain.Invalidf("session: team is required")
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, domain.Invalidf("session: project is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, domain.Invalidf("session: prompt is required")
	}
	if !team.IsActive {
		return nil, domain.Invalidf("session: team %s is not active", team.ID)
	}
	agents := team.EnabledAgents()
	if len(agents) == 0 {
		return nil, domain.Invalidf("session: team %s has no enabled agents", team.ID)
	}

	m.ledger.SetTeam(team.ID, team.BudgetLimit, team.BudgetUsed)

	now := m.now()
	sess := domain.Session{
		ID:               uuid.NewString(),
		TeamID:           team.ID,
		ProjectID:        projectID,
		Prompt:           prompt,
		Status:           domain.StatusRunning,
		CurrentIteration: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if m.store != nil {
		if err := m.store.CreateSession(ctx, &sess); err != nil {
			return nil, fmt.Errorf("session: create: %w", err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("session: manager is shut down")
	}
	r := newRunner(m, sess, agents)
	m.runners[sess.ID] = r
	m.wg.Go(r.run)
	m.mu.Unlock()

	r.logger.Info("session started",
		"team_id", team.ID,
		"project_id", projectID,
		"agents", len(agents))
	m.pub.Publish(event.NewSessionUpdateEvent(projectID, sess.ID, event.SessionPayload{
		Status:           string(domain.StatusRunning),
		CurrentIteration: sess.CurrentIteration,
	}))

	out := sess
	return &out, nil
}

func (m *Manager) runner(id string) (*runner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[id]
	return r, ok
}

// control applies a command to a live session, or explains why a stored
// session cannot accept it.
func (m *Manager) control(ctx context.Context, id string, to domain.Status, reason string) (*domain.Session, error) {
	if r, ok := m.runner(id); ok {
		return r.control(ctx, to, reason)
	}
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s is %s: %w", id, sess.Status, domain.ErrTerminalSession)
	}
	// A live status without a runner belongs to a previous process.
	return nil, fmt.Errorf("session %s has no active loop: %w", id, domain.ErrInvalidTransition)
}

// Pause suspends a running session at the next turn boundary.
func (m *Manager) Pause(ctx context.Context, id string) (*domain.Session, error) {
	return m.control(ctx, id, domain.StatusPaused, "")
}

// Resume continues a paused session.
func (m *Manager) Resume(ctx context.Context, id string) (*domain.Session, error) {
	return m.control(ctx, id, domain.StatusRunning, "")
}

// Stop ends a running or paused session and cancels its in-flight turn.
func (m *Manager) Stop(ctx context.Context, id string) (*domain.Session, error) {
	return m.control(ctx, id, domain.StatusStopped, ReasonStoppedByUser)
}

// StopTeam stops every live session of teamID and returns how many it
// stopped. Sessions that end on their own meanwhile are skipped.
func (m *Manager) StopTeam(ctx context.Context, teamID string) (int, error) {
	m.mu.RLock()
	var targets []*runner
	for _, r := range m.runners {
		r.mu.Lock()
		if r.sess.TeamID == teamID && !r.sess.Status.IsTerminal() {
			targets = append(targets, r)
		}
		r.mu.Unlock()
	}
	m.mu.RUnlock()

	stopped := 0
	for _, r := range targets {
		_, err := r.control(ctx, domain.StatusStopped, ReasonTeamDeleted)
		switch {
		case err == nil:
			stopped++
		case errors.Is(err, domain.ErrTerminalSession):
		default:
			return stopped, err
		}
	}
	if stopped > 0 {
		m.logger.Info("stopped team sessions", "team_id", teamID, "count", stopped)
	}
	return stopped, nil
}

// Get returns a session snapshot.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Session, error) {
	if r, ok := m.runner(id); ok {
		return r.snapshot(), nil
	}
	if m.store == nil {
		return nil, &domain.NotFoundError{Kind: "session", ID: id}
	}
	return m.store.GetSession(ctx, id)
}

// List returns sessions, filtered by project when projectID is non-empty.
func (m *Manager) List(ctx context.Context, projectID string) ([]domain.Session, error) {
	if m.store != nil {
		return m.store.ListSessions(ctx, projectID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Session
	for _, r := range m.runners {
		s := r.snapshot()
		if projectID == "" || s.ProjectID == projectID {
			out = append(out, *s)
		}
	}
	return out, nil
}

// Messages returns the session's turn log in iteration order.
func (m *Manager) Messages(ctx context.Context, id string) ([]domain.Message, error) {
	if m.store != nil {
		if _, err := m.Get(ctx, id); err != nil {
			return nil, err
		}
		return m.store.ListMessages(ctx, id)
	}
	r, ok := m.runner(id)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "session", ID: id}
	}
	return r.messages(), nil
}

// Done returns a channel closed when the session's loop exits, or nil for
// an unknown or already finished session.
func (m *Manager) Done(id string) <-chan struct{} {
	if r, ok := m.runner(id); ok {
		return r.done
	}
	return nil
}

// Active returns the number of sessions with a live loop.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runners {
		if !r.snapshot().Status.IsTerminal() {
			n++
		}
	}
	return n
}

// forget drops a finished runner once its final state is persisted.
func (m *Manager) forget(id string) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	delete(m.runners, id)
	m.mu.Unlock()
}

// Shutdown stops every live session and waits for their loops to exit or
// ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		_, _ = r.control(ctx, domain.StatusStopped, ReasonShutdown)
	}
	m.shutdown()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}
