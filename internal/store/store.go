// Package store persists teams, sessions, turn messages, pending changes
// and the change audit log in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/Iron-Ham/teamrun/internal/domain"
)

// schema is executed on every open (idempotent via IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS teams (
    id           TEXT PRIMARY KEY,
    owner        TEXT NOT NULL,
    name         TEXT NOT NULL,
    budget_limit REAL NOT NULL DEFAULT 0,
    budget_used  REAL NOT NULL DEFAULT 0,
    is_active    INTEGER NOT NULL DEFAULT 1,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_teams_owner ON teams(owner);

CREATE TABLE IF NOT EXISTS agents (
    id             TEXT PRIMARY KEY,
    team_id        TEXT NOT NULL,
    position       INTEGER NOT NULL,
    name           TEXT NOT NULL,
    role           TEXT NOT NULL,
    enabled        INTEGER NOT NULL DEFAULT 1,
    adaptive_roles TEXT NOT NULL DEFAULT '[]',
    FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_agents_team ON agents(team_id);

CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    team_id           TEXT NOT NULL,
    project_id        TEXT NOT NULL,
    prompt            TEXT NOT NULL,
    status            TEXT NOT NULL,
    current_iteration INTEGER NOT NULL DEFAULT 1,
    total_cost        REAL NOT NULL DEFAULT 0,
    reason            TEXT NOT NULL DEFAULT '',
    last_error        TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    ended_at          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

-- Turn log (append-only).
CREATE TABLE IF NOT EXISTS messages (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    agent_role TEXT NOT NULL,
    iteration  INTEGER NOT NULL,
    content    TEXT NOT NULL,
    cost       REAL NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(session_id, iteration)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

CREATE TABLE IF NOT EXISTS pending_changes (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL,
    session_id       TEXT NOT NULL DEFAULT '',
    operation        TEXT NOT NULL,
    path             TEXT NOT NULL,
    content          TEXT NOT NULL DEFAULT '',
    source           TEXT NOT NULL,
    base_fingerprint TEXT NOT NULL DEFAULT '',
    conflict         TEXT NOT NULL DEFAULT '',
    seq              INTEGER NOT NULL,
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_project ON pending_changes(project_id);

CREATE TABLE IF NOT EXISTS change_audit (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    change_id          TEXT NOT NULL,
    project_id         TEXT NOT NULL,
    path               TEXT NOT NULL,
    operation          TEXT NOT NULL,
    source             TEXT NOT NULL,
    decision           TEXT NOT NULL,
    overridden         INTEGER NOT NULL DEFAULT 0,
    reason             TEXT NOT NULL DEFAULT '',
    fingerprint_before TEXT NOT NULL DEFAULT '',
    fingerprint_after  TEXT NOT NULL DEFAULT '',
    created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_project ON change_audit(project_id, created_at);
`

// Store is the SQLite-backed persistence layer. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// The path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path is required")
	}

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=ON"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory %q: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database %q: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Teams ---

// CreateTeam inserts a team and its agents in one transaction.
func (s *Store) CreateTeam(ctx context.Context, t *domain.Team) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO teams (id, owner, name, budget_limit, budget_used, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Owner, t.Name, t.BudgetLimit, t.BudgetUsed, boolToInt(t.IsActive), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert team: %w", err)
	}

	for i, a := range t.Agents {
		roles, err := json.Marshal(a.AdaptiveRoles)
		if err != nil {
			return fmt.Errorf("store: encode adaptive roles: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (id, team_id, position, name, role, enabled, adaptive_roles)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, t.ID, i, a.Name, string(a.Role), boolToInt(a.Enabled), string(roles))
		if err != nil {
			return fmt.Errorf("store: insert agent %q: %w", a.Name, err)
		}
	}
	return tx.Commit()
}

// GetTeam returns a team with its agents.
func (s *Store) GetTeam(ctx context.Context, id string) (*domain.Team, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, budget_limit, budget_used, is_active, created_at
		FROM teams WHERE id = ?`, id)
	t, err := scanTeam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "team", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get team: %w", err)
	}
	if t.Agents, err = s.listAgents(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTeams returns every team, or only owner's when owner is non-empty.
func (s *Store) ListTeams(ctx context.Context, owner string) ([]domain.Team, error) {
	query := `SELECT id, owner, name, budget_limit, budget_used, is_active, created_at FROM teams`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list teams: %w", err)
	}
	defer rows.Close()

	var teams []domain.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan team: %w", err)
		}
		teams = append(teams, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list teams: %w", err)
	}
	rows.Close()

	for i := range teams {
		if teams[i].Agents, err = s.listAgents(ctx, teams[i].ID); err != nil {
			return nil, err
		}
	}
	return teams, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTeam(row scanner) (*domain.Team, error) {
	var (
		t       domain.Team
		active  int
		created string
	)
	if err := row.Scan(&t.ID, &t.Owner, &t.Name, &t.BudgetLimit, &t.BudgetUsed, &active, &created); err != nil {
		return nil, err
	}
	t.IsActive = active != 0
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func (s *Store) listAgents(ctx context.Context, teamID string) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, name, role, enabled, adaptive_roles
		FROM agents WHERE team_id = ? ORDER BY position`, teamID)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var (
			a       domain.Agent
			role    string
			enabled int
			roles   string
		)
		if err := rows.Scan(&a.ID, &a.TeamID, &a.Name, &role, &enabled, &roles); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		a.Role = domain.Role(role)
		a.Enabled = enabled != 0
		_ = json.Unmarshal([]byte(roles), &a.AdaptiveRoles)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteTeam removes a team. Its agents go with it through the foreign key
// cascade.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete team: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "team", ID: id}
	}
	return nil
}

// UpdateTeamBudgetUsed raises the stored budget_used to used. A lower value
// never overwrites a higher one, so out-of-order writes from concurrent
// sessions keep the column monotonic.
func (s *Store) UpdateTeamBudgetUsed(ctx context.Context, teamID string, used float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE teams SET budget_used = MAX(budget_used, ?) WHERE id = ?`, used, teamID)
	if err != nil {
		return fmt.Errorf("store: update budget: %w", err)
	}
	return nil
}

// SetTeamActive flips the team's active flag.
func (s *Store) SetTeamActive(ctx context.Context, teamID string, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE teams SET is_active = ? WHERE id = ?`, boolToInt(active), teamID)
	if err != nil {
		return fmt.Errorf("store: update team: %w", err)
	}
	return nil
}

// --- Sessions ---

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, team_id, project_id, prompt, status, current_iteration, total_cost,
		                      reason, last_error, created_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TeamID, sess.ProjectID, sess.Prompt, string(sess.Status), sess.CurrentIteration,
		sess.TotalCost, sess.Reason, sess.LastError, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
		endedAt(sess))
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

// UpdateSession writes the mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, sess *domain.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, current_iteration = ?, total_cost = ?, reason = ?,
		                    last_error = ?, updated_at = ?, ended_at = ?
		WHERE id = ?`,
		string(sess.Status), sess.CurrentIteration, sess.TotalCost, sess.Reason, sess.LastError,
		formatTime(sess.UpdatedAt), endedAt(sess), sess.ID)
	if err != nil {
		return fmt.Errorf("store: update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "session", ID: sess.ID}
	}
	return nil
}

func endedAt(sess *domain.Session) string {
	if sess.EndedAt == nil {
		return ""
	}
	return formatTime(*sess.EndedAt)
}

const sessionColumns = `id, team_id, project_id, prompt, status, current_iteration, total_cost,
	reason, last_error, created_at, updated_at, ended_at`

func scanSession(row scanner) (*domain.Session, error) {
	var (
		sess                    domain.Session
		status                  string
		created, updated, ended string
	)
	if err := row.Scan(&sess.ID, &sess.TeamID, &sess.ProjectID, &sess.Prompt, &status,
		&sess.CurrentIteration, &sess.TotalCost, &sess.Reason, &sess.LastError,
		&created, &updated, &ended); err != nil {
		return nil, err
	}
	sess.Status = domain.Status(status)
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	if ended != "" {
		t := parseTime(ended)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first, filtered by project when
// projectID is non-empty.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id`
	return s.querySessions(ctx, query, args...)
}

// ListSessionsByStatus returns sessions in any of the given statuses.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (` + placeholders + `) ORDER BY created_at`
	return s.querySessions(ctx, query, args...)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// MarkInterrupted fails every session left running or paused by a
// previous process and returns how many were updated.
func (s *Store) MarkInterrupted(ctx context.Context, reason string, now time.Time) (int64, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, reason = ?, updated_at = ?, ended_at = ?
		WHERE status IN (?, ?)`,
		string(domain.StatusFailed), reason, ts, ts,
		string(domain.StatusRunning), string(domain.StatusPaused))
	if err != nil {
		return 0, fmt.Errorf("store: mark interrupted: %w", err)
	}
	return res.RowsAffected()
}

// --- Messages ---

// AppendMessage adds a turn record. Reusing an iteration number for the
// same session fails with an *domain.InvariantViolationError.
func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, agent_name, agent_role, iteration, content, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.AgentName, string(m.AgentRole), m.Iteration, m.Content, m.Cost, formatTime(m.Timestamp))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: messages.session_id, messages.iteration") {
			return &domain.InvariantViolationError{What: fmt.Sprintf("iteration %d reused in session %s", m.Iteration, m.SessionID)}
		}
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// ListMessages returns a session's turn log ordered by iteration, then
// arrival.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_name, agent_role, iteration, content, cost, created_at
		FROM messages WHERE session_id = ? ORDER BY iteration, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			m       domain.Message
			role    string
			created string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AgentName, &role, &m.Iteration, &m.Content, &m.Cost, &created); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.AgentRole = domain.Role(role)
		m.Timestamp = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Pending changes ---

// SavePendingChange inserts or replaces a pending change.
func (s *Store) SavePendingChange(ctx context.Context, c *domain.PendingChange) error {
	conflict := ""
	if c.Conflict != nil {
		b, err := json.Marshal(c.Conflict)
		if err != nil {
			return fmt.Errorf("store: encode conflict: %w", err)
		}
		conflict = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending_changes
		    (id, project_id, session_id, operation, path, content, source, base_fingerprint, conflict, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.SessionID, string(c.Operation), c.Path, c.Content, string(c.Source),
		c.BaseFingerprint, conflict, c.Seq, formatTime(c.Timestamp))
	if err != nil {
		return fmt.Errorf("store: save pending change: %w", err)
	}
	return nil
}

// DeletePendingChange removes a pending change. Missing rows are ignored.
func (s *Store) DeletePendingChange(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete pending change: %w", err)
	}
	return nil
}

// ListPendingChanges returns every persisted pending change in proposal
// order.
func (s *Store) ListPendingChanges(ctx context.Context) ([]domain.PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, operation, path, content, source, base_fingerprint, conflict, seq, created_at
		FROM pending_changes ORDER BY created_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("store: list pending changes: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingChange
	for rows.Next() {
		var (
			c                   domain.PendingChange
			op, source, created string
			conflict            string
		)
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.SessionID, &op, &c.Path, &c.Content, &source,
			&c.BaseFingerprint, &conflict, &c.Seq, &created); err != nil {
			return nil, fmt.Errorf("store: scan pending change: %w", err)
		}
		c.Operation = domain.Operation(op)
		c.Source = domain.Source(source)
		c.Timestamp = parseTime(created)
		if conflict != "" {
			c.Conflict = &domain.Conflict{}
			if err := json.Unmarshal([]byte(conflict), c.Conflict); err != nil {
				return nil, fmt.Errorf("store: decode conflict for %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Audit ---

// AppendAudit records how a change left the pending set.
func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_audit (change_id, project_id, path, operation, source, decision, overridden,
		                          reason, fingerprint_before, fingerprint_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChangeID, e.ProjectID, e.Path, string(e.Operation), string(e.Source), string(e.Decision),
		boolToInt(e.Overridden), e.Reason, e.FingerprintBefore, e.FingerprintAfter, formatTime(e.At))
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// ListAudit returns the project's most recent audit entries, oldest first.
// A non-positive limit returns all of them.
func (s *Store) ListAudit(ctx context.Context, projectID string, limit int) ([]domain.AuditEntry, error) {
	query := `
		SELECT change_id, project_id, path, operation, source, decision, overridden, reason,
		       fingerprint_before, fingerprint_after, created_at
		FROM change_audit WHERE project_id = ? ORDER BY id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e                          domain.AuditEntry
			op, source, decision, when string
			overridden                 int
		)
		if err := rows.Scan(&e.ChangeID, &e.ProjectID, &e.Path, &op, &source, &decision, &overridden,
			&e.Reason, &e.FingerprintBefore, &e.FingerprintAfter, &when); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		e.Operation = domain.Operation(op)
		e.Source = domain.Source(source)
		e.Decision = domain.Decision(decision)
		e.Overridden = overridden != 0
		e.At = parseTime(when)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneAudit deletes audit entries older than before and returns how many
// were removed.
func (s *Store) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM change_audit WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("store: prune audit: %w", err)
	}
	return res.RowsAffected()
}
