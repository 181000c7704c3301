// Package reconcile buffers proposed file operations from agents and users,
// flags conflicting proposals, and applies or rejects them against the
// workspace.
//
// A proposal conflicts when another unapplied proposal for the same path
// came from a different source (concurrent edit), or when the live file no
// longer matches the fingerprint the proposer observed (stale base). The
// stale check runs at proposal time. Conflict flags stay until the change
// is resolved, and a conflicting change is only applied with an explicit
// override.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/logging"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

// DefaultDelay is the auto-apply debounce when none is configured.
const DefaultDelay = time.Second

// DefaultProtectedPaths are refused unless configuration replaces them.
var DefaultProtectedPaths = []string{".git/**", "node_modules/**"}

// FileStore is the workspace surface the reconciler writes through.
type FileStore interface {
	Fingerprint(projectID, path string) (string, error)
	Write(projectID, path string, content []byte) (fingerprint string, created bool, err error)
	Delete(projectID, path string) (existed bool, err error)
}

// Store persists pending changes and the audit log. Implementations must
// be safe for concurrent use.
type Store interface {
	SavePendingChange(ctx context.Context, c *domain.PendingChange) error
	DeletePendingChange(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
}

// Config controls the auto-apply sweep and path protection.
type Config struct {
	AutoApply          bool
	ConfirmBeforeApply bool
	Delay              time.Duration
	ProtectedPaths     []string
}

// Result is the outcome of resolving one change.
type Result struct {
	ChangeID    string          `json:"changeId"`
	Decision    domain.Decision `json:"decision"`
	Done        bool            `json:"done"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Err         error           `json:"-"`
}

// SweepResult reports what one auto-apply pass did.
type SweepResult struct {
	Applied  []string
	Notified []string
	Skipped  int
}

type pathKey struct {
	project string
	path    string
}

// Reconciler owns the set of pending changes.
type Reconciler struct {
	mu      sync.Mutex
	pending map[string]*domain.PendingChange
	byPath  map[pathKey][]string
	seq     uint64
	timer   *time.Timer
	closed  bool

	// applyMu serializes workspace mutations so same-path writes land in
	// proposal order.
	applyMu sync.Mutex

	files     FileStore
	store     Store
	pub       event.Publisher
	logger    *logging.Logger
	cfg       Config
	protected []glob.Glob
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStore persists pending changes and audit entries.
func WithStore(s Store) Option {
	return func(r *Reconciler) { r.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l.With("component", "reconciler")
		}
	}
}

// WithClock replaces time.Now for proposal timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler. It fails if a protected path pattern does not
// compile.
func New(files FileStore, pub event.Publisher, cfg Config, opts ...Option) (*Reconciler, error) {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.ProtectedPaths == nil {
		cfg.ProtectedPaths = DefaultProtectedPaths
	}
	r := &Reconciler{
		pending: make(map[string]*domain.PendingChange),
		byPath:  make(map[pathKey][]string),
		files:   files,
		pub:     pub,
		logger:  logging.NopLogger(),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, p := range cfg.ProtectedPaths {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("reconcile: protected path %q: %w", p, err)
		}
		r.protected = append(r.protected, g)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// IsProtected reports whether a cleaned path matches a protected pattern.
func (r *Reconciler) IsProtected(path string) bool {
	for _, g := range r.protected {
		if g.Match(path) || g.Match(path+"/") {
			return true
		}
	}
	return false
}

// Propose validates and records a change, flags any conflict, persists it
// and schedules an auto-apply sweep. The returned copy carries the
// assigned ID and the conflict descriptor, if any.
func (r *Reconciler) Propose(ctx context.Context, change domain.PendingChange) (*domain.PendingChange, error) {
	if !change.Operation.IsValid() {
		return nil, domain.Invalidf("reconcile: invalid operation %q", change.Operation)
	}
	if !change.Source.IsValid() {
		return nil, domain.Invalidf("reconcile: invalid source %q", change.Source)
	}
	if change.ProjectID == "" {
		return nil, fmt.Errorf("reconcile: project is required: %w", domain.ErrInvalidPath)
	}
	clean, err := workspace.CleanPath(change.Path)
	if err != nil {
		return nil, err
	}
	if r.IsProtected(clean) {
		return nil, fmt.Errorf("reconcile: %s: %w", clean, domain.ErrProtectedPath)
	}
	change.Path = clean
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = r.now()
	}
	change.Conflict = nil

	if change.BaseFingerprint != "" {
		live, err := r.files.Fingerprint(change.ProjectID, clean)
		if err != nil {
			return nil, fmt.Errorf("reconcile: fingerprint %s: %w", clean, err)
		}
		if live != change.BaseFingerprint {
			change.Conflict = &domain.Conflict{
				Reason:              domain.ConflictStaleBase,
				ExpectedFingerprint: change.BaseFingerprint,
				ActualFingerprint:   live,
			}
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("reconcile: closed")
	}
	if _, dup := r.pending[change.ID]; dup {
		r.mu.Unlock()
		return nil, domain.Invalidf("reconcile: duplicate change id %s", change.ID)
	}
	r.seq++
	change.Seq = r.seq
	stored := change
	touched := r.flagConcurrentLocked(&stored)
	r.insertLocked(&stored)
	out := copyChange(&stored)
	toSave := append([]*domain.PendingChange{out}, touched...)
	r.scheduleLocked()
	r.mu.Unlock()

	for _, c := range toSave {
		r.persist(ctx, c)
	}

	r.logger.Debug("change proposed",
		"project_id", out.ProjectID,
		"change_id", out.ID,
		"path", out.Path,
		"source", string(out.Source),
		"conflict", out.Conflict != nil)
	r.pub.Publish(event.NewChangesEvent(event.ChangeProposed, out.ProjectID, out.SessionID, event.ChangesPayload{
		ChangeIDs: []string{out.ID},
		Conflict:  out.Conflict != nil,
	}))
	if len(touched) > 0 {
		ids := make([]string, 0, len(touched))
		for _, c := range touched {
			ids = append(ids, c.ID)
		}
		r.pub.Publish(event.NewChangesEvent(event.ChangeProposed, out.ProjectID, "", event.ChangesPayload{
			ChangeIDs: ids,
			Conflict:  true,
		}))
	}
	return out, nil
}

// flagConcurrentLocked marks c and every pending same-path change from a
// different source as concurrent edits. It returns copies of the other
// changes it modified.
func (r *Reconciler) flagConcurrentLocked(c *domain.PendingChange) []*domain.PendingChange {
	var touched []*domain.PendingChange
	for _, id := range r.byPath[pathKey{c.ProjectID, c.Path}] {
		other := r.pending[id]
		if other == nil || other.Source == c.Source {
			continue
		}
		addConflict(c, other.ID)
		addConflict(other, c.ID)
		touched = append(touched, copyChange(other))
	}
	return touched
}

func addConflict(c *domain.PendingChange, otherID string) {
	if c.Conflict == nil {
		c.Conflict = &domain.Conflict{Reason: domain.ConflictConcurrentEdit}
	}
	for _, id := range c.Conflict.ConflictingIDs {
		if id == otherID {
			return
		}
	}
	c.Conflict.ConflictingIDs = append(c.Conflict.ConflictingIDs, otherID)
}

func (r *Reconciler) insertLocked(c *domain.PendingChange) {
	r.pending[c.ID] = c
	k := pathKey{c.ProjectID, c.Path}
	r.byPath[k] = append(r.byPath[k], c.ID)
}

func (r *Reconciler) removeLocked(id string) *domain.PendingChange {
	c, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	k := pathKey{c.ProjectID, c.Path}
	ids := r.byPath[k]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byPath, k)
	} else {
		r.byPath[k] = ids
	}
	return c
}

// Resolve applies or rejects the named changes. Results are returned in
// the order of ids. Unknown ids yield a *domain.NotFoundError; applying a
// conflicting change without override yields a *domain.ConflictError and
// leaves it pending. Applies run in proposal order, and each file event is
// published before Resolve returns.
func (r *Reconciler) Resolve(ctx context.Context, ids []string, decision domain.Decision, override bool) []Result {
	return r.resolve(ctx, ids, decision, override, "")
}

func (r *Reconciler) resolve(ctx context.Context, ids []string, decision domain.Decision, override bool, reason string) []Result {
	results := make([]Result, len(ids))
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		results[i] = Result{ChangeID: id, Decision: decision}
		if _, dup := index[id]; dup {
			results[i].Err = domain.Invalidf("reconcile: duplicate change id %s", id)
			continue
		}
		index[id] = i
	}
	if !decision.IsValid() {
		for i := range results {
			results[i].Err = domain.Invalidf("reconcile: invalid decision %q", decision)
		}
		return results
	}

	var claimed []*domain.PendingChange
	r.mu.Lock()
	for i, id := range ids {
		if results[i].Err != nil {
			continue
		}
		c, ok := r.pending[id]
		if !ok {
			results[i].Err = &domain.NotFoundError{Kind: "change", ID: id}
			continue
		}
		if decision == domain.DecisionApply && c.Conflict != nil && !override {
			results[i].Err = &domain.ConflictError{ChangeID: id, Conflict: copyConflict(c.Conflict)}
			continue
		}
		claimed = append(claimed, r.removeLocked(id))
	}
	r.mu.Unlock()

	sort.SliceStable(claimed, func(i, j int) bool { return proposedBefore(claimed[i], claimed[j]) })

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	var done []string
	for _, c := range claimed {
		i := index[c.ID]
		var err error
		if decision == domain.DecisionApply {
			results[i].Fingerprint, err = r.apply(ctx, c, override)
		} else {
			err = r.reject(ctx, c, reason)
		}
		if err != nil {
			results[i].Err = err
			r.restore(c)
			continue
		}
		results[i].Done = true
		done = append(done, c.ID)
	}

	if len(done) > 0 {
		byProject := make(map[string][]string)
		for _, c := range claimed {
			if results[index[c.ID]].Done {
				byProject[c.ProjectID] = append(byProject[c.ProjectID], c.ID)
			}
		}
		for project, changeIDs := range byProject {
			r.pub.Publish(event.NewChangesEvent(event.ChangeResolved, project, "", event.ChangesPayload{
				ChangeIDs: changeIDs,
				Decision:  string(decision),
				Reason:    reason,
			}))
		}
	}
	return results
}

func proposedBefore(a, b *domain.PendingChange) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

// restore puts a change back after a failed workspace operation.
func (r *Reconciler) restore(c *domain.PendingChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[c.ID]; !ok {
		r.insertLocked(c)
	}
}

func (r *Reconciler) apply(ctx context.Context, c *domain.PendingChange, override bool) (string, error) {
	before, err := r.files.Fingerprint(c.ProjectID, c.Path)
	if err != nil {
		return "", fmt.Errorf("reconcile: fingerprint %s: %w", c.Path, err)
	}

	var (
		after string
		typ   event.Type
	)
	switch c.Operation {
	case domain.OpDelete:
		if _, err := r.files.Delete(c.ProjectID, c.Path); err != nil {
			return "", fmt.Errorf("reconcile: apply %s: %w", c.ID, err)
		}
		after, typ = workspace.AbsentFingerprint, event.FileDeleted
	default:
		fp, created, err := r.files.Write(c.ProjectID, c.Path, []byte(c.Content))
		if err != nil {
			return "", fmt.Errorf("reconcile: apply %s: %w", c.ID, err)
		}
		after, typ = fp, event.FileUpdated
		if created {
			typ = event.FileCreated
		}
	}

	r.audit(ctx, domain.AuditEntry{
		ChangeID:          c.ID,
		ProjectID:         c.ProjectID,
		Path:              c.Path,
		Operation:         c.Operation,
		Source:            c.Source,
		Decision:          domain.DecisionApply,
		Overridden:        override && c.Conflict != nil,
		FingerprintBefore: before,
		FingerprintAfter:  after,
		At:                r.now(),
	})
	r.unpersist(ctx, c.ID)

	r.logger.Info("change applied",
		"project_id", c.ProjectID,
		"change_id", c.ID,
		"path", c.Path,
		"operation", string(c.Operation),
		"overridden", override && c.Conflict != nil)
	r.pub.Publish(event.NewFileEvent(typ, c.ProjectID, c.SessionID, event.FilePayload{
		Path:        c.Path,
		ChangeID:    c.ID,
		Source:      string(c.Source),
		Fingerprint: after,
	}))
	return after, nil
}

func (r *Reconciler) reject(ctx context.Context, c *domain.PendingChange, reason string) error {
	r.audit(ctx, domain.AuditEntry{
		ChangeID:  c.ID,
		ProjectID: c.ProjectID,
		Path:      c.Path,
		Operation: c.Operation,
		Source:    c.Source,
		Decision:  domain.DecisionReject,
		Reason:    reason,
		At:        r.now(),
	})
	r.unpersist(ctx, c.ID)
	r.logger.Info("change rejected", "project_id", c.ProjectID, "change_id", c.ID, "path", c.Path, "reason", reason)
	return nil
}

// AutoApply applies every pending change without a conflict. With auto
// apply disabled it does nothing; with confirm-before-apply it publishes a
// changes_pending event per project instead of applying.
func (r *Reconciler) AutoApply(ctx context.Context) SweepResult {
	var res SweepResult
	if !r.cfg.AutoApply {
		return res
	}

	byProject := make(map[string][]*domain.PendingChange)
	r.mu.Lock()
	for _, c := range r.pending {
		if c.Conflict != nil {
			res.Skipped++
			continue
		}
		byProject[c.ProjectID] = append(byProject[c.ProjectID], c)
	}
	r.mu.Unlock()

	projects := make([]string, 0, len(byProject))
	for p := range byProject {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	for _, project := range projects {
		changes := byProject[project]
		sort.Slice(changes, func(i, j int) bool { return proposedBefore(changes[i], changes[j]) })
		ids := make([]string, len(changes))
		for i, c := range changes {
			ids[i] = c.ID
		}

		if r.cfg.ConfirmBeforeApply {
			res.Notified = append(res.Notified, ids...)
			r.pub.Publish(event.NewChangesEvent(event.ChangesPending, project, "", event.ChangesPayload{ChangeIDs: ids}))
			continue
		}
		for _, out := range r.Resolve(ctx, ids, domain.DecisionApply, false) {
			if out.Done {
				res.Applied = append(res.Applied, out.ChangeID)
			} else if out.Err != nil {
				res.Skipped++
			}
		}
	}
	return res
}

// scheduleLocked resets the debounce timer for the next sweep.
func (r *Reconciler) scheduleLocked() {
	if !r.cfg.AutoApply || r.closed {
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.cfg.Delay, r.sweep)
		return
	}
	r.timer.Reset(r.cfg.Delay)
}

func (r *Reconciler) sweep() {
	res := r.AutoApply(context.Background())
	if len(res.Applied) > 0 || len(res.Notified) > 0 {
		r.logger.Debug("auto-apply sweep", "applied", len(res.Applied), "notified", len(res.Notified), "skipped", res.Skipped)
	}
}

// Expire rejects pending changes proposed before now-maxAge with reason
// "expired" and returns how many were removed.
func (r *Reconciler) Expire(ctx context.Context, maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	var ids []string
	r.mu.Lock()
	for id, c := range r.pending {
		if c.Timestamp.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return 0
	}

	n := 0
	for _, res := range r.resolve(ctx, ids, domain.DecisionReject, true, "expired") {
		if res.Done {
			n++
		}
	}
	return n
}

// Restore loads previously persisted pending changes, keeping their
// conflict flags. Used once at startup.
func (r *Reconciler) Restore(changes []domain.PendingChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return proposedBefore(&changes[i], &changes[j]) })
	for i := range changes {
		c := changes[i]
		if _, ok := r.pending[c.ID]; ok {
			continue
		}
		if c.Seq > r.seq {
			r.seq = c.Seq
		}
		r.insertLocked(&c)
	}
	if len(r.pending) > 0 {
		r.scheduleLocked()
	}
}

// Get returns a copy of a pending change.
func (r *Reconciler) Get(id string) (*domain.PendingChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "change", ID: id}
	}
	return copyChange(c), nil
}

// List returns the project's pending changes in proposal order. An empty
// projectID lists every project.
func (r *Reconciler) List(projectID string) []domain.PendingChange {
	r.mu.Lock()
	out := make([]domain.PendingChange, 0, len(r.pending))
	for _, c := range r.pending {
		if projectID == "" || c.ProjectID == projectID {
			out = append(out, *copyChange(c))
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return proposedBefore(&out[i], &out[j]) })
	return out
}

// Len returns the number of pending changes.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops the sweep timer. Pending changes remain persisted.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *Reconciler) persist(ctx context.Context, c *domain.PendingChange) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePendingChange(ctx, c); err != nil {
		r.logger.Error("failed to persist pending change", "change_id", c.ID, "error", err.Error())
	}
}

func (r *Reconciler) unpersist(ctx context.Context, id string) {
	if r.store == nil {
		return
	}
	if err := r.store.DeletePendingChange(ctx, id); err != nil {
		r.logger.Error("failed to delete pending change", "change_id", id, "error", err.Error())
	}
}

func (r *Reconciler) audit(ctx context.Context, e domain.AuditEntry) {
	if r.store == nil {
		return
	}
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.logger.Error("failed to append audit entry", "change_id", e.ChangeID, "error", err.Error())
	}
}

func copyConflict(c *domain.Conflict) *domain.Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.ConflictingIDs = append([]string(nil), c.ConflictingIDs...)
	return &out
}

func copyChange(c *domain.PendingChange) *domain.PendingChange {
	out := *c
	out.Conflict = copyConflict(c.Conflict)
	return &out
}
