// Package ledger tracks per-team spend and per-user request rates and
// answers admission queries for both.
//
// Budgets fail closed: a team with a configured limit is refused any turn
// whose estimate would take it past the limit. Everything unclassified
// fails open: unknown teams, teams without a limit, empty user IDs and
// endpoints without a configured window are allowed with generous
// headroom.
//
// Each team account has its own mutex. No lock is held across I/O.
package ledger

import (
	"sync"
	"time"

	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/logging"
)

// DefaultUnconfiguredRemaining is reported as the remaining budget for
// teams without a configured limit.
const DefaultUnconfiguredRemaining = 1_000_000.0

// BudgetDecision is the answer to a budget admission query.
type BudgetDecision struct {
	Allowed   bool
	Remaining float64
}

// Err returns an *domain.AdmissionDeniedError for a denial, nil otherwise.
func (d BudgetDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.AdmissionDeniedError{Kind: domain.AdmissionBudget, Remaining: d.Remaining}
}

// SpendResult reports a team's state right after a commit. Overshoot is
// positive when the commit took used past a configured limit.
type SpendResult struct {
	TeamID    string
	Used      float64
	Limit     float64
	Overshoot float64
}

// BudgetStatus is a point-in-time view of a team account.
type BudgetStatus struct {
	TeamID     string  `json:"teamId"`
	Configured bool    `json:"configured"`
	Limit      float64 `json:"budgetLimit"`
	Used       float64 `json:"budgetUsed"`
	Reserved   float64 `json:"reserved"`
	Remaining  float64 `json:"remaining"`
}

type account struct {
	mu       sync.Mutex
	limit    float64
	used     float64
	reserved float64
	// removed accounts belong to deleted teams and admit nothing.
	removed bool
}

func (a *account) remainingLocked(generous float64) float64 {
	if a.limit <= 0 {
		return generous
	}
	r := a.limit - a.used - a.reserved
	if r < 0 {
		return 0
	}
	return r
}

// Ledger holds budget accounts and rate windows. The zero value is not
// usable; call New.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account

	rateMu       sync.Mutex
	windows      map[rateKey]*window
	limits       map[string]RateLimit
	defaultLimit RateLimit

	unconfiguredRemaining float64
	now                   func() time.Time
	logger                *logging.Logger
}

// New creates an empty Ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:              make(map[string]*account),
		windows:               make(map[rateKey]*window),
		limits:                make(map[string]RateLimit),
		defaultLimit:          DefaultRateLimit,
		unconfiguredRemaining: DefaultUnconfiguredRemaining,
		now:                   time.Now,
		logger:                logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetTeam registers or updates a team account. used never moves backwards:
// a lower value than the ledger already holds is ignored.
func (l *Ledger) SetTeam(teamID string, limit, used float64) {
	a := l.account(teamID, true)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.limit = limit
	a.removed = false
	if used > a.used {
		a.used = used
	}
}

// RemoveTeam closes a team account. The account is kept so that a turn
// still in flight can commit its cost, but every later admission for the
// team is denied.
func (l *Ledger) RemoveTeam(teamID string) {
	a := l.account(teamID, true)
	a.mu.Lock()
	a.removed = true
	a.mu.Unlock()
}

func (l *Ledger) account(teamID string, create bool) *account {
	l.mu.RLock()
	a, ok := l.accounts[teamID]
	l.mu.RUnlock()
	if ok || !create {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[teamID]; !ok {
		a = &account{}
		l.accounts[teamID] = a
	}
	return a
}

// CheckBudget reports whether a turn estimated at estimatedCost may start.
// It denies when used + reserved + estimate exceeds a configured limit. It
// never mutates state.
func (l *Ledger) CheckBudget(teamID string, estimatedCost float64) BudgetDecision {
	a := l.account(teamID, false)
	if a == nil {
		return BudgetDecision{Allowed: true, Remaining: l.unconfiguredRemaining}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return l.checkLocked(a, estimatedCost)
}

func (l *Ledger) checkLocked(a *account, estimate float64) BudgetDecision {
	if a.removed {
		return BudgetDecision{Allowed: false}
	}
	remaining := a.remainingLocked(l.unconfiguredRemaining)
	if a.limit <= 0 {
		return BudgetDecision{Allowed: true, Remaining: remaining}
	}
	if estimate < 0 {
		estimate = 0
	}
	if a.used+a.reserved+estimate > a.limit {
		return BudgetDecision{Allowed: false, Remaining: remaining}
	}
	return BudgetDecision{Allowed: true, Remaining: remaining}
}

// CommitSpend adds actualCost to the team's used budget and returns the new
// state. Negative costs are ignored. Safe for concurrent use by sessions of
// the same team.
func (l *Ledger) CommitSpend(teamID string, actualCost float64) SpendResult {
	a := l.account(teamID, true)
	a.mu.Lock()
	res := l.commitLocked(teamID, a, actualCost)
	a.mu.Unlock()

	l.warnOvershoot(res)
	return res
}

func (l *Ledger) commitLocked(teamID string, a *account, cost float64) SpendResult {
	if cost > 0 {
		a.used += cost
	}
	res := SpendResult{TeamID: teamID, Used: a.used, Limit: a.limit}
	if a.limit > 0 && a.used > a.limit {
		res.Overshoot = a.used - a.limit
	}
	return res
}

func (l *Ledger) warnOvershoot(res SpendResult) {
	if res.Overshoot > 0 {
		l.logger.Warn("team budget overshoot",
			"team_id", res.TeamID,
			"budget_limit", res.Limit,
			"budget_used", res.Used,
			"overshoot", res.Overshoot)
	}
}

// Reservation holds an estimate against a team budget while a turn is in
// flight. Exactly one of Commit or Release takes effect.
type Reservation struct {
	ledger   *Ledger
	teamID   string
	acct     *account
	estimate float64
	once     sync.Once
}

// Reserve checks the budget and, if allowed, holds estimatedCost so that
// concurrent sessions of the same team cannot admit turns against the same
// headroom. The returned reservation is nil when the check is denied.
func (l *Ledger) Reserve(teamID string, estimatedCost float64) (*Reservation, BudgetDecision) {
	if estimatedCost < 0 {
		estimatedCost = 0
	}
	a := l.account(teamID, true)
	a.mu.Lock()
	defer a.mu.Unlock()

	d := l.checkLocked(a, estimatedCost)
	if !d.Allowed {
		return nil, d
	}
	a.reserved += estimatedCost
	return &Reservation{ledger: l, teamID: teamID, acct: a, estimate: estimatedCost}, d
}

// Commit releases the hold and adds actualCost to the team's used budget.
// Calls after the first Commit or Release return the current state without
// charging again.
func (r *Reservation) Commit(actualCost float64) SpendResult {
	var res SpendResult
	committed := false
	r.once.Do(func() {
		committed = true
		r.acct.mu.Lock()
		r.releaseLocked()
		res = r.ledger.commitLocked(r.teamID, r.acct, actualCost)
		r.acct.mu.Unlock()
	})
	if !committed {
		r.acct.mu.Lock()
		res = SpendResult{TeamID: r.teamID, Used: r.acct.used, Limit: r.acct.limit}
		r.acct.mu.Unlock()
		return res
	}
	r.ledger.warnOvershoot(res)
	return res
}

// Release drops the hold without charging anything.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.acct.mu.Lock()
		r.releaseLocked()
		r.acct.mu.Unlock()
	})
}

func (r *Reservation) releaseLocked() {
	r.acct.reserved -= r.estimate
	if r.acct.reserved < 1e-12 {
		r.acct.reserved = 0
	}
}

// BudgetStatus returns the team's account state. Unknown teams report as
// unconfigured with generous remaining.
func (l *Ledger) BudgetStatus(teamID string) BudgetStatus {
	a := l.account(teamID, false)
	if a == nil {
		return BudgetStatus{TeamID: teamID, Remaining: l.unconfiguredRemaining}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return BudgetStatus{
		TeamID:     teamID,
		Configured: a.limit > 0,
		Limit:      a.limit,
		Used:       a.used,
		Reserved:   a.reserved,
		Remaining:  a.remainingLocked(l.unconfiguredRemaining),
	}
}
