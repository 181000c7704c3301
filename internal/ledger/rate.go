package ledger

import (
	"time"

	"github.com/Iron-Ham/teamrun/internal/domain"
)

// RateLimit is a sliding window of Window length admitting at most
// MaxRequests.
type RateLimit struct {
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"maxRequests"`
}

func (r RateLimit) valid() bool {
	return r.Window > 0 && r.MaxRequests > 0
}

// DefaultRateLimit applies to endpoints with no configured window.
var DefaultRateLimit = RateLimit{Window: time.Minute, MaxRequests: 1000}

// RateDecision is the answer to a rate admission query.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Err returns an *domain.AdmissionDeniedError for a denial, nil otherwise.
func (d RateDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.AdmissionDeniedError{Kind: domain.AdmissionRate, RetryAfter: d.RetryAfter}
}

// RateStatus is a point-in-time view of one user's window on one endpoint.
type RateStatus struct {
	Endpoint    string        `json:"endpoint"`
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"maxRequests"`
	Used        int           `json:"used"`
	Remaining   int           `json:"remaining"`
	ResetIn     time.Duration `json:"resetIn"`
}

type rateKey struct {
	user     string
	endpoint string
}

// window holds request timestamps in arrival order.
type window struct {
	entries []time.Time
}

func (w *window) prune(now time.Time, size time.Duration) {
	cutoff := now.Add(-size)
	i := 0
	for i < len(w.entries) && !w.entries[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// LimitFor returns the window configured for endpoint.
func (l *Ledger) LimitFor(endpoint string) RateLimit {
	if lim, ok := l.limits[endpoint]; ok {
		return lim
	}
	return l.defaultLimit
}

// CheckRate reports whether one more request by userID on endpoint fits
// in the window. Expired entries are pruned first. A denial carries the
// time until the oldest entry leaves the window. An empty userID is always
// allowed.
func (l *Ledger) CheckRate(userID, endpoint string) RateDecision {
	if userID == "" {
		return RateDecision{Allowed: true, Remaining: l.LimitFor(endpoint).MaxRequests}
	}
	l.rateMu.Lock()
	defer l.rateMu.Unlock()
	return l.checkRateLocked(userID, endpoint, l.now())
}

func (l *Ledger) checkRateLocked(userID, endpoint string, now time.Time) RateDecision {
	limit := l.LimitFor(endpoint)
	w, ok := l.windows[rateKey{userID, endpoint}]
	if !ok {
		return RateDecision{Allowed: true, Remaining: limit.MaxRequests}
	}
	w.prune(now, limit.Window)
	if len(w.entries) < limit.MaxRequests {
		return RateDecision{Allowed: true, Remaining: limit.MaxRequests - len(w.entries)}
	}
	return RateDecision{
		Allowed:    false,
		RetryAfter: w.entries[0].Add(limit.Window).Sub(now),
	}
}

// RecordRequest appends a timestamped entry for userID on endpoint.
func (l *Ledger) RecordRequest(userID, endpoint string) {
	if userID == "" {
		return
	}
	l.rateMu.Lock()
	defer l.rateMu.Unlock()
	l.recordLocked(userID, endpoint, l.now())
}

func (l *Ledger) recordLocked(userID, endpoint string, now time.Time) {
	key := rateKey{userID, endpoint}
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.entries = append(w.entries, now)
}

// Admit checks and, when allowed, records the request in one step.
func (l *Ledger) Admit(userID, endpoint string) RateDecision {
	if userID == "" {
		return RateDecision{Allowed: true, Remaining: l.LimitFor(endpoint).MaxRequests}
	}
	l.rateMu.Lock()
	defer l.rateMu.Unlock()

	now := l.now()
	d := l.checkRateLocked(userID, endpoint, now)
	if d.Allowed {
		l.recordLocked(userID, endpoint, now)
		d.Remaining--
	}
	return d
}

// RateStatus returns userID's current window on endpoint.
func (l *Ledger) RateStatus(userID, endpoint string) RateStatus {
	limit := l.LimitFor(endpoint)
	st := RateStatus{
		Endpoint:    endpoint,
		Window:      limit.Window,
		MaxRequests: limit.MaxRequests,
		Remaining:   limit.MaxRequests,
	}

	l.rateMu.Lock()
	defer l.rateMu.Unlock()

	w, ok := l.windows[rateKey{userID, endpoint}]
	if !ok {
		return st
	}
	now := l.now()
	w.prune(now, limit.Window)
	st.Used = len(w.entries)
	st.Remaining = max(limit.MaxRequests-st.Used, 0)
	if st.Used > 0 {
		st.ResetIn = w.entries[0].Add(limit.Window).Sub(now)
	}
	return st
}

// PruneIdle drops windows with no live entries and returns how many were
// removed.
func (l *Ledger) PruneIdle() int {
	l.rateMu.Lock()
	defer l.rateMu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		w.prune(now, l.LimitFor(key.endpoint).Window)
		if len(w.entries) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
