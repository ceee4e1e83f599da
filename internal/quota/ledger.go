// Package quota implements the periodic budget ledger that gates
// external calls.
//
// Each external resource has a budget ceiling per period (a UTC day
// bucket). Branches racing to consume the same budget go through
// TryConsume, an atomic check-and-increment: either the full requested
// amount is granted or nothing is, so consumed never exceeds the
// ceiling under any interleaving. A denial is final for the period:
// callers must not retry, since the budget will not recover until the
// period key rolls over. Stale period buckets are simply never read
// again; no explicit reset is needed.
package quota

import (
	"sync"
	"time"
)

// NowFunc supplies the ledger's notion of current time. Injected so
// tests can pin the period.
type NowFunc func() time.Time

// Budget is one resource's ceiling for a period.
type Budget struct {
	Resource string
	Ceiling  int64
}

// Ledger tracks consumed units per (resource, period) bucket.
//
// Thread-safety: all methods are safe for concurrent use. TryConsume
// is linearizable across branches via the internal mutex.
type Ledger struct {
	mu       sync.Mutex
	ceilings map[string]int64
	consumed map[bucketKey]int64
	now      NowFunc
}

type bucketKey struct {
	resource string
	period   string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNow overrides the ledger's clock.
func WithNow(now NowFunc) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger with the given per-resource ceilings.
// Resources not listed have a ceiling of zero and deny everything.
func NewLedger(budgets []Budget, opts ...Option) *Ledger {
	l := &Ledger{
		ceilings: make(map[string]int64, len(budgets)),
		consumed: make(map[bucketKey]int64),
		now:      time.Now,
	}
	for _, b := range budgets {
		l.ceilings[b.Resource] = b.Ceiling
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PeriodKey returns the UTC day bucket for t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// TryConsume atomically charges units against the resource's current
// period bucket. Returns true and records the charge if it fits under
// the ceiling; returns false with no side effects otherwise.
//
// Callers MUST check the result before issuing the corresponding
// external call and must not issue the call on denial.
func (l *Ledger) TryConsume(resource string, units int64) bool {
	if units < 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ceiling, ok := l.ceilings[resource]
	if !ok {
		return false
	}
	key := bucketKey{resource: resource, period: PeriodKey(l.now())}
	if l.consumed[key]+units > ceiling {
		return false
	}
	l.consumed[key] += units
	return true
}

// Remaining returns the unconsumed budget for the resource's current
// period. Used for logging and diagnostics.
func (l *Ledger) Remaining(resource string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	ceiling := l.ceilings[resource]
	key := bucketKey{resource: resource, period: PeriodKey(l.now())}
	remaining := ceiling - l.consumed[key]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Consumed returns the units charged to the resource's current period.
func (l *Ledger) Consumed(resource string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := bucketKey{resource: resource, period: PeriodKey(l.now())}
	return l.consumed[key]
}
