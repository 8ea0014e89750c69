package remediation

import (
	"slices"
	"sync"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/journal"
)

// CircuitBreaker limits remediation rate with a sliding one-hour window and a
// per-operation cooldown. A maxPerHour of zero or less disables the window.
type CircuitBreaker struct {
	mu          sync.Mutex
	maxPerHour  int
	cooldown    time.Duration
	recentTimes []time.Time
	lastRun     map[string]time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given limits.
func NewCircuitBreaker(maxPerHour int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxPerHour: maxPerHour,
		cooldown:   cooldown,
		lastRun:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// IsOpen returns true if the breaker has tripped (too many remediations this hour).
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.maxPerHour <= 0 {
		return false
	}
	cb.pruneOld()
	return len(cb.recentTimes) >= cb.maxPerHour
}

// IsOnCooldown returns true if operation was remediated within the cooldown.
func (cb *CircuitBreaker) IsOnCooldown(operation string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	last, ok := cb.lastRun[operation]
	if !ok {
		return false
	}
	return cb.now().Sub(last) < cb.cooldown
}

// Record notes a remediation run for operation.
func (cb *CircuitBreaker) Record(operation string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()
	cb.recentTimes = append(cb.recentTimes, now)
	cb.lastRun[operation] = now
}

// Seed replays remediation runs recorded in the journal so the hourly cap and
// cooldown hold across processes. The strategy entries of one run count once.
// It returns the number of runs taken into account.
func (cb *CircuitBreaker) Seed(entries []journal.Entry) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cutoff := cb.now().Add(-max(time.Hour, cb.cooldown))
	type run struct{ id, op string }
	runs := make(map[run]time.Time)
	for _, e := range entries {
		if e.Event != journal.EventRemediation || e.Timestamp.Before(cutoff) {
			continue
		}
		k := run{e.RunID, e.Operation}
		if e.Timestamp.After(runs[k]) {
			runs[k] = e.Timestamp
		}
	}

	for k, ts := range runs {
		cb.recentTimes = append(cb.recentTimes, ts)
		if ts.After(cb.lastRun[k.op]) {
			cb.lastRun[k.op] = ts
		}
	}
	slices.SortFunc(cb.recentTimes, func(a, b time.Time) int { return a.Compare(b) })
	return len(runs)
}

// pruneOld removes entries older than 1 hour from the sliding window.
func (cb *CircuitBreaker) pruneOld() {
	cutoff := cb.now().Add(-1 * time.Hour)
	i := 0
	for i < len(cb.recentTimes) && cb.recentTimes[i].Before(cutoff) {
		i++
	}
	cb.recentTimes = cb.recentTimes[i:]
}
