// Package stats holds the shared mutable counters the orchestrators mutate
// concurrently: the onboarding outcome histogram, per-bot completed
// conversation counts, and the roster that load-balances bot assignment.
// Each structure exposes only atomic read-modify-write operations and
// snapshots; raw maps never leave the lock.
package stats

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoBotsAvailable is returned when the roster has no bot identities left
// with remaining need.
var ErrNoBotsAvailable = errors.New("no bot identities with remaining need")

// Histogram is a mutex-guarded outcome -> count table.
type Histogram struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewHistogram creates an empty Histogram.
func NewHistogram() *Histogram {
	return &Histogram{counts: make(map[string]int)}
}

// Observe increments the count for key by one.
func (h *Histogram) Observe(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[key]++
}

// Snapshot returns a copy of the current counts.
func (h *Histogram) Snapshot() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// RunStats counts conversations completed per bot identity.
type RunStats struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRunStats creates an empty RunStats.
func NewRunStats() *RunStats {
	return &RunStats{counts: make(map[string]int)}
}

// Increment records one completed conversation for the bot identity.
func (s *RunStats) Increment(bot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[bot]++
}

// Snapshot returns a copy of the per-bot counts.
func (s *RunStats) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Roster assigns bot identities to new conversations. Each identity has a
// quota of conversations still needed; Pick always chooses the identity with
// the greatest remaining need and charges it immediately, so concurrent
// callers never act on a stale count.
type Roster struct {
	mu       sync.Mutex
	needed   map[string]int
	assigned map[string]int
}

// NewRoster creates a Roster from the conversations-needed quota map.
func NewRoster(conversationsNeeded map[string]int) *Roster {
	needed := make(map[string]int, len(conversationsNeeded))
	for k, v := range conversationsNeeded {
		needed[k] = v
	}
	return &Roster{
		needed:   needed,
		assigned: make(map[string]int, len(conversationsNeeded)),
	}
}

// Pick selects the bot identity with the largest remaining need, counting
// already-assigned conversations against the quota, and increments its
// assigned count under the same lock. Ties break lexicographically.
func (r *Roster) Pick() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.needed))
	for name := range r.needed {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestRemaining := 0
	for _, name := range names {
		remaining := r.needed[name] - r.assigned[name]
		if remaining > bestRemaining {
			best = name
			bestRemaining = remaining
		}
	}
	if best == "" {
		return "", ErrNoBotsAvailable
	}

	r.assigned[best]++
	return best, nil
}

// Release returns one assignment to the quota, used when a conversation is
// abandoned before completion.
func (r *Roster) Release(bot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assigned[bot] > 0 {
		r.assigned[bot]--
	}
}

// Remaining returns a copy of the remaining-need table.
func (r *Roster) Remaining() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.needed))
	for name, need := range r.needed {
		out[name] = need - r.assigned[name]
	}
	return out
}
