package scheduler

import (
	"sync"
	"time"
)

// Gate enforces the global publish rate: at most limit publish attempts in
// any sliding window. Allow consumes a slot, so callers only ask when they
// are about to publish.
type Gate struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	starts []time.Time
}

// NewGate builds a gate. A non-positive window or limit disables limiting.
func NewGate(window time.Duration, limit int) *Gate {
	return &Gate{window: window, limit: limit}
}

// Allow reports whether a publish may start now, recording it when allowed.
func (g *Gate) Allow(now time.Time) bool {
	if g == nil || g.window <= 0 || g.limit <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-g.window)
	kept := g.starts[:0]
	for _, t := range g.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.starts = kept
	if len(g.starts) >= g.limit {
		return false
	}
	g.starts = append(g.starts, now)
	return true
}

// Pending reports how many slots are currently consumed.
func (g *Gate) Pending(now time.Time) int {
	if g == nil || g.window <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-g.window)
	count := 0
	for _, t := range g.starts {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
