// Package ratelimit implements the minimum-interval gate for device-code polling.
package ratelimit

import (
	"sync"
	"time"
)

// PollGate enforces a minimum spacing between polls of the same key.
// Polling faster than the interval is rejected and does not reset the clock,
// so a fast-polling client still succeeds once the original interval elapses.
type PollGate struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewPollGate returns an empty PollGate.
func NewPollGate() *PollGate {
	return &PollGate{last: make(map[string]time.Time)}
}

// Allow reports whether a poll for key is permitted now, given the minimum
// interval. The first poll for a key is always allowed.
func (g *PollGate) Allow(key string, interval time.Duration) bool {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.last[key]; ok && now.Sub(t) < interval {
		return false
	}
	g.last[key] = now
	return true
}

// Forget drops the state for a key once its grant reaches a terminal state.
func (g *PollGate) Forget(key string) {
	g.mu.Lock()
	delete(g.last, key)
	g.mu.Unlock()
}

// Sweep removes entries not seen for maxAge. Called periodically by the
// grant sweeper worker.
func (g *PollGate) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	g.mu.Lock()
	for k, t := range g.last {
		if t.Before(cutoff) {
			delete(g.last, k)
		}
	}
	g.mu.Unlock()
}
