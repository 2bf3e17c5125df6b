package bridge

import (
	"sync"
	"time"
)

// windowLimiter enforces the per-binding (maxMessages, windowMs) budget
// with a true sliding window per (groupId, serverId) key.
type windowLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func newWindowLimiter() *windowLimiter {
	return &windowLimiter{windows: make(map[string][]time.Time)}
}

// Allow records one message against the key's window and reports whether
// it fits the budget. max <= 0 disables limiting for the binding.
func (l *windowLimiter) Allow(key string, now time.Time, max int, window time.Duration) bool {
	if max <= 0 || window <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	times := l.windows[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		l.windows[key] = kept
		return false
	}
	l.windows[key] = append(kept, now)
	return true
}

// prune drops windows idle longer than maxIdle.
func (l *windowLimiter) prune(now time.Time, maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, times := range l.windows {
		if len(times) == 0 || now.Sub(times[len(times)-1]) > maxIdle {
			delete(l.windows, key)
		}
	}
}
