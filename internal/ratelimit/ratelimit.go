// Package ratelimit implements the sliding-window connection limiter used by
// SMTP admission.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is an in-memory sliding-window rate limiter keyed by string
// (the SMTP layer keys it by remote IP).
type Limiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration

	now func() time.Time // replaced in tests
}

// New creates a limiter admitting up to limit hits per key per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it is admitted. The hit
// that reaches the limit is still admitted; the one past it is not.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	var valid []time.Time
	for _, t := range l.hits[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.limit {
		l.hits[key] = valid
		return false
	}

	l.hits[key] = append(valid, now)
	return true
}

// Remaining returns how many hits key has left in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Add(-l.window)
	count := 0
	for _, t := range l.hits[key] {
		if t.After(windowStart) {
			count++
		}
	}

	if remaining := l.limit - count; remaining > 0 {
		return remaining
	}
	return 0
}

// Prune drops keys whose hits have all aged out of the window. The SMTP
// server calls this from a scheduler tick so idle IPs do not accumulate.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Add(-l.window)
	for key, hits := range l.hits {
		var valid []time.Time
		for _, t := range hits {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = valid
		}
	}
}
