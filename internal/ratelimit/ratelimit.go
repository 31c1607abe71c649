// Package ratelimit implements a per-client fixed-window rate limiter.
// Thread-safe. No background goroutines: windows reset lazily on each Allow call
// and expired entries are only removed by an explicit Cleanup.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has used up its window quota.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the window rate limiter.
type Config struct {
	Limit  int              // Calls allowed per window. 0 = unlimited (Allow always succeeds).
	Window time.Duration    // Window length. 0 = one minute.
	Clock  func() time.Time // Time source. nil = time.Now.
}

// Limiter is a per-client window rate limiter.
// Each client gets an independent counter; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	period := cfg.Window
	if period <= 0 {
		period = time.Minute
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		clients: make(map[string]*window),
		limit:   cfg.Limit,
		period:  period,
		now:     now,
	}
}

// Limit returns the per-window quota.
func (l *Limiter) Limit() int { return l.limit }

// Allow records one call for the client.
// Returns ErrRateLimited once the quota for the current window is used up.
func (l *Limiter) Allow(clientID string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.clients[clientID]
	if !ok || now.Sub(w.start) >= l.period {
		l.clients[clientID] = &window{count: 1, start: now}
		return nil
	}
	if w.count >= l.limit {
		return ErrRateLimited
	}
	w.count++
	return nil
}

// Remaining returns the calls left in the client's current window.
// Unseen clients and clients whose window elapsed get the full quota.
func (l *Limiter) Remaining(clientID string) int {
	if l.limit <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[clientID]
	if !ok || l.now().Sub(w.start) >= l.period {
		return l.limit
	}
	return max(l.limit-w.count, 0)
}

// Cleanup removes clients whose window has elapsed and returns how many were
// removed. Calling it again without new traffic removes nothing.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, w := range l.clients {
		if now.Sub(w.start) >= l.period {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
