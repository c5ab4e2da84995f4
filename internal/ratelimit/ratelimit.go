// ABOUTME: Sliding-window rate limiter keyed by client identifier (usually source IP).
// ABOUTME: Evicts stale timestamps on every check so the window moves continuously.

package ratelimit

import (
	"sync"
	"time"
)

// Limiter counts requests per key over a sliding time window.
// A key is allowed at most maxRequests requests within any window-sized
// interval ending now. Safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	clients     map[string][]time.Time

	// now is injectable for tests
	now func() time.Time
}

// New creates a Limiter allowing maxRequests per window for each key.
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		clients:     make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow reports whether the key may make a request now. When allowed, the
// request is recorded against the key. A denied call has no side effect.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps := l.evict(key, now)

	if len(stamps) >= l.maxRequests {
		return false
	}

	l.clients[key] = append(stamps, now)
	return true
}

// Remaining returns how many requests the key can still make in the current
// window. Never negative.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.evict(key, l.now())
	if rem := l.maxRequests - len(stamps); rem > 0 {
		return rem
	}
	return 0
}

// evict drops timestamps older than the window and returns the survivors.
// Keys with no recent activity are removed entirely to bound memory.
// Caller must hold l.mu.
func (l *Limiter) evict(key string, now time.Time) []time.Time {
	stamps := l.clients[key]
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = stamps[i:]
		if len(stamps) == 0 {
			delete(l.clients, key)
			return nil
		}
		l.clients[key] = stamps
	}
	return stamps
}
