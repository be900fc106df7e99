// ABOUTME: Sliding-window request limiter per caller token.
// ABOUTME: Stdlib by necessity, not default: x/time/rate is token-bucket, this is (window, max) sliding-window.

package httpapi

import (
	"sync"
	"time"
)

// Limiter tracks recent request timestamps per key within window, rejecting
// once a key has logged maxRequests within the trailing window.
type Limiter struct {
	window      time.Duration
	maxRequests int

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewLimiter constructs a sliding-window limiter of maxRequests per window,
// per key.
func NewLimiter(window time.Duration, maxRequests int) *Limiter {
	return &Limiter{
		window:      window,
		maxRequests: maxRequests,
		hits:        make(map[string][]time.Time),
	}
}

// Allow records one request for key and reports whether it is within the
// limit, pruning timestamps older than the window on every call.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.hits[key]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= l.maxRequests {
		l.hits[key] = pruned
		return false
	}

	l.hits[key] = append(pruned, now)
	return true
}
