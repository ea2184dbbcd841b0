package realtime

import (
	"sync"
	"time"
)

// frameLimiter caps inbound frames per connection over a sliding window.
// It keeps the last limit timestamps in a ring; a frame is allowed when the
// oldest of them has left the window.
type frameLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	window time.Duration
}

func newFrameLimiter(limit int, window time.Duration) *frameLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &frameLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether a frame at now is permitted and records it if so.
func (f *frameLimiter) Allow(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	oldest := f.ring[f.next]
	if !oldest.IsZero() && now.Sub(oldest) < f.window {
		return false
	}
	f.ring[f.next] = now
	f.next = (f.next + 1) % len(f.ring)
	return true
}
