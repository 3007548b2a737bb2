package util

import (
	"sync"
	"time"
)

// Throttle rate-limits repeated actions per key, allowing each key through
// at most once per period. Used to keep recurring warnings (overruns, gap
// retries) from flooding the log.
type Throttle struct {
	period time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
	now    func() time.Time // test hook
}

// NewThrottle creates a Throttle with the given minimum period between
// allowed actions for the same key.
func NewThrottle(period time.Duration) *Throttle {
	return &Throttle{
		period: period,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the action identified by key may run now, and if so
// records the time. The first call for a key is always allowed.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.period {
		return false
	}
	t.last[key] = now
	return true
}
