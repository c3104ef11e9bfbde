package ratelimit

import (
	"sync"
	"time"
)

// DefaultMinInterval is the minimum time between two sweeps of one host.
const DefaultMinInterval = 30 * time.Second

// HostLimiter admits at most one sweep per host per interval.
type HostLimiter struct {
	cache    Cache
	interval time.Duration
	now      func() time.Time

	mu sync.Mutex // makes Allow's check-and-record atomic
}

// NewHostLimiter creates a limiter over cache. A nil now uses time.Now.
func NewHostLimiter(cache Cache, interval time.Duration, now func() time.Time) *HostLimiter {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	if now == nil {
		now = time.Now
	}
	return &HostLimiter{cache: cache, interval: interval, now: now}
}

// Allow reports whether hostID may be swept now and, if so, records the access.
func (l *HostLimiter) Allow(hostID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if last, ok := l.cache.Get(hostID); ok && now.Sub(last) < l.interval {
		return false
	}
	l.cache.Put(hostID, now)
	return true
}

// Forget clears the record for hostID so the next Allow succeeds.
func (l *HostLimiter) Forget(hostID string) {
	l.cache.Evict(hostID)
}

// Interval returns the configured minimum interval.
func (l *HostLimiter) Interval() time.Duration {
	return l.interval
}
