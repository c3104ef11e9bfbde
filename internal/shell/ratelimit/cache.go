// Package ratelimit bounds how often sweeps may touch a host.
package ratelimit

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache records the last access time per key.
type Cache interface {
	Get(key string) (time.Time, bool)
	Put(key string, t time.Time)
	Evict(key string)
	Len() int
}

// Defaults for ExpiringCache.
const (
	DefaultMaxSize = 100
	DefaultTTL     = 24 * time.Hour
)

// ExpiringCache is a size-bounded access-time cache. Entries expire TTL
// after they were written and the least recently used entry is dropped
// once MaxSize is reached.
type ExpiringCache struct {
	lru *expirable.LRU[string, time.Time]
}

// NewExpiringCache creates a cache. Non-positive arguments take the defaults.
func NewExpiringCache(maxSize int, ttl time.Duration) *ExpiringCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ExpiringCache{lru: expirable.NewLRU[string, time.Time](maxSize, nil, ttl)}
}

// Get returns the recorded time for key.
func (c *ExpiringCache) Get(key string) (time.Time, bool) {
	return c.lru.Get(key)
}

// Put records t for key.
func (c *ExpiringCache) Put(key string, t time.Time) {
	c.lru.Add(key, t)
}

// Evict removes key.
func (c *ExpiringCache) Evict(key string) {
	c.lru.Remove(key)
}

// Len returns the number of unexpired entries.
func (c *ExpiringCache) Len() int {
	return c.lru.Len()
}
