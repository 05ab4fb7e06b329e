// Package cache provides a time-limited deduplication cache for inbound chat
// events.
//
// Slack redelivers an event whenever the ingress misses its acknowledgment
// budget, so the dispatch pipeline must drop duplicates by event id instead
// of running the same agent turn twice.
package cache

import (
	"sync"
	"time"
)

// DedupeCache remembers keys for a bounded TTL and capacity.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]int64 // key -> unix millis last seen
	ttl     time.Duration
	maxSize int
}

// DedupeOptions configures the cache.
type DedupeOptions struct {
	// TTL is how long a key counts as a duplicate. Zero means forever.
	TTL time.Duration
	// MaxSize bounds memory; the oldest entries are evicted past it.
	MaxSize int
}

// NewDedupeCache creates a deduplication cache.
func NewDedupeCache(opts DedupeOptions) *DedupeCache {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &DedupeCache{
		entries: make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether key was recorded within the TTL, recording it either
// way. An empty key is never a duplicate.
func (c *DedupeCache) Seen(key string) bool {
	return c.SeenAt(key, time.Now())
}

// SeenAt is Seen with an explicit clock, for tests.
func (c *DedupeCache) SeenAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMillis := now.UnixMilli()
	duplicate := false
	if last, ok := c.entries[key]; ok {
		if c.ttl <= 0 || nowMillis-last < c.ttl.Milliseconds() {
			duplicate = true
		}
	}

	c.entries[key] = nowMillis
	if !duplicate {
		c.prune(nowMillis)
	}
	return duplicate
}

// prune drops expired entries, then evicts the oldest until under capacity.
func (c *DedupeCache) prune(nowMillis int64) {
	if c.ttl > 0 {
		cutoff := nowMillis - c.ttl.Milliseconds()
		for key, last := range c.entries {
			if last < cutoff {
				delete(c.entries, key)
			}
		}
	}

	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldest := int64(^uint64(0) >> 1)
		for key, last := range c.entries {
			if last < oldest {
				oldest = last
				oldestKey = key
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
