// Package cache memoizes serialized listing responses so repeated document
// listing queries skip the database between mutations.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTTL bounds how long a cached response stays valid.
	DefaultTTL = 5 * time.Second
	// DefaultSweepInterval paces the background eviction of expired entries.
	DefaultSweepInterval = 60 * time.Second
)

type entry struct {
	body      []byte
	expiresAt time.Time
}

// ResponseCache stores serialized response bodies keyed by listing query.
// All faults degrade to a miss; callers never fail a request on cache errors.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// Config describes the cache dependencies.
type Config struct {
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// New constructs a ResponseCache.
func New(cfg Config) *ResponseCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   clock,
		logger:  logger,
	}
}

// Key derives the cache key for a document listing query. Sort order is not
// part of the key: the listing sort is fixed, and adding sort options
// requires extending this key or results leak across sort variants.
func Key(search, collectionID string, full bool) string {
	return fmt.Sprintf("documents|%s|%s|%t", search, collectionID, full)
}

// Get returns the cached bytes for key when present and unexpired. Stale
// entries are evicted on the way out.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock().After(cached.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return cached.body, true
}

// Put serializes payload exactly once, stores it under key and returns the
// serialized bytes so the caller can reuse them for the response it is about
// to send. A serialization fault is reported as an error and nothing is
// stored.
func (c *ResponseCache) Put(key string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("cache serialization failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = entry{body: body, expiresAt: c.clock().Add(c.ttl)}
	c.mu.Unlock()

	return body, nil
}

// InvalidateAll clears every entry. Invoked after any write that could
// change listing results; invalidation is deliberately coarse.
func (c *ResponseCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len reports the number of stored entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartSweep evicts expired entries on a fixed interval until ctx is done,
// bounding memory even without read traffic.
func (c *ResponseCache) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictExpired()
			}
		}
	}()
}

func (c *ResponseCache) evictExpired() {
	now := c.clock()
	c.mu.Lock()
	for key, cached := range c.entries {
		if now.After(cached.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
