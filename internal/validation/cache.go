package validation

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/pkg/document"
)

// Outcome is a memoized validation verdict.
type Outcome struct {
	Valid  bool
	Issues []recordstore.Issue
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	// CapacityPerType is the LRU capacity of each record type's shard.
	CapacityPerType int
	// TTL bounds how stale a cached verdict may be after validation
	// rules change.
	TTL time.Duration
	// SweepInterval is how often the background sweep scans for
	// expired entries.
	SweepInterval time.Duration
}

// DefaultCacheConfig returns the default result cache configuration.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		CapacityPerType: 512,
		TTL:             15 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
	Entries   int
}

type cacheEntry struct {
	key       string
	outcome   Outcome
	expiresAt time.Time
	element   *list.Element
	hitCount  uint64
}

// typeShard is one record type's LRU. Entries move to the front of
// order on access; eviction removes from the back.
type typeShard struct {
	items map[string]*cacheEntry
	order *list.List
}

// ResultCache memoizes validation outcomes keyed by the hash of a
// volatile-field-stripped body. Thread safe; the background sweep never
// holds the lock for longer than an entry removal per expired key.
type ResultCache struct {
	mu     sync.Mutex
	shards map[string]*typeShard
	cfg    *CacheConfig
	logger *slog.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64
}

// NewResultCache creates a result cache with the given configuration.
func NewResultCache(cfg *CacheConfig, logger *slog.Logger) *ResultCache {
	if cfg == nil {
		cfg = DefaultCacheConfig()
	}
	if cfg.CapacityPerType < 1 {
		cfg.CapacityPerType = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultCache{
		shards: make(map[string]*typeShard),
		cfg:    cfg,
		logger: logger,
	}
}

// Get looks up the memoized outcome for a body. A hit refreshes the
// entry's LRU position. Expired entries count as misses and are removed.
func (c *ResultCache) Get(recordType string, body document.Document) (Outcome, bool) {
	key := document.Hash(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	shard, ok := c.shards[recordType]
	if !ok {
		c.misses.Add(1)
		return Outcome{}, false
	}
	e, ok := shard.items[key]
	if !ok {
		c.misses.Add(1)
		return Outcome{}, false
	}
	if time.Now().After(e.expiresAt) {
		shard.order.Remove(e.element)
		delete(shard.items, key)
		c.expired.Add(1)
		c.misses.Add(1)
		return Outcome{}, false
	}

	shard.order.MoveToFront(e.element)
	e.hitCount++
	c.hits.Add(1)
	return e.outcome, true
}

// Put stores an outcome under the body's normalized hash, evicting the
// least recently used entry when the type's shard is at capacity.
func (c *ResultCache) Put(recordType string, body document.Document, outcome Outcome) {
	key := document.Hash(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	shard, ok := c.shards[recordType]
	if !ok {
		shard = &typeShard{items: make(map[string]*cacheEntry), order: list.New()}
		c.shards[recordType] = shard
	}

	if e, ok := shard.items[key]; ok {
		e.outcome = outcome
		e.expiresAt = time.Now().Add(c.cfg.TTL)
		shard.order.MoveToFront(e.element)
		return
	}

	if len(shard.items) >= c.cfg.CapacityPerType {
		if back := shard.order.Back(); back != nil {
			oldKey := back.Value.(string)
			shard.order.Remove(back)
			delete(shard.items, oldKey)
			c.evictions.Add(1)
		}
	}

	elem := shard.order.PushFront(key)
	shard.items[key] = &cacheEntry{
		key:       key,
		outcome:   outcome,
		expiresAt: time.Now().Add(c.cfg.TTL),
		element:   elem,
	}
}

// Stats returns a snapshot of the cache counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	entries := 0
	for _, s := range c.shards {
		entries += len(s.items)
	}
	c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		Entries:   entries,
	}
}

// StartSweep runs the TTL sweep on its own schedule until ctx is
// cancelled. It is decoupled from the request path: each pass collects
// expired keys under the lock one shard at a time.
func (c *ResultCache) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.sweepOnce(time.Now())
			if removed > 0 {
				c.logger.Debug("validation cache sweep", "removed", removed)
			}
		}
	}
}

// sweepOnce removes expired entries shard by shard, releasing the lock
// between shards so request-path callers interleave with the sweep.
func (c *ResultCache) sweepOnce(now time.Time) int {
	c.mu.Lock()
	types := make([]string, 0, len(c.shards))
	for t := range c.shards {
		types = append(types, t)
	}
	c.mu.Unlock()

	removed := 0
	for _, recordType := range types {
		c.mu.Lock()
		shard, ok := c.shards[recordType]
		if !ok {
			c.mu.Unlock()
			continue
		}
		for key, e := range shard.items {
			if now.After(e.expiresAt) {
				shard.order.Remove(e.element)
				delete(shard.items, key)
				c.expired.Add(1)
				removed++
			}
		}
		c.mu.Unlock()
	}
	return removed
}
