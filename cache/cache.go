// Package cache is an in-memory TTL cache for extraction results,
// keyed by the full job identity (URL, schema, render mode) so the
// same URL scraped with different schemas never collides.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/models"
)

type entry struct {
	result     *models.ExtractionResult
	createdAt  time.Time
	lastAccess time.Time
}

// Cache is safe for concurrent use. Entries expire after the
// configured TTL; at capacity the least recently read tenth of the
// store is evicted to make room.
type Cache struct {
	mu         sync.Mutex
	store      map[string]*entry
	maxEntries int
	ttl        time.Duration
	hits       int64
	misses     int64
	done       chan struct{}
	stopOnce   sync.Once
}

// New creates a Cache and starts its background sweeper, which drops
// expired entries every 5 minutes. Call Stop to release it.
func New(cfg config.CacheConfig) *Cache {
	c := &Cache{
		store:      make(map[string]*entry),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		done:       make(chan struct{}),
	}
	if c.maxEntries < 1 {
		c.maxEntries = 1
	}
	go c.sweepLoop()
	return c
}

// Key derives the cache key for a job. The schema is serialized with
// sorted field names (encoding/json sorts map keys), so equivalent
// schemas always produce the same key.
func Key(url string, schema map[string]models.FieldRule, renderMode string) string {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		schemaJSON = []byte("{}")
	}
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{'|'})
	h.Write(schemaJSON)
	h.Write([]byte{'|'})
	h.Write([]byte(renderMode))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for key if it is still fresh. Callers
// must treat the returned result as immutable.
func (c *Cache) Get(key string) (*models.ExtractionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store[key]
	if !ok || time.Since(e.createdAt) > c.ttl {
		c.misses++
		return nil, false
	}
	e.lastAccess = time.Now()
	c.hits++
	return e.result, true
}

// Set stores a result under key, evicting the coldest tenth of the
// store first when at capacity.
func (c *Cache) Set(key string, result *models.ExtractionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxEntries {
		c.evictColdestLocked()
	}
	now := time.Now()
	c.store[key] = &entry{result: result, createdAt: now, lastAccess: now}
}

// Stats reports entry count and lifetime hit/miss totals.
func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CacheStats{Entries: len(c.store), Hits: c.hits, Misses: c.misses}
}

// Stop terminates the background sweeper.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// evictColdestLocked removes the 10% of entries with the oldest last
// access, at least one. Sorting on eviction is fine at the configured
// capacities; eviction is rare next to network time.
func (c *Cache) evictColdestLocked() {
	type aged struct {
		key string
		at  time.Time
	}
	entries := make([]aged, 0, len(c.store))
	for k, e := range c.store {
		entries = append(entries, aged{k, e.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	n := len(entries) / 10
	if n < 1 {
		n = 1
	}
	for _, e := range entries[:n] {
		delete(c.store, e.key)
	}
	slog.Debug("cache evicted cold entries", "evicted", n, "remaining", len(c.store))
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-c.ttl)
			c.mu.Lock()
			for k, e := range c.store {
				if e.createdAt.Before(cutoff) {
					delete(c.store, k)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}
