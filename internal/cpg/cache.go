package cpg

import (
	"sync"
	"sync/atomic"
)

// QueryCache memoises raw backend results keyed by normalised query text.
// Within one backend generation it is append-only: an entry, once stored,
// is never replaced or removed individually. Clear drops everything and is
// only called when the backend restarts.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewQueryCache creates an empty cache.
func NewQueryCache() *QueryCache {
	return &QueryCache{entries: make(map[string]string)}
}

// Get returns the cached result for the query.
func (c *QueryCache) Get(query string) (string, bool) {
	c.mu.RLock()
	v, ok := c.entries[normalizeQuery(query)]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Put stores a result. An existing entry for the same query wins.
func (c *QueryCache) Put(query, result string) {
	key := normalizeQuery(query)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = result
	}
}

// Clear drops every entry.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
}

// Len returns the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries" yaml:"entries"`
	Hits    int64 `json:"hits" yaml:"hits"`
	Misses  int64 `json:"misses" yaml:"misses"`
}

// Stats returns a snapshot of the counters.
func (c *QueryCache) Stats() CacheStats {
	return CacheStats{Entries: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}
