package graph

import (
	"sync"
	"time"

	"github.com/driftline/driftline/pkg/telemetry"
)

// DefaultCacheTTL bounds how long an impact analysis result is served
// without recomputation.
const DefaultCacheTTL = 5 * time.Minute

type cacheKey struct {
	id    string
	depth int
}

type cacheEntry struct {
	analysis *ImpactAnalysis
	// touches is every resource id the analysis visited. A mutation on
	// any of them invalidates this entry and only this entry.
	touches   map[string]bool
	expiresAt time.Time
}

// queryCache caches impact analyses keyed by (resource id, max depth)
// with a fixed TTL and targeted invalidation on graph mutation.
type queryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
	metrics *telemetry.Metrics
}

func newQueryCache(ttl time.Duration, metrics *telemetry.Metrics) *queryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &queryCache{
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
		metrics: metrics,
	}
}

func (c *queryCache) get(key cacheKey) (*ImpactAnalysis, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		if c.metrics != nil {
			c.metrics.RecordCacheLookup("miss")
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.RecordCacheLookup("hit")
	}
	return entry.analysis, true
}

func (c *queryCache) put(key cacheKey, analysis *ImpactAnalysis, touched []string) {
	touches := make(map[string]bool, len(touched))
	for _, id := range touched {
		touches[id] = true
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{
		analysis:  analysis,
		touches:   touches,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// invalidate drops only the entries whose traversal touched one of the
// mutated resources.
func (c *queryCache) invalidate(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		for _, id := range ids {
			if entry.touches[id] {
				delete(c.entries, key)
				break
			}
		}
	}
}
