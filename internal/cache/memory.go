package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryCache is the single-process cache. Summaries live in an expiring
// LRU; counters live in a map swept of stale windows as it grows.
type MemoryCache struct {
	summaries *expirable.LRU[string, summaryEntry]
	ttl       time.Duration

	mu       sync.Mutex
	counters map[string]counterWindow
	sweepAt  int
}

type summaryEntry struct {
	summary   *domain.RunSummary
	expiresAt time.Time
}

type counterWindow struct {
	count int64
	ends  time.Time
}

// NewMemoryCache holds up to size summaries for at most ttl each.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = defaultLocalSize
	}
	if ttl <= 0 {
		ttl = defaultLocalTTL
	}
	return &MemoryCache{
		summaries: expirable.NewLRU[string, summaryEntry](size, nil, ttl),
		ttl:       ttl,
		counters:  make(map[string]counterWindow),
		sweepAt:   size,
	}
}

func memoryKey(tenantID, name string) string {
	return tenantID + "/" + name
}

// RunSummary returns a copy of the cached summary, or nil on a miss.
func (c *MemoryCache) RunSummary(_ context.Context, tenantID, runID string) (*domain.RunSummary, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	key := memoryKey(tenantID, runID)
	entry, ok := c.summaries.Get(key)
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.summaries.Remove(key)
		return nil, nil
	}
	return cloneSummary(entry.summary), nil
}

// PutRunSummary stores summary until ttl or the cache's own TTL, whichever
// ends first.
func (c *MemoryCache) PutRunSummary(_ context.Context, tenantID, runID string, summary *domain.RunSummary, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}
	c.summaries.Add(memoryKey(tenantID, runID), summaryEntry{
		summary:   cloneSummary(summary),
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

// Incr counts within a fixed window starting at the first increment.
func (c *MemoryCache) Incr(_ context.Context, tenantID, counter string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	key := memoryKey(tenantID, counter)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.counters[key]
	if !ok || !now.Before(w.ends) {
		w = counterWindow{ends: now.Add(window)}
	}
	w.count++
	c.counters[key] = w

	if len(c.counters) > c.sweepAt {
		c.sweep(now)
	}
	return w.count, nil
}

// sweep drops finished windows. Callers hold mu.
func (c *MemoryCache) sweep(now time.Time) {
	for key, w := range c.counters {
		if !now.Before(w.ends) {
			delete(c.counters, key)
		}
	}
	c.sweepAt = max(2*len(c.counters), c.sweepAt)
}

// Len reports the number of cached summaries.
func (c *MemoryCache) Len() int {
	return c.summaries.Len()
}

// Ping always succeeds.
func (c *MemoryCache) Ping(context.Context) error {
	return nil
}

// Close drops all entries.
func (c *MemoryCache) Close() error {
	c.summaries.Purge()
	c.mu.Lock()
	clear(c.counters)
	c.mu.Unlock()
	return nil
}
