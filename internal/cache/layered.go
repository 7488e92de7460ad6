package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LayeredCache reads summaries from process memory before Redis and writes
// them to both. Counters always go to Redis so every replica sees one count.
type LayeredCache struct {
	near *MemoryCache
	far  *RedisCache
}

// NewLayeredCache fronts far with near.
func NewLayeredCache(near *MemoryCache, far *RedisCache) *LayeredCache {
	return &LayeredCache{near: near, far: far}
}

// RunSummary checks memory, then Redis, refilling memory on a Redis hit.
func (c *LayeredCache) RunSummary(ctx context.Context, tenantID, runID string) (*domain.RunSummary, error) {
	if s, err := c.near.RunSummary(ctx, tenantID, runID); err != nil || s != nil {
		return s, err
	}
	s, err := c.far.RunSummary(ctx, tenantID, runID)
	if err != nil || s == nil {
		return nil, err
	}
	_ = c.near.PutRunSummary(ctx, tenantID, runID, s, 0)
	return s, nil
}

// PutRunSummary writes memory first, then Redis with the full ttl.
func (c *LayeredCache) PutRunSummary(ctx context.Context, tenantID, runID string, summary *domain.RunSummary, ttl time.Duration) error {
	if err := c.near.PutRunSummary(ctx, tenantID, runID, summary, ttl); err != nil {
		return err
	}
	return c.far.PutRunSummary(ctx, tenantID, runID, summary, ttl)
}

// Incr delegates to Redis.
func (c *LayeredCache) Incr(ctx context.Context, tenantID, counter string, window time.Duration) (int64, error) {
	return c.far.Incr(ctx, tenantID, counter, window)
}

// Ping reports Redis health; the memory tier cannot fail.
func (c *LayeredCache) Ping(ctx context.Context) error {
	if err := c.far.Ping(ctx); err != nil {
		return fmt.Errorf("redis tier: %w", err)
	}
	return nil
}

// Close releases both tiers.
func (c *LayeredCache) Close() error {
	return errors.Join(c.near.Close(), c.far.Close())
}
