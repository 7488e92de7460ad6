package domain

import (
	"context"
	"time"
)

// Cache holds state that can always be rebuilt: summaries of completed runs
// and fixed-window submission counters. A miss is reported as nil, not as
// an error, and every key is scoped to a tenant.
type Cache interface {
	RunSummary(ctx context.Context, tenantID, runID string) (*RunSummary, error)
	PutRunSummary(ctx context.Context, tenantID, runID string, summary *RunSummary, ttl time.Duration) error

	// Incr adds one to the named counter and returns the new count. The
	// counter resets once window has passed since its first increment.
	Incr(ctx context.Context, tenantID, counter string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	// In-process tier. LocalTTL caps how long a summary stays in memory.
	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts the in-process tier in front of Redis.
	EnableTwoPhase bool
}
