// Package cache keeps run summaries and submission counters close to the API.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrTenantRequired is returned for a key without a tenant.
var ErrTenantRequired = errors.New("cache: tenantID is required")

const (
	defaultLocalSize = 10000
	defaultLocalTTL  = 5 * time.Minute
)

// New builds the cache named by cfg.Type. A "redis" cache is fronted by an
// in-process tier when two-phase caching is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(cfg.LocalMaxSize, cfg.LocalTTL), nil
	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewLayeredCache(NewMemoryCache(cfg.LocalMaxSize, cfg.LocalTTL), remote), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// cloneSummary copies a summary so cached values never alias caller maps.
func cloneSummary(s *domain.RunSummary) *domain.RunSummary {
	out := *s
	out.FlagCounts = maps.Clone(s.FlagCounts)
	return &out
}

func encodeSummary(s *domain.RunSummary) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode run summary: %w", err)
	}
	return data, nil
}

func decodeSummary(data []byte) (*domain.RunSummary, error) {
	var s domain.RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode run summary: %w", err)
	}
	return &s, nil
}
