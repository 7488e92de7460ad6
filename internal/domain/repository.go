// Package domain defines the types shared across Kestrel and the
// interfaces of its storage, cache and messaging backends.
package domain

import (
	"context"
	"time"
)

// Repository persists runs, their scored claims and tenant reference data.
// Every call is scoped to tenantID; an empty tenant is rejected.
type Repository interface {
	SaveRun(ctx context.Context, tenantID string, run *Run) error
	GetRun(ctx context.Context, tenantID, runID string) (*Run, error)
	// ListRuns returns up to limit runs, newest first.
	ListRuns(ctx context.Context, tenantID string, limit int) ([]*Run, error)

	// SaveResults writes a run's scored claims atomically, keeping their
	// order; GetResults returns those scoring at least minScore.
	SaveResults(ctx context.Context, tenantID, runID string, results []ScoredResult) error
	GetResults(ctx context.Context, tenantID, runID string, minScore float64) ([]ScoredResult, error)

	SaveBundle(ctx context.Context, tenantID string, bundle *BundleDefinition) error
	ListBundles(ctx context.Context, tenantID string) ([]BundleDefinition, error)

	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID, ruleID string) (*RuleConfig, error)
	// ListRuleConfigs returns the tenant's enabled rules.
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects the SQL driver and its connection settings.
type RepositoryConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Pool limits; zero keeps the database/sql default.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
