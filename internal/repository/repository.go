// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New connects to the configured database and creates any missing tables.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	repo := NewWithDB(db, cfg.Driver)
	if err := repo.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s schema: %w", cfg.Driver, err)
	}
	return repo, nil
}

// NewWithDB wraps an open database without running migrations.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun inserts or updates a scoring run with tenant isolation.
func (r *SQLRepository) SaveRun(ctx context.Context, tenantID string, run *domain.Run) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	config, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}

	query := `
		INSERT INTO scoring_runs (
			id, tenant_id, status, source, config, summary, error, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			status = excluded.status,
			source = excluded.source,
			config = excluded.config,
			summary = excluded.summary,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, tenantID, run.Status, run.Source,
		string(config), string(summary), run.Error,
		run.CreatedAt, completedAt,
	)
	return err
}

const runColumns = `id, tenant_id, status, source, config, summary, error, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var source, runErr sql.NullString
	var config, summary string
	var completedAt sql.NullTime

	if err := row.Scan(
		&run.ID, &run.TenantID, &run.Status, &source,
		&config, &summary, &runErr,
		&run.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	run.Source = source.String
	run.Error = runErr.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(config), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to parse run config for %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to parse run summary for %s: %w", run.ID, err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID with tenant isolation.
func (r *SQLRepository) GetRun(ctx context.Context, tenantID string, runID string) (*domain.Run, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + runColumns + ` FROM scoring_runs WHERE tenant_id = ? AND id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs of a tenant, newest first.
func (r *SQLRepository) ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.Run, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM scoring_runs WHERE tenant_id = ? ORDER BY created_at DESC, id LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveResults stores the scored claims of a run in a single transaction.
func (r *SQLRepository) SaveResults(ctx context.Context, tenantID string, runID string, results []domain.ScoredResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if runID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO scored_claims (
			tenant_id, run_id, seq, claim_id, patient_id, provider_id, charge_amount,
			fraud_score, fraud_reasons, rule_violations, statistical_flags, advisory_flags,
			is_duplicate, duplicate_of, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, res := range results {
		isDuplicate := 0
		if res.IsDuplicate {
			isDuplicate = 1
		}
		var duplicateOf sql.NullString
		if res.DuplicateOf != nil {
			duplicateOf = sql.NullString{String: *res.DuplicateOf, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			tenantID, runID, i, res.ClaimID, res.PatientID, res.ProviderID, res.ChargeAmount.String(),
			res.FraudScore, encodeSet(res.FraudReasons), encodeSet(res.RuleViolations),
			encodeSet(res.StatisticalFlags), encodeSet(res.AdvisoryFlags),
			isDuplicate, duplicateOf, res.ProcessedAt,
		); err != nil {
			return fmt.Errorf("failed to insert claim %s: %w", res.ClaimID, err)
		}
	}

	return tx.Commit()
}

// GetResults returns the scored claims of a run in input order, keeping
// only those scoring at least minScore.
func (r *SQLRepository) GetResults(ctx context.Context, tenantID string, runID string, minScore float64) ([]domain.ScoredResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT claim_id, patient_id, provider_id, charge_amount, fraud_score,
			   fraud_reasons, rule_violations, statistical_flags, advisory_flags,
			   is_duplicate, duplicate_of, processed_at
		FROM scored_claims
		WHERE tenant_id = ? AND run_id = ? AND fraud_score >= ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, runID, minScore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []domain.ScoredResult{}
	for rows.Next() {
		var res domain.ScoredResult
		var charge, reasons, violations, stats, advisory string
		var isDuplicate int
		var duplicateOf sql.NullString

		if err := rows.Scan(
			&res.ClaimID, &res.PatientID, &res.ProviderID, &charge, &res.FraudScore,
			&reasons, &violations, &stats, &advisory,
			&isDuplicate, &duplicateOf, &res.ProcessedAt,
		); err != nil {
			return nil, err
		}

		if res.ChargeAmount, err = decimal.NewFromString(charge); err != nil {
			return nil, fmt.Errorf("failed to parse charge for %s: %w", res.ClaimID, err)
		}
		res.FraudReasons = decodeSet(reasons)
		res.RuleViolations = decodeSet(violations)
		res.StatisticalFlags = decodeSet(stats)
		if adv := decodeSet(advisory); len(adv) > 0 {
			res.AdvisoryFlags = adv
		}
		res.IsDuplicate = isDuplicate == 1
		if duplicateOf.Valid {
			of := duplicateOf.String
			res.DuplicateOf = &of
		}
		results = append(results, res)
	}

	return results, rows.Err()
}

func encodeSet(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func decodeSet(s string) []string {
	out := []string{}
	if s != "" {
		json.Unmarshal([]byte(s), &out)
	}
	return out
}

// SaveBundle stores an unbundling reference entry with tenant isolation.
func (r *SQLRepository) SaveBundle(ctx context.Context, tenantID string, bundle *domain.BundleDefinition) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if bundle == nil || bundle.BundledCode == "" || bundle.UnbundledCode1 == "" || bundle.UnbundledCode2 == "" {
		return fmt.Errorf("%w: bundle codes are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO bundle_definitions (
			tenant_id, bundled_code, unbundled_code_1, unbundled_code_2, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, bundled_code, unbundled_code_1, unbundled_code_2) DO UPDATE SET
			description = excluded.description
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, bundle.BundledCode, bundle.UnbundledCode1, bundle.UnbundledCode2,
		bundle.Description, time.Now().UTC(),
	)
	return err
}

// ListBundles returns the tenant's bundle reference table.
func (r *SQLRepository) ListBundles(ctx context.Context, tenantID string) ([]domain.BundleDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, bundled_code, unbundled_code_1, unbundled_code_2, description
		FROM bundle_definitions
		WHERE tenant_id = ?
		ORDER BY bundled_code, unbundled_code_1, unbundled_code_2
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []domain.BundleDefinition
	for rows.Next() {
		var b domain.BundleDefinition
		var description sql.NullString
		if err := rows.Scan(&b.TenantID, &b.BundledCode, &b.UnbundledCode1, &b.UnbundledCode2, &description); err != nil {
			return nil, err
		}
		b.Description = description.String
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var description sql.NullString
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
			&cfg.Version, &cfg.Expression, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
