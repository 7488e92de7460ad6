package repository

// schema lists the DDL applied on startup, in order. Every statement is
// idempotent and valid for both SQLite and PostgreSQL.
var schema = []string{
	// One row per detection run; config and summary are JSON documents.
	`CREATE TABLE IF NOT EXISTS scoring_runs (
		tenant_id    TEXT NOT NULL,
		id           TEXT NOT NULL,
		status       TEXT NOT NULL,
		source       TEXT,
		config       TEXT NOT NULL,
		summary      TEXT NOT NULL,
		error        TEXT,
		created_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scoring_runs_created ON scoring_runs (tenant_id, created_at)`,

	// One row per scored claim, seq preserving input order. Flag sets are
	// JSON arrays and charge_amount is exact decimal text.
	`CREATE TABLE IF NOT EXISTS scored_claims (
		tenant_id         TEXT NOT NULL,
		run_id            TEXT NOT NULL,
		seq               INTEGER NOT NULL,
		claim_id          TEXT NOT NULL,
		patient_id        TEXT NOT NULL,
		provider_id       TEXT NOT NULL,
		charge_amount     TEXT NOT NULL,
		fraud_score       REAL NOT NULL,
		fraud_reasons     TEXT NOT NULL,
		rule_violations   TEXT NOT NULL,
		statistical_flags TEXT NOT NULL,
		advisory_flags    TEXT NOT NULL,
		is_duplicate      INTEGER NOT NULL DEFAULT 0,
		duplicate_of      TEXT,
		processed_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scored_claims_score ON scored_claims (tenant_id, run_id, fraud_score)`,
	`CREATE INDEX IF NOT EXISTS idx_scored_claims_provider ON scored_claims (tenant_id, provider_id)`,

	// Tenant unbundling reference: a bundled code and the pair it replaces.
	`CREATE TABLE IF NOT EXISTS bundle_definitions (
		tenant_id        TEXT NOT NULL,
		bundled_code     TEXT NOT NULL,
		unbundled_code_1 TEXT NOT NULL,
		unbundled_code_2 TEXT NOT NULL,
		description      TEXT,
		created_at       TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, bundled_code, unbundled_code_1, unbundled_code_2)
	)`,

	// Tenant CEL rules, versioned.
	`CREATE TABLE IF NOT EXISTS rule_configs (
		tenant_id   TEXT NOT NULL,
		id          TEXT NOT NULL,
		version     TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT,
		expression  TEXT NOT NULL,
		enabled     INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs (tenant_id, enabled)`,
}
