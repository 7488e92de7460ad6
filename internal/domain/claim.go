package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Claim is a single insurance claim line submitted for scoring.
// Optional location fields are nil when the source did not carry them.
type Claim struct {
	ClaimID       string          `json:"claim_id" validate:"required"`
	PatientID     string          `json:"patient_id" validate:"required"`
	ProviderID    string          `json:"provider_id" validate:"required"`
	ProcedureCode string          `json:"procedure_code" validate:"required"`
	ServiceDate   time.Time       `json:"service_date" validate:"required"`
	ChargeAmount  decimal.Decimal `json:"charge_amount"`

	PatientState  *string `json:"patient_state,omitempty" validate:"omitempty,len=2,alpha"`
	ProviderState *string `json:"provider_state,omitempty" validate:"omitempty,len=2,alpha"`

	PatientLat  *float64 `json:"patient_lat,omitempty" validate:"omitempty,gte=-90,lte=90"`
	PatientLon  *float64 `json:"patient_lon,omitempty" validate:"omitempty,gte=-180,lte=180"`
	ProviderLat *float64 `json:"provider_lat,omitempty" validate:"omitempty,gte=-90,lte=90"`
	ProviderLon *float64 `json:"provider_lon,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// ScoredResult is the per-claim output of a detection run.
type ScoredResult struct {
	ClaimID          string          `json:"claim_id"`
	PatientID        string          `json:"patient_id"`
	ProviderID       string          `json:"provider_id"`
	ChargeAmount     decimal.Decimal `json:"charge_amount"`
	FraudScore       float64         `json:"fraud_score"`
	FraudReasons     []string        `json:"fraud_reasons"`
	RuleViolations   []string        `json:"rule_violations"`
	StatisticalFlags []string        `json:"statistical_flags"`
	IsDuplicate      bool            `json:"is_duplicate"`
	DuplicateOf      *string         `json:"duplicate_of"`
	ProcessedAt      time.Time       `json:"processed_at"`

	// Flags from supplementary passes. They do not contribute to FraudScore.
	AdvisoryFlags []string `json:"advisory_flags,omitempty"`
}

// BundleDefinition names a bundled procedure code and the two component
// codes that should not be billed separately on the same day.
type BundleDefinition struct {
	TenantID       string `json:"tenantId,omitempty"`
	BundledCode    string `json:"bundled_code" validate:"required"`
	UnbundledCode1 string `json:"unbundled_code_1" validate:"required"`
	UnbundledCode2 string `json:"unbundled_code_2" validate:"required"`
	Description    string `json:"description,omitempty"`
}

// Risk bands used by summaries and alerting.
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"

	HighRiskThreshold   = 0.7
	MediumRiskThreshold = 0.3
)

// RiskBand classifies a fraud score.
func RiskBand(score float64) string {
	switch {
	case score > HighRiskThreshold:
		return RiskHigh
	case score > MediumRiskThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}
