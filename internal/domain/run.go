package domain

import (
	"time"
)

// Run records one detection invocation over a batch of claims.
type Run struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	Status      string          `json:"status"`
	Source      string          `json:"source,omitempty"`
	Config      DetectionConfig `json:"config"`
	Summary     RunSummary      `json:"summary"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Run status values
const (
	RunStatusPending   = "PENDING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// RunSummary aggregates a scored batch.
type RunSummary struct {
	TotalClaims   int            `json:"totalClaims"`
	HighRisk      int            `json:"highRisk"`
	MediumRisk    int            `json:"mediumRisk"`
	LowRisk       int            `json:"lowRisk"`
	Duplicates    int            `json:"duplicates"`
	MeanScore     float64        `json:"meanScore"`
	StdDevScore   float64        `json:"stddevScore"`
	MinScore      float64        `json:"minScore"`
	MaxScore      float64        `json:"maxScore"`
	FlagCounts    map[string]int `json:"flagCounts,omitempty"`
	DurationMs    int64          `json:"durationMs"`
	EngineVersion string         `json:"engineVersion,omitempty"`
}

// ProviderRisk summarises flagged claims for one provider.
type ProviderRisk struct {
	ProviderID    string  `json:"provider_id"`
	FlaggedClaims int     `json:"flagged_claims"`
	AvgFraudScore float64 `json:"avg_fraud_score"`
	TotalCharges  float64 `json:"total_charges"`
}

// BatchRequest is the bus payload for asynchronous scoring.
// Either Claims or Source is set.
type BatchRequest struct {
	RunID    string           `json:"runId"`
	TenantID string           `json:"tenantId"`
	Claims   []Claim          `json:"claims,omitempty"`
	Source   string           `json:"source,omitempty"`
	Config   *DetectionConfig `json:"config,omitempty"`
}

// BatchScored is published when an asynchronous run finishes, successfully or not.
type BatchScored struct {
	RunID    string     `json:"runId"`
	TenantID string     `json:"tenantId"`
	Status   string     `json:"status"`
	Summary  RunSummary `json:"summary"`
	Error    string     `json:"error,omitempty"`
}

// Alert is published when a run contains high-risk claims.
type Alert struct {
	RunID    string   `json:"runId"`
	TenantID string   `json:"tenantId"`
	ClaimIDs []string `json:"claimIds"`
	MaxScore float64  `json:"maxScore"`
}
