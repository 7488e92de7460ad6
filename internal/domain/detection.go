package domain

import (
	"errors"
	"fmt"
)

// DetectionConfig carries every threshold and weight used by a detection run.
// It is passed by value into each component and never mutated mid-run.
type DetectionConfig struct {
	// Statistical thresholds
	OutlierZScoreThreshold float64 `json:"outlierZscoreThreshold"`
	OutlierIQRMultiplier   float64 `json:"outlierIqrMultiplier"`

	// Duplicate detection
	DuplicateSimilarityThreshold float64 `json:"duplicateSimilarityThreshold"`
	DuplicateTimeWindowDays      int     `json:"duplicateTimeWindowDays"`

	// Geographic
	MaxProviderPatientDistanceMiles float64 `json:"maxProviderPatientDistanceMiles"`

	// Billing frequency
	MaxDailyProceduresPerProvider int `json:"maxDailyProceduresPerProvider"`
	MaxClaimsPerPatientPerDay     int `json:"maxClaimsPerPatientPerDay"`

	// Composite score weights
	WeightRuleViolation      float64 `json:"weightRuleViolation"`
	WeightStatisticalAnomaly float64 `json:"weightStatisticalAnomaly"`
	WeightDuplicate          float64 `json:"weightDuplicate"`
}

// DefaultDetectionConfig returns the documented defaults.
// The three weights sum to 1.0 so fraud scores stay within [0,1].
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		OutlierZScoreThreshold:          3.0,
		OutlierIQRMultiplier:            1.5,
		DuplicateSimilarityThreshold:    0.9,
		DuplicateTimeWindowDays:         30,
		MaxProviderPatientDistanceMiles: 500,
		MaxDailyProceduresPerProvider:   50,
		MaxClaimsPerPatientPerDay:       5,
		WeightRuleViolation:             0.30,
		WeightStatisticalAnomaly:        0.25,
		WeightDuplicate:                 0.45,
	}
}

// ErrInvalidDetectionConfig is returned by Validate.
var ErrInvalidDetectionConfig = errors.New("invalid detection config")

// Validate rejects negative thresholds and weights and similarity
// thresholds outside [0,1].
func (c DetectionConfig) Validate() error {
	checks := []struct {
		name  string
		value float64
	}{
		{"outlier_zscore_threshold", c.OutlierZScoreThreshold},
		{"outlier_iqr_multiplier", c.OutlierIQRMultiplier},
		{"duplicate_time_window_days", float64(c.DuplicateTimeWindowDays)},
		{"max_provider_patient_distance_miles", c.MaxProviderPatientDistanceMiles},
		{"max_daily_procedures_per_provider", float64(c.MaxDailyProceduresPerProvider)},
		{"max_claims_per_patient_per_day", float64(c.MaxClaimsPerPatientPerDay)},
		{"weight_rule_violation", c.WeightRuleViolation},
		{"weight_statistical_anomaly", c.WeightStatisticalAnomaly},
		{"weight_duplicate", c.WeightDuplicate},
	}
	for _, chk := range checks {
		if chk.value < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalidDetectionConfig, chk.name, chk.value)
		}
	}
	if c.DuplicateSimilarityThreshold < 0 || c.DuplicateSimilarityThreshold > 1 {
		return fmt.Errorf("%w: duplicate_similarity_threshold must be within [0,1], got %v",
			ErrInvalidDetectionConfig, c.DuplicateSimilarityThreshold)
	}
	return nil
}

// Flag and column names shared by the detection passes and the score reducer.
const (
	FlagDailyProcedureLimit = "daily_procedure_limit_exceeded"
	FlagPatientFrequency    = "patient_frequency_exceeded"
	FlagWeekendBilling      = "weekend_billing_flag"
	FlagRoundAmount         = "round_amount_flag"
	FlagDistanceExceeded    = "distance_exceeded"
	FlagStateMismatch       = "state_mismatch"

	FlagChargeZScoreOutlier = "charge_zscore_outlier"
	FlagChargeIQROutlier    = "charge_iqr_outlier"
	FlagBenfordsAnomaly     = "benfords_anomaly"

	FlagUnbundling           = "unbundling_flag"
	FlagGeographicClustering = "geographic_clustering_flag"
	FlagImpossibleTravel     = "impossible_travel_flag"
	FlagProcedureOutlier     = "procedure_charge_outlier"
	FlagProviderOutlier      = "provider_billing_outlier"
	FlagTemporalSpike        = "temporal_spike_flag"
)

// RuleViolationFlags are the rule flags counted by the composite score, in output order.
var RuleViolationFlags = []string{
	FlagDailyProcedureLimit,
	FlagPatientFrequency,
	FlagWeekendBilling,
	FlagRoundAmount,
	FlagDistanceExceeded,
	FlagStateMismatch,
}

// StatisticalFlags are the statistical flags counted by the composite score, in output order.
var StatisticalFlags = []string{
	FlagChargeZScoreOutlier,
	FlagChargeIQROutlier,
	FlagBenfordsAnomaly,
}

// AdvisoryFlags are reported alongside the score but never weighted into it.
var AdvisoryFlags = []string{
	FlagUnbundling,
	FlagGeographicClustering,
	FlagImpossibleTravel,
	FlagProcedureOutlier,
	FlagProviderOutlier,
	FlagTemporalSpike,
}
