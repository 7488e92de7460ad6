package frame

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Claim column names.
const (
	ColClaimID       = "claim_id"
	ColPatientID     = "patient_id"
	ColProviderID    = "provider_id"
	ColProcedureCode = "procedure_code"
	ColServiceDate   = "service_date"
	ColChargeAmount  = "charge_amount"
	ColPatientState  = "patient_state"
	ColProviderState = "provider_state"
	ColPatientLat    = "patient_lat"
	ColPatientLon    = "patient_lon"
	ColProviderLat   = "provider_lat"
	ColProviderLon   = "provider_lon"
)

// CoordinateColumns are required together by the distance and travel checks.
var CoordinateColumns = []string{ColPatientLat, ColPatientLon, ColProviderLat, ColProviderLon}

// FromClaims builds a frame from claims. Optional state and coordinate
// columns are only materialised when at least one claim carries a value
// for them, so a batch without locations behaves like a table without
// those columns.
func FromClaims(claims []domain.Claim) (*Frame, error) {
	n := len(claims)
	ids := make([]string, n)
	patients := make([]string, n)
	providers := make([]string, n)
	procedures := make([]string, n)
	dates := make([]time.Time, n)
	charges := make([]decimal.Decimal, n)

	var anyState, anyCoord bool
	for i, c := range claims {
		ids[i] = c.ClaimID
		patients[i] = c.PatientID
		providers[i] = c.ProviderID
		procedures[i] = c.ProcedureCode
		y, m, d := c.ServiceDate.Date()
		dates[i] = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		charges[i] = c.ChargeAmount
		if c.PatientState != nil || c.ProviderState != nil {
			anyState = true
		}
		if c.PatientLat != nil || c.PatientLon != nil || c.ProviderLat != nil || c.ProviderLon != nil {
			anyCoord = true
		}
	}

	cols := []Named{
		{ColClaimID, NewString(ids, nil)},
		{ColPatientID, NewString(patients, nil)},
		{ColProviderID, NewString(providers, nil)},
		{ColProcedureCode, NewString(procedures, nil)},
		{ColServiceDate, NewTime(dates, nil)},
		{ColChargeAmount, NewDecimal(charges, nil)},
	}

	if anyState {
		cols = append(cols,
			Named{ColPatientState, optionalString(claims, func(c *domain.Claim) *string { return c.PatientState })},
			Named{ColProviderState, optionalString(claims, func(c *domain.Claim) *string { return c.ProviderState })},
		)
	}
	if anyCoord {
		cols = append(cols,
			Named{ColPatientLat, optionalFloat(claims, func(c *domain.Claim) *float64 { return c.PatientLat })},
			Named{ColPatientLon, optionalFloat(claims, func(c *domain.Claim) *float64 { return c.PatientLon })},
			Named{ColProviderLat, optionalFloat(claims, func(c *domain.Claim) *float64 { return c.ProviderLat })},
			Named{ColProviderLon, optionalFloat(claims, func(c *domain.Claim) *float64 { return c.ProviderLon })},
		)
	}

	return New(n).WithAll(cols...)
}

func optionalString(claims []domain.Claim, get func(*domain.Claim) *string) *StringColumn {
	values := make([]string, len(claims))
	valid := make([]bool, len(claims))
	for i := range claims {
		if v := get(&claims[i]); v != nil {
			values[i], valid[i] = *v, true
		}
	}
	return NewString(values, valid)
}

func optionalFloat(claims []domain.Claim, get func(*domain.Claim) *float64) *FloatColumn {
	values := make([]float64, len(claims))
	valid := make([]bool, len(claims))
	for i := range claims {
		if v := get(&claims[i]); v != nil {
			values[i], valid[i] = *v, true
		}
	}
	return NewFloat(values, valid)
}

// Scored result column names.
const (
	ColFraudScore       = "fraud_score"
	ColFraudReasons     = "fraud_reasons"
	ColRuleViolations   = "rule_violations"
	ColStatisticalFlags = "statistical_flags"
	ColIsDuplicate      = "is_duplicate"
	ColDuplicateOf      = "duplicate_of"
	ColProcessedAt      = "processed_at"
	ColAdvisoryFlags    = "advisory_flags"
)

// ResultColumns is the projection of a scored frame, in output order.
var ResultColumns = []string{
	ColClaimID, ColPatientID, ColProviderID, ColChargeAmount,
	ColFraudScore, ColFraudReasons, ColRuleViolations, ColStatisticalFlags,
	ColIsDuplicate, ColDuplicateOf, ColProcessedAt, ColAdvisoryFlags,
}

// ScoredResults converts a projected frame back to results.
func ScoredResults(f *Frame) ([]domain.ScoredResult, error) {
	var (
		ids, patients, providers, dupOf *StringColumn
		charges                         *DecimalColumn
		scores                          *FloatColumn
		reasons, violations, stats, adv *ListColumn
		dups                            *BoolColumn
		processed                       *TimeColumn
		err                             error
	)
	if ids, err = f.Strings(ColClaimID); err != nil {
		return nil, err
	}
	if patients, err = f.Strings(ColPatientID); err != nil {
		return nil, err
	}
	if providers, err = f.Strings(ColProviderID); err != nil {
		return nil, err
	}
	if charges, err = f.Decimals(ColChargeAmount); err != nil {
		return nil, err
	}
	if scores, err = f.Floats(ColFraudScore); err != nil {
		return nil, err
	}
	if reasons, err = f.Lists(ColFraudReasons); err != nil {
		return nil, err
	}
	if violations, err = f.Lists(ColRuleViolations); err != nil {
		return nil, err
	}
	if stats, err = f.Lists(ColStatisticalFlags); err != nil {
		return nil, err
	}
	if dups, err = f.Bools(ColIsDuplicate); err != nil {
		return nil, err
	}
	if dupOf, err = f.Strings(ColDuplicateOf); err != nil {
		return nil, err
	}
	if processed, err = f.Times(ColProcessedAt); err != nil {
		return nil, err
	}
	if f.Has(ColAdvisoryFlags) {
		if adv, err = f.Lists(ColAdvisoryFlags); err != nil {
			return nil, err
		}
	}

	out := make([]domain.ScoredResult, f.Len())
	for i := range out {
		r := domain.ScoredResult{
			ClaimID:          ids.Value(i),
			PatientID:        patients.Value(i),
			ProviderID:       providers.Value(i),
			ChargeAmount:     charges.Value(i),
			FraudScore:       scores.Value(i),
			FraudReasons:     reasons.Value(i),
			RuleViolations:   violations.Value(i),
			StatisticalFlags: stats.Value(i),
			IsDuplicate:      dups.Value(i),
			ProcessedAt:      processed.Value(i),
		}
		if !dupOf.IsNull(i) {
			of := dupOf.Value(i)
			r.DuplicateOf = &of
		}
		if adv != nil && len(adv.Value(i)) > 0 {
			r.AdvisoryFlags = adv.Value(i)
		}
		out[i] = r
	}
	return out, nil
}

// FromResults builds a frame over the identity, charge and score columns of
// scored results, for reports that run after detection.
func FromResults(results []domain.ScoredResult) (*Frame, error) {
	n := len(results)
	ids := make([]string, n)
	patients := make([]string, n)
	providers := make([]string, n)
	charges := make([]decimal.Decimal, n)
	scores := make([]float64, n)
	for i, r := range results {
		ids[i] = r.ClaimID
		patients[i] = r.PatientID
		providers[i] = r.ProviderID
		charges[i] = r.ChargeAmount
		scores[i] = r.FraudScore
	}
	return New(n).WithAll(
		Named{ColClaimID, NewString(ids, nil)},
		Named{ColPatientID, NewString(patients, nil)},
		Named{ColProviderID, NewString(providers, nil)},
		Named{ColChargeAmount, NewDecimal(charges, nil)},
		Named{ColFraudScore, NewFloat(scores, nil)},
	)
}
