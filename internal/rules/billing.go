package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/shopspring/decimal"
)

// Billing pass output columns besides the flags themselves.
const (
	ColDailyProcedureCount  = "daily_procedure_count"
	ColPatientDailyClaims   = "patient_daily_claims"
	ColDayOfWeek            = "day_of_week"
	ColIsWeekend            = "is_weekend"
	ColProviderWeekendRatio = "provider_weekend_ratio"
	ColIsRoundHundred       = "is_round_hundred"
	ColIsRoundFifty         = "is_round_fifty"
	ColProviderRoundRatio   = "provider_round_ratio"
	ColProceduresSameDay    = "procedures_same_day"
	ColBundledCodes         = "bundled_codes"
)

// Provider ratio thresholds.
const (
	weekendRatioThreshold = 0.30
	roundRatioThreshold   = 0.20
)

var (
	hundred = decimal.NewFromInt(100)
	fifty   = decimal.NewFromInt(50)
)

// BillingRules flags suspicious provider and patient billing patterns.
type BillingRules struct {
	cfg domain.DetectionConfig
}

// NewBillingRules creates billing rules using the frequency limits of cfg.
func NewBillingRules(cfg domain.DetectionConfig) *BillingRules {
	return &BillingRules{cfg: cfg}
}

// DailyProcedureLimits flags every claim of a (provider, service_date) group
// whose size exceeds the daily procedure limit.
func (r *BillingRules) DailyProcedureLimits(f *frame.Frame) (*frame.Frame, error) {
	return countLimit(f, ColDailyProcedureCount, domain.FlagDailyProcedureLimit,
		r.cfg.MaxDailyProceduresPerProvider, frame.ColProviderID, frame.ColServiceDate)
}

// PatientClaimFrequency flags every claim of a (patient, service_date) group
// whose size exceeds the per-patient daily limit.
func (r *BillingRules) PatientClaimFrequency(f *frame.Frame) (*frame.Frame, error) {
	return countLimit(f, ColPatientDailyClaims, domain.FlagPatientFrequency,
		r.cfg.MaxClaimsPerPatientPerDay, frame.ColPatientID, frame.ColServiceDate)
}

func countLimit(f *frame.Frame, countCol, flagCol string, limit int, keys ...string) (*frame.Frame, error) {
	groups, err := f.GroupBy(keys...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flagCol, err)
	}
	counts := make([]int64, f.Len())
	flags := make([]bool, f.Len())
	for i := range counts {
		counts[i] = int64(groups.Size(i))
		flags[i] = counts[i] > int64(limit)
	}
	return f.WithAll(
		frame.Named{Name: countCol, Column: frame.NewInt(counts, nil)},
		frame.Named{Name: flagCol, Column: frame.NewBool(flags)},
	)
}

// DayOfWeek numbers weekdays from 1 (Sunday) to 7 (Saturday).
func DayOfWeek(t time.Time) int {
	return int(t.Weekday()) + 1
}

// WeekendBilling flags weekend claims of providers whose share of weekend
// claims exceeds 30%.
func (r *BillingRules) WeekendBilling(f *frame.Frame) (*frame.Frame, error) {
	dates, err := f.Times(frame.ColServiceDate)
	if err != nil {
		return nil, fmt.Errorf("weekend billing: %w", err)
	}

	n := f.Len()
	dow := make([]int64, n)
	dowValid := make([]bool, n)
	weekend := make([]bool, n)
	for i := 0; i < n; i++ {
		if dates.IsNull(i) {
			continue
		}
		d := DayOfWeek(dates.Value(i))
		dow[i], dowValid[i] = int64(d), true
		weekend[i] = d == 1 || d == 7
	}

	ratio, err := providerRatio(f, weekend)
	if err != nil {
		return nil, fmt.Errorf("weekend billing: %w", err)
	}
	flags := make([]bool, n)
	for i := range flags {
		flags[i] = weekend[i] && ratio[i] > weekendRatioThreshold
	}

	return f.WithAll(
		frame.Named{Name: ColDayOfWeek, Column: frame.NewInt(dow, dowValid)},
		frame.Named{Name: ColIsWeekend, Column: frame.NewBool(weekend)},
		frame.Named{Name: ColProviderWeekendRatio, Column: frame.NewFloat(ratio, nil)},
		frame.Named{Name: domain.FlagWeekendBilling, Column: frame.NewBool(flags)},
	)
}

// RoundAmounts flags round-hundred charges of providers whose share of
// round-hundred charges exceeds 20%. Round-fifty is reported but not flagged.
func (r *BillingRules) RoundAmounts(f *frame.Frame) (*frame.Frame, error) {
	charges, err := f.Decimals(frame.ColChargeAmount)
	if err != nil {
		return nil, fmt.Errorf("round amounts: %w", err)
	}

	n := f.Len()
	roundHundred := make([]bool, n)
	roundFifty := make([]bool, n)
	for i := 0; i < n; i++ {
		if charges.IsNull(i) {
			continue
		}
		c := charges.Value(i)
		if !c.IsPositive() {
			continue
		}
		roundHundred[i] = c.Mod(hundred).IsZero()
		roundFifty[i] = c.Mod(fifty).IsZero()
	}

	ratio, err := providerRatio(f, roundHundred)
	if err != nil {
		return nil, fmt.Errorf("round amounts: %w", err)
	}
	flags := make([]bool, n)
	for i := range flags {
		flags[i] = roundHundred[i] && ratio[i] > roundRatioThreshold
	}

	return f.WithAll(
		frame.Named{Name: ColIsRoundHundred, Column: frame.NewBool(roundHundred)},
		frame.Named{Name: ColIsRoundFifty, Column: frame.NewBool(roundFifty)},
		frame.Named{Name: ColProviderRoundRatio, Column: frame.NewFloat(ratio, nil)},
		frame.Named{Name: domain.FlagRoundAmount, Column: frame.NewBool(flags)},
	)
}

// providerRatio returns, per row, the share of the row's provider claims
// for which hit is true.
func providerRatio(f *frame.Frame, hit []bool) ([]float64, error) {
	groups, err := f.GroupBy(frame.ColProviderID)
	if err != nil {
		return nil, err
	}
	perGroup := make([]float64, groups.Count())
	for g, rows := range groups.Rows {
		hits := 0
		for _, i := range rows {
			if hit[i] {
				hits++
			}
		}
		perGroup[g] = float64(hits) / float64(len(rows))
	}
	return frame.Broadcast(groups, perGroup), nil
}

// ProcedureUnbundling flags claims billed on a (patient, provider, day)
// where both component codes of a known bundle were billed separately.
// bundled_codes lists every matching bundle for the claim.
func (r *BillingRules) ProcedureUnbundling(f *frame.Frame, bundles []domain.BundleDefinition) (*frame.Frame, error) {
	procedures, err := f.Strings(frame.ColProcedureCode)
	if err != nil {
		return nil, fmt.Errorf("unbundling: %w", err)
	}
	groups, err := f.GroupBy(frame.ColPatientID, frame.ColServiceDate, frame.ColProviderID)
	if err != nil {
		return nil, fmt.Errorf("unbundling: %w", err)
	}

	sameDay := make([][]string, groups.Count())
	matched := make([][]string, groups.Count())
	for g, rows := range groups.Rows {
		set := make(map[string]struct{}, len(rows))
		for _, i := range rows {
			if !procedures.IsNull(i) {
				set[procedures.Value(i)] = struct{}{}
			}
		}
		codes := make([]string, 0, len(set))
		for c := range set {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		sameDay[g] = codes

		matches := []string{}
		for _, b := range bundles {
			_, has1 := set[b.UnbundledCode1]
			_, has2 := set[b.UnbundledCode2]
			if has1 && has2 {
				matches = append(matches, b.BundledCode)
			}
		}
		matched[g] = matches
	}

	perRowMatched := frame.Broadcast(groups, matched)
	flags := make([]bool, f.Len())
	for i, m := range perRowMatched {
		flags[i] = len(m) > 0
	}

	return f.WithAll(
		frame.Named{Name: ColProceduresSameDay, Column: frame.NewList(frame.Broadcast(groups, sameDay))},
		frame.Named{Name: ColBundledCodes, Column: frame.NewList(perRowMatched)},
		frame.Named{Name: domain.FlagUnbundling, Column: frame.NewBool(flags)},
	)
}
