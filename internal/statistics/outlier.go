// Package statistics provides statistical outlier and Benford's law passes
// over claim frames.
package statistics

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"gonum.org/v1/gonum/stat"
)

// ErrNoData is returned when a computation has no usable input values.
var ErrNoData = errors.New("no data to analyze")

// Output columns of the provider and temporal passes.
const (
	ColProviderAvgCharge    = "provider_avg_charge"
	ColChargeDeviationRatio = "charge_deviation_ratio"
)

// Provider billing ratio bounds.
const (
	providerRatioHigh = 2.0
	providerRatioLow  = 0.5
)

// Temporal spike parameters.
const (
	temporalWindow     = 4
	temporalMultiplier = 3.0
)

// OutlierDetector flags numeric outliers, optionally within groups.
type OutlierDetector struct {
	cfg domain.DetectionConfig
}

// NewOutlierDetector creates a detector using the statistical thresholds of cfg.
func NewOutlierDetector(cfg domain.DetectionConfig) *OutlierDetector {
	return &OutlierDetector{cfg: cfg}
}

// ZScore returns the standard score of x. A non-positive or undefined
// standard deviation yields 0.
func ZScore(x, mean, sd float64) float64 {
	if sd > 0 {
		return (x - mean) / sd
	}
	return 0
}

// ZScore appends output, true where |z| exceeds the configured threshold.
// Mean and sample standard deviation are computed per group, or over the
// whole frame when groupBy is empty.
func (d *OutlierDetector) ZScore(f *frame.Frame, column, output string, groupBy ...string) (*frame.Frame, error) {
	values, valid, err := f.Numeric(column)
	if err != nil {
		return nil, fmt.Errorf("zscore: %w", err)
	}
	groups, err := f.GroupBy(groupBy...)
	if err != nil {
		return nil, fmt.Errorf("zscore: %w", err)
	}

	threshold := d.cfg.OutlierZScoreThreshold
	flags := make([]bool, f.Len())
	for _, rows := range groups.Rows {
		sample := collect(values, valid, rows)
		if len(sample) == 0 {
			continue
		}
		mean, sd := stat.MeanStdDev(sample, nil)
		for _, i := range rows {
			if valid[i] {
				flags[i] = math.Abs(ZScore(values[i], mean, sd)) > threshold
			}
		}
	}
	return f.With(output, frame.NewBool(flags))
}

// Quartiles returns the empirical 25th and 75th percentiles of values: the
// smallest observations with at least 25% and 75% of the data at or below
// them. The result is exact and deterministic.
func Quartiles(values []float64) (q1, q3 float64, err error) {
	if len(values) == 0 {
		return 0, 0, ErrNoData
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.25, stat.Empirical, sorted, nil), stat.Quantile(0.75, stat.Empirical, sorted, nil), nil
}

// IQR appends output, true where a value falls outside
// [Q1 - k*IQR, Q3 + k*IQR]. Ungrouped input without values is an error;
// groups without values, or with a null key, are not flagged.
func (d *OutlierDetector) IQR(f *frame.Frame, column, output string, groupBy ...string) (*frame.Frame, error) {
	values, valid, err := f.Numeric(column)
	if err != nil {
		return nil, fmt.Errorf("iqr: %w", err)
	}
	groups, err := f.GroupBy(groupBy...)
	if err != nil {
		return nil, fmt.Errorf("iqr: %w", err)
	}

	k := d.cfg.OutlierIQRMultiplier
	flags := make([]bool, f.Len())

	if len(groupBy) == 0 {
		var all []int
		if groups.Count() > 0 {
			all = groups.Rows[0]
		}
		if len(collect(values, valid, all)) == 0 {
			return nil, fmt.Errorf("iqr: %s: %w", column, ErrNoData)
		}
	}

	for g, rows := range groups.Rows {
		if groups.NullKey[g] {
			continue
		}
		q1, q3, err := Quartiles(collect(values, valid, rows))
		if err != nil {
			continue
		}
		iqr := q3 - q1
		lower, upper := q1-k*iqr, q3+k*iqr
		for _, i := range rows {
			if valid[i] {
				flags[i] = values[i] < lower || values[i] > upper
			}
		}
	}
	return f.With(output, frame.NewBool(flags))
}

// ProcedureOutliers flags charges that are Z-score outliers within their
// procedure code.
func (d *OutlierDetector) ProcedureOutliers(f *frame.Frame) (*frame.Frame, error) {
	return d.ZScore(f, frame.ColChargeAmount, domain.FlagProcedureOutlier, frame.ColProcedureCode)
}

// ProviderOutliers compares each provider's mean charge for a procedure with
// the market mean for that procedure. The ratio defaults to 1.0 when the
// market mean is not positive.
func (d *OutlierDetector) ProviderOutliers(f *frame.Frame) (*frame.Frame, error) {
	values, valid, err := f.Numeric(frame.ColChargeAmount)
	if err != nil {
		return nil, fmt.Errorf("provider outliers: %w", err)
	}
	pairs, err := f.GroupBy(frame.ColProviderID, frame.ColProcedureCode)
	if err != nil {
		return nil, fmt.Errorf("provider outliers: %w", err)
	}
	market, err := f.GroupBy(frame.ColProcedureCode)
	if err != nil {
		return nil, fmt.Errorf("provider outliers: %w", err)
	}

	marketAvg := make([]float64, market.Count())
	marketOK := make([]bool, market.Count())
	for g, rows := range market.Rows {
		if sample := collect(values, valid, rows); len(sample) > 0 && !market.NullKey[g] {
			marketAvg[g], marketOK[g] = stat.Mean(sample, nil), true
		}
	}

	n := f.Len()
	avg := make([]float64, n)
	avgValid := make([]bool, n)
	ratio := make([]float64, n)
	ratioValid := make([]bool, n)
	flags := make([]bool, n)

	for g, rows := range pairs.Rows {
		sample := collect(values, valid, rows)
		if len(sample) == 0 || pairs.NullKey[g] {
			continue
		}
		providerAvg := stat.Mean(sample, nil)
		m := market.Of[rows[0]]
		if !marketOK[m] {
			continue
		}
		r := 1.0
		if marketAvg[m] > 0 {
			r = providerAvg / marketAvg[m]
		}
		for _, i := range rows {
			avg[i], avgValid[i] = providerAvg, true
			ratio[i], ratioValid[i] = r, true
			flags[i] = r > providerRatioHigh || r < providerRatioLow
		}
	}

	return f.WithAll(
		frame.Named{Name: ColProviderAvgCharge, Column: frame.NewFloat(avg, avgValid)},
		frame.Named{Name: ColChargeDeviationRatio, Column: frame.NewFloat(ratio, ratioValid)},
		frame.Named{Name: domain.FlagProviderOutlier, Column: frame.NewBool(flags)},
	)
}

// TemporalOutliers flags charges above three times the provider's trailing
// average. Each provider's claims are ordered by ISO (year, week), then
// service date and claim id; the baseline is the mean charge of the
// preceding four claims. Claims without a positive baseline are not flagged.
func (d *OutlierDetector) TemporalOutliers(f *frame.Frame) (*frame.Frame, error) {
	values, valid, err := f.Numeric(frame.ColChargeAmount)
	if err != nil {
		return nil, fmt.Errorf("temporal outliers: %w", err)
	}
	dates, err := f.Times(frame.ColServiceDate)
	if err != nil {
		return nil, fmt.Errorf("temporal outliers: %w", err)
	}
	ids, err := f.Strings(frame.ColClaimID)
	if err != nil {
		return nil, fmt.Errorf("temporal outliers: %w", err)
	}
	providers, err := f.GroupBy(frame.ColProviderID)
	if err != nil {
		return nil, fmt.Errorf("temporal outliers: %w", err)
	}

	type period struct{ year, week int }
	periodOf := func(i int) period {
		y, w := dates.Value(i).ISOWeek()
		return period{y, w}
	}

	flags := make([]bool, f.Len())
	for _, group := range providers.Rows {
		rows := make([]int, len(group))
		copy(rows, group)
		sort.SliceStable(rows, func(a, b int) bool {
			pa, pb := periodOf(rows[a]), periodOf(rows[b])
			if pa != pb {
				if pa.year != pb.year {
					return pa.year < pb.year
				}
				return pa.week < pb.week
			}
			da, db := dates.Value(rows[a]), dates.Value(rows[b])
			if !da.Equal(db) {
				return da.Before(db)
			}
			return ids.Value(rows[a]) < ids.Value(rows[b])
		})

		for pos, i := range rows {
			if !valid[i] {
				continue
			}
			start := pos - temporalWindow
			if start < 0 {
				start = 0
			}
			baseline := collect(values, valid, rows[start:pos])
			if len(baseline) == 0 {
				continue
			}
			mean := stat.Mean(baseline, nil)
			if mean > 0 {
				flags[i] = values[i] > temporalMultiplier*mean
			}
		}
	}
	return f.With(domain.FlagTemporalSpike, frame.NewBool(flags))
}

func collect(values []float64, valid []bool, rows []int) []float64 {
	out := make([]float64, 0, len(rows))
	for _, i := range rows {
		if valid[i] {
			out = append(out, values[i])
		}
	}
	return out
}
