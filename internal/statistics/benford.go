package statistics

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
)

// BenfordExpected holds the expected first-digit frequency P(d) = log10(1+1/d),
// indexed by digit. Index 0 is unused.
var BenfordExpected = [10]float64{0, 0.301, 0.176, 0.125, 0.097, 0.079, 0.067, 0.058, 0.051, 0.046}

// DefaultBenfordThreshold is the deviation above which a digit or group is anomalous.
const DefaultBenfordThreshold = 0.15

// DigitFrequency is one row of a distribution report.
type DigitFrequency struct {
	Group               string  `json:"group,omitempty"`
	FirstDigit          int     `json:"first_digit"`
	Count               int     `json:"count"`
	Total               int     `json:"total"`
	ObservedFrequency   float64 `json:"observed_frequency"`
	ExpectedFrequency   float64 `json:"expected_frequency"`
	Deviation           float64 `json:"deviation"`
	DeviationPercentage float64 `json:"deviation_percentage"`
}

// BenfordAnalyzer tests first-digit conformity to Benford's law.
type BenfordAnalyzer struct{}

// NewBenfordAnalyzer creates an analyzer.
func NewBenfordAnalyzer() *BenfordAnalyzer {
	return &BenfordAnalyzer{}
}

// Analyze appends benfords_anomaly.
//
// Without groupBy, a row is anomalous when its leading digit is observed
// more often than expected by more than threshold. With groupBy, every row
// of a group is anomalous when the group's largest absolute deviation over
// the digits it contains exceeds threshold. Rows without a leading digit
// are kept and never flagged.
func (a *BenfordAnalyzer) Analyze(f *frame.Frame, column, groupBy string, threshold float64) (*frame.Frame, error) {
	digits, err := LeadingDigits(f, column)
	if err != nil {
		return nil, fmt.Errorf("benford: %w", err)
	}
	if !anyDigit(digits) {
		return nil, fmt.Errorf("benford: %s: %w", column, ErrNoData)
	}

	flags := make([]bool, f.Len())
	if groupBy == "" {
		counts, total := countDigits(digits, nil)
		var over [10]bool
		for d := 1; d <= 9; d++ {
			observed := float64(counts[d]) / float64(total)
			deviation := math.Abs(observed - BenfordExpected[d])
			over[d] = counts[d] > 0 && observed > BenfordExpected[d] && deviation > threshold
		}
		for i, d := range digits {
			flags[i] = over[d]
		}
		return f.With(domain.FlagBenfordsAnomaly, frame.NewBool(flags))
	}

	groups, err := f.GroupBy(groupBy)
	if err != nil {
		return nil, fmt.Errorf("benford: %w", err)
	}
	for g, rows := range groups.Rows {
		if groups.NullKey[g] {
			continue
		}
		counts, total := countDigits(digits, rows)
		if total == 0 {
			continue
		}
		maxDeviation := 0.0
		for d := 1; d <= 9; d++ {
			if counts[d] == 0 {
				continue
			}
			observed := float64(counts[d]) / float64(total)
			maxDeviation = math.Max(maxDeviation, math.Abs(observed-BenfordExpected[d]))
		}
		if maxDeviation > threshold {
			for _, i := range rows {
				flags[i] = true
			}
		}
	}
	return f.With(domain.FlagBenfordsAnomaly, frame.NewBool(flags))
}

// DistributionReport returns one row per observed digit, per group when
// groupBy is set, ordered by group then digit. Frequencies and deviations
// are rounded to 4 places and the percentage to 2.
func (a *BenfordAnalyzer) DistributionReport(f *frame.Frame, column, groupBy string) ([]DigitFrequency, error) {
	digits, err := LeadingDigits(f, column)
	if err != nil {
		return nil, fmt.Errorf("benford report: %w", err)
	}
	if !anyDigit(digits) {
		return nil, fmt.Errorf("benford report: %s: %w", column, ErrNoData)
	}

	if groupBy == "" {
		counts, total := countDigits(digits, nil)
		return reportRows("", counts, total), nil
	}

	groups, err := f.GroupBy(groupBy)
	if err != nil {
		return nil, fmt.Errorf("benford report: %w", err)
	}
	keys, err := f.Column(groupBy)
	if err != nil {
		return nil, fmt.Errorf("benford report: %w", err)
	}

	type keyed struct {
		key  string
		rows []int
	}
	ordered := make([]keyed, 0, groups.Count())
	for g, rows := range groups.Rows {
		if !groups.NullKey[g] {
			ordered = append(ordered, keyed{keys.Key(rows[0]), rows})
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].key < ordered[j].key })

	var report []DigitFrequency
	for _, k := range ordered {
		counts, total := countDigits(digits, k.rows)
		if total > 0 {
			report = append(report, reportRows(k.key, counts, total)...)
		}
	}
	return report, nil
}

func reportRows(group string, counts [10]int, total int) []DigitFrequency {
	var out []DigitFrequency
	for d := 1; d <= 9; d++ {
		if counts[d] == 0 {
			continue
		}
		observed := round(float64(counts[d])/float64(total), 4)
		expected := round(BenfordExpected[d], 4)
		deviation := round(observed-expected, 4)
		out = append(out, DigitFrequency{
			Group:               group,
			FirstDigit:          d,
			Count:               counts[d],
			Total:               total,
			ObservedFrequency:   observed,
			ExpectedFrequency:   expected,
			Deviation:           deviation,
			DeviationPercentage: round(deviation/expected*100, 2),
		})
	}
	return out
}

// LeadingDigits returns the first significant digit of |value| for each row
// of a numeric column, or 0 when the value is null, zero or not finite.
func LeadingDigits(f *frame.Frame, column string) ([]int, error) {
	col, err := f.Column(column)
	if err != nil {
		return nil, err
	}
	out := make([]int, col.Len())

	if dc, ok := col.(*frame.DecimalColumn); ok {
		for i := range out {
			if dc.IsNull(i) {
				continue
			}
			v := dc.Value(i)
			if v.IsZero() {
				continue
			}
			coeff := v.Coefficient().String()
			if coeff[0] == '-' {
				coeff = coeff[1:]
			}
			out[i] = int(coeff[0] - '0')
		}
		return out, nil
	}

	values, valid, err := f.Numeric(column)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if valid[i] {
			out[i] = LeadingDigit(v)
		}
	}
	return out, nil
}

// LeadingDigit returns the first significant digit of |v|, or 0 for zero,
// NaN and infinities.
func LeadingDigit(v float64) int {
	v = math.Abs(v)
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	s := strconv.FormatFloat(v, 'e', -1, 64)
	return int(s[0] - '0')
}

func countDigits(digits []int, rows []int) (counts [10]int, total int) {
	add := func(d int) {
		if d >= 1 && d <= 9 {
			counts[d]++
			total++
		}
	}
	if rows == nil {
		for _, d := range digits {
			add(d)
		}
		return counts, total
	}
	for _, i := range rows {
		add(digits[i])
	}
	return counts, total
}

func anyDigit(digits []int) bool {
	for _, d := range digits {
		if d > 0 {
			return true
		}
	}
	return false
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
