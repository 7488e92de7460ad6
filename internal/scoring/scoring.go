// Package scoring reduces annotated claim frames to scored results and
// aggregates scored results into run summaries and provider reports.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/rules"
	"gonum.org/v1/gonum/stat"
)

// Intermediate score columns, dropped by the final projection.
const (
	ColRuleScore      = "rule_score"
	ColStatScore      = "stat_score"
	ColDuplicateScore = "duplicate_score"
)

// DefaultProviderMinScore is the score above which a claim counts towards
// the provider risk report.
const DefaultProviderMinScore = 0.5

// Reducer computes the composite fraud score.
type Reducer struct {
	cfg domain.DetectionConfig
}

// NewReducer creates a reducer using the weights of cfg.
func NewReducer(cfg domain.DetectionConfig) *Reducer {
	return &Reducer{cfg: cfg}
}

// Reduce appends rule_violations, statistical_flags, the partial scores,
// fraud_score, fraud_reasons, processed_at and advisory_flags, then projects
// the frame to the scored result columns.
//
// Every rule violation and statistical flag column must be present.
// Advisory flag columns and custom rule violations are picked up when
// present.
func (r *Reducer) Reduce(f *frame.Frame, processedAt time.Time) (*frame.Frame, error) {
	ruleCols, err := boolColumns(f, domain.RuleViolationFlags)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	statCols, err := boolColumns(f, domain.StatisticalFlags)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	dups, err := f.Bools(frame.ColIsDuplicate)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}

	var advisory []string
	for _, name := range domain.AdvisoryFlags {
		if f.Has(name) {
			advisory = append(advisory, name)
		}
	}
	advCols, err := boolColumns(f, advisory)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	var custom *frame.ListColumn
	if f.Has(rules.ColCustomRuleViolations) {
		if custom, err = f.Lists(rules.ColCustomRuleViolations); err != nil {
			return nil, fmt.Errorf("reduce: %w", err)
		}
	}

	n := f.Len()
	violations := make([][]string, n)
	statistical := make([][]string, n)
	reasons := make([][]string, n)
	advisoryFlags := make([][]string, n)
	ruleScore := make([]float64, n)
	statScore := make([]float64, n)
	dupScore := make([]float64, n)
	fraudScore := make([]float64, n)
	processed := make([]time.Time, n)

	for i := 0; i < n; i++ {
		violations[i] = triggered(domain.RuleViolationFlags, ruleCols, i)
		statistical[i] = triggered(domain.StatisticalFlags, statCols, i)

		reasons[i] = make([]string, 0, len(violations[i])+len(statistical[i]))
		reasons[i] = append(reasons[i], violations[i]...)
		reasons[i] = append(reasons[i], statistical[i]...)

		advisoryFlags[i] = triggered(advisory, advCols, i)
		if custom != nil {
			advisoryFlags[i] = append(advisoryFlags[i], custom.Value(i)...)
		}

		ruleScore[i] = float64(len(violations[i])) / float64(len(domain.RuleViolationFlags))
		statScore[i] = float64(len(statistical[i])) / float64(len(domain.StatisticalFlags))
		if dups.Value(i) {
			dupScore[i] = 1.0
		}
		fraudScore[i] = ruleScore[i]*r.cfg.WeightRuleViolation +
			statScore[i]*r.cfg.WeightStatisticalAnomaly +
			dupScore[i]*r.cfg.WeightDuplicate
		processed[i] = processedAt
	}

	out, err := f.WithAll(
		frame.Named{Name: frame.ColRuleViolations, Column: frame.NewList(violations)},
		frame.Named{Name: frame.ColStatisticalFlags, Column: frame.NewList(statistical)},
		frame.Named{Name: ColRuleScore, Column: frame.NewFloat(ruleScore, nil)},
		frame.Named{Name: ColStatScore, Column: frame.NewFloat(statScore, nil)},
		frame.Named{Name: ColDuplicateScore, Column: frame.NewFloat(dupScore, nil)},
		frame.Named{Name: frame.ColFraudScore, Column: frame.NewFloat(fraudScore, nil)},
		frame.Named{Name: frame.ColFraudReasons, Column: frame.NewList(reasons)},
		frame.Named{Name: frame.ColProcessedAt, Column: frame.NewTime(processed, nil)},
		frame.Named{Name: frame.ColAdvisoryFlags, Column: frame.NewList(advisoryFlags)},
	)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	return out.Select(frame.ResultColumns...)
}

func boolColumns(f *frame.Frame, names []string) ([]*frame.BoolColumn, error) {
	cols := make([]*frame.BoolColumn, len(names))
	for j, name := range names {
		c, err := f.Bools(name)
		if err != nil {
			return nil, err
		}
		cols[j] = c
	}
	return cols, nil
}

func triggered(names []string, cols []*frame.BoolColumn, i int) []string {
	out := []string{}
	for j, c := range cols {
		if c.Value(i) {
			out = append(out, names[j])
		}
	}
	return out
}

// Summarize aggregates scored results into a run summary. The standard
// deviation is the sample deviation and is zero for fewer than two results.
func Summarize(results []domain.ScoredResult) domain.RunSummary {
	summary := domain.RunSummary{
		TotalClaims: len(results),
		FlagCounts:  make(map[string]int),
	}
	if len(results) == 0 {
		return summary
	}

	scores := make([]float64, len(results))
	summary.MinScore = math.Inf(1)
	summary.MaxScore = math.Inf(-1)
	for i, r := range results {
		scores[i] = r.FraudScore
		switch domain.RiskBand(r.FraudScore) {
		case domain.RiskHigh:
			summary.HighRisk++
		case domain.RiskMedium:
			summary.MediumRisk++
		default:
			summary.LowRisk++
		}
		if r.IsDuplicate {
			summary.Duplicates++
		}
		summary.MinScore = math.Min(summary.MinScore, r.FraudScore)
		summary.MaxScore = math.Max(summary.MaxScore, r.FraudScore)
		for _, reason := range r.FraudReasons {
			summary.FlagCounts[reason]++
		}
		for _, flag := range r.AdvisoryFlags {
			summary.FlagCounts[flag]++
		}
	}

	if len(scores) > 1 {
		summary.MeanScore, summary.StdDevScore = stat.MeanStdDev(scores, nil)
	} else {
		summary.MeanScore = scores[0]
	}
	return summary
}

// ProviderRisk groups results scoring above minScore by provider, ordered
// by average score descending, then by provider id. limit <= 0 returns all
// providers.
func ProviderRisk(results []domain.ScoredResult, minScore float64, limit int) []domain.ProviderRisk {
	index := make(map[string]int)
	var out []domain.ProviderRisk
	var sums []float64

	for _, r := range results {
		if r.FraudScore <= minScore {
			continue
		}
		i, ok := index[r.ProviderID]
		if !ok {
			i = len(out)
			index[r.ProviderID] = i
			out = append(out, domain.ProviderRisk{ProviderID: r.ProviderID})
			sums = append(sums, 0)
		}
		out[i].FlaggedClaims++
		out[i].TotalCharges += r.ChargeAmount.InexactFloat64()
		sums[i] += r.FraudScore
	}

	for i := range out {
		out[i].AvgFraudScore = sums[i] / float64(out[i].FlaggedClaims)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].AvgFraudScore != out[b].AvgFraudScore {
			return out[a].AvgFraudScore > out[b].AvgFraudScore
		}
		return out[a].ProviderID < out[b].ProviderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FilterMinScore keeps results whose fraud score is at least minScore.
func FilterMinScore(results []domain.ScoredResult, minScore float64) []domain.ScoredResult {
	if minScore <= 0 {
		return results
	}
	out := make([]domain.ScoredResult, 0, len(results))
	for _, r := range results {
		if r.FraudScore >= minScore {
			out = append(out, r)
		}
	}
	return out
}

// HighRisk returns the ids of claims in the high risk band and the highest
// score seen.
func HighRisk(results []domain.ScoredResult) ([]string, float64) {
	var ids []string
	maxScore := 0.0
	for _, r := range results {
		if domain.RiskBand(r.FraudScore) == domain.RiskHigh {
			ids = append(ids, r.ClaimID)
		}
		maxScore = math.Max(maxScore, r.FraudScore)
	}
	return ids, maxScore
}

// ShouldAlert reports whether a run contains any high risk claim.
func ShouldAlert(results []domain.ScoredResult) bool {
	ids, _ := HighRisk(results)
	return len(ids) > 0
}
