package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/shopspring/decimal"
)

// Duplicate pass output columns.
const (
	ColDuplicateKey     = "duplicate_key"
	ColDuplicateRank    = "duplicate_rank"
	ColIsExactDuplicate = "is_exact_duplicate"
	ColExactDuplicateOf = "exact_duplicate_of"
	ColNearDuplicateOf  = "near_duplicate_of"
	ColNearSimilarity   = "near_duplicate_similarity"
	ColIsNearDuplicate  = "is_near_duplicate"
	ColIsDuplicate      = frame.ColIsDuplicate
	ColDuplicateOf      = frame.ColDuplicateOf
)

var (
	procedureWeight = decimal.RequireFromString("0.6")
	chargeWeight    = decimal.RequireFromString("0.4")
)

// DuplicateDetector finds exact and near-duplicate claims.
type DuplicateDetector struct {
	cfg domain.DetectionConfig
}

// NewDuplicateDetector creates a detector using the similarity threshold and
// time window of cfg.
func NewDuplicateDetector(cfg domain.DetectionConfig) *DuplicateDetector {
	return &DuplicateDetector{cfg: cfg}
}

// Detect runs exact then near-duplicate detection and combines them into
// is_duplicate and duplicate_of. An exact match takes precedence.
func (d *DuplicateDetector) Detect(f *frame.Frame) (*frame.Frame, error) {
	f, err := d.ExactDuplicates(f)
	if err != nil {
		return nil, err
	}
	if f, err = d.NearDuplicates(f); err != nil {
		return nil, err
	}

	exact, err := f.Bools(ColIsExactDuplicate)
	if err != nil {
		return nil, err
	}
	near, err := f.Bools(ColIsNearDuplicate)
	if err != nil {
		return nil, err
	}
	exactOf, err := f.Strings(ColExactDuplicateOf)
	if err != nil {
		return nil, err
	}
	nearOf, err := f.Strings(ColNearDuplicateOf)
	if err != nil {
		return nil, err
	}

	n := f.Len()
	isDup := make([]bool, n)
	dupOf := make([]string, n)
	dupValid := make([]bool, n)
	for i := 0; i < n; i++ {
		isDup[i] = exact.Value(i) || near.Value(i)
		switch {
		case !exactOf.IsNull(i):
			dupOf[i], dupValid[i] = exactOf.Value(i), true
		case !nearOf.IsNull(i):
			dupOf[i], dupValid[i] = nearOf.Value(i), true
		}
	}
	return f.WithAll(
		frame.Named{Name: ColIsDuplicate, Column: frame.NewBool(isDup)},
		frame.Named{Name: ColDuplicateOf, Column: frame.NewString(dupOf, dupValid)},
	)
}

// ExactDuplicates groups claims by (patient, provider, procedure, date,
// charge). Within a group the claim with the smallest id is the original;
// every other claim is an exact duplicate pointing to it.
func (d *DuplicateDetector) ExactDuplicates(f *frame.Frame) (*frame.Frame, error) {
	ids, err := f.Strings(frame.ColClaimID)
	if err != nil {
		return nil, fmt.Errorf("exact duplicates: %w", err)
	}
	keyCols := []string{frame.ColPatientID, frame.ColProviderID, frame.ColProcedureCode, frame.ColServiceDate, frame.ColChargeAmount}
	parts := make([]frame.Column, len(keyCols))
	for j, name := range keyCols {
		if parts[j], err = f.Column(name); err != nil {
			return nil, fmt.Errorf("exact duplicates: %w", err)
		}
	}
	dates, err := f.Times(frame.ColServiceDate)
	if err != nil {
		return nil, fmt.Errorf("exact duplicates: %w", err)
	}

	n := f.Len()
	keys := make([]string, n)
	fields := make([]string, len(keyCols))
	for i := 0; i < n; i++ {
		fields = fields[:0]
		for j, c := range parts {
			if c.IsNull(i) {
				continue
			}
			if keyCols[j] == frame.ColServiceDate {
				fields = append(fields, dates.Value(i).Format("2006-01-02"))
				continue
			}
			fields = append(fields, c.Key(i))
		}
		keys[i] = strings.Join(fields, "|")
	}

	keyFrame, err := frame.New(n).With(ColDuplicateKey, frame.NewString(keys, nil))
	if err != nil {
		return nil, err
	}
	groups, err := keyFrame.GroupBy(ColDuplicateKey)
	if err != nil {
		return nil, err
	}

	rank := make([]int64, n)
	isDup := make([]bool, n)
	dupOf := make([]string, n)
	dupValid := make([]bool, n)
	for _, group := range groups.Rows {
		rows := make([]int, len(group))
		copy(rows, group)
		sort.SliceStable(rows, func(a, b int) bool { return ids.Value(rows[a]) < ids.Value(rows[b]) })
		first := ids.Value(rows[0])
		for pos, i := range rows {
			rank[i] = int64(pos + 1)
			if pos > 0 {
				isDup[i] = true
				dupOf[i], dupValid[i] = first, true
			}
		}
	}

	return f.WithAll(
		frame.Named{Name: ColDuplicateKey, Column: frame.NewString(keys, nil)},
		frame.Named{Name: ColDuplicateRank, Column: frame.NewInt(rank, nil)},
		frame.Named{Name: ColIsExactDuplicate, Column: frame.NewBool(isDup)},
		frame.Named{Name: ColExactDuplicateOf, Column: frame.NewString(dupOf, dupValid)},
	)
}

// Similarity scores two claims of the same patient and provider:
// 0.6 for a matching procedure plus 0.4 times the charge similarity
// 1 - |a-b| / max(a,b). When max(a,b) is not positive, equal charges count
// as a perfect charge match and unequal ones are not comparable (ok=false).
func Similarity(procA, procB string, chargeA, chargeB decimal.Decimal) (score decimal.Decimal, ok bool) {
	maxCharge := decimal.Max(chargeA, chargeB)
	var chargeSim decimal.Decimal
	if maxCharge.IsPositive() {
		chargeSim = decimal.NewFromInt(1).Sub(chargeA.Sub(chargeB).Abs().Div(maxCharge))
	} else if chargeA.Equal(chargeB) {
		chargeSim = decimal.NewFromInt(1)
	} else {
		return decimal.Zero, false
	}

	score = chargeWeight.Mul(chargeSim)
	if procA == procB {
		score = score.Add(procedureWeight)
	}
	return score, true
}

type nearMatch struct {
	of    string
	score decimal.Decimal
	found bool
}

// better reports whether a candidate beats the current best match: higher
// similarity first, then the smaller matched claim id.
func (m *nearMatch) better(of string, score decimal.Decimal) bool {
	if !m.found {
		return true
	}
	if c := score.Cmp(m.score); c != 0 {
		return c > 0
	}
	return of < m.of
}

// NearDuplicates pairs claims of the same patient and provider whose service
// dates are within the configured window. For each pair the claim with the
// larger id is the candidate duplicate of the smaller one when their
// similarity reaches the threshold. Claims already marked as exact
// duplicates are never candidates. Each claim keeps only its best match.
func (d *DuplicateDetector) NearDuplicates(f *frame.Frame) (*frame.Frame, error) {
	ids, err := f.Strings(frame.ColClaimID)
	if err != nil {
		return nil, fmt.Errorf("near duplicates: %w", err)
	}
	procedures, err := f.Strings(frame.ColProcedureCode)
	if err != nil {
		return nil, fmt.Errorf("near duplicates: %w", err)
	}
	charges, err := f.Decimals(frame.ColChargeAmount)
	if err != nil {
		return nil, fmt.Errorf("near duplicates: %w", err)
	}
	dates, err := f.Times(frame.ColServiceDate)
	if err != nil {
		return nil, fmt.Errorf("near duplicates: %w", err)
	}
	exact, err := f.Bools(ColIsExactDuplicate)
	if err != nil {
		return nil, fmt.Errorf("near duplicates: exact duplicates must run first: %w", err)
	}
	groups, err := f.GroupBy(frame.ColPatientID, frame.ColProviderID)
	if err != nil {
		return nil, fmt.Errorf("near duplicates: %w", err)
	}

	window := int64(d.cfg.DuplicateTimeWindowDays)
	threshold := decimal.NewFromFloat(d.cfg.DuplicateSimilarityThreshold)
	n := f.Len()
	best := make([]nearMatch, n)

	consider := func(a, b int) {
		// a is the candidate duplicate, b the earlier-id claim it may duplicate.
		if exact.Value(a) || procedures.IsNull(a) || procedures.IsNull(b) || charges.IsNull(a) || charges.IsNull(b) {
			return
		}
		score, ok := Similarity(procedures.Value(a), procedures.Value(b), charges.Value(a), charges.Value(b))
		if !ok || score.LessThan(threshold) {
			return
		}
		if best[a].better(ids.Value(b), score) {
			best[a] = nearMatch{of: ids.Value(b), score: score, found: true}
		}
	}

	for g, group := range groups.Rows {
		if groups.NullKey[g] || len(group) < 2 {
			continue
		}
		rows := make([]int, 0, len(group))
		for _, i := range group {
			if !dates.IsNull(i) && !ids.IsNull(i) {
				rows = append(rows, i)
			}
		}
		days := make(map[int]int64, len(rows))
		for _, i := range rows {
			days[i] = frame.DayNumber(dates.Value(i))
		}
		sort.SliceStable(rows, func(a, b int) bool { return days[rows[a]] < days[rows[b]] })

		for x := 0; x < len(rows); x++ {
			for y := x + 1; y < len(rows) && days[rows[y]]-days[rows[x]] <= window; y++ {
				i, j := rows[x], rows[y]
				switch {
				case ids.Value(i) > ids.Value(j):
					consider(i, j)
				case ids.Value(j) > ids.Value(i):
					consider(j, i)
				}
			}
		}
	}

	nearOf := make([]string, n)
	nearValid := make([]bool, n)
	sim := make([]float64, n)
	isNear := make([]bool, n)
	for i, m := range best {
		if m.found {
			nearOf[i], nearValid[i] = m.of, true
			sim[i] = m.score.InexactFloat64()
			isNear[i] = true
		}
	}

	return f.WithAll(
		frame.Named{Name: ColNearDuplicateOf, Column: frame.NewString(nearOf, nearValid)},
		frame.Named{Name: ColNearSimilarity, Column: frame.NewFloat(sim, nearValid)},
		frame.Named{Name: ColIsNearDuplicate, Column: frame.NewBool(isNear)},
	)
}
