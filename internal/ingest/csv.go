package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Claim CSV column names.
const (
	colClaimID       = "claim_id"
	colPatientID     = "patient_id"
	colProviderID    = "provider_id"
	colProcedureCode = "procedure_code"
	colServiceDate   = "service_date"
	colChargeAmount  = "charge_amount"
	colPatientState  = "patient_state"
	colProviderState = "provider_state"
	colPatientLat    = "patient_lat"
	colPatientLon    = "patient_lon"
	colProviderLat   = "provider_lat"
	colProviderLon   = "provider_lon"
)

var requiredClaimColumns = []string{
	colClaimID, colPatientID, colProviderID, colProcedureCode, colServiceDate, colChargeAmount,
}

// header maps column names to positions.
type header map[string]int

func readHeader(r *csv.Reader, required []string) (header, error) {
	names, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrMissingColumn)
		}
		return nil, err
	}
	h := make(header, len(names))
	for i, n := range names {
		h[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(n, "\ufeff")))] = i
	}
	for _, col := range required {
		if _, ok := h[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	return h, nil
}

func errorLine(err error) int {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return pe.Line
	}
	return 0
}

func (h header) get(rec []string, col string) string {
	if i, ok := h[col]; ok && i < len(rec) {
		return rec[i]
	}
	return ""
}

func (h header) optionalString(rec []string, col string) *string {
	v := strings.TrimSpace(h.get(rec, col))
	if v == "" {
		return nil
	}
	return &v
}

func (h header) optionalFloat(rec []string, col string) (*float64, error) {
	v := strings.TrimSpace(h.get(rec, col))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s %q", ErrInvalidClaim, col, v)
	}
	return &f, nil
}

// ReadClaimsCSV reads claims from a headed CSV. Columns are matched by
// name in any order; unknown columns are ignored. The first bad record
// aborts the read with a *ClaimError carrying its line number.
func ReadClaimsCSV(r io.Reader) ([]domain.Claim, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	h, err := readHeader(cr, requiredClaimColumns)
	if err != nil {
		return nil, err
	}

	var claims []domain.Claim
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ClaimError{Line: errorLine(err), Err: err}
		}
		line, _ := cr.FieldPos(0)

		record := claimRecord{
			ClaimID:       h.get(rec, colClaimID),
			PatientID:     h.get(rec, colPatientID),
			ProviderID:    h.get(rec, colProviderID),
			ProcedureCode: h.get(rec, colProcedureCode),
			ServiceDate:   h.get(rec, colServiceDate),
			ChargeAmount:  h.get(rec, colChargeAmount),
			PatientState:  h.optionalString(rec, colPatientState),
			ProviderState: h.optionalString(rec, colProviderState),
		}
		coords := []struct {
			col string
			dst **float64
		}{
			{colPatientLat, &record.PatientLat},
			{colPatientLon, &record.PatientLon},
			{colProviderLat, &record.ProviderLat},
			{colProviderLon, &record.ProviderLon},
		}
		for _, c := range coords {
			if *c.dst, err = h.optionalFloat(rec, c.col); err != nil {
				return nil, &ClaimError{Line: line, ClaimID: record.ClaimID, Err: err}
			}
		}

		claim, err := record.toClaim()
		if err != nil {
			return nil, &ClaimError{Line: line, ClaimID: claim.ClaimID, Err: err}
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

// ReadBundlesCSV reads bundle definitions with columns bundled_code,
// unbundled_code_1, unbundled_code_2 and an optional description.
func ReadBundlesCSV(r io.Reader) ([]domain.BundleDefinition, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	h, err := readHeader(cr, []string{"bundled_code", "unbundled_code_1", "unbundled_code_2"})
	if err != nil {
		return nil, err
	}

	var bundles []domain.BundleDefinition
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bundles line %d: %w", errorLine(err), err)
		}
		line, _ := cr.FieldPos(0)

		b := domain.BundleDefinition{
			BundledCode:    strings.TrimSpace(h.get(rec, "bundled_code")),
			UnbundledCode1: strings.TrimSpace(h.get(rec, "unbundled_code_1")),
			UnbundledCode2: strings.TrimSpace(h.get(rec, "unbundled_code_2")),
			Description:    strings.TrimSpace(h.get(rec, "description")),
		}
		if err := ValidateBundle(&b); err != nil {
			return nil, fmt.Errorf("bundles line %d: %w", line, err)
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// resultColumns is the scored result CSV header.
var resultColumns = []string{
	"claim_id", "patient_id", "provider_id", "charge_amount", "fraud_score",
	"fraud_reasons", "rule_violations", "statistical_flags", "is_duplicate",
	"duplicate_of", "processed_at", "advisory_flags",
}

// setSeparator joins set-valued columns in CSV output.
const setSeparator = ", "

// WriteResultsCSV writes scored results with set columns flattened as
// comma-space joined strings.
func WriteResultsCSV(w io.Writer, results []domain.ScoredResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(resultColumns); err != nil {
		return err
	}
	for _, r := range results {
		dupOf := ""
		if r.DuplicateOf != nil {
			dupOf = *r.DuplicateOf
		}
		rec := []string{
			r.ClaimID,
			r.PatientID,
			r.ProviderID,
			r.ChargeAmount.String(),
			strconv.FormatFloat(r.FraudScore, 'f', -1, 64),
			strings.Join(r.FraudReasons, setSeparator),
			strings.Join(r.RuleViolations, setSeparator),
			strings.Join(r.StatisticalFlags, setSeparator),
			strconv.FormatBool(r.IsDuplicate),
			dupOf,
			r.ProcessedAt.UTC().Format(time.RFC3339),
			strings.Join(r.AdvisoryFlags, setSeparator),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadResultsCSV reads a file written by WriteResultsCSV.
func ReadResultsCSV(r io.Reader) ([]domain.ScoredResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	h, err := readHeader(cr, []string{"claim_id", "provider_id", "charge_amount", "fraud_score"})
	if err != nil {
		return nil, err
	}

	var results []domain.ScoredResult
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("results line %d: %w", errorLine(err), err)
		}
		line, _ := cr.FieldPos(0)

		res := domain.ScoredResult{
			ClaimID:          h.get(rec, "claim_id"),
			PatientID:        h.get(rec, "patient_id"),
			ProviderID:       h.get(rec, "provider_id"),
			FraudReasons:     splitSet(h.get(rec, "fraud_reasons")),
			RuleViolations:   splitSet(h.get(rec, "rule_violations")),
			StatisticalFlags: splitSet(h.get(rec, "statistical_flags")),
			DuplicateOf:      h.optionalString(rec, "duplicate_of"),
		}
		if adv := splitSet(h.get(rec, "advisory_flags")); len(adv) > 0 {
			res.AdvisoryFlags = adv
		}
		if res.ChargeAmount, err = decimal.NewFromString(h.get(rec, "charge_amount")); err != nil {
			return nil, fmt.Errorf("results line %d: charge_amount: %w", line, err)
		}
		if res.FraudScore, err = strconv.ParseFloat(h.get(rec, "fraud_score"), 64); err != nil {
			return nil, fmt.Errorf("results line %d: fraud_score: %w", line, err)
		}
		if v := h.get(rec, "is_duplicate"); v != "" {
			if res.IsDuplicate, err = strconv.ParseBool(v); err != nil {
				return nil, fmt.Errorf("results line %d: is_duplicate: %w", line, err)
			}
		}
		if v := h.get(rec, "processed_at"); v != "" {
			if res.ProcessedAt, err = time.Parse(time.RFC3339, v); err != nil {
				return nil, fmt.Errorf("results line %d: processed_at: %w", line, err)
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func splitSet(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
