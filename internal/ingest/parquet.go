package ingest

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

// claimRow is the Parquet schema for input claims.
type claimRow struct {
	ClaimID       string   `parquet:"claim_id"`
	PatientID     string   `parquet:"patient_id"`
	ProviderID    string   `parquet:"provider_id"`
	ProcedureCode string   `parquet:"procedure_code"`
	ServiceDate   string   `parquet:"service_date"`
	ChargeAmount  float64  `parquet:"charge_amount"`
	PatientState  *string  `parquet:"patient_state,optional"`
	ProviderState *string  `parquet:"provider_state,optional"`
	PatientLat    *float64 `parquet:"patient_lat,optional"`
	PatientLon    *float64 `parquet:"patient_lon,optional"`
	ProviderLat   *float64 `parquet:"provider_lat,optional"`
	ProviderLon   *float64 `parquet:"provider_lon,optional"`
}

// resultRow is the Parquet schema for scored results.
type resultRow struct {
	ClaimID          string   `parquet:"claim_id"`
	PatientID        string   `parquet:"patient_id"`
	ProviderID       string   `parquet:"provider_id"`
	ChargeAmount     float64  `parquet:"charge_amount"`
	FraudScore       float64  `parquet:"fraud_score"`
	FraudReasons     []string `parquet:"fraud_reasons,list"`
	RuleViolations   []string `parquet:"rule_violations,list"`
	StatisticalFlags []string `parquet:"statistical_flags,list"`
	IsDuplicate      bool     `parquet:"is_duplicate"`
	DuplicateOf      *string  `parquet:"duplicate_of,optional"`
	ProcessedAt      string   `parquet:"processed_at"`
	AdvisoryFlags    []string `parquet:"advisory_flags,list"`
}

func readAll[T any](r io.Reader) ([]T, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parquet.Read[T](bytes.NewReader(data), int64(len(data)))
}

// ReadClaimsParquet reads claims from a Parquet file.
func ReadClaimsParquet(r io.Reader) ([]domain.Claim, error) {
	rows, err := readAll[claimRow](r)
	if err != nil {
		return nil, fmt.Errorf("read claims parquet: %w", err)
	}

	claims := make([]domain.Claim, 0, len(rows))
	for i, row := range rows {
		record := claimRecord{
			ClaimID:       row.ClaimID,
			PatientID:     row.PatientID,
			ProviderID:    row.ProviderID,
			ProcedureCode: row.ProcedureCode,
			ServiceDate:   row.ServiceDate,
			ChargeAmount:  decimal.NewFromFloat(row.ChargeAmount).String(),
			PatientState:  row.PatientState,
			ProviderState: row.ProviderState,
			PatientLat:    row.PatientLat,
			PatientLon:    row.PatientLon,
			ProviderLat:   row.ProviderLat,
			ProviderLon:   row.ProviderLon,
		}
		claim, err := record.toClaim()
		if err != nil {
			return nil, &ClaimError{Line: i + 1, ClaimID: claim.ClaimID, Err: err}
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

// WriteClaimsParquet writes claims as Parquet.
func WriteClaimsParquet(w io.Writer, claims []domain.Claim) error {
	rows := make([]claimRow, len(claims))
	for i, c := range claims {
		rows[i] = claimRow{
			ClaimID:       c.ClaimID,
			PatientID:     c.PatientID,
			ProviderID:    c.ProviderID,
			ProcedureCode: c.ProcedureCode,
			ServiceDate:   c.ServiceDate.Format("2006-01-02"),
			ChargeAmount:  c.ChargeAmount.InexactFloat64(),
			PatientState:  c.PatientState,
			ProviderState: c.ProviderState,
			PatientLat:    c.PatientLat,
			PatientLon:    c.PatientLon,
			ProviderLat:   c.ProviderLat,
			ProviderLon:   c.ProviderLon,
		}
	}
	return parquet.Write(w, rows)
}

// WriteResultsParquet writes scored results as Parquet with list columns
// for the set-valued fields.
func WriteResultsParquet(w io.Writer, results []domain.ScoredResult) error {
	rows := make([]resultRow, len(results))
	for i, r := range results {
		rows[i] = resultRow{
			ClaimID:          r.ClaimID,
			PatientID:        r.PatientID,
			ProviderID:       r.ProviderID,
			ChargeAmount:     r.ChargeAmount.InexactFloat64(),
			FraudScore:       r.FraudScore,
			FraudReasons:     r.FraudReasons,
			RuleViolations:   r.RuleViolations,
			StatisticalFlags: r.StatisticalFlags,
			IsDuplicate:      r.IsDuplicate,
			DuplicateOf:      r.DuplicateOf,
			ProcessedAt:      r.ProcessedAt.UTC().Format(time.RFC3339),
			AdvisoryFlags:    r.AdvisoryFlags,
		}
	}
	return parquet.Write(w, rows)
}

// ReadResultsParquet reads a file written by WriteResultsParquet.
func ReadResultsParquet(r io.Reader) ([]domain.ScoredResult, error) {
	rows, err := readAll[resultRow](r)
	if err != nil {
		return nil, fmt.Errorf("read results parquet: %w", err)
	}

	results := make([]domain.ScoredResult, len(rows))
	for i, row := range rows {
		res := domain.ScoredResult{
			ClaimID:          row.ClaimID,
			PatientID:        row.PatientID,
			ProviderID:       row.ProviderID,
			ChargeAmount:     decimal.NewFromFloat(row.ChargeAmount),
			FraudScore:       row.FraudScore,
			FraudReasons:     nonNil(row.FraudReasons),
			RuleViolations:   nonNil(row.RuleViolations),
			StatisticalFlags: nonNil(row.StatisticalFlags),
			IsDuplicate:      row.IsDuplicate,
			DuplicateOf:      row.DuplicateOf,
		}
		if len(row.AdvisoryFlags) > 0 {
			res.AdvisoryFlags = row.AdvisoryFlags
		}
		if row.ProcessedAt != "" {
			if res.ProcessedAt, err = time.Parse(time.RFC3339, row.ProcessedAt); err != nil {
				return nil, fmt.Errorf("results row %d: processed_at: %w", i+1, err)
			}
		}
		results[i] = res
	}
	return results, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
