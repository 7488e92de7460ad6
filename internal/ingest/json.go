package ingest

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// jsonClaim accepts service dates as YYYY-MM-DD or RFC3339 and charges as
// JSON numbers or numeric strings.
type jsonClaim struct {
	ClaimID       string      `json:"claim_id"`
	PatientID     string      `json:"patient_id"`
	ProviderID    string      `json:"provider_id"`
	ProcedureCode string      `json:"procedure_code"`
	ServiceDate   string      `json:"service_date"`
	ChargeAmount  json.Number `json:"charge_amount"`
	PatientState  *string     `json:"patient_state"`
	ProviderState *string     `json:"provider_state"`
	PatientLat    *float64    `json:"patient_lat"`
	PatientLon    *float64    `json:"patient_lon"`
	ProviderLat   *float64    `json:"provider_lat"`
	ProviderLon   *float64    `json:"provider_lon"`
}

// ReadClaimsJSON reads a JSON array of claims.
func ReadClaimsJSON(r io.Reader) ([]domain.Claim, error) {
	var raw []jsonClaim
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return claimsFromJSON(raw)
}

// DecodeClaims parses a JSON array of claims already held in memory.
func DecodeClaims(data []byte) ([]domain.Claim, error) {
	var raw []jsonClaim
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return claimsFromJSON(raw)
}

// claimsFromJSON converts and validates decoded claims.
func claimsFromJSON(raw []jsonClaim) ([]domain.Claim, error) {
	claims := make([]domain.Claim, 0, len(raw))
	for i, jc := range raw {
		record := claimRecord{
			ClaimID:       jc.ClaimID,
			PatientID:     jc.PatientID,
			ProviderID:    jc.ProviderID,
			ProcedureCode: jc.ProcedureCode,
			ServiceDate:   jc.ServiceDate,
			ChargeAmount:  jc.ChargeAmount.String(),
			PatientState:  jc.PatientState,
			ProviderState: jc.ProviderState,
			PatientLat:    jc.PatientLat,
			PatientLon:    jc.PatientLon,
			ProviderLat:   jc.ProviderLat,
			ProviderLon:   jc.ProviderLon,
		}
		claim, err := record.toClaim()
		if err != nil {
			return nil, &ClaimError{Line: i + 1, ClaimID: claim.ClaimID, Err: err}
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

// WriteResultsJSON writes scored results as an indented JSON array.
func WriteResultsJSON(w io.Writer, results []domain.ScoredResult) error {
	if results == nil {
		results = []domain.ScoredResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// ReadResultsJSON reads a JSON array of scored results.
func ReadResultsJSON(r io.Reader) ([]domain.ScoredResult, error) {
	var results []domain.ScoredResult
	if err := json.NewDecoder(r).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return results, nil
}

// ReadRulesJSON reads a JSON array of custom rule definitions. Rules
// without an explicit "enabled" field are enabled.
func ReadRulesJSON(r io.Reader) ([]*domain.RuleConfig, error) {
	var raw []struct {
		domain.RuleConfig
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	rules := make([]*domain.RuleConfig, 0, len(raw))
	for i := range raw {
		rule := raw[i].RuleConfig
		rule.Enabled = raw[i].Enabled == nil || *raw[i].Enabled
		if rule.ID == "" || rule.Expression == "" {
			return nil, fmt.Errorf("rule %d: id and expression are required", i+1)
		}
		rules = append(rules, &rule)
	}
	return rules, nil
}
