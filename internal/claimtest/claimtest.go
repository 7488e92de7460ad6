// Package claimtest builds claims and frames for tests.
package claimtest

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/shopspring/decimal"
)

// Date parses a YYYY-MM-DD date and panics on malformed input.
func Date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// Claim builds a claim without location data.
func Claim(id, patient, provider, procedure, date string, charge float64) domain.Claim {
	return domain.Claim{
		ClaimID:       id,
		PatientID:     patient,
		ProviderID:    provider,
		ProcedureCode: procedure,
		ServiceDate:   Date(date),
		ChargeAmount:  decimal.NewFromFloat(charge).Round(2),
	}
}

// WithStates sets patient and provider states.
func WithStates(c domain.Claim, patient, provider string) domain.Claim {
	c.PatientState = &patient
	c.ProviderState = &provider
	return c
}

// WithCoordinates sets patient and provider coordinates.
func WithCoordinates(c domain.Claim, patLat, patLon, provLat, provLon float64) domain.Claim {
	c.PatientLat = &patLat
	c.PatientLon = &patLon
	c.ProviderLat = &provLat
	c.ProviderLon = &provLon
	return c
}

// Frame converts claims to a frame, failing the test on error.
func Frame(t testing.TB, claims ...domain.Claim) *frame.Frame {
	t.Helper()
	f, err := frame.FromClaims(claims)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	return f
}

// Charges builds one claim per charge for a single provider and procedure,
// spread over distinct patients on the same date.
func Charges(provider, procedure, date string, charges ...float64) []domain.Claim {
	out := make([]domain.Claim, len(charges))
	for i, c := range charges {
		out[i] = Claim(ID(provider, i), ID("PAT", i), provider, procedure, date, c)
	}
	return out
}

// ID formats a zero padded identifier such as CLM0007.
func ID(prefix string, n int) string {
	const digits = "0123456789"
	b := []byte{digits[n/1000%10], digits[n/100%10], digits[n/10%10], digits[n%10]}
	return prefix + string(b)
}

// Flags reads a flag column by claim id.
func Flags(t testing.TB, f *frame.Frame, column string) map[string]bool {
	t.Helper()
	ids, err := f.Strings(frame.ColClaimID)
	if err != nil {
		t.Fatalf("claim ids: %v", err)
	}
	flags, err := f.Bools(column)
	if err != nil {
		t.Fatalf("flag column %s: %v", column, err)
	}
	out := make(map[string]bool, f.Len())
	for i := 0; i < f.Len(); i++ {
		out[ids.Value(i)] = flags.Value(i)
	}
	return out
}
