package ingest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/claimtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const claimsCSV = `claim_id,patient_id,provider_id,procedure_code,service_date,charge_amount,patient_state,provider_state,patient_lat,patient_lon,provider_lat,provider_lon
CLM001,PAT001,PRV001,99213,2024-01-10,150.25,CA,CA,34.05,-118.24,34.06,-118.25
CLM002,PAT002,PRV001,99214,2024-01-11T09:30:00Z,200,,,,,,
`

func TestReadClaimsCSV(t *testing.T) {
	claims, err := ReadClaimsCSV(strings.NewReader(claimsCSV))
	require.NoError(t, err)
	require.Len(t, claims, 2)

	first := claims[0]
	assert.Equal(t, "CLM001", first.ClaimID)
	assert.Equal(t, "150.25", first.ChargeAmount.String())
	assert.Equal(t, claimtest.Date("2024-01-10"), first.ServiceDate)
	require.NotNil(t, first.PatientState)
	assert.Equal(t, "CA", *first.PatientState)
	require.NotNil(t, first.ProviderLon)
	assert.InDelta(t, -118.25, *first.ProviderLon, 1e-9)

	second := claims[1]
	assert.Equal(t, claimtest.Date("2024-01-11"), second.ServiceDate)
	assert.Nil(t, second.PatientState)
	assert.Nil(t, second.PatientLat)
}

func TestReadClaimsCSVColumnOrder(t *testing.T) {
	in := "\ufeffcharge_amount,service_date,procedure_code,provider_id,patient_id,claim_id,notes\n" +
		"99.5,2024-02-01,80053,PRV002,PAT009,CLM777,ignored\n"
	claims, err := ReadClaimsCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "CLM777", claims[0].ClaimID)
	assert.Equal(t, "80053", claims[0].ProcedureCode)
}

func TestReadClaimsCSVErrors(t *testing.T) {
	t.Run("MissingColumn", func(t *testing.T) {
		_, err := ReadClaimsCSV(strings.NewReader("claim_id,patient_id\nC1,P1\n"))
		assert.ErrorIs(t, err, ErrMissingColumn)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		_, err := ReadClaimsCSV(strings.NewReader(""))
		assert.ErrorIs(t, err, ErrMissingColumn)
	})

	tests := []struct {
		name string
		row  string
	}{
		{"BadCharge", "CLM003,PAT003,PRV001,99213,2024-01-12,abc"},
		{"MissingCharge", "CLM003,PAT003,PRV001,99213,2024-01-12,"},
		{"BadDate", "CLM003,PAT003,PRV001,99213,01/12/2024,10"},
		{"MissingPatient", "CLM003,,PRV001,99213,2024-01-12,10"},
		{"BadState", "CLM003,PAT003,PRV001,99213,2024-01-12,10,California"},
		{"BadLatitude", "CLM003,PAT003,PRV001,99213,2024-01-12,10,,,95"},
		{"UnparsableLatitude", "CLM003,PAT003,PRV001,99213,2024-01-12,10,,,north"},
	}
	head := "claim_id,patient_id,provider_id,procedure_code,service_date,charge_amount,patient_state,provider_state,patient_lat\n"
	good := "CLM001,PAT001,PRV001,99213,2024-01-10,10,,,\n"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadClaimsCSV(strings.NewReader(head + good + tt.row + "\n"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidClaim)

			var ce *ClaimError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, 3, ce.Line)
		})
	}
}

func TestValidateClaimMessages(t *testing.T) {
	c := domain.Claim{ClaimID: "C1"}
	err := ValidateClaim(&c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidClaim)
	assert.Contains(t, err.Error(), "PatientID is required")
	assert.Contains(t, err.Error(), "ServiceDate is required")
}

func TestReadClaimsJSON(t *testing.T) {
	in := `[
		{"claim_id":"CLM001","patient_id":"PAT001","provider_id":"PRV001","procedure_code":"99213","service_date":"2024-01-10","charge_amount":150.25,"patient_state":"NY"},
		{"claim_id":"CLM002","patient_id":"PAT002","provider_id":"PRV001","procedure_code":"99213","service_date":"2024-01-10T00:00:00Z","charge_amount":"75.10"}
	]`
	claims, err := ReadClaimsJSON(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, "150.25", claims[0].ChargeAmount.String())
	assert.Equal(t, "75.1", claims[1].ChargeAmount.String())
	require.NotNil(t, claims[0].PatientState)
	assert.Equal(t, "NY", *claims[0].PatientState)

	_, err = DecodeClaims([]byte(`[{"claim_id":"CLM9","patient_id":"P","provider_id":"R","procedure_code":"1","service_date":"2024-01-10"}]`))
	var ce *ClaimError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Line)
	assert.Equal(t, "CLM9", ce.ClaimID)

	_, err = DecodeClaims([]byte(`{not json`))
	assert.Error(t, err)
}

func TestReadRulesJSON(t *testing.T) {
	rules, err := ReadRulesJSON(strings.NewReader(`[
		{"id":"pricey","name":"Pricey","expression":"charge_amount > 1000.0"},
		{"id":"off","name":"Off","expression":"true","enabled":false}
	]`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.True(t, rules[0].Enabled)
	assert.False(t, rules[1].Enabled)
	assert.Equal(t, "charge_amount > 1000.0", rules[0].Expression)

	_, err = ReadRulesJSON(strings.NewReader(`[{"name":"no id"}]`))
	assert.ErrorContains(t, err, "id and expression are required")
}

func TestReadBundlesCSV(t *testing.T) {
	in := "bundled_code,unbundled_code_1,unbundled_code_2,description\n" +
		"80053,82565,84132,Comprehensive metabolic panel\n" +
		"80061,82465,83718,\n"
	bundles, err := ReadBundlesCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, "80053", bundles[0].BundledCode)
	assert.Equal(t, "Comprehensive metabolic panel", bundles[0].Description)
	assert.Empty(t, bundles[1].Description)

	_, err = ReadBundlesCSV(strings.NewReader("bundled_code,unbundled_code_1,unbundled_code_2\n80053,,84132\n"))
	assert.ErrorContains(t, err, "bundles line 2")
}

func sampleResults() []domain.ScoredResult {
	orig := "CLM001"
	processed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []domain.ScoredResult{
		{
			ClaimID:          "CLM001",
			PatientID:        "PAT001",
			ProviderID:       "PRV001",
			ChargeAmount:     decimal.RequireFromString("150.25"),
			FraudScore:       0.3,
			FraudReasons:     []string{"Statistical outlier"},
			RuleViolations:   []string{},
			StatisticalFlags: []string{"Charge amount outlier"},
			ProcessedAt:      processed,
		},
		{
			ClaimID:          "CLM002",
			PatientID:        "PAT001",
			ProviderID:       "PRV001",
			ChargeAmount:     decimal.RequireFromString("150.25"),
			FraudScore:       0.75,
			FraudReasons:     []string{"Duplicate claim", "Rule violation"},
			RuleViolations:   []string{"Weekend billing", "Geographic anomaly"},
			StatisticalFlags: []string{},
			IsDuplicate:      true,
			DuplicateOf:      &orig,
			ProcessedAt:      processed,
			AdvisoryFlags:    []string{"Unbundled procedures"},
		},
	}
}

func assertResults(t *testing.T, want, got []domain.ScoredResult) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.ClaimID, g.ClaimID)
		assert.Equal(t, w.PatientID, g.PatientID)
		assert.Equal(t, w.ProviderID, g.ProviderID)
		assert.True(t, w.ChargeAmount.Equal(g.ChargeAmount), "charge %s != %s", w.ChargeAmount, g.ChargeAmount)
		assert.InDelta(t, w.FraudScore, g.FraudScore, 1e-9)
		assert.ElementsMatch(t, w.FraudReasons, g.FraudReasons)
		assert.ElementsMatch(t, w.RuleViolations, g.RuleViolations)
		assert.ElementsMatch(t, w.StatisticalFlags, g.StatisticalFlags)
		assert.ElementsMatch(t, w.AdvisoryFlags, g.AdvisoryFlags)
		assert.Equal(t, w.IsDuplicate, g.IsDuplicate)
		assert.Equal(t, w.DuplicateOf, g.DuplicateOf)
		assert.True(t, w.ProcessedAt.Equal(g.ProcessedAt))
	}
}

func TestResultsRoundTrip(t *testing.T) {
	formats := []struct {
		format Format
		write  func(*bytes.Buffer, []domain.ScoredResult) error
		read   func(*bytes.Buffer) ([]domain.ScoredResult, error)
	}{
		{FormatCSV,
			func(b *bytes.Buffer, r []domain.ScoredResult) error { return WriteResultsCSV(b, r) },
			func(b *bytes.Buffer) ([]domain.ScoredResult, error) { return ReadResultsCSV(b) }},
		{FormatJSON,
			func(b *bytes.Buffer, r []domain.ScoredResult) error { return WriteResultsJSON(b, r) },
			func(b *bytes.Buffer) ([]domain.ScoredResult, error) { return ReadResultsJSON(b) }},
		{FormatParquet,
			func(b *bytes.Buffer, r []domain.ScoredResult) error { return WriteResultsParquet(b, r) },
			func(b *bytes.Buffer) ([]domain.ScoredResult, error) { return ReadResultsParquet(b) }},
	}
	for _, f := range formats {
		t.Run(string(f.format), func(t *testing.T) {
			var buf bytes.Buffer
			want := sampleResults()
			require.NoError(t, f.write(&buf, want))
			got, err := f.read(&buf)
			require.NoError(t, err)
			assertResults(t, want, got)
		})
	}
}

func TestWriteResultsCSVSetColumns(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResultsCSV(&buf, sampleResults()))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "claim_id,patient_id,provider_id,charge_amount,fraud_score"))
	assert.Contains(t, lines[2], `"Duplicate claim, Rule violation"`)
	assert.Contains(t, lines[2], "2024-03-01T12:00:00Z")
}

func TestClaimsParquetRoundTrip(t *testing.T) {
	claims := []domain.Claim{
		claimtest.WithStates(claimtest.Claim("CLM001", "PAT001", "PRV001", "99213", "2024-01-10", 150.25), "TX", "OK"),
		claimtest.WithCoordinates(claimtest.Claim("CLM002", "PAT002", "PRV002", "80053", "2024-01-11", 42), 30.2, -97.7, 35.4, -97.5),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteClaimsParquet(&buf, claims))

	got, err := ReadClaimsParquet(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "150.25", got[0].ChargeAmount.String())
	assert.Equal(t, claimtest.Date("2024-01-11"), got[1].ServiceDate)
	require.NotNil(t, got[0].ProviderState)
	assert.Equal(t, "OK", *got[0].ProviderState)
	assert.Nil(t, got[0].PatientLat)
	require.NotNil(t, got[1].ProviderLat)
	assert.InDelta(t, 35.4, *got[1].ProviderLat, 1e-9)
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"claims.csv", FormatCSV, false},
		{"s3://bucket/in/claims.JSON", FormatJSON, false},
		{"/data/claims.parquet", FormatParquet, false},
		{"claims.xlsx", "", true},
		{"claims", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFromPath(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoader(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := storage.NewLocalStorage(root)
	loader := NewLoader(store)

	w, err := store.Create(ctx, "in/claims.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte(claimsCSV))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	claims, err := loader.LoadClaims(ctx, "in/claims.csv")
	require.NoError(t, err)
	assert.Len(t, claims, 2)

	for _, name := range []string{"out/results.csv", "out/results.json", "out/results.parquet"} {
		format, err := FormatFromPath(name)
		require.NoError(t, err)
		require.NoError(t, loader.SaveResults(ctx, name, format, sampleResults()))

		got, err := loader.LoadResults(ctx, name)
		require.NoError(t, err)
		assertResults(t, sampleResults(), got)
	}

	err = loader.SaveResults(ctx, "out/results.txt", Format("txt"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = loader.LoadClaims(ctx, "in/claims.xlsx")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestValidateRule(t *testing.T) {
	rule := &domain.RuleConfig{ID: "pricey-visit", Name: "Pricey visit", Version: "1.0.0", Expression: "charge_amount > 500.0"}
	require.NoError(t, ValidateRule(rule))

	err := ValidateRule(&domain.RuleConfig{ID: strings.Repeat("x", 65), Version: "1.0.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expression is required")
	assert.Contains(t, err.Error(), "ID must be at most 64 characters long")
	assert.Contains(t, err.Error(), "Name is required")
}

func TestValidateBundleMessage(t *testing.T) {
	err := ValidateBundle(&domain.BundleDefinition{BundledCode: "80053"})
	require.Error(t, err)
	assert.Equal(t, "invalid bundle: UnbundledCode1 is required; UnbundledCode2 is required", err.Error())
}
