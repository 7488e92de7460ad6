// Package ingest reads claim batches and bundle tables from CSV, JSON and
// Parquet files and writes scored results back in the same formats.
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/storage"
	"github.com/shopspring/decimal"
)

// Sentinel errors.
var (
	ErrInvalidClaim      = errors.New("invalid claim")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrMissingColumn     = errors.New("missing required column")
)

// Format is a file encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case FormatCSV, FormatJSON, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(location string) (Format, error) {
	ext := strings.TrimPrefix(path.Ext(location), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: no extension in %q", ErrUnsupportedFormat, location)
	}
	return ParseFormat(ext)
}

// dateLayouts are tried in order when parsing service dates.
var dateLayouts = []string{"2006-01-02", time.RFC3339}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid service_date %q", s)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ClaimError reports a claim that failed to parse or validate.
type ClaimError struct {
	// Line is the 1-based record position: the file line for CSV, the
	// array index plus one for JSON and the row number for Parquet.
	Line    int
	ClaimID string
	Err     error
}

func (e *ClaimError) Error() string {
	if e.ClaimID != "" {
		return fmt.Sprintf("record %d (claim %s): %v", e.Line, e.ClaimID, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Line, e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }

// ValidateClaim checks required identity fields, state codes and
// coordinate ranges.
func ValidateClaim(c *domain.Claim) error {
	if msg, err := check(c); msg != "" || err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidClaim, cmp.Or(msg, fmt.Sprint(err)))
	}
	return nil
}

// ValidateBundle checks that a bundle names its bundled and component codes.
func ValidateBundle(b *domain.BundleDefinition) error {
	if msg, err := check(b); msg != "" || err != nil {
		return fmt.Errorf("invalid bundle: %s", cmp.Or(msg, fmt.Sprint(err)))
	}
	return nil
}

// ValidateRule checks a rule's identity fields and expression size. It does
// not compile the expression.
func ValidateRule(r *domain.RuleConfig) error {
	if msg, err := check(r); msg != "" || err != nil {
		return fmt.Errorf("invalid rule: %s", cmp.Or(msg, fmt.Sprint(err)))
	}
	return nil
}

// check validates v, returning field failures as one sorted message, or the
// validator's own error when v could not be validated at all.
func check(v any) (string, error) {
	err := validate.Struct(v)
	if err == nil {
		return "", nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return "", err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; "), nil
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters long", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
	case "alpha":
		return fmt.Sprintf("%s must contain only alphabetic characters", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// claimRecord is the flat, format-neutral shape of one input claim.
type claimRecord struct {
	ClaimID       string
	PatientID     string
	ProviderID    string
	ProcedureCode string
	ServiceDate   string
	ChargeAmount  string
	PatientState  *string
	ProviderState *string
	PatientLat    *float64
	PatientLon    *float64
	ProviderLat   *float64
	ProviderLon   *float64
}

func (r *claimRecord) toClaim() (domain.Claim, error) {
	c := domain.Claim{
		ClaimID:       strings.TrimSpace(r.ClaimID),
		PatientID:     strings.TrimSpace(r.PatientID),
		ProviderID:    strings.TrimSpace(r.ProviderID),
		ProcedureCode: strings.TrimSpace(r.ProcedureCode),
		PatientState:  r.PatientState,
		ProviderState: r.ProviderState,
		PatientLat:    r.PatientLat,
		PatientLon:    r.PatientLon,
		ProviderLat:   r.ProviderLat,
		ProviderLon:   r.ProviderLon,
	}

	if strings.TrimSpace(r.ServiceDate) != "" {
		date, err := parseDate(r.ServiceDate)
		if err != nil {
			return c, fmt.Errorf("%w: %v", ErrInvalidClaim, err)
		}
		c.ServiceDate = date
	}

	charge := strings.TrimSpace(r.ChargeAmount)
	if charge == "" {
		return c, fmt.Errorf("%w: ChargeAmount is required", ErrInvalidClaim)
	}
	amount, err := decimal.NewFromString(charge)
	if err != nil {
		return c, fmt.Errorf("%w: invalid charge_amount %q", ErrInvalidClaim, charge)
	}
	c.ChargeAmount = amount

	return c, ValidateClaim(&c)
}

// Loader reads and writes batches through a Storage backend.
type Loader struct {
	store storage.Storage
}

// NewLoader creates a loader over store.
func NewLoader(store storage.Storage) *Loader {
	return &Loader{store: store}
}

// LoadClaims reads a claims file, choosing the decoder from its extension.
func (l *Loader) LoadClaims(ctx context.Context, location string) ([]domain.Claim, error) {
	format, err := FormatFromPath(location)
	if err != nil {
		return nil, err
	}
	r, err := l.store.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	switch format {
	case FormatCSV:
		return ReadClaimsCSV(r)
	case FormatJSON:
		return ReadClaimsJSON(r)
	default:
		return ReadClaimsParquet(r)
	}
}

// LoadBundles reads a bundle definition CSV.
func (l *Loader) LoadBundles(ctx context.Context, location string) ([]domain.BundleDefinition, error) {
	r, err := l.store.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadBundlesCSV(r)
}

// LoadRules reads a JSON rule definition file.
func (l *Loader) LoadRules(ctx context.Context, location string) ([]*domain.RuleConfig, error) {
	r, err := l.store.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadRulesJSON(r)
}

// LoadResults reads a scored results file.
func (l *Loader) LoadResults(ctx context.Context, location string) ([]domain.ScoredResult, error) {
	format, err := FormatFromPath(location)
	if err != nil {
		return nil, err
	}
	r, err := l.store.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	switch format {
	case FormatCSV:
		return ReadResultsCSV(r)
	case FormatJSON:
		return ReadResultsJSON(r)
	default:
		return ReadResultsParquet(r)
	}
}

// SaveResults writes scored results in format to location.
func (l *Loader) SaveResults(ctx context.Context, location string, format Format, results []domain.ScoredResult) error {
	w, err := l.store.Create(ctx, location)
	if err != nil {
		return err
	}

	switch format {
	case FormatCSV:
		err = WriteResultsCSV(w, results)
	case FormatJSON:
		err = WriteResultsJSON(w, results)
	case FormatParquet:
		err = WriteResultsParquet(w, results)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", location, err)
	}
	return w.Close()
}
