// Package detector sequences the detection passes over a claim batch and
// reduces their flags into the composite fraud score.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/statistics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EngineVersion is reported in run summaries.
const EngineVersion = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-detector")

// Detector runs the fixed detection sequence. It is safe for concurrent use.
type Detector struct {
	cfg        domain.DetectionConfig
	billing    *rules.BillingRules
	geo        *rules.GeographicRules
	outliers   *statistics.OutlierDetector
	benford    *statistics.BenfordAnalyzer
	duplicates *rules.DuplicateDetector
	reducer    *scoring.Reducer

	bundles  []domain.BundleDefinition
	engine   *rules.Engine
	extended bool
	now      func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithBundles enables the unbundling check against the given reference table.
func WithBundles(bundles []domain.BundleDefinition) Option {
	return func(d *Detector) { d.bundles = bundles }
}

// WithRuleEngine evaluates custom rules after the built-in passes.
func WithRuleEngine(engine *rules.Engine) Option {
	return func(d *Detector) { d.engine = engine }
}

// WithExtendedChecks enables the advisory outlier and geographic passes.
func WithExtendedChecks(enabled bool) Option {
	return func(d *Detector) { d.extended = enabled }
}

// WithClock overrides the processed_at clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a detector. The configuration is validated once and shared
// read-only by every pass.
func New(cfg domain.DetectionConfig, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cfg:        cfg,
		billing:    rules.NewBillingRules(cfg),
		geo:        rules.NewGeographicRules(cfg),
		outliers:   statistics.NewOutlierDetector(cfg),
		benford:    statistics.NewBenfordAnalyzer(),
		duplicates: rules.NewDuplicateDetector(cfg),
		reducer:    scoring.NewReducer(cfg),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the detection configuration.
func (d *Detector) Config() domain.DetectionConfig { return d.cfg }

type stage struct {
	name string
	run  func(ctx context.Context, f *frame.Frame) (*frame.Frame, error)
}

func pass(fn func(*frame.Frame) (*frame.Frame, error)) func(context.Context, *frame.Frame) (*frame.Frame, error) {
	return func(_ context.Context, f *frame.Frame) (*frame.Frame, error) { return fn(f) }
}

func (d *Detector) stages() []stage {
	charge := frame.ColChargeAmount
	s := []stage{
		{"daily_procedure_limit", pass(d.billing.DailyProcedureLimits)},
		{"patient_frequency", pass(d.billing.PatientClaimFrequency)},
		{"weekend_billing", pass(d.billing.WeekendBilling)},
		{"round_amounts", pass(d.billing.RoundAmounts)},
		{"provider_patient_distance", pass(d.geo.ProviderPatientDistance)},
		{"state_mismatch", pass(d.geo.StateMismatch)},
		{"zscore", pass(func(f *frame.Frame) (*frame.Frame, error) {
			return d.outliers.ZScore(f, charge, domain.FlagChargeZScoreOutlier)
		})},
		{"iqr", pass(func(f *frame.Frame) (*frame.Frame, error) {
			return d.outliers.IQR(f, charge, domain.FlagChargeIQROutlier)
		})},
		{"benford", pass(func(f *frame.Frame) (*frame.Frame, error) {
			return d.benford.Analyze(f, charge, "", statistics.DefaultBenfordThreshold)
		})},
		{"duplicates", pass(d.duplicates.Detect)},
	}

	if d.extended {
		s = append(s,
			stage{"procedure_outliers", pass(d.outliers.ProcedureOutliers)},
			stage{"provider_outliers", pass(d.outliers.ProviderOutliers)},
			stage{"temporal_outliers", pass(d.outliers.TemporalOutliers)},
			stage{"geographic_clustering", pass(d.geo.GeographicClustering)},
			stage{"impossible_travel", pass(d.geo.ImpossibleTravel)},
		)
	}
	if len(d.bundles) > 0 {
		s = append(s, stage{"unbundling", pass(func(f *frame.Frame) (*frame.Frame, error) {
			return d.billing.ProcedureUnbundling(f, d.bundles)
		})})
	}
	if d.engine != nil {
		s = append(s, stage{"custom_rules", func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
			out, stats, err := d.engine.EvaluateFrame(ctx, f)
			if err != nil {
				return nil, err
			}
			if stats.Errors > 0 {
				slog.Warn("custom rule evaluation errors", "rules", stats.Rules, "errors", stats.Errors)
			}
			return out, nil
		}})
	}
	return s
}

// Annotate runs every detection pass and returns the frame with all
// intermediate and flag columns. Any stage error aborts the run.
func (d *Detector) Annotate(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	for _, st := range d.stages() {
		var err error
		if f, err = d.runStage(ctx, st, f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Detect annotates f and reduces it to the scored result columns.
func (d *Detector) Detect(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	ctx, span := tracer.Start(ctx, "kestrel.detect",
		trace.WithAttributes(attribute.Int("claim_count", f.Len())),
	)
	defer span.End()

	annotated, err := d.Annotate(ctx, f)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	processedAt := d.now()
	out, err := d.runStage(ctx, stage{"score", pass(func(f *frame.Frame) (*frame.Frame, error) {
		return d.reducer.Reduce(f, processedAt)
	})}, annotated)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// DetectClaims scores a batch of claims.
func (d *Detector) DetectClaims(ctx context.Context, claims []domain.Claim) ([]domain.ScoredResult, error) {
	f, err := frame.FromClaims(claims)
	if err != nil {
		return nil, fmt.Errorf("build frame: %w", err)
	}
	out, err := d.Detect(ctx, f)
	if err != nil {
		return nil, err
	}
	results, err := frame.ScoredResults(out)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		metrics.ClaimsScored.WithLabelValues(domain.RiskBand(r.FraudScore)).Inc()
		for _, reason := range r.FraudReasons {
			metrics.FlagsRaised.WithLabelValues(reason).Inc()
		}
	}
	return results, nil
}

func (d *Detector) runStage(ctx context.Context, st stage, f *frame.Frame) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("stage %s: %w", st.name, err)
	}

	ctx, span := tracer.Start(ctx, "kestrel.stage."+st.name)
	defer span.End()

	start := time.Now()
	out, err := st.run(ctx, f)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(st.name).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("stage %s: %w", st.name, err)
	}

	slog.Debug("detection stage complete",
		"stage", st.name,
		"rows", out.Len(),
		"columns", len(out.Names()),
		"duration_ms", elapsed.Milliseconds(),
	)
	return out, nil
}
