package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/storage"
)

type runOptions struct {
	input     string
	output    string
	format    string
	bundles   string
	rules     string
	minScore  float64
	extended  bool
	detection domain.DetectionConfig
}

func parseRunFlags(cfg *domain.Config, args []string, out io.Writer) (*runOptions, error) {
	opts := &runOptions{detection: cfg.Detection, extended: cfg.Worker.ExtendedChecks}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.input, "input", "", "claims file (csv, json or parquet; local path or s3:// URI)")
	fs.StringVar(&opts.input, "i", "", "shorthand for -input")
	fs.StringVar(&opts.output, "output", "", "results file")
	fs.StringVar(&opts.output, "o", "", "shorthand for -output")
	fs.StringVar(&opts.format, "format", "", "output format: parquet, csv or json (default from output extension)")
	fs.StringVar(&opts.format, "f", "", "shorthand for -format")
	fs.StringVar(&opts.bundles, "bundles", "", "procedure bundle CSV for unbundling checks")
	fs.StringVar(&opts.rules, "rules", "", "JSON file of custom CEL rules")
	fs.Float64Var(&opts.minScore, "min-fraud-score", 0, "only write results scoring at least this")
	fs.BoolVar(&opts.extended, "extended", opts.extended, "run advisory checks")

	d := &opts.detection
	fs.Float64Var(&d.OutlierZScoreThreshold, "zscore-threshold", d.OutlierZScoreThreshold, "z-score outlier threshold")
	fs.Float64Var(&d.OutlierIQRMultiplier, "iqr-multiplier", d.OutlierIQRMultiplier, "IQR fence multiplier")
	fs.Float64Var(&d.DuplicateSimilarityThreshold, "duplicate-threshold", d.DuplicateSimilarityThreshold, "near duplicate similarity threshold")
	fs.IntVar(&d.DuplicateTimeWindowDays, "duplicate-window-days", d.DuplicateTimeWindowDays, "near duplicate window in days")
	fs.Float64Var(&d.MaxProviderPatientDistanceMiles, "max-distance-miles", d.MaxProviderPatientDistanceMiles, "provider to patient distance limit")
	fs.IntVar(&d.MaxDailyProceduresPerProvider, "max-daily-procedures", d.MaxDailyProceduresPerProvider, "claims per provider per day")
	fs.IntVar(&d.MaxClaimsPerPatientPerDay, "max-patient-claims", d.MaxClaimsPerPatientPerDay, "claims per patient per day")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.input == "" || opts.output == "" {
		fs.Usage()
		return nil, errors.New("run: -input and -output are required")
	}
	if opts.minScore < 0 || opts.minScore > 1 {
		return nil, fmt.Errorf("run: -min-fraud-score must be within [0,1], got %v", opts.minScore)
	}
	if err := opts.detection.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// outputFormat resolves the -format flag, falling back to the output
// extension and then to parquet.
func (o *runOptions) outputFormat() (ingest.Format, error) {
	if o.format != "" {
		return ingest.ParseFormat(o.format)
	}
	if f, err := ingest.FormatFromPath(o.output); err == nil {
		return f, nil
	}
	return ingest.FormatParquet, nil
}

func runDetect(ctx context.Context, cfg *domain.Config, args []string, out io.Writer) error {
	opts, err := parseRunFlags(cfg, args, out)
	if err != nil {
		return err
	}
	format, err := opts.outputFormat()
	if err != nil {
		return err
	}

	start := time.Now()
	loader := ingest.NewLoader(storage.New(cfg.Storage))

	claims, err := loader.LoadClaims(ctx, opts.input)
	if err != nil {
		return fmt.Errorf("load claims: %w", err)
	}
	slog.Info("claims loaded", "input", opts.input, "count", len(claims))

	detOpts := []detector.Option{detector.WithExtendedChecks(opts.extended)}
	if opts.bundles != "" {
		bundles, err := loader.LoadBundles(ctx, opts.bundles)
		if err != nil {
			return fmt.Errorf("load bundles: %w", err)
		}
		detOpts = append(detOpts, detector.WithBundles(bundles))
		slog.Info("bundles loaded", "count", len(bundles))
	}
	if opts.rules != "" {
		configs, err := loader.LoadRules(ctx, opts.rules)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		engine, err := rules.NewEngine(cfg.Worker.RuleWorkers)
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := engine.LoadRules(configs); err != nil {
			return err
		}
		detOpts = append(detOpts, detector.WithRuleEngine(engine))
		slog.Info("custom rules loaded", "count", engine.RulesCount())
	}

	det, err := detector.New(opts.detection, detOpts...)
	if err != nil {
		return err
	}
	results, err := det.DetectClaims(ctx, claims)
	if err != nil {
		return err
	}

	summary := scoring.Summarize(results)
	summary.DurationMs = time.Since(start).Milliseconds()
	summary.EngineVersion = detector.EngineVersion

	kept := scoring.FilterMinScore(results, opts.minScore)
	if err := loader.SaveResults(ctx, opts.output, format, kept); err != nil {
		return err
	}
	slog.Info("results written",
		"output", opts.output,
		"format", format,
		"written", len(kept),
		"high_risk", summary.HighRisk,
		"duration_ms", summary.DurationMs,
	)

	printSummary(out, &summary)
	return nil
}
