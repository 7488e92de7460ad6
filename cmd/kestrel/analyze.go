package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/statistics"
	"github.com/opensource-finance/kestrel/internal/storage"
)

// Report names accepted by -report.
const (
	reportSummary   = "summary"
	reportProviders = "providers"
	reportBenfords  = "benfords"
)

type analyzeOptions struct {
	results  string
	claims   string
	report   string
	limit    int
	minScore float64
	groupBy  string
	asJSON   bool
}

func parseAnalyzeFlags(args []string, out io.Writer) (*analyzeOptions, error) {
	opts := &analyzeOptions{}

	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.results, "results", "", "results file written by kestrel run")
	fs.StringVar(&opts.results, "r", "", "shorthand for -results")
	fs.StringVar(&opts.claims, "claims", "", "claims file for the benfords report, instead of -results")
	fs.StringVar(&opts.report, "report", reportSummary, "report: summary, providers or benfords")
	fs.IntVar(&opts.limit, "limit", 20, "providers to list")
	fs.Float64Var(&opts.minScore, "min-score", 0.5, "providers report counts claims scoring above this")
	fs.StringVar(&opts.groupBy, "group-by", "", "benfords report grouping column, e.g. provider_id")
	fs.BoolVar(&opts.asJSON, "json", false, "print the report as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch opts.report {
	case reportSummary, reportProviders, reportBenfords:
	default:
		return nil, fmt.Errorf("analyze: unknown report %q", opts.report)
	}
	if opts.claims != "" && opts.report != reportBenfords {
		return nil, errors.New("analyze: -claims only applies to the benfords report")
	}
	if opts.results == "" && opts.claims == "" {
		fs.Usage()
		return nil, errors.New("analyze: -results is required")
	}
	return opts, nil
}

func runAnalyze(ctx context.Context, cfg *domain.Config, args []string, out io.Writer) error {
	opts, err := parseAnalyzeFlags(args, out)
	if err != nil {
		return err
	}

	loader := ingest.NewLoader(storage.New(cfg.Storage))
	if opts.claims != "" {
		claims, err := loader.LoadClaims(ctx, opts.claims)
		if err != nil {
			return fmt.Errorf("load claims: %w", err)
		}
		f, err := frame.FromClaims(claims)
		if err != nil {
			return err
		}
		return benfordReport(out, f, opts)
	}

	results, err := loader.LoadResults(ctx, opts.results)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}

	var report any
	switch opts.report {
	case reportSummary:
		summary := scoring.Summarize(results)
		if !opts.asJSON {
			printSummary(out, &summary)
			return nil
		}
		report = summary
	case reportProviders:
		providers := scoring.ProviderRisk(results, opts.minScore, opts.limit)
		if !opts.asJSON {
			printProviders(out, providers)
			return nil
		}
		report = providers
	case reportBenfords:
		f, err := frame.FromResults(results)
		if err != nil {
			return err
		}
		return benfordReport(out, f, opts)
	}

	return printJSON(out, report)
}

func benfordReport(out io.Writer, f *frame.Frame, opts *analyzeOptions) error {
	rows, err := statistics.NewBenfordAnalyzer().DistributionReport(f, frame.ColChargeAmount, opts.groupBy)
	if err != nil {
		return err
	}
	if !opts.asJSON {
		printBenford(out, rows, opts.groupBy != "")
		return nil
	}
	return printJSON(out, rows)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(out io.Writer, s *domain.RunSummary) {
	pct := func(n int) float64 {
		if s.TotalClaims == 0 {
			return 0
		}
		return 100 * float64(n) / float64(s.TotalClaims)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Total claims\t%d\n", s.TotalClaims)
	fmt.Fprintf(tw, "High risk (> %.1f)\t%d\t%.1f%%\n", domain.HighRiskThreshold, s.HighRisk, pct(s.HighRisk))
	fmt.Fprintf(tw, "Medium risk\t%d\t%.1f%%\n", s.MediumRisk, pct(s.MediumRisk))
	fmt.Fprintf(tw, "Low risk (<= %.1f)\t%d\t%.1f%%\n", domain.MediumRiskThreshold, s.LowRisk, pct(s.LowRisk))
	fmt.Fprintf(tw, "Duplicates\t%d\n", s.Duplicates)
	fmt.Fprintf(tw, "Score mean / stddev\t%.4f / %.4f\n", s.MeanScore, s.StdDevScore)
	fmt.Fprintf(tw, "Score min / max\t%.4f / %.4f\n", s.MinScore, s.MaxScore)
	if s.DurationMs > 0 {
		fmt.Fprintf(tw, "Duration\t%dms\n", s.DurationMs)
	}
	tw.Flush()

	if len(s.FlagCounts) == 0 {
		return
	}
	flags := make([]string, 0, len(s.FlagCounts))
	for name := range s.FlagCounts {
		flags = append(flags, name)
	}
	sort.Slice(flags, func(i, j int) bool {
		if s.FlagCounts[flags[i]] != s.FlagCounts[flags[j]] {
			return s.FlagCounts[flags[i]] > s.FlagCounts[flags[j]]
		}
		return flags[i] < flags[j]
	})

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FLAG\tCLAIMS")
	for _, name := range flags {
		fmt.Fprintf(tw, "%s\t%d\n", name, s.FlagCounts[name])
	}
	tw.Flush()
}

func printProviders(out io.Writer, providers []domain.ProviderRisk) {
	if len(providers) == 0 {
		fmt.Fprintln(out, "No providers above the score threshold.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "PROVIDER\tFLAGGED\tAVG SCORE\tTOTAL CHARGES\t")
	for _, p := range providers {
		fmt.Fprintf(tw, "%s\t%d\t%.4f\t%.2f\t\n", p.ProviderID, p.FlaggedClaims, p.AvgFraudScore, p.TotalCharges)
	}
	tw.Flush()
}

func printBenford(out io.Writer, rows []statistics.DigitFrequency, grouped bool) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	if grouped {
		fmt.Fprint(tw, "GROUP\t")
	}
	fmt.Fprintln(tw, "DIGIT\tCOUNT\tOBSERVED\tEXPECTED\tDEVIATION\tDEV %\t")
	for _, r := range rows {
		if grouped {
			fmt.Fprintf(tw, "%s\t", r.Group)
		}
		fmt.Fprintf(tw, "%d\t%d\t%.4f\t%.3f\t%.4f\t%.2f\t\n",
			r.FirstDigit, r.Count, r.ObservedFrequency, r.ExpectedFrequency, r.Deviation, r.DeviationPercentage)
	}
	tw.Flush()
}
