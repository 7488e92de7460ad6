// Package pipeline executes scoring runs: it resolves the claim batch,
// applies tenant bundles and custom rules, persists the scored claims and
// records the run lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// ErrNoClaims is returned when a batch carries neither claims nor a source.
var ErrNoClaims = errors.New("batch has no claims")

// ClaimSource loads claims from a file or object URI.
type ClaimSource interface {
	LoadClaims(ctx context.Context, uri string) ([]domain.Claim, error)
}

// Options configures a Runner.
type Options struct {
	// Detection is used when a request carries no config of its own.
	Detection domain.DetectionConfig

	// ExtendedChecks enables the advisory passes.
	ExtendedChecks bool

	// RuleWorkers bounds concurrent custom rule evaluation.
	RuleWorkers int

	// SummaryTTL is how long run summaries stay cached.
	SummaryTTL time.Duration
}

// Runner executes batch requests. It is safe for concurrent use.
type Runner struct {
	repo   domain.Repository
	cache  domain.Cache
	source ClaimSource
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	engines map[string]*rules.Engine
}

// NewRunner creates a runner. cache and source may be nil.
func NewRunner(repo domain.Repository, cache domain.Cache, source ClaimSource, opts Options) *Runner {
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = time.Hour
	}
	return &Runner{
		repo:    repo,
		cache:   cache,
		source:  source,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		engines: make(map[string]*rules.Engine),
	}
}

// Submit records a pending run for an asynchronous request and assigns its
// run id when missing.
func (r *Runner) Submit(ctx context.Context, tenantID string, req *domain.BatchRequest) (*domain.Run, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	req.TenantID = tenantID

	run := &domain.Run{
		ID:        req.RunID,
		TenantID:  tenantID,
		Status:    domain.RunStatusPending,
		Source:    req.Source,
		Config:    r.configFor(req),
		CreatedAt: r.now(),
	}
	if err := r.repo.SaveRun(ctx, tenantID, run); err != nil {
		return nil, fmt.Errorf("save pending run: %w", err)
	}
	return run, nil
}

// Execute scores a batch and records the outcome. A failed run is still
// persisted with its error and returned alongside it.
func (r *Runner) Execute(ctx context.Context, tenantID string, req *domain.BatchRequest) (*domain.Run, []domain.ScoredResult, error) {
	start := time.Now()
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	run := &domain.Run{
		ID:        req.RunID,
		TenantID:  tenantID,
		Status:    domain.RunStatusPending,
		Source:    req.Source,
		Config:    r.configFor(req),
		CreatedAt: r.now(),
	}
	// Keep the submission time of a run recorded by Submit.
	if existing, err := r.repo.GetRun(ctx, tenantID, req.RunID); err == nil {
		run.CreatedAt = existing.CreatedAt
	}

	results, err := r.score(ctx, tenantID, req, run.Config)
	if err != nil {
		return r.fail(ctx, run, err)
	}

	if err := r.repo.SaveResults(ctx, tenantID, run.ID, results); err != nil {
		return r.fail(ctx, run, fmt.Errorf("save results: %w", err))
	}

	summary := scoring.Summarize(results)
	summary.DurationMs = time.Since(start).Milliseconds()
	summary.EngineVersion = detector.EngineVersion

	completed := r.now()
	run.Status = domain.RunStatusCompleted
	run.Summary = summary
	run.CompletedAt = &completed
	if err := r.repo.SaveRun(ctx, tenantID, run); err != nil {
		return nil, nil, fmt.Errorf("save run: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.PutRunSummary(ctx, tenantID, run.ID, &run.Summary, r.opts.SummaryTTL); err != nil {
			slog.Warn("failed to cache run summary", "run_id", run.ID, "error", err)
		}
	}

	metrics.Runs.WithLabelValues("completed").Inc()
	slog.Info("run completed",
		"run_id", run.ID,
		"tenant_id", tenantID,
		"claims", summary.TotalClaims,
		"high_risk", summary.HighRisk,
		"duration_ms", summary.DurationMs,
	)
	return run, results, nil
}

func (r *Runner) fail(ctx context.Context, run *domain.Run, cause error) (*domain.Run, []domain.ScoredResult, error) {
	completed := r.now()
	run.Status = domain.RunStatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &completed

	// The caller may have canceled ctx; the failure must still be recorded.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.repo.SaveRun(saveCtx, run.TenantID, run); err != nil {
		slog.Error("failed to record failed run", "run_id", run.ID, "error", err)
	}

	metrics.Runs.WithLabelValues("failed").Inc()
	slog.Warn("run failed", "run_id", run.ID, "tenant_id", run.TenantID, "error", cause)
	return run, nil, cause
}

func (r *Runner) configFor(req *domain.BatchRequest) domain.DetectionConfig {
	if req.Config != nil {
		return *req.Config
	}
	return r.opts.Detection
}

func (r *Runner) score(ctx context.Context, tenantID string, req *domain.BatchRequest, cfg domain.DetectionConfig) ([]domain.ScoredResult, error) {
	claims := req.Claims
	if len(claims) == 0 {
		if req.Source == "" {
			return nil, ErrNoClaims
		}
		if r.source == nil {
			return nil, fmt.Errorf("no claim source configured for %s", req.Source)
		}
		loaded, err := r.source.LoadClaims(ctx, req.Source)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", req.Source, err)
		}
		claims = loaded
	}

	opts := []detector.Option{detector.WithExtendedChecks(r.opts.ExtendedChecks)}

	bundles, err := r.repo.ListBundles(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	if len(bundles) > 0 {
		opts = append(opts, detector.WithBundles(bundles))
	}

	engine, err := r.engineFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if engine != nil {
		opts = append(opts, detector.WithRuleEngine(engine))
	}

	d, err := detector.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return d.DetectClaims(ctx, claims)
}

// engineFor returns the tenant's custom rule engine, loading it on first
// use. It returns nil when the tenant has no enabled rules.
func (r *Runner) engineFor(ctx context.Context, tenantID string) (*rules.Engine, error) {
	r.mu.Lock()
	engine, ok := r.engines[tenantID]
	r.mu.Unlock()
	if ok {
		return engine, nil
	}

	if _, err := r.ReloadRules(ctx, tenantID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[tenantID], nil
}

// ReloadRules recompiles the tenant's enabled rules from the repository and
// returns how many are loaded. On a compile error the previous rule set is
// kept.
func (r *Runner) ReloadRules(ctx context.Context, tenantID string) (int, error) {
	configs, err := r.repo.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	engine := r.engines[tenantID]
	if engine == nil {
		if engine, err = rules.NewEngine(r.opts.RuleWorkers); err != nil {
			return 0, err
		}
	}
	if err := engine.ReloadRules(configs); err != nil {
		return 0, err
	}

	count := engine.RulesCount()
	if count == 0 {
		r.engines[tenantID] = nil
	} else {
		r.engines[tenantID] = engine
	}

	slog.Info("custom rules loaded", "tenant_id", tenantID, "count", count)
	return count, nil
}

// ValidateRule compiles a rule without loading it.
func (r *Runner) ValidateRule(cfg *domain.RuleConfig) error {
	engine, err := rules.NewEngine(1)
	if err != nil {
		return err
	}
	return engine.ValidateRule(cfg)
}

// LoadedRules returns the tenant's loaded rule configurations.
func (r *Runner) LoadedRules(tenantID string) []*domain.RuleConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if engine := r.engines[tenantID]; engine != nil {
		return engine.Loaded()
	}
	return nil
}

// Summary returns a run summary from the cache, falling back to the
// repository for completed runs.
func (r *Runner) Summary(ctx context.Context, tenantID, runID string) (*domain.RunSummary, error) {
	if r.cache != nil {
		summary, err := r.cache.RunSummary(ctx, tenantID, runID)
		if err != nil {
			slog.Warn("run summary cache read failed", "run_id", runID, "error", err)
		} else if summary != nil {
			return summary, nil
		}
	}

	run, err := r.repo.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil && run.Status == domain.RunStatusCompleted {
		_ = r.cache.PutRunSummary(ctx, tenantID, runID, &run.Summary, r.opts.SummaryTTL)
	}
	return &run.Summary, nil
}
