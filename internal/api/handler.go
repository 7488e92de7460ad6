package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/statistics"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const (
	maxRequestBytes = 64 << 20

	defaultRunsLimit = 50
	maxRunsLimit     = 500

	submissionCounter = "submissions"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	runner  *pipeline.Runner
	limits  domain.ServerConfig
	version string
}

// NewHandler creates a new API handler. cache and bus may be nil.
func NewHandler(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, runner *pipeline.Runner, limits domain.ServerConfig, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     eventBus,
		runner:  runner,
		limits:  limits,
		version: version,
	}
}

// DetectRequest is the request body for POST /detect. Either Claims or
// Source is set. Claims use the same field names as the claim files.
type DetectRequest struct {
	Claims   json.RawMessage         `json:"claims,omitempty"`
	Source   string                  `json:"source,omitempty"`
	Config   *domain.DetectionConfig `json:"config,omitempty"`
	MinScore float64                 `json:"minScore,omitempty"`
	Async    bool                    `json:"async,omitempty"`
}

// DetectResponse is the response for POST /detect.
type DetectResponse struct {
	RunID    string                `json:"runId"`
	Status   string                `json:"status"`
	Summary  *domain.RunSummary    `json:"summary,omitempty"`
	Results  []domain.ScoredResult `json:"results,omitempty"`
	Error    string                `json:"error,omitempty"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Detect handles POST /detect. With ?async=true (or "async": true) the batch
// is recorded as pending, published for the worker and 202 is returned.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := TenantID(ctx)

	if !h.allowSubmission(w, r, tenantID) {
		return
	}

	var req DetectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	claims, err := decodeClaims(req.Claims)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(claims) == 0 && req.Source == "" {
		writeError(w, http.StatusBadRequest, "claims or source is required")
		return
	}
	if h.limits.MaxBatchClaims > 0 && len(claims) > h.limits.MaxBatchClaims {
		writeError(w, http.StatusRequestEntityTooLarge,
			"batch exceeds "+strconv.Itoa(h.limits.MaxBatchClaims)+" claims")
		return
	}
	if req.Config != nil {
		if err := req.Config.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	batch := &domain.BatchRequest{
		TenantID: tenantID,
		Claims:   claims,
		Source:   req.Source,
		Config:   req.Config,
	}

	if req.Async || r.URL.Query().Get("async") == "true" {
		h.submit(w, r, batch)
		return
	}

	run, results, err := h.runner.Execute(ctx, tenantID, batch)

	resp := DetectResponse{}
	resp.Metadata.TraceID = TraceID(ctx)
	resp.Metadata.Version = h.version
	if run != nil {
		resp.RunID = run.ID
		resp.Status = run.Status
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Metadata.TotalMs = time.Since(start).Milliseconds()
		writeJSON(w, detectErrorStatus(err), resp)
		return
	}

	resp.Summary = &run.Summary
	resp.Results = scoring.FilterMinScore(results, req.MinScore)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, batch *domain.BatchRequest) {
	ctx := r.Context()
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "asynchronous scoring is not enabled")
		return
	}

	run, err := h.runner.Submit(ctx, batch.TenantID, batch)
	if err != nil {
		slog.Error("failed to record submission", "tenant_id", batch.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record run")
		return
	}
	queue := worker.QueueTenant(h.limits.QueueTenants, batch.TenantID)
	if err := bus.PublishEvent(ctx, h.bus, queue, domain.TopicBatchSubmitted, batch); err != nil {
		slog.Error("failed to publish batch", "run_id", run.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue run")
		return
	}

	slog.Info("batch queued", "run_id", run.ID, "tenant_id", batch.TenantID, "claims", len(batch.Claims))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"runId":  run.ID,
		"status": run.Status,
	})
}

// allowSubmission enforces the per-tenant submission limit. Cache failures
// let the request through.
func (h *Handler) allowSubmission(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if h.cache == nil || h.limits.MaxRunsPerMinute <= 0 {
		return true
	}
	n, err := h.cache.Incr(r.Context(), tenantID, submissionCounter, time.Minute)
	if err != nil {
		slog.Warn("submission counter unavailable", "tenant_id", tenantID, "error", err)
		return true
	}
	if n > int64(h.limits.MaxRunsPerMinute) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "submission limit exceeded")
		return false
	}
	return true
}

func decodeClaims(raw json.RawMessage) ([]domain.Claim, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	return ingest.DecodeClaims(trimmed)
}

func detectErrorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNoClaims),
		errors.Is(err, domain.ErrInvalidDetectionConfig),
		errors.Is(err, ingest.ErrInvalidClaim),
		errors.Is(err, ingest.ErrMissingColumn),
		errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// BenfordRequest is the request body for POST /benford/report.
type BenfordRequest struct {
	Claims  json.RawMessage `json:"claims"`
	Column  string          `json:"column,omitempty"`
	GroupBy string          `json:"groupBy,omitempty"`
}

// BenfordReport handles POST /benford/report.
func (h *Handler) BenfordReport(w http.ResponseWriter, r *http.Request) {
	var req BenfordRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	claims, err := decodeClaims(req.Claims)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(claims) == 0 {
		writeError(w, http.StatusBadRequest, "claims are required")
		return
	}
	if req.Column == "" {
		req.Column = frame.ColChargeAmount
	}

	f, err := frame.FromClaims(claims)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := statistics.NewBenfordAnalyzer().DistributionReport(f, req.Column, req.GroupBy)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, statistics.ErrNoData) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"column":  req.Column,
		"groupBy": req.GroupBy,
		"report":  report,
	})
}

// ListRuns handles GET /runs?limit=.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.repo.ListRuns(r.Context(), TenantID(r.Context()), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunResults handles GET /runs/{id}/results?minScore=.
func (h *Handler) GetRunResults(w http.ResponseWriter, r *http.Request) {
	minScore, ok := parseMinScore(w, r)
	if !ok {
		return
	}
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}

	results, err := h.repo.GetResults(r.Context(), run.TenantID, run.ID, minScore)
	if err != nil {
		slog.Error("failed to load results", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	if results == nil {
		results = []domain.ScoredResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":    run.ID,
		"minScore": minScore,
		"results":  results,
		"count":    len(results),
	})
}

// GetRunProviders handles GET /runs/{id}/providers?minScore=&limit=,
// ranking providers by their flagged claims.
func (h *Handler) GetRunProviders(w http.ResponseWriter, r *http.Request) {
	minScore := 0.5
	if r.URL.Query().Get("minScore") != "" {
		var ok bool
		if minScore, ok = parseMinScore(w, r); !ok {
			return
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}

	results, err := h.repo.GetResults(r.Context(), run.TenantID, run.ID, 0)
	if err != nil {
		slog.Error("failed to load results", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	providers := scoring.ProviderRisk(results, minScore, limit)
	if providers == nil {
		providers = []domain.ProviderRisk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":     run.ID,
		"providers": providers,
	})
}

func (h *Handler) lookupRun(w http.ResponseWriter, r *http.Request) (*domain.Run, bool) {
	runID := chi.URLParam(r, "id")
	run, err := h.repo.GetRun(r.Context(), TenantID(r.Context()), runID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		slog.Error("failed to get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

func parseMinScore(w http.ResponseWriter, r *http.Request) (float64, bool) {
	v := r.URL.Query().Get("minScore")
	if v == "" {
		return 0, true
	}
	score, err := strconv.ParseFloat(v, 64)
	if err != nil || score < 0 || score > 1 {
		writeError(w, http.StatusBadRequest, "minScore must be a number between 0 and 1")
		return 0, false
	}
	return score, true
}

// ListBundles handles GET /bundles.
func (h *Handler) ListBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := h.repo.ListBundles(r.Context(), TenantID(r.Context()))
	if err != nil {
		slog.Error("failed to list bundles", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list bundles")
		return
	}
	if bundles == nil {
		bundles = []domain.BundleDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bundles": bundles,
		"count":   len(bundles),
	})
}

// CreateBundle handles POST /bundles. Saving an existing bundled code
// replaces its definition.
func (h *Handler) CreateBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)

	var bundle domain.BundleDefinition
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := ingest.ValidateBundle(&bundle); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bundle.TenantID = tenantID

	if err := h.repo.SaveBundle(ctx, tenantID, &bundle); err != nil {
		slog.Error("failed to save bundle", "bundled_code", bundle.BundledCode, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save bundle")
		return
	}

	slog.Info("bundle saved", "tenant_id", tenantID, "bundled_code", bundle.BundledCode)
	writeJSON(w, http.StatusCreated, bundle)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// ListRules handles GET /rules, returning the tenant's stored rules and
// how many are currently compiled.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	stored, err := h.repo.ListRuleConfigs(r.Context(), tenantID)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if stored == nil {
		stored = []*domain.RuleConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"loaded": len(h.runner.LoadedRules(tenantID)),
	})
}

// CreateRule validates, stores and hot-reloads a tenant rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	rule := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if err := ingest.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.runner.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}
	if err := h.repo.SaveRuleConfig(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save rule config", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	loaded, err := h.runner.ReloadRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "rule saved but reload failed: "+err.Error())
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":   rule,
		"loaded": loaded,
	})
}

// ReloadRules recompiles the tenant's rules from the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	count, err := h.runner.ReloadRules(r.Context(), tenantID)
	if err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the repository is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
