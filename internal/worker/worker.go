// Package worker scores batches submitted asynchronously over the EventBus.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// GlobalTenant receives submissions from every tenant without a dedicated
// worker; the request body carries the owning tenant.
const GlobalTenant = "_global"

// QueueGroup is the queue group shared by every scoring worker, so a batch
// is scored by exactly one worker process.
const QueueGroup = "kestrel-workers"

// ErrNoTenant is returned for a global submission that names no tenant.
var ErrNoTenant = errors.New("batch request names no tenant")

var tracer = otel.Tracer("kestrel-worker")

// QueueTenant returns the bus tenant a submission for tenantID is published
// under, given the tenants that have dedicated workers.
func QueueTenant(dedicated []string, tenantID string) string {
	if slices.Contains(dedicated, tenantID) {
		return tenantID
	}
	return GlobalTenant
}

// Worker consumes batch submissions and publishes run outcomes.
type Worker struct {
	bus    domain.EventBus
	runner *pipeline.Runner

	mu            sync.Mutex
	subscriptions []domain.Subscription
	inflight      sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs restricts the worker to these tenants' queues. Empty
	// consumes the global queue.
	TenantIDs []string
}

// NewWorker creates a worker that scores batches with runner.
func NewWorker(eventBus domain.EventBus, runner *pipeline.Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start joins the submission queue of each configured tenant, or the global
// queue when none are configured. It fails only if no queue could be joined.
func (w *Worker) Start(cfg Config) error {
	queues := cfg.TenantIDs
	if len(queues) == 0 {
		queues = []string{GlobalTenant}
	}

	var errs []error
	for _, queue := range queues {
		if err := w.consume(queue); err != nil {
			slog.Error("failed to join submission queue", "queue", queue, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(queues) {
		return errors.Join(errs...)
	}

	slog.Info("workers started", "queues", queues, "group", QueueGroup)
	return nil
}

func (w *Worker) consume(queue string) error {
	sub, err := w.bus.QueueSubscribe(w.ctx, queue, domain.TopicBatchSubmitted, QueueGroup,
		func(ctx context.Context, msg *domain.Message) error {
			return w.processBatch(ctx, msg)
		})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// batchTenant resolves the tenant that owns a submission.
func batchTenant(msg *domain.Message, req *domain.BatchRequest) (string, error) {
	if req.TenantID != "" {
		return req.TenantID, nil
	}
	if msg.TenantID == GlobalTenant {
		return "", ErrNoTenant
	}
	return msg.TenantID, nil
}

// processBatch scores one submitted batch and publishes the outcome. A
// failed run is reported on the scored topic, not returned to the bus.
func (w *Worker) processBatch(ctx context.Context, msg *domain.Message) error {
	w.inflight.Add(1)
	defer w.inflight.Done()

	start := time.Now()

	req, err := bus.DecodeEvent[domain.BatchRequest](msg)
	if err != nil {
		slog.Error("failed to parse batch request", "message_id", msg.ID, "error", err)
		return err
	}
	tenantID, err := batchTenant(msg, &req)
	if err != nil {
		slog.Error("dropping batch", "message_id", msg.ID, "run_id", req.RunID, "error", err)
		return err
	}

	ctx, span := tracer.Start(ctx, "kestrel.batch")
	span.SetAttributes(
		attribute.String("run_id", req.RunID),
		attribute.String("tenant_id", tenantID),
		attribute.Int("claim_count", len(req.Claims)),
	)
	defer span.End()

	slog.Debug("processing batch",
		"run_id", req.RunID,
		"tenant_id", tenantID,
		"claims", len(req.Claims),
		"source", req.Source,
	)

	run, results, runErr := w.runner.Execute(ctx, tenantID, &req)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	if run == nil {
		slog.Error("batch could not be recorded", "run_id", req.RunID, "tenant_id", tenantID, "error", runErr)
		return runErr
	}

	w.publish(ctx, tenantID, domain.TopicBatchScored, run.ID, domain.BatchScored{
		RunID:    run.ID,
		TenantID: tenantID,
		Status:   run.Status,
		Summary:  run.Summary,
		Error:    run.Error,
	})

	if runErr == nil && scoring.ShouldAlert(results) {
		claimIDs, maxScore := scoring.HighRisk(results)
		w.publish(ctx, tenantID, domain.TopicAlert, run.ID, domain.Alert{
			RunID:    run.ID,
			TenantID: tenantID,
			ClaimIDs: claimIDs,
			MaxScore: maxScore,
		})
	}

	slog.Info("batch processed",
		"run_id", run.ID,
		"tenant_id", tenantID,
		"status", run.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// publish sends a run event. Delivery failures are logged; the run itself
// is already persisted.
func (w *Worker) publish(ctx context.Context, tenantID, topic, runID string, event any) {
	if err := bus.PublishEvent(ctx, w.bus, tenantID, topic, event); err != nil {
		slog.Error("failed to publish run event", "topic", topic, "run_id", runID, "error", err)
	}
}

// Stop leaves every queue and waits for in-flight batches.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}

	w.inflight.Wait()
	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
