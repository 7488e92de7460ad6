package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/claimtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newRunner(t *testing.T) (*pipeline.Runner, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-worker-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	runner := pipeline.NewRunner(repo, cache.NewMemoryCache(100, time.Minute), nil, pipeline.Options{
		Detection:   domain.DefaultDetectionConfig(),
		RuleWorkers: 2,
	})
	return runner, repo
}

func testClaims() []domain.Claim {
	claims := claimtest.Charges("PRV001", "99213", "2024-01-10", 120, 135, 128, 140, 132)
	dup := claims[1]
	dup.ClaimID = "PRV0019999"
	return append(claims, dup)
}

// waitFor returns the first event received on ch or fails after two seconds.
func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	var zero T
	return zero
}

func subscribe[T any](t *testing.T, eventBus domain.EventBus, tenantID, topic string) <-chan T {
	t.Helper()
	ch := make(chan T, 4)
	_, err := eventBus.Subscribe(context.Background(), tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		event, err := bus.DecodeEvent[T](msg)
		if err != nil {
			return err
		}
		ch <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return ch
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	runner, repo := newRunner(t)

	t.Run("StartAndStop", func(t *testing.T) {
		worker := NewWorker(eventBus, runner)
		if err := worker.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicBatchSubmitted {
			t.Errorf("expected topic %s, got %s", domain.TopicBatchSubmitted, stats.Topics[0])
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := worker.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessBatch", func(t *testing.T) {
		w := NewWorker(eventBus, runner)
		w.Start(Config{TenantIDs: []string{"tenant-test"}})
		defer w.Stop()

		scored := subscribe[domain.BatchScored](t, eventBus, "tenant-test", domain.TopicBatchScored)

		req := domain.BatchRequest{RunID: "run-async-001", Claims: testClaims()}
		if err := bus.PublishEvent(context.Background(), eventBus, "tenant-test", domain.TopicBatchSubmitted, req); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		event := waitFor(t, scored)
		if event.RunID != "run-async-001" {
			t.Errorf("expected run id run-async-001, got %s", event.RunID)
		}
		if event.Status != domain.RunStatusCompleted {
			t.Errorf("expected COMPLETED, got %s (%s)", event.Status, event.Error)
		}
		if event.Summary.TotalClaims != 6 {
			t.Errorf("expected 6 claims, got %d", event.Summary.TotalClaims)
		}

		results, err := repo.GetResults(context.Background(), "tenant-test", "run-async-001", 0)
		if err != nil {
			t.Fatalf("GetResults failed: %v", err)
		}
		if len(results) != 6 {
			t.Errorf("expected 6 stored results, got %d", len(results))
		}
	})

	t.Run("AlertPublished", func(t *testing.T) {
		w := NewWorker(eventBus, runner)
		w.Start(Config{TenantIDs: []string{"tenant-alert"}})
		defer w.Stop()

		alerts := subscribe[domain.Alert](t, eventBus, "tenant-alert", domain.TopicAlert)

		// Weighting duplicates alone pushes the duplicate into the high band.
		cfg := domain.DefaultDetectionConfig()
		cfg.WeightRuleViolation = 0
		cfg.WeightStatisticalAnomaly = 0
		cfg.WeightDuplicate = 1

		req := domain.BatchRequest{RunID: "run-alert", Claims: testClaims(), Config: &cfg}
		bus.PublishEvent(context.Background(), eventBus, "tenant-alert", domain.TopicBatchSubmitted, req)

		alert := waitFor(t, alerts)
		if alert.RunID != "run-alert" {
			t.Errorf("expected run id run-alert, got %s", alert.RunID)
		}
		if len(alert.ClaimIDs) != 1 || alert.ClaimIDs[0] != "PRV0019999" {
			t.Errorf("expected PRV0019999 alerted, got %v", alert.ClaimIDs)
		}
		if alert.MaxScore != 1.0 {
			t.Errorf("expected max score 1.0, got %v", alert.MaxScore)
		}
	})

	t.Run("FailedRunReported", func(t *testing.T) {
		w := NewWorker(eventBus, runner)
		w.Start(Config{TenantIDs: []string{"tenant-fail"}})
		defer w.Stop()

		scored := subscribe[domain.BatchScored](t, eventBus, "tenant-fail", domain.TopicBatchScored)

		bus.PublishEvent(context.Background(), eventBus, "tenant-fail", domain.TopicBatchSubmitted, domain.BatchRequest{RunID: "run-empty"})

		event := waitFor(t, scored)
		if event.Status != domain.RunStatusFailed {
			t.Errorf("expected FAILED, got %s", event.Status)
		}
		if event.Error == "" {
			t.Error("expected error message on failed run")
		}
	})

	t.Run("GlobalWorker", func(t *testing.T) {
		w := NewWorker(eventBus, runner)
		w.Start(Config{})
		defer w.Stop()

		scored := subscribe[domain.BatchScored](t, eventBus, "tenant-global", domain.TopicBatchScored)

		req := domain.BatchRequest{RunID: "run-global", TenantID: "tenant-global", Claims: testClaims()}
		bus.PublishEvent(context.Background(), eventBus, GlobalTenant, domain.TopicBatchSubmitted, req)

		event := waitFor(t, scored)
		if event.TenantID != "tenant-global" {
			t.Errorf("expected tenant-global, got %s", event.TenantID)
		}
		if _, err := repo.GetRun(context.Background(), "tenant-global", "run-global"); err != nil {
			t.Errorf("expected run stored under request tenant: %v", err)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, runner)
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestQueueTenant(t *testing.T) {
	dedicated := []string{"tenant-vip"}
	if got := QueueTenant(dedicated, "tenant-vip"); got != "tenant-vip" {
		t.Errorf("dedicated tenant routed to %q", got)
	}
	if got := QueueTenant(dedicated, "tenant-other"); got != GlobalTenant {
		t.Errorf("shared tenant routed to %q", got)
	}
	if got := QueueTenant(nil, "tenant-vip"); got != GlobalTenant {
		t.Errorf("no dedicated tenants routed to %q", got)
	}
}

func TestBatchTenant(t *testing.T) {
	cases := []struct {
		name    string
		queue   string
		body    string
		want    string
		wantErr bool
	}{
		{"BodyWins", GlobalTenant, "tenant-body", "tenant-body", false},
		{"DedicatedQueue", "tenant-vip", "", "tenant-vip", false},
		{"GlobalWithoutTenant", GlobalTenant, "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := batchTenant(&domain.Message{TenantID: tc.queue}, &domain.BatchRequest{TenantID: tc.body})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("tenant = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWorkersShareQueue(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	runner, repo := newRunner(t)

	first, second := NewWorker(eventBus, runner), NewWorker(eventBus, runner)
	for _, w := range []*Worker{first, second} {
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()
	}

	scored := subscribe[domain.BatchScored](t, eventBus, "tenant-shared", domain.TopicBatchScored)

	for _, runID := range []string{"run-shared-1", "run-shared-2"} {
		req := domain.BatchRequest{RunID: runID, TenantID: "tenant-shared", Claims: testClaims()}
		if err := bus.PublishEvent(context.Background(), eventBus, GlobalTenant, domain.TopicBatchSubmitted, req); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		seen[waitFor(t, scored).RunID]++
	}
	select {
	case extra := <-scored:
		t.Fatalf("batch %s scored twice", extra.RunID)
	case <-time.After(100 * time.Millisecond):
	}
	if seen["run-shared-1"] != 1 || seen["run-shared-2"] != 1 {
		t.Errorf("scored runs = %v", seen)
	}

	runs, err := repo.ListRuns(context.Background(), "tenant-shared", 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 stored runs, got %d", len(runs))
	}
}
