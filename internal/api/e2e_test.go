package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// e2e drives a live HTTP server backed by an in-process bus and worker:
//
//	POST /detect?async=true -> bus -> worker -> repository -> GET /runs/{id}
type e2e struct {
	t      *testing.T
	url    string
	client *http.Client
}

func startE2E(t *testing.T) *e2e {
	t.Helper()

	eventBus := bus.NewChannelBus(10)
	server := createTestServer(t, defaultServerConfig(), eventBus)

	w := worker.NewWorker(eventBus, server.runner)
	if err := w.Start(worker.Config{}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		w.Stop()
		eventBus.Close()
	})
	return &e2e{t: t, url: ts.URL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (e *e2e) call(method, path string, body any, out any) int {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.url+path, reader)
	if err != nil {
		e.t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, "e2e-tenant")

	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("Failed to read response: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(respBody, out); err != nil {
			e.t.Fatalf("Failed to parse response %q: %v", respBody, err)
		}
	}
	return resp.StatusCode
}

// submit queues a batch and returns its run id.
func (e *e2e) submit(body map[string]any) string {
	e.t.Helper()
	body["async"] = true
	var accepted map[string]string
	if code := e.call(http.MethodPost, "/detect", body, &accepted); code != http.StatusAccepted {
		e.t.Fatalf("expected status 202, got %d", code)
	}
	return accepted["runId"]
}

// waitForRun polls until the run leaves PENDING.
func (e *e2e) waitForRun(runID string) domain.Run {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var run domain.Run
		if code := e.call(http.MethodGet, "/runs/"+runID, nil, &run); code != http.StatusOK {
			e.t.Fatalf("expected status 200 for run, got %d", code)
		}
		if run.Status != domain.RunStatusPending {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatalf("run %s still pending", runID)
	return domain.Run{}
}

func TestAsyncInlineClaims(t *testing.T) {
	e := startE2E(t)

	runID := e.submit(map[string]any{"claims": json.RawMessage(claimsJSON(true))})
	run := e.waitForRun(runID)
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", run.Status, run.Error)
	}
	if run.Summary.TotalClaims != 6 || run.Summary.Duplicates != 1 {
		t.Errorf("unexpected summary %+v", run.Summary)
	}

	var results []domain.ScoredResult
	if code := e.call(http.MethodGet, "/runs/"+runID+"/results", nil, &results); code != http.StatusOK {
		t.Fatalf("expected status 200 for results, got %d", code)
	}
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	for _, r := range results {
		if r.ClaimID == "PRV0019999" {
			if !r.IsDuplicate || r.DuplicateOf == nil || *r.DuplicateOf != "PRV0010001" {
				t.Errorf("expected PRV0019999 duplicate of PRV0010001, got %+v", r)
			}
		} else if r.IsDuplicate {
			t.Errorf("unexpected duplicate %s", r.ClaimID)
		}
	}

	var providers []domain.ProviderRisk
	if code := e.call(http.MethodGet, "/runs/"+runID+"/providers?minScore=0", nil, &providers); code != http.StatusOK {
		t.Fatalf("expected status 200 for providers, got %d", code)
	}
	if len(providers) != 1 || providers[0].ProviderID != "PRV001" {
		t.Errorf("unexpected providers %+v", providers)
	}
}

func TestAsyncSourceFile(t *testing.T) {
	e := startE2E(t)

	var csv bytes.Buffer
	csv.WriteString("claim_id,patient_id,provider_id,procedure_code,service_date,charge_amount\n")
	for i, charge := range []string{"120.00", "135.00", "128.00"} {
		fmt.Fprintf(&csv, "PRV00100%02d,PAT00%02d,PRV001,99213,2024-01-10,%s\n", i, i, charge)
	}
	path := filepath.Join(t.TempDir(), "claims.csv")
	if err := os.WriteFile(path, csv.Bytes(), 0o600); err != nil {
		t.Fatalf("write claims: %v", err)
	}

	run := e.waitForRun(e.submit(map[string]any{"source": path}))
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", run.Status, run.Error)
	}
	if run.Summary.TotalClaims != 3 {
		t.Errorf("expected 3 claims, got %d", run.Summary.TotalClaims)
	}
}

func TestAsyncMissingSourceFails(t *testing.T) {
	e := startE2E(t)

	run := e.waitForRun(e.submit(map[string]any{"source": filepath.Join(t.TempDir(), "missing.parquet")}))
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if run.Error == "" {
		t.Error("expected error message on failed run")
	}
}
