// Benchmark tool for scoring labelled claims against a running Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/labelled_claims.csv -url http://localhost:8080
//
// This tool:
//  1. Reads a claims CSV carrying a fraud label column
//  2. Sends the claims to POST /detect in batches
//  3. Compares each claim's risk band with its label
//  4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
)

// DetectRequest is the subset of the /detect request the benchmark sends.
type DetectRequest struct {
	Claims []domain.Claim `json:"claims"`
}

// DetectResponse is the subset of the /detect response the benchmark reads.
type DetectResponse struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Results []struct {
		ClaimID    string  `json:"claim_id"`
		FraudScore float64 `json:"fraud_score"`
	} `json:"results"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud scored above the threshold
	FalsePositives int64 // Non-fraud scored above the threshold
	TrueNegatives  int64 // Non-fraud scored at or below the threshold
	FalseNegatives int64 // Fraud scored at or below the threshold (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
	Batches        int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled claims CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	labelCol := flag.String("label", "is_fraud", "Label column (1/true marks fraud)")
	threshold := flag.Float64("threshold", domain.MediumRiskThreshold, "Scores above this count as flagged")
	batchSize := flag.Int("batch", 5000, "Claims per /detect request (0 = one request)")
	workers := flag.Int("workers", 4, "Number of concurrent requests")
	verbose := flag.Bool("verbose", false, "Print each misclassified claim")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labelled_claims.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - labelled claims")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Printf("Threshold:   %.2f\n", *threshold)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	claims, labels, err := readLabelledClaims(*csvPath, *labelCol)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fraudCount := 0
	for _, fraud := range labels {
		if fraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d claims\n", len(claims))
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(claims)))
	fmt.Printf("  - Non-fraud: %d\n", len(claims)-fraudCount)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(claims, labels, *baseURL, *tenantID, *batchSize, *workers, *threshold, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readLabelledClaims parses the claims with the regular CSV reader and the
// label column in a second pass keyed by claim id.
func readLabelledClaims(path, labelCol string) ([]domain.Claim, map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	claims, err := ingest.ReadClaimsCSV(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))] = i
	}
	idCol, ok := colIndex["claim_id"]
	if !ok {
		return nil, nil, errors.New("missing claim_id column")
	}
	lblCol, ok := colIndex[strings.ToLower(labelCol)]
	if !ok {
		return nil, nil, fmt.Errorf("missing label column %q", labelCol)
	}

	labels := make(map[string]bool, len(claims))
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if idCol >= len(record) || lblCol >= len(record) {
			continue
		}
		v := strings.ToLower(strings.TrimSpace(record[lblCol]))
		labels[strings.TrimSpace(record[idCol])] = v == "1" || v == "true"
	}
	return claims, labels, nil
}

func runBenchmark(claims []domain.Claim, labels map[string]bool, baseURL, tenantID string, batchSize, numWorkers int, threshold float64, verbose bool) *Metrics {
	metrics := &Metrics{}
	if batchSize <= 0 {
		batchSize = len(claims)
	}

	work := make(chan []domain.Claim, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Minute}

			for batch := range work {
				start := time.Now()
				result, err := detectBatch(client, baseURL, tenantID, batch)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.Batches, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, int64(len(batch)))
					fmt.Printf("ERROR: batch of %d starting %s -> %v\n", len(batch), batch[0].ClaimID, err)
					continue
				}

				for _, r := range result.Results {
					actual := labels[r.ClaimID]
					predicted := r.FraudScore > threshold
					atomic.AddInt64(&metrics.TotalProcessed, 1)
					if actual {
						atomic.AddInt64(&metrics.TotalFraud, 1)
					} else {
						atomic.AddInt64(&metrics.TotalNonFraud, 1)
					}

					switch {
					case predicted && actual:
						atomic.AddInt64(&metrics.TruePositives, 1)
					case predicted && !actual:
						atomic.AddInt64(&metrics.FalsePositives, 1)
					case !predicted && !actual:
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					default:
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}

					if verbose && predicted != actual {
						fmt.Printf("MISS %-14s | Fraud: %-5v | Score: %.4f | Band: %s\n",
							r.ClaimID, actual, r.FraudScore, domain.RiskBand(r.FraudScore))
					}
				}
			}
		}()
	}

	for start := 0; start < len(claims); start += batchSize {
		end := min(start+batchSize, len(claims))
		work <- claims[start:end]
	}
	close(work)
	wg.Wait()

	return metrics
}

func detectBatch(client *http.Client, baseURL, tenantID string, batch []domain.Claim) (*DetectResponse, error) {
	body, err := json.Marshal(DetectRequest{Claims: batch})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result DetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED     CLEAR")
	fmt.Printf("   Actual  F    %8d  %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF    %8d  %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged claims, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalFraud > 0 {
		fmt.Printf("\n   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, float64(m.TruePositives)/float64(m.TotalFraud)*100)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%)\n", m.FalseNegatives, m.TotalFraud, float64(m.FalseNegatives)/float64(m.TotalFraud)*100)
	}
	if m.TotalNonFraud > 0 {
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, float64(m.FalsePositives)/float64(m.TotalNonFraud)*100)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Batches > 0 {
		fmt.Printf("   Avg Batch Time:   %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.Batches))
	}
	if m.TotalProcessed > 0 {
		fmt.Printf("   Throughput:       %.2f claims/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
