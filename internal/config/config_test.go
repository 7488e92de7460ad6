package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func mapEnv(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(mapEnv(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Detection != domain.DefaultDetectionConfig() {
		t.Errorf("expected default detection config, got %+v", cfg.Detection)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Repository.Driver)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(mapEnv(map[string]string{
		"KESTREL_TIER":                "pro",
		"KESTREL_PORT":                "9090",
		"KESTREL_REDIS_ADDR":          "redis:6379",
		"KESTREL_CACHE_TTL":           "90s",
		"KESTREL_SUMMARY_TTL":         "120",
		"KESTREL_TENANTS":             "tenant-001, tenant-002,",
		"KESTREL_ZSCORE_THRESHOLD":    "2.5",
		"KESTREL_IQR_MULTIPLIER":      "3",
		"KESTREL_DUPLICATE_THRESHOLD": "0.8",
		"KESTREL_DUPLICATE_WINDOW_DAYS": "14",
		"KESTREL_MAX_DISTANCE_MILES":  "250",
		"KESTREL_MAX_DAILY_PROCEDURES": "20",
		"KESTREL_MAX_PATIENT_CLAIMS":  "3",
		"KESTREL_WEIGHT_RULES":        "0.5",
		"KESTREL_WEIGHT_STATS":        "0.2",
		"KESTREL_WEIGHT_DUPLICATE":    "0.3",
		"KESTREL_DEBUG":               "true",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Tier != domain.TierPro || cfg.Cache.Type != "redis" {
		t.Errorf("expected pro tier defaults, got tier=%s cache=%s", cfg.Tier, cfg.Cache.Type)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Cache.RedisAddr != "redis:6379" {
		t.Errorf("expected redis:6379, got %s", cfg.Cache.RedisAddr)
	}
	if cfg.Cache.LocalTTL != 90*time.Second {
		t.Errorf("expected 90s cache ttl, got %v", cfg.Cache.LocalTTL)
	}
	if cfg.Worker.SummaryTTL != 2*time.Minute {
		t.Errorf("expected bare seconds to parse, got %v", cfg.Worker.SummaryTTL)
	}
	if len(cfg.Worker.TenantIDs) != 2 || cfg.Worker.TenantIDs[1] != "tenant-002" {
		t.Errorf("unexpected tenants %v", cfg.Worker.TenantIDs)
	}
	if len(cfg.Server.QueueTenants) != 2 {
		t.Errorf("expected queue tenants to follow worker tenants, got %v", cfg.Server.QueueTenants)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}

	want := domain.DetectionConfig{
		OutlierZScoreThreshold:          2.5,
		OutlierIQRMultiplier:            3,
		DuplicateSimilarityThreshold:    0.8,
		DuplicateTimeWindowDays:         14,
		MaxProviderPatientDistanceMiles: 250,
		MaxDailyProceduresPerProvider:   20,
		MaxClaimsPerPatientPerDay:       3,
		WeightRuleViolation:             0.5,
		WeightStatisticalAnomaly:        0.2,
		WeightDuplicate:                 0.3,
	}
	if cfg.Detection != want {
		t.Errorf("detection config mismatch:\n got %+v\nwant %+v", cfg.Detection, want)
	}
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"MalformedInt", map[string]string{"KESTREL_PORT": "eighty"}},
		{"MalformedFloat", map[string]string{"KESTREL_ZSCORE_THRESHOLD": "high"}},
		{"MalformedBool", map[string]string{"KESTREL_WORKER_ENABLED": "maybe"}},
		{"MalformedDuration", map[string]string{"KESTREL_CACHE_TTL": "soon"}},
		{"NegativeThreshold", map[string]string{"KESTREL_MAX_DISTANCE_MILES": "-1"}},
		{"SimilarityOutOfRange", map[string]string{"KESTREL_DUPLICATE_THRESHOLD": "1.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromEnv(mapEnv(tt.vars)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("KESTREL_MAX_BATCH_CLAIMS=250\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("KESTREL_MAX_BATCH_CLAIMS") })

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.MaxBatchClaims != 250 {
		t.Errorf("expected 250, got %d", cfg.Server.MaxBatchClaims)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r1")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Error("info line should be filtered at warn level")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"run_id":"r1"`)) {
		t.Errorf("expected JSON output, got %s", buf.String())
	}

	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unexpected level mapping")
	}
}
