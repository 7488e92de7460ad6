// Package config builds the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Prefix is prepended to every environment variable name.
const Prefix = "KESTREL_"

// Load reads an optional .env file from the working directory and applies
// KESTREL_* overrides to the defaults of the selected tier.
func Load() (*domain.Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// LoadFile is like Load but requires the given env files to exist.
func LoadFile(paths ...string) (*domain.Config, error) {
	if err := godotenv.Load(paths...); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a configuration from getenv. Malformed values are errors
// rather than silently falling back to defaults.
func FromEnv(getenv func(string) string) (*domain.Config, error) {
	e := &env{getenv: getenv}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(e.text("TIER", ""), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	// Server
	cfg.Server.Host = e.text("HOST", cfg.Server.Host)
	cfg.Server.Port = e.integer("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = e.integer("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = e.integer("WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.MaxRunsPerMinute = e.integer("MAX_RUNS_PER_MINUTE", cfg.Server.MaxRunsPerMinute)
	cfg.Server.MaxBatchClaims = e.integer("MAX_BATCH_CLAIMS", cfg.Server.MaxBatchClaims)
	cfg.Server.CORSOrigins = e.list("CORS_ORIGINS", cfg.Server.CORSOrigins)

	// Repository
	repo := &cfg.Repository
	repo.Driver = e.text("DB_DRIVER", repo.Driver)
	repo.SQLitePath = e.text("SQLITE_PATH", repo.SQLitePath)
	repo.PostgresHost = e.text("POSTGRES_HOST", repo.PostgresHost)
	repo.PostgresPort = e.integer("POSTGRES_PORT", repo.PostgresPort)
	repo.PostgresUser = e.text("POSTGRES_USER", repo.PostgresUser)
	repo.PostgresPassword = e.text("POSTGRES_PASSWORD", repo.PostgresPassword)
	repo.PostgresDB = e.text("POSTGRES_DB", repo.PostgresDB)
	repo.PostgresSSLMode = e.text("POSTGRES_SSLMODE", repo.PostgresSSLMode)
	repo.MaxOpenConns = e.integer("DB_MAX_OPEN_CONNS", repo.MaxOpenConns)
	repo.MaxIdleConns = e.integer("DB_MAX_IDLE_CONNS", repo.MaxIdleConns)
	repo.ConnMaxLifetime = e.duration("DB_CONN_MAX_LIFETIME", repo.ConnMaxLifetime)

	// Cache
	cfg.Cache.Type = e.text("CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.LocalMaxSize = e.integer("CACHE_SIZE", cfg.Cache.LocalMaxSize)
	cfg.Cache.LocalTTL = e.duration("CACHE_TTL", cfg.Cache.LocalTTL)
	cfg.Cache.RedisAddr = e.text("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = e.text("REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = e.integer("REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.EnableTwoPhase = e.flag("CACHE_TWO_PHASE", cfg.Cache.EnableTwoPhase)

	// Event bus
	cfg.EventBus.Type = e.text("BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.ChannelBufferSize = e.integer("CHANNEL_BUFFER", cfg.EventBus.ChannelBufferSize)
	cfg.EventBus.NATSUrl = e.text("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = e.text("NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSMaxReconnects = e.integer("NATS_MAX_RECONNECTS", cfg.EventBus.NATSMaxReconnects)
	cfg.EventBus.NATSReconnectWait = e.integer("NATS_RECONNECT_WAIT", cfg.EventBus.NATSReconnectWait)

	// Storage
	cfg.Storage.LocalRoot = e.text("STORAGE_ROOT", cfg.Storage.LocalRoot)
	cfg.Storage.S3Region = e.text("S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.S3Endpoint = e.text("S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3AccessKey = e.text("S3_ACCESS_KEY", cfg.Storage.S3AccessKey)
	cfg.Storage.S3SecretKey = e.text("S3_SECRET_KEY", cfg.Storage.S3SecretKey)

	// Worker
	cfg.Worker.Enabled = e.flag("WORKER_ENABLED", cfg.Worker.Enabled)
	cfg.Worker.RuleWorkers = e.integer("RULE_WORKERS", cfg.Worker.RuleWorkers)
	cfg.Worker.SummaryTTL = e.duration("SUMMARY_TTL", cfg.Worker.SummaryTTL)
	cfg.Worker.ExtendedChecks = e.flag("EXTENDED_CHECKS", cfg.Worker.ExtendedChecks)
	cfg.Worker.TenantIDs = e.list("TENANTS", cfg.Worker.TenantIDs)
	// API processes route submissions to the same dedicated tenants.
	cfg.Server.QueueTenants = cfg.Worker.TenantIDs

	// Detection thresholds
	det := &cfg.Detection
	det.OutlierZScoreThreshold = e.number("ZSCORE_THRESHOLD", det.OutlierZScoreThreshold)
	det.OutlierIQRMultiplier = e.number("IQR_MULTIPLIER", det.OutlierIQRMultiplier)
	det.DuplicateSimilarityThreshold = e.number("DUPLICATE_THRESHOLD", det.DuplicateSimilarityThreshold)
	det.DuplicateTimeWindowDays = e.integer("DUPLICATE_WINDOW_DAYS", det.DuplicateTimeWindowDays)
	det.MaxProviderPatientDistanceMiles = e.number("MAX_DISTANCE_MILES", det.MaxProviderPatientDistanceMiles)
	det.MaxDailyProceduresPerProvider = e.integer("MAX_DAILY_PROCEDURES", det.MaxDailyProceduresPerProvider)
	det.MaxClaimsPerPatientPerDay = e.integer("MAX_PATIENT_CLAIMS", det.MaxClaimsPerPatientPerDay)
	det.WeightRuleViolation = e.number("WEIGHT_RULES", det.WeightRuleViolation)
	det.WeightStatisticalAnomaly = e.number("WEIGHT_STATS", det.WeightStatisticalAnomaly)
	det.WeightDuplicate = e.number("WEIGHT_DUPLICATE", det.WeightDuplicate)

	// Observability
	cfg.Logging.Level = e.text("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = e.text("LOG_FORMAT", cfg.Logging.Format)
	if e.flag("DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = e.flag("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = e.text("TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.ExporterType = e.text("TRACING_EXPORTER", cfg.Tracing.ExporterType)
	cfg.Tracing.Endpoint = e.text("TRACING_ENDPOINT", cfg.Tracing.Endpoint)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Detection.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger returns a slog logger for the logging settings.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown
// names are treated as info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// env reads prefixed variables and collects parse errors.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(Prefix + key))
	return v, v != ""
}

func (e *env) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", Prefix, key, value, err))
}

func (e *env) text(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *env) flag(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

// duration accepts Go duration strings or a bare number of seconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
