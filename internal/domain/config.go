package domain

import "time"

// Config holds the complete Kestrel service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier selects the infrastructure profile
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Storage    StorageConfig    `json:"storage"`

	// Detection thresholds applied when a request does not override them
	Detection DetectionConfig `json:"detection"`

	// Scoring workers and limits
	Worker WorkerConfig `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// MaxRunsPerMinute limits synchronous and async submissions per tenant. Zero disables the limit.
	MaxRunsPerMinute int `json:"maxRunsPerMinute"`

	// MaxBatchClaims caps inline claims per request.
	MaxBatchClaims int `json:"maxBatchClaims"`

	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string `json:"corsOrigins"`

	// QueueTenants have dedicated workers and get their own submission
	// topic. Other tenants are queued on the global topic.
	QueueTenants []string `json:"queueTenants,omitempty"`
}

// StorageConfig configures where batch files are read from and written to.
type StorageConfig struct {
	LocalRoot   string `json:"localRoot"`
	S3Region    string `json:"s3Region"`
	S3Endpoint  string `json:"s3Endpoint"`
	S3AccessKey string `json:"-"`
	S3SecretKey string `json:"-"`
}

// WorkerConfig holds asynchronous scoring settings.
type WorkerConfig struct {
	Enabled bool `json:"enabled"`

	// RuleWorkers bounds concurrent custom rule evaluation.
	RuleWorkers int `json:"ruleWorkers"`

	// SummaryTTL is how long run summaries stay cached.
	SummaryTTL time.Duration `json:"summaryTtl"`

	// ExtendedChecks enables advisory passes (clustering, travel, outliers by group).
	ExtendedChecks bool `json:"extendedChecks"`

	// TenantIDs restricts the worker to these tenants. Empty consumes every tenant.
	TenantIDs []string `json:"tenantIds,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings. Spans are exported over
// OTLP/gRPC to Endpoint (host:port) when Enabled.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // otlp
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite, channels and an in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a single-node configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30,
			WriteTimeout:     120,
			MaxRunsPerMinute: 60,
			MaxBatchClaims:   100000,
			CORSOrigins:      []string{"*"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Storage: StorageConfig{
			LocalRoot: ".",
			S3Region:  "us-east-1",
		},
		Detection: DefaultDetectionConfig(),
		Worker: WorkerConfig{
			Enabled:     true,
			RuleWorkers: 8,
			SummaryTTL:  time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration backed by shared infrastructure.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.ExtendedChecks = true
	cfg.Tracing.Enabled = true
	return cfg
}
