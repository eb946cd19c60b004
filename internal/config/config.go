package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Ledger         LedgerConfig         `mapstructure:"ledger"`
	Aggregate      AggregateConfig      `mapstructure:"aggregate"`
	History        HistoryConfig        `mapstructure:"history"`
	Enrichment     EnrichmentConfig     `mapstructure:"enrichment"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres       PostgresConfig `mapstructure:"postgres"`
	Redis          RedisConfig    `mapstructure:"redis"`
	MongoDB        MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations  bool           `mapstructure:"run_migrations"`
	MigrationsPath string         `mapstructure:"migrations_path"`
	ConnectRetry   RetryConfig    `mapstructure:"connect_retry"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string    `mapstructure:"brokers"`
	GroupID     string      `mapstructure:"group_id"`
	EventsTopic string      `mapstructure:"events_topic"`
	DLQTopic    string      `mapstructure:"dlq_topic"`
	Retry       RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LedgerConfig controls the email ledger write path.
type LedgerConfig struct {
	Store              string        `mapstructure:"store"`  // "memory" or "postgres"
	Locker             string        `mapstructure:"locker"` // "local" or "redis"
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	LockShards         int           `mapstructure:"lock_shards"`
	IngestTimeout      time.Duration `mapstructure:"ingest_timeout"`
	MaxConflictRetries int           `mapstructure:"max_conflict_retries"`
	OrphanPolicy       string        `mapstructure:"orphan_policy"` // "reject" or "buffer"
	OrphanWindow       time.Duration `mapstructure:"orphan_window"`
	OrphanCapacity     int           `mapstructure:"orphan_capacity"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	Timezone           string        `mapstructure:"timezone"`
}

type AggregateConfig struct {
	Store             string        `mapstructure:"store"` // "memory", "postgres" or "redis"
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReconcileTimeout  time.Duration `mapstructure:"reconcile_timeout"`
	RedisKeyPrefix    string        `mapstructure:"redis_key_prefix"`
}

type HistoryConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	Timezone        string        `mapstructure:"timezone"`
	TimestampLayout string        `mapstructure:"timestamp_layout"`
	Delimiter       string        `mapstructure:"delimiter"`
	MaxDiscardLog   int           `mapstructure:"max_discard_log"`
	ArchiveReports  bool          `mapstructure:"archive_reports"`
	ReportRetention time.Duration `mapstructure:"report_retention"`
}

type EnrichmentConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	RPS                 float64       `mapstructure:"rps"`
	BatchSize           int           `mapstructure:"batch_size"`
	Workers             int           `mapstructure:"workers"`
	Interval            time.Duration `mapstructure:"interval"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	RateLimitBackoff    time.Duration `mapstructure:"rate_limit_backoff"`
	MaxRateLimitRetries int           `mapstructure:"max_rate_limit_retries"`
	UnresolvedCooldown  time.Duration `mapstructure:"unresolved_cooldown"`
	WindowDays          int           `mapstructure:"window_days"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	Retry               RetryConfig   `mapstructure:"retry"`
}

type WebhookConfig struct {
	Mode         string `mapstructure:"mode"` // "direct" or "broker"
	FilterExpr   string `mapstructure:"filter_expr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
