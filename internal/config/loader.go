package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mailtrail/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10*time.Second)
	viper.SetDefault("server.write_timeout_seconds", 10*time.Second)

	viper.SetDefault("database.migrations_path", "migrations/postgres")
	viper.SetDefault("database.postgres.max_open_conns", 20)
	viper.SetDefault("database.postgres.max_idle_conns", 5)
	viper.SetDefault("database.postgres.conn_max_lifetime", 30*time.Minute)
	viper.SetDefault("database.connect_retry.max_attempts", 5)
	viper.SetDefault("database.connect_retry.initial_interval", 500*time.Millisecond)
	viper.SetDefault("database.connect_retry.max_interval", 5*time.Second)

	viper.SetDefault("broker.kafka.events_topic", constants.DefaultEventsTopic)
	viper.SetDefault("broker.kafka.retry.max_attempts", 3)
	viper.SetDefault("broker.kafka.retry.initial_interval", time.Second)
	viper.SetDefault("broker.kafka.retry.max_interval", 30*time.Second)
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("ledger.store", constants.StoreMemory)
	viper.SetDefault("ledger.locker", constants.LockerLocal)
	viper.SetDefault("ledger.lock_ttl", constants.DefaultLockTTL)
	viper.SetDefault("ledger.lock_shards", constants.DefaultLockShards)
	viper.SetDefault("ledger.ingest_timeout", constants.DefaultIngestTimeout)
	viper.SetDefault("ledger.max_conflict_retries", constants.DefaultMaxConflictRetries)
	viper.SetDefault("ledger.orphan_policy", constants.OrphanPolicyReject)
	viper.SetDefault("ledger.orphan_window", constants.DefaultOrphanWindow)
	viper.SetDefault("ledger.orphan_capacity", constants.DefaultOrphanCapacity)
	viper.SetDefault("ledger.sweep_interval", constants.DefaultSweepInterval)
	viper.SetDefault("ledger.timezone", "UTC")

	viper.SetDefault("aggregate.store", constants.StoreMemory)
	viper.SetDefault("aggregate.reconcile_interval", time.Hour)
	viper.SetDefault("aggregate.reconcile_timeout", constants.DefaultReconcileTimeout)
	viper.SetDefault("aggregate.redis_key_prefix", constants.CacheKeyPrefixGroup)

	viper.SetDefault("history.concurrency", 4)
	viper.SetDefault("history.timezone", "Europe/Rome")
	viper.SetDefault("history.timestamp_layout", constants.DefaultLogTimestampLayout)
	viper.SetDefault("history.delimiter", ",")
	viper.SetDefault("history.max_discard_log", 100)
	viper.SetDefault("history.report_retention", 90*24*time.Hour)

	viper.SetDefault("enrichment.base_url", constants.DefaultBrevoBaseURL)
	viper.SetDefault("enrichment.rps", constants.DefaultEnrichmentRPS)
	viper.SetDefault("enrichment.batch_size", 100)
	viper.SetDefault("enrichment.workers", 2)
	viper.SetDefault("enrichment.interval", 5*time.Minute)
	viper.SetDefault("enrichment.request_timeout", constants.DefaultHTTPTimeout)
	viper.SetDefault("enrichment.rate_limit_backoff", constants.DefaultRateLimitBackoff)
	viper.SetDefault("enrichment.max_rate_limit_retries", 5)
	viper.SetDefault("enrichment.unresolved_cooldown", time.Hour)
	viper.SetDefault("enrichment.window_days", 1)
	viper.SetDefault("enrichment.cache_ttl", 24*time.Hour)
	viper.SetDefault("enrichment.retry.max_attempts", 3)
	viper.SetDefault("enrichment.retry.initial_interval", 500*time.Millisecond)
	viper.SetDefault("enrichment.retry.max_interval", 5*time.Second)
	viper.SetDefault("enrichment.retry.multiplier", 2.0)

	viper.SetDefault("webhook.mode", constants.WebhookModeDirect)
	viper.SetDefault("webhook.max_body_bytes", 1<<20)

	viper.SetDefault("rate_limit.rps", 50.0)
	viper.SetDefault("rate_limit.burst", 100)
	viper.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)
	viper.SetDefault("rate_limit.max_age", 10*time.Minute)

	viper.SetDefault("circuit_breaker.max_requests", 3)
	viper.SetDefault("circuit_breaker.interval", 60*time.Second)
	viper.SetDefault("circuit_breaker.timeout", 30*time.Second)
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 3)
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.events_topic", "BROKER_KAFKA_EVENTS_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("ledger.store", "LEDGER_STORE")
	viper.BindEnv("ledger.locker", "LEDGER_LOCKER")
	viper.BindEnv("ledger.orphan_policy", "LEDGER_ORPHAN_POLICY")
	viper.BindEnv("aggregate.store", "AGGREGATE_STORE")

	viper.BindEnv("enrichment.api_key", "BREVO_API_KEY")
	viper.BindEnv("enrichment.base_url", "ENRICHMENT_BASE_URL")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
