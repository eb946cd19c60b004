package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mailtrail/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateStatic checks every section and reports all failures at once.
// Each section stops at its first failure.
func ValidateStatic(cfg *Config) error {
	err := errors.Join(
		validateServer(cfg.Server),
		validateBroker(cfg.Broker),
		validateDatabase(cfg.Database),
		validateLedger(cfg.Ledger, cfg.Database),
		validateAggregate(cfg.Aggregate, cfg.Database),
		validateHistory(cfg.History),
		validateEnrichment(cfg.Enrichment),
		validateWebhook(cfg.Webhook, cfg.Broker),
	)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return invalid(field, "port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateServer(cfg ServerConfig) error {
	if err := validatePort("server.port", cfg.Port); err != nil {
		return err
	}
	if cfg.ReadTimeoutSeconds <= 0 {
		return invalid("server.read_timeout_seconds", "read timeout must be positive")
	}
	if cfg.WriteTimeoutSeconds <= 0 {
		return invalid("server.write_timeout_seconds", "write timeout must be positive")
	}
	return nil
}

// validateRetry checks a retry block rooted at prefix. Zero fields are
// allowed; the caller fills them with its own defaults.
func validateRetry(prefix string, cfg RetryConfig) error {
	switch {
	case cfg.MaxAttempts < 0:
		return invalid(prefix+".max_attempts", "max_attempts must be non-negative")
	case cfg.InitialInterval < 0:
		return invalid(prefix+".initial_interval", "initial_interval must be non-negative")
	case cfg.MaxInterval < 0:
		return invalid(prefix+".max_interval", "max_interval must be non-negative")
	case cfg.MaxInterval > 0 && cfg.MaxInterval < cfg.InitialInterval:
		return invalid(prefix+".max_interval", "max_interval must be greater than or equal to initial_interval")
	case cfg.Multiplier < 0:
		return invalid(prefix+".multiplier", "multiplier must be non-negative")
	case cfg.MaxElapsedTime < 0:
		return invalid(prefix+".max_elapsed_time", "max_elapsed_time must be non-negative")
	}
	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "":
		return nil
	case constants.BrokerKafka:
		return validateKafka(cfg.Kafka)
	default:
		return invalid("broker.type", "unknown broker type: %s (supported: kafka)", cfg.Type)
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return invalid("broker.kafka.brokers", "at least one Kafka broker is required")
	}
	for i, addr := range cfg.Brokers {
		if strings.TrimSpace(addr) == "" {
			return invalid(fmt.Sprintf("broker.kafka.brokers[%d]", i), "broker address cannot be empty")
		}
	}
	if cfg.GroupID == "" {
		return invalid("broker.kafka.group_id", "Kafka consumer group ID is required")
	}
	if cfg.EventsTopic == "" {
		return invalid("broker.kafka.events_topic", "events topic is required")
	}
	if cfg.DLQTopic != "" && cfg.DLQTopic == cfg.EventsTopic {
		return invalid("broker.kafka.dlq_topic", "DLQ topic must differ from the events topic")
	}
	return validateRetry("broker.kafka.retry", cfg.Retry)
}

// validateDatabase only checks the stores that are configured; whether a
// component needs one is checked by that component's section.
func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}
	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}
	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}
	if cfg.RunMigrations && cfg.MigrationsPath == "" {
		return invalid("database.migrations_path", "run_migrations needs a migrations path")
	}
	return validateRetry("database.connect_retry", cfg.ConnectRetry)
}

var sslModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

func validatePostgres(cfg PostgresConfig) error {
	switch {
	case cfg.Host == "":
		return invalid("database.postgres.host", "PostgreSQL host is required")
	case cfg.User == "":
		return invalid("database.postgres.user", "PostgreSQL user is required")
	case cfg.DBName == "":
		return invalid("database.postgres.dbname", "PostgreSQL database name is required")
	case cfg.SSLMode != "" && !sslModes[strings.ToLower(cfg.SSLMode)]:
		return invalid("database.postgres.sslmode",
			"invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode)
	case cfg.MaxOpenConns < 0 || cfg.MaxIdleConns < 0:
		return invalid("database.postgres.max_open_conns", "pool sizes must be non-negative")
	case cfg.MaxOpenConns > 0 && cfg.MaxIdleConns > cfg.MaxOpenConns:
		return invalid("database.postgres.max_idle_conns", "max_idle_conns cannot exceed max_open_conns")
	}
	return validatePort("database.postgres.port", cfg.Port)
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return invalid("database.redis.host", "Redis host is required")
	}
	if cfg.DB < 0 {
		return invalid("database.redis.db", "db index must be non-negative")
	}
	return validatePort("database.redis.port", cfg.Port)
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return invalid("database.mongodb.uri", "MongoDB URI must start with mongodb:// or mongodb+srv://")
	}
	return nil
}

func validateLedger(cfg LedgerConfig, db DatabaseConfig) error {
	switch cfg.Store {
	case constants.StoreMemory:
	case constants.StorePostgres:
		if db.Postgres.Host == "" {
			return &ValidationError{Field: "ledger.store", Message: "postgres store requires database.postgres"}
		}
	default:
		return &ValidationError{
			Field:   "ledger.store",
			Message: fmt.Sprintf("invalid store: %s (valid: memory, postgres)", cfg.Store),
		}
	}

	switch cfg.Locker {
	case constants.LockerLocal:
	case constants.LockerRedis:
		if db.Redis.Host == "" {
			return &ValidationError{Field: "ledger.locker", Message: "redis locker requires database.redis"}
		}
		if cfg.LockTTL <= 0 {
			return &ValidationError{Field: "ledger.lock_ttl", Message: "lock TTL must be positive"}
		}
	default:
		return &ValidationError{
			Field:   "ledger.locker",
			Message: fmt.Sprintf("invalid locker: %s (valid: local, redis)", cfg.Locker),
		}
	}

	if cfg.IngestTimeout <= 0 {
		return &ValidationError{Field: "ledger.ingest_timeout", Message: "ingest timeout must be positive"}
	}

	if cfg.MaxConflictRetries < 0 {
		return &ValidationError{Field: "ledger.max_conflict_retries", Message: "must be non-negative"}
	}

	switch strings.ToLower(cfg.OrphanPolicy) {
	case constants.OrphanPolicyReject:
	case constants.OrphanPolicyBuffer:
		if cfg.OrphanWindow <= 0 {
			return &ValidationError{Field: "ledger.orphan_window", Message: "buffer policy requires a positive window"}
		}
		if cfg.OrphanCapacity <= 0 {
			return &ValidationError{Field: "ledger.orphan_capacity", Message: "buffer policy requires a positive capacity"}
		}
	default:
		return &ValidationError{
			Field:   "ledger.orphan_policy",
			Message: fmt.Sprintf("invalid orphan policy: %s (valid: reject, buffer)", cfg.OrphanPolicy),
		}
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return &ValidationError{Field: "ledger.timezone", Message: err.Error()}
	}

	return nil
}

func validateAggregate(cfg AggregateConfig, db DatabaseConfig) error {
	switch cfg.Store {
	case constants.StoreMemory:
	case constants.StorePostgres:
		if db.Postgres.Host == "" {
			return &ValidationError{Field: "aggregate.store", Message: "postgres store requires database.postgres"}
		}
	case constants.StoreRedis:
		if db.Redis.Host == "" {
			return &ValidationError{Field: "aggregate.store", Message: "redis store requires database.redis"}
		}
	default:
		return &ValidationError{
			Field:   "aggregate.store",
			Message: fmt.Sprintf("invalid store: %s (valid: memory, postgres, redis)", cfg.Store),
		}
	}
	return nil
}

func validateHistory(cfg HistoryConfig) error {
	if cfg.Concurrency < 1 {
		return &ValidationError{Field: "history.concurrency", Message: "concurrency must be at least 1"}
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return &ValidationError{Field: "history.timezone", Message: err.Error()}
	}
	if len([]rune(cfg.Delimiter)) != 1 {
		return &ValidationError{Field: "history.delimiter", Message: "delimiter must be a single character"}
	}
	if cfg.ReportRetention < 0 {
		return &ValidationError{Field: "history.report_retention", Message: "retention must be non-negative"}
	}
	return nil
}

func validateEnrichment(cfg EnrichmentConfig) error {
	if cfg.RPS <= 0 {
		return &ValidationError{Field: "enrichment.rps", Message: "rps must be positive"}
	}
	if cfg.BatchSize < 1 {
		return &ValidationError{Field: "enrichment.batch_size", Message: "batch size must be at least 1"}
	}
	if cfg.Workers < 1 {
		return &ValidationError{Field: "enrichment.workers", Message: "workers must be at least 1"}
	}
	if cfg.RateLimitBackoff < 0 {
		return &ValidationError{Field: "enrichment.rate_limit_backoff", Message: "backoff must be non-negative"}
	}
	if cfg.CacheTTL < 0 {
		return &ValidationError{Field: "enrichment.cache_ttl", Message: "cache ttl must be non-negative"}
	}
	if cfg.Retry.MaxAttempts < 1 {
		return &ValidationError{Field: "enrichment.retry.max_attempts", Message: "max_attempts must be at least 1"}
	}
	if err := validateRetry("enrichment.retry", cfg.Retry); err != nil {
		return err
	}
	if cfg.BaseURL != "" && !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return &ValidationError{Field: "enrichment.base_url", Message: "base URL must be http(s)"}
	}
	return nil
}

func validateWebhook(cfg WebhookConfig, broker BrokerConfig) error {
	switch cfg.Mode {
	case constants.WebhookModeDirect:
	case constants.WebhookModeBroker:
		if broker.Type == "" {
			return &ValidationError{Field: "webhook.mode", Message: "broker mode requires broker.type"}
		}
	default:
		return &ValidationError{
			Field:   "webhook.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: direct, broker)", cfg.Mode),
		}
	}
	return nil
}
