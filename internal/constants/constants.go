package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixGroup = "mailtrail:group:"
	CacheKeyPrefixLock  = "mailtrail:email:"
)

const (
	DefaultEventsTopic = "delivery_events"
	DefaultDLQTopic    = "delivery_events_dlq"
)

const (
	DefaultMongoDBName         = "mailtrail"
	ImportReportsCollection    = "import_reports"
	DefaultLogTimestampLayout  = "02-01-2006 15:04:05"
	DefaultBrevoBaseURL        = "https://api.brevo.com/v3"
	DefaultEnrichmentRPS       = 5.0
	DefaultRateLimitBackoff    = 5 * time.Second
	DefaultEnrichmentBatchSize = 100
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	// DefaultStatsWindow is the date range used when a query names none.
	DefaultStatsWindow = 30 * 24 * time.Hour
	MaxLimit     = 1000
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

const (
	LockerLocal = "local"
	LockerRedis = "redis"
)

const (
	DefaultLockTTL            = 10 * time.Second
	DefaultLockShards         = 256
	DefaultIngestTimeout      = 5 * time.Second
	DefaultMaxConflictRetries = 5
	DefaultOrphanWindow       = 10 * time.Minute
	DefaultOrphanCapacity     = 10000
	DefaultSweepInterval      = 30 * time.Second
	DefaultReconcileTimeout   = 30 * time.Second
)

const (
	OrphanPolicyReject = "reject"
	OrphanPolicyBuffer = "buffer"
)

// BrokerKafka is the only supported broker.type; an empty type disables
// the broker.
const BrokerKafka = "kafka"

const (
	WebhookModeDirect = "direct"
	WebhookModeBroker = "broker"
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	SourceWebhook = "webhook"
	SourceHistory = "history"
)
