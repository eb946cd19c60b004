package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_total",
			Help: "Total number of events submitted to the ledger by outcome (count)",
		},
		[]string{"type", "outcome"},
	)

	LedgerIngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_ingest_duration_ms",
			Help:    "Duration of a single event ingestion in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"outcome"},
	)

	LedgerConflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_conflict_retries_total",
			Help: "Total number of optimistic write conflicts retried (count)",
		},
	)

	LedgerStatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_status_transitions_total",
			Help: "Total number of email status transitions (count)",
		},
		[]string{"from", "to"},
	)

	OrphanEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_orphan_events_total",
			Help: "Total number of orphan events by result (count)",
		},
		[]string{"result"},
	)

	OrphanBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_orphan_buffer_size",
			Help: "Number of orphan events currently buffered (count)",
		},
	)

	AggregateDeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregate_deltas_total",
			Help: "Total number of counter deltas applied to message groups (count)",
		},
		[]string{"store", "status"},
	)

	AggregateReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregate_reconcile_total",
			Help: "Total number of group reconciliations by result (count)",
		},
		[]string{"result"},
	)

	HistoryGroupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_groups_total",
			Help: "Total number of historical groups processed by result (count)",
		},
		[]string{"result"},
	)

	HistoryImportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "history_import_duration_ms",
			Help:    "Duration of a historical batch import in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
		},
	)

	EnrichmentCandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_candidates_total",
			Help: "Total number of enrichment candidates by final state (count)",
		},
		[]string{"state"},
	)

	EnrichmentProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_provider_requests_total",
			Help: "Total number of requests to the bounce lookup provider (count)",
		},
		[]string{"provider", "status"},
	)

	EnrichmentProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichment_provider_duration_ms",
			Help:    "Duration of bounce lookup requests in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"provider"},
	)

	EnrichmentRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_run_duration_ms",
			Help:    "Duration of one enrichment batch in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 30000, 60000},
		},
	)

	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total number of webhook deliveries by result (count)",
		},
		[]string{"result"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"service", "topic", "partition"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

var (
	ledgerOnce     sync.Once
	historyOnce    sync.Once
	enrichmentOnce sync.Once
	brokerOnce     sync.Once
	cbOnce         sync.Once
	httpOnce       sync.Once
	databaseOnce   sync.Once
)

func RegisterLedgerMetrics() {
	ledgerOnce.Do(func() {
		prometheus.MustRegister(LedgerEventsTotal)
		prometheus.MustRegister(LedgerIngestDuration)
		prometheus.MustRegister(LedgerConflictRetriesTotal)
		prometheus.MustRegister(LedgerStatusTransitionsTotal)
		prometheus.MustRegister(OrphanEventsTotal)
		prometheus.MustRegister(OrphanBufferSize)
		prometheus.MustRegister(AggregateDeltasTotal)
		prometheus.MustRegister(AggregateReconcileTotal)
	})
}

func RegisterHistoryMetrics() {
	historyOnce.Do(func() {
		prometheus.MustRegister(HistoryGroupsTotal)
		prometheus.MustRegister(HistoryImportDuration)
	})
}

func RegisterEnrichmentMetrics() {
	enrichmentOnce.Do(func() {
		prometheus.MustRegister(EnrichmentCandidatesTotal)
		prometheus.MustRegister(EnrichmentProviderRequestsTotal)
		prometheus.MustRegister(EnrichmentProviderDuration)
		prometheus.MustRegister(EnrichmentRunDuration)
	})
}

func RegisterBrokerMetrics() {
	brokerOnce.Do(func() {
		prometheus.MustRegister(RetryAttemptsTotal)
		prometheus.MustRegister(DLQMessagesTotal)
		prometheus.MustRegister(KafkaMessagesReadTotal)
		prometheus.MustRegister(KafkaMessagesWrittenTotal)
		prometheus.MustRegister(KafkaWriteDuration)
		prometheus.MustRegister(KafkaConsumerLag)
	})
}

func RegisterCircuitBreakerMetrics() {
	cbOnce.Do(func() {
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
	})
}

func RegisterHTTPMetrics() {
	httpOnce.Do(func() {
		prometheus.MustRegister(WebhookRequestsTotal)
		prometheus.MustRegister(RateLimitRequestsTotal)
	})
}

func RegisterDatabaseMetrics() {
	databaseOnce.Do(func() {
		prometheus.MustRegister(DatabaseQueriesTotal)
		prometheus.MustRegister(DatabaseQueryDuration)
	})
}

func ObserveIngest(eventType, outcome string, duration time.Duration) {
	LedgerEventsTotal.WithLabelValues(eventType, outcome).Inc()
	LedgerIngestDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func IncStatusTransition(from, to string) {
	LedgerStatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

func IncOrphan(result string) {
	OrphanEventsTotal.WithLabelValues(result).Inc()
}

func SetOrphanBufferSize(size int) {
	OrphanBufferSize.Set(float64(size))
}

func IncAggregateDelta(store, status string) {
	AggregateDeltasTotal.WithLabelValues(store, status).Inc()
}

func IncReconcile(result string) {
	AggregateReconcileTotal.WithLabelValues(result).Inc()
}

func AddHistoryGroups(result string, n int) {
	HistoryGroupsTotal.WithLabelValues(result).Add(float64(n))
}

func ObserveHistoryImportDuration(duration time.Duration) {
	HistoryImportDuration.Observe(float64(duration.Milliseconds()))
}

func IncEnrichmentCandidate(state string) {
	EnrichmentCandidatesTotal.WithLabelValues(state).Inc()
}

func IncEnrichmentProviderRequest(provider, status string) {
	EnrichmentProviderRequestsTotal.WithLabelValues(provider, status).Inc()
}

func ObserveEnrichmentProviderDuration(provider string, duration time.Duration) {
	EnrichmentProviderDuration.WithLabelValues(provider).Observe(float64(duration.Milliseconds()))
}

func ObserveEnrichmentRunDuration(duration time.Duration) {
	EnrichmentRunDuration.Observe(float64(duration.Milliseconds()))
}

func IncWebhookRequest(result string) {
	WebhookRequestsTotal.WithLabelValues(result).Inc()
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func SetKafkaConsumerLag(service, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(service, topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}
