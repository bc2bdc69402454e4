// Package metrics defines the Prometheus instrumentation surface shared by
// the producer and consumer binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake metrics

	// IntakeQueueDepth tracks the in-memory batching queue depth.
	IntakeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "outboxrelay",
			Subsystem: "intake",
			Name:      "queue_depth",
			Help:      "Number of submit requests buffered awaiting a batch flush",
		},
	)

	// IntakeFlushes tracks batch flush events by trigger.
	IntakeFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "intake",
			Name:      "flushes_total",
			Help:      "Total batch flushes",
		},
		[]string{"trigger", "result"}, // intake always records trigger "flush" (Flush does not know its trigger); result: success, error
	)

	// IntakeRecordsCreated tracks OutboxRecords created per flush.
	IntakeRecordsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "intake",
			Name:      "records_created_total",
			Help:      "Total OutboxRecords created from flushed batches",
		},
	)

	// Outbox store metrics

	// OutboxRecordsByStatus tracks record counts observed per status at poll time.
	OutboxRecordsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "outboxrelay",
			Subsystem: "outbox",
			Name:      "records_by_status",
			Help:      "Outbox record count by status, sampled on each scheduler tick",
		},
		[]string{"status"},
	)

	// OutboxCleanupDeleted tracks records removed by cleanup.
	OutboxCleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "outbox",
			Name:      "cleanup_deleted_total",
			Help:      "Total terminal outbox records deleted by the cleanup job",
		},
	)

	// Scheduler metrics

	// SchedulerTicks tracks periodic job tick outcomes.
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total scheduler job ticks",
		},
		[]string{"job", "outcome"}, // outcome: ran, skipped_reentrant, error
	)

	// SchedulerTickDuration tracks job tick duration.
	SchedulerTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outboxrelay",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a scheduler job tick",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// SchedulerLeaderState reports 1 if this instance holds the scheduler lock.
	SchedulerLeaderState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "outboxrelay",
			Subsystem: "scheduler",
			Name:      "leader_state",
			Help:      "1 if this instance is the elected scheduler leader, else 0",
		},
	)

	// SchedulerDispatched tracks records dispatched to the broker.
	SchedulerDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Total outbox records dispatched to the broker",
		},
		[]string{"result"}, // sent, failed
	)

	// SchedulerRetriesCreated tracks retry records created by the retry scan.
	SchedulerRetriesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "scheduler",
			Name:      "retries_created_total",
			Help:      "Total retry records created by the ack-timeout retry scan",
		},
	)

	// SchedulerRetriesExhausted tracks records that hit max retries.
	SchedulerRetriesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "scheduler",
			Name:      "retries_exhausted_total",
			Help:      "Total records that exhausted their retry budget",
		},
	)

	// Broker metrics

	// BrokerMessagesPublished tracks messages published to the broker.
	BrokerMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "broker",
			Name:      "messages_published_total",
			Help:      "Total envelopes published to the broker",
		},
		[]string{"backend"}, // nats, sqs, embedded
	)

	// BrokerMessagesConsumed tracks messages consumed from the broker.
	BrokerMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "broker",
			Name:      "messages_consumed_total",
			Help:      "Total envelopes consumed from the broker",
		},
		[]string{"backend"},
	)

	// BrokerPublishErrors tracks publish failures.
	BrokerPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "broker",
			Name:      "publish_errors_total",
			Help:      "Total broker publish errors",
		},
		[]string{"backend"},
	)

	// Consumer processor metrics

	// ConsumerProcessed tracks processed/failed/skipped outcomes per group.
	ConsumerProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "consumer",
			Name:      "processed_total",
			Help:      "Total envelopes reaching a terminal consumer outcome",
		},
		[]string{"consumer_group", "outcome"}, // processed, failed, skipped_duplicate, skipped_not_target
	)

	// ConsumerProcessingDuration tracks processor callback duration.
	ConsumerProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outboxrelay",
			Subsystem: "consumer",
			Name:      "processing_duration_seconds",
			Help:      "Time spent in the processor callback",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"consumer_group"},
	)

	// ConsumerRestarts tracks poll loop restarts after an unhandled error.
	ConsumerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "consumer",
			Name:      "poll_loop_restarts_total",
			Help:      "Total poll loop restarts after an error",
		},
		[]string{"consumer_group"},
	)

	// Acknowledgment client metrics

	// AckHTTPRequests tracks outbound ack/heartbeat HTTP calls.
	AckHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "ackclient",
			Name:      "http_requests_total",
			Help:      "Total outbound HTTP requests made by the ack/heartbeat client",
		},
		[]string{"kind", "status_code"}, // kind: acknowledge, heartbeat
	)

	// AckHTTPDuration tracks outbound HTTP call duration.
	AckHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outboxrelay",
			Subsystem: "ackclient",
			Name:      "http_duration_seconds",
			Help:      "Outbound HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	// AckCircuitBreakerState tracks circuit breaker state.
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	AckCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "outboxrelay",
			Subsystem: "ackclient",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// AckCircuitBreakerTrips tracks circuit breaker trip events.
	AckCircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "ackclient",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
	)

	// Registry metrics

	// RegistryActiveAgents tracks active agent counts by role.
	RegistryActiveAgents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "outboxrelay",
			Subsystem: "registry",
			Name:      "active_agents",
			Help:      "Number of active registered agents",
		},
		[]string{"role"}, // producer, consumer
	)

	// RegistryEvictions tracks agents transitioned to Terminated by GC.
	RegistryEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Total agents transitioned to Terminated by registry GC",
		},
	)

	// AckIntakeReports tracks acknowledgment reports applied by the producer's
	// ack intake endpoint, by outcome.
	AckIntakeReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "outbox",
			Name:      "ack_intake_reports_total",
			Help:      "Acknowledgment reports applied, by outcome",
		},
		[]string{"outcome"},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outboxrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outboxrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
