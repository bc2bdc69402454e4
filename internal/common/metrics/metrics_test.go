package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Intake Metrics Tests ===

func TestIntakeQueueDepth_GaugeOperations(t *testing.T) {
	IntakeQueueDepth.Set(100)
	IntakeQueueDepth.Add(50)
	IntakeQueueDepth.Sub(25)
	IntakeQueueDepth.Inc()
	IntakeQueueDepth.Dec()

	if IntakeQueueDepth == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestIntakeFlushes_Labels(t *testing.T) {
	triggers := []string{"size", "time"}
	results := []string{"success", "requeued"}

	for _, trigger := range triggers {
		for _, result := range results {
			IntakeFlushes.WithLabelValues(trigger, result).Inc()
		}
	}

	counter := IntakeFlushes.WithLabelValues("size", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestIntakeRecordsCreated_Counter(t *testing.T) {
	IntakeRecordsCreated.Inc()
	IntakeRecordsCreated.Add(500)

	desc := IntakeRecordsCreated.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Outbox Store Metrics Tests ===

func TestOutboxRecordsByStatus_Labels(t *testing.T) {
	statuses := []string{"pending", "sent", "acknowledged", "failed", "expired"}

	for _, status := range statuses {
		OutboxRecordsByStatus.WithLabelValues(status).Set(10)
	}

	gauge := OutboxRecordsByStatus.WithLabelValues("pending")
	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestOutboxCleanupDeleted_Counter(t *testing.T) {
	OutboxCleanupDeleted.Inc()
	OutboxCleanupDeleted.Add(42)

	desc := OutboxCleanupDeleted.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Scheduler Metrics Tests ===

func TestSchedulerTicks_Labels(t *testing.T) {
	jobs := []string{"dispatch_pending", "retry_scan", "cleanup", "heartbeat", "batch_flush"}
	outcomes := []string{"ran", "skipped_reentrant", "error"}

	for _, job := range jobs {
		for _, outcome := range outcomes {
			SchedulerTicks.WithLabelValues(job, outcome).Inc()
		}
	}

	counter := SchedulerTicks.WithLabelValues("dispatch_pending", "ran")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestSchedulerTickDuration_Observe(t *testing.T) {
	SchedulerTickDuration.WithLabelValues("dispatch_pending").Observe(0.05)
	SchedulerTickDuration.WithLabelValues("retry_scan").Observe(0.1)

	histogram := SchedulerTickDuration.WithLabelValues("dispatch_pending")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestSchedulerLeaderState_Gauge(t *testing.T) {
	SchedulerLeaderState.Set(1)
	SchedulerLeaderState.Set(0)

	desc := SchedulerLeaderState.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerDispatched_Labels(t *testing.T) {
	SchedulerDispatched.WithLabelValues("sent").Inc()
	SchedulerDispatched.WithLabelValues("failed").Inc()

	counter := SchedulerDispatched.WithLabelValues("sent")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestSchedulerRetriesCreated_Counter(t *testing.T) {
	SchedulerRetriesCreated.Inc()

	desc := SchedulerRetriesCreated.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerRetriesExhausted_Counter(t *testing.T) {
	SchedulerRetriesExhausted.Inc()

	desc := SchedulerRetriesExhausted.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Broker Metrics Tests ===

func TestBrokerMessagesPublished_Labels(t *testing.T) {
	backends := []string{"nats", "sqs", "embedded"}

	for _, backend := range backends {
		BrokerMessagesPublished.WithLabelValues(backend).Inc()
		BrokerMessagesPublished.WithLabelValues(backend).Add(100)
	}

	counter := BrokerMessagesPublished.WithLabelValues("nats")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestBrokerMessagesConsumed_Labels(t *testing.T) {
	backends := []string{"nats", "sqs"}

	for _, backend := range backends {
		BrokerMessagesConsumed.WithLabelValues(backend).Inc()
	}

	counter := BrokerMessagesConsumed.WithLabelValues("sqs")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestBrokerPublishErrors_Counter(t *testing.T) {
	BrokerPublishErrors.WithLabelValues("nats").Inc()
	BrokerPublishErrors.WithLabelValues("sqs").Inc()

	counter := BrokerPublishErrors.WithLabelValues("nats")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Consumer Processor Metrics Tests ===

func TestConsumerProcessed_Labels(t *testing.T) {
	outcomes := []string{"processed", "failed", "skipped_duplicate", "skipped_not_target"}

	for _, outcome := range outcomes {
		ConsumerProcessed.WithLabelValues("billing-group", outcome).Inc()
	}

	counter := ConsumerProcessed.WithLabelValues("billing-group", "processed")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestConsumerProcessingDuration_Observe(t *testing.T) {
	ConsumerProcessingDuration.WithLabelValues("billing-group").Observe(0.02)

	histogram := ConsumerProcessingDuration.WithLabelValues("billing-group")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestConsumerRestarts_Counter(t *testing.T) {
	ConsumerRestarts.WithLabelValues("billing-group").Inc()

	counter := ConsumerRestarts.WithLabelValues("billing-group")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Ack Client Metrics Tests ===

func TestAckHTTPRequests_Labels(t *testing.T) {
	kinds := []string{"acknowledge", "heartbeat"}
	statusCodes := []string{"200", "404", "500", "503"}

	for _, kind := range kinds {
		for _, code := range statusCodes {
			AckHTTPRequests.WithLabelValues(kind, code).Inc()
		}
	}

	counter := AckHTTPRequests.WithLabelValues("acknowledge", "200")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestAckHTTPDuration_Observe(t *testing.T) {
	AckHTTPDuration.WithLabelValues("acknowledge").Observe(0.123)
	AckHTTPDuration.WithLabelValues("heartbeat").Observe(0.05)

	histogram := AckHTTPDuration.WithLabelValues("acknowledge")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestAckCircuitBreakerState_Values(t *testing.T) {
	AckCircuitBreakerState.Set(CircuitBreakerClosed)
	AckCircuitBreakerState.Set(CircuitBreakerOpen)
	AckCircuitBreakerState.Set(CircuitBreakerHalfOpen)

	desc := AckCircuitBreakerState.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestAckCircuitBreakerTrips_Counter(t *testing.T) {
	AckCircuitBreakerTrips.Inc()

	desc := AckCircuitBreakerTrips.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Registry Metrics Tests ===

func TestRegistryActiveAgents_Labels(t *testing.T) {
	RegistryActiveAgents.WithLabelValues("producer").Set(3)
	RegistryActiveAgents.WithLabelValues("consumer").Set(12)

	gauge := RegistryActiveAgents.WithLabelValues("producer")
	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestRegistryEvictions_Counter(t *testing.T) {
	RegistryEvictions.Inc()

	desc := RegistryEvictions.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === HTTP API Metrics Tests ===

func TestHTTPRequestsTotal_Labels(t *testing.T) {
	methods := []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
	paths := []string{"/api/topics", "/api/agents", "/api/messages"}
	statuses := []string{"200", "201", "400", "401", "403", "404", "500"}

	for _, method := range methods {
		for _, path := range paths {
			for _, status := range statuses {
				HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
			}
		}
	}

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/api/topics", "200")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestHTTPRequestDuration_Observe(t *testing.T) {
	HTTPRequestDuration.WithLabelValues("GET", "/api/topics").Observe(0.015)
	HTTPRequestDuration.WithLabelValues("POST", "/api/messages").Observe(0.150)

	histogram := HTTPRequestDuration.WithLabelValues("GET", "/api/topics")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

// === Circuit Breaker Constants Tests ===

func TestCircuitBreakerConstants(t *testing.T) {
	if CircuitBreakerClosed != 0 {
		t.Errorf("Expected CircuitBreakerClosed=0, got %d", CircuitBreakerClosed)
	}
	if CircuitBreakerOpen != 1 {
		t.Errorf("Expected CircuitBreakerOpen=1, got %d", CircuitBreakerOpen)
	}
	if CircuitBreakerHalfOpen != 2 {
		t.Errorf("Expected CircuitBreakerHalfOpen=2, got %d", CircuitBreakerHalfOpen)
	}
}

// === Metric Name Tests ===

func TestMetricNamingConvention(t *testing.T) {
	// Verify metrics follow outboxrelay_subsystem_name convention
	expectedNames := map[string]*prometheus.Desc{
		"outboxrelay_intake_queue_depth":              IntakeQueueDepth.Desc(),
		"outboxrelay_outbox_records_by_status":        OutboxRecordsByStatus.WithLabelValues("pending").Desc(),
		"outboxrelay_scheduler_ticks_total":           SchedulerTicks.WithLabelValues("cleanup", "ran").Desc(),
		"outboxrelay_broker_messages_published_total": BrokerMessagesPublished.WithLabelValues("nats").Desc(),
		"outboxrelay_consumer_processed_total":        ConsumerProcessed.WithLabelValues("billing-group", "processed").Desc(),
		"outboxrelay_ackclient_http_requests_total":   AckHTTPRequests.WithLabelValues("heartbeat", "200").Desc(),
		"outboxrelay_registry_active_agents":          RegistryActiveAgents.WithLabelValues("producer").Desc(),
		"outboxrelay_http_requests_total":             HTTPRequestsTotal.WithLabelValues("GET", "/api/topics", "200").Desc(),
	}

	for name, desc := range expectedNames {
		if !strings.Contains(desc.String(), `fqName: "`+name+`"`) {
			t.Errorf("Expected metric name %q, got %s", name, desc.String())
		}
	}
}

// === Counter Value Tests ===

func TestCounterValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})

	reg.MustRegister(counter)

	counter.Add(5)

	val := testutil.ToFloat64(counter)
	if val != 5 {
		t.Errorf("Expected counter value 5, got %f", val)
	}

	counter.Inc()

	val = testutil.ToFloat64(counter)
	if val != 6 {
		t.Errorf("Expected counter value 6, got %f", val)
	}
}

// === Gauge Value Tests ===

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})

	reg.MustRegister(gauge)

	gauge.Set(100)
	val := testutil.ToFloat64(gauge)
	if val != 100 {
		t.Errorf("Expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	val = testutil.ToFloat64(gauge)
	if val != 150 {
		t.Errorf("Expected gauge value 150, got %f", val)
	}

	gauge.Sub(30)
	val = testutil.ToFloat64(gauge)
	if val != 120 {
		t.Errorf("Expected gauge value 120, got %f", val)
	}

	gauge.Dec()
	val = testutil.ToFloat64(gauge)
	if val != 119 {
		t.Errorf("Expected gauge value 119, got %f", val)
	}

	gauge.Inc()
	val = testutil.ToFloat64(gauge)
	if val != 120 {
		t.Errorf("Expected gauge value 120, got %f", val)
	}
}

// === Histogram Tests ===

func TestHistogramBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "Test histogram",
		Buckets: []float64{0.1, 0.5, 1.0, 5.0},
	})

	reg.MustRegister(histogram)

	histogram.Observe(0.05)
	histogram.Observe(0.25)
	histogram.Observe(0.75)
	histogram.Observe(2.5)
	histogram.Observe(10.0)

	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

// === Scheduler Integration Test ===

func TestSchedulerMetricsIntegration(t *testing.T) {
	jobs := []string{"dispatch_pending", "retry_scan", "cleanup", "heartbeat", "batch_flush"}

	for _, job := range jobs {
		for i := 0; i < 20; i++ {
			if i%10 == 0 {
				SchedulerTicks.WithLabelValues(job, "skipped_reentrant").Inc()
			} else {
				SchedulerTicks.WithLabelValues(job, "ran").Inc()
			}
			SchedulerTickDuration.WithLabelValues(job).Observe(float64(i) * 0.01)
		}
	}

	SchedulerLeaderState.Set(1)

	// All operations should succeed without panic
}

// === Ack Client Integration Test ===

func TestAckClientMetricsIntegration(t *testing.T) {
	for i := 0; i < 50; i++ {
		code := "200"
		if i%5 == 0 {
			code = "500"
		}
		AckHTTPRequests.WithLabelValues("acknowledge", code).Inc()
		AckHTTPDuration.WithLabelValues("acknowledge").Observe(0.05)
	}

	AckCircuitBreakerState.Set(CircuitBreakerClosed)
	AckCircuitBreakerState.Set(CircuitBreakerOpen)
	AckCircuitBreakerTrips.Inc()
	AckCircuitBreakerState.Set(CircuitBreakerHalfOpen)
	AckCircuitBreakerState.Set(CircuitBreakerClosed)

	// All operations should succeed without panic
}

// Benchmark for counter operations
func BenchmarkCounterInc(b *testing.B) {
	counter := ConsumerProcessed.WithLabelValues("bench-group", "processed")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}

// Benchmark for histogram observations
func BenchmarkHistogramObserve(b *testing.B) {
	histogram := ConsumerProcessingDuration.WithLabelValues("bench-group")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		histogram.Observe(0.123)
	}
}

// Benchmark for gauge set operations
func BenchmarkGaugeSet(b *testing.B) {
	gauge := RegistryActiveAgents.WithLabelValues("producer")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gauge.Set(float64(i))
	}
}
