// Package metrics exposes feedstream's Prometheus collectors.
//
// Collectors are registered on the default registry through promauto and
// served by the operational HTTP server under /metrics.
//
// # Basic Usage
//
//	timer := metrics.NewTimer()
//	rec, err := fetch(ctx)
//	metrics.FetchLatency.WithLabelValues(name, outcome).Observe(timer.Stop().Seconds())
//
//	tracker := metrics.NewThroughputTracker(name)
//	tracker.Increment(1)
//	perSecond := tracker.GetAndReset()
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

var (
	// FetchAttempts counts poll attempts per connector and outcome.
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstream_fetch_attempts_total",
			Help: "Total number of fetch attempts by connector and outcome",
		},
		[]string{"connector", "outcome"},
	)

	// FetchLatency tracks fetch duration in seconds.
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "feedstream_fetch_latency_seconds",
			Help: "Fetch latency in seconds",
			Buckets: []float64{
				0.01, // 10ms - cached or local upstreams
				0.05,
				0.1,
				0.5,
				1,
				5,
				30, // 30s - default fetch timeout
			},
		},
		[]string{"connector", "outcome"},
	)

	// BreakerState is 1 while a connector's breaker is open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedstream_breaker_open",
			Help: "1 when the connector circuit breaker is open, 0 otherwise",
		},
		[]string{"connector"},
	)

	// BreakerTransitions counts breaker opens and closes.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstream_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"connector", "to"},
	)

	// RecordsIngested counts records published to the raw data topic.
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstream_records_ingested_total",
			Help: "Records validated and published",
		},
		[]string{"connector"},
	)

	// DeadLetters counts dead-letter entries by reason.
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstream_dead_letters_total",
			Help: "Dead-letter entries by connector and reason",
		},
		[]string{"connector", "reason"},
	)

	// ConnectorRestarts counts supervisor-initiated restarts.
	ConnectorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstream_connector_restarts_total",
			Help: "Supervisor-initiated connector restarts",
		},
		[]string{"connector", "result"},
	)

	// ConnectorHealthy is 1 while the supervisor considers a connector healthy.
	ConnectorHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedstream_connector_healthy",
			Help: "1 when the supervisor considers the connector healthy",
		},
		[]string{"connector"},
	)

	// QueuePublished counts queue publishes per backend, topic and result.
	QueuePublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstream_queue_published_total",
			Help: "Queue publishes by backend, topic and result",
		},
		[]string{"backend", "topic", "result"},
	)

	// QueueDepth tracks messages retained by a backend per topic.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedstream_queue_depth",
			Help: "Messages retained per topic",
		},
		[]string{"backend", "topic"},
	)

	// Throughput tracks records per second per connector.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedstream_throughput_records_per_second",
			Help: "Current ingestion throughput in records per second",
		},
		[]string{"connector"},
	)
)

// BoolGauge converts a boolean to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Timer measures a single operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It may be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks records per second for one connector.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	connector string
}

// NewThroughputTracker creates a tracker labelled with connector.
func NewThroughputTracker(connector string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		connector: connector,
	}
}

// Increment adds n to the record count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the throughput since the last reset, publishes it
// to the Throughput gauge and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.connector).Set(throughput)

	return throughput
}
