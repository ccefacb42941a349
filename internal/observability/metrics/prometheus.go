// Package metrics provides Prometheus metrics for the custody ledger services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-pharmatrace/internal/holdings"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
	"github.com/drfirst/go-pharmatrace/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	OperationsTotal     *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	LockWaitDuration    prometheus.Histogram
	LockBusyTotal       prometheus.Counter
	OutboxPublishes     *prometheus.CounterVec
	OutboxPendingGauge  prometheus.Gauge
	RecordsConsumed     prometheus.Counter
	ConsumerLagGauge    *prometheus.GaugeVec
	ProjectionApplied   *prometheus.CounterVec
	ArchiveWrites       *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger mutations by operation and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Ledger mutation duration including lock wait and commit",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_lock_wait_seconds",
			Help:    "Time spent waiting for a batch lock",
			Buckets: []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 2},
		}),
		LockBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_lock_busy_total",
			Help: "Lock attempts that timed out",
		}),
		OutboxPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox publish attempts by topic and outcome",
		}, []string{"topic", "outcome"}),
		OutboxPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		RecordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total custody records consumed",
		}),
		ConsumerLagGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Records not yet committed by the consumer group, per topic",
		}, []string{"topic"}),
		ProjectionApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "holdings_projection_events_total",
			Help: "Custody events seen by the holdings projection by outcome",
		}, []string{"outcome"}),
		ArchiveWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archive_writes_total",
			Help: "Audit archive writes by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.LockWaitDuration,
		m.LockBusyTotal,
		m.OutboxPublishes,
		m.OutboxPendingGauge,
		m.RecordsConsumed,
		m.ConsumerLagGauge,
		m.ProjectionApplied,
		m.ArchiveWrites,
		m.CircuitBreakerState,
	)

	return m
}

// OperationCompleted records a finished ledger mutation
func (m *Metrics) OperationCompleted(op ledger.Operation, err error, d time.Duration) {
	m.OperationsTotal.WithLabelValues(string(op), ledger.ErrorCode(err)).Inc()
	m.OperationDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

// LockWaited records how long a mutation waited for its batch lock
func (m *Metrics) LockWaited(d time.Duration) {
	m.LockWaitDuration.Observe(d.Seconds())
}

// LockBusy counts a timed out lock attempt
func (m *Metrics) LockBusy() {
	m.LockBusyTotal.Inc()
}

// OutboxPublished records one relay publish attempt
func (m *Metrics) OutboxPublished(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.OutboxPublishes.WithLabelValues(topic, outcome).Inc()
}

// OutboxPending sets the pending entry gauge
func (m *Metrics) OutboxPending(n int64) {
	m.OutboxPendingGauge.Set(float64(n))
}

// RecordConsumed counts one consumed custody record
func (m *Metrics) RecordConsumed() {
	m.RecordsConsumed.Inc()
}

// ConsumerLag sets the lag gauge for every topic in lag
func (m *Metrics) ConsumerLag(lag map[string]int64) {
	for topic, n := range lag {
		m.ConsumerLagGauge.WithLabelValues(topic).Set(float64(n))
	}
}

// ProjectionOutcome records the outcome of applying an event to the holdings projection
func (m *Metrics) ProjectionOutcome(outcome holdings.Outcome, err error) {
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	m.ProjectionApplied.WithLabelValues(label).Inc()
}

// ArchiveWritten records an archive attempt
func (m *Metrics) ArchiveWritten(created bool, err error) {
	switch {
	case err != nil:
		m.ArchiveWrites.WithLabelValues("error").Inc()
	case created:
		m.ArchiveWrites.WithLabelValues("created").Inc()
	default:
		m.ArchiveWrites.WithLabelValues("exists").Inc()
	}
}

// BreakerStateChanged exports a circuit breaker transition
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
