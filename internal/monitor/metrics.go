package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the evaluation service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ProvisionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	PoolIdleSessions  *prometheus.GaugeVec
	EngineLatency     *prometheus.HistogramVec
	CleanupFailures   *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "safe_eval",
				Name:      "executions_total",
				Help:      "Total number of evaluations by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "safe_eval",
				Name:      "execution_duration_seconds",
				Help:      "Time the guest program ran, in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ProvisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "safe_eval",
				Name:      "provision_duration_seconds",
				Help:      "Time to build and start a session, in seconds.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"language", "source"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "safe_eval",
				Name:      "execution_errors_total",
				Help:      "Total evaluation failures by type.",
			},
			[]string{"type"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "safe_eval",
				Name:      "active_sessions",
				Help:      "Number of sessions currently owned by a request.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "safe_eval",
				Name:      "security_events_total",
				Help:      "Suspicious patterns seen in submitted code or output.",
			},
			[]string{"type"},
		),

		PoolIdleSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "safe_eval",
				Name:      "pool_idle_sessions",
				Help:      "Number of pre-provisioned sessions waiting in the pool.",
			},
			[]string{"language"},
		),

		EngineLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "safe_eval",
				Name:      "engine_operation_duration_seconds",
				Help:      "Duration of container engine operations.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"operation"},
		),

		CleanupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "safe_eval",
				Name:      "cleanup_failures_total",
				Help:      "Session teardown steps that failed.",
			},
			[]string{"step"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "safe_eval",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "safe_eval",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "safe_eval",
				Name:      "output_size_bytes",
				Help:      "Size of captured stdout in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ProvisionDuration,
		m.ExecutionErrors,
		m.ActiveSessions,
		m.SecurityEvents,
		m.PoolIdleSessions,
		m.EngineLatency,
		m.CleanupFailures,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// The recorders below accept a nil receiver so callers without metrics can
// pass nil.

// RecordExecution records metrics for a completed evaluation.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordProvision records how long a session took to become ready. source is
// "fresh" or "pool".
func (m *Metrics) RecordProvision(language, source string, durationSec float64) {
	if m == nil {
		return
	}
	m.ProvisionDuration.WithLabelValues(language, source).Observe(durationSec)
}

// RecordError records an evaluation error by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordCleanupFailure(step string) {
	if m == nil {
		return
	}
	m.CleanupFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) ObserveEngine(operation string, durationSec float64) {
	if m == nil {
		return
	}
	m.EngineLatency.WithLabelValues(operation).Observe(durationSec)
}

func (m *Metrics) SetPoolIdle(language string, n int) {
	if m == nil {
		return
	}
	m.PoolIdleSessions.WithLabelValues(language).Set(float64(n))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) ObserveSizes(codeBytes, outputBytes int) {
	if m == nil {
		return
	}
	m.CodeSizeBytes.Observe(float64(codeBytes))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}
