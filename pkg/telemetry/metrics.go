package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the reconciliation control
// plane. With metrics disabled every Record* method is a no-op, so callers
// never need to nil-check.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Phase metrics
	phaseOutcomes *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec

	// Executor metrics
	executorCalls    *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec

	// Drift metrics
	driftScans      prometheus.Counter
	driftEvents     *prometheus.CounterVec
	openDriftEvents prometheus.Gauge

	// Circuit breaker metrics
	breakerRejections prometheus.Counter
	breakerState      prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of reconciliation runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of reconciliation runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Current number of in-flight reconciliation runs",
		}),

		phaseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_outcomes_total",
			Help:      "Total number of phase outcomes by terminal state",
		}, []string{"state"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of phase reconciliation in seconds",
			Buckets:   buckets,
		}, []string{"state"}),

		executorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_calls_total",
			Help:      "Total number of executor invocations",
		}, []string{"resource_type", "status"}),
		executorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_call_duration_seconds",
			Help:      "Duration of executor invocations in seconds",
			Buckets:   buckets,
		}, []string{"resource_type"}),

		lockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Total number of lock acquisition attempts",
		}, []string{"result"}),

		driftScans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_scans_total",
			Help:      "Total number of drift scans",
		}),
		driftEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_events_total",
			Help:      "Total number of drift events detected",
		}, []string{"resource_type", "severity", "action"}),
		openDriftEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_drift_events",
			Help:      "Current number of unresolved drift events",
		}),

		breakerRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_rejections_total",
			Help:      "Total number of remediations rejected by the circuit breaker",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by error class",
		}, []string{"class"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_code_total",
			Help:      "Total number of errors by error code",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.phaseOutcomes,
		m.phaseDuration,
		m.executorCalls,
		m.executorDuration,
		m.lockAcquisitions,
		m.driftScans,
		m.driftEvents,
		m.openDriftEvents,
		m.breakerRejections,
		m.breakerState,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordPhaseOutcome records a phase's terminal state and duration.
func (m *Metrics) RecordPhaseOutcome(state string, duration time.Duration) {
	if m.phaseOutcomes == nil {
		return
	}
	m.phaseOutcomes.WithLabelValues(state).Inc()
	m.phaseDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordExecutorCall records an executor invocation.
func (m *Metrics) RecordExecutorCall(resourceType, status string, duration time.Duration) {
	if m.executorCalls == nil {
		return
	}
	m.executorCalls.WithLabelValues(resourceType, status).Inc()
	m.executorDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// RecordLockAcquisition records a lock attempt result (acquired, busy,
// error).
func (m *Metrics) RecordLockAcquisition(result string) {
	if m.lockAcquisitions == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(result).Inc()
}

// RecordDriftScan increments the scan counter.
func (m *Metrics) RecordDriftScan() {
	if m.driftScans == nil {
		return
	}
	m.driftScans.Inc()
}

// RecordDriftEvent records a detected drift event.
func (m *Metrics) RecordDriftEvent(resourceType, severity, action string) {
	if m.driftEvents == nil {
		return
	}
	m.driftEvents.WithLabelValues(resourceType, severity, action).Inc()
}

// SetOpenDriftEvents sets the current number of unresolved drift events.
func (m *Metrics) SetOpenDriftEvents(count float64) {
	if m.openDriftEvents == nil {
		return
	}
	m.openDriftEvents.Set(count)
}

// RecordBreakerRejection increments the breaker rejection counter.
func (m *Metrics) RecordBreakerRejection() {
	if m.breakerRejections == nil {
		return
	}
	m.breakerRejections.Inc()
}

// SetBreakerState sets the breaker state gauge.
func (m *Metrics) SetBreakerState(state float64) {
	if m.breakerState == nil {
		return
	}
	m.breakerState.Set(state)
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
