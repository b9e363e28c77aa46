package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "stepflow"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runRestarts     *prometheus.CounterVec
	stepAttempts    *prometheus.CounterVec
	stepReplays     *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	leaseContention prometheus.Counter
	sleepsWoken     prometheus.Counter
	telemetryErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "runs",
				Name:      "started_total",
				Help:      "Total number of runs created.",
			},
			[]string{"workflow"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "runs",
				Name:      "finished_total",
				Help:      "Total number of runs that reached a terminal state.",
			},
			[]string{"workflow", "status"},
		),
		runRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "runs",
				Name:      "restarts_total",
				Help:      "Total number of run-level restarts after infrastructure failures.",
			},
			[]string{"workflow"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "steps",
				Name:      "attempts_total",
				Help:      "Total number of step attempts by outcome.",
			},
			[]string{"workflow", "kind", "outcome"},
		),
		stepReplays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "steps",
				Name:      "replays_total",
				Help:      "Total number of steps answered from the ledger.",
			},
			[]string{"workflow"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "steps",
				Name:      "duration_seconds",
				Help:      "Duration of step attempts.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"workflow", "kind"},
		),
		leaseContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "lease",
				Name:      "contended_total",
				Help:      "Total number of refused run lease acquisitions.",
			},
		),
		sleepsWoken: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "scheduler",
				Name:      "wakeups_total",
				Help:      "Total number of runs resubmitted because a sleep came due.",
			},
		),
		telemetryErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "telemetry",
				Name:      "errors_total",
				Help:      "Total number of telemetry capture or export failures.",
			},
		),
	}

	reg.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runRestarts,
		m.stepAttempts,
		m.stepReplays,
		m.stepDuration,
		m.leaseContention,
		m.sleepsWoken,
		m.telemetryErrors,
	)
	return m
}

func (m *Metrics) runStarted(workflow string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
}

func (m *Metrics) runFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(workflow, status).Inc()
}

func (m *Metrics) runRestarted(workflow string) {
	if m == nil {
		return
	}
	m.runRestarts.WithLabelValues(workflow).Inc()
}

func (m *Metrics) stepAttempted(workflow, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(workflow, kind, outcome).Inc()
	m.stepDuration.WithLabelValues(workflow, kind).Observe(d.Seconds())
}

func (m *Metrics) stepReplayed(workflow string) {
	if m == nil {
		return
	}
	m.stepReplays.WithLabelValues(workflow).Inc()
}

func (m *Metrics) leaseContended() {
	if m == nil {
		return
	}
	m.leaseContention.Inc()
}

func (m *Metrics) sleepWoken() {
	if m == nil {
		return
	}
	m.sleepsWoken.Inc()
}

func (m *Metrics) telemetryFailed() {
	if m == nil {
		return
	}
	m.telemetryErrors.Inc()
}
