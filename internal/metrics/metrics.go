package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds service collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	TaskRuns     *prometheus.CounterVec
	TaskSkipped  *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	SignalTransitions *prometheus.CounterVec
	PartialRecoveries prometheus.Counter
	SignalsByState    *prometheus.GaugeVec
	RuleFailures      prometheus.Counter

	RatioChecks *prometheus.CounterVec

	AlertsCreated    *prometheus.CounterVec
	AlertsDuplicate  *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	NotifyInFlight   prometheus.GaugeFunc
	notifyInFlightFn func() float64

	HitsIngested *prometheus.CounterVec

	CleanupDeleted  *prometheus.CounterVec
	CleanupFailures *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers every collector on reg.
// Params: target registry; process and Go collectors are added as well.
// Returns: metrics bundle bound to reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	// Periodic tasks
	m.TaskRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_task_runs_total",
			Help: "Periodic task runs by outcome",
		},
		[]string{"task", "outcome"}, // outcome: ok, error, panic
	)
	m.TaskSkipped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_task_skipped_total",
			Help: "Ticks skipped because the previous run was still in progress",
		},
		[]string{"task"},
	)
	m.TaskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deadman_task_duration_seconds",
			Help:    "Periodic task run duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"task"},
	)

	// Signals
	m.SignalTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_signal_transitions_total",
			Help: "Applied signal state transitions",
		},
		[]string{"from", "to"},
	)
	m.PartialRecoveries = factory.NewCounter(prometheus.CounterOpts{
		Name: "deadman_signal_partial_recoveries_total",
		Help: "DEAD to WEAK transitions persisted without alert",
	})
	m.SignalsByState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deadman_signals",
			Help: "Enabled signals per state after the last heartbeat pass",
		},
		[]string{"state"},
	)
	m.RuleFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "deadman_rule_evaluation_failures_total",
		Help: "Rule evaluations that failed inside a heartbeat pass",
	})

	// Ratio monitors
	m.RatioChecks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_ratio_checks_total",
			Help: "Ratio monitor evaluations by outcome",
		},
		[]string{"outcome"}, // outcome: ok, changed, conflict, error
	)

	// Alerts and delivery
	m.AlertsCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_alerts_created_total",
			Help: "Alerts inserted by type",
		},
		[]string{"alert_type"},
	)
	m.AlertsDuplicate = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_alerts_duplicate_total",
			Help: "Alerts suppressed by the (owner, type, epoch) uniqueness constraint",
		},
		[]string{"alert_type"},
	)
	m.Notifications = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_notifications_total",
			Help: "Notification dispatch attempts by outcome",
		},
		[]string{"kind", "outcome"}, // outcome: sent, failed, in_flight, in_flight_full, mark_failed
	)
	m.NotifyInFlight = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "deadman_notifications_in_flight",
			Help: "Alert dispatches currently in flight",
		},
		func() float64 {
			if m.notifyInFlightFn == nil {
				return 0
			}
			return m.notifyInFlightFn()
		},
	)

	// Ingestion
	m.HitsIngested = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_hits_ingested_total",
			Help: "Hits received by source and outcome",
		},
		[]string{"source", "outcome"}, // outcome: accepted, invalid, unknown_rule, error
	)

	// Cleanup
	m.CleanupDeleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_cleanup_deleted_rows_total",
			Help: "Rows deleted by retention sweeps",
		},
		[]string{"table"},
	)
	m.CleanupFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_cleanup_failures_total",
			Help: "Retention sweep failures per table",
		},
		[]string{"table"},
	)

	return m
}

// SetInFlightSource binds the in-flight gauge to a live counter.
func (m *Metrics) SetInFlightSource(fn func() float64) {
	m.notifyInFlightFn = fn
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns HTTP handler serving the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
