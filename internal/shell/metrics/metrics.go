// Package metrics holds the Prometheus collectors of the fleet controller.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	ReconcileSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_reconcile_sweeps_total",
			Help: "Total number of reconciliation sweeps",
		},
	)

	ReconcileItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_reconcile_items_total",
			Help: "Total number of reconciled container states by result",
		},
		[]string{"result"},
	)

	ReconcileSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_reconcile_sweep_duration_seconds",
			Help:    "Reconciliation sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileHostsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_reconcile_hosts_skipped_total",
			Help: "Total number of hosts skipped during sweeps by reason",
		},
		[]string{"reason"},
	)

	// Host health metrics
	HostHealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_host_health_checks_total",
			Help: "Total number of host health checks by resulting status",
		},
		[]string{"status"},
	)

	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_hosts",
			Help: "Number of registered hosts by status",
		},
		[]string{"status"},
	)

	// Runtime command metrics
	RuntimeCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_runtime_commands_total",
			Help: "Total number of runtime commands by operation and result",
		},
		[]string{"op", "result"},
	)

	RuntimeCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_runtime_command_duration_seconds",
			Help:    "Runtime command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Failover metrics
	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_failovers_total",
			Help: "Total number of failover attempts by type and result",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(ReconcileSweepsTotal)
	prometheus.MustRegister(ReconcileItemsTotal)
	prometheus.MustRegister(ReconcileSweepDuration)
	prometheus.MustRegister(ReconcileHostsSkipped)
	prometheus.MustRegister(HostHealthChecksTotal)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(RuntimeCommandsTotal)
	prometheus.MustRegister(RuntimeCommandDuration)
	prometheus.MustRegister(FailoversTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result converts an error into the "success"/"failure" label value.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// =============================================================================
// Timer
// =============================================================================

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a histogram vector.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
