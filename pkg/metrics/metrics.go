package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anonsuite_instances_total",
			Help: "Number of onion-router instances by state",
		},
		[]string{"state"},
	)

	InstanceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonsuite_instance_restarts_total",
			Help: "In-place restarts performed per instance",
		},
		[]string{"instance"},
	)

	ProbeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonsuite_probe_failures_total",
			Help: "Failed health probes by check type",
		},
		[]string{"check"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anonsuite_probe_duration_seconds",
			Help:    "Health probe latency by check type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"check"},
	)

	RunState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anonsuite_run_state",
			Help: "Coordinator state machine position (1 = current state)",
		},
		[]string{"state"},
	)

	RedirectionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anonsuite_redirection_active",
			Help: "Whether transparent redirection rules are installed",
		},
	)
)

// Register registers all metrics with the default Prometheus registry
func Register() {
	prometheus.MustRegister(
		InstancesTotal,
		InstanceRestarts,
		ProbeFailures,
		ProbeDuration,
		RunState,
		RedirectionActive,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetRunState flips the run-state gauge to the given state.
func SetRunState(state string) {
	RunState.Reset()
	RunState.WithLabelValues(state).Set(1)
}
