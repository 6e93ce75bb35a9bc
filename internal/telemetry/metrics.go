package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the orchestrator's activation/retry/latency counters,
// grounded on the Prometheus usage in C360Studio-semspec and
// jordigilh-kubernaut (both wire client_golang into their reconciler/
// executor hot paths the same way this wires it into node activations).
type Metrics struct {
	ActivationsTotal *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	ActivationLatency *prometheus.HistogramVec
	InFlightGauge    *prometheus.GaugeVec
}

// NewMetrics registers the engine's metrics with reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secflow_node_activations_total",
			Help: "Count of node activations by component id and terminal status.",
		}, []string{"component_id", "status"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secflow_node_retries_total",
			Help: "Count of retry attempts by component id and error kind.",
		}, []string{"component_id", "kind"}),
		ActivationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "secflow_node_activation_seconds",
			Help:    "Node activation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"component_id"}),
		InFlightGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "secflow_run_in_flight_nodes",
			Help: "Number of nodes currently running per run.",
		}, []string{"run_id"}),
	}
	reg.MustRegister(m.ActivationsTotal, m.RetriesTotal, m.ActivationLatency, m.InFlightGauge)
	return m
}
