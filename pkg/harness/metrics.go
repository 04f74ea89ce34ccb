package harness

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what a run did to its instances. Each run gets a
// private registry so parallel runs on one host never clash.
type Metrics struct {
	registry *prometheus.Registry

	InstancesLaunched    prometheus.Counter
	LaunchFailures       prometheus.Counter
	LaunchSeconds        prometheus.Histogram
	SessionsSkipped      prometheus.Counter
	DiagnosticsCollected prometheus.Counter
	DiagnosticsFailures  prometheus.Counter
	DestroyFailures      prometheus.Counter
}

// NewMetrics returns a fresh metric set backed by its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		InstancesLaunched: factory.NewCounter(prometheus.CounterOpts{
			Name: "seedtest_instances_launched_total",
			Help: "Instances launched over the run.",
		}),
		LaunchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "seedtest_launch_failures_total",
			Help: "Instance launches that failed.",
		}),
		LaunchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "seedtest_launch_duration_seconds",
			Help:    "Time from launch request to a reachable instance.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		SessionsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "seedtest_sessions_skipped_total",
			Help: "Sessions skipped by the applicability filter.",
		}),
		DiagnosticsCollected: factory.NewCounter(prometheus.CounterOpts{
			Name: "seedtest_diagnostics_collected_total",
			Help: "Instances whose diagnostics were collected.",
		}),
		DiagnosticsFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "seedtest_diagnostics_failures_total",
			Help: "Diagnostics collections that failed.",
		}),
		DestroyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "seedtest_destroy_failures_total",
			Help: "Instance teardowns that failed.",
		}),
	}
}

// WriteTextfile dumps the run's metrics in the text exposition format,
// suitable for the node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
