package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackdeploy_deployments_total",
			Help: "Total number of deployment runs by final status",
		},
		[]string{"status"},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stackdeploy_phase_duration_seconds",
			Help:    "Time spent in each controller state in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"phase"},
	)

	// Per-stack metrics
	StackOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackdeploy_stack_operations_total",
			Help: "Total number of stack deploy/rollback operations by result",
		},
		[]string{"operation", "result"},
	)

	StackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stackdeploy_stack_duration_seconds",
			Help:    "Time to pull and start one stack in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"operation"},
	)

	StackHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stackdeploy_stack_health",
			Help: "Latest health classification per stack (1 for the current classification)",
		},
		[]string{"stack", "classification"},
	)

	Containers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stackdeploy_containers",
			Help: "Containers counted in the last health pass by state",
		},
		[]string{"state"},
	)

	// Remote execution metrics
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackdeploy_retry_attempts_total",
			Help: "Remote operation attempts by outcome (success, retry, fatal, exhausted)",
		},
		[]string{"outcome"},
	)

	StacksCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stackdeploy_stacks_cleaned_total",
			Help: "Total number of removed stacks torn down",
		},
	)
)

// Registry holds every stackdeploy collector. It is separate from the default
// registry so textfile exports contain only deployment metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(DeploymentsTotal)
	Registry.MustRegister(PhaseDuration)
	Registry.MustRegister(StackOperationsTotal)
	Registry.MustRegister(StackDuration)
	Registry.MustRegister(StackHealth)
	Registry.MustRegister(Containers)
	Registry.MustRegister(RetryAttemptsTotal)
	Registry.MustRegister(StacksCleanedTotal)
}

// SetStackHealth records the classification of a stack, clearing its other states
func SetStackHealth(stack string, classification string, all []string) {
	for _, c := range all {
		v := 0.0
		if c == classification {
			v = 1
		}
		StackHealth.WithLabelValues(stack, c).Set(v)
	}
}

// WriteTextfile writes all metrics in the Prometheus text format to path,
// for pickup by the node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
