package provision

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for provisioning runs.
// All metrics use the seedvault_provision_ prefix.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	PhaseDuration   *prometheus.HistogramVec
	SecretsWritten  *prometheus.CounterVec
	SecretsReused   prometheus.Counter
	BindingsTotal   *prometheus.CounterVec
	ConfirmDuration prometheus.Histogram
	ActiveRuns      prometheus.Gauge
}

// NewMetrics creates and registers provisioning metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "provision",
			Name:      "runs_total",
			Help:      "Total provisioning runs by final state and failure kind.",
		}, []string{"state", "kind"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seedvault",
			Subsystem: "provision",
			Name:      "run_duration_seconds",
			Help:      "Provisioning run duration in seconds by final state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"state"}),

		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seedvault",
			Subsystem: "provision",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each run state.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"phase"}),

		SecretsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "provision",
			Name:      "secrets_written_total",
			Help:      "Secrets written to the store by source (raw, generate).",
		}, []string{"source"}),

		SecretsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "provision",
			Name:      "secrets_reused_total",
			Help:      "Generated secrets left untouched because they already existed.",
		}),

		BindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "provision",
			Name:      "bindings_total",
			Help:      "Bindings by outcome (granted, active, failed).",
		}, []string{"state"}),

		ConfirmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "seedvault",
			Subsystem: "provision",
			Name:      "confirm_duration_seconds",
			Help:      "Time from the start of confirmation until a binding is observed active or given up.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seedvault",
			Subsystem: "provision",
			Name:      "active_runs",
			Help:      "Number of runs currently executing.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.PhaseDuration,
		m.SecretsWritten,
		m.SecretsReused,
		m.BindingsTotal,
		m.ConfirmDuration,
		m.ActiveRuns,
	)

	return m
}
