package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Trigger results.
const (
	ResultSubmitted = "submitted"
	ResultSkipped   = "skipped"
	ResultError     = "error"
)

// Metrics holds Prometheus metrics for the provisioning scheduler.
type Metrics struct {
	Triggers       *prometheus.CounterVec
	SubmitDuration prometheus.Histogram
	NextRun        prometheus.Gauge
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Scheduled run triggers by result (submitted, skipped, error).",
		}, []string{"result"}),
		SubmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "seedvault",
			Subsystem: "scheduler",
			Name:      "submit_duration_seconds",
			Help:      "Time to build and submit a scheduled run request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		NextRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seedvault",
			Subsystem: "scheduler",
			Name:      "next_run_timestamp_seconds",
			Help:      "Unix time of the next scheduled trigger.",
		}),
	}

	reg.MustRegister(m.Triggers, m.SubmitDuration, m.NextRun)
	return m
}

func (m *Metrics) observe(result string, start time.Time) {
	if m == nil {
		return
	}
	m.Triggers.WithLabelValues(result).Inc()
	m.SubmitDuration.Observe(time.Since(start).Seconds())
}
