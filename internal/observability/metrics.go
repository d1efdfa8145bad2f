package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the backend and transport metrics for seedvault.
// Uses a custom registry, no global state. Run-level metrics live in the
// provision package and register on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Secret store metrics.
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Access binder metrics.
	BinderOperationsTotal   *prometheus.CounterVec
	BinderOperationDuration *prometheus.HistogramVec

	// value_from resolution.
	ResolutionsTotal *prometheus.CounterVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AnomaliesTotal *prometheus.CounterVec
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry, alongside the Go runtime collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		StoreOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Secret store calls by backend, operation and status.",
		}, []string{"backend", "operation", "status"}),

		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seedvault",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Secret store call duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}, []string{"backend", "operation"}),

		BinderOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "access",
			Name:      "operations_total",
			Help:      "Access binder calls by backend, operation and status.",
		}, []string{"backend", "operation", "status"}),

		BinderOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seedvault",
			Subsystem: "access",
			Name:      "operation_duration_seconds",
			Help:      "Access binder call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "operation"}),

		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "secrets",
			Name:      "resolutions_total",
			Help:      "value_from resolutions by provider and status.",
		}, []string{"provider", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seedvault",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seedvault",
			Name:      "anomalies_total",
			Help:      "Error-rate threshold breaches by operation.",
		}, []string{"operation"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seedvault",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.BinderOperationsTotal,
		m.BinderOperationDuration,
		m.ResolutionsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AnomaliesTotal,
		m.ActiveRequests,
	)

	return m
}
