package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/config"
	"github.com/jkaninda/seedvault/internal/secrets"
	"github.com/jkaninda/seedvault/internal/vault"
)

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Health == nil {
		t.Fatal("health checker should always be created")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("optional components should be nil")
	}
	if obs.Registry() != nil {
		t.Error("Registry should be nil without metrics")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5, WindowSeconds: 60},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Registry() == nil || obs.Anomaly == nil {
		t.Fatal("expected metrics and anomaly detector")
	}
	for range 5 {
		obs.Anomaly.RecordError("store_put")
	}
	if v := counterValue(t, obs.Registry(), "seedvault_anomalies_total", prometheus.Labels{"operation": "store_put"}); v != 1 {
		t.Errorf("anomalies_total = %v, want 1", v)
	}
}

func TestObservability_NilReceivers(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.Registry() != nil {
		t.Error("nil Observability should expose nothing")
	}
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should return a no-op tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.StoreOperationsTotal.WithLabelValues("memory", "put", "success").Inc()
	m.BinderOperationsTotal.WithLabelValues("memory", "grant", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"seedvault_store_operations_total",
		"seedvault_access_operations_total",
		"seedvault_http_requests_total",
		"go_goroutines",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" || got.Checks != nil {
		t.Errorf("no checks: %+v", got)
	}

	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("database", func(context.Context) error { return errors.New("connection refused") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %+v", status.Checks["store"])
	}
	if c := status.Checks["database"]; c.Status != "fail" || c.Message != "connection refused" {
		t.Errorf("database check = %+v", c)
	}
	if h.CheckHealth().Status != "ok" {
		t.Error("liveness should always be ok")
	}
}

func TestHealthChecker_TimeoutBoundsSlowCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if got := h.CheckReady(ctx); got.Status != "degraded" {
		t.Errorf("status = %q", got.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("x")
	a.RecordSuccess("x")
	a.OnAnomaly(func(string, float64) {})
	if rate, n := a.ErrorRate("x"); rate != 0 || n != 0 {
		t.Error("nil detector should report nothing")
	}
}

func TestAnomalyDetector_FiresOncePerBreach(t *testing.T) {
	var buf bytes.Buffer
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, WindowSeconds: 60},
		slog.New(slog.NewJSONHandler(&buf, nil)))
	fired := 0
	a.OnAnomaly(func(op string, rate float64) {
		fired++
		if op != "access_grant" || rate <= 0.5 {
			t.Errorf("callback(%q, %v)", op, rate)
		}
	})

	for range 4 {
		a.RecordSuccess("access_grant")
	}
	for range 6 {
		a.RecordError("access_grant")
	}
	if rate, n := a.ErrorRate("access_grant"); n != 10 || rate != 0.6 {
		t.Errorf("ErrorRate = %v over %d", rate, n)
	}
	if fired != 1 {
		t.Errorf("fired %d times, want 1", fired)
	}
	if !strings.Contains(buf.String(), "anomaly detected") {
		t.Error("expected a warning log")
	}

	// Recover below the threshold, then breach again.
	for range 10 {
		a.RecordSuccess("access_grant")
	}
	for range 20 {
		a.RecordError("access_grant")
	}
	if fired != 2 {
		t.Errorf("fired %d times after second breach, want 2", fired)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }
	for range 5 {
		a.RecordError("store_put")
	}
	now = now.Add(2 * time.Minute)
	if _, n := a.ErrorRate("store_put"); n != 0 {
		t.Errorf("samples after window = %d, want 0", n)
	}
}

// --- Wrappers ---

func TestInstrumentedStore(t *testing.T) {
	metrics := NewMetricsCollector()
	store := NewInstrumentedStore(vault.NewMemoryStore(), metrics, nil, nil)
	ctx := context.Background()

	if _, err := store.Reference(ctx, "db-pass"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ref, err := store.Put(ctx, "db-pass", []byte("s3cret-value"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Resolve(ctx, ref)
	if err != nil || string(got) != "s3cret-value" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if v := counterValue(t, metrics.Registry, "seedvault_store_operations_total",
		prometheus.Labels{"backend": "memory", "operation": "reference", "status": "not_found"}); v != 1 {
		t.Errorf("reference not_found = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "seedvault_store_operations_total",
		prometheus.Labels{"backend": "memory", "operation": "put", "status": "success"}); v != 1 {
		t.Errorf("put success = %v, want 1", v)
	}
}

func TestInstrumentedStore_NilMetrics(t *testing.T) {
	store := NewInstrumentedStore(vault.NewMemoryStore(), nil, nil, nil)
	if _, err := store.Put(context.Background(), "a", []byte("value-1234")); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestInstrumentedBinder_FeedsAnomalyDetector(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.9}, nil)
	inner := access.NewMemoryBinder([]string{"n8n-app"}, []string{"store"}, nil, 0)
	binder := NewInstrumentedBinder(inner, metrics, nil, anomaly)
	ctx := context.Background()

	b, err := binder.Grant(ctx, "n8n-app", "store", "read")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if state, err := binder.Status(ctx, b); err != nil || state != access.StateActive {
		t.Fatalf("Status = %s, %v", state, err)
	}
	if _, err := binder.Grant(ctx, "ghost", "store", "read"); !errors.Is(err, access.ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}

	if v := counterValue(t, metrics.Registry, "seedvault_access_operations_total",
		prometheus.Labels{"operation": "grant", "status": "error"}); v != 1 {
		t.Errorf("grant errors = %v, want 1", v)
	}
	if rate, n := anomaly.ErrorRate("access_grant"); n != 2 || rate != 0.5 {
		t.Errorf("access_grant rate = %v over %d", rate, n)
	}
}

type fixedProvider struct{ err error }

func (p fixedProvider) Name() string { return "env" }
func (p fixedProvider) Resolve(context.Context, string) (*secrets.Secret, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &secrets.Secret{Value: "v"}, nil
}

func TestInstrumentedResolver(t *testing.T) {
	metrics := NewMetricsCollector()
	ctx := context.Background()
	_, _ = NewInstrumentedResolver(fixedProvider{}, metrics, nil).Resolve(ctx, "env://A")
	_, _ = NewInstrumentedResolver(fixedProvider{err: secrets.ErrSecretNotFound}, metrics, nil).Resolve(ctx, "env://B")

	for status, want := range map[string]float64{"success": 1, "not_found": 1, "error": 0} {
		if v := counterValue(t, metrics.Registry, "seedvault_secrets_resolutions_total",
			prometheus.Labels{"provider": "env", "status": status}); v != want {
			t.Errorf("%s = %v, want %v", status, v, want)
		}
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
	if v := counterValue(t, metrics.Registry, "seedvault_http_requests_total",
		prometheus.Labels{"method": "POST", "path": "/v1/runs", "status_code": "202"}); v != 1 {
		t.Errorf("http requests = %v, want 1", v)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOKAndNilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, (*TracerSetup)(nil).Tracer(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
