package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/secrets"
	"github.com/jkaninda/seedvault/internal/vault"
)

// instrument holds the shared recording dependencies of the wrappers.
type instrument struct {
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

func newInstrument(metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) instrument {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return instrument{metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (in instrument) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if in.tracer == nil {
		return ctx, nil
	}
	return in.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish ends span and feeds the anomaly detector. An expected miss
// (status "not_found") counts as a success for error-rate purposes.
func (in instrument) finish(span trace.Span, operation, status string, err error) {
	if span != nil {
		if err != nil && status == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	if status == "error" {
		in.anomaly.RecordError(operation)
	} else {
		in.anomaly.RecordSuccess(operation)
	}
}

func outcome(err error, notFound ...error) string {
	if err == nil {
		return "success"
	}
	for _, nf := range notFound {
		if errors.Is(err, nf) {
			return "not_found"
		}
	}
	return "error"
}

// --- InstrumentedStore ---

// InstrumentedStore wraps a vault.Store with metrics, tracing and anomaly detection.
// Span attributes carry secret names and versions, never values.
type InstrumentedStore struct {
	inner vault.Store
	instrument
}

// NewInstrumentedStore wraps a secret store with observability.
func NewInstrumentedStore(inner vault.Store, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, instrument: newInstrument(metrics, ts, anomaly)}
}

func (s *InstrumentedStore) Name() string { return s.inner.Name() }

func (s *InstrumentedStore) record(operation string, start time.Time, status string) {
	if s.metrics == nil {
		return
	}
	backend := s.inner.Name()
	s.metrics.StoreOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	s.metrics.StoreOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

func (s *InstrumentedStore) Put(ctx context.Context, name string, value []byte) (vault.Reference, error) {
	ctx, span := s.start(ctx, "store.put",
		attribute.String("store.backend", s.inner.Name()),
		attribute.String("secret.name", name),
	)
	start := time.Now()
	ref, err := s.inner.Put(ctx, name, value)
	status := outcome(err)
	if span != nil && err == nil {
		span.SetAttributes(attribute.String("secret.version", ref.Version))
	}
	s.record("put", start, status)
	s.finish(span, "store_put", status, err)
	return ref, err
}

func (s *InstrumentedStore) Reference(ctx context.Context, name string) (vault.Reference, error) {
	ctx, span := s.start(ctx, "store.reference",
		attribute.String("store.backend", s.inner.Name()),
		attribute.String("secret.name", name),
	)
	start := time.Now()
	ref, err := s.inner.Reference(ctx, name)
	status := outcome(err, vault.ErrNotFound)
	s.record("reference", start, status)
	s.finish(span, "store_reference", status, err)
	return ref, err
}

func (s *InstrumentedStore) Resolve(ctx context.Context, ref vault.Reference) ([]byte, error) {
	ctx, span := s.start(ctx, "store.resolve",
		attribute.String("store.backend", s.inner.Name()),
		attribute.String("secret.name", ref.Name),
		attribute.String("secret.version", ref.Version),
	)
	start := time.Now()
	value, err := s.inner.Resolve(ctx, ref)
	status := outcome(err, vault.ErrNotFound)
	s.record("resolve", start, status)
	s.finish(span, "store_resolve", status, err)
	return value, err
}

// Ping delegates to the wrapped store when it supports readiness probes.
func (s *InstrumentedStore) Ping(ctx context.Context) error {
	if p, ok := s.inner.(vault.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// --- InstrumentedBinder ---

// InstrumentedBinder wraps an access.Binder with metrics, tracing and anomaly detection.
type InstrumentedBinder struct {
	inner access.Binder
	instrument
}

// NewInstrumentedBinder wraps an access binder with observability.
func NewInstrumentedBinder(inner access.Binder, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBinder {
	return &InstrumentedBinder{inner: inner, instrument: newInstrument(metrics, ts, anomaly)}
}

func (b *InstrumentedBinder) Name() string { return b.inner.Name() }

func (b *InstrumentedBinder) record(operation string, start time.Time, status string) {
	if b.metrics == nil {
		return
	}
	backend := b.inner.Name()
	b.metrics.BinderOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	b.metrics.BinderOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

func (b *InstrumentedBinder) Grant(ctx context.Context, identity, resource, capability string) (access.Binding, error) {
	ctx, span := b.start(ctx, "access.grant",
		attribute.String("access.backend", b.inner.Name()),
		attribute.String("access.identity", identity),
		attribute.String("access.resource", resource),
		attribute.String("access.capability", capability),
	)
	start := time.Now()
	binding, err := b.inner.Grant(ctx, identity, resource, capability)
	status := outcome(err)
	b.record("grant", start, status)
	b.finish(span, "access_grant", status, err)
	return binding, err
}

func (b *InstrumentedBinder) Status(ctx context.Context, binding access.Binding) (access.State, error) {
	ctx, span := b.start(ctx, "access.status",
		attribute.String("access.backend", b.inner.Name()),
		attribute.String("access.binding_id", binding.ID.String()),
	)
	start := time.Now()
	state, err := b.inner.Status(ctx, binding)
	status := outcome(err)
	if span != nil && err == nil {
		span.SetAttributes(attribute.String("access.state", string(state)))
	}
	b.record("status", start, status)
	b.finish(span, "access_status", status, err)
	return state, err
}

// --- InstrumentedResolver ---

// InstrumentedResolver wraps a secrets.Provider and counts resolutions.
type InstrumentedResolver struct {
	inner secrets.Provider
	instrument
}

// NewInstrumentedResolver wraps a value_from provider with observability.
func NewInstrumentedResolver(inner secrets.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedResolver {
	return &InstrumentedResolver{inner: inner, instrument: newInstrument(metrics, ts, nil)}
}

func (r *InstrumentedResolver) Name() string { return r.inner.Name() }

func (r *InstrumentedResolver) Resolve(ctx context.Context, ref string) (*secrets.Secret, error) {
	ctx, span := r.start(ctx, "secrets.resolve",
		attribute.String("secrets.scheme", secrets.Scheme(ref)),
	)
	secret, err := r.inner.Resolve(ctx, ref)
	status := outcome(err, secrets.ErrSecretNotFound)
	if r.metrics != nil {
		r.metrics.ResolutionsTotal.WithLabelValues(r.inner.Name(), status).Inc()
	}
	r.finish(span, "secrets_resolve", status, err)
	return secret, err
}

// --- Compile-time interface checks ---

var (
	_ vault.Store      = (*InstrumentedStore)(nil)
	_ vault.Pinger     = (*InstrumentedStore)(nil)
	_ access.Binder    = (*InstrumentedBinder)(nil)
	_ secrets.Provider = (*InstrumentedResolver)(nil)
)
