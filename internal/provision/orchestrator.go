package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/audit"
	"github.com/jkaninda/seedvault/internal/credential"
	"github.com/jkaninda/seedvault/internal/vault"
)

// Preconditions gates a run on external facts, such as a manually deployed
// dependency being reachable.
type Preconditions interface {
	Check(ctx context.Context) error
}

// Orchestrator executes provisioning runs against one store and one binder.
// A single Orchestrator may execute several runs concurrently; runs share
// no state besides the backends.
type Orchestrator struct {
	store         vault.Store
	binder        access.Binder
	materializer  *credential.Materializer
	metrics       *Metrics
	logger        *slog.Logger
	config        Config
	tracer        trace.Tracer
	journal       audit.Journal
	preconditions Preconditions
	observer      func(Run)
}

// New creates an orchestrator. metrics and logger may be nil.
func New(
	store vault.Store,
	binder access.Binder,
	materializer *credential.Materializer,
	metrics *Metrics,
	logger *slog.Logger,
	config Config,
) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		store:        store,
		binder:       binder,
		materializer: materializer,
		metrics:      metrics,
		logger:       logger,
		config:       config,
		tracer:       noop.NewTracerProvider().Tracer(""),
	}
}

// WithTracer enables spans for runs and their steps.
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	if t != nil {
		o.tracer = t
	}
	return o
}

// WithJournal records every state transition.
func (o *Orchestrator) WithJournal(j audit.Journal) *Orchestrator {
	o.journal = j
	return o
}

// WithPreconditions checks p before a run touches any backend.
func (o *Orchestrator) WithPreconditions(p Preconditions) *Orchestrator {
	o.preconditions = p
	return o
}

// WithObserver calls fn with a snapshot of the run after every transition.
func (o *Orchestrator) WithObserver(fn func(Run)) *Orchestrator {
	o.observer = fn
	return o
}

// Execute runs req to completion and returns the final run. The error is
// nil when the run is ready and a *RunError otherwise. Secrets stored before
// a failure are left in the store.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Run, error) {
	x, end := o.begin(ctx, req)
	defer end()

	if err := x.preflight(req); err != nil {
		return x.finish(err)
	}

	x.transition(StateMaterializing)
	if err := x.storeSecrets(req.Secrets); err != nil {
		return x.finish(err)
	}
	x.enterStoring()

	x.transition(StateBinding)
	bindings, err := x.grant(req.Bindings)
	if err != nil {
		return x.finish(err)
	}

	x.transition(StateConfirming)
	timeout := req.ConfirmTimeout
	if timeout <= 0 {
		timeout = o.config.confirmTimeout()
	}
	poll := req.PollInterval
	if poll <= 0 {
		poll = o.config.pollInterval()
	}
	if err := x.confirm(bindings, timeout, poll); err != nil {
		return x.finish(err)
	}
	return x.finish(nil)
}

// Abort records a run that failed before any backend was touched, such as
// one whose request could not be built. cause is classified like any other
// run failure; the returned error is the *RunError.
func (o *Orchestrator) Abort(ctx context.Context, req Request, cause error) (*Run, error) {
	if cause == nil {
		cause = errors.New("run aborted")
	}
	x, end := o.begin(ctx, req)
	defer end()
	return x.finish(cause)
}

// begin starts the span and the run record and enters init.
func (o *Orchestrator) begin(ctx context.Context, req Request) (*execution, func()) {
	id := req.RunID
	if id == uuid.Nil {
		id = uuid.New()
	}

	ctx, span := o.tracer.Start(ctx, "provision.run",
		trace.WithAttributes(
			attribute.String("run.id", id.String()),
			attribute.String("run.trigger", req.Trigger),
			attribute.Int("run.secrets", len(req.Secrets)),
			attribute.Int("run.bindings", len(req.Bindings)),
		))
	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
	}

	x := &execution{
		o:   o,
		ctx: ctx,
		run: &Run{
			ID:         id,
			Trigger:    req.Trigger,
			References: make(map[string]vault.Reference),
			StartedAt:  time.Now().UTC(),
		},
		span: span,
	}
	x.transition(StateInit)

	return x, func() {
		if o.metrics != nil {
			o.metrics.ActiveRuns.Dec()
		}
		span.End()
	}
}

// execution is the mutable state of one run.
type execution struct {
	o    *Orchestrator
	ctx  context.Context
	span trace.Span

	mu         sync.Mutex
	run        *Run
	phaseStart time.Time
	storing    sync.Once
}

func (x *execution) transition(state State) {
	now := time.Now().UTC()

	x.mu.Lock()
	prev := x.run.State
	prevStart := x.phaseStart
	x.run.State = state
	x.run.Transitions = append(x.run.Transitions, Transition{State: state, At: now})
	x.phaseStart = now
	if state.Terminal() {
		x.run.FinishedAt = &now
	}
	snap := x.run.Snapshot()
	x.mu.Unlock()

	if x.o.metrics != nil && prev != "" {
		x.o.metrics.PhaseDuration.WithLabelValues(string(prev)).Observe(now.Sub(prevStart).Seconds())
	}
	x.span.AddEvent("state", trace.WithAttributes(attribute.String("run.state", string(state))))
	x.o.logger.InfoContext(x.ctx, "run state changed",
		slog.String("run_id", snap.ID.String()),
		slog.String("state", string(state)),
	)

	if x.o.journal != nil {
		event := audit.Event{Time: now, RunID: snap.ID.String(), State: string(state), Trigger: snap.Trigger}
		if snap.Error != nil {
			event.Kind = string(snap.Error.Kind)
			event.Subject = snap.Error.Subject
		}
		// Journal writes outlive cancellation so the failed transition is recorded.
		if err := x.o.journal.Record(context.WithoutCancel(x.ctx), event); err != nil {
			x.o.logger.WarnContext(x.ctx, "audit journal write failed",
				slog.String("run_id", snap.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if x.o.observer != nil {
		x.o.observer(snap)
	}
}

// enterStoring moves the run to storing on the first store call.
func (x *execution) enterStoring() {
	x.storing.Do(func() { x.transition(StateStoring) })
}

func (x *execution) finish(err error) (*Run, error) {
	if err == nil {
		x.transition(StateReady)
		x.record(StateReady, "")
		snap := x.snapshot()
		return &snap, nil
	}

	rerr := newRunError(x.ctx, x.currentState(), "", err)
	x.mu.Lock()
	x.run.Error = rerr
	x.mu.Unlock()

	x.span.RecordError(rerr)
	x.span.SetStatus(codes.Error, string(rerr.Kind))
	x.o.logger.WarnContext(x.ctx, "run failed",
		slog.String("run_id", x.run.ID.String()),
		slog.String("phase", string(rerr.Phase)),
		slog.String("kind", string(rerr.Kind)),
		slog.String("subject", rerr.Subject),
		slog.Bool("transient", rerr.Transient()),
		slog.String("error", rerr.Err.Error()),
	)

	x.transition(StateFailed)
	x.record(StateFailed, rerr.Kind)
	snap := x.snapshot()
	return &snap, rerr
}

func (x *execution) record(state State, kind Kind) {
	if x.o.metrics == nil {
		return
	}
	x.o.metrics.RunsTotal.WithLabelValues(string(state), string(kind)).Inc()
	x.mu.Lock()
	d := time.Since(x.run.StartedAt).Seconds()
	x.mu.Unlock()
	x.o.metrics.RunDuration.WithLabelValues(string(state)).Observe(d)
}

func (x *execution) snapshot() Run {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.run.Snapshot()
}

func (x *execution) currentState() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.run.State
}

func (x *execution) addReference(ref vault.Reference, reused bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.run.References[ref.Name] = ref
	if reused {
		x.run.Reused = append(x.run.Reused, ref.Name)
		slices.Sort(x.run.Reused)
	}
}

func (x *execution) reference(name string) (vault.Reference, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ref, ok := x.run.References[name]
	return ref, ok
}

// --- Init ---

func (x *execution) preflight(req Request) error {
	if x.o.preconditions != nil {
		if err := x.o.preconditions.Check(x.ctx); err != nil {
			return &RunError{
				Phase: StateInit,
				Kind:  classifyPrecondition(x.ctx, err),
				Err:   err,
			}
		}
	}

	seen := make(map[string]bool, len(req.Secrets))
	for _, spec := range req.Secrets {
		if seen[spec.Name] {
			return &RunError{
				Phase:   StateInit,
				Kind:    KindPolicyViolation,
				Subject: spec.Name,
				Err:     fmt.Errorf("%w: secret %q declared more than once", credential.ErrPolicyViolation, spec.Name),
			}
		}
		seen[spec.Name] = true
		if err := spec.Validate(x.o.materializer.MinLength()); err != nil {
			return &RunError{Phase: StateInit, Kind: KindPolicyViolation, Subject: spec.Name, Err: err}
		}
	}

	for i, b := range req.Bindings {
		if b.Identity == "" || b.Resource == "" || b.Capability == "" {
			return &RunError{
				Phase:   StateInit,
				Kind:    KindPolicyViolation,
				Subject: b.String(),
				Err:     fmt.Errorf("%w: binding %d needs identity, resource and capability", credential.ErrPolicyViolation, i),
			}
		}
	}
	return nil
}

func classifyPrecondition(ctx context.Context, err error) Kind {
	if ctx.Err() != nil {
		return KindCancelled
	}
	return KindPreconditionUnmet
}

// --- Materializing / Storing ---

// callCtx bounds one store or binder call.
func (x *execution) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, x.o.config.storeTimeout())
}

func (x *execution) storeSecrets(specs []credential.Spec) error {
	g, gctx := errgroup.WithContext(x.ctx)
	g.SetLimit(x.o.config.concurrency())
	for _, spec := range specs {
		g.Go(func() error { return x.storeSecret(gctx, spec) })
	}
	return g.Wait()
}

func (x *execution) storeSecret(ctx context.Context, spec credential.Spec) error {
	ctx, span := x.o.tracer.Start(ctx, "provision.store_secret",
		trace.WithAttributes(attribute.String("secret.name", spec.Name)))
	defer span.End()

	fail := func(phase State, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return newRunError(x.ctx, phase, spec.Name, err)
	}

	if spec.Source.Generated() {
		x.enterStoring()
		sctx, cancel := x.callCtx(ctx)
		ref, err := x.o.store.Reference(sctx, spec.Name)
		cancel()
		switch {
		case err == nil:
			x.addReference(ref, true)
			if x.o.metrics != nil {
				x.o.metrics.SecretsReused.Inc()
			}
			x.o.logger.DebugContext(ctx, "generated secret already present",
				slog.String("secret", spec.Name),
				slog.String("version", ref.Version),
			)
			return nil
		case !errors.Is(err, vault.ErrNotFound):
			return fail(StateStoring, fmt.Errorf("looking up secret %q: %w", spec.Name, err))
		}
	}

	value, err := x.o.materializer.Materialize(ctx, spec)
	if err != nil {
		return fail(StateMaterializing, err)
	}

	x.enterStoring()
	sctx, cancel := x.callCtx(ctx)
	ref, err := x.o.store.Put(sctx, spec.Name, value)
	cancel()
	value.Wipe()
	if err != nil {
		return fail(StateStoring, fmt.Errorf("storing secret %q: %w", spec.Name, err))
	}

	x.addReference(ref, false)
	if x.o.metrics != nil {
		source := string(credential.SourceRaw)
		if spec.Source.Generated() {
			source = string(credential.SourceGenerate)
		}
		x.o.metrics.SecretsWritten.WithLabelValues(source).Inc()
	}
	x.o.logger.InfoContext(ctx, "secret stored",
		slog.String("secret", spec.Name),
		slog.String("version", ref.Version),
	)
	return nil
}

// --- Binding ---

// checkResource verifies a secret/<name> resource names a secret stored by
// this run or already present in the store.
func (x *execution) checkResource(spec BindingSpec) error {
	name, ok := access.SecretName(spec.Resource)
	if !ok {
		return nil
	}
	if _, ok := x.reference(name); ok {
		return nil
	}
	sctx, cancel := x.callCtx(x.ctx)
	defer cancel()
	if _, err := x.o.store.Reference(sctx, name); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("%w: %q is not a stored secret", access.ErrResourceNotFound, spec.Resource)
		}
		return fmt.Errorf("looking up resource %q: %w", spec.Resource, err)
	}
	return nil
}

func (x *execution) grant(specs []BindingSpec) ([]access.Binding, error) {
	for _, spec := range specs {
		if err := x.checkResource(spec); err != nil {
			return nil, newRunError(x.ctx, StateBinding, spec.String(), err)
		}
	}

	bindings := make([]access.Binding, len(specs))
	g, gctx := errgroup.WithContext(x.ctx)
	for i, spec := range specs {
		g.Go(func() error {
			ctx, span := x.o.tracer.Start(gctx, "provision.grant",
				trace.WithAttributes(
					attribute.String("binding.identity", spec.Identity),
					attribute.String("binding.resource", spec.Resource),
					attribute.String("binding.capability", spec.Capability),
				))
			defer span.End()

			cctx, cancel := x.callCtx(ctx)
			b, err := x.o.binder.Grant(cctx, spec.Identity, spec.Resource, spec.Capability)
			cancel()
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return newRunError(x.ctx, StateBinding, spec.String(), fmt.Errorf("granting %s: %w", spec, err))
			}
			bindings[i] = b
			if x.o.metrics != nil {
				x.o.metrics.BindingsTotal.WithLabelValues("granted").Inc()
			}
			x.o.logger.InfoContext(ctx, "binding granted",
				slog.String("identity", spec.Identity),
				slog.String("resource", spec.Resource),
				slog.String("capability", spec.Capability),
				slog.String("role", b.Role),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	x.mu.Lock()
	x.run.Bindings = slices.Clone(bindings)
	x.mu.Unlock()
	return bindings, nil
}

// --- Confirming ---

func (x *execution) confirm(bindings []access.Binding, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	g, gctx := errgroup.WithContext(x.ctx)
	for i, b := range bindings {
		g.Go(func() error {
			ctx, span := x.o.tracer.Start(gctx, "provision.confirm",
				trace.WithAttributes(
					attribute.String("binding.identity", b.IdentityID),
					attribute.String("binding.resource", b.ResourceID),
					attribute.String("binding.capability", b.Capability),
				))
			defer span.End()

			start := time.Now()
			got, err := access.Confirm(ctx, x.o.binder, b, access.ConfirmOptions{
				MaxWait:      max(time.Until(deadline), time.Nanosecond),
				PollInterval: poll,
				MaxInterval:  x.o.config.maxPollInterval(),
			})

			x.mu.Lock()
			x.run.Bindings[i] = got
			x.mu.Unlock()

			if x.o.metrics != nil {
				x.o.metrics.ConfirmDuration.Observe(time.Since(start).Seconds())
				x.o.metrics.BindingsTotal.WithLabelValues(string(got.State)).Inc()
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				subject := BindingSpec{Identity: b.IdentityID, Resource: b.ResourceID, Capability: b.Capability}.String()
				return newRunError(x.ctx, StateConfirming, subject, err)
			}
			x.o.logger.InfoContext(ctx, "binding active",
				slog.String("identity", b.IdentityID),
				slog.String("resource", b.ResourceID),
				slog.String("capability", b.Capability),
				slog.Duration("waited", time.Since(start)),
			)
			return nil
		})
	}
	return g.Wait()
}
