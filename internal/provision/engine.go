package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/seedvault/internal/vault"
)

// Engine errors.
var (
	ErrRunInProgress = errors.New("a provisioning run is already in progress")
	ErrRunNotFound   = errors.New("run not found")
	ErrRunFinished   = errors.New("run already finished")
	ErrShuttingDown  = errors.New("engine is shutting down")
)

// RequestSource builds the request for a new run, typically by reloading
// configuration and resolving operator secret references.
type RequestSource func(ctx context.Context) (Request, error)

// EngineConfig holds engine limits.
type EngineConfig struct {
	HistorySize int // Runs kept in memory. Default: 50
}

// Engine runs provisioning in the background for long-running mode.
// At most one run executes at a time.
type Engine struct {
	orch    *Orchestrator
	source  RequestSource
	history *History
	logger  *slog.Logger

	mu      sync.Mutex
	active  uuid.UUID
	cancels map[uuid.UUID]context.CancelFunc
	done    map[uuid.UUID]chan struct{}
	latest  *Run // Most recent ready run.
	closed  bool
	wg      sync.WaitGroup
}

// NewEngine creates an engine. It installs itself as the orchestrator's
// observer to track runs while they progress.
func NewEngine(orch *Orchestrator, source RequestSource, logger *slog.Logger, config EngineConfig) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		orch:    orch,
		source:  source,
		history: NewHistory(config.HistorySize),
		logger:  logger,
		cancels: make(map[uuid.UUID]context.CancelFunc),
		done:    make(map[uuid.UUID]chan struct{}),
	}
	orch.WithObserver(e.history.Put)
	return e
}

// Submit starts a run in the background and returns its initial record.
// The run is detached from ctx cancellation; use Cancel to stop it. A request
// that fails to build with a *RunError is recorded as a failed run and
// returned without error.
func (e *Engine) Submit(ctx context.Context, trigger string) (*Run, error) {
	e.mu.Lock()
	busy, closed := e.active != uuid.Nil, e.closed
	e.mu.Unlock()
	switch {
	case closed:
		return nil, ErrShuttingDown
	case busy:
		return nil, ErrRunInProgress
	}

	req, err := e.source(ctx)
	if err != nil {
		var re *RunError
		if !errors.As(err, &re) {
			return nil, fmt.Errorf("building run request: %w", err)
		}
		final, _ := e.orch.Abort(ctx, Request{Trigger: trigger}, re)
		e.history.Put(*final)
		e.logger.WarnContext(ctx, "run request could not be built",
			slog.String("run_id", final.ID.String()),
			slog.String("trigger", trigger),
			slog.String("kind", string(re.Kind)),
		)
		return final, nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if e.active != uuid.Nil {
		e.mu.Unlock()
		return nil, ErrRunInProgress
	}
	id := uuid.New()
	req.RunID = id
	req.Trigger = trigger

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	run := Run{ID: id, Trigger: trigger, State: StateInit, StartedAt: time.Now().UTC()}
	e.history.Put(run)
	e.active = id
	e.cancels[id] = cancel
	e.done[id] = done
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "run submitted",
		slog.String("run_id", id.String()),
		slog.String("trigger", trigger),
		slog.Int("secrets", len(req.Secrets)),
		slog.Int("bindings", len(req.Bindings)),
	)

	go func() {
		defer e.wg.Done()
		defer cancel()

		final, _ := e.orch.Execute(runCtx, req)
		e.history.Put(*final)

		e.mu.Lock()
		e.active = uuid.Nil
		delete(e.cancels, id)
		delete(e.done, id)
		if final.State == StateReady {
			snap := final.Snapshot()
			e.latest = &snap
		}
		e.mu.Unlock()
		close(done)
	}()

	return &run, nil
}

// Status returns the current record of run id.
func (e *Engine) Status(id uuid.UUID) (Run, error) {
	r, ok := e.history.Get(id)
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

// List returns known runs, newest first.
func (e *Engine) List() []Run {
	return e.history.List()
}

// Cancel stops an active run. The run ends in failed with kind cancelled.
func (e *Engine) Cancel(id uuid.UUID) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
		e.logger.Info("run cancellation requested", slog.String("run_id", id.String()))
		return nil
	}
	if _, known := e.history.Get(id); known {
		return fmt.Errorf("%w: %s", ErrRunFinished, id)
	}
	return fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// Wait blocks until run id finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, id uuid.UUID) (Run, error) {
	e.mu.Lock()
	done, active := e.done[id]
	e.mu.Unlock()
	if active {
		select {
		case <-done:
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}
	return e.Status(id)
}

// Latest returns the references published by the most recent ready run.
func (e *Engine) Latest() (map[string]vault.Reference, uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return nil, uuid.Nil, false
	}
	return maps.Clone(e.latest.References), e.latest.ID, true
}

// Active returns the ID of the running run, if any.
func (e *Engine) Active() (uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, e.active != uuid.Nil
}

// Shutdown rejects further submissions, cancels the active run and waits
// for it to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
