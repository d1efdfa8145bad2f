// Package scheduler re-runs provisioning on a cron schedule in serve mode.
// Each tick submits a run to the engine exactly as the HTTP API does, so a
// scheduled run goes through the same preflight, journal and metrics.
//
// A tick that finds a run already in progress is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/seedvault/internal/provision"
)

// Trigger is the trigger label recorded on scheduled runs.
const Trigger = "schedule"

// Submitter starts a provisioning run. Implemented by *provision.Engine.
type Submitter interface {
	Submit(ctx context.Context, trigger string) (*provision.Run, error)
}

// Config configures the scheduler.
type Config struct {
	Cron       string // Five-field cron expression.
	RunOnStart bool   // Submit one run immediately on Start.
}

// Scheduler submits runs on a cron schedule.
type Scheduler struct {
	submitter Submitter
	metrics   *Metrics
	logger    *slog.Logger
	config    Config
	schedule  cron.Schedule
	cron      *cron.Cron
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Scheduler. It fails if the cron expression does not parse.
func New(submitter Submitter, metrics *Metrics, logger *slog.Logger, cfg Config) (*Scheduler, error) {
	sched, err := parser.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
	}
	return &Scheduler{
		submitter: submitter,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		schedule:  sched,
		cron:      cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
	}, nil
}

// Start begins firing on schedule. Returns a stop function that waits for an
// in-flight submission to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.fire(ctx) }))
	s.cron.Start()

	s.logger.InfoContext(ctx, "provisioning scheduler started",
		slog.String("cron", s.config.Cron),
		slog.Time("next_run", s.Next()),
		slog.Bool("run_on_start", s.config.RunOnStart),
	)

	if s.config.RunOnStart {
		go s.fire(ctx)
	}

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("provisioning scheduler stopped")
	}
}

// Next returns the next scheduled fire time after now.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(time.Now().UTC())
}

// fire submits a single scheduled run.
func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()

	run, err := s.submitter.Submit(ctx, Trigger)
	switch {
	case errors.Is(err, provision.ErrRunInProgress):
		s.logger.InfoContext(ctx, "scheduled run skipped: run in progress")
		s.metrics.observe(ResultSkipped, start)
	case err != nil:
		s.logger.ErrorContext(ctx, "scheduled run submission failed",
			slog.String("error", err.Error()),
		)
		s.metrics.observe(ResultError, start)
	default:
		s.logger.InfoContext(ctx, "scheduled run submitted",
			slog.String("run_id", run.ID.String()),
		)
		s.metrics.observe(ResultSubmitted, start)
	}
	if s.metrics != nil {
		s.metrics.NextRun.Set(float64(s.Next().Unix()))
	}
}

// ComputeNextRunFrom computes the next run time from a given reference time.
// Used by config validation and the render command.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
