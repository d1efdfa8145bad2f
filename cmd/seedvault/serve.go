package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/seedvault/internal/config"
	"github.com/jkaninda/seedvault/internal/gateway/httpapi"
	"github.com/jkaninda/seedvault/internal/provision"
	"github.com/jkaninda/seedvault/internal/ratelimit"
	"github.com/jkaninda/seedvault/internal/scheduler"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run scheduled reconciles",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
}

// runServe starts the HTTP API and, when configured, the reconcile
// scheduler. Each run reloads secrets and bindings from the config file;
// backend settings are fixed at startup.
func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd.ErrOrStderr())
	path := resolvedConfigPath()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	srvCfg := cfg.Server
	if srvCfg == nil {
		srvCfg = &config.ServerConfig{}
	}
	if serveListenAddr != "" {
		srvCfg.ListenAddr = serveListenAddr
	}

	logger.Info("starting in serve mode", slog.String("config", path))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sc.initOrchestrator(ctx); err != nil {
		return err
	}

	source := func(ctx context.Context) (provision.Request, error) {
		fresh, err := config.Load(path)
		if err != nil {
			return provision.Request{}, fmt.Errorf("reloading config: %w", err)
		}
		return buildRequest(ctx, fresh, sc.Resolver)
	}
	engine := provision.NewEngine(sc.Orchestrator, source, logger, provision.EngineConfig{
		HistorySize: srvCfg.HistorySize,
	})

	if len(srvCfg.APIKeys) == 0 {
		logger.Warn("no API keys configured: every /v1 request will be rejected")
	}
	gwCfg := httpapi.Config{
		ListenAddr:     srvCfg.Addr(),
		EnableDocs:     srvCfg.EnableDocs,
		APIKeys:        srvCfg.APIKeys,
		MaxRequestSize: srvCfg.MaxRequestSizeBytes,
		HealthChecker:  sc.Obs.Health,
	}
	if sc.Obs.Metrics != nil {
		gwCfg.Metrics = sc.Obs.Metrics
		gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		if cfg.Observability.Metrics.Path != "" {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: srvCfg.RateLimit.RequestsPerMinute,
		BurstSize:         srvCfg.RateLimit.BurstSize,
	})
	gw := httpapi.NewGateway(gwCfg, engine, limiter, logger)
	if sc.Events != nil {
		gw.WithJournal(sc.Events)
	}
	if len(cfg.Workloads) > 0 {
		gw.WithWorkloads(workloadsFromConfig(cfg))
	}

	stopScheduler := func() {}
	if cfg.Schedule != nil {
		sched, err := scheduler.New(engine, scheduler.NewMetrics(sc.Obs.Registry()), logger, scheduler.Config{
			Cron:       cfg.Schedule.Cron,
			RunOnStart: cfg.Schedule.RunOnStart,
		})
		if err != nil {
			return err
		}
		stopScheduler = sched.Start(ctx)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
		}
	}

	stopScheduler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping provisioning engine", slog.String("error", err.Error()))
	}
	return nil
}
