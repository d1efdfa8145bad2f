// Package httpapi exposes the provisioning engine over HTTP in serve mode.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting of run submissions via token bucket
//   - Responses carry secret references only, never values
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/seedvault/internal/audit"
	"github.com/jkaninda/seedvault/internal/gateway"
	"github.com/jkaninda/seedvault/internal/observability"
	"github.com/jkaninda/seedvault/internal/provision"
	"github.com/jkaninda/seedvault/internal/ratelimit"
	"github.com/jkaninda/seedvault/internal/vault"
	"github.com/jkaninda/seedvault/internal/workload"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> client name.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Engine is the slice of *provision.Engine the API drives.
type Engine interface {
	Submit(ctx context.Context, trigger string) (*provision.Run, error)
	Status(id uuid.UUID) (provision.Run, error)
	List() []provision.Run
	Cancel(id uuid.UUID) error
	Latest() (map[string]vault.Reference, uuid.UUID, bool)
	Active() (uuid.UUID, bool)
}

// EventQuerier reads back the run journal.
type EventQuerier interface {
	Query(ctx context.Context, run uuid.UUID, limit int) ([]audit.Event, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	engine    Engine
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server
	journal   EventQuerier    // nil = events endpoint disabled.
	workloads []workload.Spec // empty = workloads endpoint disabled.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, engine Engine, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		engine:  engine,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithJournal enables GET /v1/runs/{id}/events.
func (g *Gateway) WithJournal(j EventQuerier) *Gateway {
	g.journal = j
	return g
}

// WithWorkloads enables GET /v1/workloads, rendered from the latest ready run.
func (g *Gateway) WithWorkloads(specs []workload.Spec) *Gateway {
	g.workloads = specs
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "seedvault",
			Version: "v1",
		},
	)
	return g
}

func (g *Gateway) routes() {
	limit := g.config.MaxRequestSize
	if limit <= 0 {
		limit = defaultMaxRequestSize
	}
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	})

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/runs", g.handleRunSubmit,
		okapi.DocSummary("Start a provisioning run"),
		okapi.DocTags("Runs"),
		okapi.DocResponse(http.StatusAccepted, provision.Run{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ConflictBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, RateLimitedBody{}),
	)
	g.group.Get("/runs", g.handleRunList,
		okapi.DocSummary("List recent runs, newest first"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]provision.Run{}),
	)
	g.group.Get("/runs/{id}", g.handleRunStatus,
		okapi.DocSummary("Get run status"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(provision.Run{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/runs/{id}/cancel", g.handleRunCancel,
		okapi.DocSummary("Cancel the active run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	if g.journal != nil {
		g.group.Get("/runs/{id}/events", g.handleRunEvents,
			okapi.DocSummary("List journal events of a run"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID (UUID)"),
			okapi.DocResponse([]audit.Event{}),
		)
	}
	g.group.Get("/references", g.handleReferences,
		okapi.DocSummary("References published by the latest ready run"),
		okapi.DocTags("References"),
		okapi.DocResponse(ReferencesResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	if len(g.workloads) > 0 {
		g.group.Get("/workloads", g.handleWorkloads,
			okapi.DocSummary("Workload manifests rendered from the latest references"),
			okapi.DocTags("References"),
			okapi.DocResponse([]workload.Manifest{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	if g.limiter != nil {
		go g.pruneLimiter(ctx)
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.limiter.Prune(); n > 0 {
				g.logger.Debug("rate limiter pruned idle clients", slog.Int("count", n))
			}
		}
	}
}

// --- Run handlers ---

// ConflictBody is returned with 409 when a run is already in progress.
type ConflictBody struct {
	Error     string `json:"error"`
	ActiveRun string `json:"active_run,omitempty"`
}

// RateLimitedBody is returned with 429.
type RateLimitedBody struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func (g *Gateway) handleRunSubmit(c *okapi.Context) error {
	client := c.GetString("client")

	if g.limiter != nil {
		if wait, err := g.limiter.Allow(client); err != nil {
			return c.JSON(http.StatusTooManyRequests, RateLimitedBody{
				Error:             "rate limit exceeded",
				RetryAfterSeconds: int(math.Ceil(wait.Seconds())),
			})
		}
	}

	run, err := g.engine.Submit(c.Context(), "api:"+client)
	if errors.Is(err, provision.ErrRunInProgress) {
		body := ConflictBody{Error: "a provisioning run is already in progress"}
		if id, ok := g.engine.Active(); ok {
			body.ActiveRun = id.String()
		}
		return c.JSON(http.StatusConflict, body)
	}
	if errors.Is(err, provision.ErrShuttingDown) {
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": "server is shutting down"})
	}
	if err != nil {
		g.logger.Error("run submission failed",
			slog.String("client", client),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("run submission failed")
	}

	g.logger.Info("run submitted via api",
		slog.String("client", client),
		slog.String("run_id", run.ID.String()),
	)
	return c.JSON(http.StatusAccepted, run)
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	return c.OK(g.engine.List())
}

func (g *Gateway) handleRunStatus(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	run, err := g.engine.Status(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
	}
	return c.OK(run)
}

func (g *Gateway) handleRunCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	switch err := g.engine.Cancel(id); {
	case errors.Is(err, provision.ErrRunNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
	case errors.Is(err, provision.ErrRunFinished):
		return c.JSON(http.StatusConflict, okapi.M{"error": "run already finished"})
	case err != nil:
		return c.AbortInternalServerError("cancellation failed")
	}
	g.logger.Info("run cancellation requested via api",
		slog.String("client", c.GetString("client")),
		slog.String("run_id", id.String()),
	)
	return c.OK(okapi.M{"status": "cancelling"})
}

func (g *Gateway) handleRunEvents(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	events, err := g.journal.Query(c.Context(), id, 0)
	if err != nil {
		g.logger.Error("journal query failed",
			slog.String("run_id", id.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("journal query failed")
	}
	return c.OK(events)
}

// --- Reference handlers ---

// ReferencesResponse lists the references of the latest ready run.
type ReferencesResponse struct {
	RunID      string                     `json:"run_id"`
	References map[string]vault.Reference `json:"references"`
}

func (g *Gateway) handleReferences(c *okapi.Context) error {
	refs, runID, ok := g.engine.Latest()
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no run has reached ready"})
	}
	return c.OK(ReferencesResponse{RunID: runID.String(), References: refs})
}

func (g *Gateway) handleWorkloads(c *okapi.Context) error {
	refs, _, ok := g.engine.Latest()
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no run has reached ready"})
	}
	manifests, err := workload.Render(refs, g.workloads)
	if err != nil {
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	}
	return c.OK(manifests)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key and stores the client name.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")
		client := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				client = name
			}
		}
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// Compile-time check.
var _ gateway.Gateway = (*Gateway)(nil)
