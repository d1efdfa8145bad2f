package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/audit"
	"github.com/jkaninda/seedvault/internal/config"
	"github.com/jkaninda/seedvault/internal/credential"
	"github.com/jkaninda/seedvault/internal/notification"
	"github.com/jkaninda/seedvault/internal/observability"
	"github.com/jkaninda/seedvault/internal/precondition"
	"github.com/jkaninda/seedvault/internal/provision"
	"github.com/jkaninda/seedvault/internal/secrets"
	"github.com/jkaninda/seedvault/internal/storage"
	pgstore "github.com/jkaninda/seedvault/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/seedvault/internal/storage/sqlite"
	"github.com/jkaninda/seedvault/internal/vault"
	"github.com/jkaninda/seedvault/internal/workload"
)

// SharedComponents holds the subsystems every command needs. Built by
// initShared, extended by initOrchestrator, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability

	DB       *pgstore.Store // nil unless a backend uses SQL storage.
	Store    vault.Store
	KV       *vault.KVStore // non-nil only for store.backend=vault.
	Resolver secrets.Provider

	// Set by initOrchestrator.
	Binder       access.Binder
	Journal      audit.Journal   // nil = journal disabled.
	Events       storage.Journal // nil unless the journal can be read back.
	Orchestrator *provision.Orchestrator

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared opens observability, SQL storage, the secret store and the
// operator secret resolver. It performs no writes besides migrations.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	if cfg.NeedsDatabase() {
		db, err := initDatabase(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.DB = db
		sc.addCleanup(func() {
			if err := db.Close(); err != nil {
				logger.Error("closing database", slog.String("error", err.Error()))
			}
		})
		obs.Health.AddCheck("database", db.Ping)
		logger.Debug("storage initialized", slog.String("driver", db.Driver()))
	}

	store, kv, err := initSecretStore(cfg, sc.DB, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secret store: %w", err)
	}
	sc.KV = kv
	if obs.Metrics != nil || obs.Tracer != nil {
		store = observability.NewInstrumentedStore(store, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Store = store
	if p, ok := store.(vault.Pinger); ok {
		obs.Health.AddCheck("store", p.Ping)
	}
	logger.Debug("secret store initialized", slog.String("backend", store.Name()))

	resolver, err := initResolver(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secret sources: %w", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		resolver = observability.NewInstrumentedResolver(resolver, obs.Metrics, obs.TracerOrNil())
	}
	sc.Resolver = resolver

	return sc, nil
}

// initOrchestrator builds the binder, the journal and the orchestrator.
// With the sql backend it registers the configured identities and resources.
func (sc *SharedComponents) initOrchestrator(ctx context.Context) error {
	cfg, logger, obs := sc.Config, sc.Logger, sc.Obs

	binder, err := sc.initBinder(ctx)
	if err != nil {
		return fmt.Errorf("initializing access binder: %w", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		binder = observability.NewInstrumentedBinder(binder, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Binder = binder
	logger.Debug("access binder initialized", slog.String("backend", binder.Name()))

	if err := sc.initJournal(); err != nil {
		return fmt.Errorf("initializing audit journal: %w", err)
	}
	sc.initNotifications()

	orch := provision.New(
		sc.Store,
		binder,
		credential.NewMaterializer(cfg.MinLength()),
		provision.NewMetrics(obs.Registry()),
		logger,
		provision.Config{
			Concurrency:     cfg.Concurrency(),
			StoreTimeout:    cfg.StoreTimeout(),
			ConfirmTimeout:  cfg.ConfirmTimeout(),
			PollInterval:    cfg.PollInterval(),
			MaxPollInterval: cfg.MaxPollInterval(),
		},
	)
	if ts := obs.TracerOrNil(); ts != nil {
		orch.WithTracer(ts.Tracer())
	}
	if sc.Journal != nil {
		orch.WithJournal(sc.Journal)
	}
	if len(cfg.Preconditions) > 0 {
		set, err := precondition.NewSet(preconditionsFromConfig(cfg), logger)
		if err != nil {
			return err
		}
		orch.WithPreconditions(set)
	}
	sc.Orchestrator = orch
	return nil
}

func initDatabase(cfg *config.Config, logger *slog.Logger) (*pgstore.Store, error) {
	var sealer *storage.Sealer
	if cfg.Store.EncryptionKey != "" {
		s, err := storage.NewSealer(cfg.Store.EncryptionKey)
		if err != nil {
			return nil, err
		}
		sealer = s
	}

	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, sealer, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, sealer, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, sealer *storage.Sealer, logger *slog.Logger) (*pgstore.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, sealer, logger)
}

func initPostgresStore(cfg *config.Config, sealer *storage.Sealer, logger *slog.Logger) (*pgstore.Store, error) {
	pg := cfg.Storage.Postgres
	db, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	store := pgstore.NewStore(db, storage.DriverPostgres, sealer, logger)
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

// initSecretStore returns the configured store, wrapped in a network guard
// when store.network is set. The raw KV store is returned for the vault
// binder.
func initSecretStore(cfg *config.Config, db *pgstore.Store, logger *slog.Logger) (vault.Store, *vault.KVStore, error) {
	var (
		store vault.Store
		kv    *vault.KVStore
	)
	switch backend := cfg.Store.StoreBackend(); backend {
	case "sql":
		store = db.Secrets()
	case "vault":
		vc := cfg.Store.Vault
		if vc == nil {
			vc = &config.VaultStoreConfig{}
		}
		s, err := vault.NewKVStore(vault.KVConfig{
			Address:       vc.Address,
			Token:         vc.Token,
			Namespace:     vc.Namespace,
			Mount:         vc.Mount,
			PathPrefix:    vc.PathPrefix,
			Timeout:       vc.Timeout(),
			TLSSkipVerify: vc.TLSSkipVerify,
		})
		if err != nil {
			return nil, nil, err
		}
		store, kv = s, s
	case "memory":
		logger.Warn("using in-memory secret store: values are lost on exit")
		store = vault.NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("unknown store backend: %q", backend)
	}

	n := cfg.Store.Network
	if n == nil {
		return store, kv, nil
	}
	policy, err := vault.ParseNetworkPolicy(n.BypassTrustedPlatform, n.DefaultAction, n.AllowedOrigins)
	if err != nil {
		return nil, nil, err
	}
	origin := vault.Origin{TrustedPlatform: n.TrustedPlatform}
	if n.Origin != "" {
		addr, err := netip.ParseAddr(n.Origin)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid store.network.origin %q: %w", n.Origin, err)
		}
		origin.Addr = addr
	}
	logger.Debug("store network policy enabled",
		slog.String("default_action", n.DefaultAction),
		slog.Int("allowed_origins", len(n.AllowedOrigins)),
		slog.Int("writers", len(n.Writers)),
	)
	return vault.NewGuard(store, policy, origin, n.Caller, n.Writers), kv, nil
}

func (sc *SharedComponents) initBinder(ctx context.Context) (access.Binder, error) {
	cfg := sc.Config
	var catalog access.Catalog
	if cfg.Access.Catalog != nil {
		catalog = access.Catalog(cfg.Access.Catalog)
	}

	switch backend := cfg.Access.AccessBackend(); backend {
	case "sql":
		reg := sc.DB.Bindings(catalog, cfg.Access.PropagationDelay())
		for _, id := range cfg.Access.Identities {
			if err := reg.RegisterIdentity(ctx, id); err != nil {
				return nil, fmt.Errorf("registering identity %q: %w", id, err)
			}
		}
		for _, id := range cfg.Access.Resources {
			if err := reg.RegisterResource(ctx, id); err != nil {
				return nil, fmt.Errorf("registering resource %q: %w", id, err)
			}
		}
		return reg, nil
	case "vault":
		if sc.KV == nil {
			return nil, fmt.Errorf("access.backend=vault requires store.backend=vault")
		}
		return access.NewVaultBinder(sc.KV, catalog, cfg.Access.PolicyPrefix), nil
	case "memory":
		sc.Logger.Warn("using in-memory access binder: grants are lost on exit")
		return access.NewMemoryBinder(cfg.Access.Identities, cfg.Access.Resources, catalog, cfg.Access.PropagationDelay()).
			WithSecretStore(sc.Store), nil
	default:
		return nil, fmt.Errorf("unknown access backend: %q", backend)
	}
}

func (sc *SharedComponents) initJournal() error {
	cfg := sc.Config
	if cfg.Audit == nil || !cfg.Audit.Enabled {
		return nil
	}
	if cfg.Audit.Driver == "sql" {
		j := sc.DB.Journal()
		sc.Journal, sc.Events = j, j
		return nil
	}

	path := cfg.AuditLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}
	j, err := audit.OpenFile(path, sc.Logger)
	if err != nil {
		return err
	}
	sc.addCleanup(func() {
		if err := j.Close(); err != nil {
			sc.Logger.Error("closing audit journal", slog.String("error", err.Error()))
		}
	})
	sc.Journal = j
	sc.Logger.Debug("audit journal initialized", slog.String("path", path))
	return nil
}

// initNotifications chains a notification dispatcher after the journal.
func (sc *SharedComponents) initNotifications() {
	n := sc.Config.Notifications
	if n == nil {
		return
	}
	senders := make([]notification.Sender, 0, len(n.Webhooks)+len(n.Slack))
	for _, w := range n.Webhooks {
		senders = append(senders, notification.NewWebhookSender(w.Name, w.URL, w.Headers, w.AllowPrivate))
	}
	for _, sl := range n.Slack {
		senders = append(senders, notification.NewSlackSender(sl.Name, sl.Token, sl.ChannelID))
	}
	if len(senders) == 0 {
		return
	}

	d := notification.NewDispatcher(senders, n.On, sc.Logger)
	sc.addCleanup(d.Close)
	if sc.Journal != nil {
		sc.Journal = audit.Tee(sc.Journal, d)
	} else {
		sc.Journal = d
	}
	sc.Logger.Debug("run notifications enabled", slog.Int("channels", len(senders)))
}

// initResolver builds the provider chain for value_from references.
// Without secret_sources only env:// references resolve.
func initResolver(cfg *config.Config) (secrets.Provider, error) {
	if cfg.SecretSources == nil || len(cfg.SecretSources.Providers) == 0 {
		return secrets.NewEnvProvider(), nil
	}
	providers := make([]secrets.Provider, 0, len(cfg.SecretSources.Providers))
	for _, pc := range cfg.SecretSources.Providers {
		p, err := secrets.NewProvider(pc.Type, pc.Config)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return secrets.NewCompositeProvider(providers...), nil
}

// buildRequest turns the declared secrets and bindings into a run request,
// resolving value_from references through resolver.
func buildRequest(ctx context.Context, cfg *config.Config, resolver secrets.Provider) (provision.Request, error) {
	specs := make([]credential.Spec, 0, len(cfg.Secrets))
	for _, s := range cfg.Secrets {
		var policy *credential.Policy
		if s.Generate != nil {
			policy = &credential.Policy{
				Length:         s.Generate.Length,
				SpecialChars:   s.Generate.SpecialChars,
				RequireSpecial: s.Generate.RequireSpecial,
			}
		}

		var source credential.Source
		switch {
		case s.ValueFrom != "":
			secret, err := resolver.Resolve(ctx, s.ValueFrom)
			if err != nil {
				return provision.Request{}, resolveFailure(s.Name, err)
			}
			source = credential.Raw(secret.Value, policy)
		case s.Value == "" && policy != nil:
			source = credential.Generate(*policy)
		default:
			source = credential.Raw(s.Value, policy)
		}
		specs = append(specs, credential.Spec{Name: s.Name, Source: source})
	}

	bindings := make([]provision.BindingSpec, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		bindings = append(bindings, provision.BindingSpec{
			Identity:   b.Identity,
			Resource:   b.Resource,
			Capability: b.Capability,
		})
	}

	return provision.Request{
		Secrets:        specs,
		Bindings:       bindings,
		ConfirmTimeout: cfg.ConfirmTimeout(),
		PollInterval:   cfg.PollInterval(),
	}, nil
}

// resolveFailure classifies a value_from lookup error so an unreachable
// source is reported as a transient run failure.
func resolveFailure(name string, err error) error {
	err = fmt.Errorf("resolving value_from of secret %q: %w", name, err)
	var kind provision.Kind
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, vault.ErrNetworkUnreachable), errors.Is(err, context.DeadlineExceeded):
		kind = provision.KindNetworkUnreachable
	case errors.Is(err, secrets.ErrSecretNotFound):
		kind = provision.KindResourceNotFound
	case errors.Is(err, vault.ErrAccessDenied):
		kind = provision.KindAccessDenied
	default:
		return err
	}
	return &provision.RunError{Phase: provision.StateInit, Kind: kind, Subject: name, Err: err}
}

func preconditionsFromConfig(cfg *config.Config) []precondition.Precondition {
	out := make([]precondition.Precondition, 0, len(cfg.Preconditions))
	for _, p := range cfg.Preconditions {
		out = append(out, precondition.Precondition{
			Name:         p.Name,
			Satisfied:    p.Satisfied,
			CheckURL:     p.CheckURL,
			ExpectStatus: p.ExpectStatus,
		})
	}
	return out
}

func workloadsFromConfig(cfg *config.Config) []workload.Spec {
	out := make([]workload.Spec, 0, len(cfg.Workloads))
	for _, w := range cfg.Workloads {
		out = append(out, workload.Spec{Name: w.Name, Env: w.Env})
	}
	return out
}
