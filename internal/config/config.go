// Package config handles loading and validating seedvault configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for seedvault.
type Config struct {
	DataDir         string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`                   // Default: ~/.seedvault/data. Override: SEEDVAULT_DATA_DIR env var.
	MinSecretLength int    `json:"min_secret_length,omitempty" yaml:"min_secret_length,omitempty"` // Store minimum. Default: 8

	Secrets       []SecretConfig       `json:"secrets" yaml:"secrets" validate:"dive"`
	Bindings      []BindingConfig      `json:"bindings,omitempty" yaml:"bindings,omitempty" validate:"dive"`
	Workloads     []WorkloadConfig     `json:"workloads,omitempty" yaml:"workloads,omitempty" validate:"dive"`
	Preconditions []PreconditionConfig `json:"preconditions,omitempty" yaml:"preconditions,omitempty" validate:"dive"`

	ConcurrencyLimit       int `json:"concurrency,omitempty" yaml:"concurrency,omitempty" validate:"gte=0"`
	StoreTimeoutSeconds    int `json:"store_timeout_seconds,omitempty" yaml:"store_timeout_seconds,omitempty" validate:"gte=0"`
	ConfirmTimeoutSeconds  int `json:"confirm_timeout_seconds,omitempty" yaml:"confirm_timeout_seconds,omitempty" validate:"gte=0"`
	PollIntervalSeconds    int `json:"poll_interval_seconds,omitempty" yaml:"poll_interval_seconds,omitempty" validate:"gte=0"`
	MaxPollIntervalSeconds int `json:"max_poll_interval_seconds,omitempty" yaml:"max_poll_interval_seconds,omitempty" validate:"gte=0"`

	Store         StoreConfig          `json:"store" yaml:"store"`
	Access        AccessConfig         `json:"access" yaml:"access"`
	SecretSources *SecretSourcesConfig `json:"secret_sources,omitempty" yaml:"secret_sources,omitempty"` // nil = env-only value_from
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`               // nil = SQLite under data_dir
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                   // nil = no journal
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`   // nil = observability disabled
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`                 // Serve mode only.
	Schedule      *ScheduleConfig      `json:"schedule,omitempty" yaml:"schedule,omitempty"`             // nil = no scheduled reconcile
	Notifications *NotificationsConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"`   // nil = no run notifications
}

// SecretConfig declares one secret. Exactly one of Value and ValueFrom may be
// set; when neither is, the value is generated with Generate.
type SecretConfig struct {
	Name      string          `json:"name" yaml:"name" validate:"required"`
	Value     string          `json:"value,omitempty" yaml:"value,omitempty"`
	ValueFrom string          `json:"value_from,omitempty" yaml:"value_from,omitempty"` // env://VAR, file:///path, vault://mount/data/path#field
	Generate  *GenerateConfig `json:"generate,omitempty" yaml:"generate,omitempty"`
}

// GenerateConfig is a generation policy.
type GenerateConfig struct {
	Length         int    `json:"length" yaml:"length"`
	SpecialChars   string `json:"special_chars,omitempty" yaml:"special_chars,omitempty"`
	RequireSpecial bool   `json:"require_special" yaml:"require_special"`
}

// BindingConfig grants a capability on a resource to an identity.
type BindingConfig struct {
	Identity   string `json:"identity" yaml:"identity" validate:"required"`
	Resource   string `json:"resource" yaml:"resource" validate:"required"`
	Capability string `json:"capability" yaml:"capability" validate:"required"`
}

// WorkloadConfig maps a workload's environment variables to secret names.
type WorkloadConfig struct {
	Name string            `json:"name" yaml:"name" validate:"required"`
	Env  map[string]string `json:"env" yaml:"env" validate:"required,min=1"`
}

// PreconditionConfig declares an external dependency that must be in place
// before a run, such as a manually deployed model.
type PreconditionConfig struct {
	Name         string `json:"name" yaml:"name" validate:"required"`
	Satisfied    bool   `json:"satisfied,omitempty" yaml:"satisfied,omitempty"`
	CheckURL     string `json:"check_url,omitempty" yaml:"check_url,omitempty" validate:"omitempty,url"`
	ExpectStatus int    `json:"expect_status,omitempty" yaml:"expect_status,omitempty" validate:"omitempty,min=100,max=599"`
}

// StoreConfig selects the secret store backend.
type StoreConfig struct {
	Backend       string            `json:"backend" yaml:"backend" validate:"omitempty,oneof=sql vault memory"` // Default: "sql"
	EncryptionKey string            `json:"encryption_key,omitempty" yaml:"encryption_key,omitempty"`          // sql backend. Override: SEEDVAULT_ENCRYPTION_KEY env var.
	Vault         *VaultStoreConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
	Network       *NetworkConfig    `json:"network,omitempty" yaml:"network,omitempty"` // nil = unrestricted
}

// StoreBackend returns the configured backend, defaulting to "sql".
func (s StoreConfig) StoreBackend() string {
	if s.Backend != "" {
		return s.Backend
	}
	return "sql"
}

// VaultStoreConfig configures the HashiCorp Vault KV v2 backend.
// Address and Token are also read from VAULT_ADDR and VAULT_TOKEN.
type VaultStoreConfig struct {
	Address        string `json:"address,omitempty" yaml:"address,omitempty"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"` // Override: SEEDVAULT_VAULT_TOKEN env var.
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Mount          string `json:"mount,omitempty" yaml:"mount,omitempty"`             // Default: "secret"
	PathPrefix     string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty"` // e.g. "apps/n8n"
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"gte=0"`
	TLSSkipVerify  bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// Timeout returns the per-request timeout. Default: 5s.
func (v *VaultStoreConfig) Timeout() time.Duration {
	if v != nil && v.TimeoutSeconds > 0 {
		return time.Duration(v.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// NetworkConfig restricts which callers reach the store and who may write.
type NetworkConfig struct {
	BypassTrustedPlatform bool     `json:"bypass_trusted_platform" yaml:"bypass_trusted_platform"`
	DefaultAction         string   `json:"default_action" yaml:"default_action" validate:"omitempty,oneof=allow deny"` // Default: "allow"
	AllowedOrigins        []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`                 // CIDRs or addresses.
	Origin                string   `json:"origin,omitempty" yaml:"origin,omitempty" validate:"omitempty,ip"`           // This process's address as seen by the store.
	TrustedPlatform       bool     `json:"trusted_platform,omitempty" yaml:"trusted_platform,omitempty"`               // This process runs as a trusted platform service.
	Caller                string   `json:"caller,omitempty" yaml:"caller,omitempty"`                                   // Identity used for writes.
	Writers               []string `json:"writers,omitempty" yaml:"writers,omitempty"`                                 // Empty = every caller may write.
}

// AccessConfig selects the access binder backend.
type AccessConfig struct {
	Backend                 string            `json:"backend" yaml:"backend" validate:"omitempty,oneof=sql vault memory"` // Default: "sql"
	Catalog                 map[string]string `json:"catalog,omitempty" yaml:"catalog,omitempty"`                         // capability → role. nil = built-in catalog.
	Identities              []string          `json:"identities,omitempty" yaml:"identities,omitempty"`                   // Registered for sql and memory backends.
	Resources               []string          `json:"resources,omitempty" yaml:"resources,omitempty"`                     // Non-secret resources, e.g. "store".
	PropagationDelaySeconds int               `json:"propagation_delay_seconds,omitempty" yaml:"propagation_delay_seconds,omitempty" validate:"gte=0"`
	PolicyPrefix            string            `json:"policy_prefix,omitempty" yaml:"policy_prefix,omitempty"` // vault backend. Default: "seedvault"
}

// AccessBackend returns the configured backend, defaulting to "sql".
func (a AccessConfig) AccessBackend() string {
	if a.Backend != "" {
		return a.Backend
	}
	return "sql"
}

// PropagationDelay returns how long a grant takes to become effective.
func (a AccessConfig) PropagationDelay() time.Duration {
	return time.Duration(a.PropagationDelaySeconds) * time.Second
}

// SecretSourcesConfig configures the provider chain for value_from references.
type SecretSourcesConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers" validate:"dive"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type" validate:"required,oneof=env file vault"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// StorageConfig configures the SQL backend shared by the sql store and binder.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres"` // Default: "sqlite"
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/seedvault.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SEEDVAULT_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig configures the transition journal.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl
	Driver  string `json:"driver,omitempty" yaml:"driver,omitempty" validate:"omitempty,oneof=file sql"`
}

// ObservabilityConfig configures metrics, tracing, health checks and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`                                       // OTLP endpoint, e.g. "localhost:4317"
	Protocol       string            `json:"protocol" yaml:"protocol" validate:"omitempty,oneof=grpc http"` // Default: "grpc"
	ServiceName    string            `json:"service_name" yaml:"service_name"`                               // Default: "seedvault"
	ServiceVersion string            `json:"service_version,omitempty" yaml:"service_version,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Sent with every export, e.g. an auth token.
	SampleRate     float64           `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"` // 0.0–1.0. Default: 1.0
	Insecure       bool              `json:"insecure" yaml:"insecure"`                              // Skip TLS for dev
}

// AnomalyConfig configures error-rate alerts on backend operations.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// ServerConfig configures the HTTP API in serve mode.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key → client ID. Override: SEEDVAULT_API_KEY env var.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	HistorySize         int               `json:"history_size,omitempty" yaml:"history_size,omitempty"` // Default: 50
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-client rate limiting of run submissions.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ScheduleConfig configures periodic reconcile runs in serve mode.
type ScheduleConfig struct {
	Cron       string `json:"cron" yaml:"cron" validate:"required"` // 5-field cron or "@every 1h".
	RunOnStart bool   `json:"run_on_start" yaml:"run_on_start"`
}

// NotificationsConfig sends run outcomes to operator channels.
type NotificationsConfig struct {
	On       []string        `json:"on,omitempty" yaml:"on,omitempty" validate:"dive,oneof=ready failed"` // Default: [failed]
	Webhooks []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty" validate:"dive"`
	Slack    []SlackConfig   `json:"slack,omitempty" yaml:"slack,omitempty" validate:"dive"`
}

// WebhookConfig is a JSON webhook channel.
type WebhookConfig struct {
	Name         string            `json:"name" yaml:"name" validate:"required"`
	URL          string            `json:"url" yaml:"url" validate:"required,url"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	AllowPrivate bool              `json:"allow_private,omitempty" yaml:"allow_private,omitempty"` // Permit private and loopback targets.
}

// SlackConfig is a Slack channel reached with a bot token.
type SlackConfig struct {
	Name      string `json:"name" yaml:"name" validate:"required"`
	Token     string `json:"token,omitempty" yaml:"token,omitempty"` // Override: SEEDVAULT_SLACK_TOKEN env var.
	ChannelID string `json:"channel_id" yaml:"channel_id" validate:"required"`
}

// DefaultConfigPath returns the default config file path (~/.seedvault/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/seedvault.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".seedvault", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Credentials can be set in the config file or overridden by environment
// variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes config data in the format named by ext, applies environment
// overrides and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".seedvault", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("SEEDVAULT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SEEDVAULT_ENCRYPTION_KEY"); v != "" {
		c.Store.EncryptionKey = v
	}
	if v := os.Getenv("SEEDVAULT_VAULT_TOKEN"); v != "" {
		if c.Store.Vault == nil {
			c.Store.Vault = &VaultStoreConfig{}
		}
		c.Store.Vault.Token = v
	}
	if v := os.Getenv("SEEDVAULT_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("SEEDVAULT_SLACK_TOKEN"); v != "" && c.Notifications != nil {
		for i := range c.Notifications.Slack {
			c.Notifications.Slack[i].Token = v
		}
	}
	if v := os.Getenv("SEEDVAULT_API_KEY"); v != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		if c.Server.APIKeys == nil {
			c.Server.APIKeys = make(map[string]string)
		}
		c.Server.APIKeys[v] = "default"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".seedvault", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "seedvault.db")
}

// AuditLogPath returns the journal path.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil && c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// NeedsDatabase reports whether any backend uses SQL storage.
func (c *Config) NeedsDatabase() bool {
	return c.Store.StoreBackend() == "sql" ||
		c.Access.AccessBackend() == "sql" ||
		(c.Audit != nil && c.Audit.Enabled && c.Audit.Driver == "sql")
}

// MinLength returns the store's minimum secret length. Default: 8.
func (c *Config) MinLength() int {
	if c.MinSecretLength > 0 {
		return c.MinSecretLength
	}
	return 8
}

// Concurrency returns the parallel secret limit. Default: 4.
func (c *Config) Concurrency() int {
	if c.ConcurrencyLimit > 0 {
		return c.ConcurrencyLimit
	}
	return 4
}

// StoreTimeout returns the per store call timeout. Default: 15s.
func (c *Config) StoreTimeout() time.Duration {
	if c.StoreTimeoutSeconds > 0 {
		return time.Duration(c.StoreTimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// ConfirmTimeout returns the shared propagation deadline. Default: 60s.
func (c *Config) ConfirmTimeout() time.Duration {
	if c.ConfirmTimeoutSeconds > 0 {
		return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// PollInterval returns the first confirmation poll interval. Default: 2s.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds > 0 {
		return time.Duration(c.PollIntervalSeconds) * time.Second
	}
	return 2 * time.Second
}

// MaxPollInterval returns the poll backoff ceiling. Default: 15s.
func (c *Config) MaxPollInterval() time.Duration {
	if c.MaxPollIntervalSeconds > 0 {
		return time.Duration(c.MaxPollIntervalSeconds) * time.Second
	}
	return 15 * time.Second
}

var validate = validator.New()

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	names := make(map[string]bool, len(c.Secrets))
	for i, s := range c.Secrets {
		if names[s.Name] {
			return fmt.Errorf("secrets[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if s.Value != "" && s.ValueFrom != "" {
			return fmt.Errorf("secrets[%d] (%q): value and value_from are mutually exclusive", i, s.Name)
		}
		if s.ValueFrom != "" && !strings.Contains(s.ValueFrom, "://") {
			return fmt.Errorf("secrets[%d] (%q): value_from must be a reference like env://VAR", i, s.Name)
		}
	}

	switch c.Store.StoreBackend() {
	case "sql":
		if c.Store.EncryptionKey == "" {
			return fmt.Errorf("store.encryption_key is required for the sql backend (set SEEDVAULT_ENCRYPTION_KEY)")
		}
	case "vault":
		if c.Store.Vault == nil && os.Getenv("VAULT_ADDR") == "" {
			return fmt.Errorf("store.vault is required for the vault backend (or set VAULT_ADDR)")
		}
	}
	if c.Access.AccessBackend() == "vault" && c.Store.StoreBackend() != "vault" {
		return fmt.Errorf("access.backend=vault requires store.backend=vault")
	}

	if c.Storage != nil && c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set SEEDVAULT_DB_DSN)")
		}
	}

	if n := c.Notifications; n != nil {
		for i, sl := range n.Slack {
			if sl.Token == "" {
				return fmt.Errorf("notifications.slack[%d] (%q): token is required (set SEEDVAULT_SLACK_TOKEN)", i, sl.Name)
			}
		}
	}

	for i, w := range c.Workloads {
		for env, secret := range w.Env {
			if !names[secret] {
				return fmt.Errorf("workloads[%d] (%q): env %s references undeclared secret %q", i, w.Name, env, secret)
			}
		}
	}
	return nil
}
