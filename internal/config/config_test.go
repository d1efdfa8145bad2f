package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
data_dir: /tmp/seedvault-test
secrets:
  - name: n8n-db-password
    value_from: env://N8N_DB_PASSWORD
    generate:
      length: 24
      require_special: true
  - name: n8n-encryption-key
    generate:
      length: 32
bindings:
  - identity: n8n-app
    resource: secret/n8n-db-password
    capability: read
workloads:
  - name: n8n
    env:
      DB_POSTGRESDB_PASSWORD: n8n-db-password
      N8N_ENCRYPTION_KEY: n8n-encryption-key
confirm_timeout_seconds: 30
store:
  backend: memory
access:
  backend: memory
  identities: [n8n-app]
  propagation_delay_seconds: 2
`

// clearEnv keeps the host environment out of the override checks.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SEEDVAULT_DATA_DIR", "SEEDVAULT_ENCRYPTION_KEY", "SEEDVAULT_VAULT_TOKEN",
		"SEEDVAULT_DB_DSN", "SEEDVAULT_API_KEY", "SEEDVAULT_SLACK_TOKEN", "VAULT_ADDR",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "seedvault.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Secrets) != 2 || cfg.Secrets[0].Generate.Length != 24 {
		t.Errorf("secrets = %+v", cfg.Secrets)
	}
	if cfg.ConfirmTimeout() != 30*time.Second {
		t.Errorf("ConfirmTimeout = %v", cfg.ConfirmTimeout())
	}
	if cfg.PollInterval() != 2*time.Second || cfg.MaxPollInterval() != 15*time.Second {
		t.Errorf("poll defaults = %v / %v", cfg.PollInterval(), cfg.MaxPollInterval())
	}
	if cfg.Access.PropagationDelay() != 2*time.Second {
		t.Errorf("PropagationDelay = %v", cfg.Access.PropagationDelay())
	}
	if cfg.MinLength() != 8 || cfg.Concurrency() != 4 || cfg.StoreTimeout() != 15*time.Second {
		t.Errorf("defaults: min=%d conc=%d timeout=%v", cfg.MinLength(), cfg.Concurrency(), cfg.StoreTimeout())
	}
	if cfg.NeedsDatabase() {
		t.Error("memory backends should not need a database")
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	body := `{"secrets":[{"name":"api-token","value":"abcdefghijkl"}],"store":{"backend":"memory"},"access":{"backend":"memory"}}`
	cfg, err := Load(writeConfig(t, "seedvault.json", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Secrets[0].Value != "abcdefghijkl" {
		t.Errorf("secrets = %+v", cfg.Secrets)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SEEDVAULT_ENCRYPTION_KEY", "env-key")
	t.Setenv("SEEDVAULT_DB_DSN", "postgres://u:p@localhost/seedvault")
	t.Setenv("SEEDVAULT_API_KEY", "k-123")
	t.Setenv("SEEDVAULT_VAULT_TOKEN", "vault-token")

	cfg, err := Parse([]byte("secrets: []\n"), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.EncryptionKey != "env-key" {
		t.Errorf("encryption key = %q", cfg.Store.EncryptionKey)
	}
	if cfg.Storage.StorageDriver() != "postgres" || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Server.APIKeys["k-123"] != "default" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.Store.Vault.Token != "vault-token" {
		t.Errorf("vault token = %q", cfg.Store.Vault.Token)
	}
	if !cfg.NeedsDatabase() {
		t.Error("default sql backends need a database")
	}
}

func TestParse_Invalid(t *testing.T) {
	clearEnv(t)
	mem := "store: {backend: memory}\naccess: {backend: memory}\n"
	tests := []struct {
		name string
		body string
		want string
	}{
		{"duplicate secret", mem + "secrets: [{name: a, value: x}, {name: a, value: y}]", "duplicate"},
		{"value and value_from", mem + "secrets: [{name: a, value: x, value_from: env://A}]", "mutually exclusive"},
		{"value_from without scheme", mem + "secrets: [{name: a, value_from: A}]", "value_from"},
		{"missing secret name", mem + "secrets: [{value: x}]", "Name"},
		{"incomplete binding", mem + "bindings: [{identity: a, resource: b}]", "Capability"},
		{"unknown store backend", "store: {backend: s3}", "Backend"},
		{"sql without key", "access: {backend: memory}\nsecrets: []", "encryption_key"},
		{"vault access without vault store", "store: {backend: memory}\naccess: {backend: vault}", "access.backend=vault"},
		{"postgres without dsn", mem + "storage: {driver: postgres}", "dsn"},
		{"workload unknown secret", mem + "secrets: [{name: a, value: x}]\nworkloads: [{name: w, env: {A: b}}]", "undeclared"},
		{"schedule without cron", mem + "schedule: {run_on_start: true}", "Cron"},
		{"bad precondition url", mem + "preconditions: [{name: model, check_url: not a url}]", "CheckURL"},
		{"unknown notify state", mem + "notifications: {on: [storing]}", "On"},
		{"slack without token", mem + "notifications: {slack: [{name: ops, channel_id: C1}]}", "SEEDVAULT_SLACK_TOKEN"},
		{"webhook without url", mem + "notifications: {webhooks: [{name: ops}]}", "URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body), ".yaml")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParse_SlackTokenFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SEEDVAULT_SLACK_TOKEN", "xoxb-env")
	body := "store: {backend: memory}\naccess: {backend: memory}\nnotifications: {on: [failed, ready], slack: [{name: ops, channel_id: C1}]}\n"

	cfg, err := Parse([]byte(body), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Notifications.Slack[0].Token; got != "xoxb-env" {
		t.Errorf("slack token = %q", got)
	}
}

func TestAccessors_Defaults(t *testing.T) {
	var s *ServerConfig
	if s.Addr() != ":8080" {
		t.Errorf("Addr = %q", s.Addr())
	}
	var st *StorageConfig
	if st.StorageDriver() != "sqlite" {
		t.Errorf("StorageDriver = %q", st.StorageDriver())
	}
	var v *VaultStoreConfig
	if v.Timeout() != 5*time.Second {
		t.Errorf("Timeout = %v", v.Timeout())
	}
	cfg := &Config{DataDir: "/var/lib/seedvault"}
	if cfg.DatabasePath() != "/var/lib/seedvault/seedvault.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
	if cfg.AuditLogPath() != "/var/lib/seedvault/audit.jsonl" {
		t.Errorf("AuditLogPath = %q", cfg.AuditLogPath())
	}
	if (StoreConfig{}).StoreBackend() != "sql" || (AccessConfig{}).AccessBackend() != "sql" {
		t.Error("backend defaults")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	if !strings.HasSuffix(DefaultConfigPath(), filepath.Join(".seedvault", "config.yaml")) &&
		DefaultConfigPath() != "configs/seedvault.yaml" {
		t.Errorf("DefaultConfigPath = %q", DefaultConfigPath())
	}
}
