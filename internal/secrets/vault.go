package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/seedvault/internal/vault"
)

// VaultProvider reads value_from references out of HashiCorp Vault KV v2.
// Reference format: "vault://secret/data/myapp/db#password"
//   - secret/data/... is the full KV v2 API path
//   - #password selects one field; without it the data map is returned as JSON
type VaultProvider struct {
	client *vault.KVClient
}

// NewVaultProvider creates a Vault provider from config.
//
// Supported config keys:
//   - address:         Vault server URL (overridden by VAULT_ADDR env var)
//   - token:           Vault token (overridden by VAULT_TOKEN env var)
//   - namespace:       Enterprise namespace (overridden by VAULT_NAMESPACE env var)
//   - timeout:         HTTP timeout, e.g. "5s" (default: 5s)
//   - tls_skip_verify: Skip TLS verification, "true"/"false" (default: false)
func NewVaultProvider(cfg map[string]string) (*VaultProvider, error) {
	kv := vault.KVConfig{
		Address:       cfg["address"],
		Token:         cfg["token"],
		Namespace:     cfg["namespace"],
		TLSSkipVerify: cfg["tls_skip_verify"] == "true",
	}
	if t := cfg["timeout"]; t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid vault timeout %q: %w", t, err)
		}
		kv.Timeout = d
	}
	client, err := vault.NewKVClient(kv)
	if err != nil {
		return nil, err
	}
	return &VaultProvider{client: client}, nil
}

// NewVaultProviderWithClient shares an existing client, e.g. the store's.
func NewVaultProviderWithClient(client *vault.KVClient) *VaultProvider {
	return &VaultProvider{client: client}
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	if Scheme(ref) != "vault" {
		return nil, fmt.Errorf("%w: vault provider only handles vault:// references, got %q",
			ErrSecretNotFound, ref)
	}
	path, field, _ := strings.Cut(strings.TrimPrefix(ref, "vault://"), "#")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	data, version, err := p.client.ReadKV(ctx, path, 0)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrSecretNotFound, err)
		}
		return nil, err
	}

	metadata := map[string]string{
		"source":  "vault",
		"path":    path,
		"version": fmt.Sprint(version),
	}

	if field != "" {
		metadata["field"] = field
		val, ok := data[field]
		if !ok {
			return nil, fmt.Errorf("%w: field %q not found in vault path %q",
				ErrSecretNotFound, field, path)
		}
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("vault field %q in path %q is not a string", field, path)
		}
		return &Secret{Value: str, Metadata: metadata}, nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling vault data: %w", err)
	}
	return &Secret{Value: string(encoded), Metadata: metadata}, nil
}
