package vault

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20 // 1 MB

// KVConfig configures a HashiCorp Vault client.
// Address, Token and Namespace are overridden by VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE when those are set.
type KVConfig struct {
	Address       string
	Token         string
	Namespace     string
	Mount         string        // KV v2 mount. Default: "secret"
	PathPrefix    string        // Prepended to every secret name, e.g. "apps/n8n".
	Timeout       time.Duration // Per-request timeout. Default: 5s
	TLSSkipVerify bool
}

func (c KVConfig) mount() string {
	if c.Mount != "" {
		return strings.Trim(c.Mount, "/")
	}
	return "secret"
}

func (c KVConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

// KVClient speaks the Vault HTTP API with token authentication.
// Safe for concurrent use.
type KVClient struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewKVClient creates a Vault client from cfg and the environment.
func NewKVClient(cfg KVConfig) (*KVClient, error) {
	address := cfg.Address
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		address = env
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set store.vault.address or VAULT_ADDR)")
	}

	token := cfg.Token
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set store.vault.token or VAULT_TOKEN)")
	}

	namespace := cfg.Namespace
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		namespace = env
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &KVClient{
		address:   strings.TrimRight(address, "/"),
		token:     token,
		namespace: namespace,
		client:    &http.Client{Timeout: cfg.timeout(), Transport: transport},
	}, nil
}

// Do sends a request to /v1/<path> and returns the status code and body.
// Transport failures are reported as ErrNetworkUnreachable; status codes are
// left to the caller (see CheckStatus).
func (c *KVClient) Do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding vault request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.address+"/v1/"+strings.TrimLeft(path, "/"), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	if c.namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.namespace)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		var netErr net.Error
		var urlErr *url.Error
		if errors.As(err, &netErr) || errors.As(err, &urlErr) {
			return 0, nil, fmt.Errorf("%w: %s: %v", ErrNetworkUnreachable, c.address, err)
		}
		return 0, nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading vault response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// CheckStatus maps a Vault status code to the package sentinel errors.
func CheckStatus(status int, path string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: vault path %q", ErrNotFound, path)
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return fmt.Errorf("%w: vault path %q (check token policies)", ErrAccessDenied, path)
	case status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: vault is sealed or in standby", ErrNetworkUnreachable)
	case status >= 500:
		return fmt.Errorf("vault server error %d for path %q", status, path)
	default:
		return fmt.Errorf("vault returned status %d for path %q", status, path)
	}
}

// Health queries /v1/sys/health. A sealed or uninitialized Vault is unhealthy.
func (c *KVClient) Health(ctx context.Context) error {
	status, _, err := c.Do(ctx, http.MethodGet, "sys/health", nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusTooManyRequests: // 429 = unsealed standby
		return nil
	default:
		return fmt.Errorf("vault health returned status %d", status)
	}
}

// ReadKV reads a KV v2 data path (e.g. "secret/data/apps/db") at version
// (0 = latest) and returns the data map and the version read.
func (c *KVClient) ReadKV(ctx context.Context, dataPath string, version int) (map[string]any, int, error) {
	path := dataPath
	if version > 0 {
		path = fmt.Sprintf("%s?version=%d", dataPath, version)
	}
	status, body, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := CheckStatus(status, dataPath); err != nil {
		return nil, 0, err
	}

	// KV v2 envelope: { "data": { "data": { ... }, "metadata": { "version": N } } }
	var envelope struct {
		Data struct {
			Data     map[string]any `json:"data"`
			Metadata struct {
				Version int `json:"version"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, fmt.Errorf("parsing vault response: %w", err)
	}
	if envelope.Data.Data == nil {
		return nil, 0, fmt.Errorf("%w: vault path %q returned no data", ErrNotFound, dataPath)
	}
	return envelope.Data.Data, envelope.Data.Metadata.Version, nil
}
