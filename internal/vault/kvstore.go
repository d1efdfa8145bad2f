package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
)

// valueField is the KV v2 data key every secret is written under.
const valueField = "value"

// KVStore implements Store on a HashiCorp Vault KV v2 mount.
// References use the "vault://<mount>/data/<path>#value" form, which the
// secrets package resolves as well.
type KVStore struct {
	client *KVClient
	mount  string
	prefix string
}

// NewKVStore creates a KV v2 backed store.
func NewKVStore(cfg KVConfig) (*KVStore, error) {
	client, err := NewKVClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewKVStoreWithClient(client, cfg), nil
}

// NewKVStoreWithClient creates a store sharing an existing client.
func NewKVStoreWithClient(client *KVClient, cfg KVConfig) *KVStore {
	return &KVStore{client: client, mount: cfg.mount(), prefix: cfg.PathPrefix}
}

// Client returns the underlying Vault client.
func (s *KVStore) Client() *KVClient { return s.client }

func (s *KVStore) Name() string { return "vault" }

func (s *KVStore) secretPath(name string) string {
	return path.Join(s.prefix, name)
}

func (s *KVStore) dataPath(name string) string {
	return path.Join(s.mount, "data", s.secretPath(name))
}

func (s *KVStore) metadataPath(name string) string {
	return path.Join(s.mount, "metadata", s.secretPath(name))
}

// DataPath returns the API path of name's data, e.g. "secret/data/apps/db".
func (s *KVStore) DataPath(name string) string { return s.dataPath(name) }

// MetadataPath returns the API path of name's metadata.
func (s *KVStore) MetadataPath(name string) string { return s.metadataPath(name) }

func (s *KVStore) ref(name string, version int) Reference {
	return Reference{
		Name:    name,
		URI:     "vault://" + s.dataPath(name) + "#" + valueField,
		Version: strconv.Itoa(version),
	}
}

func (s *KVStore) Put(ctx context.Context, name string, value []byte) (Reference, error) {
	dataPath := s.dataPath(name)
	status, body, err := s.client.Do(ctx, http.MethodPost, dataPath, map[string]any{
		"data": map[string]string{valueField: string(value)},
	})
	if err != nil {
		return Reference{}, err
	}
	if err := CheckStatus(status, dataPath); err != nil {
		return Reference{}, err
	}

	var resp struct {
		Data struct {
			Version int `json:"version"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Reference{}, fmt.Errorf("parsing vault write response: %w", err)
	}
	return s.ref(name, resp.Data.Version), nil
}

func (s *KVStore) Reference(ctx context.Context, name string) (Reference, error) {
	metaPath := s.metadataPath(name)
	status, body, err := s.client.Do(ctx, http.MethodGet, metaPath, nil)
	if err != nil {
		return Reference{}, err
	}
	if err := CheckStatus(status, metaPath); err != nil {
		return Reference{}, err
	}

	var resp struct {
		Data struct {
			CurrentVersion int `json:"current_version"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Reference{}, fmt.Errorf("parsing vault metadata: %w", err)
	}
	if resp.Data.CurrentVersion == 0 {
		return Reference{}, fmt.Errorf("%w: %q has no versions", ErrNotFound, name)
	}
	return s.ref(name, resp.Data.CurrentVersion), nil
}

func (s *KVStore) Resolve(ctx context.Context, ref Reference) ([]byte, error) {
	version := 0
	if ref.Version != "" {
		v, err := strconv.Atoi(ref.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid version %q for %q", ErrNotFound, ref.Version, ref.Name)
		}
		version = v
	}
	data, _, err := s.client.ReadKV(ctx, s.dataPath(ref.Name), version)
	if err != nil {
		return nil, err
	}
	value, ok := data[valueField].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no string %q field", ErrNotFound, ref.Name, valueField)
	}
	return []byte(value), nil
}

func (s *KVStore) Ping(ctx context.Context) error { return s.client.Health(ctx) }

// Compile-time checks.
var (
	_ Store  = (*KVStore)(nil)
	_ Pinger = (*KVStore)(nil)
)
