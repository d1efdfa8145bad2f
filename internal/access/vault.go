package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/seedvault/internal/vault"
)

// StoreResource names the whole secret store as a grant target.
const StoreResource = "store"

// vaultCapabilities maps capabilities to Vault ACL capabilities.
var vaultCapabilities = map[string][]string{
	"read":  {"read"},
	"write": {"create", "update"},
	"list":  {"list"},
}

// VaultBinder grants capabilities through Vault ACL policies attached to
// identity entities. Identities are entity names; resources are
// "secret/<name>" or StoreResource.
type VaultBinder struct {
	client       *vault.KVClient
	store        *vault.KVStore
	catalog      Catalog
	policyPrefix string

	// Serializes read-modify-write of entity policy lists.
	mu sync.Mutex
}

// NewVaultBinder creates a binder writing policies named "<prefix>-<role>-<resource>".
func NewVaultBinder(store *vault.KVStore, catalog Catalog, policyPrefix string) *VaultBinder {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if policyPrefix == "" {
		policyPrefix = "seedvault"
	}
	return &VaultBinder{
		client:       store.Client(),
		store:        store,
		catalog:      catalog,
		policyPrefix: policyPrefix,
	}
}

func (b *VaultBinder) Name() string { return "vault" }

func (b *VaultBinder) policyName(role, resource string) string {
	r := strings.NewReplacer("/", "-", "*", "all", " ", "-").Replace(resource)
	return fmt.Sprintf("%s-%s-%s", b.policyPrefix, role, r)
}

// resourcePaths returns the data and metadata ACL paths a resource covers.
func (b *VaultBinder) resourcePaths(ctx context.Context, resource string) (data, metadata string, err error) {
	if resource == StoreResource {
		return b.store.DataPath("*"), b.store.MetadataPath("*"), nil
	}
	name, ok := SecretName(resource)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrResourceNotFound, resource)
	}
	if _, err := b.store.Reference(ctx, name); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %q", ErrResourceNotFound, resource)
		}
		return "", "", err
	}
	return b.store.DataPath(name), b.store.MetadataPath(name), nil
}

func renderPolicy(capability, dataPath, metadataPath string) string {
	target := dataPath
	if capability == "list" {
		target = metadataPath
	}
	caps := vaultCapabilities[capability]
	quoted := make([]string, len(caps))
	for i, c := range caps {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return fmt.Sprintf("path %q {\n  capabilities = [%s]\n}\n", target, strings.Join(quoted, ", "))
}

func (b *VaultBinder) entityPolicies(ctx context.Context, identity string) ([]string, error) {
	p := "identity/entity/name/" + identity
	status, body, err := b.client.Do(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: vault entity %q", ErrIdentityNotFound, identity)
	}
	if err := vault.CheckStatus(status, p); err != nil {
		return nil, err
	}
	var resp struct {
		Data struct {
			Policies []string `json:"policies"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing vault entity: %w", err)
	}
	return resp.Data.Policies, nil
}

func (b *VaultBinder) Grant(ctx context.Context, identity, resource, capability string) (Binding, error) {
	role, err := b.catalog.Role(capability)
	if err != nil {
		return Binding{}, err
	}
	if _, ok := vaultCapabilities[capability]; !ok {
		return Binding{}, fmt.Errorf("%w: %q has no vault mapping", ErrUnknownCapability, capability)
	}
	dataPath, metaPath, err := b.resourcePaths(ctx, resource)
	if err != nil {
		return Binding{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	policies, err := b.entityPolicies(ctx, identity)
	if err != nil {
		return Binding{}, err
	}

	name := b.policyName(role, resource)
	policyPath := "sys/policies/acl/" + name
	status, _, err := b.client.Do(ctx, http.MethodPut, policyPath, map[string]string{
		"policy": renderPolicy(capability, dataPath, metaPath),
	})
	if err != nil {
		return Binding{}, err
	}
	if err := vault.CheckStatus(status, policyPath); err != nil {
		return Binding{}, err
	}

	if !slices.Contains(policies, name) {
		entityPath := "identity/entity/name/" + identity
		status, _, err := b.client.Do(ctx, http.MethodPost, entityPath, map[string]any{
			"policies": append(slices.Clone(policies), name),
		})
		if err != nil {
			return Binding{}, err
		}
		if err := vault.CheckStatus(status, entityPath); err != nil {
			return Binding{}, err
		}
	}

	return Binding{
		ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte(identity+"|"+resource+"|"+capability)),
		IdentityID:  identity,
		ResourceID:  resource,
		Capability:  capability,
		Role:        role,
		State:       StatePending,
		RequestedAt: time.Now().UTC(),
	}, nil
}

// Status reports active once the entity carries the grant's policy.
func (b *VaultBinder) Status(ctx context.Context, binding Binding) (State, error) {
	policies, err := b.entityPolicies(ctx, binding.IdentityID)
	if err != nil {
		return "", err
	}
	if slices.Contains(policies, b.policyName(binding.Role, binding.ResourceID)) {
		return StateActive, nil
	}
	return StatePending, nil
}

// Compile-time check.
var _ Binder = (*VaultBinder)(nil)
