package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/seedvault/internal/vault"
)

type assignmentKey struct {
	identity, resource, capability string
}

// MemoryBinder is an in-process access registry. Assignments become active
// once the configured propagation delay has elapsed since the first grant.
type MemoryBinder struct {
	mu          sync.RWMutex
	identities  map[string]bool
	resources   map[string]bool
	assignments map[assignmentKey]Binding
	catalog     Catalog
	delay       time.Duration
	secrets     vault.Store
	now         func() time.Time
}

// NewMemoryBinder creates a registry with the given identities and resources.
// A nil catalog uses DefaultCatalog.
func NewMemoryBinder(identities, resources []string, catalog Catalog, delay time.Duration) *MemoryBinder {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	b := &MemoryBinder{
		identities:  make(map[string]bool, len(identities)),
		resources:   make(map[string]bool, len(resources)),
		assignments: make(map[assignmentKey]Binding),
		catalog:     catalog,
		delay:       delay,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, id := range identities {
		b.identities[id] = true
	}
	for _, r := range resources {
		b.resources[r] = true
	}
	return b
}

// WithSecretStore lets "secret/<name>" resources resolve against store.
func (b *MemoryBinder) WithSecretStore(store vault.Store) *MemoryBinder {
	b.secrets = store
	return b
}

func (b *MemoryBinder) Name() string { return "memory" }

// RegisterIdentity adds an identity to the registry.
func (b *MemoryBinder) RegisterIdentity(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identities[id] = true
}

// RegisterResource adds a resource to the registry.
func (b *MemoryBinder) RegisterResource(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources[id] = true
}

func (b *MemoryBinder) resourceExists(ctx context.Context, id string) (bool, error) {
	b.mu.RLock()
	known := b.resources[id]
	b.mu.RUnlock()
	if known {
		return true, nil
	}
	name, ok := SecretName(id)
	if !ok || b.secrets == nil {
		return false, nil
	}
	if _, err := b.secrets.Reference(ctx, name); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *MemoryBinder) Grant(ctx context.Context, identity, resource, capability string) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return Binding{}, err
	}
	role, err := b.catalog.Role(capability)
	if err != nil {
		return Binding{}, err
	}

	b.mu.RLock()
	identityKnown := b.identities[identity]
	b.mu.RUnlock()
	if !identityKnown {
		return Binding{}, fmt.Errorf("%w: %q", ErrIdentityNotFound, identity)
	}
	exists, err := b.resourceExists(ctx, resource)
	if err != nil {
		return Binding{}, fmt.Errorf("checking resource %q: %w", resource, err)
	}
	if !exists {
		return Binding{}, fmt.Errorf("%w: %q", ErrResourceNotFound, resource)
	}

	key := assignmentKey{identity, resource, capability}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.assignments[key]; ok {
		existing.State = StatePending
		existing.ActivatedAt = nil
		return existing, nil
	}
	binding := Binding{
		ID:          uuid.New(),
		IdentityID:  identity,
		ResourceID:  resource,
		Capability:  capability,
		Role:        role,
		State:       StatePending,
		RequestedAt: b.now(),
	}
	b.assignments[key] = binding
	return binding, nil
}

func (b *MemoryBinder) Status(ctx context.Context, binding Binding) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.RLock()
	stored, ok := b.assignments[assignmentKey{binding.IdentityID, binding.ResourceID, binding.Capability}]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s on %s for %s", ErrAssignmentNotFound, binding.Capability, binding.ResourceID, binding.IdentityID)
	}
	if !b.now().Before(stored.RequestedAt.Add(b.delay)) {
		return StateActive, nil
	}
	return StatePending, nil
}

// Assignments returns the number of distinct role assignments.
func (b *MemoryBinder) Assignments() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.assignments)
}

// Compile-time check.
var _ Binder = (*MemoryBinder)(nil)
