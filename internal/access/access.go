// Package access grants compute identities capabilities on resources and
// observes when those grants become effective. Grants propagate eventually:
// a fresh binding is pending until the access-control system reports it active.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/seedvault/internal/vault"
)

// Sentinel errors for binding operations.
var (
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrBindingTimeout     = errors.New("binding not effective before timeout")
	ErrAssignmentNotFound = errors.New("role assignment not found")

	// ErrBindingRejected reports a grant the access-control system refused
	// after accepting it. It matches vault.ErrAccessDenied.
	ErrBindingRejected = fmt.Errorf("binding rejected: %w", vault.ErrAccessDenied)
)

// SecretResourcePrefix marks resource IDs that name a single stored secret,
// e.g. "secret/db-pass".
const SecretResourcePrefix = "secret/"

// SecretName returns the secret a resource ID names, if any.
func SecretName(resourceID string) (string, bool) {
	if !strings.HasPrefix(resourceID, SecretResourcePrefix) {
		return "", false
	}
	name := strings.TrimPrefix(resourceID, SecretResourcePrefix)
	return name, name != ""
}

// State is the lifecycle state of a binding.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

// Binding is a role assignment of a capability on a resource to an identity.
type Binding struct {
	ID          uuid.UUID  `json:"id"`
	IdentityID  string     `json:"identity"`
	ResourceID  string     `json:"resource"`
	Capability  string     `json:"capability"`
	Role        string     `json:"role"`
	State       State      `json:"state"`
	RequestedAt time.Time  `json:"requested_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Binder issues grants and reports their observed state.
// Implementations must be safe for concurrent use.
type Binder interface {
	// Grant requests the assignment and returns it in StatePending. Granting an
	// existing (identity, resource, capability) triple returns the existing
	// assignment rather than creating a duplicate.
	Grant(ctx context.Context, identity, resource, capability string) (Binding, error)

	// Status returns the state the access-control system currently reports.
	Status(ctx context.Context, b Binding) (State, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// Catalog maps capability names to platform role names. Capabilities not
// in the catalog are rejected.
type Catalog map[string]string

// DefaultCatalog returns the built-in capability set.
func DefaultCatalog() Catalog {
	return Catalog{
		"read":  "secrets-reader",
		"write": "secrets-writer",
		"list":  "secrets-lister",
	}
}

// Role returns the role name for capability.
func (c Catalog) Role(capability string) (string, error) {
	role, ok := c[capability]
	if !ok {
		return "", fmt.Errorf("%w: %q (known: %s)", ErrUnknownCapability, capability, strings.Join(c.capabilities(), ", "))
	}
	return role, nil
}

func (c Catalog) capabilities() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
