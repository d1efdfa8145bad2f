// Package secrets resolves operator-supplied value_from references such as
// "env://N8N_DB_PASSWORD" into raw secret values before a provisioning run.
// Resolved values are handed straight to the credential materializer and
// never logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Secret holds a resolved operator value.
// This type MUST NOT be serialized or logged.
type Secret struct {
	Value    string            // The raw value.
	Metadata map[string]string // Non-sensitive details, e.g. source and variable name.
}

// String redacts the value so a Secret never reaches a log line by accident.
func (s Secret) String() string { return "[redacted]" }

// Provider resolves value_from references.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a reference (e.g. "env://MY_KEY" or "vault://secret/data/app#key")
	// and returns the raw value. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// Resolver errors.
var (
	ErrSecretNotFound    = errors.New("secret not found")
	ErrUnsupportedScheme = errors.New("unsupported reference scheme")
)

// Scheme returns the scheme of ref, e.g. "env" for "env://X".
func Scheme(ref string) string {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return ""
	}
	return scheme
}

// NewProvider builds a provider of the given type.
//
// Supported types:
//   - env:   no config keys
//   - file:  "base_dir" restricts file:// references to one directory
//   - vault: see NewVaultProvider
func NewProvider(typ string, cfg map[string]string) (Provider, error) {
	switch typ {
	case "env":
		return NewEnvProvider(), nil
	case "file":
		return NewFileProvider(cfg["base_dir"]), nil
	case "vault":
		return NewVaultProvider(cfg)
	default:
		return nil, fmt.Errorf("%w: provider type %q", ErrUnsupportedScheme, typ)
	}
}
