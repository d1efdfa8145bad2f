// Package vault defines the SecretStore abstraction: a versioned, access-controlled
// key-value store for secret material. Callers only ever receive References;
// values flow in through Put and out through Resolve on the consuming platform.
package vault

import (
	"context"
	"errors"
)

// Sentinel errors shared by every backend.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrNetworkUnreachable = errors.New("store unreachable")
	ErrNotFound           = errors.New("secret not found")
)

// Reference addresses a stored secret without carrying its value.
// URI is versionless and resolves to the latest version; Version pins one.
type Reference struct {
	Name    string `json:"name" yaml:"name"`
	URI     string `json:"uri" yaml:"uri"`
	Version string `json:"version" yaml:"version"`
}

// Store is a versioned secret store. Put always creates a new version;
// writing the same value twice yields two versions with identical content.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores value under name and returns a reference to the new version.
	Put(ctx context.Context, name string, value []byte) (Reference, error)

	// Reference returns the reference to the latest version of name.
	// Returns ErrNotFound if name has never been written.
	Reference(ctx context.Context, name string) (Reference, error)

	// Resolve returns the value a reference points to. An empty Version
	// resolves the latest one.
	Resolve(ctx context.Context, ref Reference) ([]byte, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// Pinger is implemented by stores that can report reachability for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}
