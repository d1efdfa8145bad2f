// Package storage defines the SQL persistence layer shared by the sql secret
// store, the sql access binder and the audit journal.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/audit"
	"github.com/jkaninda/seedvault/internal/vault"
)

// ErrConflict is returned when a write keeps losing a uniqueness race.
var ErrConflict = errors.New("concurrent write conflict")

// Store is the persistence interface. Both SQLite and PostgreSQL backends
// implement it over the same models and repositories.
type Store interface {
	// Secrets returns the encrypted, versioned secret store.
	Secrets() vault.Store

	// Bindings returns an access binder over the identities, resources and
	// role assignments tables.
	Bindings(catalog access.Catalog, delay time.Duration) Registry

	// Journal returns the append-only run journal.
	Journal() Journal

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Registry is an access.Binder whose identities and resources are managed
// through seedvault itself.
type Registry interface {
	access.Binder
	RegisterIdentity(ctx context.Context, id string) error
	RegisterResource(ctx context.Context, id string) error
}

// Journal is an audit.Journal that can be read back.
type Journal interface {
	audit.Journal
	// Query returns the events of run in order. A nil run returns the most
	// recent events across all runs, newest first. Limit defaults to 100.
	Query(ctx context.Context, run uuid.UUID, limit int) ([]audit.Event, error)
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
