package postgres

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/storage"
	"github.com/jkaninda/seedvault/internal/vault"
)

// Store implements storage.Store over a GORM connection. The sqlite package
// wraps the same Store around its own connection.
type Store struct {
	db     *gorm.DB
	driver string
	sealer *storage.Sealer
	logger *slog.Logger

	mu      sync.Mutex
	secrets *SecretRepository
	journal *AuditRepository
}

// NewStore wraps db as a unified Store. A nil sealer leaves the secret store
// unable to write or read values; bindings and the journal still work.
func NewStore(db *gorm.DB, driver string, sealer *storage.Sealer, logger *slog.Logger) *Store {
	return &Store{db: db, driver: driver, sealer: sealer, logger: logger}
}

func (s *Store) Migrate(_ context.Context) error {
	return AutoMigrate(s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	return Ping(ctx, s.db)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return s.driver }

// GormDB returns the underlying GORM DB.
func (s *Store) GormDB() *gorm.DB { return s.db }

// --- Sub-store accessors ---

func (s *Store) Secrets() vault.Store {
	return s.secretRepo()
}

func (s *Store) secretRepo() *SecretRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets == nil {
		s.secrets = NewSecretRepository(s.db, s.sealer, s.driver)
	}
	return s.secrets
}

// Bindings returns a fresh binder; catalog and delay vary per caller.
func (s *Store) Bindings(catalog access.Catalog, delay time.Duration) storage.Registry {
	return NewBindingRepository(s.db, catalog, delay)
}

func (s *Store) Journal() storage.Journal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		s.journal = NewAuditRepository(s.db)
	}
	return s.journal
}

// Compile-time check.
var _ storage.Store = (*Store)(nil)
