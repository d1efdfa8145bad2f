package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/seedvault/internal/storage"
	"github.com/jkaninda/seedvault/internal/vault"
)

// SecretRepository implements vault.Store over the secret_versions table.
// Values are sealed before they reach the database.
type SecretRepository struct {
	db     *gorm.DB
	sealer *storage.Sealer
	driver string
}

// NewSecretRepository creates a SecretRepository. A nil sealer makes every
// Put and Resolve fail with storage.ErrNoKey.
func NewSecretRepository(db *gorm.DB, sealer *storage.Sealer, driver string) *SecretRepository {
	return &SecretRepository{db: db, sealer: sealer, driver: driver}
}

func (r *SecretRepository) Name() string { return "sql" }

func (r *SecretRepository) ref(name string, version int) vault.Reference {
	return vault.Reference{
		Name:    name,
		URI:     fmt.Sprintf("sql://%s/%s", r.driver, name),
		Version: strconv.Itoa(version),
	}
}

// Put seals value and inserts it as the next version of name. Concurrent
// writers racing for the same version number retry on the unique index.
func (r *SecretRepository) Put(ctx context.Context, name string, value []byte) (vault.Reference, error) {
	if r.sealer == nil {
		return vault.Reference{}, storage.ErrNoKey
	}
	sealed, err := r.sealer.Seal(name, value)
	if err != nil {
		return vault.Reference{}, err
	}

	for range maxWriteAttempts {
		var version int
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var latest int
			if err := tx.Model(&SecretVersionModel{}).
				Where("name = ?", name).
				Select("COALESCE(MAX(version), 0)").
				Row().Scan(&latest); err != nil {
				return err
			}
			version = latest + 1
			return tx.Create(&SecretVersionModel{
				ID:         uuid.New(),
				Name:       name,
				Version:    version,
				Ciphertext: sealed,
				KeyID:      r.sealer.KeyID(),
			}).Error
		})
		if err == nil {
			return r.ref(name, version), nil
		}
		if !isUniqueViolation(err) {
			return vault.Reference{}, translate(ctx, fmt.Sprintf("storing secret %q", name), err)
		}
	}
	return vault.Reference{}, fmt.Errorf("%w: secret %q", storage.ErrConflict, name)
}

func (r *SecretRepository) latest(ctx context.Context, name string) (*SecretVersionModel, error) {
	var model SecretVersionModel
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		Order("version DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", vault.ErrNotFound, name)
	}
	if err != nil {
		return nil, translate(ctx, fmt.Sprintf("reading secret %q", name), err)
	}
	return &model, nil
}

func (r *SecretRepository) Reference(ctx context.Context, name string) (vault.Reference, error) {
	model, err := r.latest(ctx, name)
	if err != nil {
		return vault.Reference{}, err
	}
	return r.ref(name, model.Version), nil
}

func (r *SecretRepository) Resolve(ctx context.Context, ref vault.Reference) ([]byte, error) {
	if r.sealer == nil {
		return nil, storage.ErrNoKey
	}
	var model *SecretVersionModel
	if ref.Version == "" {
		latest, err := r.latest(ctx, ref.Name)
		if err != nil {
			return nil, err
		}
		model = latest
	} else {
		version, err := strconv.Atoi(ref.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: %q version %q", vault.ErrNotFound, ref.Name, ref.Version)
		}
		var m SecretVersionModel
		err = r.db.WithContext(ctx).
			Where("name = ? AND version = ?", ref.Name, version).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %q version %d", vault.ErrNotFound, ref.Name, version)
		}
		if err != nil {
			return nil, translate(ctx, fmt.Sprintf("reading secret %q", ref.Name), err)
		}
		model = &m
	}
	return r.sealer.Open(model.Name, model.KeyID, model.Ciphertext)
}

// Exists reports whether name has at least one version.
func (r *SecretRepository) Exists(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&SecretVersionModel{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, translate(ctx, "counting secret versions", err)
	}
	return count > 0, nil
}

// Versions returns the number of stored versions of name.
func (r *SecretRepository) Versions(ctx context.Context, name string) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&SecretVersionModel{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return 0, translate(ctx, "counting secret versions", err)
	}
	return int(count), nil
}

func (r *SecretRepository) Ping(ctx context.Context) error {
	if err := Ping(ctx, r.db); err != nil {
		return translate(ctx, "pinging database", err)
	}
	return nil
}

// Compile-time checks.
var (
	_ vault.Store  = (*SecretRepository)(nil)
	_ vault.Pinger = (*SecretRepository)(nil)
)
