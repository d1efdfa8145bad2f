package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/storage"
)

// BindingRepository implements access.Binder over the identities, resources
// and role_assignments tables. An assignment becomes active once the
// propagation delay has elapsed since it was first requested; the first
// Status call that observes this records activated_at.
type BindingRepository struct {
	db      *gorm.DB
	catalog access.Catalog
	delay   time.Duration
	now     func() time.Time
}

// NewBindingRepository creates a BindingRepository. A nil catalog uses
// access.DefaultCatalog.
func NewBindingRepository(db *gorm.DB, catalog access.Catalog, delay time.Duration) *BindingRepository {
	if catalog == nil {
		catalog = access.DefaultCatalog()
	}
	return &BindingRepository{
		db:      db,
		catalog: catalog,
		delay:   delay,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *BindingRepository) Name() string { return "sql" }

// RegisterIdentity inserts id if absent.
func (r *BindingRepository) RegisterIdentity(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&IdentityModel{ID: id}).Error
	if err != nil {
		return translate(ctx, fmt.Sprintf("registering identity %q", id), err)
	}
	return nil
}

// RegisterResource inserts id if absent.
func (r *BindingRepository) RegisterResource(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ResourceModel{ID: id}).Error
	if err != nil {
		return translate(ctx, fmt.Sprintf("registering resource %q", id), err)
	}
	return nil
}

func (r *BindingRepository) exists(ctx context.Context, model any, where string, args ...any) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(model).Where(where, args...).Count(&count).Error; err != nil {
		return false, translate(ctx, "checking registry", err)
	}
	return count > 0, nil
}

func (r *BindingRepository) resourceExists(ctx context.Context, id string) (bool, error) {
	if name, ok := access.SecretName(id); ok {
		return r.exists(ctx, &SecretVersionModel{}, "name = ?", name)
	}
	return r.exists(ctx, &ResourceModel{}, "id = ?", id)
}

// Grant records the assignment. An existing triple is returned as pending
// without inserting a duplicate.
func (r *BindingRepository) Grant(ctx context.Context, identity, resource, capability string) (access.Binding, error) {
	role, err := r.catalog.Role(capability)
	if err != nil {
		return access.Binding{}, err
	}
	ok, err := r.exists(ctx, &IdentityModel{}, "id = ?", identity)
	if err != nil {
		return access.Binding{}, err
	}
	if !ok {
		return access.Binding{}, fmt.Errorf("%w: %q", access.ErrIdentityNotFound, identity)
	}
	if ok, err = r.resourceExists(ctx, resource); err != nil {
		return access.Binding{}, err
	}
	if !ok {
		return access.Binding{}, fmt.Errorf("%w: %q", access.ErrResourceNotFound, resource)
	}

	for range maxWriteAttempts {
		existing, err := r.find(ctx, identity, resource, capability)
		if err == nil {
			b := toBinding(existing)
			b.State = access.StatePending
			b.ActivatedAt = nil
			return b, nil
		}
		if !errors.Is(err, access.ErrAssignmentNotFound) {
			return access.Binding{}, err
		}

		model := RoleAssignmentModel{
			ID:          uuid.New(),
			IdentityID:  identity,
			ResourceID:  resource,
			Capability:  capability,
			Role:        role,
			RequestedAt: r.now(),
		}
		err = r.db.WithContext(ctx).Create(&model).Error
		if err == nil {
			b := toBinding(&model)
			b.State = access.StatePending
			return b, nil
		}
		if !isUniqueViolation(err) {
			return access.Binding{}, translate(ctx, "creating role assignment", err)
		}
		// Another writer created the triple; read it back.
	}
	return access.Binding{}, fmt.Errorf("%w: assignment %s:%s:%s", storage.ErrConflict, identity, resource, capability)
}

func (r *BindingRepository) find(ctx context.Context, identity, resource, capability string) (*RoleAssignmentModel, error) {
	var model RoleAssignmentModel
	err := r.db.WithContext(ctx).
		Where("identity_id = ? AND resource_id = ? AND capability = ?", identity, resource, capability).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s on %s for %s", access.ErrAssignmentNotFound, capability, resource, identity)
	}
	if err != nil {
		return nil, translate(ctx, "reading role assignment", err)
	}
	return &model, nil
}

func (r *BindingRepository) Status(ctx context.Context, b access.Binding) (access.State, error) {
	model, err := r.find(ctx, b.IdentityID, b.ResourceID, b.Capability)
	if err != nil {
		return "", err
	}
	if model.ActivatedAt != nil {
		return access.StateActive, nil
	}
	now := r.now()
	if now.Before(model.RequestedAt.Add(r.delay)) {
		return access.StatePending, nil
	}
	err = r.db.WithContext(ctx).Model(&RoleAssignmentModel{}).
		Where("id = ? AND activated_at IS NULL", model.ID).
		Update("activated_at", now).Error
	if err != nil {
		return "", translate(ctx, "recording activation", err)
	}
	return access.StateActive, nil
}

// List returns every assignment, oldest first.
func (r *BindingRepository) List(ctx context.Context) ([]access.Binding, error) {
	var models []RoleAssignmentModel
	if err := r.db.WithContext(ctx).Order("requested_at ASC").Find(&models).Error; err != nil {
		return nil, translate(ctx, "listing role assignments", err)
	}
	out := make([]access.Binding, len(models))
	for i := range models {
		out[i] = toBinding(&models[i])
	}
	return out, nil
}

func toBinding(m *RoleAssignmentModel) access.Binding {
	state := access.StatePending
	if m.ActivatedAt != nil {
		state = access.StateActive
	}
	return access.Binding{
		ID:          m.ID,
		IdentityID:  m.IdentityID,
		ResourceID:  m.ResourceID,
		Capability:  m.Capability,
		Role:        m.Role,
		State:       state,
		RequestedAt: m.RequestedAt,
		ActivatedAt: m.ActivatedAt,
	}
}

// Compile-time check.
var _ storage.Registry = (*BindingRepository)(nil)
