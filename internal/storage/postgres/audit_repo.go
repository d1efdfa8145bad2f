package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/seedvault/internal/audit"
	"github.com/jkaninda/seedvault/internal/storage"
)

// AuditRepository implements storage.Journal.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record inserts a single event. This is the only write method.
func (r *AuditRepository) Record(ctx context.Context, event audit.Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	model := AuditEventModel{
		RunID:   event.RunID,
		State:   event.State,
		Trigger: event.Trigger,
		Kind:    event.Kind,
		Subject: event.Subject,
		Time:    event.Time,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(ctx, "appending audit event", err)
	}
	return nil
}

func (r *AuditRepository) Query(ctx context.Context, run uuid.UUID, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Limit(limit)
	if run != uuid.Nil {
		q = q.Where("run_id = ?", run.String()).Order("id ASC")
	} else {
		q = q.Order("id DESC")
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	events := make([]audit.Event, len(models))
	for i, m := range models {
		events[i] = audit.Event{
			Time:    m.Time,
			RunID:   m.RunID,
			State:   m.State,
			Trigger: m.Trigger,
			Kind:    m.Kind,
			Subject: m.Subject,
		}
	}
	return events, nil
}

// Compile-time check.
var _ storage.Journal = (*AuditRepository)(nil)
