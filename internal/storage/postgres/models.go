package postgres

import (
	"time"

	"github.com/google/uuid"
)

// SecretVersionModel maps to the "secret_versions" table. Rows are never
// updated: each Put inserts the next version.
type SecretVersionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name       string    `gorm:"size:128;not null;uniqueIndex:idx_secret_name_version,priority:1"`
	Version    int       `gorm:"not null;uniqueIndex:idx_secret_name_version,priority:2"`
	Ciphertext []byte    `gorm:"not null"`
	KeyID      string    `gorm:"size:16;not null"`
	CreatedAt  time.Time
}

func (SecretVersionModel) TableName() string { return "secret_versions" }

// IdentityModel maps to the "identities" table.
type IdentityModel struct {
	ID        string `gorm:"size:255;primaryKey"`
	CreatedAt time.Time
}

func (IdentityModel) TableName() string { return "identities" }

// ResourceModel maps to the "resources" table. Secret resources
// ("secret/<name>") are not listed here; they exist when the secret does.
type ResourceModel struct {
	ID        string `gorm:"size:255;primaryKey"`
	CreatedAt time.Time
}

func (ResourceModel) TableName() string { return "resources" }

// RoleAssignmentModel maps to the "role_assignments" table.
// One row per (identity, resource, capability).
type RoleAssignmentModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	IdentityID  string    `gorm:"size:255;not null;uniqueIndex:idx_assignment_triple,priority:1"`
	ResourceID  string    `gorm:"size:255;not null;uniqueIndex:idx_assignment_triple,priority:2"`
	Capability  string    `gorm:"size:64;not null;uniqueIndex:idx_assignment_triple,priority:3"`
	Role        string    `gorm:"size:128;not null"`
	RequestedAt time.Time `gorm:"not null"`
	ActivatedAt *time.Time
}

func (RoleAssignmentModel) TableName() string { return "role_assignments" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the journal is append-only.
type AuditEventModel struct {
	ID      uint64    `gorm:"primaryKey;autoIncrement"`
	RunID   string    `gorm:"size:36;not null;index"`
	State   string    `gorm:"size:32;not null"`
	Trigger string    `gorm:"size:64"`
	Kind    string    `gorm:"size:64"`
	Subject string    `gorm:"size:255"`
	Time    time.Time `gorm:"not null;index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }
