// internal/model/assignment.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// TenantAssignment binds a tenant to exactly one active umbrella. Rows are
// deactivated on migration, never deleted, so history is preserved.
type TenantAssignment struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	TenantID             uuid.UUID `db:"tenant_id" json:"tenant_id"`
	UmbrellaID           uuid.UUID `db:"umbrella_id" json:"umbrella_id"`
	TenantConcurrencyCap int       `db:"tenant_concurrency_cap" json:"tenant_concurrency_cap"`
	PriorityWeight       int       `db:"priority_weight" json:"priority_weight"`
	IsActive             bool      `db:"is_active" json:"is_active"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// MigrationRecord is the immutable audit entry appended when a tenant is
// moved between umbrellas.
type MigrationRecord struct {
	ID             uuid.UUID `db:"id" json:"id"`
	TenantID       uuid.UUID `db:"tenant_id" json:"tenant_id"`
	FromUmbrellaID uuid.UUID `db:"from_umbrella_id" json:"from_umbrella_id"`
	ToUmbrellaID   uuid.UUID `db:"to_umbrella_id" json:"to_umbrella_id"`
	Reason         string    `db:"reason" json:"reason"`
	Actor          string    `db:"actor" json:"actor"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
