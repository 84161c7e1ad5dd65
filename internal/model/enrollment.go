// internal/model/enrollment.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EnrollmentStatus is the lifecycle state of a contact's run through a
// sequence.
type EnrollmentStatus string

const (
	StatusActive    EnrollmentStatus = "active"
	StatusPaused    EnrollmentStatus = "paused"
	StatusReplied   EnrollmentStatus = "replied"
	StatusOptedOut  EnrollmentStatus = "opted_out"
	StatusCompleted EnrollmentStatus = "completed"
	StatusFailed    EnrollmentStatus = "failed"
)

// Terminal reports whether no further automatic dispatch may occur.
// replied is held for review and can be resumed manually; opted_out,
// completed and failed are final.
func (s EnrollmentStatus) Terminal() bool {
	return s == StatusOptedOut || s == StatusCompleted || s == StatusFailed
}

// SequenceEnrollment is a contact's run through a sequence. NextStepAt is
// non-nil iff the enrollment is active with a pending future step.
// UpdatedAt doubles as the optimistic-concurrency token for row updates.
type SequenceEnrollment struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	TenantID         uuid.UUID        `db:"tenant_id" json:"tenant_id"`
	ContactID        uuid.UUID        `db:"contact_id" json:"contact_id"`
	SequenceID       uuid.UUID        `db:"sequence_id" json:"sequence_id"`
	Status           EnrollmentStatus `db:"status" json:"status"`
	CurrentStepOrder int              `db:"current_step_order" json:"current_step_order"`
	NextStepAt       *time.Time       `db:"next_step_at" json:"next_step_at,omitempty"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// Contact maps an address (phone number) to a tenant-scoped contact record.
type Contact struct {
	ID       uuid.UUID `db:"id" json:"id"`
	TenantID uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Address  string    `db:"address" json:"address"`
	Name     string    `db:"name" json:"name"`
}
