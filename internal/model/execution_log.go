// internal/model/execution_log.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// DispatchStatus is the delivery state of one dispatch attempt.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchSent      DispatchStatus = "sent"
	DispatchDelivered DispatchStatus = "delivered"
	DispatchFailed    DispatchStatus = "failed"
)

// ExecutionLogEntry records one dispatch attempt. ProviderMessageID is the
// idempotency key that correlates asynchronous delivery callbacks back to
// this row.
type ExecutionLogEntry struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	EnrollmentID      uuid.UUID      `db:"enrollment_id" json:"enrollment_id"`
	StepID            uuid.UUID      `db:"step_id" json:"step_id"`
	ProviderMessageID string         `db:"provider_message_id" json:"provider_message_id"`
	Status            DispatchStatus `db:"status" json:"status"`
	ErrorMessage      string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// ContactEvent is a history entry for an inbound message from a contact.
type ContactEvent struct {
	ID             uuid.UUID `db:"id" json:"id"`
	TenantID       uuid.UUID `db:"tenant_id" json:"tenant_id"`
	ContactAddress string    `db:"contact_address" json:"contact_address"`
	Direction      string    `db:"direction" json:"direction"`
	Body           string    `db:"body" json:"body"`
	ClassifiedAs   string    `db:"classified_as" json:"classified_as"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
