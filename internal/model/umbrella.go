// internal/model/umbrella.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// UmbrellaType selects the slot-release policy for an umbrella's lines.
type UmbrellaType string

const (
	UmbrellaMessage UmbrellaType = "message"
	UmbrellaVoice   UmbrellaType = "voice"
)

// HoldsSlotForDuration reports whether a slot stays occupied until the
// provider signals completion (live voice line) instead of being released
// right after dispatch.
func (t UmbrellaType) HoldsSlotForDuration() bool {
	return t == UmbrellaVoice
}

// Umbrella is a shared, capacity-limited pool of outbound lines that
// multiple tenants draw from. CurrentConcurrency is a durable snapshot;
// the live counter lives in the fast counter store.
type Umbrella struct {
	ID                 uuid.UUID    `db:"id" json:"id"`
	Name               string       `db:"name" json:"name"`
	Type               UmbrellaType `db:"type" json:"type"`
	ConcurrencyLimit   int          `db:"concurrency_limit" json:"concurrency_limit"`
	CurrentConcurrency int          `db:"current_concurrency" json:"current_concurrency"`
	MaxTenants         int          `db:"max_tenants" json:"max_tenants"`
	IsActive           bool         `db:"is_active" json:"is_active"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
}
