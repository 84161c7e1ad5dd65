// Package counter is the fast counter store gateway: atomic named counters
// used for live capacity accounting. The interface is the seam for swapping
// the in-process backend for a networked atomic counter service.
package counter

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnderflow is returned by Decrement when the counter is already zero.
// Callers treat it as an anomaly to log, not a fatal condition.
var ErrUnderflow = errors.New("counter already at zero")

// Store is an atomic key/counter service. Increment is compare-and-increment:
// it must never exceed max, even under concurrent callers.
type Store interface {
	// Increment atomically bumps key by one unless the counter already holds
	// max or more; it reports whether the increment was applied.
	Increment(key string, max int) (bool, error)
	// Decrement lowers key by one, flooring at zero. Returns ErrUnderflow
	// when the counter was already zero.
	Decrement(key string) error
	Get(key string) (int, error)
	// Delete zeroes and removes the key.
	Delete(key string) error
}

// UmbrellaKey is the counter key for an umbrella's total in-use slots.
func UmbrellaKey(umbrellaID uuid.UUID) string {
	return fmt.Sprintf("umbrella:%s", umbrellaID)
}

// TenantKey is the counter key for one tenant's in-use slots within an
// umbrella.
func TenantKey(umbrellaID, tenantID uuid.UUID) string {
	return fmt.Sprintf("umbrella:%s:tenant:%s", umbrellaID, tenantID)
}
