// Package admin holds operator-facing operations, chiefly tenant migration
// between umbrellas.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outreach-sequencer/internal/model"
	"outreach-sequencer/internal/storage"
)

var (
	// ErrNotFound: the tenant has no active assignment on the source umbrella.
	ErrNotFound = errors.New("tenant has no active assignment to migrate")
	// ErrUmbrellaUnavailable: the target umbrella is inactive or at max tenants.
	ErrUmbrellaUnavailable = errors.New("target umbrella unavailable")
)

// Store is the durable-store surface migration needs.
type Store interface {
	ActiveAssignment(ctx context.Context, tenantID uuid.UUID) (*model.TenantAssignment, error)
	GetUmbrella(ctx context.Context, id uuid.UUID) (*model.Umbrella, error)
	CountActiveTenants(ctx context.Context, umbrellaID uuid.UUID) (int, error)
	SwapAssignment(ctx context.Context, tenantID, fromUmbrella, toUmbrella uuid.UUID, tenantCap, weight int) error
	InsertMigrationRecord(ctx context.Context, m *model.MigrationRecord) error
}

// Cleaner discards the tenant's stale admission counters on the source
// umbrella.
type Cleaner interface {
	CleanupTenantUsage(ctx context.Context, umbrellaID, tenantID uuid.UUID) error
}

type Migrator struct {
	store   Store
	cleaner Cleaner
	log     *zap.Logger
}

func NewMigrator(store Store, cleaner Cleaner, log *zap.Logger) *Migrator {
	return &Migrator{store: store, cleaner: cleaner, log: log}
}

// MigrateTenant moves a tenant from one umbrella to another. The assignment
// swap is atomic; the migration record and counter cleanup are best-effort
// afterwards, since a missed cleanup only under-utilizes capacity until the
// counters naturally drain or expire.
func (m *Migrator) MigrateTenant(ctx context.Context, tenantID, fromUmbrella, toUmbrella uuid.UUID, reason, actor string) error {
	current, err := m.store.ActiveAssignment(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read active assignment: %w", err)
	}
	if current.UmbrellaID != fromUmbrella {
		return fmt.Errorf("%w: tenant is assigned to %s, not %s", ErrNotFound, current.UmbrellaID, fromUmbrella)
	}

	target, err := m.store.GetUmbrella(ctx, toUmbrella)
	if err != nil {
		return fmt.Errorf("read target umbrella: %w", err)
	}
	if !target.IsActive {
		return fmt.Errorf("%w: umbrella %s is inactive", ErrUmbrellaUnavailable, toUmbrella)
	}
	occupants, err := m.store.CountActiveTenants(ctx, toUmbrella)
	if err != nil {
		return fmt.Errorf("count target tenants: %w", err)
	}
	if target.MaxTenants > 0 && occupants >= target.MaxTenants {
		return fmt.Errorf("%w: umbrella %s is at max tenants", ErrUmbrellaUnavailable, toUmbrella)
	}

	// the cap carries over but never above the target umbrella's limit
	newCap := current.TenantConcurrencyCap
	if newCap > target.ConcurrencyLimit {
		newCap = target.ConcurrencyLimit
	}

	if err := m.store.SwapAssignment(ctx, tenantID, fromUmbrella, toUmbrella, newCap, current.PriorityWeight); err != nil {
		return fmt.Errorf("swap assignment: %w", err)
	}

	record := &model.MigrationRecord{
		ID:             uuid.New(),
		TenantID:       tenantID,
		FromUmbrellaID: fromUmbrella,
		ToUmbrellaID:   toUmbrella,
		Reason:         reason,
		Actor:          actor,
	}
	if err := m.store.InsertMigrationRecord(ctx, record); err != nil {
		m.log.Error("failed to append migration record",
			zap.Stringer("tenant", tenantID), zap.Error(err))
	}

	// in-flight calls finish naturally on the provider side; only the
	// admission counters are discarded
	m.cleanup(ctx, fromUmbrella, tenantID)

	m.log.Info("tenant migrated",
		zap.Stringer("tenant", tenantID),
		zap.Stringer("from", fromUmbrella),
		zap.Stringer("to", toUmbrella),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return nil
}

func (m *Migrator) cleanup(ctx context.Context, umbrellaID, tenantID uuid.UUID) {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		if err = m.cleaner.CleanupTenantUsage(ctx, umbrellaID, tenantID); err == nil {
			return
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	m.log.Error("counter cleanup failed after retries, capacity temporarily under-utilized",
		zap.Stringer("umbrella", umbrellaID), zap.Stringer("tenant", tenantID), zap.Error(err))
}
