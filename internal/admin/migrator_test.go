package admin

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"outreach-sequencer/internal/model"
	"outreach-sequencer/internal/storage"
)

type fakeStore struct {
	assignments map[uuid.UUID]*model.TenantAssignment
	umbrellas   map[uuid.UUID]*model.Umbrella
	tenantCount map[uuid.UUID]int
	records     []*model.MigrationRecord
	swapErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assignments: make(map[uuid.UUID]*model.TenantAssignment),
		umbrellas:   make(map[uuid.UUID]*model.Umbrella),
		tenantCount: make(map[uuid.UUID]int),
	}
}

func (f *fakeStore) ActiveAssignment(_ context.Context, tenantID uuid.UUID) (*model.TenantAssignment, error) {
	a, ok := f.assignments[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) GetUmbrella(_ context.Context, id uuid.UUID) (*model.Umbrella, error) {
	u, ok := f.umbrellas[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) CountActiveTenants(_ context.Context, umbrellaID uuid.UUID) (int, error) {
	return f.tenantCount[umbrellaID], nil
}

func (f *fakeStore) SwapAssignment(_ context.Context, tenantID, fromUmbrella, toUmbrella uuid.UUID, cap, weight int) error {
	if f.swapErr != nil {
		return f.swapErr
	}
	f.assignments[tenantID] = &model.TenantAssignment{
		ID: uuid.New(), TenantID: tenantID, UmbrellaID: toUmbrella,
		TenantConcurrencyCap: cap, PriorityWeight: weight, IsActive: true,
	}
	return nil
}

func (f *fakeStore) InsertMigrationRecord(_ context.Context, m *model.MigrationRecord) error {
	f.records = append(f.records, m)
	return nil
}

type fakeCleaner struct {
	calls []uuid.UUID // umbrella ids
	fails int
}

func (f *fakeCleaner) CleanupTenantUsage(_ context.Context, umbrellaID, _ uuid.UUID) error {
	f.calls = append(f.calls, umbrellaID)
	if f.fails > 0 {
		f.fails--
		return errors.New("counter store unavailable")
	}
	return nil
}

func fixture() (*fakeStore, uuid.UUID, uuid.UUID, uuid.UUID) {
	f := newFakeStore()
	tenant, from, to := uuid.New(), uuid.New(), uuid.New()
	f.umbrellas[from] = &model.Umbrella{ID: from, ConcurrencyLimit: 10, MaxTenants: 5, IsActive: true}
	f.umbrellas[to] = &model.Umbrella{ID: to, ConcurrencyLimit: 10, MaxTenants: 5, IsActive: true}
	f.assignments[tenant] = &model.TenantAssignment{
		ID: uuid.New(), TenantID: tenant, UmbrellaID: from,
		TenantConcurrencyCap: 4, PriorityWeight: 2, IsActive: true,
	}
	return f, tenant, from, to
}

func TestMigrateTenant(t *testing.T) {
	f, tenant, from, to := fixture()
	cleaner := &fakeCleaner{}
	m := NewMigrator(f, cleaner, zap.NewNop())

	require.NoError(t, m.MigrateTenant(context.Background(), tenant, from, to, "load rebalance", "ops@example.com"))

	a := f.assignments[tenant]
	require.Equal(t, to, a.UmbrellaID)
	require.True(t, a.IsActive)
	require.Equal(t, 4, a.TenantConcurrencyCap)
	require.Equal(t, 2, a.PriorityWeight)

	require.Len(t, f.records, 1)
	require.Equal(t, "load rebalance", f.records[0].Reason)
	require.Equal(t, "ops@example.com", f.records[0].Actor)

	require.Equal(t, []uuid.UUID{from}, cleaner.calls, "stale counters discarded on the source umbrella")
}

func TestMigrateUnknownTenant(t *testing.T) {
	f, _, from, to := fixture()
	m := NewMigrator(f, &fakeCleaner{}, zap.NewNop())

	err := m.MigrateTenant(context.Background(), uuid.New(), from, to, "", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMigrateWrongSourceUmbrella(t *testing.T) {
	f, tenant, _, to := fixture()
	m := NewMigrator(f, &fakeCleaner{}, zap.NewNop())

	err := m.MigrateTenant(context.Background(), tenant, uuid.New(), to, "", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMigrateToInactiveUmbrella(t *testing.T) {
	f, tenant, from, to := fixture()
	f.umbrellas[to].IsActive = false
	m := NewMigrator(f, &fakeCleaner{}, zap.NewNop())

	err := m.MigrateTenant(context.Background(), tenant, from, to, "", "")
	require.ErrorIs(t, err, ErrUmbrellaUnavailable)
}

func TestMigrateToFullUmbrella(t *testing.T) {
	f, tenant, from, to := fixture()
	f.tenantCount[to] = 5
	m := NewMigrator(f, &fakeCleaner{}, zap.NewNop())

	err := m.MigrateTenant(context.Background(), tenant, from, to, "", "")
	require.ErrorIs(t, err, ErrUmbrellaUnavailable)
}

func TestCapClampedToTargetLimit(t *testing.T) {
	f, tenant, from, to := fixture()
	f.umbrellas[to].ConcurrencyLimit = 2
	m := NewMigrator(f, &fakeCleaner{}, zap.NewNop())

	require.NoError(t, m.MigrateTenant(context.Background(), tenant, from, to, "", ""))
	require.Equal(t, 2, f.assignments[tenant].TenantConcurrencyCap)
}

func TestCleanupRetriedOnFailure(t *testing.T) {
	f, tenant, from, to := fixture()
	cleaner := &fakeCleaner{fails: 2}
	m := NewMigrator(f, cleaner, zap.NewNop())

	require.NoError(t, m.MigrateTenant(context.Background(), tenant, from, to, "", ""))
	require.Len(t, cleaner.calls, 3, "cleanup retried until it succeeded")
}

func TestSwapFailureSurfacedWithoutCleanup(t *testing.T) {
	f, tenant, from, to := fixture()
	f.swapErr = errors.New("db down")
	cleaner := &fakeCleaner{}
	m := NewMigrator(f, cleaner, zap.NewNop())

	err := m.MigrateTenant(context.Background(), tenant, from, to, "", "")
	require.Error(t, err)
	require.Empty(t, cleaner.calls)
	require.Empty(t, f.records)
}
