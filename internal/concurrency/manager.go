// Package concurrency is the capacity-admission authority. It owns every
// read and write of the live per-umbrella and per-tenant counters; nothing
// else touches the counter store.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outreach-sequencer/internal/counter"
	"outreach-sequencer/internal/metrics"
)

// DenialReason explains why an admission request was refused.
type DenialReason string

const (
	UmbrellaFull     DenialReason = "umbrella_full"
	TenantCapReached DenialReason = "tenant_cap_reached"
	// StoreDegraded is reported when the counter store is unreachable.
	// Admission fails closed rather than bypassing capacity limits.
	StoreDegraded DenialReason = "store_degraded"
)

// Admission is the outcome of TryAcquire.
type Admission struct {
	Admitted bool
	Reason   DenialReason
}

// Snapshot is a read-only view of an umbrella's live counters.
type Snapshot struct {
	Current   int               `json:"current"`
	Limit     int               `json:"limit"`
	PerTenant map[uuid.UUID]int `json:"per_tenant"`
}

// Limits supplies the capacity bounds from the durable store. Re-read on
// every admission so migrations and cap changes take effect immediately.
type Limits interface {
	UmbrellaLimit(ctx context.Context, umbrellaID uuid.UUID) (int, error)
	TenantCap(ctx context.Context, umbrellaID, tenantID uuid.UUID) (int, error)
	ListActiveTenantIDs(ctx context.Context, umbrellaID uuid.UUID) ([]uuid.UUID, error)
}

// hold is one held-for-duration acquisition awaiting its completion
// callback, with the deadline after which the slot is forcibly returned.
type hold struct {
	umbrellaID uuid.UUID
	tenantID   uuid.UUID
	expiresAt  time.Time
}

type Manager struct {
	counters counter.Store
	limits   Limits
	log      *zap.Logger

	mu    sync.Mutex
	holds []hold
	now   func() time.Time
}

func NewManager(counters counter.Store, limits Limits, log *zap.Logger) *Manager {
	return &Manager{counters: counters, limits: limits, log: log, now: time.Now}
}

// TryAcquire answers "may tenant T consume one slot of umbrella U now?".
// Both the umbrella counter and the tenant counter are bumped with the
// store's compare-and-increment, so concurrent callers contending for the
// same umbrella cannot oversubscribe it. When the tenant increment is
// refused after the umbrella increment succeeded, the umbrella increment is
// rolled back.
func (m *Manager) TryAcquire(ctx context.Context, umbrellaID, tenantID uuid.UUID) (Admission, error) {
	limit, err := m.limits.UmbrellaLimit(ctx, umbrellaID)
	if err != nil {
		return m.denyDegraded(umbrellaID, err), nil
	}
	tenantCap, err := m.limits.TenantCap(ctx, umbrellaID, tenantID)
	if err != nil {
		return m.denyDegraded(umbrellaID, err), nil
	}

	uKey := counter.UmbrellaKey(umbrellaID)
	tKey := counter.TenantKey(umbrellaID, tenantID)

	ok, err := m.counters.Increment(uKey, limit)
	if err != nil {
		return m.denyDegraded(umbrellaID, err), nil
	}
	if !ok {
		metrics.AdmissionDenied.WithLabelValues(string(UmbrellaFull)).Inc()
		return Admission{Reason: UmbrellaFull}, nil
	}

	ok, err = m.counters.Increment(tKey, tenantCap)
	if err != nil {
		m.rollback(uKey)
		return m.denyDegraded(umbrellaID, err), nil
	}
	if !ok {
		m.rollback(uKey)
		metrics.AdmissionDenied.WithLabelValues(string(TenantCapReached)).Inc()
		return Admission{Reason: TenantCapReached}, nil
	}

	if current, err := m.counters.Get(uKey); err == nil {
		metrics.UmbrellaSlotsInUse.WithLabelValues(umbrellaID.String()).Set(float64(current))
	}
	return Admission{Admitted: true}, nil
}

func (m *Manager) denyDegraded(umbrellaID uuid.UUID, err error) Admission {
	m.log.Warn("counter store degraded, admission fails closed",
		zap.Stringer("umbrella", umbrellaID), zap.Error(err))
	metrics.AdmissionDenied.WithLabelValues(string(StoreDegraded)).Inc()
	return Admission{Reason: StoreDegraded}
}

func (m *Manager) rollback(key string) {
	if err := m.counters.Decrement(key); err != nil && !errors.Is(err, counter.ErrUnderflow) {
		m.log.Warn("failed to roll back counter", zap.String("key", key), zap.Error(err))
	}
}

// Release returns one slot for the tenant and the umbrella. A counter that
// would go negative is floored at zero and logged; it points at a missed
// release somewhere, not a fatal condition. Any matching safety hold is
// cancelled so the reaper cannot return the same slot twice.
func (m *Manager) Release(ctx context.Context, umbrellaID, tenantID uuid.UUID) {
	m.cancelHold(umbrellaID, tenantID)
	m.decrementPair(umbrellaID, tenantID)
}

func (m *Manager) decrementPair(umbrellaID, tenantID uuid.UUID) {
	for _, key := range []string{counter.TenantKey(umbrellaID, tenantID), counter.UmbrellaKey(umbrellaID)} {
		err := m.counters.Decrement(key)
		if errors.Is(err, counter.ErrUnderflow) {
			m.log.Warn("release underflow, counter already zero", zap.String("key", key))
		} else if err != nil {
			m.log.Error("release failed", zap.String("key", key), zap.Error(err))
		}
	}
	if current, err := m.counters.Get(counter.UmbrellaKey(umbrellaID)); err == nil {
		metrics.UmbrellaSlotsInUse.WithLabelValues(umbrellaID.String()).Set(float64(current))
	}
}

// HoldWithTTL registers a safety expiry for one held-for-duration slot.
// Each acquisition gets its own hold, so overlapping calls expire
// independently; a lost completion callback surrenders only its own slot
// once ReapExpiredHolds passes the deadline.
func (m *Manager) HoldWithTTL(umbrellaID, tenantID uuid.UUID, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds = append(m.holds, hold{umbrellaID: umbrellaID, tenantID: tenantID, expiresAt: m.now().Add(ttl)})
}

// cancelHold drops the oldest hold for the pair, if any. Message-type
// releases have no hold and fall through.
func (m *Manager) cancelHold(umbrellaID, tenantID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.holds {
		if h.umbrellaID == umbrellaID && h.tenantID == tenantID {
			m.holds = append(m.holds[:i], m.holds[i+1:]...)
			return
		}
	}
}

// ReapExpiredHolds returns the slots of holds whose completion callback
// never arrived. Live holds keep their own deadlines untouched.
func (m *Manager) ReapExpiredHolds(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var expired []hold
	kept := m.holds[:0]
	for _, h := range m.holds {
		if now.After(h.expiresAt) {
			expired = append(expired, h)
		} else {
			kept = append(kept, h)
		}
	}
	m.holds = kept
	m.mu.Unlock()

	for _, h := range expired {
		m.log.Warn("held slot expired without completion callback",
			zap.Stringer("umbrella", h.umbrellaID), zap.Stringer("tenant", h.tenantID))
		m.decrementPair(h.umbrellaID, h.tenantID)
	}
}

// UmbrellaState returns a read-only snapshot for health and admin reporting.
func (m *Manager) UmbrellaState(ctx context.Context, umbrellaID uuid.UUID) (Snapshot, error) {
	limit, err := m.limits.UmbrellaLimit(ctx, umbrellaID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("umbrella limit: %w", err)
	}
	current, err := m.counters.Get(counter.UmbrellaKey(umbrellaID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("umbrella counter: %w", err)
	}

	snap := Snapshot{Current: current, Limit: limit, PerTenant: make(map[uuid.UUID]int)}

	tenants, err := m.limits.ListActiveTenantIDs(ctx, umbrellaID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list tenants: %w", err)
	}
	for _, tid := range tenants {
		v, err := m.counters.Get(counter.TenantKey(umbrellaID, tid))
		if err != nil {
			return Snapshot{}, fmt.Errorf("tenant counter: %w", err)
		}
		snap.PerTenant[tid] = v
	}
	return snap, nil
}

// CleanupTenantUsage forcibly zeroes the tenant's counter within the
// umbrella and subtracts its share from the umbrella total. Used during
// migration: the tenant's pending work is being redirected, so stale
// in-flight accounting is discarded rather than drained.
func (m *Manager) CleanupTenantUsage(ctx context.Context, umbrellaID, tenantID uuid.UUID) error {
	tKey := counter.TenantKey(umbrellaID, tenantID)
	held, err := m.counters.Get(tKey)
	if err != nil {
		return fmt.Errorf("read tenant counter: %w", err)
	}
	for i := 0; i < held; i++ {
		if err := m.counters.Decrement(counter.UmbrellaKey(umbrellaID)); err != nil && !errors.Is(err, counter.ErrUnderflow) {
			return fmt.Errorf("decrement umbrella counter: %w", err)
		}
	}
	if err := m.counters.Delete(tKey); err != nil {
		return fmt.Errorf("delete tenant counter: %w", err)
	}
	m.log.Info("cleaned up tenant usage",
		zap.Stringer("umbrella", umbrellaID), zap.Stringer("tenant", tenantID),
		zap.Int("discarded_slots", held))
	return nil
}
