// Package scheduler drives time-based progression of active enrollments.
// One loop runs per deployment; per-enrollment dispatch inside a tick fans
// out over a bounded worker pool, with admission safety delegated to the
// concurrency manager's atomic counters.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outreach-sequencer/internal/concurrency"
	"outreach-sequencer/internal/metrics"
	"outreach-sequencer/internal/model"
	"outreach-sequencer/internal/provider"
	"outreach-sequencer/internal/sequence"
	"outreach-sequencer/internal/storage"
	"outreach-sequencer/internal/worker"
)

// Store is the slice of the durable store gateway the scheduler needs.
type Store interface {
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]model.SequenceEnrollment, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (*model.SequenceEnrollment, error)
	UpdateEnrollment(ctx context.Context, id uuid.UUID, status model.EnrollmentStatus, stepOrder int, nextStepAt *time.Time, expect time.Time) error
	ActiveAssignment(ctx context.Context, tenantID uuid.UUID) (*model.TenantAssignment, error)
	GetUmbrella(ctx context.Context, id uuid.UUID) (*model.Umbrella, error)
	StepAt(ctx context.Context, sequenceID uuid.UUID, order int) (*model.SequenceStep, error)
	ContactAddress(ctx context.Context, contactID uuid.UUID) (string, error)
	InsertExecutionLog(ctx context.Context, e *model.ExecutionLogEntry) error
	UpdateUmbrellaSnapshot(ctx context.Context, id uuid.UUID, current int) error
}

// Admitter is the concurrency manager surface the scheduler consumes.
type Admitter interface {
	TryAcquire(ctx context.Context, umbrellaID, tenantID uuid.UUID) (concurrency.Admission, error)
	Release(ctx context.Context, umbrellaID, tenantID uuid.UUID)
	HoldWithTTL(umbrellaID, tenantID uuid.UUID, ttl time.Duration)
	ReapExpiredHolds(ctx context.Context, now time.Time)
	UmbrellaState(ctx context.Context, umbrellaID uuid.UUID) (concurrency.Snapshot, error)
}

type Config struct {
	TickPeriod      time.Duration
	BatchSize       int
	Workers         int
	RetryBudget     int
	DispatchTimeout time.Duration
	StaleAfter      time.Duration
	VoiceSlotTTL    time.Duration
}

type Loop struct {
	store    Store
	admit    Admitter
	dispatch provider.Dispatcher
	cfg      Config
	log      *zap.Logger

	lastBeat atomic.Int64 // unix nanos of the last completed tick
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewLoop(store Store, admit Admitter, dispatch provider.Dispatcher, cfg Config, log *zap.Logger) *Loop {
	return &Loop{
		store:    store,
		admit:    admit,
		dispatch: dispatch,
		cfg:      cfg,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Run ticks until Stop is called or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.TickPeriod)
	defer ticker.Stop()

	l.log.Info("scheduler started", zap.Duration("tick_period", l.cfg.TickPeriod))
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for the in-flight tick.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

// Healthy reports whether a heartbeat has been observed recently enough.
func (l *Loop) Healthy(now time.Time) bool {
	last := l.lastBeat.Load()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(0, last)) <= l.cfg.StaleAfter
}

// LastHeartbeat returns the time of the last completed tick.
func (l *Loop) LastHeartbeat() time.Time {
	return time.Unix(0, l.lastBeat.Load())
}

// candidate is one due enrollment with its tenant and umbrella context
// resolved.
type candidate struct {
	enrollment model.SequenceEnrollment
	assignment model.TenantAssignment
	umbrella   model.Umbrella
}

// Tick runs one scan-and-dispatch cycle. A durable-store failure aborts the
// whole tick cleanly; the next tick retries from durable state.
func (l *Loop) Tick(ctx context.Context) {
	now := l.now().UTC()

	// slots whose completion callback never arrived come back first, so the
	// reclaimed capacity is admittable within the same tick
	l.admit.ReapExpiredHolds(ctx, now)

	due, err := l.store.DueEnrollments(ctx, now, l.cfg.BatchSize)
	if err != nil {
		l.log.Error("tick aborted, durable store unavailable", zap.Error(err))
		return
	}

	candidates := l.resolve(ctx, due)
	// priority_weight descending, then earliest scheduled first
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].assignment.PriorityWeight != candidates[j].assignment.PriorityWeight {
			return candidates[i].assignment.PriorityWeight > candidates[j].assignment.PriorityWeight
		}
		return nextStepTime(candidates[i].enrollment).Before(nextStepTime(candidates[j].enrollment))
	})

	pool := worker.NewPool(l.cfg.Workers)
	for _, c := range candidates {
		c := c
		pool.Submit(func() { l.processOne(ctx, c, now) })
	}
	pool.Wait()

	l.snapshotUmbrellas(ctx, candidates)
	l.beat(now)
}

func nextStepTime(e model.SequenceEnrollment) time.Time {
	if e.NextStepAt == nil {
		return time.Time{}
	}
	return *e.NextStepAt
}

// resolve attaches assignment and umbrella context to each due enrollment.
// Enrollments whose tenant has no active assignment are skipped for the
// tick; they stay due and are retried once an assignment exists.
func (l *Loop) resolve(ctx context.Context, due []model.SequenceEnrollment) []candidate {
	assignments := make(map[uuid.UUID]*model.TenantAssignment)
	umbrellas := make(map[uuid.UUID]*model.Umbrella)

	var out []candidate
	for _, e := range due {
		a, ok := assignments[e.TenantID]
		if !ok {
			var err error
			a, err = l.store.ActiveAssignment(ctx, e.TenantID)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					l.log.Warn("failed to resolve assignment", zap.Stringer("tenant", e.TenantID), zap.Error(err))
				}
				assignments[e.TenantID] = nil
				continue
			}
			assignments[e.TenantID] = a
		}
		if a == nil {
			continue
		}

		u, ok := umbrellas[a.UmbrellaID]
		if !ok {
			var err error
			u, err = l.store.GetUmbrella(ctx, a.UmbrellaID)
			if err != nil {
				l.log.Warn("failed to resolve umbrella", zap.Stringer("umbrella", a.UmbrellaID), zap.Error(err))
				umbrellas[a.UmbrellaID] = nil
				continue
			}
			umbrellas[a.UmbrellaID] = u
		}
		if u == nil || !u.IsActive {
			continue
		}

		out = append(out, candidate{enrollment: e, assignment: *a, umbrella: *u})
	}
	return out
}

// processOne admits, dispatches and records a single due enrollment. A
// denial leaves next_step_at untouched so the enrollment is retried next
// tick; it is not a failure.
func (l *Loop) processOne(ctx context.Context, c candidate, now time.Time) {
	enr := c.enrollment

	adm, err := l.admit.TryAcquire(ctx, c.umbrella.ID, enr.TenantID)
	if err != nil {
		l.log.Error("admission error", zap.Stringer("enrollment", enr.ID), zap.Error(err))
		return
	}
	if !adm.Admitted {
		l.log.Debug("admission deferred",
			zap.Stringer("enrollment", enr.ID),
			zap.String("reason", string(adm.Reason)))
		return
	}

	// the slot must be returned exactly once on every failure path
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { l.admit.Release(ctx, c.umbrella.ID, enr.TenantID) })
	}

	step, err := l.store.StepAt(ctx, enr.SequenceID, enr.CurrentStepOrder)
	if err != nil {
		l.log.Error("failed to load due step", zap.Stringer("enrollment", enr.ID), zap.Error(err))
		release()
		return
	}
	address, err := l.store.ContactAddress(ctx, enr.ContactID)
	if err != nil {
		l.log.Error("failed to resolve contact", zap.Stringer("enrollment", enr.ID), zap.Error(err))
		release()
		return
	}

	providerID, dispatchErr := l.dispatchWithRetry(ctx, step, address)
	if dispatchErr != nil {
		l.recordFailure(ctx, enr, step, dispatchErr)
		metrics.Dispatches.WithLabelValues(string(step.Channel), "failed").Inc()
		release()
		return
	}

	entry := &model.ExecutionLogEntry{
		ID:                uuid.New(),
		EnrollmentID:      enr.ID,
		StepID:            step.ID,
		ProviderMessageID: providerID,
		Status:            model.DispatchSent,
	}
	if err := l.store.InsertExecutionLog(ctx, entry); err != nil {
		// the send happened; losing the log row must not re-dispatch the
		// step, so the enrollment still advances below
		l.log.Error("failed to record execution log", zap.Stringer("enrollment", enr.ID), zap.Error(err))
	}
	metrics.Dispatches.WithLabelValues(string(step.Channel), "sent").Inc()

	l.advance(ctx, enr, now)

	if c.umbrella.Type.HoldsSlotForDuration() {
		// live line: the slot stays held until the provider signals
		// completion; the TTL is the safety net for a lost callback
		l.admit.HoldWithTTL(c.umbrella.ID, enr.TenantID, l.cfg.VoiceSlotTTL)
		return
	}
	release()
}

func (l *Loop) dispatchWithRetry(ctx context.Context, step *model.SequenceStep, address string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.RetryBudget; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, l.cfg.DispatchTimeout)
		id, err := l.dispatch.Dispatch(dctx, step.Channel, address, step.Content)
		cancel()
		if err == nil {
			return id, nil
		}
		lastErr = err
		l.log.Warn("dispatch attempt failed",
			zap.Stringer("step", step.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return "", lastErr
}

// recordFailure logs the terminal dispatch error and moves the enrollment
// to failed.
func (l *Loop) recordFailure(ctx context.Context, enr model.SequenceEnrollment, step *model.SequenceStep, dispatchErr error) {
	entry := &model.ExecutionLogEntry{
		ID:           uuid.New(),
		EnrollmentID: enr.ID,
		StepID:       step.ID,
		Status:       model.DispatchFailed,
		ErrorMessage: dispatchErr.Error(),
	}
	if err := l.store.InsertExecutionLog(ctx, entry); err != nil {
		l.log.Error("failed to record failed dispatch", zap.Stringer("enrollment", enr.ID), zap.Error(err))
	}

	status, err := sequence.Fail(enr.Status)
	if err != nil {
		l.log.Warn("enrollment no longer active, skipping failure transition", zap.Stringer("enrollment", enr.ID))
		return
	}
	err = l.store.UpdateEnrollment(ctx, enr.ID, status, enr.CurrentStepOrder, nil, enr.UpdatedAt)
	if errors.Is(err, storage.ErrStaleWrite) {
		l.retryStale(ctx, enr.ID, func(fresh *model.SequenceEnrollment) error {
			status, ferr := sequence.Fail(fresh.Status)
			if ferr != nil {
				return nil // a webhook moved it first; leave as is
			}
			return l.store.UpdateEnrollment(ctx, fresh.ID, status, fresh.CurrentStepOrder, nil, fresh.UpdatedAt)
		})
		return
	}
	if err != nil {
		l.log.Error("failed to mark enrollment failed", zap.Stringer("enrollment", enr.ID), zap.Error(err))
	}
}

// advance moves the enrollment to its next step, or to completed when the
// dispatched step was the last one. The optimistic precondition on
// updated_at keeps webhook transitions from being overwritten: on a stale
// write the row is re-read and the transition retried once.
func (l *Loop) advance(ctx context.Context, enr model.SequenceEnrollment, now time.Time) {
	next, err := l.store.StepAt(ctx, enr.SequenceID, enr.CurrentStepOrder+1)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		l.log.Error("failed to load next step", zap.Stringer("enrollment", enr.ID), zap.Error(err))
		return
	}

	status, order, at, aerr := sequence.Advance(enr.Status, enr.CurrentStepOrder, next, now)
	if aerr != nil {
		l.log.Warn("enrollment no longer active, not advancing", zap.Stringer("enrollment", enr.ID))
		return
	}

	uerr := l.store.UpdateEnrollment(ctx, enr.ID, status, order, at, enr.UpdatedAt)
	if errors.Is(uerr, storage.ErrStaleWrite) {
		l.retryStale(ctx, enr.ID, func(fresh *model.SequenceEnrollment) error {
			if fresh.Status != model.StatusActive {
				return nil // a webhook transition wins
			}
			status, order, at, aerr := sequence.Advance(fresh.Status, fresh.CurrentStepOrder, next, now)
			if aerr != nil {
				return nil
			}
			return l.store.UpdateEnrollment(ctx, fresh.ID, status, order, at, fresh.UpdatedAt)
		})
		return
	}
	if uerr != nil {
		l.log.Error("failed to advance enrollment", zap.Stringer("enrollment", enr.ID), zap.Error(uerr))
	}
}

// retryStale re-reads the enrollment and retries a conflicting transition
// once. A second conflict means the row is hot; skip it this tick.
func (l *Loop) retryStale(ctx context.Context, id uuid.UUID, apply func(*model.SequenceEnrollment) error) {
	fresh, err := l.store.GetEnrollment(ctx, id)
	if err != nil {
		l.log.Error("failed to re-read enrollment after stale write", zap.Stringer("enrollment", id), zap.Error(err))
		return
	}
	if err := apply(fresh); err != nil {
		l.log.Warn("stale write recurred, skipping enrollment this tick", zap.Stringer("enrollment", id), zap.Error(err))
	}
}

// snapshotUmbrellas persists the durable current_concurrency view of every
// umbrella touched this tick.
func (l *Loop) snapshotUmbrellas(ctx context.Context, candidates []candidate) {
	seen := make(map[uuid.UUID]bool)
	for _, c := range candidates {
		if seen[c.umbrella.ID] {
			continue
		}
		seen[c.umbrella.ID] = true

		snap, err := l.admit.UmbrellaState(ctx, c.umbrella.ID)
		if err != nil {
			l.log.Warn("failed to snapshot umbrella", zap.Stringer("umbrella", c.umbrella.ID), zap.Error(err))
			continue
		}
		if err := l.store.UpdateUmbrellaSnapshot(ctx, c.umbrella.ID, snap.Current); err != nil {
			l.log.Warn("failed to persist umbrella snapshot", zap.Stringer("umbrella", c.umbrella.ID), zap.Error(err))
		}
	}
}

func (l *Loop) beat(now time.Time) {
	l.lastBeat.Store(now.UnixNano())
	metrics.LastHeartbeat.Set(float64(now.Unix()))
	metrics.SchedulerTicks.Inc()
}
