// internal/manager/tenant_manager.go
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"outreach-sequencer/internal/consumer"
	"outreach-sequencer/internal/messaging"
	"outreach-sequencer/internal/model"
	"outreach-sequencer/internal/sequence"
	"outreach-sequencer/internal/storage"
)

// Store is the durable-store surface the manager needs to apply deferred
// inbound events.
type Store interface {
	ContactByAddress(ctx context.Context, tenantID uuid.UUID, address string) (*model.Contact, error)
	EnrollmentsForContact(ctx context.Context, contactID uuid.UUID) ([]model.SequenceEnrollment, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (*model.SequenceEnrollment, error)
	UpdateEnrollment(ctx context.Context, id uuid.UUID, status model.EnrollmentStatus, stepOrder int, nextStepAt *time.Time, expect time.Time) error
}

// TenantManager owns the per-tenant event consumers: one RabbitMQ queue and
// one consumer goroutine per tenant with an active assignment.
type TenantManager struct {
	rabbitConn *amqp.Connection
	rabbit     *messaging.RabbitClient
	store      Store
	log        *zap.Logger

	mu        sync.RWMutex
	consumers map[uuid.UUID]*consumer.Consumer
}

func NewTenantManager(
	rabbitConn *amqp.Connection,
	rabbit *messaging.RabbitClient,
	store Store,
	log *zap.Logger,
) *TenantManager {
	return &TenantManager{
		rabbitConn: rabbitConn,
		rabbit:     rabbit,
		store:      store,
		log:        log,
		consumers:  make(map[uuid.UUID]*consumer.Consumer),
	}
}

// AddTenant declares the tenant's event queue and spawns its consumer.
func (tm *TenantManager) AddTenant(tenantID uuid.UUID) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.consumers[tenantID]; exists {
		return nil // already running
	}

	if err := tm.rabbit.DeclareQueue(tenantID.String()); err != nil {
		return err
	}

	c, err := consumer.StartConsumer(tm.rabbitConn, tenantID.String(), tm.handleEvent, tm.log)
	if err != nil {
		return err
	}
	tm.consumers[tenantID] = c

	tm.log.Info("tenant consumer started", zap.Stringer("tenant", tenantID))
	return nil
}

// RemoveTenant stops the tenant's consumer.
func (tm *TenantManager) RemoveTenant(tenantID uuid.UUID) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	c, exists := tm.consumers[tenantID]
	if !exists {
		return nil // nothing to remove
	}

	c.Stop()
	delete(tm.consumers, tenantID)

	tm.log.Info("tenant consumer stopped", zap.Stringer("tenant", tenantID))
	return nil
}

// ShutdownAll stops every tenant consumer.
func (tm *TenantManager) ShutdownAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for id, c := range tm.consumers {
		c.Stop()
		tm.log.Info("stopped tenant consumer", zap.Stringer("tenant", id))
	}
	tm.consumers = make(map[uuid.UUID]*consumer.Consumer)
}

// ListTenantIDs returns all currently registered tenant UUIDs
func (tm *TenantManager) ListTenantIDs() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	ids := make([]string, 0, len(tm.consumers))
	for id := range tm.consumers {
		ids = append(ids, id.String())
	}
	return ids
}

// handleEvent applies one deferred inbound-message event. Unparseable
// payloads are rejected to the DLQ; transient store failures are requeued.
func (tm *TenantManager) handleEvent(tenantID string, msg amqp.Delivery) {
	var event messaging.InboundEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		tm.log.Warn("unparseable inbound event", zap.String("tenant", tenantID), zap.Error(err))
		_ = msg.Reject(false) // DLQ
		return
	}

	if err := tm.ApplyInbound(context.Background(), event); err != nil {
		tm.log.Error("failed to apply inbound event", zap.String("tenant", tenantID), zap.Error(err))
		_ = msg.Nack(false, true) // requeue, the store may be back next delivery
		return
	}

	_ = msg.Ack(false)
}

// ApplyInbound moves every active/paused enrollment of the sending contact
// per the inbound classification. Each row update carries the optimistic
// precondition; a conflicting write is re-read and retried once.
func (tm *TenantManager) ApplyInbound(ctx context.Context, event messaging.InboundEvent) error {
	tenantID, err := uuid.Parse(event.TenantID)
	if err != nil {
		return errors.New("invalid tenant id in event")
	}

	contact, err := tm.store.ContactByAddress(ctx, tenantID, event.ContactAddress)
	if errors.Is(err, storage.ErrNotFound) {
		// unknown sender: nothing to transition, the history entry was
		// already recorded at ingestion
		tm.log.Info("inbound from unknown contact", zap.String("address", event.ContactAddress))
		return nil
	}
	if err != nil {
		return err
	}

	enrollments, err := tm.store.EnrollmentsForContact(ctx, contact.ID)
	if err != nil {
		return err
	}

	class := sequence.Classification(event.ClassifiedAs)
	for _, enr := range enrollments {
		if err := tm.transition(ctx, enr, class); err != nil {
			return err
		}
	}
	return nil
}

func (tm *TenantManager) transition(ctx context.Context, enr model.SequenceEnrollment, class sequence.Classification) error {
	next, changed := sequence.ApplyInbound(enr.Status, class)
	if !changed {
		return nil
	}

	// held and terminal states clear the pending step
	err := tm.store.UpdateEnrollment(ctx, enr.ID, next, enr.CurrentStepOrder, nil, enr.UpdatedAt)
	if errors.Is(err, storage.ErrStaleWrite) {
		fresh, rerr := tm.store.GetEnrollment(ctx, enr.ID)
		if rerr != nil {
			return rerr
		}
		next, changed = sequence.ApplyInbound(fresh.Status, class)
		if !changed {
			return nil
		}
		return tm.store.UpdateEnrollment(ctx, fresh.ID, next, fresh.CurrentStepOrder, nil, fresh.UpdatedAt)
	}
	return err
}
