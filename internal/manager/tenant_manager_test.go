package manager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"outreach-sequencer/internal/messaging"
	"outreach-sequencer/internal/model"
	"outreach-sequencer/internal/sequence"
	"outreach-sequencer/internal/storage"
)

type fakeStore struct {
	contacts    map[string]*model.Contact // by address
	enrollments map[uuid.UUID]*model.SequenceEnrollment
	staleOnce   map[uuid.UUID]bool // force one ErrStaleWrite per enrollment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contacts:    make(map[string]*model.Contact),
		enrollments: make(map[uuid.UUID]*model.SequenceEnrollment),
		staleOnce:   make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) ContactByAddress(_ context.Context, _ uuid.UUID, address string) (*model.Contact, error) {
	c, ok := f.contacts[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) EnrollmentsForContact(_ context.Context, contactID uuid.UUID) ([]model.SequenceEnrollment, error) {
	var out []model.SequenceEnrollment
	for _, e := range f.enrollments {
		if e.ContactID == contactID && (e.Status == model.StatusActive || e.Status == model.StatusPaused) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) GetEnrollment(_ context.Context, id uuid.UUID) (*model.SequenceEnrollment, error) {
	e, ok := f.enrollments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) UpdateEnrollment(_ context.Context, id uuid.UUID, status model.EnrollmentStatus, stepOrder int, nextStepAt *time.Time, expect time.Time) error {
	if f.staleOnce[id] {
		f.staleOnce[id] = false
		f.enrollments[id].UpdatedAt = f.enrollments[id].UpdatedAt.Add(time.Second)
		return storage.ErrStaleWrite
	}
	e, ok := f.enrollments[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !e.UpdatedAt.Equal(expect) {
		return storage.ErrStaleWrite
	}
	e.Status = status
	e.CurrentStepOrder = stepOrder
	e.NextStepAt = nextStepAt
	e.UpdatedAt = e.UpdatedAt.Add(time.Millisecond)
	return nil
}

func newTestManager(store Store) *TenantManager {
	return &TenantManager{store: store, log: zap.NewNop()}
}

func event(tenantID uuid.UUID, address, body string) messaging.InboundEvent {
	return messaging.InboundEvent{
		TenantID:       tenantID.String(),
		ContactAddress: address,
		Body:           body,
		ClassifiedAs:   string(sequence.Classify(body)),
		ReceivedAt:     time.Now(),
	}
}

func seed(f *fakeStore, tenantID uuid.UUID, status model.EnrollmentStatus) (*model.Contact, *model.SequenceEnrollment) {
	contact := &model.Contact{ID: uuid.New(), TenantID: tenantID, Address: "+15550001111"}
	f.contacts[contact.Address] = contact

	due := time.Now().Add(time.Hour)
	e := &model.SequenceEnrollment{
		ID: uuid.New(), TenantID: tenantID, ContactID: contact.ID, SequenceID: uuid.New(),
		Status: status, CurrentStepOrder: 2, NextStepAt: &due, UpdatedAt: time.Now(),
	}
	f.enrollments[e.ID] = e
	return contact, e
}

func TestStopOptsOutAllEnrollmentsForContact(t *testing.T) {
	tenantID := uuid.New()
	f := newFakeStore()
	contact, active := seed(f, tenantID, model.StatusActive)

	paused := &model.SequenceEnrollment{
		ID: uuid.New(), TenantID: tenantID, ContactID: contact.ID, SequenceID: uuid.New(),
		Status: model.StatusPaused, CurrentStepOrder: 1, UpdatedAt: time.Now(),
	}
	f.enrollments[paused.ID] = paused

	tm := newTestManager(f)
	require.NoError(t, tm.ApplyInbound(context.Background(), event(tenantID, contact.Address, "STOP")))

	require.Equal(t, model.StatusOptedOut, f.enrollments[active.ID].Status)
	require.Equal(t, model.StatusOptedOut, f.enrollments[paused.ID].Status)
	require.Nil(t, f.enrollments[active.ID].NextStepAt, "no further dispatch after opt-out")
}

func TestReplyHoldsActiveEnrollment(t *testing.T) {
	tenantID := uuid.New()
	f := newFakeStore()
	contact, e := seed(f, tenantID, model.StatusActive)

	tm := newTestManager(f)
	require.NoError(t, tm.ApplyInbound(context.Background(), event(tenantID, contact.Address, "sounds good, call me tomorrow")))

	require.Equal(t, model.StatusReplied, f.enrollments[e.ID].Status)
	require.Nil(t, f.enrollments[e.ID].NextStepAt)
}

func TestControlKeywordLeavesEnrollmentUntouched(t *testing.T) {
	tenantID := uuid.New()
	f := newFakeStore()
	contact, e := seed(f, tenantID, model.StatusActive)
	before := *f.enrollments[e.ID]

	tm := newTestManager(f)
	require.NoError(t, tm.ApplyInbound(context.Background(), event(tenantID, contact.Address, "HELP")))

	require.Equal(t, before.Status, f.enrollments[e.ID].Status)
	require.Equal(t, before.UpdatedAt, f.enrollments[e.ID].UpdatedAt)
}

func TestUnknownContactIsAcknowledged(t *testing.T) {
	tenantID := uuid.New()
	f := newFakeStore()

	tm := newTestManager(f)
	require.NoError(t, tm.ApplyInbound(context.Background(), event(tenantID, "+19998887777", "STOP")))
}

func TestStaleWriteRetriedOnce(t *testing.T) {
	tenantID := uuid.New()
	f := newFakeStore()
	contact, e := seed(f, tenantID, model.StatusActive)
	f.staleOnce[e.ID] = true

	tm := newTestManager(f)
	require.NoError(t, tm.ApplyInbound(context.Background(), event(tenantID, contact.Address, "STOP")))

	require.Equal(t, model.StatusOptedOut, f.enrollments[e.ID].Status)
}
