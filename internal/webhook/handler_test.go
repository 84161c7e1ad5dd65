package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"outreach-sequencer/internal/messaging"
	"outreach-sequencer/internal/model"
	"outreach-sequencer/internal/storage"
)

type fakeStore struct {
	mu          sync.Mutex
	events      []*model.ContactEvent
	logEntries  map[string]*model.ExecutionLogEntry // by provider id
	enrollments map[uuid.UUID]*model.SequenceEnrollment
	assignments map[uuid.UUID]*model.TenantAssignment
	umbrellas   map[uuid.UUID]*model.Umbrella
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		logEntries:  make(map[string]*model.ExecutionLogEntry),
		enrollments: make(map[uuid.UUID]*model.SequenceEnrollment),
		assignments: make(map[uuid.UUID]*model.TenantAssignment),
		umbrellas:   make(map[uuid.UUID]*model.Umbrella),
	}
}

func (f *fakeStore) InsertContactEvent(_ context.Context, e *model.ContactEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) UpdateExecutionLogStatus(_ context.Context, providerID string, status model.DispatchStatus, errorMessage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.logEntries[providerID]
	if !ok {
		return false, nil
	}
	e.Status = status
	e.ErrorMessage = errorMessage
	return true, nil
}

func (f *fakeStore) ExecutionLogByProviderID(_ context.Context, providerID string) (*model.ExecutionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.logEntries[providerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) GetUmbrella(_ context.Context, id uuid.UUID) (*model.Umbrella, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.umbrellas[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetEnrollment(_ context.Context, id uuid.UUID) (*model.SequenceEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.enrollments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ActiveAssignment(_ context.Context, tenantID uuid.UUID) (*model.TenantAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a, nil
}

// seedDispatch wires a sent log entry through its enrollment and active
// assignment to an umbrella of the given type, and returns the umbrella id.
func (f *fakeStore) seedDispatch(providerID string, umbrellaType model.UmbrellaType) uuid.UUID {
	tenantID, umbrellaID, enrollmentID := uuid.New(), uuid.New(), uuid.New()
	f.logEntries[providerID] = &model.ExecutionLogEntry{
		ID: uuid.New(), ProviderMessageID: providerID, Status: model.DispatchSent,
		StepID: uuid.New(), EnrollmentID: enrollmentID,
	}
	f.enrollments[enrollmentID] = &model.SequenceEnrollment{
		ID: enrollmentID, TenantID: tenantID, Status: model.StatusActive, UpdatedAt: time.Now(),
	}
	f.assignments[tenantID] = &model.TenantAssignment{
		TenantID: tenantID, UmbrellaID: umbrellaID, IsActive: true,
	}
	f.umbrellas[umbrellaID] = &model.Umbrella{
		ID: umbrellaID, Type: umbrellaType, ConcurrencyLimit: 5, IsActive: true,
	}
	return umbrellaID
}

type fakePublisher struct {
	mu     sync.Mutex
	events []messaging.InboundEvent
	err    error
}

func (f *fakePublisher) PublishInbound(event messaging.InboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type fakeReleaser struct {
	mu       sync.Mutex
	releases []uuid.UUID // umbrella ids
}

func (f *fakeReleaser) Release(_ context.Context, umbrellaID, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, umbrellaID)
}

func newTestServer(store *fakeStore, pub *fakePublisher, rel *fakeReleaser) *httptest.Server {
	h := NewHandler(store, pub, rel, zap.NewNop())
	r := chi.NewRouter()
	h.Routes(r)
	return httptest.NewServer(r)
}

func postForm(t *testing.T, url string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestInboundMessageClassifiedAndEnqueued(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	tenantID := uuid.New()
	resp := postForm(t, srv.URL+"/webhooks/"+tenantID.String()+"/message/inbound", url.Values{
		"From": {"+15550001111"},
		"Body": {"  stop  "},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, pub.events, 1)
	require.Equal(t, tenantID.String(), pub.events[0].TenantID)
	require.Equal(t, "+15550001111", pub.events[0].ContactAddress)
	require.Equal(t, "opt_out", pub.events[0].ClassifiedAs)

	require.Len(t, store.events, 1)
	require.Equal(t, "inbound", store.events[0].Direction)
	require.Equal(t, "opt_out", store.events[0].ClassifiedAs)
}

func TestMalformedInboundAcknowledged(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	// bad tenant id and missing sender must still get a 2xx so the
	// provider does not retry-storm
	resp := postForm(t, srv.URL+"/webhooks/not-a-uuid/message/inbound", url.Values{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, pub.events)
	require.Empty(t, store.events)
}

func TestDeliveryStatusUpdatesMatchedEntry(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	store.seedDispatch("PM-1", model.UmbrellaMessage)

	resp := postForm(t, srv.URL+"/webhooks/message/status", url.Values{
		"MessageSid":    {"PM-1"},
		"MessageStatus": {"delivered"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, model.DispatchDelivered, store.logEntries["PM-1"].Status)
	require.Empty(t, rel.releases, "message-umbrella slots are not held")
}

func TestDeliveryStatusFailureRecordsError(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	store.seedDispatch("PM-2", model.UmbrellaMessage)

	resp := postForm(t, srv.URL+"/webhooks/message/status", url.Values{
		"MessageSid":    {"PM-2"},
		"MessageStatus": {"undelivered"},
		"ErrorMessage":  {"carrier rejected"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, model.DispatchFailed, store.logEntries["PM-2"].Status)
	require.Equal(t, "carrier rejected", store.logEntries["PM-2"].ErrorMessage)
}

func TestUnknownProviderIDAcknowledgedWithoutMutation(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	resp := postForm(t, srv.URL+"/webhooks/message/status", url.Values{
		"MessageSid":    {"PM-unknown"},
		"MessageStatus": {"delivered"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, store.logEntries)
	require.Empty(t, rel.releases)
}

func TestVoiceCompletionReleasesHeldSlot(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	umbrellaID := store.seedDispatch("CALL-1", model.UmbrellaVoice)

	resp := postForm(t, srv.URL+"/webhooks/message/status", url.Values{
		"MessageSid":    {"CALL-1"},
		"MessageStatus": {"completed"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []uuid.UUID{umbrellaID}, rel.releases)
}

// A voice-channel step dispatched under a message-type umbrella had its slot
// returned right after dispatch; the provider's completion callback must not
// decrement the shared counter a second time.
func TestCompletionOnMessageUmbrellaDoesNotReleaseAgain(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	store.seedDispatch("CALL-2", model.UmbrellaMessage)

	resp := postForm(t, srv.URL+"/webhooks/message/status", url.Values{
		"MessageSid":    {"CALL-2"},
		"MessageStatus": {"completed"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, rel.releases, "slot was released at dispatch time")
}

// The dual case: any step on a held-for-duration umbrella keeps its slot
// until the terminal callback, message channel included.
func TestDeliveryOnVoiceUmbrellaReleasesHeldSlot(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	umbrellaID := store.seedDispatch("PM-3", model.UmbrellaVoice)

	resp := postForm(t, srv.URL+"/webhooks/message/status", url.Values{
		"MessageSid":    {"PM-3"},
		"MessageStatus": {"delivered"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []uuid.UUID{umbrellaID}, rel.releases)
}

func TestInboundVoiceStubAcknowledged(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	resp := postForm(t, srv.URL+"/webhooks/"+uuid.NewString()+"/voice/inbound", url.Values{
		"CallSid": {"CA-1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublishFailureStillAcknowledged(t *testing.T) {
	store, pub, rel := newFakeStore(), &fakePublisher{err: context.DeadlineExceeded}, &fakeReleaser{}
	srv := newTestServer(store, pub, rel)
	defer srv.Close()

	resp := postForm(t, srv.URL+"/webhooks/"+uuid.NewString()+"/message/inbound", url.Values{
		"From": {"+15550001111"},
		"Body": {"hello"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
