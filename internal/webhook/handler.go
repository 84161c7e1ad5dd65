// Package webhook ingests asynchronous provider callbacks: delivery status
// updates and inbound messages. Handlers acknowledge fast and always with
// 2xx, since providers retry on anything else and a retry storm is worse
// than a logged bad payload. Enrollment transitions are deferred to the
// tenant's event consumer.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"outreach-sequencer/internal/messaging"
	"outreach-sequencer/internal/metrics"
	"outreach-sequencer/internal/model"
	"outreach-sequencer/internal/sequence"
	"outreach-sequencer/internal/storage"
)

// Store is the durable-store surface the adapter needs.
type Store interface {
	InsertContactEvent(ctx context.Context, e *model.ContactEvent) error
	UpdateExecutionLogStatus(ctx context.Context, providerMessageID string, status model.DispatchStatus, errorMessage string) (bool, error)
	ExecutionLogByProviderID(ctx context.Context, providerMessageID string) (*model.ExecutionLogEntry, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (*model.SequenceEnrollment, error)
	ActiveAssignment(ctx context.Context, tenantID uuid.UUID) (*model.TenantAssignment, error)
	GetUmbrella(ctx context.Context, id uuid.UUID) (*model.Umbrella, error)
}

// Publisher enqueues deferred inbound events for the tenant's consumer.
type Publisher interface {
	PublishInbound(event messaging.InboundEvent) error
}

// Releaser returns held voice slots when the provider signals completion.
type Releaser interface {
	Release(ctx context.Context, umbrellaID, tenantID uuid.UUID)
}

type Handler struct {
	store   Store
	pub     Publisher
	release Releaser
	log     *zap.Logger
}

func NewHandler(store Store, pub Publisher, release Releaser, log *zap.Logger) *Handler {
	return &Handler{store: store, pub: pub, release: release, log: log}
}

// Routes mounts the provider callback endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{tenantID}/message/inbound", h.InboundMessage)
	r.Post("/webhooks/{tenantID}/voice/inbound", h.InboundVoice)
	r.Post("/webhooks/message/status", h.DeliveryStatus)
}

// InboundMessage receives a message from a contact. The handler records the
// history entry, classifies the body and enqueues the event; it never
// blocks on enrollment updates.
func (h *Handler) InboundMessage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	from := r.FormValue("From")
	body := r.FormValue("Body")

	if _, err := uuid.Parse(tenantID); err != nil || from == "" {
		h.log.Warn("malformed inbound webhook",
			zap.String("tenant", tenantID), zap.String("from", from))
		metrics.WebhookEvents.WithLabelValues("inbound", "malformed").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	class := sequence.Classify(body)
	event := messaging.InboundEvent{
		TenantID:       tenantID,
		ContactAddress: from,
		Body:           body,
		ClassifiedAs:   string(class),
		ReceivedAt:     time.Now().UTC(),
	}

	historyEntry := &model.ContactEvent{
		ID:             uuid.New(),
		TenantID:       uuid.MustParse(tenantID),
		ContactAddress: from,
		Direction:      "inbound",
		Body:           body,
		ClassifiedAs:   string(class),
	}
	if err := h.store.InsertContactEvent(r.Context(), historyEntry); err != nil {
		// best effort: the enqueued event still drives the transition
		h.log.Error("failed to record contact event", zap.Error(err))
	}

	if err := h.pub.PublishInbound(event); err != nil {
		h.log.Error("failed to enqueue inbound event", zap.String("tenant", tenantID), zap.Error(err))
		metrics.WebhookEvents.WithLabelValues("inbound", "enqueue_failed").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	metrics.WebhookEvents.WithLabelValues("inbound", "accepted").Inc()
	w.WriteHeader(http.StatusOK)
}

// terminalStatuses are provider delivery states after which a held voice
// slot is no longer occupied by a live call.
var terminalStatuses = map[string]bool{
	"delivered":   true,
	"failed":      true,
	"undelivered": true,
	"completed":   true,
	"busy":        true,
	"no-answer":   true,
	"canceled":    true,
}

// DeliveryStatus updates the execution-log row matched by provider message
// id. Unmatched ids are acknowledged and logged, never treated as fatal.
func (h *Handler) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	providerID := r.FormValue("MessageSid")
	status := r.FormValue("MessageStatus")
	errorMessage := r.FormValue("ErrorMessage")

	if providerID == "" || status == "" {
		h.log.Warn("malformed status webhook", zap.String("provider_id", providerID))
		metrics.WebhookEvents.WithLabelValues("status", "malformed").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	matched, err := h.store.UpdateExecutionLogStatus(r.Context(), providerID, mapStatus(status), errorMessage)
	if err != nil {
		h.log.Error("failed to update execution log", zap.String("provider_id", providerID), zap.Error(err))
		metrics.WebhookEvents.WithLabelValues("status", "error").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if !matched {
		h.log.Warn("status callback with unknown provider message id", zap.String("provider_id", providerID))
		metrics.WebhookEvents.WithLabelValues("status", "unmatched").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if terminalStatuses[status] {
		h.releaseHeldSlot(r.Context(), providerID)
	}

	metrics.WebhookEvents.WithLabelValues("status", "applied").Inc()
	w.WriteHeader(http.StatusOK)
}

// mapStatus normalizes well-known provider statuses and passes the rest
// through verbatim.
func mapStatus(providerStatus string) model.DispatchStatus {
	switch providerStatus {
	case "delivered":
		return model.DispatchDelivered
	case "failed", "undelivered":
		return model.DispatchFailed
	default:
		return model.DispatchStatus(providerStatus)
	}
}

// releaseHeldSlot returns the slot acquired at dispatch time. Whether a
// slot is still held is the umbrella type's policy, the same gate the
// scheduler applies: held-for-duration umbrellas keep the slot until this
// callback, everything else released at dispatch and must not be
// decremented again here.
func (h *Handler) releaseHeldSlot(ctx context.Context, providerID string) {
	entry, err := h.store.ExecutionLogByProviderID(ctx, providerID)
	if err != nil {
		h.log.Warn("cannot resolve log entry for slot release", zap.String("provider_id", providerID), zap.Error(err))
		return
	}
	enr, err := h.store.GetEnrollment(ctx, entry.EnrollmentID)
	if err != nil {
		h.log.Warn("cannot resolve enrollment for slot release", zap.Stringer("enrollment", entry.EnrollmentID), zap.Error(err))
		return
	}
	assignment, err := h.store.ActiveAssignment(ctx, enr.TenantID)
	if errors.Is(err, storage.ErrNotFound) {
		// tenant migrated away; migration cleanup already discarded the slot
		return
	}
	if err != nil {
		h.log.Warn("cannot resolve assignment for slot release", zap.Stringer("tenant", enr.TenantID), zap.Error(err))
		return
	}
	umbrella, err := h.store.GetUmbrella(ctx, assignment.UmbrellaID)
	if err != nil {
		h.log.Warn("cannot resolve umbrella for slot release", zap.Stringer("umbrella", assignment.UmbrellaID), zap.Error(err))
		return
	}
	if !umbrella.Type.HoldsSlotForDuration() {
		return // slot was already released right after dispatch
	}
	h.release.Release(ctx, umbrella.ID, enr.TenantID)
}

// InboundVoice acknowledges inbound call callbacks. Deeper call handling
// lives outside the sequencer.
func (h *Handler) InboundVoice(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookEvents.WithLabelValues("voice", "accepted").Inc()
	w.WriteHeader(http.StatusOK)
}
