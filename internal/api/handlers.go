package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "outreach-sequencer/docs"
	"outreach-sequencer/internal/admin"
	"outreach-sequencer/internal/auth"
	"outreach-sequencer/internal/metrics"
	"outreach-sequencer/internal/model"
	"outreach-sequencer/internal/sequence"
	"outreach-sequencer/internal/storage"
)

// MigrationRequest is the POST body for a tenant migration.
type MigrationRequest struct {
	FromUmbrellaID string `json:"from_umbrella_id"`
	ToUmbrellaID   string `json:"to_umbrella_id"`
	Reason         string `json:"reason"`
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	// Public: provider callbacks, liveness, metrics, docs
	a.Webhooks.Routes(r)
	r.Get("/healthz", a.Healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	// Secured admin surface
	r.Group(func(r chi.Router) {
		r.Use(auth.JWTAuthMiddleware)

		r.Get("/umbrellas", a.ListUmbrellas)
		r.Get("/umbrellas/{id}", a.GetUmbrellaState)
		r.Get("/tenants/{id}/assignment", a.GetAssignment)
		r.Post("/tenants/{id}/migrate", a.MigrateTenant)
		r.Post("/enrollments/{id}/resume", a.ResumeEnrollment)
	})

	return r
}

// @Summary Scheduler liveness
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /healthz [get]
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	body := map[string]interface{}{
		"healthy":        a.Health.Healthy(now),
		"last_heartbeat": a.Health.LastHeartbeat(),
	}
	if !a.Health.Healthy(now) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}

// @Summary List umbrellas with live capacity snapshots
// @Tags Umbrellas
// @Security ApiKeyAuth
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /umbrellas [get]
func (a *API) ListUmbrellas(w http.ResponseWriter, r *http.Request) {
	umbrellas, err := a.Storage.ListUmbrellas(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type row struct {
		model.Umbrella
		LiveConcurrency int `json:"live_concurrency"`
	}
	out := make([]row, 0, len(umbrellas))
	for _, u := range umbrellas {
		snap, err := a.Manager.UmbrellaState(r.Context(), u.ID)
		live := u.CurrentConcurrency
		if err == nil {
			live = snap.Current
		}
		out = append(out, row{Umbrella: u, LiveConcurrency: live})
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"data": out})
}

// @Summary Live capacity snapshot for one umbrella
// @Tags Umbrellas
// @Security ApiKeyAuth
// @Param id path string true "Umbrella UUID"
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /umbrellas/{id} [get]
func (a *API) GetUmbrellaState(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid umbrella id", http.StatusBadRequest)
		return
	}

	snap, err := a.Manager.UmbrellaState(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "umbrella not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(snap)
}

// @Summary Active umbrella assignment for a tenant
// @Tags Tenants
// @Security ApiKeyAuth
// @Param id path string true "Tenant UUID"
// @Produce json
// @Success 200 {object} model.TenantAssignment
// @Router /tenants/{id}/assignment [get]
func (a *API) GetAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}

	assignment, err := a.Storage.ActiveAssignment(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "tenant has no active assignment", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(assignment)
}

// @Summary Migrate a tenant to another umbrella
// @Tags Tenants
// @Security ApiKeyAuth
// @Param id path string true "Tenant UUID"
// @Param body body MigrationRequest true "Migration request"
// @Success 204
// @Router /tenants/{id}/migrate [post]
func (a *API) MigrateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}

	var body MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	from, err := uuid.Parse(body.FromUmbrellaID)
	if err != nil {
		http.Error(w, "invalid from_umbrella_id", http.StatusBadRequest)
		return
	}
	to, err := uuid.Parse(body.ToUmbrellaID)
	if err != nil {
		http.Error(w, "invalid to_umbrella_id", http.StatusBadRequest)
		return
	}

	err = a.Migrator.MigrateTenant(r.Context(), tenantID, from, to, body.Reason, auth.GetActor(r))
	switch {
	case errors.Is(err, admin.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, admin.ErrUmbrellaUnavailable):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.Log.Info("migration requested via API",
		zap.Stringer("tenant", tenantID), zap.String("actor", auth.GetActor(r)))
	w.WriteHeader(http.StatusNoContent)
}

// @Summary Resume a paused or replied enrollment
// @Tags Enrollments
// @Security ApiKeyAuth
// @Param id path string true "Enrollment UUID"
// @Success 204
// @Router /enrollments/{id}/resume [post]
func (a *API) ResumeEnrollment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid enrollment id", http.StatusBadRequest)
		return
	}

	enr, err := a.Storage.GetEnrollment(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "enrollment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status, err := sequence.Resume(enr.Status)
	if err != nil {
		http.Error(w, "enrollment cannot be resumed from "+string(enr.Status), http.StatusConflict)
		return
	}

	// resumed enrollments pick up at their current step on the next tick
	next := time.Now().UTC()
	err = a.Storage.UpdateEnrollment(r.Context(), enr.ID, status, enr.CurrentStepOrder, &next, enr.UpdatedAt)
	if errors.Is(err, storage.ErrStaleWrite) {
		http.Error(w, "enrollment changed concurrently, retry", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
