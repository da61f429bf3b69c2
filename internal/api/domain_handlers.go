package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/sitrep/internal/store"
	"github.com/hyperengineering/sitrep/internal/types"
	"github.com/hyperengineering/sitrep/internal/validation"
)

// ListEntities handles GET /api/v1/entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EntityFilter{
		Region: q.Get("region"),
		Kind:   types.EntityKind(q.Get("kind")),
		Status: q.Get("status"),
	}

	entities, err := h.store.ListEntities(r.Context(), f)
	if err != nil {
		slog.Error("list entities failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if entities == nil {
		entities = []types.Entity{}
	}

	writeJSON(w, http.StatusOK, struct {
		Entities []types.Entity `json:"entities"`
		Count    int            `json:"count"`
	}{entities, len(entities)})
}

// GetEntity handles GET /api/v1/entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.GetEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CreateEntity handles POST /api/v1/entities
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var e types.Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if e.Status == "" {
		e.Status = types.StatusActive
	}

	if errs := validation.ValidateEntity(e); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Entity contains invalid fields", errs)
		return
	}

	if err := h.store.CreateEntity(r.Context(), &e); err != nil {
		slog.Error("create entity failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// UpdateEntity handles PUT /api/v1/entities/{id}. The body carries the full
// record; its version field is the version the caller based the edit on, and
// a mismatch returns 409 rather than silently overwriting.
func (h *Handler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	var e types.Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	e.ID = chi.URLParam(r, "id")
	baseVersion := e.Version

	if errs := validation.ValidateEntity(e); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Entity contains invalid fields", errs)
		return
	}

	if err := h.store.UpdateEntity(r.Context(), &e, baseVersion); err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ListIncidents handles GET /api/v1/incidents
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.store.ListIncidents(r.Context(), store.IncidentFilter{
		Status: r.URL.Query().Get("status"),
	})
	if err != nil {
		slog.Error("list incidents failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []types.Incident{}
	}

	writeJSON(w, http.StatusOK, struct {
		Incidents []types.Incident `json:"incidents"`
		Count     int              `json:"count"`
	}{incidents, len(incidents)})
}

// GetIncident handles GET /api/v1/incidents/{id}
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	in, err := h.store.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// CreateIncident handles POST /api/v1/incidents
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var in types.Incident
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if in.Status == "" {
		in.Status = types.IncidentActive
	}

	if errs := validation.ValidateIncident(in); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Incident contains invalid fields", errs)
		return
	}

	if err := h.store.CreateIncident(r.Context(), &in); err != nil {
		slog.Error("create incident failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

// UpdateIncident handles PUT /api/v1/incidents/{id}
func (h *Handler) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	var in types.Incident
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	in.ID = chi.URLParam(r, "id")
	baseVersion := in.Version

	if errs := validation.ValidateIncident(in); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Incident contains invalid fields", errs)
		return
	}

	if err := h.store.UpdateIncident(r.Context(), &in, baseVersion); err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// DeleteRecordHandler returns a DELETE handler for one record kind. Deletes
// require the caller's current version as a query parameter so a stale client
// cannot remove a record it has not seen.
func (h *Handler) DeleteRecordHandler(kind types.RecordKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
		if err != nil || version < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "version query parameter is required and must be >= 1")
			return
		}

		if err := h.store.DeleteRecord(r.Context(), kind, id, version); err != nil {
			MapStoreError(w, r, err)
			return
		}

		h.hub.Broadcast(Event{Type: EventRecordDeleted, Kind: kind, RecordID: id})
		w.WriteHeader(http.StatusNoContent)
	}
}
