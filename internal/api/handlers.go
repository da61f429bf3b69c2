package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/sitrep/internal/archive"
	"github.com/hyperengineering/sitrep/internal/config"
	"github.com/hyperengineering/sitrep/internal/store"
	"github.com/hyperengineering/sitrep/internal/types"
	"github.com/hyperengineering/sitrep/internal/validation"
)

// Handler implements the API handlers
type Handler struct {
	store    store.Store
	uploader archive.Uploader
	hub      *Hub
	cfg      *config.Config
	version  string
}

// NewHandler creates a new Handler with store.Store interface
func NewHandler(s store.Store, uploader archive.Uploader, hub *Hub, cfg *config.Config, version string) *Handler {
	return &Handler{
		store:    s,
		uploader: uploader,
		hub:      hub,
		cfg:      cfg,
		version:  version,
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	resp := types.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Stats:   *stats,
	}
	if stamp, err := h.store.GetSyncMeta(r.Context(), store.MetaSeedGeneratedAt); err == nil && stamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			resp.SeedGeneratedAt = &t
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetConfig handles GET /api/v1/config. Returns all system config entries
// (assessment form definitions, thresholds) as a single JSON object.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.AllConfigEntries(r.Context())
	if err != nil {
		slog.Error("config read failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// PutConfigEntry handles PUT /api/v1/config/{key}.
func (h *Handler) PutConfigEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if errv := validation.ValidateRequired("key", key); errv != nil {
		WriteProblem(w, r, http.StatusBadRequest, "config key is required")
		return
	}

	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.store.SetConfigEntry(r.Context(), key, value); err != nil {
		slog.Error("config write failed", "key", key, "error", err)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("config entry updated", "key", key, "updated_by", MustUserFromContext(r.Context()).ID)
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{key: value})
}
