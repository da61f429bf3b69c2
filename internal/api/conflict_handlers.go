package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/sitrep/internal/store"
	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
)

const (
	// DefaultConflictPageSize is the page size when limit is not given.
	DefaultConflictPageSize = 20

	// MaxConflictPageSize caps the page size.
	MaxConflictPageSize = 100
)

// conflictListResponse is the GET /sync/conflicts body.
type conflictListResponse struct {
	Conflicts []sitrepsync.Conflict `json:"conflicts"`
	Meta      types.PageMeta        `json:"meta"`
}

// ListConflicts handles GET /api/v1/sync/conflicts with page/limit/entityKind/
// resolved/from/to query parameters.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	f, err := parseConflictFilter(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conflicts, total, err := h.store.ListConflicts(r.Context(), f)
	if err != nil {
		slog.Error("list conflicts failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, conflictListResponse{
		Conflicts: conflicts,
		Meta:      types.NewPageMeta(f.Page, f.Limit, total),
	})
}

// parseConflictFilter extracts and validates conflict listing parameters.
func parseConflictFilter(r *http.Request) (store.ConflictFilter, error) {
	q := r.URL.Query()
	f := store.ConflictFilter{Page: 1, Limit: DefaultConflictPageSize}

	if s := q.Get("page"); s != "" {
		page, err := strconv.Atoi(s)
		if err != nil || page < 1 {
			return f, fmt.Errorf("invalid page parameter: must be an integer >= 1")
		}
		f.Page = page
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			return f, fmt.Errorf("invalid limit parameter: must be an integer >= 1")
		}
		if limit > MaxConflictPageSize {
			limit = MaxConflictPageSize
		}
		f.Limit = limit
	}
	if s := q.Get("entityKind"); s != "" {
		kind := types.RecordKind(s)
		if !types.ValidSyncableKind(kind) {
			return f, fmt.Errorf("invalid entityKind parameter: %q", s)
		}
		f.Kind = kind
	}
	if s := q.Get("resolved"); s != "" {
		resolved, err := strconv.ParseBool(s)
		if err != nil {
			return f, fmt.Errorf("invalid resolved parameter: must be true or false")
		}
		f.Resolved = &resolved
	}
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, fmt.Errorf("invalid from parameter: must be RFC 3339")
		}
		f.From = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, fmt.Errorf("invalid to parameter: must be RFC 3339")
		}
		f.To = t
	}
	return f, nil
}

// GetConflict handles GET /api/v1/sync/conflicts/{id}
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// resolveRequest is the POST /sync/conflicts/{id}/resolve body.
type resolveRequest struct {
	Winner  string          `json:"winner"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResolveConflict handles POST /api/v1/sync/conflicts/{id}/resolve. Exactly
// once: a second resolution attempt returns 409 and the recorded resolution
// never changes.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	switch req.Winner {
	case sitrepsync.ResolutionLocal, sitrepsync.ResolutionServer:
	case sitrepsync.ResolutionMerged:
		if len(req.Payload) == 0 {
			WriteProblem(w, r, http.StatusBadRequest, "merged resolution requires a payload")
			return
		}
	default:
		WriteProblem(w, r, http.StatusBadRequest, "winner must be local, server, or merged")
		return
	}

	c, err := h.store.ResolveConflict(r.Context(), id, req.Winner, req.Payload, u.ID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("conflict resolved",
		"component", "api",
		"action", "conflict_resolve",
		"conflict_id", id,
		"winner", req.Winner,
		"resolved_by", u.ID,
	)
	h.hub.Broadcast(Event{Type: EventConflictResolved, Kind: c.Kind, RecordID: c.RecordID, ConflictID: c.ID})
	writeJSON(w, http.StatusOK, c)
}
