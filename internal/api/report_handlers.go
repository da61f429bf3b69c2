package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/sitrep/internal/export"
	"github.com/hyperengineering/sitrep/internal/store"
	"github.com/hyperengineering/sitrep/internal/types"
)

// SituationReport handles GET /api/v1/reports/situation. Scoped to one
// incident when the incident query parameter is given. format=json returns
// the aggregate; the default is rendered markdown.
func (h *Handler) SituationReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var incident *types.Incident
	assessmentFilter := store.AssessmentFilter{}
	responseFilter := store.ResponseFilter{}
	if id := r.URL.Query().Get("incident"); id != "" {
		in, err := h.store.GetIncident(ctx, id)
		if err != nil {
			MapStoreError(w, r, err)
			return
		}
		incident = in
		assessmentFilter.IncidentID = id
		responseFilter.IncidentID = id
	}

	// Every active entity appears in coverage; the gaps are the point.
	entities, err := h.store.ListEntities(ctx, store.EntityFilter{Status: types.StatusActive})
	if err != nil {
		slog.Error("report entities query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	assessments, err := h.store.ListAssessments(ctx, assessmentFilter)
	if err != nil {
		slog.Error("report assessments query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	responses, err := h.store.ListResponses(ctx, responseFilter)
	if err != nil {
		slog.Error("report responses query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	commitments, err := h.store.ListCommitments(ctx, store.CommitmentFilter{})
	if err != nil {
		slog.Error("report commitments query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	unresolved := false
	_, openConflicts, err := h.store.ListConflicts(ctx, store.ConflictFilter{Resolved: &unresolved, Page: 1, Limit: 1})
	if err != nil {
		slog.Error("report conflicts query failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	situation := export.BuildSituation(incident, entities, assessments, responses, commitments, openConflicts, time.Now())

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, situation)
		return
	}

	out, err := situation.Markdown()
	if err != nil {
		slog.Error("report render failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write(out)
}
