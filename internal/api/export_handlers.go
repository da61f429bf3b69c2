package api

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/sitrep/internal/export"
	"github.com/hyperengineering/sitrep/internal/store"
)

// exportConflictLimit bounds the conflicts export. The REST listing pages
// properly; exports take one large page.
const exportConflictLimit = 10000

// Export handles GET /api/v1/exports/{resource}. Streams CSV by default;
// with archive=true the CSV is uploaded to archive storage and a pre-signed
// URL is returned instead.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resource := chi.URLParam(r, "resource")

	var buf bytes.Buffer
	var err error
	switch resource {
	case "entities":
		rows, lerr := h.store.ListEntities(ctx, store.EntityFilter{})
		if lerr == nil {
			err = export.Entities(&buf, rows)
		} else {
			err = lerr
		}
	case "incidents":
		rows, lerr := h.store.ListIncidents(ctx, store.IncidentFilter{})
		if lerr == nil {
			err = export.Incidents(&buf, rows)
		} else {
			err = lerr
		}
	case "assessments":
		rows, lerr := h.store.ListAssessments(ctx, store.AssessmentFilter{})
		if lerr == nil {
			err = export.Assessments(&buf, rows)
		} else {
			err = lerr
		}
	case "responses":
		rows, lerr := h.store.ListResponses(ctx, store.ResponseFilter{})
		if lerr == nil {
			err = export.Responses(&buf, rows)
		} else {
			err = lerr
		}
	case "commitments":
		rows, lerr := h.store.ListCommitments(ctx, store.CommitmentFilter{})
		if lerr == nil {
			err = export.Commitments(&buf, rows)
		} else {
			err = lerr
		}
	case "conflicts":
		rows, _, lerr := h.store.ListConflicts(ctx, store.ConflictFilter{Page: 1, Limit: exportConflictLimit})
		if lerr == nil {
			err = export.Conflicts(&buf, rows)
		} else {
			err = lerr
		}
	default:
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Unknown export resource %q", resource))
		return
	}
	if err != nil {
		slog.Error("export failed", "resource", resource, "error", err)
		MapStoreError(w, r, err)
		return
	}

	if r.URL.Query().Get("archive") == "true" {
		h.archiveExport(w, r, resource, buf.Bytes())
		return
	}

	filename := fmt.Sprintf("%s-%s.csv", resource, time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(buf.Bytes())
}

// archiveExport uploads the CSV to archive storage and responds with a
// pre-signed download URL.
func (h *Handler) archiveExport(w http.ResponseWriter, r *http.Request, resource string, data []byte) {
	ctx := r.Context()
	key := fmt.Sprintf("exports/%s-%s.csv", resource, time.Now().UTC().Format("20060102-150405"))

	if err := h.uploader.UploadBytes(ctx, key, data, "text/csv"); err != nil {
		slog.Error("export archive failed", "resource", resource, "key", key, "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Archive storage not available")
		return
	}
	url, expiry, err := h.uploader.PresignedURL(ctx, key)
	if err != nil {
		slog.Error("export presign failed", "key", key, "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Archive storage not available")
		return
	}

	slog.Info("export archived",
		"component", "api",
		"action", "export_archive",
		"resource", resource,
		"key", key,
		"bytes", len(data),
	)
	writeJSON(w, http.StatusOK, struct {
		Key       string `json:"key"`
		URL       string `json:"url"`
		ExpiresAt string `json:"expires_at"`
	}{key, url, expiry.UTC().Format(time.RFC3339)})
}
