package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/sitrep/internal/store"
	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
	"github.com/hyperengineering/sitrep/internal/validation"
)

const (
	// IdempotencyTTL is the duration to cache push responses.
	IdempotencyTTL = 24 * time.Hour

	// MaxPullLimit caps a single pull page regardless of the requested limit.
	MaxPullLimit = 1000
)

// SyncPush handles POST /api/v1/sync/push
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	u := MustUserFromContext(ctx)

	// 1. Parse request
	var req sitrepsync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	// 2. Validate request structure
	if err := h.validatePushRequest(req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 3. Replay cached response for a retried batch
	if req.PushID != "" {
		cached, found, err := h.store.CheckPushIdempotency(ctx, req.PushID)
		if err != nil {
			slog.Error("idempotency check failed", "push_id", req.PushID, "error", err)
			WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
			return
		}
		if found {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.Write(cached)
			slog.Info("push idempotent replay",
				"component", "api",
				"action", "sync_push_replay",
				"device_id", req.DeviceID,
				"push_id", req.PushID,
			)
			return
		}
	}

	// 4. Run the mutation pipeline
	results, err := h.store.ApplyMutations(ctx, req.DeviceID, u.ID, req.Mutations)
	if err != nil {
		slog.Error("push failed",
			"component", "api",
			"action", "sync_push_failed",
			"device_id", req.DeviceID,
			"push_id", req.PushID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Push failed")
		return
	}

	// 5. Latest sequence so devices know whether to pull
	latestSeq, err := h.store.GetLatestSequence(ctx)
	if err != nil {
		slog.Error("get latest sequence failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Push failed")
		return
	}

	// 6. Build response
	resp := sitrepsync.PushResponse{Results: results, LatestSeq: latestSeq}
	respBytes, _ := json.Marshal(resp)

	// 7. Cache response for batch replay
	if req.PushID != "" {
		if err := h.store.RecordPushIdempotency(ctx, req.PushID, req.DeviceID, respBytes, IdempotencyTTL); err != nil {
			slog.Warn("failed to cache idempotency", "push_id", req.PushID, "error", err)
		}
	}

	// 8. Broadcast live events
	outcomes := make(map[sitrepsync.Outcome]int)
	for _, res := range results {
		outcomes[res.Outcome]++
		mutKind := kindForResult(req.Mutations, res.MutationID)
		switch res.Outcome {
		case sitrepsync.OutcomeApplied, sitrepsync.OutcomeResolvedLocal, sitrepsync.OutcomeMerged:
			h.hub.Broadcast(Event{Type: EventRecordApplied, Kind: mutKind, RecordID: res.RecordID, Version: res.Version, ConflictID: res.ConflictID})
		case sitrepsync.OutcomePending:
			h.hub.Broadcast(Event{Type: EventConflictDetected, Kind: mutKind, RecordID: res.RecordID, ConflictID: res.ConflictID})
		}
	}

	// 9. Return response
	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"device_id", req.DeviceID,
		"push_id", req.PushID,
		"actor_id", u.ID,
		"mutations", len(req.Mutations),
		"outcomes", outcomes,
		"latest_seq", latestSeq,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func kindForResult(muts []sitrepsync.Mutation, mutationID string) types.RecordKind {
	for i := range muts {
		if muts[i].ID == mutationID {
			return muts[i].Kind
		}
	}
	return ""
}

// validatePushRequest validates the push request structure. Per-mutation
// validation happens inside the pipeline so one bad mutation rejects itself,
// not the batch.
func (h *Handler) validatePushRequest(req sitrepsync.PushRequest) error {
	if req.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if len(req.Mutations) == 0 {
		return fmt.Errorf("mutations array is required")
	}
	if max := h.cfg.Sync.MaxPushMutations; len(req.Mutations) > max {
		return fmt.Errorf("mutations exceeds maximum of %d", max)
	}
	if req.PushID != "" {
		if err := validation.ValidateUUID("push_id", req.PushID); err != nil {
			return fmt.Errorf("push_id must be a UUID")
		}
	}
	return nil
}

// SyncPull handles GET /api/v1/sync/pull
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	after, limit, err := h.parsePullParams(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.store.GetChangeLogAfter(ctx, after, limit)
	if err != nil {
		slog.Error("pull query failed",
			"component", "api",
			"action", "sync_pull_failed",
			"after", after,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve changes")
		return
	}

	latestSeq, err := h.store.GetLatestSequence(ctx)
	if err != nil {
		slog.Error("get latest sequence failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve changes")
		return
	}

	lastSeq := after
	if len(entries) > 0 {
		lastSeq = entries[len(entries)-1].Seq
	}

	resp := sitrepsync.PullResponse{
		Entries:   entries,
		LatestSeq: latestSeq,
		HasMore:   len(entries) == limit && lastSeq < latestSeq,
	}

	writeJSON(w, http.StatusOK, resp)

	slog.Info("pull served",
		"component", "api",
		"action", "sync_pull",
		"after", after,
		"limit", limit,
		"entries_returned", len(entries),
		"latest_seq", latestSeq,
		"has_more", resp.HasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// parsePullParams extracts and validates query parameters for GET /sync/pull.
func (h *Handler) parsePullParams(r *http.Request) (after int64, limit int, err error) {
	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		return 0, 0, fmt.Errorf("missing required query parameter: after")
	}
	after, err = strconv.ParseInt(afterStr, 10, 64)
	if err != nil || after < 0 {
		return 0, 0, fmt.Errorf("invalid after parameter: must be an integer >= 0")
	}

	limit = h.cfg.Sync.PullBatchSize
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("invalid limit parameter: must be an integer >= 1")
		}
	}
	if limit > MaxPullLimit {
		limit = MaxPullLimit
	}
	return after, limit, nil
}

// SyncSeed handles GET /api/v1/sync/seed. Serves the latest snappy-compressed
// seed bundle; with presign=true and archive storage configured, returns a
// pre-signed download URL instead of the bytes.
func (h *Handler) SyncSeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	generatedAt, _ := h.store.GetSyncMeta(ctx, store.MetaSeedGeneratedAt)
	seedPath, err := h.store.GetSyncMeta(ctx, store.MetaSeedPath)
	if err != nil || seedPath == "" {
		WriteProblem(w, r, http.StatusNotFound, "Seed bundle not generated yet")
		return
	}

	if r.URL.Query().Get("presign") == "true" {
		objectKey, _ := h.store.GetSyncMeta(ctx, store.MetaSeedObjectKey)
		if objectKey == "" {
			WriteProblem(w, r, http.StatusNotFound, "Seed bundle not archived")
			return
		}
		url, expiry, err := h.uploader.PresignedURL(ctx, objectKey)
		if err != nil {
			slog.Error("seed presign failed", "error", err)
			WriteProblem(w, r, http.StatusServiceUnavailable, "Archive storage not available")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			URL         string `json:"url"`
			ExpiresAt   string `json:"expires_at"`
			GeneratedAt string `json:"generated_at,omitempty"`
		}{url, expiry.UTC().Format(time.RFC3339), generatedAt})
		return
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		slog.Error("seed read failed", "path", seedPath, "error", err)
		WriteProblem(w, r, http.StatusNotFound, "Seed bundle not available")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if generatedAt != "" {
		w.Header().Set("X-Seed-Generated-At", generatedAt)
	}
	w.Write(data)
}
