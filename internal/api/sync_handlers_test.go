package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/sitrep/internal/store"
	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
)

// --- Request validation tests ---

func mutationID(i int) string {
	return fmt.Sprintf("11111111-0000-4000-8000-%012d", i)
}

func entityMutation(t *testing.T, i int, recordID, name string) sitrepsync.Mutation {
	t.Helper()
	payload, err := json.Marshal(types.Entity{
		ID: recordID, Name: name, Kind: types.EntityCamp, Region: "north", Status: types.StatusActive,
	})
	if err != nil {
		t.Fatalf("marshal entity payload: %v", err)
	}
	return sitrepsync.Mutation{
		ID:         mutationID(i),
		Kind:       types.KindEntity,
		RecordID:   recordID,
		Op:         sitrepsync.OpCreate,
		Payload:    payload,
		ClientTime: time.Now().UTC(),
	}
}

func TestValidatePushRequest_Valid(t *testing.T) {
	h, _ := newTestEnv(t)
	req := sitrepsync.PushRequest{
		PushID:    "550e8400-e29b-41d4-a716-446655440000",
		DeviceID:  "device-1",
		Mutations: []sitrepsync.Mutation{entityMutation(t, 1, "rec-1", "Camp")},
	}
	if err := h.validatePushRequest(req); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidatePushRequest_PushIDOptional(t *testing.T) {
	h, _ := newTestEnv(t)
	req := sitrepsync.PushRequest{
		DeviceID:  "device-1",
		Mutations: []sitrepsync.Mutation{entityMutation(t, 1, "rec-1", "Camp")},
	}
	if err := h.validatePushRequest(req); err != nil {
		t.Errorf("expected no error without push_id, got %v", err)
	}
}

func TestValidatePushRequest_MissingDeviceID(t *testing.T) {
	h, _ := newTestEnv(t)
	req := sitrepsync.PushRequest{
		Mutations: []sitrepsync.Mutation{entityMutation(t, 1, "rec-1", "Camp")},
	}
	err := h.validatePushRequest(req)
	if err == nil {
		t.Fatal("expected error for missing device_id")
	}
	if err.Error() != "device_id is required" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestValidatePushRequest_EmptyMutations(t *testing.T) {
	h, _ := newTestEnv(t)
	req := sitrepsync.PushRequest{DeviceID: "device-1"}
	err := h.validatePushRequest(req)
	if err == nil {
		t.Fatal("expected error for empty mutations")
	}
}

func TestValidatePushRequest_TooManyMutations(t *testing.T) {
	h, _ := newTestEnv(t)
	muts := make([]sitrepsync.Mutation, h.cfg.Sync.MaxPushMutations+1)
	req := sitrepsync.PushRequest{DeviceID: "device-1", Mutations: muts}
	err := h.validatePushRequest(req)
	if err == nil {
		t.Fatal("expected error for too many mutations")
	}
}

func TestValidatePushRequest_MalformedPushID(t *testing.T) {
	h, _ := newTestEnv(t)
	req := sitrepsync.PushRequest{
		PushID:    "not-a-uuid",
		DeviceID:  "device-1",
		Mutations: []sitrepsync.Mutation{entityMutation(t, 1, "rec-1", "Camp")},
	}
	err := h.validatePushRequest(req)
	if err == nil {
		t.Fatal("expected error for malformed push_id")
	}
}

// --- Push flow tests ---

func decodePushResponse(t *testing.T, w *httptest.ResponseRecorder) sitrepsync.PushResponse {
	t.Helper()
	var resp sitrepsync.PushResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	return resp
}

func TestSyncPush_AppliesCreate(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	req := sitrepsync.PushRequest{
		DeviceID:  "device-1",
		Mutations: []sitrepsync.Mutation{entityMutation(t, 1, "rec-push-1", "Pushed Camp")},
	}
	w := doRequest(t, router, http.MethodPost, "/api/v1/sync/push", token, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	resp := decodePushResponse(t, w)
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}
	if resp.Results[0].Outcome != sitrepsync.OutcomeApplied {
		t.Errorf("outcome = %q (%s), want applied", resp.Results[0].Outcome, resp.Results[0].Detail)
	}
	if resp.Results[0].Version != 1 {
		t.Errorf("version = %d, want 1", resp.Results[0].Version)
	}
	if resp.LatestSeq <= 0 {
		t.Errorf("latest_seq = %d, want > 0", resp.LatestSeq)
	}

	// The record is visible through the REST surface.
	w = doRequest(t, router, http.MethodGet, "/api/v1/entities/rec-push-1", token, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get after push status = %d", w.Code)
	}
}

func TestSyncPush_IdempotentReplay(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	req := sitrepsync.PushRequest{
		PushID:    "550e8400-e29b-41d4-a716-446655440001",
		DeviceID:  "device-1",
		Mutations: []sitrepsync.Mutation{entityMutation(t, 2, "rec-replay", "Replay Camp")},
	}

	first := doRequest(t, router, http.MethodPost, "/api/v1/sync/push", token, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first push status = %d: %s", first.Code, first.Body.String())
	}
	if first.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("first push should not carry the replay header")
	}

	// The retried batch replays the cached response verbatim.
	second := doRequest(t, router, http.MethodPost, "/api/v1/sync/push", token, req)
	if second.Code != http.StatusOK {
		t.Fatalf("second push status = %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("expected X-Idempotent-Replay header on retry")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body differs:\nfirst:  %s\nsecond: %s", first.Body.String(), second.Body.String())
	}

	// The cache entry exists server-side.
	cached, found, err := s.CheckPushIdempotency(context.Background(), req.PushID)
	if err != nil {
		t.Fatalf("CheckPushIdempotency failed: %v", err)
	}
	if !found || len(cached) == 0 {
		t.Error("expected push response to be cached")
	}
}

func TestSyncPush_DedupeWithoutPushID(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	req := sitrepsync.PushRequest{
		DeviceID:  "device-1",
		Mutations: []sitrepsync.Mutation{entityMutation(t, 3, "rec-dedupe", "Dedupe Camp")},
	}

	w := doRequest(t, router, http.MethodPost, "/api/v1/sync/push", token, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first push status = %d", w.Code)
	}

	// Without a push_id the pipeline still recognizes the mutation itself.
	w = doRequest(t, router, http.MethodPost, "/api/v1/sync/push", token, req)
	if w.Code != http.StatusOK {
		t.Fatalf("second push status = %d", w.Code)
	}
	resp := decodePushResponse(t, w)
	if resp.Results[0].Outcome != sitrepsync.OutcomeDuplicate {
		t.Errorf("outcome = %q, want duplicate", resp.Results[0].Outcome)
	}
}

func TestSyncPush_BadMutationRejectedAlone(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	bad := sitrepsync.Mutation{
		ID:         mutationID(5),
		Kind:       "starship",
		RecordID:   "rec-bad",
		Op:         sitrepsync.OpCreate,
		Payload:    json.RawMessage(`{}`),
		ClientTime: time.Now().UTC(),
	}
	req := sitrepsync.PushRequest{
		DeviceID:  "device-1",
		Mutations: []sitrepsync.Mutation{entityMutation(t, 4, "rec-good", "Good Camp"), bad},
	}

	w := doRequest(t, router, http.MethodPost, "/api/v1/sync/push", token, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	// One bad mutation rejects itself without sinking the batch.
	resp := decodePushResponse(t, w)
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].Outcome != sitrepsync.OutcomeApplied {
		t.Errorf("good outcome = %q, want applied", resp.Results[0].Outcome)
	}
	if resp.Results[1].Outcome != sitrepsync.OutcomeRejected {
		t.Errorf("bad outcome = %q, want rejected", resp.Results[1].Outcome)
	}
	if resp.Results[1].Detail == "" {
		t.Error("rejected result should say why")
	}
}

func TestSyncPush_InvalidJSON(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", strings.NewReader("not json"))
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSyncPush_Unauthorized(t *testing.T) {
	router, _ := newTestRouterEnv(t)

	req := sitrepsync.PushRequest{
		DeviceID:  "device-1",
		Mutations: []sitrepsync.Mutation{entityMutation(t, 6, "rec-noauth", "No Auth Camp")},
	}
	w := doRequest(t, router, http.MethodPost, "/api/v1/sync/push", "", req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- Pull tests ---

func pushEntities(t *testing.T, router http.Handler, token string, n int) {
	t.Helper()
	muts := make([]sitrepsync.Mutation, n)
	for i := 0; i < n; i++ {
		muts[i] = entityMutation(t, 100+i, fmt.Sprintf("rec-pull-%03d", i+1), fmt.Sprintf("Camp %d", i+1))
	}
	w := doRequest(t, router, http.MethodPost, "/api/v1/sync/push", token, sitrepsync.PushRequest{
		DeviceID: "seed-device", Mutations: muts,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("pushEntities: status = %d: %s", w.Code, w.Body.String())
	}
}

func decodePullResponse(t *testing.T, w *httptest.ResponseRecorder) sitrepsync.PullResponse {
	t.Helper()
	var resp sitrepsync.PullResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	return resp
}

func TestSyncPull_MissingAfter(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	w := doRequest(t, router, http.MethodGet, "/api/v1/sync/pull", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSyncPull_InvalidParams(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	for _, query := range []string{"?after=abc", "?after=-1", "?after=0&limit=0", "?after=0&limit=abc"} {
		w := doRequest(t, router, http.MethodGet, "/api/v1/sync/pull"+query, token, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("pull %q status = %d, want 400", query, w.Code)
		}
	}
}

func TestSyncPull_EntriesNotNull(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	w := doRequest(t, router, http.MethodGet, "/api/v1/sync/pull?after=0", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"entries":[]`) {
		t.Errorf("expected entries=[] in JSON, got: %s", body)
	}
}

func TestSyncPull_WalksAllPages(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	total := 7
	pushEntities(t, router, token, total)

	var collected []sitrepsync.ChangeEntry
	after := int64(0)
	pages := 0
	for {
		w := doRequest(t, router, http.MethodGet, fmt.Sprintf("/api/v1/sync/pull?after=%d&limit=3", after), token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("page %d status = %d: %s", pages, w.Code, w.Body.String())
		}
		resp := decodePullResponse(t, w)
		collected = append(collected, resp.Entries...)
		pages++
		if !resp.HasMore {
			break
		}
		after = resp.Entries[len(resp.Entries)-1].Seq
		if pages > 10 {
			t.Fatal("too many pages, possible cursor loop")
		}
	}

	if len(collected) != total {
		t.Errorf("collected %d entries across %d pages, want %d", len(collected), pages, total)
	}
	seen := make(map[int64]bool)
	for _, e := range collected {
		if seen[e.Seq] {
			t.Errorf("duplicate sequence %d", e.Seq)
		}
		seen[e.Seq] = true
	}
}

func TestSyncPull_PayloadIsCanonicalSnapshot(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	pushEntities(t, router, token, 1)

	w := doRequest(t, router, http.MethodGet, "/api/v1/sync/pull?after=0", token, nil)
	resp := decodePullResponse(t, w)
	if len(resp.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(resp.Entries))
	}

	var e types.Entity
	if err := json.Unmarshal(resp.Entries[0].Payload, &e); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if e.Version != 1 || e.Name == "" {
		t.Errorf("payload = %+v, want server-stamped snapshot", e)
	}
}

// --- Seed bundle tests ---

func TestSyncSeed_NotGenerated(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)

	w := doRequest(t, router, http.MethodGet, "/api/v1/sync/seed", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSyncSeed_ServesBundle(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)
	ctx := context.Background()

	seedPath := filepath.Join(t.TempDir(), "current.seed")
	bundle := []byte("snappy-compressed-bundle-bytes")
	if err := os.WriteFile(seedPath, bundle, 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	generatedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.SetSyncMeta(ctx, store.MetaSeedPath, seedPath); err != nil {
		t.Fatalf("SetSyncMeta failed: %v", err)
	}
	if err := s.SetSyncMeta(ctx, store.MetaSeedGeneratedAt, generatedAt); err != nil {
		t.Fatalf("SetSyncMeta failed: %v", err)
	}

	w := doRequest(t, router, http.MethodGet, "/api/v1/sync/seed", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}
	if got := w.Header().Get("X-Seed-Generated-At"); got != generatedAt {
		t.Errorf("X-Seed-Generated-At = %q, want %q", got, generatedAt)
	}
	if w.Body.String() != string(bundle) {
		t.Errorf("body = %q, want bundle bytes", w.Body.String())
	}
}

func TestSyncSeed_PresignRequiresArchive(t *testing.T) {
	router, s := newTestRouterEnv(t)
	_, token := createTestUser(t, s, types.RoleAssessor)
	ctx := context.Background()

	seedPath := filepath.Join(t.TempDir(), "current.seed")
	if err := os.WriteFile(seedPath, []byte("bundle"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	if err := s.SetSyncMeta(ctx, store.MetaSeedPath, seedPath); err != nil {
		t.Fatalf("SetSyncMeta failed: %v", err)
	}

	// Never uploaded, so there is no object key to presign.
	w := doRequest(t, router, http.MethodGet, "/api/v1/sync/seed?presign=true", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
