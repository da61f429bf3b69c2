package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/sitrep/internal/api"
	"github.com/hyperengineering/sitrep/internal/archive"
	"github.com/hyperengineering/sitrep/internal/config"
	"github.com/hyperengineering/sitrep/internal/store"
	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
	"github.com/hyperengineering/sitrep/internal/worker"
	"github.com/hyperengineering/sitrep/pkg/fieldkit"
)

const adminToken = "e2e-admin-token"

// --- Server Environment ---

// serverEnv is one sitrep server on a loopback listener with a real SQLite
// store behind it. Devices talk to it over actual HTTP.
type serverEnv struct {
	store *store.SQLiteStore
	cfg   *config.Config
	srv   *httptest.Server
}

func (e *serverEnv) url() string { return e.srv.URL }

// withStrategy overrides the conflict resolution configuration.
func withStrategy(def string, overrides map[string]string) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.Sync.DefaultStrategy = def
		cfg.Sync.Strategies = overrides
	}
}

func startServer(t *testing.T, opts ...func(*config.Config)) *serverEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Auth.AdminToken = adminToken
	cfg.Sync.DefaultStrategy = sitrepsync.StrategyLastWriteWins
	cfg.Sync.MaxPushMutations = 500
	cfg.Sync.PullBatchSize = 500
	for _, opt := range opts {
		opt(cfg)
	}

	reg, err := sitrepsync.NewRegistry(cfg.Sync.DefaultStrategy, cfg.Sync.Strategies)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sitrep.db"), reg)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := api.NewHandler(s, &archive.NoopUploader{}, api.NewHub(8), cfg, "e2e")
	srv := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(srv.Close)

	return &serverEnv{store: s, cfg: cfg, srv: srv}
}

// refreshSeed runs the seed worker until its startup refresh lands, so
// GET /sync/seed has a bundle to serve.
func (e *serverEnv) refreshSeed(t *testing.T) {
	t.Helper()

	refreshed := make(chan struct{})
	w := worker.NewSeedWorker(e.store, t.TempDir(), time.Hour, nil, func(time.Time) {
		close(refreshed)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for seed refresh")
	}
	cancel()
	<-done
}

// --- Accounts and Devices ---

// createUser registers an account and returns its ID plus plaintext token.
func (e *serverEnv) createUser(t *testing.T, role types.Role) (string, string) {
	t.Helper()

	token, err := api.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	u := &types.User{
		Name:      "E2E " + string(role),
		Email:     string(role) + "-" + token[:8] + "@example.org",
		Role:      role,
		TokenHash: api.HashToken(token),
		Active:    true,
	}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u.ID, token
}

// newDevice builds a field client for a fresh account of the given role.
// The background processor stays off; tests drive Sync explicitly so every
// push and pull is deterministic.
func (e *serverEnv) newDevice(t *testing.T, role types.Role) *fieldkit.Client {
	t.Helper()

	_, token := e.createUser(t, role)
	c, err := fieldkit.New(fieldkit.Config{
		Path:         filepath.Join(t.TempDir(), "device.db"),
		ServerURL:    e.url(),
		Token:        token,
		SyncInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("fieldkit.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// --- Raw API Helpers ---

// doRequest sends one authenticated request over the wire. A nil body sends
// no body; any other value is JSON-encoded.
func (e *serverEnv) doRequest(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.url()+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// expectJSON asserts the status code and decodes the body into v.
func expectJSON(t *testing.T, resp *http.Response, wantStatus int, v any) {
	t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, wantStatus, data)
	}
	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("decode response: %v (body %q)", err, data)
		}
	}
}

// pushRaw sends a crafted push batch, bypassing the field client. Tests use
// it when they need control over mutation IDs, client times, or replays.
func (e *serverEnv) pushRaw(t *testing.T, token string, req sitrepsync.PushRequest) (sitrepsync.PushResponse, http.Header) {
	t.Helper()

	resp := e.doRequest(t, http.MethodPost, "/api/v1/sync/push", token, req)
	header := resp.Header
	var out sitrepsync.PushResponse
	expectJSON(t, resp, http.StatusOK, &out)
	return out, header
}

func (e *serverEnv) pullRaw(t *testing.T, token string, after int64) sitrepsync.PullResponse {
	t.Helper()

	resp := e.doRequest(t, http.MethodGet, fmt.Sprintf("/api/v1/sync/pull?after=%d", after), token, nil)
	var out sitrepsync.PullResponse
	expectJSON(t, resp, http.StatusOK, &out)
	return out
}

// resolveConflict posts a coordinator ruling and returns the HTTP status.
func (e *serverEnv) resolveConflict(t *testing.T, token, conflictID, winner string, payload json.RawMessage) int {
	t.Helper()

	body := struct {
		Winner  string          `json:"winner"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{winner, payload}
	resp := e.doRequest(t, http.MethodPost, "/api/v1/sync/conflicts/"+conflictID+"/resolve", token, body)
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

type conflictPage struct {
	Conflicts []sitrepsync.Conflict `json:"conflicts"`
	Meta      types.PageMeta        `json:"meta"`
}

func (e *serverEnv) listConflicts(t *testing.T, token, query string) conflictPage {
	t.Helper()

	path := "/api/v1/sync/conflicts"
	if query != "" {
		path += "?" + query
	}
	resp := e.doRequest(t, http.MethodGet, path, token, nil)
	var out conflictPage
	expectJSON(t, resp, http.StatusOK, &out)
	return out
}

// --- Payloads ---

func entityPayload(t *testing.T, name, region string) json.RawMessage {
	t.Helper()
	return marshalPayload(t, map[string]any{
		"name":   name,
		"kind":   types.EntityCamp,
		"region": region,
		"status": types.StatusActive,
	})
}

func incidentPayload(t *testing.T, name string) json.RawMessage {
	t.Helper()
	return marshalPayload(t, map[string]any{
		"name":     name,
		"kind":     "flood",
		"severity": types.SeveritySevere,
		"status":   types.IncidentActive,
	})
}

func assessmentPayload(t *testing.T, entityID, incidentID string, data map[string]any) json.RawMessage {
	t.Helper()
	return marshalPayload(t, map[string]any{
		"kind":        types.AssessmentWASH,
		"entity_id":   entityID,
		"incident_id": incidentID,
		"status":      types.AssessmentDraft,
		"data":        data,
	})
}

func marshalPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return json.RawMessage(b)
}

// payloadField digs one top-level field out of a JSON payload.
func payloadField(t *testing.T, payload json.RawMessage, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	raw, ok := m[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

// mustSync runs one sync pass and fails the test on error.
func mustSync(t *testing.T, c *fieldkit.Client) fieldkit.SyncResult {
	t.Helper()
	res, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return res
}
