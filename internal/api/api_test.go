package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/sitrep/internal/archive"
	"github.com/hyperengineering/sitrep/internal/config"
	"github.com/hyperengineering/sitrep/internal/store"
	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
)

const testAdminToken = "test-admin-token-12345"

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.AdminToken = testAdminToken
	cfg.Sync.DefaultStrategy = sitrepsync.StrategyLastWriteWins
	cfg.Sync.Strategies = map[string]string{"assessment": sitrepsync.StrategyFieldMerge}
	cfg.Sync.MaxPushMutations = 500
	cfg.Sync.PullBatchSize = 500
	return cfg
}

// newTestEnv builds a handler over a real SQLite store in a temp dir.
func newTestEnv(t *testing.T) (*Handler, *store.SQLiteStore) {
	t.Helper()

	cfg := newTestConfig()
	reg, err := sitrepsync.NewRegistry(cfg.Sync.DefaultStrategy, cfg.Sync.Strategies)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sitrep.db"), reg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := NewHandler(s, &archive.NoopUploader{}, NewHub(8), cfg, "test")
	return h, s
}

func newTestRouterEnv(t *testing.T) (http.Handler, *store.SQLiteStore) {
	t.Helper()
	h, s := newTestEnv(t)
	return NewRouter(h), s
}

// doRequest runs one request through the router. A nil body sends no body;
// any other value is JSON-encoded.
func doRequest(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v (body %q)", err, w.Body.String())
	}
}

// createTestUser stores a user with the given role and returns the account
// plus its plaintext token.
func createTestUser(t *testing.T, s *store.SQLiteStore, role types.Role) (*types.User, string) {
	t.Helper()

	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	u := &types.User{
		Name:      "Test " + string(role),
		Email:     string(role) + "-" + token[:8] + "@example.org",
		Role:      role,
		TokenHash: HashToken(token),
		Active:    true,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u, token
}

func seedEntity(t *testing.T, s *store.SQLiteStore, name string) *types.Entity {
	t.Helper()
	e := &types.Entity{
		Name: name, Kind: types.EntityCamp, Region: "north", Status: types.StatusActive,
	}
	if err := s.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	return e
}

func seedIncident(t *testing.T, s *store.SQLiteStore) *types.Incident {
	t.Helper()
	in := &types.Incident{
		Name: "Test Flood", Kind: "flood", Severity: types.SeverityModerate, Status: types.IncidentActive,
	}
	if err := s.CreateIncident(context.Background(), in); err != nil {
		t.Fatalf("CreateIncident failed: %v", err)
	}
	return in
}
