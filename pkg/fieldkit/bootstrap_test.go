package fieldkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"
)

func newTestBootstrapper(t *testing.T, handler http.Handler) (*Store, *bootstrapper) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s := newTestStore(t)
	cfg := Config{Path: "unused", ServerURL: srv.URL, Token: "device-token"}.withDefaults()
	return s, newBootstrapper(s, newRemote(cfg))
}

func notFoundProblem(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, `{"status":404,"detail":"not available"}`)
}

// assessorBootstrapMux scripts every endpoint an assessor bootstrap
// touches. The hits counter tracks dataset requests.
func assessorBootstrapMux(t *testing.T, hits *int32) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		writeWireJSON(t, w, pullResponse{Entries: []changeEntry{}, LatestSeq: 7})
	})
	mux.HandleFunc("/api/v1/sync/seed", func(w http.ResponseWriter, r *http.Request) {
		notFoundProblem(w)
	})
	mux.HandleFunc("/api/v1/entities", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Query().Get("status") != "active" {
			t.Errorf("entities query = %q, want status=active", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"entities":[{"id":"ent-1","name":"Flood Camp","kind":"camp","region":"north","status":"active","version":2}],"count":1}`)
	})
	mux.HandleFunc("/api/v1/incidents", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		fmt.Fprint(w, `{"incidents":[{"id":"inc-1","name":"North Flood","severity":"severe","status":"active","version":1}],"count":1}`)
	})
	mux.HandleFunc("/api/v1/assignments", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		fmt.Fprint(w, `{"assignments":[{"id":"asg-1","user_id":"user-1","entity_id":"ent-1"}],"count":1}`)
	})
	mux.HandleFunc("/api/v1/config", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		fmt.Fprint(w, `{"sync.pull_batch":500}`)
	})
	return mux
}

func TestBootstrapOfflineEmptyCache(t *testing.T) {
	s := newTestStore(t)
	b := newBootstrapper(s, nil)

	ready, err := b.Bootstrap(context.Background(), RoleAssessor, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if ready {
		t.Fatal("ready = true for an offline device with nothing cached")
	}
}

func TestBootstrapOfflineStaleCacheStillReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Primed two days ago for the same role: stale, but usable offline.
	if err := s.MarkBootstrap(ctx, time.Now().UTC().Add(-48*time.Hour), RoleAssessor); err != nil {
		t.Fatalf("MarkBootstrap: %v", err)
	}

	b := newBootstrapper(s, nil)
	ready, err := b.Bootstrap(ctx, RoleAssessor, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ready {
		t.Fatal("ready = false, want stale same-role cache to serve offline")
	}

	// A cache primed for another role is not usable for this one.
	ready, err = b.Bootstrap(ctx, RoleDonor, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if ready {
		t.Fatal("ready = true for a role the cache was never primed for")
	}
}

func TestBootstrapFreshWindowSkipsNetwork(t *testing.T) {
	var hits int32
	store, b := newTestBootstrapper(t, assessorBootstrapMux(t, &hits))
	ctx := context.Background()

	if err := store.MarkBootstrap(ctx, time.Now().UTC().Add(-time.Hour), RoleAssessor); err != nil {
		t.Fatalf("MarkBootstrap: %v", err)
	}

	ready, err := b.Bootstrap(ctx, RoleAssessor, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ready {
		t.Fatal("ready = false inside the freshness window")
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("dataset requests = %d, want 0 inside the freshness window", hits)
	}
}

func TestBootstrapForceRefetches(t *testing.T) {
	var hits int32
	store, b := newTestBootstrapper(t, assessorBootstrapMux(t, &hits))
	ctx := context.Background()

	if err := store.MarkBootstrap(ctx, time.Now().UTC(), RoleAssessor); err != nil {
		t.Fatalf("MarkBootstrap: %v", err)
	}

	ready, err := b.Bootstrap(ctx, RoleAssessor, true)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ready {
		t.Fatal("forced bootstrap not ready")
	}
	if atomic.LoadInt32(&hits) == 0 {
		t.Fatal("force=true did not refetch")
	}
}

func TestBootstrapRoleChangeRefetches(t *testing.T) {
	var hits int32
	store, b := newTestBootstrapper(t, assessorBootstrapMux(t, &hits))
	ctx := context.Background()

	// Fresh stamp, but for a different role.
	if err := store.MarkBootstrap(ctx, time.Now().UTC(), RoleDonor); err != nil {
		t.Fatalf("MarkBootstrap: %v", err)
	}

	ready, err := b.Bootstrap(ctx, RoleAssessor, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ready {
		t.Fatal("bootstrap after role change not ready")
	}
	if atomic.LoadInt32(&hits) == 0 {
		t.Fatal("role change did not refetch")
	}

	_, role, ok, _ := store.LastBootstrap(ctx)
	if !ok || role != RoleAssessor {
		t.Fatalf("stamp role = %q ok=%v, want assessor", role, ok)
	}
}

func TestBootstrapPrimesDatasetsAndCursor(t *testing.T) {
	var hits int32
	store, b := newTestBootstrapper(t, assessorBootstrapMux(t, &hits))
	ctx := context.Background()

	ready, err := b.Bootstrap(ctx, RoleAssessor, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ready {
		t.Fatal("bootstrap not ready")
	}

	ent, err := store.GetRecord(ctx, KindEntity, "ent-1")
	if err != nil {
		t.Fatalf("entity not primed: %v", err)
	}
	if ent.Version != 2 || ent.Status != StatusSynced {
		t.Errorf("entity = v%d %s, want v2 synced", ent.Version, ent.Status)
	}
	if _, err := store.GetRecord(ctx, KindIncident, "inc-1"); err != nil {
		t.Errorf("incident not primed: %v", err)
	}
	if _, err := store.GetRecord(ctx, KindAssignment, "asg-1"); err != nil {
		t.Errorf("assignment not primed: %v", err)
	}
	cfg, err := store.GetRecord(ctx, KindConfig, "config")
	if err != nil {
		t.Fatalf("config not primed: %v", err)
	}
	if string(cfg.Payload) != `{"sync.pull_batch":500}` {
		t.Errorf("config payload = %s", cfg.Payload)
	}

	// Cursor starts at the change log head captured before the reads,
	// so the first pull does not replay the whole history.
	cursor, _ := store.Cursor(ctx)
	if cursor != 7 {
		t.Errorf("cursor = %d, want 7", cursor)
	}

	at, role, ok, _ := store.LastBootstrap(ctx)
	if !ok || role != RoleAssessor || at.IsZero() {
		t.Errorf("stamp = %v %q ok=%v", at, role, ok)
	}
}

func TestBootstrapSeedFastPath(t *testing.T) {
	generated := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	bundle := SeedBundle{
		GeneratedAt: generated,
		Entities: []json.RawMessage{
			[]byte(`{"id":"ent-seed","name":"Seeded Camp","version":4}`),
		},
		Config: []byte(`{"seeded":true}`),
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	compressed := snappy.Encode(nil, raw)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		writeWireJSON(t, w, pullResponse{Entries: []changeEntry{}, LatestSeq: 3})
	})
	mux.HandleFunc("/api/v1/sync/seed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Seed-Generated-At", generated.Format(time.RFC3339))
		w.Write(compressed)
	})
	mux.HandleFunc("/api/v1/entities", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"entities":[],"count":0}`)
	})
	mux.HandleFunc("/api/v1/incidents", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"incidents":[],"count":0}`)
	})
	mux.HandleFunc("/api/v1/assignments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"assignments":[],"count":0}`)
	})
	mux.HandleFunc("/api/v1/config", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"live":true}`)
	})

	store, b := newTestBootstrapper(t, mux)
	ctx := context.Background()

	ready, err := b.Bootstrap(ctx, RoleAssessor, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ready {
		t.Fatal("bootstrap not ready")
	}

	seeded, err := store.GetRecord(ctx, KindEntity, "ent-seed")
	if err != nil {
		t.Fatalf("seeded entity missing: %v", err)
	}
	if seeded.Version != 4 {
		t.Errorf("seeded entity version = %d, want 4", seeded.Version)
	}

	// The live config endpoint wins over the seed bundle's copy.
	cfg, err := store.GetRecord(ctx, KindConfig, "config")
	if err != nil {
		t.Fatalf("config missing: %v", err)
	}
	if string(cfg.Payload) != `{"live":true}` {
		t.Errorf("config payload = %s, want the live copy", cfg.Payload)
	}
}

func TestBootstrapPartialFailureLeavesStampUnset(t *testing.T) {
	var hits int32
	mux := assessorBootstrapMux(t, &hits)

	// Shadow the config endpoint with a failure.
	failing := http.NewServeMux()
	failing.HandleFunc("/api/v1/config", func(w http.ResponseWriter, r *http.Request) {
		notFoundProblem(w)
	})
	failing.Handle("/", mux)

	store, b := newTestBootstrapper(t, failing)
	ctx := context.Background()

	ready, err := b.Bootstrap(ctx, RoleAssessor, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ready {
		t.Fatal("ready = false, want partial data to be usable")
	}

	// Datasets that succeeded are cached.
	if _, err := store.GetRecord(ctx, KindEntity, "ent-1"); err != nil {
		t.Errorf("entity not primed: %v", err)
	}
	// But the stamp stays unset so the next call retries the gaps.
	if _, _, ok, _ := store.LastBootstrap(ctx); ok {
		t.Fatal("bootstrap stamped despite a failed dataset")
	}
	if cursor, _ := store.Cursor(ctx); cursor != 0 {
		t.Errorf("cursor = %d, want 0 on partial bootstrap", cursor)
	}
}
