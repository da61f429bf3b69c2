package fieldkit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newOfflineClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{Path: filepath.Join(t.TempDir(), "field.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewRequiresPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New accepted an empty path")
	}
}

func TestClientOfflineQueueAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "field.db")
	ctx := context.Background()

	c, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	created, err := c.Create(ctx, CreateParams{Kind: KindAssessment, Payload: []byte(`{"severity":3}`)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created record has no ID")
	}
	if created.Status != StatusLocal || created.Version != 0 {
		t.Errorf("created = v%d %s, want v0 local", created.Version, created.Status)
	}

	got, err := c.Get(ctx, KindAssessment, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != `{"severity":3}` {
		t.Errorf("payload = %s", got.Payload)
	}

	pending, err := c.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Priority != 5 {
		t.Fatalf("pending = %+v, want one mutation at default priority", pending)
	}

	if _, err := c.Sync(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("Sync offline = %v, want ErrOffline", err)
	}
	if err := c.Ping(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("Ping offline = %v, want ErrOffline", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The outbox is durable across restarts.
	c2, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	pending, err = c2.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending after reopen: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after reopen = %d, want 1", len(pending))
	}
	if _, err := c2.Get(ctx, KindAssessment, created.ID); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
}

func TestClientValidation(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()

	if _, err := c.Create(ctx, CreateParams{Kind: KindAssignment, Payload: []byte(`{}`)}); err == nil {
		t.Error("Create accepted a server-only kind")
	}
	if _, err := c.Create(ctx, CreateParams{Kind: KindEntity}); err == nil {
		t.Error("Create accepted an empty payload")
	}
	if _, err := c.Create(ctx, CreateParams{Kind: KindEntity, Payload: []byte(`{}`), Priority: 11}); err == nil {
		t.Error("Create accepted priority 11")
	}
	if _, err := c.Update(ctx, UpdateParams{Kind: KindEntity, RecordID: "rec-1", Payload: []byte(`{}`)}); err == nil {
		t.Error("Update accepted a zero base version")
	}
	if _, err := c.Update(ctx, UpdateParams{Kind: KindEntity, Payload: []byte(`{}`), BaseVersion: 1}); err == nil {
		t.Error("Update accepted an empty record ID")
	}
	if err := c.Delete(ctx, DeleteParams{Kind: KindEntity, RecordID: "rec-1"}); err == nil {
		t.Error("Delete accepted a zero base version")
	}
}

func TestClientPriorityBounds(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()

	if _, err := c.Create(ctx, CreateParams{Kind: KindResponse, Payload: []byte(`{}`), Priority: 10}); err != nil {
		t.Fatalf("Create priority 10: %v", err)
	}
	if _, err := c.Create(ctx, CreateParams{Kind: KindResponse, Payload: []byte(`{}`), Priority: 1}); err != nil {
		t.Fatalf("Create priority 1: %v", err)
	}

	pending, _ := c.Pending(ctx)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	got := map[int]bool{}
	for _, m := range pending {
		got[m.Priority] = true
	}
	if !got[10] || !got[1] {
		t.Errorf("queued priorities = %v, want 10 and 1 kept as given", got)
	}
}

func TestClientClosed(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := c.Create(ctx, CreateParams{Kind: KindEntity, Payload: []byte(`{}`)}); !errors.Is(err, ErrClosed) {
		t.Errorf("Create after close = %v, want ErrClosed", err)
	}
	if _, err := c.Get(ctx, KindEntity, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after close = %v, want ErrClosed", err)
	}
	if err := c.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after close = %v, want ErrClosed", err)
	}
	if _, err := c.Stats(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Stats after close = %v, want ErrClosed", err)
	}
}

func TestClientStartOfflineIsNoop(t *testing.T) {
	c := newOfflineClient(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start without a server: %v", err)
	}
}

func TestClientCancelCreate(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()

	created, err := c.Create(ctx, CreateParams{Kind: KindCommitment, Payload: []byte(`{"qty":100}`)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pending, _ := c.Pending(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := c.Cancel(ctx, pending[0].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := c.Get(ctx, KindCommitment, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record after cancelled create = %v, want gone", err)
	}
	if left, _ := c.Pending(ctx); len(left) != 0 {
		t.Fatalf("outbox after cancel = %d rows, want 0", len(left))
	}
}

func TestClientCancelUpdateOfflineFlagsRecord(t *testing.T) {
	c := newOfflineClient(t)
	ctx := context.Background()

	// A record the server handed us earlier.
	if _, err := c.store.ApplyServerUpsert(ctx, KindEntity, "rec-1", []byte(`{"name":"before"}`), 2, time.Now().UTC()); err != nil {
		t.Fatalf("ApplyServerUpsert: %v", err)
	}
	if _, err := c.Update(ctx, UpdateParams{Kind: KindEntity, RecordID: "rec-1", Payload: []byte(`{"name":"edited"}`), BaseVersion: 2}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	pending, _ := c.Pending(ctx)
	if err := c.Cancel(ctx, pending[0].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Offline there is no server truth to restore, so the record is
	// flagged instead of silently keeping the retracted edit.
	r, err := c.Get(ctx, KindEntity, "rec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != StatusFailed {
		t.Errorf("record status = %q, want failed", r.Status)
	}
}

func TestClientSyncAgainstServer(t *testing.T) {
	var pushes int32
	_, c := newOnlineClient(t, appliedSyncHandler(t, &pushes))
	ctx := context.Background()

	created, err := c.Create(ctx, CreateParams{Kind: KindAssessment, Payload: []byte(`{"severity":4}`)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := c.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("pushed = %d, want 1", res.Pushed)
	}

	r, err := c.Get(ctx, KindAssessment, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Version != 1 || r.Status != StatusSynced {
		t.Errorf("record = v%d %s, want v1 synced", r.Version, r.Status)
	}

	st, _ := c.Stats(ctx)
	if st.PendingMutations != 0 {
		t.Errorf("pending after sync = %d, want 0", st.PendingMutations)
	}
}

func TestClientRequeueParked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/push", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v1/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		writeWireJSON(t, w, pullResponse{Entries: []changeEntry{}})
	})

	_, c := newOnlineClient(t, mux, func(cfg *Config) {
		cfg.MaxAttempts = 1
		cfg.RetryBase = time.Millisecond
	})
	ctx := context.Background()

	if _, err := c.Create(ctx, CreateParams{Kind: KindResponse, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := c.Sync(ctx); err == nil {
		t.Fatal("Sync against a failing server reported success")
	}

	pending, _ := c.Pending(ctx)
	if len(pending) != 1 || pending[0].Status != QueueFailed {
		t.Fatalf("pending = %+v, want one parked mutation", pending)
	}
	if !strings.Contains(pending[0].LastError, "parked after 1 attempts") {
		t.Errorf("last error = %q", pending[0].LastError)
	}

	if err := c.Requeue(ctx, pending[0].ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	requeued, _ := c.Pending(ctx)
	if requeued[0].Status != QueuePending || requeued[0].Attempts != 0 {
		t.Errorf("after requeue = %q attempts=%d, want pending with a fresh budget",
			requeued[0].Status, requeued[0].Attempts)
	}
}

func TestClientBootstrapOffline(t *testing.T) {
	c := newOfflineClient(t)

	ready, err := c.Bootstrap(context.Background(), RoleResponder, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if ready {
		t.Fatal("ready = true for an offline client with nothing cached")
	}
}

// newOnlineClient builds a client against a scripted server. Options
// mutate the config before defaults fill in.
func newOnlineClient(t *testing.T, handler http.Handler, opts ...func(*Config)) (string, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		Path:      filepath.Join(t.TempDir(), "field.db"),
		ServerURL: srv.URL,
		Token:     "device-token",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return srv.URL, c
}
