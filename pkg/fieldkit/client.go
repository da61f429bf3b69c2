// Package fieldkit is the device-side SDK for sitrep. It keeps a local
// record cache and a durable outbox in SQLite, queues writes while
// offline, and converges with the server over the push/pull sync
// protocol when connectivity allows.
package fieldkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Client is a field device's entry point: reads come from the local
// cache, writes go into the outbox, and a background processor drains
// the outbox against the server.
type Client struct {
	cfg       Config
	store     *Store
	remote    *remote // nil when no server is configured
	syncer    *syncer
	processor *processor
	boot      *bootstrapper

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// syncableKinds are the record families devices may mutate. Assignments
// and config are reference data, written only on the server.
var syncableKinds = map[Kind]bool{
	KindEntity:     true,
	KindIncident:   true,
	KindAssessment: true,
	KindResponse:   true,
	KindCommitment: true,
}

// New opens the local cache and builds a client. With no ServerURL the
// client runs offline-only: reads and queued writes work, and sync
// starts once a later process configures a server.
func New(cfg Config) (*Client, error) {
	if cfg.Path == "" {
		return nil, errors.New("Path is required")
	}
	cfg = cfg.withDefaults()

	store, err := OpenStore(cfg.Path, cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, store: store}
	if cfg.ServerURL != "" {
		c.remote = newRemote(cfg)
	}
	c.syncer = newSyncer(store, c.remote, cfg)
	c.processor = newProcessor(c.syncer, store, cfg)
	c.boot = newBootstrapper(store, c.remote)

	return c, nil
}

// Start launches the background sync processor. A no-op for
// offline-only clients and when already started.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.remote == nil || c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.processor.Run(ctx)
	}()
	return nil
}

// Close stops the processor and closes the cache. Queued mutations stay
// in the outbox and resume after the next Start; Close never waits on
// the network.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.store.Close()
}

// DeviceID returns the stable identifier minted for this cache.
func (c *Client) DeviceID() string {
	return c.store.DeviceID()
}

func (c *Client) guard() error {
	if c.closed {
		return ErrClosed
	}
	return nil
}

func normalizePriority(p int) (int, error) {
	if p == 0 {
		return 5, nil
	}
	if p < 1 || p > 10 {
		return 0, fmt.Errorf("priority must be between 1 and 10, got %d", p)
	}
	return p, nil
}

// Create queues a new record. The ID is minted locally so the record is
// usable immediately; the server keeps it when the mutation applies.
func (c *Client) Create(ctx context.Context, p CreateParams) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return nil, err
	}

	if !syncableKinds[p.Kind] {
		return nil, fmt.Errorf("kind %q is not writable from devices", p.Kind)
	}
	if len(p.Payload) == 0 {
		return nil, errors.New("payload is required")
	}
	priority, err := normalizePriority(p.Priority)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := Mutation{
		ID:          uuid.NewString(),
		Kind:        p.Kind,
		RecordID:    ulid.Make().String(),
		Op:          OpCreate,
		BaseVersion: 0,
		Payload:     p.Payload,
		Priority:    priority,
		NextRetryAt: now,
		Status:      QueuePending,
		ClientTime:  now,
		QueuedAt:    now,
	}
	if err := c.store.EnqueueMutation(ctx, m); err != nil {
		return nil, err
	}
	c.processor.Kick()

	return &Record{
		Kind:      m.Kind,
		ID:        m.RecordID,
		Payload:   m.Payload,
		Version:   0,
		Status:    StatusLocal,
		UpdatedAt: now,
	}, nil
}

// Update queues an edit to an existing record. BaseVersion must be the
// version this device last saw; the server uses it to detect concurrent
// edits.
func (c *Client) Update(ctx context.Context, p UpdateParams) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return nil, err
	}

	if !syncableKinds[p.Kind] {
		return nil, fmt.Errorf("kind %q is not writable from devices", p.Kind)
	}
	if p.RecordID == "" {
		return nil, errors.New("record ID is required")
	}
	if len(p.Payload) == 0 {
		return nil, errors.New("payload is required")
	}
	if p.BaseVersion < 1 {
		return nil, errors.New("base version is required for updates")
	}
	priority, err := normalizePriority(p.Priority)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := Mutation{
		ID:          uuid.NewString(),
		Kind:        p.Kind,
		RecordID:    p.RecordID,
		Op:          OpUpdate,
		BaseVersion: p.BaseVersion,
		Payload:     p.Payload,
		Priority:    priority,
		NextRetryAt: now,
		Status:      QueuePending,
		ClientTime:  now,
		QueuedAt:    now,
	}
	if err := c.store.EnqueueMutation(ctx, m); err != nil {
		return nil, err
	}
	c.processor.Kick()

	return &Record{
		Kind:      m.Kind,
		ID:        m.RecordID,
		Payload:   m.Payload,
		Version:   p.BaseVersion,
		Status:    StatusPending,
		UpdatedAt: now,
	}, nil
}

// Delete queues a record deletion and removes it from the cache
// optimistically.
func (c *Client) Delete(ctx context.Context, p DeleteParams) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}

	if !syncableKinds[p.Kind] {
		return fmt.Errorf("kind %q is not writable from devices", p.Kind)
	}
	if p.RecordID == "" {
		return errors.New("record ID is required")
	}
	if p.BaseVersion < 1 {
		return errors.New("base version is required for deletes")
	}
	priority, err := normalizePriority(p.Priority)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	m := Mutation{
		ID:          uuid.NewString(),
		Kind:        p.Kind,
		RecordID:    p.RecordID,
		Op:          OpDelete,
		BaseVersion: p.BaseVersion,
		Priority:    priority,
		NextRetryAt: now,
		Status:      QueuePending,
		ClientTime:  now,
		QueuedAt:    now,
	}
	if err := c.store.EnqueueMutation(ctx, m); err != nil {
		return err
	}
	c.processor.Kick()
	return nil
}

// Get reads one record from the local cache.
func (c *Client) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return Record{}, err
	}
	return c.store.GetRecord(ctx, kind, id)
}

// List reads all cached records of one kind, most recently updated
// first.
func (c *Client) List(ctx context.Context, kind Kind) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.store.ListRecords(ctx, kind)
}

// Pending returns every queued mutation, parked ones included, in queue
// order.
func (c *Client) Pending(ctx context.Context) ([]Mutation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.store.ListMutations(ctx)
}

// Requeue puts a parked mutation back in the rotation with a fresh
// attempt budget and kicks the processor.
func (c *Client) Requeue(ctx context.Context, mutationID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.store.RequeueMutation(ctx, mutationID, time.Now().UTC()); err != nil {
		return err
	}
	c.processor.Kick()
	return nil
}

// Cancel withdraws a queued mutation and repairs the cached record it
// touched: a cancelled create disappears, a cancelled update or delete
// is overwritten with the server's state. When the server is not
// reachable the record is flagged failed instead, and the next change
// to it heals the cache through the regular pull.
func (c *Client) Cancel(ctx context.Context, mutationID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}

	m, err := c.store.CancelMutation(ctx, mutationID)
	if err != nil {
		return err
	}

	if m.Op == OpCreate {
		_, err := c.store.ApplyServerDelete(ctx, m.Kind, m.RecordID)
		return err
	}

	if c.remote != nil {
		if err := c.syncer.refreshRecord(ctx, m.Kind, m.RecordID); err == nil {
			return nil
		}
	}
	return c.store.MarkRecordFailed(ctx, m.Kind, m.RecordID)
}

// Sync runs one push and pull pass right now, independent of the
// background schedule.
func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return SyncResult{}, err
	}
	if c.remote == nil {
		return SyncResult{}, ErrOffline
	}
	return c.syncer.SyncOnce(ctx)
}

// Bootstrap primes the cache for the given role. See bootstrapper for
// the freshness rules.
func (c *Client) Bootstrap(ctx context.Context, role Role, force bool) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return false, err
	}
	return c.boot.Bootstrap(ctx, role, force)
}

// Seed reloads the server's seed bundle into the cache.
func (c *Client) Seed(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}
	if c.remote == nil {
		return ErrOffline
	}
	return c.boot.seedFromServer(ctx)
}

// Ping checks server reachability.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}
	if c.remote == nil {
		return ErrOffline
	}
	return c.remote.Ping(ctx)
}

// Stats summarizes the cache and outbox.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return Stats{}, err
	}
	return c.store.Stats(ctx)
}
