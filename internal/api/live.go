package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/sitrep/internal/types"
)

// Event types broadcast on the live feed.
const (
	EventRecordApplied    = "record_applied"
	EventRecordDeleted    = "record_deleted"
	EventConflictDetected = "conflict_detected"
	EventConflictResolved = "conflict_resolved"
	EventSeedRefreshed    = "seed_refreshed"
)

// Event is one live feed message. Dashboards use these to refresh without
// polling; field devices use them to trigger an early pull.
type Event struct {
	Type       string           `json:"type"`
	Kind       types.RecordKind `json:"kind,omitempty"`
	RecordID   string           `json:"record_id,omitempty"`
	ConflictID string           `json:"conflict_id,omitempty"`
	Version    int64            `json:"version,omitempty"`
	At         time.Time        `json:"at"`
}

type liveSub struct {
	ch   chan Event
	kind types.RecordKind
}

// Hub fans events out to websocket subscribers. Each subscriber has a
// buffered channel; when the buffer is full the event is dropped for that
// subscriber rather than blocking the broadcaster.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*liveSub
	nextID uint64
	buffer int
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[uint64]*liveSub),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber. An empty kind receives every event.
func (h *Hub) Subscribe(kind types.RecordKind) (uint64, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &liveSub{ch: make(chan Event, h.buffer), kind: kind}
	h.subs[h.nextID] = sub
	return h.nextID, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Broadcast delivers an event to all matching subscribers. Safe on a nil hub
// so handlers can run without a live feed wired.
func (h *Hub) Broadcast(ev Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.kind != "" && sub.kind != ev.Kind {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop the event for this subscriber
		}
	}
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	livePingInterval = 30 * time.Second
	liveWriteTimeout = 10 * time.Second
)

// Live handles GET /api/v1/sync/live. Upgrades to a websocket and streams
// events until the client disconnects. An optional kind query parameter
// filters the feed.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		slog.Warn("websocket upgrade failed", "error", err, "remote_ip", r.RemoteAddr)
		return
	}
	defer conn.Close()

	kind := types.RecordKind(r.URL.Query().Get("kind"))
	id, events := h.hub.Subscribe(kind)
	defer h.hub.Unsubscribe(id)

	// Reader goroutine: we never expect client messages, but reading is how
	// close frames and dead connections surface.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
