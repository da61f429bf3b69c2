package api

import (
	"testing"
	"time"

	"github.com/hyperengineering/sitrep/internal/types"
)

func TestHub_BroadcastReachesSubscriber(t *testing.T) {
	hub := NewHub(4)
	id, ch := hub.Subscribe("")
	defer hub.Unsubscribe(id)

	hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindEntity, RecordID: "rec-1", Version: 1})

	select {
	case ev := <-ch:
		if ev.Type != EventRecordApplied || ev.RecordID != "rec-1" {
			t.Errorf("event = %+v", ev)
		}
		if ev.At.IsZero() {
			t.Error("broadcast should stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_KindFilter(t *testing.T) {
	hub := NewHub(4)
	id, ch := hub.Subscribe(types.KindAssessment)
	defer hub.Unsubscribe(id)

	hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindEntity, RecordID: "rec-entity"})
	hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindAssessment, RecordID: "rec-assessment"})

	select {
	case ev := <-ch:
		if ev.Kind != types.KindAssessment {
			t.Errorf("filtered subscriber got kind %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-ch:
		t.Errorf("unexpected second event: %+v", ev)
	default:
	}
}

func TestHub_SlowSubscriberDropsNotBlocks(t *testing.T) {
	hub := NewHub(2)
	id, ch := hub.Subscribe("")
	defer hub.Unsubscribe(id)

	// Nobody reading; broadcasts beyond the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindEntity, RecordID: "rec"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}

	// The buffer holds at most its capacity.
	if n := len(ch); n > 2 {
		t.Errorf("buffered events = %d, want <= 2", n)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(4)
	id, ch := hub.Subscribe("")

	hub.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	if hub.Count() != 0 {
		t.Errorf("Count() = %d, want 0", hub.Count())
	}

	// Double unsubscribe is a no-op.
	hub.Unsubscribe(id)
}

func TestHub_NilSafe(t *testing.T) {
	var hub *Hub
	// Must not panic; handlers run without a live feed wired.
	hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindEntity})
	if hub.Count() != 0 {
		t.Errorf("nil hub Count() = %d, want 0", hub.Count())
	}
}

func TestHub_Count(t *testing.T) {
	hub := NewHub(4)
	id1, _ := hub.Subscribe("")
	id2, _ := hub.Subscribe(types.KindEntity)

	if hub.Count() != 2 {
		t.Errorf("Count() = %d, want 2", hub.Count())
	}

	hub.Unsubscribe(id1)
	hub.Unsubscribe(id2)
	if hub.Count() != 0 {
		t.Errorf("Count() = %d after unsubscribe, want 0", hub.Count())
	}
}
