package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
	"github.com/hyperengineering/sitrep/pkg/fieldkit"
)

// --- Device Convergence ---

func TestSync_TwoDevices_Convergence(t *testing.T) {
	env := startServer(t)
	ctx := context.Background()

	devA := env.newDevice(t, types.RoleAssessor)
	devB := env.newDevice(t, types.RoleAssessor)

	// Each device captures records offline.
	a1, err := devA.Create(ctx, fieldkit.CreateParams{Kind: fieldkit.KindEntity, Payload: entityPayload(t, "North Camp", "north")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a2, err := devA.Create(ctx, fieldkit.CreateParams{Kind: fieldkit.KindEntity, Payload: entityPayload(t, "River Clinic", "north")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b1, err := devB.Create(ctx, fieldkit.CreateParams{Kind: fieldkit.KindEntity, Payload: entityPayload(t, "South Shelter", "south")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resA := mustSync(t, devA)
	if resA.Pushed != 2 {
		t.Errorf("device A pushed = %d, want 2", resA.Pushed)
	}
	resB := mustSync(t, devB)
	if resB.Pushed != 1 {
		t.Errorf("device B pushed = %d, want 1", resB.Pushed)
	}
	// Device A pulls device B's record on its next pass.
	mustSync(t, devA)

	for name, dev := range map[string]*fieldkit.Client{"A": devA, "B": devB} {
		records, err := dev.List(ctx, fieldkit.KindEntity)
		if err != nil {
			t.Fatalf("device %s List: %v", name, err)
		}
		if len(records) != 3 {
			t.Fatalf("device %s has %d entities, want 3", name, len(records))
		}
		for _, r := range records {
			if r.Status != fieldkit.StatusSynced || r.Version != 1 {
				t.Errorf("device %s record %s = v%d %s, want v1 synced", name, r.ID, r.Version, r.Status)
			}
		}
		for _, id := range []string{a1.ID, a2.ID, b1.ID} {
			if _, err := dev.Get(ctx, fieldkit.KindEntity, id); err != nil {
				t.Errorf("device %s missing record %s: %v", name, id, err)
			}
		}
	}

	// The server logged exactly one change per create.
	_, adminTok := env.createUser(t, types.RoleAdmin)
	log := env.pullRaw(t, adminTok, 0)
	if len(log.Entries) != 3 {
		t.Errorf("server change log has %d entries, want 3", len(log.Entries))
	}
	for i, e := range log.Entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d: seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.Version != 1 || e.Op != sitrepsync.OpCreate {
			t.Errorf("entry %d: %s v%d, want create v1", i, e.Op, e.Version)
		}
	}
}

func TestSync_UpdateVersionProgression(t *testing.T) {
	env := startServer(t)
	ctx := context.Background()

	devA := env.newDevice(t, types.RoleAssessor)
	devB := env.newDevice(t, types.RoleAssessor)

	created, err := devA.Create(ctx, fieldkit.CreateParams{Kind: fieldkit.KindEntity, Payload: entityPayload(t, "Camp v1", "east")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mustSync(t, devA)

	// Two sequential edits, each based on the version the previous sync
	// confirmed.
	for i, name := range []string{"Camp v2", "Camp v3"} {
		if _, err := devA.Update(ctx, fieldkit.UpdateParams{
			Kind:        fieldkit.KindEntity,
			RecordID:    created.ID,
			Payload:     entityPayload(t, name, "east"),
			BaseVersion: int64(i + 1),
		}); err != nil {
			t.Fatalf("Update to %q: %v", name, err)
		}
		mustSync(t, devA)
	}

	recA, err := devA.Get(ctx, fieldkit.KindEntity, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if recA.Version != 3 || recA.Status != fieldkit.StatusSynced {
		t.Errorf("device A record = v%d %s, want v3 synced", recA.Version, recA.Status)
	}
	if got := payloadField(t, recA.Payload, "name"); got != "Camp v3" {
		t.Errorf("device A name = %q, want %q", got, "Camp v3")
	}

	// A fresh device replays the whole history and lands on the same state.
	mustSync(t, devB)
	recB, err := devB.Get(ctx, fieldkit.KindEntity, created.ID)
	if err != nil {
		t.Fatalf("device B Get: %v", err)
	}
	if recB.Version != 3 {
		t.Errorf("device B record = v%d, want v3", recB.Version)
	}
	if got := payloadField(t, recB.Payload, "name"); got != "Camp v3" {
		t.Errorf("device B name = %q, want %q", got, "Camp v3")
	}
}

func TestSync_DeletePropagation(t *testing.T) {
	env := startServer(t)
	ctx := context.Background()

	devA := env.newDevice(t, types.RoleAssessor)
	devB := env.newDevice(t, types.RoleAssessor)

	created, err := devA.Create(ctx, fieldkit.CreateParams{Kind: fieldkit.KindEntity, Payload: entityPayload(t, "Temporary Camp", "west")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mustSync(t, devA)
	mustSync(t, devB)
	if _, err := devB.Get(ctx, fieldkit.KindEntity, created.ID); err != nil {
		t.Fatalf("device B should have the record before the delete: %v", err)
	}

	if err := devA.Delete(ctx, fieldkit.DeleteParams{Kind: fieldkit.KindEntity, RecordID: created.ID, BaseVersion: 1}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	mustSync(t, devA)
	mustSync(t, devB)

	for name, dev := range map[string]*fieldkit.Client{"A": devA, "B": devB} {
		if _, err := dev.Get(ctx, fieldkit.KindEntity, created.ID); !errors.Is(err, fieldkit.ErrNotFound) {
			t.Errorf("device %s Get after delete = %v, want ErrNotFound", name, err)
		}
	}
}

// --- Batch Replay and Mutation Dedupe ---

func TestSync_PushReplayReturnsCachedResponse(t *testing.T) {
	env := startServer(t)
	_, token := env.createUser(t, types.RoleAssessor)

	req := sitrepsync.PushRequest{
		PushID:   "replay-batch-001",
		DeviceID: "device-raw",
		Mutations: []sitrepsync.Mutation{{
			ID:         uuid.NewString(),
			Kind:       types.KindEntity,
			RecordID:   "ent-replay-1",
			Op:         sitrepsync.OpCreate,
			Payload:    entityPayload(t, "Replay Camp", "north"),
			ClientTime: time.Now().UTC(),
		}},
	}

	first, firstHeader := env.pushRaw(t, token, req)
	if firstHeader.Get("X-Idempotent-Replay") != "" {
		t.Error("first push flagged as a replay")
	}
	if first.Results[0].Outcome != sitrepsync.OutcomeApplied {
		t.Fatalf("first outcome = %s, want applied", first.Results[0].Outcome)
	}

	// A device that lost the response retries the whole batch.
	second, secondHeader := env.pushRaw(t, token, req)
	if secondHeader.Get("X-Idempotent-Replay") != "true" {
		t.Error("second push not flagged as a replay")
	}
	if second.Results[0].Outcome != sitrepsync.OutcomeApplied {
		t.Errorf("replayed outcome = %s, want the original applied", second.Results[0].Outcome)
	}
	if second.Results[0].Version != first.Results[0].Version {
		t.Errorf("replayed version = %d, want %d", second.Results[0].Version, first.Results[0].Version)
	}

	// The pipeline ran once: one change log entry, record still at v1.
	log := env.pullRaw(t, token, 0)
	if len(log.Entries) != 1 {
		t.Errorf("change log has %d entries after replay, want 1", len(log.Entries))
	}
}

func TestSync_DuplicateMutationAcrossBatches(t *testing.T) {
	env := startServer(t)
	_, token := env.createUser(t, types.RoleAssessor)

	mut := sitrepsync.Mutation{
		ID:         uuid.NewString(),
		Kind:       types.KindEntity,
		RecordID:   "ent-dup-1",
		Op:         sitrepsync.OpCreate,
		Payload:    entityPayload(t, "Dup Camp", "south"),
		ClientTime: time.Now().UTC(),
	}

	first, _ := env.pushRaw(t, token, sitrepsync.PushRequest{
		PushID: "dup-batch-1", DeviceID: "device-raw", Mutations: []sitrepsync.Mutation{mut},
	})
	if first.Results[0].Outcome != sitrepsync.OutcomeApplied {
		t.Fatalf("first outcome = %s, want applied", first.Results[0].Outcome)
	}

	// Same mutation in a different batch: per-mutation dedupe catches it
	// even though the push ID is new.
	second, _ := env.pushRaw(t, token, sitrepsync.PushRequest{
		PushID: "dup-batch-2", DeviceID: "device-raw", Mutations: []sitrepsync.Mutation{mut},
	})
	res := second.Results[0]
	if res.Outcome != sitrepsync.OutcomeDuplicate {
		t.Fatalf("second outcome = %s, want duplicate", res.Outcome)
	}
	if res.Detail != "originally applied" {
		t.Errorf("duplicate detail = %q", res.Detail)
	}
	if res.Version != first.Results[0].Version {
		t.Errorf("duplicate version = %d, want original %d", res.Version, first.Results[0].Version)
	}

	log := env.pullRaw(t, token, 0)
	if len(log.Entries) != 1 {
		t.Errorf("change log has %d entries, want 1", len(log.Entries))
	}
}

// --- Rejections ---

func TestSync_RejectedMutationParksOnDevice(t *testing.T) {
	env := startServer(t)
	ctx := context.Background()

	dev := env.newDevice(t, types.RoleAssessor)

	// An update for a record the server has never seen is rejected, not
	// retried: the outcome is deterministic.
	if _, err := dev.Update(ctx, fieldkit.UpdateParams{
		Kind:        fieldkit.KindEntity,
		RecordID:    "ent-never-existed",
		Payload:     entityPayload(t, "Ghost", "north"),
		BaseVersion: 1,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	mustSync(t, dev)

	pending, err := dev.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != fieldkit.QueueFailed {
		t.Fatalf("pending = %+v, want one failed mutation", pending)
	}
}
