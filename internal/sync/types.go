// Package sync defines the wire types and conflict resolution strategies for
// the offline mutation pipeline. Field devices queue mutations locally, push
// them in batches, and pull the change log to converge; this package holds the
// shapes both sides agree on.
package sync

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/sitrep/internal/types"
)

// Op is the kind of write a mutation carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ValidOp reports whether op is a known mutation operation.
func ValidOp(op Op) bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Mutation is a single queued write captured on a field device. BaseVersion is
// the record version the device last saw (zero for creates); the server uses
// it to detect concurrent edits. ClientTime is the device wall clock at
// capture and feeds last-write-wins resolution.
type Mutation struct {
	ID          string           `json:"id"`
	Kind        types.RecordKind `json:"kind"`
	RecordID    string           `json:"record_id"`
	Op          Op               `json:"op"`
	BaseVersion int64            `json:"base_version"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	ClientTime  time.Time        `json:"client_time"`
	ActorID     string           `json:"actor_id,omitempty"`
}

// Outcome classifies what happened to a pushed mutation.
type Outcome string

const (
	// OutcomeApplied means the write landed cleanly.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the mutation was already applied by an earlier
	// push; the original result is returned unchanged.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeResolvedLocal means a version conflict was detected and the
	// device's payload won.
	OutcomeResolvedLocal Outcome = "resolved_local"
	// OutcomeResolvedServer means a version conflict was detected and the
	// server's state was kept.
	OutcomeResolvedServer Outcome = "resolved_server"
	// OutcomeMerged means a version conflict was detected and a field-level
	// merge of both payloads was applied.
	OutcomeMerged Outcome = "merged"
	// OutcomePending means a version conflict was detected and parked for a
	// coordinator to resolve; the server's state stands meanwhile.
	OutcomePending Outcome = "pending"
	// OutcomeRejected means the mutation failed validation and was discarded.
	OutcomeRejected Outcome = "rejected"
)

// MutationResult reports the fate of one pushed mutation. Version is the
// record's version after processing, so devices can fast-forward their cache
// without waiting for the next pull.
type MutationResult struct {
	MutationID string  `json:"mutation_id"`
	Outcome    Outcome `json:"outcome"`
	RecordID   string  `json:"record_id"`
	Version    int64   `json:"version,omitempty"`
	ConflictID string  `json:"conflict_id,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// PushRequest is the POST /api/v1/sync/push body. PushID identifies the
// batch: retrying the same batch replays the cached response instead of
// re-running the pipeline. Per-mutation dedupe still applies either way, so
// PushID may be omitted.
type PushRequest struct {
	PushID    string     `json:"push_id,omitempty"`
	DeviceID  string     `json:"device_id"`
	Mutations []Mutation `json:"mutations"`
}

// PushResponse returns per-mutation results plus the latest change log
// sequence so devices can decide whether a pull is worthwhile.
type PushResponse struct {
	Results   []MutationResult `json:"results"`
	LatestSeq int64            `json:"latest_seq"`
}

// ChangeEntry is one change log row. Payload is the canonical post-apply
// record snapshot; deletes carry no payload.
type ChangeEntry struct {
	Seq      int64            `json:"seq"`
	Kind     types.RecordKind `json:"kind"`
	RecordID string           `json:"record_id"`
	Op       Op               `json:"op"`
	Version  int64            `json:"version"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
	LoggedAt time.Time        `json:"logged_at"`
}

// PullResponse is the GET /api/v1/sync/pull body. HasMore signals the device
// to pull again immediately with the new cursor.
type PullResponse struct {
	Entries   []ChangeEntry `json:"entries"`
	LatestSeq int64         `json:"latest_seq"`
	HasMore   bool          `json:"has_more"`
}

// MarshalJSON ensures a nil entry slice marshals as [] not null.
func (r PullResponse) MarshalJSON() ([]byte, error) {
	if r.Entries == nil {
		r.Entries = []ChangeEntry{}
	}
	type Alias PullResponse
	return json.Marshal(Alias(r))
}

// Resolution values recorded on a conflict.
const (
	ResolutionLocal  = "local"
	ResolutionServer = "server"
	ResolutionMerged = "merged"
)

// Conflict is a recorded concurrent-edit collision. Local* fields hold the
// losing or contending device state; Server* fields hold what the server had
// when the push arrived. Resolution is empty while the conflict is pending.
type Conflict struct {
	ID            string           `json:"id"`
	Kind          types.RecordKind `json:"kind"`
	RecordID      string           `json:"record_id"`
	MutationID    string           `json:"mutation_id"`
	ActorID       string           `json:"actor_id,omitempty"`
	BaseVersion   int64            `json:"base_version"`
	ServerVersion int64            `json:"server_version"`
	LocalPayload  json.RawMessage  `json:"local_payload,omitempty"`
	ServerPayload json.RawMessage  `json:"server_payload,omitempty"`
	MergedPayload json.RawMessage  `json:"merged_payload,omitempty"`
	Strategy      string           `json:"strategy"`
	Resolution    string           `json:"resolution,omitempty"`
	Reasons       []string         `json:"reasons,omitempty"`
	Resolved      bool             `json:"resolved"`
	ResolvedBy    string           `json:"resolved_by,omitempty"`
	DetectedAt    time.Time        `json:"detected_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}
