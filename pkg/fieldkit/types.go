package fieldkit

import (
	"encoding/json"
	"time"
)

// Role mirrors the server's operator roles. Bootstrap uses it to decide
// which datasets a device needs.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleCoordinator Role = "coordinator"
	RoleAssessor    Role = "assessor"
	RoleResponder   Role = "responder"
	RoleDonor       Role = "donor"
)

// Kind names a record family. Values match the server's record kinds so
// payloads round-trip without translation.
type Kind string

const (
	KindEntity     Kind = "entity"
	KindIncident   Kind = "incident"
	KindAssessment Kind = "assessment"
	KindResponse   Kind = "response"
	KindCommitment Kind = "commitment"
	KindAssignment Kind = "assignment"
	KindConfig     Kind = "config"
)

// Op is the kind of write a mutation carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// SyncStatus tracks how a cached record relates to the server.
type SyncStatus string

const (
	// StatusLocal marks a record created on this device and never pushed.
	StatusLocal SyncStatus = "local"
	// StatusPending marks a record with queued edits awaiting push.
	StatusPending SyncStatus = "pending"
	// StatusSynced marks a record that matches the server at Version.
	StatusSynced SyncStatus = "synced"
	// StatusFailed marks a record whose last push was parked or rejected;
	// the cached payload may be stale until repaired.
	StatusFailed SyncStatus = "failed"
)

// QueueStatus tracks a mutation's place in the outbox.
type QueueStatus string

const (
	// QueuePending mutations are eligible for the next push pass.
	QueuePending QueueStatus = "pending"
	// QueueConflict mutations hit a version conflict the server parked for
	// a coordinator; they wait for Requeue or Cancel.
	QueueConflict QueueStatus = "conflict"
	// QueueFailed mutations exhausted their retry budget or were rejected;
	// they stay in the outbox until Requeue or Cancel.
	QueueFailed QueueStatus = "failed"
)

// Outcome classifies what the server did with a pushed mutation. Values
// match the server's wire strings.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeResolvedLocal  Outcome = "resolved_local"
	OutcomeResolvedServer Outcome = "resolved_server"
	OutcomeMerged         Outcome = "merged"
	OutcomePending        Outcome = "pending"
	OutcomeRejected       Outcome = "rejected"
)

// Config holds the field client configuration.
type Config struct {
	Path          string        // Local cache database path (required)
	ServerURL     string        // Sitrep server base URL; empty means offline-only
	Token         string        // Bearer token for this device's account
	Passphrase    string        // Optional: seals cached payloads at rest
	SyncInterval  time.Duration // Idle processor wake interval (default: 1 minute)
	RetryBase     time.Duration // Backoff base delay (default: 2 seconds)
	RetryCap      time.Duration // Backoff ceiling (default: 5 minutes)
	MaxAttempts   int           // Retries before a mutation is parked (default: 8)
	PushBatchSize int           // Mutations per push request (default: 50)
	PullBatchSize int           // Change entries per pull page (default: 500)
	HTTPTimeout   time.Duration // Per-request timeout (default: 30 seconds)
}

func (c Config) withDefaults() Config {
	if c.SyncInterval == 0 {
		c.SyncInterval = time.Minute
	}
	if c.RetryBase == 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryCap == 0 {
		c.RetryCap = 5 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 8
	}
	if c.PushBatchSize == 0 {
		c.PushBatchSize = 50
	}
	if c.PullBatchSize == 0 {
		c.PullBatchSize = 500
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	return c
}

// Record is a cached record snapshot.
type Record struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Version   int64           `json:"version"`
	Status    SyncStatus      `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
	SyncedAt  *time.Time      `json:"synced_at,omitempty"`
}

// Mutation is one queued write. BaseVersion is the record version this
// device last saw (zero for creates). Priority runs 1 to 10; higher
// priorities drain first.
type Mutation struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	RecordID      string          `json:"record_id"`
	Op            Op              `json:"op"`
	BaseVersion   int64           `json:"base_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
	Status        QueueStatus     `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	ClientTime    time.Time       `json:"client_time"`
	QueuedAt      time.Time       `json:"queued_at"`
}

// CreateParams holds parameters for queueing a create.
type CreateParams struct {
	Kind     Kind            // Record family (required)
	Payload  json.RawMessage // Record body (required)
	Priority int             // 1-10, higher drains first (default: 5)
}

// UpdateParams holds parameters for queueing an update.
type UpdateParams struct {
	Kind        Kind            // Record family (required)
	RecordID    string          // Record to update (required)
	Payload     json.RawMessage // Full replacement body (required)
	BaseVersion int64           // Version this edit is based on (required)
	Priority    int             // 1-10, higher drains first (default: 5)
}

// DeleteParams holds parameters for queueing a delete.
type DeleteParams struct {
	Kind        Kind   // Record family (required)
	RecordID    string // Record to delete (required)
	BaseVersion int64  // Version this delete is based on (required)
	Priority    int    // 1-10, higher drains first (default: 5)
}

// SeedBundle is the decoded reference dataset served by the server for
// first-run priming. Items stay raw so they cache byte-for-byte.
type SeedBundle struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Entities    []json.RawMessage `json:"entities"`
	Incidents   []json.RawMessage `json:"incidents"`
	Assessments []json.RawMessage `json:"assessments"`
	Config      json.RawMessage   `json:"config,omitempty"`
}

// Stats summarizes the local cache and outbox.
type Stats struct {
	CachedRecords     int        `json:"cached_records"`
	PendingMutations  int        `json:"pending_mutations"`
	ConflictMutations int        `json:"conflict_mutations"`
	FailedMutations   int        `json:"failed_mutations"`
	Cursor            int64      `json:"cursor"`
	BootstrapAt       *time.Time `json:"bootstrap_at,omitempty"`
	BootstrapRole     Role       `json:"bootstrap_role,omitempty"`
}

// SyncResult reports one manual sync pass.
type SyncResult struct {
	Pushed   int           `json:"pushed"`
	Pulled   int           `json:"pulled"`
	Duration time.Duration `json:"duration"`
}
