package store

import (
	"context"
	"encoding/json"
	"time"

	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
)

// EntityFilter narrows ListEntities. Zero values match everything.
type EntityFilter struct {
	Region string
	Kind   types.EntityKind
	Status string
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	Status string
}

// AssessmentFilter narrows ListAssessments.
type AssessmentFilter struct {
	EntityID   string
	IncidentID string
	AssessorID string
	Kind       types.AssessmentKind
	Status     string
}

// ResponseFilter narrows ListResponses.
type ResponseFilter struct {
	EntityID    string
	IncidentID  string
	ResponderID string
	Status      string
}

// CommitmentFilter narrows ListCommitments.
type CommitmentFilter struct {
	DonorID  string
	EntityID string
	Status   string
}

// AssignmentFilter narrows ListAssignments.
type AssignmentFilter struct {
	UserID     string
	EntityID   string
	ActiveOnly bool
}

// ConflictFilter narrows and pages ListConflicts. Page is 1-based.
type ConflictFilter struct {
	Kind     types.RecordKind
	Resolved *bool
	From     time.Time
	To       time.Time
	Page     int
	Limit    int
}

// Store defines the interface contract for all persistence operations.
type Store interface {
	// Reference data
	CreateEntity(ctx context.Context, e *types.Entity) error
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	ListEntities(ctx context.Context, f EntityFilter) ([]types.Entity, error)
	UpdateEntity(ctx context.Context, e *types.Entity, expectedVersion int64) error
	CreateIncident(ctx context.Context, in *types.Incident) error
	GetIncident(ctx context.Context, id string) (*types.Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]types.Incident, error)
	UpdateIncident(ctx context.Context, in *types.Incident, expectedVersion int64) error

	// Field data
	CreateAssessment(ctx context.Context, a *types.Assessment) error
	GetAssessment(ctx context.Context, id string) (*types.Assessment, error)
	ListAssessments(ctx context.Context, f AssessmentFilter) ([]types.Assessment, error)
	UpdateAssessment(ctx context.Context, a *types.Assessment, expectedVersion int64) error
	VerifyAssessment(ctx context.Context, id, verifierID string, approve bool) (*types.Assessment, error)
	CreateResponse(ctx context.Context, r *types.Response) error
	GetResponse(ctx context.Context, id string) (*types.Response, error)
	ListResponses(ctx context.Context, f ResponseFilter) ([]types.Response, error)
	UpdateResponse(ctx context.Context, r *types.Response, expectedVersion int64) error
	CreateCommitment(ctx context.Context, c *types.Commitment) error
	GetCommitment(ctx context.Context, id string) (*types.Commitment, error)
	ListCommitments(ctx context.Context, f CommitmentFilter) ([]types.Commitment, error)
	UpdateCommitment(ctx context.Context, c *types.Commitment, expectedVersion int64) error
	DeleteRecord(ctx context.Context, kind types.RecordKind, id string, expectedVersion int64) error

	// Accounts and assignments
	CreateUser(ctx context.Context, u *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByTokenHash(ctx context.Context, hash string) (*types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)
	SetUserActive(ctx context.Context, id string, active bool) error
	CreateAssignment(ctx context.Context, a *types.Assignment) error
	ListAssignments(ctx context.Context, f AssignmentFilter) ([]types.Assignment, error)
	SetAssignmentActive(ctx context.Context, id string, active bool) error
	IsAssigned(ctx context.Context, userID, entityID string) (bool, error)

	// Mutation pipeline
	ApplyMutations(ctx context.Context, deviceID, actorID string, muts []sitrepsync.Mutation) ([]sitrepsync.MutationResult, error)
	GetChangeLogAfter(ctx context.Context, afterSeq int64, limit int) ([]sitrepsync.ChangeEntry, error)
	GetLatestSequence(ctx context.Context) (int64, error)
	CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error)
	RecordPushIdempotency(ctx context.Context, pushID, deviceID string, response []byte, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context) (int64, error)

	// Conflicts
	ListConflicts(ctx context.Context, f ConflictFilter) ([]sitrepsync.Conflict, int64, error)
	GetConflict(ctx context.Context, id string) (*sitrepsync.Conflict, error)
	ResolveConflict(ctx context.Context, id, choice string, payload json.RawMessage, resolvedBy string) (*sitrepsync.Conflict, error)

	// Config and sync bookkeeping
	SetConfigEntry(ctx context.Context, key string, value json.RawMessage) error
	GetConfigEntry(ctx context.Context, key string) (json.RawMessage, error)
	AllConfigEntries(ctx context.Context) (map[string]json.RawMessage, error)
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error

	// Seed, stats, retention
	CollectSeedBundle(ctx context.Context) (*types.SeedBundle, error)
	GetStats(ctx context.Context) (*types.Stats, error)
	PurgeResolvedConflicts(ctx context.Context, before time.Time) (int64, error)
	PruneChangeLog(ctx context.Context, before time.Time) (int64, error)
	PruneAppliedMutations(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
