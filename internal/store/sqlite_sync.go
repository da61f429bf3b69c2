package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
	"github.com/hyperengineering/sitrep/internal/validation"
)

// Sync metadata keys.
const (
	MetaSeedGeneratedAt = "seed_generated_at"
	MetaSeedPath        = "seed_path"
	MetaSeedObjectKey   = "seed_object_key"
)

// SystemActor marks conflict resolutions decided by a strategy rather than a
// coordinator.
const SystemActor = "system"

// ApplyMutations runs each pushed mutation through dedupe, validation,
// version check, and conflict resolution. Each mutation commits in its own
// transaction so one poisoned record cannot roll back a whole batch. An error
// return means infrastructure failure; per-mutation problems surface as
// rejected outcomes instead.
func (s *SQLiteStore) ApplyMutations(ctx context.Context, deviceID, actorID string, muts []sitrepsync.Mutation) ([]sitrepsync.MutationResult, error) {
	results := make([]sitrepsync.MutationResult, 0, len(muts))
	for i := range muts {
		res, err := s.applyMutation(ctx, deviceID, actorID, &muts[i])
		if err != nil {
			return nil, fmt.Errorf("apply mutation %d (%s): %w", i, muts[i].ID, err)
		}
		results = append(results, *res)
	}
	return results, nil
}

func (s *SQLiteStore) applyMutation(ctx context.Context, deviceID, actorID string, m *sitrepsync.Mutation) (*sitrepsync.MutationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. Dedupe: a mutation ID is processed exactly once. Replays get the
	//    original result back, marked duplicate.
	if prior, found, err := lookupAppliedMutation(ctx, tx, m.ID); err != nil {
		return nil, err
	} else if found {
		original := prior.Outcome
		prior.Outcome = sitrepsync.OutcomeDuplicate
		prior.Detail = fmt.Sprintf("originally %s", original)
		return prior, nil
	}

	now := time.Now().UTC()

	// 2. Structural validation. Failures are deterministic, so they are
	//    recorded like any other outcome and never retried.
	if reason := validateMutation(m); reason != "" {
		return s.finishMutation(ctx, tx, deviceID, m, &sitrepsync.MutationResult{
			MutationID: m.ID,
			Outcome:    sitrepsync.OutcomeRejected,
			RecordID:   m.RecordID,
			Detail:     reason,
		}, now)
	}

	// 3. Device clocks drift; never let a future-dated write outrank real ones.
	clientTime := m.ClientTime.UTC()
	if clientTime.IsZero() || clientTime.After(now) {
		clientTime = now
	}
	if m.ActorID == "" {
		m.ActorID = actorID
	}

	// 4. Load current server state for the target record.
	serverPayload, serverVersion, serverUpdatedAt, createdAt, found, err := readRecord(ctx, tx, m.Kind, m.RecordID)
	if err != nil {
		return nil, err
	}

	// 5. Updates and deletes of a record the server never saw are rejected.
	if !found && m.Op != sitrepsync.OpCreate {
		return s.finishMutation(ctx, tx, deviceID, m, &sitrepsync.MutationResult{
			MutationID: m.ID,
			Outcome:    sitrepsync.OutcomeRejected,
			RecordID:   m.RecordID,
			Detail:     fmt.Sprintf("%s %s not found", m.Kind, m.RecordID),
		}, now)
	}

	// 6. Clean apply when the device saw the current version (or the record
	//    is brand new).
	cleanCreate := m.Op == sitrepsync.OpCreate && !found
	cleanWrite := found && m.BaseVersion == serverVersion && m.Op != sitrepsync.OpCreate
	if cleanCreate || cleanWrite {
		res, err := s.applyClean(ctx, tx, m, serverVersion, clientTime, createdAt, now)
		if err != nil {
			if recoverable(err) {
				return s.finishMutation(ctx, tx, deviceID, m, &sitrepsync.MutationResult{
					MutationID: m.ID,
					Outcome:    sitrepsync.OutcomeRejected,
					RecordID:   m.RecordID,
					Detail:     err.Error(),
				}, now)
			}
			return nil, err
		}
		return s.finishMutation(ctx, tx, deviceID, m, res, now)
	}

	// 7. Version mismatch (or concurrent create): run conflict resolution.
	res, err := s.applyConflict(ctx, tx, m, serverPayload, serverVersion, serverUpdatedAt, createdAt, clientTime, now)
	if err != nil {
		if recoverable(err) {
			return s.finishMutation(ctx, tx, deviceID, m, &sitrepsync.MutationResult{
				MutationID: m.ID,
				Outcome:    sitrepsync.OutcomeRejected,
				RecordID:   m.RecordID,
				Detail:     err.Error(),
			}, now)
		}
		return nil, err
	}
	return s.finishMutation(ctx, tx, deviceID, m, res, now)
}

// applyClean writes a mutation whose base version matches the server.
func (s *SQLiteStore) applyClean(ctx context.Context, tx *sql.Tx, m *sitrepsync.Mutation, serverVersion int64, clientTime, createdAt, now time.Time) (*sitrepsync.MutationResult, error) {
	newVersion := serverVersion + 1
	if m.Op == sitrepsync.OpCreate {
		newVersion = 1
	}

	if m.Op == sitrepsync.OpDelete {
		if err := deleteRecordRow(ctx, tx, m.Kind, m.RecordID); err != nil {
			return nil, err
		}
		if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
			Kind:     m.Kind,
			RecordID: m.RecordID,
			Op:       sitrepsync.OpDelete,
			Version:  newVersion,
			LoggedAt: now,
		}); err != nil {
			return nil, err
		}
		return &sitrepsync.MutationResult{
			MutationID: m.ID,
			Outcome:    sitrepsync.OutcomeApplied,
			RecordID:   m.RecordID,
			Version:    newVersion,
		}, nil
	}

	canonical, err := writeRecord(ctx, tx, m.Kind, m.RecordID, m.Payload, newVersion, clientTime, createdAt)
	if err != nil {
		return nil, err
	}
	if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
		Kind:     m.Kind,
		RecordID: m.RecordID,
		Op:       m.Op,
		Version:  newVersion,
		Payload:  canonical,
		LoggedAt: now,
	}); err != nil {
		return nil, err
	}
	return &sitrepsync.MutationResult{
		MutationID: m.ID,
		Outcome:    sitrepsync.OutcomeApplied,
		RecordID:   m.RecordID,
		Version:    newVersion,
	}, nil
}

// applyConflict records a conflict and applies whatever the strategy decides.
func (s *SQLiteStore) applyConflict(ctx context.Context, tx *sql.Tx, m *sitrepsync.Mutation, serverPayload json.RawMessage, serverVersion int64, serverUpdatedAt, createdAt, clientTime, now time.Time) (*sitrepsync.MutationResult, error) {
	strategy := s.strategies.For(m.Kind)
	if m.Op == sitrepsync.OpDelete {
		// A delete has no fields to merge; recency is all that can decide it.
		strategy = sitrepsync.LastWriteWins{}
	}

	decision := strategy.Resolve(
		sitrepsync.Candidate{Payload: m.Payload, Version: m.BaseVersion, UpdatedAt: clientTime},
		sitrepsync.Candidate{Payload: serverPayload, Version: serverVersion, UpdatedAt: serverUpdatedAt},
	)

	conflict := sitrepsync.Conflict{
		ID:            newID(),
		Kind:          m.Kind,
		RecordID:      m.RecordID,
		MutationID:    m.ID,
		ActorID:       m.ActorID,
		BaseVersion:   m.BaseVersion,
		ServerVersion: serverVersion,
		LocalPayload:  m.Payload,
		ServerPayload: serverPayload,
		Strategy:      strategy.Name(),
		Reasons:       decision.Reasons,
		DetectedAt:    now,
	}

	result := &sitrepsync.MutationResult{
		MutationID: m.ID,
		RecordID:   m.RecordID,
		ConflictID: conflict.ID,
		Version:    serverVersion,
	}

	switch decision.Winner {
	case sitrepsync.WinnerLocal:
		newVersion := serverVersion + 1
		if m.Op == sitrepsync.OpDelete {
			if err := deleteRecordRow(ctx, tx, m.Kind, m.RecordID); err != nil {
				return nil, err
			}
			if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
				Kind: m.Kind, RecordID: m.RecordID, Op: sitrepsync.OpDelete,
				Version: newVersion, LoggedAt: now,
			}); err != nil {
				return nil, err
			}
		} else {
			canonical, err := writeRecord(ctx, tx, m.Kind, m.RecordID, m.Payload, newVersion, clientTime, createdAt)
			if err != nil {
				return nil, err
			}
			if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
				Kind: m.Kind, RecordID: m.RecordID, Op: sitrepsync.OpUpdate,
				Version: newVersion, Payload: canonical, LoggedAt: now,
			}); err != nil {
				return nil, err
			}
		}
		markResolved(&conflict, sitrepsync.ResolutionLocal, SystemActor, now)
		result.Outcome = sitrepsync.OutcomeResolvedLocal
		result.Version = newVersion

	case sitrepsync.WinnerMerged:
		newVersion := serverVersion + 1
		canonical, err := writeRecord(ctx, tx, m.Kind, m.RecordID, decision.Payload, newVersion, now, createdAt)
		if err != nil {
			return nil, err
		}
		if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
			Kind: m.Kind, RecordID: m.RecordID, Op: sitrepsync.OpUpdate,
			Version: newVersion, Payload: canonical, LoggedAt: now,
		}); err != nil {
			return nil, err
		}
		conflict.MergedPayload = canonical
		markResolved(&conflict, sitrepsync.ResolutionMerged, SystemActor, now)
		result.Outcome = sitrepsync.OutcomeMerged
		result.Version = newVersion

	case sitrepsync.WinnerServer:
		markResolved(&conflict, sitrepsync.ResolutionServer, SystemActor, now)
		result.Outcome = sitrepsync.OutcomeResolvedServer

	default:
		// Pending: server state stands until a coordinator rules.
		result.Outcome = sitrepsync.OutcomePending
	}

	slog.Debug("conflict decided",
		"component", "store",
		"action", "conflict_decide",
		"conflict_id", conflict.ID,
		"kind", string(m.Kind),
		"record_id", m.RecordID,
		"strategy", conflict.Strategy,
		"outcome", string(result.Outcome),
		"base_version", m.BaseVersion,
		"server_version", serverVersion,
		"reasons", strings.Join(decision.Reasons, "; "),
	)

	if err := insertConflict(ctx, tx, &conflict); err != nil {
		return nil, err
	}
	return result, nil
}

func markResolved(c *sitrepsync.Conflict, resolution, by string, at time.Time) {
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedBy = by
	c.ResolvedAt = &at
}

// finishMutation records the outcome for dedupe and commits.
func (s *SQLiteStore) finishMutation(ctx context.Context, tx *sql.Tx, deviceID string, m *sitrepsync.Mutation, res *sitrepsync.MutationResult, now time.Time) (*sitrepsync.MutationResult, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO applied_mutations (mutation_id, device_id, outcome, record_id, version, conflict_id, detail, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, deviceID, string(res.Outcome), res.RecordID, res.Version, res.ConflictID, res.Detail, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("record applied mutation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

func lookupAppliedMutation(ctx context.Context, q querier, mutationID string) (*sitrepsync.MutationResult, bool, error) {
	var res sitrepsync.MutationResult
	var outcome string
	err := q.QueryRowContext(ctx, `
		SELECT outcome, record_id, version, conflict_id, detail
		FROM applied_mutations WHERE mutation_id = ?
	`, mutationID).Scan(&outcome, &res.RecordID, &res.Version, &res.ConflictID, &res.Detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup applied mutation: %w", err)
	}
	res.MutationID = mutationID
	res.Outcome = sitrepsync.Outcome(outcome)
	return &res, true, nil
}

// validateMutation returns a rejection reason, or "" when the mutation is
// structurally sound.
func validateMutation(m *sitrepsync.Mutation) string {
	if err := validation.ValidateUUID("mutation_id", m.ID); err != nil {
		return "mutation id " + err.Message
	}
	if !types.ValidSyncableKind(m.Kind) {
		return fmt.Sprintf("record kind %q is not syncable", m.Kind)
	}
	if !sitrepsync.ValidOp(m.Op) {
		return fmt.Sprintf("unknown operation %q", m.Op)
	}
	if strings.TrimSpace(m.RecordID) == "" {
		return "record id is required"
	}
	if m.BaseVersion < 0 {
		return "base version must not be negative"
	}
	if m.Op != sitrepsync.OpDelete {
		if err := validation.ValidateJSONObject("payload", m.Payload); err != nil {
			return "payload " + err.Message
		}
	}
	return ""
}

// recoverable reports whether a write failure is the mutation's fault
// (malformed payload, constraint violation) rather than the database's.
func recoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "decode ")
}

// --- Conflicts ---

const selectConflictSQL = `
	SELECT id, kind, record_id, mutation_id, actor_id, base_version, server_version,
	       local_payload, server_payload, merged_payload, strategy, resolution,
	       reasons, resolved, resolved_by, detected_at, resolved_at
	FROM conflicts`

func scanConflict(row interface{ Scan(...any) error }) (*sitrepsync.Conflict, error) {
	var c sitrepsync.Conflict
	var kind, detectedAt string
	var localPayload, serverPayload, mergedPayload, reasons, resolvedAt sql.NullString
	var resolved int
	if err := row.Scan(&c.ID, &kind, &c.RecordID, &c.MutationID, &c.ActorID,
		&c.BaseVersion, &c.ServerVersion, &localPayload, &serverPayload, &mergedPayload,
		&c.Strategy, &c.Resolution, &reasons, &resolved, &c.ResolvedBy,
		&detectedAt, &resolvedAt); err != nil {
		return nil, err
	}
	c.Kind = types.RecordKind(kind)
	if localPayload.Valid {
		c.LocalPayload = json.RawMessage(localPayload.String)
	}
	if serverPayload.Valid {
		c.ServerPayload = json.RawMessage(serverPayload.String)
	}
	if mergedPayload.Valid {
		c.MergedPayload = json.RawMessage(mergedPayload.String)
	}
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &c.Reasons); err != nil {
			slog.Warn("conflicts: failed to parse reasons", "conflict_id", c.ID, "error", err)
		}
	}
	c.Resolved = resolved != 0
	c.DetectedAt = parseTime("detected_at", detectedAt)
	c.ResolvedAt = scanNullableTime("resolved_at", resolvedAt)
	return &c, nil
}

func insertConflict(ctx context.Context, q querier, c *sitrepsync.Conflict) error {
	reasons, err := json.Marshal(c.Reasons)
	if err != nil {
		return fmt.Errorf("encode conflict reasons: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO conflicts
			(id, kind, record_id, mutation_id, actor_id, base_version, server_version,
			 local_payload, server_payload, merged_payload, strategy, resolution,
			 reasons, resolved, resolved_by, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, string(c.Kind), c.RecordID, c.MutationID, c.ActorID, c.BaseVersion, c.ServerVersion,
		nullablePayload(c.LocalPayload), nullablePayload(c.ServerPayload), nullablePayload(c.MergedPayload),
		c.Strategy, c.Resolution, string(reasons), boolToInt(c.Resolved), c.ResolvedBy,
		formatTime(c.DetectedAt), nullableTime(c.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// ListConflicts returns one page of conflicts matching the filter, newest
// detection first, plus the total match count for pagination metadata.
func (s *SQLiteStore) ListConflicts(ctx context.Context, f ConflictFilter) ([]sitrepsync.Conflict, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}

	where := ` WHERE 1=1`
	args := []any{}
	if f.Kind != "" {
		where += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Resolved != nil {
		where += ` AND resolved = ?`
		args = append(args, boolToInt(*f.Resolved))
	}
	if !f.From.IsZero() {
		where += ` AND detected_at >= ?`
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where += ` AND detected_at <= ?`
		args = append(args, formatTime(f.To))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conflicts: %w", err)
	}

	pageArgs := append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := s.db.QueryContext(ctx,
		selectConflictSQL+where+` ORDER BY detected_at DESC, id DESC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]sitrepsync.Conflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, total, rows.Err()
}

// GetConflict fetches one conflict by ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*sitrepsync.Conflict, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, selectConflictSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

// ResolveConflict rules on a pending conflict exactly once. Choice is one of
// local, server, or merged; merged requires a payload (explicit, or the one a
// strategy proposed). Resolving an already-resolved conflict returns
// ErrAlreadyResolved.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id, choice string, payload json.RawMessage, resolvedBy string) (*sitrepsync.Conflict, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := scanConflict(tx.QueryRowContext(ctx, selectConflictSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	if c.Resolved {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
	}

	now := time.Now().UTC()

	switch choice {
	case sitrepsync.ResolutionLocal:
		if err := s.applyResolutionWrite(ctx, tx, c, c.LocalPayload, now); err != nil {
			return nil, err
		}
	case sitrepsync.ResolutionMerged:
		if len(payload) == 0 {
			payload = c.MergedPayload
		}
		if len(payload) == 0 {
			return nil, fmt.Errorf("merged resolution for conflict %s requires a payload", id)
		}
		c.MergedPayload = payload
		if err := s.applyResolutionWrite(ctx, tx, c, payload, now); err != nil {
			return nil, err
		}
	case sitrepsync.ResolutionServer:
		// Server state stands; nothing to write.
	default:
		return nil, fmt.Errorf("unknown resolution choice %q", choice)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conflicts
		SET resolved = 1, resolution = ?, resolved_by = ?, resolved_at = ?, merged_payload = ?
		WHERE id = ? AND resolved = 0
	`, choice, resolvedBy, formatTime(now), nullablePayload(c.MergedPayload), id)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	markResolved(c, choice, resolvedBy, now)
	return c, nil
}

// applyResolutionWrite lands the chosen payload on the live record. An empty
// payload means the losing side wanted a delete, so the record is removed.
func (s *SQLiteStore) applyResolutionWrite(ctx context.Context, tx *sql.Tx, c *sitrepsync.Conflict, payload json.RawMessage, now time.Time) error {
	_, current, _, createdAt, found, err := readRecord(ctx, tx, c.Kind, c.RecordID)
	if err != nil {
		return err
	}

	if len(payload) == 0 {
		if !found {
			return nil
		}
		if err := deleteRecordRow(ctx, tx, c.Kind, c.RecordID); err != nil {
			return err
		}
		_, err = appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
			Kind: c.Kind, RecordID: c.RecordID, Op: sitrepsync.OpDelete,
			Version: current + 1, LoggedAt: now,
		})
		return err
	}

	newVersion := current + 1
	op := sitrepsync.OpUpdate
	if !found {
		newVersion = 1
		op = sitrepsync.OpCreate
	}
	canonical, err := writeRecord(ctx, tx, c.Kind, c.RecordID, payload, newVersion, now, createdAt)
	if err != nil {
		return err
	}
	_, err = appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
		Kind: c.Kind, RecordID: c.RecordID, Op: op,
		Version: newVersion, Payload: canonical, LoggedAt: now,
	})
	return err
}

// --- Change log ---

const insertChangeLogSQL = `
	INSERT INTO change_log (kind, record_id, operation, version, payload, logged_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// appendChangeLogTx appends one entry and returns its assigned sequence.
func appendChangeLogTx(ctx context.Context, q querier, e sitrepsync.ChangeEntry) (int64, error) {
	result, err := q.ExecContext(ctx, insertChangeLogSQL,
		string(e.Kind), e.RecordID, string(e.Op), e.Version,
		nullablePayload(e.Payload), formatTime(e.LoggedAt))
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get change log sequence: %w", err)
	}
	return seq, nil
}

// GetChangeLogAfter returns entries with sequence > afterSeq, up to limit.
func (s *SQLiteStore) GetChangeLogAfter(ctx context.Context, afterSeq int64, limit int) ([]sitrepsync.ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, kind, record_id, operation, version, payload, logged_at
		FROM change_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]sitrepsync.ChangeEntry, 0)
	for rows.Next() {
		var e sitrepsync.ChangeEntry
		var kind, op, loggedAt string
		var payload sql.NullString
		if err := rows.Scan(&e.Seq, &kind, &e.RecordID, &op, &e.Version, &payload, &loggedAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		e.Kind = types.RecordKind(kind)
		e.Op = sitrepsync.Op(op)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.LoggedAt = parseTime("logged_at", loggedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetLatestSequence returns the highest sequence number in the change log.
// Returns 0 if the change log is empty.
func (s *SQLiteStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM change_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// --- Push idempotency ---

// CheckPushIdempotency checks if a push_id has been processed.
// Returns the cached response and true if found, nil and false otherwise.
func (s *SQLiteStore) CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error) {
	var response string
	var expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT response, expires_at FROM push_idempotency WHERE push_id = ?
	`, pushID).Scan(&response, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	// Check expiration
	expires := parseTime("expires_at", expiresAt)
	if time.Now().After(expires) {
		return nil, false, nil
	}

	return []byte(response), true, nil
}

// RecordPushIdempotency records a processed push for idempotency.
func (s *SQLiteStore) RecordPushIdempotency(ctx context.Context, pushID, deviceID string, response []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO push_idempotency (push_id, device_id, response, expires_at)
		VALUES (?, ?, ?, ?)
	`, pushID, deviceID, string(response), formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("record push idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries.
// Returns the number of entries removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM push_idempotency WHERE expires_at < ?
	`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}

// --- Sync metadata ---

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// --- Retention ---

// PurgeResolvedConflicts deletes resolved conflicts older than the cutoff.
// Pending conflicts are never purged.
func (s *SQLiteStore) PurgeResolvedConflicts(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conflicts WHERE resolved = 1 AND resolved_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge resolved conflicts: %w", err)
	}
	return result.RowsAffected()
}

// PruneChangeLog deletes change log entries older than the cutoff. Devices
// with cursors older than the horizon re-bootstrap from a seed bundle.
func (s *SQLiteStore) PruneChangeLog(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM change_log WHERE logged_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune change log: %w", err)
	}
	return result.RowsAffected()
}

// PruneAppliedMutations deletes mutation dedupe rows older than the cutoff.
func (s *SQLiteStore) PruneAppliedMutations(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM applied_mutations WHERE applied_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune applied mutations: %w", err)
	}
	return result.RowsAffected()
}
