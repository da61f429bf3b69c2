package fieldkit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store is the device-local cache: a records table mirroring server
// state, an outbox of queued mutations, and a meta table for the sync
// cursor and device identity.
type Store struct {
	db       *sql.DB
	sealer   *sealer
	deviceID string
}

// OpenStore opens (creating if needed) the local cache at path. A
// non-empty passphrase seals record and mutation payloads at rest; a
// cache sealed once must always be opened with its passphrase.
func OpenStore(path, passphrase string) (*Store, error) {
	if path == "" {
		return nil, errors.New("cache path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initDevice(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSealer(passphrase); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the cache database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns the stable identifier minted for this cache.
func (s *Store) DeviceID() string {
	return s.deviceID
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		payload BLOB,
		version INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		record_id TEXT NOT NULL,
		op TEXT NOT NULL,
		base_version INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		priority INTEGER NOT NULL DEFAULT 5,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		next_retry_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT,
		client_time TEXT NOT NULL,
		queued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_record ON outbox(kind, record_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_retry_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) initDevice() error {
	ctx := context.Background()
	id, ok, err := s.getMeta(ctx, "device_id")
	if err != nil {
		return err
	}
	if !ok {
		id = ulid.Make().String()
		if err := s.setMeta(ctx, "device_id", id); err != nil {
			return err
		}
	}
	s.deviceID = id
	return nil
}

func (s *Store) initSealer(passphrase string) error {
	ctx := context.Background()
	saltHex, ok, err := s.getMeta(ctx, "seal_salt")
	if err != nil {
		return err
	}

	if passphrase == "" {
		if ok {
			return errors.New("cache is sealed: passphrase required")
		}
		return nil
	}

	var salt []byte
	if ok {
		salt, err = hex.DecodeString(saltHex)
		if err != nil {
			return fmt.Errorf("decode seal salt: %w", err)
		}
	} else {
		salt, err = newSealSalt()
		if err != nil {
			return err
		}
		if err := s.setMeta(ctx, "seal_salt", hex.EncodeToString(salt)); err != nil {
			return err
		}
	}

	s.sealer, err = newSealer(passphrase, salt)
	return err
}

func (s *Store) sealPayload(payload []byte) ([]byte, error) {
	if s.sealer == nil || payload == nil {
		return payload, nil
	}
	return s.sealer.seal(payload)
}

func (s *Store) openPayload(data []byte) ([]byte, error) {
	if s.sealer == nil || data == nil {
		return data, nil
	}
	return s.sealer.open(data)
}

// EnqueueMutation inserts a mutation into the outbox and applies it
// optimistically to the records cache in the same transaction, so reads
// see the device's own writes before they sync.
func (s *Store) EnqueueMutation(ctx context.Context, m Mutation) error {
	sealed, err := s.sealPayload(m.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, kind, record_id, op, base_version, payload, priority, next_retry_at, status, client_time, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
	`, m.ID, m.Kind, m.RecordID, m.Op, m.BaseVersion, sealed, m.Priority,
		fmtTime(m.NextRetryAt), fmtTime(m.ClientTime), fmtTime(m.QueuedAt))
	if err != nil {
		return err
	}

	switch m.Op {
	case OpCreate:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO records (kind, id, payload, version, status, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
		`, m.Kind, m.RecordID, sealed, StatusLocal, fmtTime(m.ClientTime))
	case OpUpdate:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (kind, id, payload, version, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, id) DO UPDATE SET payload = excluded.payload, status = excluded.status, updated_at = excluded.updated_at
		`, m.Kind, m.RecordID, sealed, m.BaseVersion, StatusPending, fmtTime(m.ClientTime))
	case OpDelete:
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, m.Kind, m.RecordID)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// DueMutations returns pending mutations whose retry time has passed,
// highest priority first, ties broken by queue order.
func (s *Store) DueMutations(ctx context.Context, now time.Time, limit int) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, record_id, op, base_version, payload, priority, attempts, last_attempt_at, next_retry_at, status, last_error, client_time, queued_at
		FROM outbox
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY priority DESC, queued_at ASC
		LIMIT ?
	`, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanMutations(rows)
}

// NextRetryAt returns the earliest retry time among pending mutations,
// or nil when the outbox has none.
func (s *Store) NextRetryAt(ctx context.Context) (*time.Time, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_retry_at) FROM outbox WHERE status = 'pending'`).Scan(&v)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkAttempt records a failed push attempt: attempts goes up by one and
// the mutation waits until nextRetry. Returns the new attempt count.
func (s *Store) MarkAttempt(ctx context.Context, id string, now, nextRetry time.Time, lastErr string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_attempt_at = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?
	`, fmtTime(now), fmtTime(nextRetry), lastErr, id)
	if err != nil {
		return 0, err
	}

	var attempts int
	err = s.db.QueryRowContext(ctx, `SELECT attempts FROM outbox WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	return attempts, err
}

// ParkMutation moves a mutation out of the retry rotation. Parked
// mutations stay in the outbox until Requeue or Cancel.
func (s *Store) ParkMutation(ctx context.Context, id string, status QueueStatus, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ? WHERE id = ?`, status, lastErr, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	return nil
}

// RemoveMutation deletes a mutation from the outbox.
func (s *Store) RemoveMutation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// RequeueMutation puts a parked mutation back in the rotation with a
// fresh attempt budget.
func (s *Store) RequeueMutation(ctx context.Context, id string, now time.Time) error {
	m, err := s.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == QueuePending {
		return fmt.Errorf("mutation %s: %w", id, ErrNotParked)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'pending', attempts = 0, next_retry_at = ?, last_error = ''
		WHERE id = ?
	`, fmtTime(now), id)
	return err
}

// CancelMutation removes a mutation and returns it so the caller can
// repair the cached record it touched.
func (s *Store) CancelMutation(ctx context.Context, id string) (Mutation, error) {
	m, err := s.GetMutation(ctx, id)
	if err != nil {
		return Mutation{}, err
	}
	if err := s.RemoveMutation(ctx, id); err != nil {
		return Mutation{}, err
	}
	return m, nil
}

// GetMutation returns one outbox row by ID.
func (s *Store) GetMutation(ctx context.Context, id string) (Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, record_id, op, base_version, payload, priority, attempts, last_attempt_at, next_retry_at, status, last_error, client_time, queued_at
		FROM outbox WHERE id = ?
	`, id)
	if err != nil {
		return Mutation{}, err
	}
	defer rows.Close()

	ms, err := s.scanMutations(rows)
	if err != nil {
		return Mutation{}, err
	}
	if len(ms) == 0 {
		return Mutation{}, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	return ms[0], nil
}

// ListMutations returns outbox rows in queue order, optionally filtered
// by status.
func (s *Store) ListMutations(ctx context.Context, statuses ...QueueStatus) ([]Mutation, error) {
	query := `
		SELECT id, kind, record_id, op, base_version, payload, priority, attempts, last_attempt_at, next_retry_at, status, last_error, client_time, queued_at
		FROM outbox
	`
	args := []interface{}{}
	if len(statuses) > 0 {
		query += " WHERE status IN ("
		for i, st := range statuses {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, st)
		}
		query += ")"
	}
	query += " ORDER BY queued_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanMutations(rows)
}

func (s *Store) scanMutations(rows *sql.Rows) ([]Mutation, error) {
	var ms []Mutation
	for rows.Next() {
		var m Mutation
		var payload []byte
		var lastAttempt, lastErr sql.NullString
		var nextRetry, clientTime, queuedAt string

		if err := rows.Scan(&m.ID, &m.Kind, &m.RecordID, &m.Op, &m.BaseVersion, &payload,
			&m.Priority, &m.Attempts, &lastAttempt, &nextRetry, &m.Status, &lastErr,
			&clientTime, &queuedAt); err != nil {
			return nil, err
		}

		opened, err := s.openPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("mutation %s: %w", m.ID, err)
		}
		m.Payload = opened
		m.LastError = lastErr.String

		if lastAttempt.Valid {
			if t, err := parseTime(lastAttempt.String); err == nil {
				m.LastAttemptAt = &t
			}
		}
		if m.NextRetryAt, err = parseTime(nextRetry); err != nil {
			return nil, err
		}
		if m.ClientTime, err = parseTime(clientTime); err != nil {
			return nil, err
		}
		if m.QueuedAt, err = parseTime(queuedAt); err != nil {
			return nil, err
		}

		ms = append(ms, m)
	}
	return ms, rows.Err()
}

// hasOutboxFor reports whether any queued mutation, parked or not,
// still references the record.
func (s *Store) hasOutboxFor(ctx context.Context, kind Kind, recordID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE kind = ? AND record_id = ?`, kind, recordID).Scan(&n)
	return n > 0, err
}

// ApplyServerUpsert writes a server-side record snapshot into the cache
// unless the device still has a queued mutation for it, in which case
// the local edit wins until the outbox drains. Reports whether the
// snapshot was applied.
func (s *Store) ApplyServerUpsert(ctx context.Context, kind Kind, id string, payload []byte, version int64, at time.Time) (bool, error) {
	busy, err := s.hasOutboxFor(ctx, kind, id)
	if err != nil {
		return false, err
	}
	if busy {
		return false, nil
	}

	sealed, err := s.sealPayload(payload)
	if err != nil {
		return false, err
	}

	now := fmtTime(time.Now().UTC())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, payload, version, status, updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			status = excluded.status,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at
	`, kind, id, sealed, version, StatusSynced, fmtTime(at), now)
	return err == nil, err
}

// ApplyServerDelete removes a record the server deleted, with the same
// outbox guard as ApplyServerUpsert.
func (s *Store) ApplyServerDelete(ctx context.Context, kind Kind, id string) (bool, error) {
	busy, err := s.hasOutboxFor(ctx, kind, id)
	if err != nil {
		return false, err
	}
	if busy {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, kind, id)
	return err == nil, err
}

// MarkRecordSynced stamps a cached record with the version the server
// acknowledged.
func (s *Store) MarkRecordSynced(ctx context.Context, kind Kind, id string, version int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET version = ?, status = ?, synced_at = ? WHERE kind = ? AND id = ?
	`, version, StatusSynced, fmtTime(at), kind, id)
	return err
}

// MarkRecordFailed flags a cached record whose push was rejected or
// exhausted its retries. Missing rows (a failed delete) are a no-op.
func (s *Store) MarkRecordFailed(ctx context.Context, kind Kind, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ? WHERE kind = ? AND id = ?`, StatusFailed, kind, id)
	return err
}

// GetRecord returns one cached record. Payloads that cannot be unsealed
// surface as errors here rather than silently returning ciphertext.
func (s *Store) GetRecord(ctx context.Context, kind Kind, id string) (Record, error) {
	var r Record
	var payload []byte
	var updatedAt string
	var syncedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT kind, id, payload, version, status, updated_at, synced_at
		FROM records WHERE kind = ? AND id = ?
	`, kind, id).Scan(&r.Kind, &r.ID, &payload, &r.Version, &r.Status, &updatedAt, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}

	if r.Payload, err = s.openPayload(payload); err != nil {
		return Record{}, fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, err
	}
	if syncedAt.Valid {
		if t, err := parseTime(syncedAt.String); err == nil {
			r.SyncedAt = &t
		}
	}
	return r, nil
}

// ListRecords returns cached records of one kind, most recently updated
// first. Rows whose payload cannot be unsealed are skipped so one
// corrupt row does not hide the rest of the cache.
func (s *Store) ListRecords(ctx context.Context, kind Kind) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, payload, version, status, updated_at, synced_at
		FROM records WHERE kind = ?
		ORDER BY updated_at DESC, id ASC
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var payload []byte
		var updatedAt string
		var syncedAt sql.NullString

		if err := rows.Scan(&r.Kind, &r.ID, &payload, &r.Version, &r.Status, &updatedAt, &syncedAt); err != nil {
			return nil, err
		}

		opened, err := s.openPayload(payload)
		if err != nil {
			continue
		}
		r.Payload = opened

		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		if syncedAt.Valid {
			if t, err := parseTime(syncedAt.String); err == nil {
				r.SyncedAt = &t
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplySeed primes the cache from a reference bundle in one
// transaction. Items without an "id" field are skipped. Returns the
// number of records written.
func (s *Store) ApplySeed(ctx context.Context, bundle SeedBundle) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now().UTC())
	applied := 0

	put := func(kind Kind, id string, raw []byte, version int64, updatedAt time.Time) error {
		sealed, err := s.sealPayload(raw)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (kind, id, payload, version, status, updated_at, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, id) DO UPDATE SET
				payload = excluded.payload,
				version = excluded.version,
				status = excluded.status,
				updated_at = excluded.updated_at,
				synced_at = excluded.synced_at
		`, kind, id, sealed, version, StatusSynced, fmtTime(updatedAt), now)
		if err == nil {
			applied++
		}
		return err
	}

	datasets := []struct {
		kind  Kind
		items []json.RawMessage
	}{
		{KindEntity, bundle.Entities},
		{KindIncident, bundle.Incidents},
		{KindAssessment, bundle.Assessments},
	}
	for _, ds := range datasets {
		for _, raw := range ds.items {
			probe := recordProbe{}
			if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == "" {
				continue
			}
			if err := put(ds.kind, probe.ID, raw, probe.Version, probe.updatedOr(bundle.GeneratedAt)); err != nil {
				return 0, err
			}
		}
	}

	if len(bundle.Config) > 0 {
		if err := put(KindConfig, "config", bundle.Config, 0, bundle.GeneratedAt); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return applied, nil
}

// recordProbe pulls the identity fields out of a raw record payload.
type recordProbe struct {
	ID        string     `json:"id"`
	Version   int64      `json:"version"`
	UpdatedAt *time.Time `json:"updated_at"`
}

func (p recordProbe) updatedOr(fallback time.Time) time.Time {
	if p.UpdatedAt != nil {
		return *p.UpdatedAt
	}
	return fallback
}

// Cursor returns the last change-log sequence this device has applied.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	v, ok, err := s.getMeta(ctx, "cursor")
	if err != nil || !ok {
		return 0, err
	}
	var cursor int64
	if _, err := fmt.Sscanf(v, "%d", &cursor); err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return cursor, nil
}

// SetCursor advances the change-log cursor.
func (s *Store) SetCursor(ctx context.Context, seq int64) error {
	return s.setMeta(ctx, "cursor", fmt.Sprintf("%d", seq))
}

// LastBootstrap returns when the cache was last primed and for which
// role. ok is false when the cache has never been bootstrapped.
func (s *Store) LastBootstrap(ctx context.Context) (time.Time, Role, bool, error) {
	at, ok, err := s.getMeta(ctx, "bootstrap_at")
	if err != nil || !ok {
		return time.Time{}, "", false, err
	}
	t, err := parseTime(at)
	if err != nil {
		return time.Time{}, "", false, err
	}
	role, _, err := s.getMeta(ctx, "bootstrap_role")
	if err != nil {
		return time.Time{}, "", false, err
	}
	return t, Role(role), true, nil
}

// MarkBootstrap stamps a completed bootstrap.
func (s *Store) MarkBootstrap(ctx context.Context, at time.Time, role Role) error {
	if err := s.setMeta(ctx, "bootstrap_at", fmtTime(at)); err != nil {
		return err
	}
	return s.setMeta(ctx, "bootstrap_role", string(role))
}

// Stats summarizes the cache and outbox.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.CachedRecords); err != nil {
		return st, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch status {
		case QueuePending:
			st.PendingMutations = n
		case QueueConflict:
			st.ConflictMutations = n
		case QueueFailed:
			st.FailedMutations = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	if st.Cursor, err = s.Cursor(ctx); err != nil {
		return st, err
	}
	if at, role, ok, err := s.LastBootstrap(ctx); err != nil {
		return st, err
	} else if ok {
		st.BootstrapAt = &at
		st.BootstrapRole = role
	}
	return st, nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
