package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed persistence layer. One instance serves the
// whole process; *sql.DB handles connection pooling.
type SQLiteStore struct {
	db         *sql.DB
	strategies *sitrepsync.Registry
}

// NewSQLiteStore opens (creating if needed) the database at dbPath, applies
// pragmas and migrations, and wires the conflict strategy registry used by
// the mutation pipeline.
func NewSQLiteStore(dbPath string, strategies *sitrepsync.Registry) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable pragmas for performance and safety
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	// Run goose migrations
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, strategies: strategies}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// newID returns a fresh ULID for server-assigned record IDs. Device-created
// records keep their client-generated UUIDs.
func newID() string {
	return ulid.Make().String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp, logging rather than failing on
// malformed values so one bad row cannot poison a whole scan.
func parseTime(column, value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		slog.Warn("store: failed to parse timestamp", "column", column, "value", value, "error", err)
		return time.Time{}
	}
	return t
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func scanNullableTime(column string, v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(column, v.String)
	return &t
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique")
}

// --- Accounts ---

// CreateUser inserts a new account. The caller supplies the token hash; raw
// tokens are never persisted.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *types.User) error {
	if u.ID == "" {
		u.ID = newID()
	}
	u.CreatedAt = time.Now().UTC()
	u.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, token_hash, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, u.ID, u.Name, u.Email, string(u.Role), u.TokenHash, formatTime(u.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user with email %s: %w", u.Email, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const selectUserSQL = `SELECT id, name, email, role, token_hash, active, created_at FROM users`

func scanUser(row interface{ Scan(...any) error }) (*types.User, error) {
	var u types.User
	var role, createdAt string
	var active int
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &u.TokenHash, &active, &createdAt); err != nil {
		return nil, err
	}
	u.Role = types.Role(role)
	u.Active = active != 0
	u.CreatedAt = parseTime("created_at", createdAt)
	return &u, nil
}

// GetUser fetches an account by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUserSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByTokenHash fetches the account owning a bearer token hash.
// Used on every authenticated request.
func (s *SQLiteStore) GetUserByTokenHash(ctx context.Context, hash string) (*types.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUserSQL+` WHERE token_hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by token: %w", err)
	}
	return u, nil
}

// ListUsers returns all accounts ordered by creation time.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := s.db.QueryContext(ctx, selectUserSQL+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetUserActive activates or revokes an account.
func (s *SQLiteStore) SetUserActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Assignments ---

// CreateAssignment links a user to an entity. Re-assigning an existing pair
// reactivates it rather than erroring.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *types.Assignment) error {
	if a.ID == "" {
		a.ID = newID()
	}
	a.Active = true
	a.AssignedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, user_id, entity_id, active, assigned_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id, entity_id) DO UPDATE SET active = 1, assigned_at = excluded.assigned_at
	`, a.ID, a.UserID, a.EntityID, formatTime(a.AssignedAt))
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// ListAssignments returns assignments matching the filter, newest first.
func (s *SQLiteStore) ListAssignments(ctx context.Context, f AssignmentFilter) ([]types.Assignment, error) {
	query := `SELECT id, user_id, entity_id, active, assigned_at FROM assignments WHERE 1=1`
	args := []any{}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY assigned_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	assignments := make([]types.Assignment, 0)
	for rows.Next() {
		var a types.Assignment
		var active int
		var assignedAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.EntityID, &active, &assignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Active = active != 0
		a.AssignedAt = parseTime("assigned_at", assignedAt)
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// SetAssignmentActive activates or deactivates an assignment.
func (s *SQLiteStore) SetAssignmentActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE assignments SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set assignment active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set assignment active: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("assignment %s: %w", id, ErrNotFound)
	}
	return nil
}

// IsAssigned reports whether a user holds an active assignment to an entity.
func (s *SQLiteStore) IsAssigned(ctx context.Context, userID, entityID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM assignments WHERE user_id = ? AND entity_id = ? AND active = 1
	`, userID, entityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check assignment: %w", err)
	}
	return true, nil
}

// --- Config entries ---

// SetConfigEntry upserts an operational config value distributed to devices
// via the seed bundle.
func (s *SQLiteStore) SetConfigEntry(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO config_entries (key, value, updated_at) VALUES (?, ?, ?)
	`, key, string(value), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set config entry: %w", err)
	}
	return nil
}

// GetConfigEntry fetches one config value.
func (s *SQLiteStore) GetConfigEntry(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config entry %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get config entry: %w", err)
	}
	return json.RawMessage(value), nil
}

// AllConfigEntries returns every config value keyed by name.
func (s *SQLiteStore) AllConfigEntries(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config_entries ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list config entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan config entry: %w", err)
		}
		entries[key] = json.RawMessage(value)
	}
	return entries, rows.Err()
}

// --- Seed and stats ---

// CollectSeedBundle assembles the reference dataset served to field devices:
// active entities, open incidents, verified assessments, and all config.
func (s *SQLiteStore) CollectSeedBundle(ctx context.Context) (*types.SeedBundle, error) {
	entities, err := s.ListEntities(ctx, EntityFilter{Status: types.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("collect entities: %w", err)
	}

	incidents := make([]types.Incident, 0)
	for _, status := range []string{types.IncidentActive, types.IncidentContained} {
		batch, err := s.ListIncidents(ctx, IncidentFilter{Status: status})
		if err != nil {
			return nil, fmt.Errorf("collect incidents: %w", err)
		}
		incidents = append(incidents, batch...)
	}

	assessments, err := s.ListAssessments(ctx, AssessmentFilter{Status: types.AssessmentVerified})
	if err != nil {
		return nil, fmt.Errorf("collect assessments: %w", err)
	}

	configEntries, err := s.AllConfigEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect config: %w", err)
	}
	var configJSON json.RawMessage
	if len(configEntries) > 0 {
		configJSON, err = json.Marshal(configEntries)
		if err != nil {
			return nil, fmt.Errorf("encode config: %w", err)
		}
	}

	return &types.SeedBundle{
		GeneratedAt: time.Now().UTC(),
		Entities:    entities,
		Incidents:   incidents,
		Assessments: assessments,
		Config:      configJSON,
	}, nil
}

// GetStats returns aggregate counts for the health endpoint.
func (s *SQLiteStore) GetStats(ctx context.Context) (*types.Stats, error) {
	stats := &types.Stats{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM entities`, &stats.Entities},
		{`SELECT COUNT(*) FROM incidents`, &stats.Incidents},
		{`SELECT COUNT(*) FROM assessments`, &stats.Assessments},
		{`SELECT COUNT(*) FROM responses`, &stats.Responses},
		{`SELECT COUNT(*) FROM commitments`, &stats.Commitments},
		{`SELECT COUNT(*) FROM conflicts WHERE resolved = 0`, &stats.OpenConflicts},
		{`SELECT COUNT(*) FROM applied_mutations`, &stats.AppliedMutations},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats query: %w", err)
		}
	}

	latest, err := s.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	stats.ChangeLogLatest = latest
	return stats, nil
}
