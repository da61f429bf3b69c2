package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func tableFor(kind types.RecordKind) (string, bool) {
	switch kind {
	case types.KindEntity:
		return "entities", true
	case types.KindIncident:
		return "incidents", true
	case types.KindAssessment:
		return "assessments", true
	case types.KindResponse:
		return "responses", true
	case types.KindCommitment:
		return "commitments", true
	default:
		return "", false
	}
}

// --- Entities ---

const selectEntitySQL = `
	SELECT id, name, kind, region, zone, latitude, longitude, population, status, version, created_at, updated_at
	FROM entities`

func scanEntity(row interface{ Scan(...any) error }) (*types.Entity, error) {
	var e types.Entity
	var kind, createdAt, updatedAt string
	if err := row.Scan(&e.ID, &e.Name, &kind, &e.Region, &e.Zone, &e.Latitude, &e.Longitude,
		&e.Population, &e.Status, &e.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Kind = types.EntityKind(kind)
	e.CreatedAt = parseTime("created_at", createdAt)
	e.UpdatedAt = parseTime("updated_at", updatedAt)
	return &e, nil
}

func writeEntity(ctx context.Context, q querier, e *types.Entity) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO entities
			(id, name, kind, region, zone, latitude, longitude, population, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, string(e.Kind), e.Region, e.Zone, e.Latitude, e.Longitude,
		e.Population, e.Status, e.Version, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return err
}

// GetEntity fetches one entity by ID.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, selectEntitySQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns entities matching the filter, ordered by name.
func (s *SQLiteStore) ListEntities(ctx context.Context, f EntityFilter) ([]types.Entity, error) {
	query := selectEntitySQL + ` WHERE 1=1`
	args := []any{}
	if f.Region != "" {
		query += ` AND region = ?`
		args = append(args, f.Region)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	entities := make([]types.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// CreateEntity inserts a new entity and logs the change.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *types.Entity) error {
	return s.createRecord(ctx, types.KindEntity, &e.ID, e, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, e)
	})
}

// UpdateEntity applies a full-record update guarded by the expected version.
func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *types.Entity, expectedVersion int64) error {
	return s.updateRecord(ctx, types.KindEntity, e.ID, e, expectedVersion, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, e)
	})
}

// --- Incidents ---

const selectIncidentSQL = `
	SELECT id, name, kind, severity, status, description, declared_at, version, created_at, updated_at
	FROM incidents`

func scanIncident(row interface{ Scan(...any) error }) (*types.Incident, error) {
	var in types.Incident
	var severity, declaredAt, createdAt, updatedAt string
	if err := row.Scan(&in.ID, &in.Name, &in.Kind, &severity, &in.Status, &in.Description,
		&declaredAt, &in.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	in.Severity = types.IncidentSeverity(severity)
	in.DeclaredAt = parseTime("declared_at", declaredAt)
	in.CreatedAt = parseTime("created_at", createdAt)
	in.UpdatedAt = parseTime("updated_at", updatedAt)
	return &in, nil
}

func writeIncident(ctx context.Context, q querier, in *types.Incident) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO incidents
			(id, name, kind, severity, status, description, declared_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.ID, in.Name, in.Kind, string(in.Severity), in.Status, in.Description,
		formatTime(in.DeclaredAt), in.Version, formatTime(in.CreatedAt), formatTime(in.UpdatedAt))
	return err
}

// GetIncident fetches one incident by ID.
func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	in, err := scanIncident(s.db.QueryRowContext(ctx, selectIncidentSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return in, nil
}

// ListIncidents returns incidents matching the filter, newest declaration first.
func (s *SQLiteStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]types.Incident, error) {
	query := selectIncidentSQL + ` WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY declared_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]types.Incident, 0)
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, *in)
	}
	return incidents, rows.Err()
}

// CreateIncident inserts a new incident and logs the change.
func (s *SQLiteStore) CreateIncident(ctx context.Context, in *types.Incident) error {
	if in.DeclaredAt.IsZero() {
		in.DeclaredAt = time.Now().UTC()
	}
	return s.createRecord(ctx, types.KindIncident, &in.ID, in, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, in)
	})
}

// UpdateIncident applies a full-record update guarded by the expected version.
func (s *SQLiteStore) UpdateIncident(ctx context.Context, in *types.Incident, expectedVersion int64) error {
	return s.updateRecord(ctx, types.KindIncident, in.ID, in, expectedVersion, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, in)
	})
}

// --- Assessments ---

const selectAssessmentSQL = `
	SELECT id, kind, entity_id, incident_id, assessor_id, status, data, verified_by, verified_at, version, created_at, updated_at
	FROM assessments`

func scanAssessment(row interface{ Scan(...any) error }) (*types.Assessment, error) {
	var a types.Assessment
	var kind, createdAt, updatedAt string
	var data, verifiedAt sql.NullString
	if err := row.Scan(&a.ID, &kind, &a.EntityID, &a.IncidentID, &a.AssessorID, &a.Status,
		&data, &a.VerifiedBy, &verifiedAt, &a.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Kind = types.AssessmentKind(kind)
	if data.Valid {
		a.Data = json.RawMessage(data.String)
	}
	a.VerifiedAt = scanNullableTime("verified_at", verifiedAt)
	a.CreatedAt = parseTime("created_at", createdAt)
	a.UpdatedAt = parseTime("updated_at", updatedAt)
	return &a, nil
}

func writeAssessment(ctx context.Context, q querier, a *types.Assessment) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO assessments
			(id, kind, entity_id, incident_id, assessor_id, status, data, verified_by, verified_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, string(a.Kind), a.EntityID, a.IncidentID, a.AssessorID, a.Status,
		nullablePayload(a.Data), a.VerifiedBy, nullableTime(a.VerifiedAt),
		a.Version, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

// GetAssessment fetches one assessment by ID.
func (s *SQLiteStore) GetAssessment(ctx context.Context, id string) (*types.Assessment, error) {
	a, err := scanAssessment(s.db.QueryRowContext(ctx, selectAssessmentSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assessment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	return a, nil
}

// ListAssessments returns assessments matching the filter, newest first.
func (s *SQLiteStore) ListAssessments(ctx context.Context, f AssessmentFilter) ([]types.Assessment, error) {
	query := selectAssessmentSQL + ` WHERE 1=1`
	args := []any{}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.IncidentID != "" {
		query += ` AND incident_id = ?`
		args = append(args, f.IncidentID)
	}
	if f.AssessorID != "" {
		query += ` AND assessor_id = ?`
		args = append(args, f.AssessorID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	assessments := make([]types.Assessment, 0)
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		assessments = append(assessments, *a)
	}
	return assessments, rows.Err()
}

// CreateAssessment inserts a new assessment and logs the change.
func (s *SQLiteStore) CreateAssessment(ctx context.Context, a *types.Assessment) error {
	if a.Status == "" {
		a.Status = types.AssessmentDraft
	}
	return s.createRecord(ctx, types.KindAssessment, &a.ID, a, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, a)
	})
}

// UpdateAssessment applies a full-record update guarded by the expected version.
func (s *SQLiteStore) UpdateAssessment(ctx context.Context, a *types.Assessment, expectedVersion int64) error {
	return s.updateRecord(ctx, types.KindAssessment, a.ID, a, expectedVersion, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, a)
	})
}

// VerifyAssessment moves a submitted assessment to verified or rejected.
// Only submitted assessments can be ruled on.
func (s *SQLiteStore) VerifyAssessment(ctx context.Context, id, verifierID string, approve bool) (*types.Assessment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	a, err := scanAssessment(tx.QueryRowContext(ctx, selectAssessmentSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assessment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	if a.Status != types.AssessmentSubmitted {
		return nil, fmt.Errorf("assessment %s is %s, only submitted assessments can be verified: %w",
			id, a.Status, ErrVersionConflict)
	}

	now := time.Now().UTC()
	a.Status = types.AssessmentVerified
	if !approve {
		a.Status = types.AssessmentRejected
	}
	a.VerifiedBy = verifierID
	a.VerifiedAt = &now
	a.Version++
	a.UpdatedAt = now

	if err := writeAssessment(ctx, tx, a); err != nil {
		return nil, fmt.Errorf("write assessment: %w", err)
	}

	canonical, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode assessment: %w", err)
	}
	if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
		Kind:     types.KindAssessment,
		RecordID: a.ID,
		Op:       sitrepsync.OpUpdate,
		Version:  a.Version,
		Payload:  canonical,
		LoggedAt: now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return a, nil
}

// --- Responses ---

const selectResponseSQL = `
	SELECT id, entity_id, incident_id, assessment_id, responder_id, kind, status, items, planned_at, delivered_at, version, created_at, updated_at
	FROM responses`

func scanResponse(row interface{ Scan(...any) error }) (*types.Response, error) {
	var r types.Response
	var plannedAt, createdAt, updatedAt string
	var items, deliveredAt sql.NullString
	if err := row.Scan(&r.ID, &r.EntityID, &r.IncidentID, &r.AssessmentID, &r.ResponderID,
		&r.Kind, &r.Status, &items, &plannedAt, &deliveredAt, &r.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if items.Valid {
		r.Items = json.RawMessage(items.String)
	}
	r.PlannedAt = parseTime("planned_at", plannedAt)
	r.DeliveredAt = scanNullableTime("delivered_at", deliveredAt)
	r.CreatedAt = parseTime("created_at", createdAt)
	r.UpdatedAt = parseTime("updated_at", updatedAt)
	return &r, nil
}

func writeResponse(ctx context.Context, q querier, r *types.Response) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO responses
			(id, entity_id, incident_id, assessment_id, responder_id, kind, status, items, planned_at, delivered_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.EntityID, r.IncidentID, r.AssessmentID, r.ResponderID, r.Kind, r.Status,
		nullablePayload(r.Items), formatTime(r.PlannedAt), nullableTime(r.DeliveredAt),
		r.Version, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return err
}

// GetResponse fetches one response by ID.
func (s *SQLiteStore) GetResponse(ctx context.Context, id string) (*types.Response, error) {
	r, err := scanResponse(s.db.QueryRowContext(ctx, selectResponseSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("response %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get response: %w", err)
	}
	return r, nil
}

// ListResponses returns responses matching the filter, newest first.
func (s *SQLiteStore) ListResponses(ctx context.Context, f ResponseFilter) ([]types.Response, error) {
	query := selectResponseSQL + ` WHERE 1=1`
	args := []any{}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.IncidentID != "" {
		query += ` AND incident_id = ?`
		args = append(args, f.IncidentID)
	}
	if f.ResponderID != "" {
		query += ` AND responder_id = ?`
		args = append(args, f.ResponderID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	responses := make([]types.Response, 0)
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		responses = append(responses, *r)
	}
	return responses, rows.Err()
}

// CreateResponse inserts a new response and logs the change.
func (s *SQLiteStore) CreateResponse(ctx context.Context, r *types.Response) error {
	if r.Status == "" {
		r.Status = types.ResponsePlanned
	}
	if r.PlannedAt.IsZero() {
		r.PlannedAt = time.Now().UTC()
	}
	return s.createRecord(ctx, types.KindResponse, &r.ID, r, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, r)
	})
}

// UpdateResponse applies a full-record update guarded by the expected version.
func (s *SQLiteStore) UpdateResponse(ctx context.Context, r *types.Response, expectedVersion int64) error {
	return s.updateRecord(ctx, types.KindResponse, r.ID, r, expectedVersion, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, r)
	})
}

// --- Commitments ---

const selectCommitmentSQL = `
	SELECT id, donor_id, entity_id, response_id, kind, quantity, unit, status, pledged_at, delivered_at, version, created_at, updated_at
	FROM commitments`

func scanCommitment(row interface{ Scan(...any) error }) (*types.Commitment, error) {
	var c types.Commitment
	var pledgedAt, createdAt, updatedAt string
	var deliveredAt sql.NullString
	if err := row.Scan(&c.ID, &c.DonorID, &c.EntityID, &c.ResponseID, &c.Kind, &c.Quantity,
		&c.Unit, &c.Status, &pledgedAt, &deliveredAt, &c.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.PledgedAt = parseTime("pledged_at", pledgedAt)
	c.DeliveredAt = scanNullableTime("delivered_at", deliveredAt)
	c.CreatedAt = parseTime("created_at", createdAt)
	c.UpdatedAt = parseTime("updated_at", updatedAt)
	return &c, nil
}

func writeCommitment(ctx context.Context, q querier, c *types.Commitment) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO commitments
			(id, donor_id, entity_id, response_id, kind, quantity, unit, status, pledged_at, delivered_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.DonorID, c.EntityID, c.ResponseID, c.Kind, c.Quantity, c.Unit, c.Status,
		formatTime(c.PledgedAt), nullableTime(c.DeliveredAt),
		c.Version, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return err
}

// GetCommitment fetches one commitment by ID.
func (s *SQLiteStore) GetCommitment(ctx context.Context, id string) (*types.Commitment, error) {
	c, err := scanCommitment(s.db.QueryRowContext(ctx, selectCommitmentSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commitment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get commitment: %w", err)
	}
	return c, nil
}

// ListCommitments returns commitments matching the filter, newest first.
func (s *SQLiteStore) ListCommitments(ctx context.Context, f CommitmentFilter) ([]types.Commitment, error) {
	query := selectCommitmentSQL + ` WHERE 1=1`
	args := []any{}
	if f.DonorID != "" {
		query += ` AND donor_id = ?`
		args = append(args, f.DonorID)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()

	commitments := make([]types.Commitment, 0)
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		commitments = append(commitments, *c)
	}
	return commitments, rows.Err()
}

// CreateCommitment inserts a new commitment and logs the change.
func (s *SQLiteStore) CreateCommitment(ctx context.Context, c *types.Commitment) error {
	if c.Status == "" {
		c.Status = types.CommitmentPledged
	}
	if c.PledgedAt.IsZero() {
		c.PledgedAt = time.Now().UTC()
	}
	return s.createRecord(ctx, types.KindCommitment, &c.ID, c, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, c)
	})
}

// UpdateCommitment applies a full-record update guarded by the expected version.
func (s *SQLiteStore) UpdateCommitment(ctx context.Context, c *types.Commitment, expectedVersion int64) error {
	return s.updateRecord(ctx, types.KindCommitment, c.ID, c, expectedVersion, func(canonical json.RawMessage) error {
		return json.Unmarshal(canonical, c)
	})
}

// --- Generic record plumbing shared by REST writes and the mutation pipeline ---

// readRecord loads a record's canonical JSON plus version metadata.
// found is false when no row exists.
func readRecord(ctx context.Context, q querier, kind types.RecordKind, id string) (payload json.RawMessage, version int64, updatedAt, createdAt time.Time, found bool, err error) {
	var rec any
	var scanErr error
	switch kind {
	case types.KindEntity:
		var e *types.Entity
		e, scanErr = scanEntity(q.QueryRowContext(ctx, selectEntitySQL+` WHERE id = ?`, id))
		if scanErr == nil {
			rec, version, updatedAt, createdAt = e, e.Version, e.UpdatedAt, e.CreatedAt
		}
	case types.KindIncident:
		var in *types.Incident
		in, scanErr = scanIncident(q.QueryRowContext(ctx, selectIncidentSQL+` WHERE id = ?`, id))
		if scanErr == nil {
			rec, version, updatedAt, createdAt = in, in.Version, in.UpdatedAt, in.CreatedAt
		}
	case types.KindAssessment:
		var a *types.Assessment
		a, scanErr = scanAssessment(q.QueryRowContext(ctx, selectAssessmentSQL+` WHERE id = ?`, id))
		if scanErr == nil {
			rec, version, updatedAt, createdAt = a, a.Version, a.UpdatedAt, a.CreatedAt
		}
	case types.KindResponse:
		var r *types.Response
		r, scanErr = scanResponse(q.QueryRowContext(ctx, selectResponseSQL+` WHERE id = ?`, id))
		if scanErr == nil {
			rec, version, updatedAt, createdAt = r, r.Version, r.UpdatedAt, r.CreatedAt
		}
	case types.KindCommitment:
		var c *types.Commitment
		c, scanErr = scanCommitment(q.QueryRowContext(ctx, selectCommitmentSQL+` WHERE id = ?`, id))
		if scanErr == nil {
			rec, version, updatedAt, createdAt = c, c.Version, c.UpdatedAt, c.CreatedAt
		}
	default:
		return nil, 0, time.Time{}, time.Time{}, false, fmt.Errorf("unknown record kind %q", kind)
	}

	if errors.Is(scanErr, sql.ErrNoRows) {
		return nil, 0, time.Time{}, time.Time{}, false, nil
	}
	if scanErr != nil {
		return nil, 0, time.Time{}, time.Time{}, false, fmt.Errorf("read %s %s: %w", kind, id, scanErr)
	}

	payload, err = json.Marshal(rec)
	if err != nil {
		return nil, 0, time.Time{}, time.Time{}, false, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return payload, version, updatedAt, createdAt, true, nil
}

// writeRecord decodes payload into the typed row for kind, forces the
// identity and version columns, writes it, and returns the canonical JSON
// snapshot that goes into the change log.
func writeRecord(ctx context.Context, q querier, kind types.RecordKind, id string, payload json.RawMessage, version int64, writeTime, createdAt time.Time) (json.RawMessage, error) {
	if createdAt.IsZero() {
		createdAt = writeTime
	}

	var rec any
	switch kind {
	case types.KindEntity:
		var e types.Entity
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode entity payload: %w", err)
		}
		e.ID, e.Version, e.UpdatedAt = id, version, writeTime
		if e.CreatedAt.IsZero() {
			e.CreatedAt = createdAt
		}
		if e.Status == "" {
			e.Status = types.StatusActive
		}
		if err := writeEntity(ctx, q, &e); err != nil {
			return nil, fmt.Errorf("write entity: %w", err)
		}
		rec = &e
	case types.KindIncident:
		var in types.Incident
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("decode incident payload: %w", err)
		}
		in.ID, in.Version, in.UpdatedAt = id, version, writeTime
		if in.CreatedAt.IsZero() {
			in.CreatedAt = createdAt
		}
		if in.DeclaredAt.IsZero() {
			in.DeclaredAt = createdAt
		}
		if in.Status == "" {
			in.Status = types.IncidentActive
		}
		if err := writeIncident(ctx, q, &in); err != nil {
			return nil, fmt.Errorf("write incident: %w", err)
		}
		rec = &in
	case types.KindAssessment:
		var a types.Assessment
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("decode assessment payload: %w", err)
		}
		a.ID, a.Version, a.UpdatedAt = id, version, writeTime
		if a.CreatedAt.IsZero() {
			a.CreatedAt = createdAt
		}
		if a.Status == "" {
			a.Status = types.AssessmentDraft
		}
		if err := writeAssessment(ctx, q, &a); err != nil {
			return nil, fmt.Errorf("write assessment: %w", err)
		}
		rec = &a
	case types.KindResponse:
		var r types.Response
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode response payload: %w", err)
		}
		r.ID, r.Version, r.UpdatedAt = id, version, writeTime
		if r.CreatedAt.IsZero() {
			r.CreatedAt = createdAt
		}
		if r.PlannedAt.IsZero() {
			r.PlannedAt = createdAt
		}
		if r.Status == "" {
			r.Status = types.ResponsePlanned
		}
		if err := writeResponse(ctx, q, &r); err != nil {
			return nil, fmt.Errorf("write response: %w", err)
		}
		rec = &r
	case types.KindCommitment:
		var c types.Commitment
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("decode commitment payload: %w", err)
		}
		c.ID, c.Version, c.UpdatedAt = id, version, writeTime
		if c.CreatedAt.IsZero() {
			c.CreatedAt = createdAt
		}
		if c.PledgedAt.IsZero() {
			c.PledgedAt = createdAt
		}
		if c.Status == "" {
			c.Status = types.CommitmentPledged
		}
		if err := writeCommitment(ctx, q, &c); err != nil {
			return nil, fmt.Errorf("write commitment: %w", err)
		}
		rec = &c
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	canonical, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return canonical, nil
}

func deleteRecordRow(ctx context.Context, q querier, kind types.RecordKind, id string) error {
	table, ok := tableFor(kind)
	if !ok {
		return fmt.Errorf("unknown record kind %q", kind)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

// createRecord inserts a brand-new record at version 1 and appends the create
// to the change log in one transaction.
func (s *SQLiteStore) createRecord(ctx context.Context, kind types.RecordKind, id *string, rec any, refresh func(json.RawMessage) error) error {
	if *id == "" {
		*id = newID()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, _, _, _, found, err := readRecord(ctx, tx, kind, *id)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%s %s: %w", kind, *id, ErrDuplicate)
	}

	now := time.Now().UTC()
	canonical, err := writeRecord(ctx, tx, kind, *id, payload, 1, now, now)
	if err != nil {
		return err
	}
	if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
		Kind:     kind,
		RecordID: *id,
		Op:       sitrepsync.OpCreate,
		Version:  1,
		Payload:  canonical,
		LoggedAt: now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return refresh(canonical)
}

// updateRecord replaces a record guarded by expectedVersion and appends the
// update to the change log in one transaction.
func (s *SQLiteStore) updateRecord(ctx context.Context, kind types.RecordKind, id string, rec any, expectedVersion int64, refresh func(json.RawMessage) error) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, current, _, createdAt, found, err := readRecord(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if current != expectedVersion {
		return fmt.Errorf("%s %s is at version %d, expected %d: %w", kind, id, current, expectedVersion, ErrVersionConflict)
	}

	now := time.Now().UTC()
	canonical, err := writeRecord(ctx, tx, kind, id, payload, current+1, now, createdAt)
	if err != nil {
		return err
	}
	if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
		Kind:     kind,
		RecordID: id,
		Op:       sitrepsync.OpUpdate,
		Version:  current + 1,
		Payload:  canonical,
		LoggedAt: now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return refresh(canonical)
}

// DeleteRecord removes a record guarded by expectedVersion and appends a
// delete tombstone to the change log.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, kind types.RecordKind, id string, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, current, _, _, found, err := readRecord(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if current != expectedVersion {
		return fmt.Errorf("%s %s is at version %d, expected %d: %w", kind, id, current, expectedVersion, ErrVersionConflict)
	}

	if err := deleteRecordRow(ctx, tx, kind, id); err != nil {
		return err
	}
	if _, err := appendChangeLogTx(ctx, tx, sitrepsync.ChangeEntry{
		Kind:     kind,
		RecordID: id,
		Op:       sitrepsync.OpDelete,
		Version:  current + 1,
		LoggedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
