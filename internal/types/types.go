package types

import (
	"encoding/json"
	"time"
)

// Role identifies what a user is allowed to do.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleCoordinator Role = "coordinator"
	RoleAssessor    Role = "assessor"
	RoleResponder   Role = "responder"
	RoleDonor       Role = "donor"
)

// Roles lists every valid role.
var Roles = []Role{RoleAdmin, RoleCoordinator, RoleAssessor, RoleResponder, RoleDonor}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// RecordKind names a syncable record family. Mutations, conflicts, and the
// change log are all keyed by kind + record id.
type RecordKind string

const (
	KindEntity     RecordKind = "entity"
	KindIncident   RecordKind = "incident"
	KindAssessment RecordKind = "assessment"
	KindResponse   RecordKind = "response"
	KindCommitment RecordKind = "commitment"
	KindAssignment RecordKind = "assignment"
	KindConfig     RecordKind = "config"
)

// SyncableKinds are the kinds accepted through the mutation push pipeline.
var SyncableKinds = []RecordKind{
	KindEntity, KindIncident, KindAssessment, KindResponse, KindCommitment,
}

// ValidSyncableKind reports whether k may appear in a pushed mutation.
func ValidSyncableKind(k RecordKind) bool {
	for _, known := range SyncableKinds {
		if k == known {
			return true
		}
	}
	return false
}

// EntityKind classifies an affected location.
type EntityKind string

const (
	EntityCommunity EntityKind = "community"
	EntityCamp      EntityKind = "camp"
	EntityFacility  EntityKind = "facility"
)

// Entity statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Entity is an affected location tracked by the system: a community, a
// displacement camp, or a facility such as a clinic or school.
type Entity struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Kind       EntityKind `json:"kind"`
	Region     string     `json:"region"`
	Zone       string     `json:"zone,omitempty"`
	Latitude   float64    `json:"latitude,omitempty"`
	Longitude  float64    `json:"longitude,omitempty"`
	Population int64      `json:"population,omitempty"`
	Status     string     `json:"status"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IncidentSeverity grades an incident.
type IncidentSeverity string

const (
	SeverityMinor        IncidentSeverity = "minor"
	SeverityModerate     IncidentSeverity = "moderate"
	SeveritySevere       IncidentSeverity = "severe"
	SeverityCatastrophic IncidentSeverity = "catastrophic"
)

// Incident statuses.
const (
	IncidentActive    = "active"
	IncidentContained = "contained"
	IncidentResolved  = "resolved"
)

// Incident is a declared disaster event that assessments and responses hang off.
type Incident struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Kind        string           `json:"kind"`
	Severity    IncidentSeverity `json:"severity"`
	Status      string           `json:"status"`
	Description string           `json:"description,omitempty"`
	DeclaredAt  time.Time        `json:"declared_at"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// AssessmentKind is the survey discipline of a rapid assessment.
type AssessmentKind string

const (
	AssessmentHealth     AssessmentKind = "health"
	AssessmentFood       AssessmentKind = "food"
	AssessmentWASH       AssessmentKind = "wash"
	AssessmentShelter    AssessmentKind = "shelter"
	AssessmentSecurity   AssessmentKind = "security"
	AssessmentPopulation AssessmentKind = "population"
)

// AssessmentKinds lists every valid assessment discipline.
var AssessmentKinds = []AssessmentKind{
	AssessmentHealth, AssessmentFood, AssessmentWASH,
	AssessmentShelter, AssessmentSecurity, AssessmentPopulation,
}

// ValidAssessmentKind reports whether k is a known discipline.
func ValidAssessmentKind(k AssessmentKind) bool {
	for _, known := range AssessmentKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Assessment statuses.
const (
	AssessmentDraft     = "draft"
	AssessmentSubmitted = "submitted"
	AssessmentVerified  = "verified"
	AssessmentRejected  = "rejected"
)

// Assessment is a typed field survey tied to an entity and incident. Data
// holds the discipline-specific payload; the server treats it as opaque JSON.
type Assessment struct {
	ID         string          `json:"id"`
	Kind       AssessmentKind  `json:"kind"`
	EntityID   string          `json:"entity_id"`
	IncidentID string          `json:"incident_id"`
	AssessorID string          `json:"assessor_id"`
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	VerifiedBy string          `json:"verified_by,omitempty"`
	VerifiedAt *time.Time      `json:"verified_at,omitempty"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Response statuses.
const (
	ResponsePlanned   = "planned"
	ResponseInTransit = "in_transit"
	ResponseDelivered = "delivered"
	ResponseVerified  = "verified"
)

// Response is a planned or delivered intervention for an entity. Items holds
// the delivery manifest as opaque JSON.
type Response struct {
	ID           string          `json:"id"`
	EntityID     string          `json:"entity_id"`
	IncidentID   string          `json:"incident_id"`
	AssessmentID string          `json:"assessment_id,omitempty"`
	ResponderID  string          `json:"responder_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Items        json.RawMessage `json:"items,omitempty"`
	PlannedAt    time.Time       `json:"planned_at"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Commitment statuses.
const (
	CommitmentPledged   = "pledged"
	CommitmentInTransit = "in_transit"
	CommitmentDelivered = "delivered"
	CommitmentCancelled = "cancelled"
)

// Commitment is a donor's pledged contribution, optionally earmarked for an
// entity or a specific response.
type Commitment struct {
	ID          string     `json:"id"`
	DonorID     string     `json:"donor_id"`
	EntityID    string     `json:"entity_id,omitempty"`
	ResponseID  string     `json:"response_id,omitempty"`
	Kind        string     `json:"kind"`
	Quantity    float64    `json:"quantity"`
	Unit        string     `json:"unit"`
	Status      string     `json:"status"`
	PledgedAt   time.Time  `json:"pledged_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Assignment links a field user to an entity they may assess or respond for.
type Assignment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	EntityID   string    `json:"entity_id"`
	Active     bool      `json:"active"`
	AssignedAt time.Time `json:"assigned_at"`
}

// User is an operator account. TokenHash is the SHA-256 of the bearer token
// and never leaves the server.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	TokenHash string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// PageMeta describes one page of a paginated listing.
type PageMeta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
	HasNext    bool  `json:"hasNext"`
	HasPrev    bool  `json:"hasPrev"`
}

// NewPageMeta computes pagination metadata for a page/limit pair.
func NewPageMeta(page, limit int, total int64) PageMeta {
	totalPages := int(total / int64(limit))
	if total%int64(limit) != 0 {
		totalPages++
	}
	return PageMeta{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

// Stats holds aggregate counts for the health endpoint.
type Stats struct {
	Entities         int64 `json:"entities"`
	Incidents        int64 `json:"incidents"`
	Assessments      int64 `json:"assessments"`
	Responses        int64 `json:"responses"`
	Commitments      int64 `json:"commitments"`
	OpenConflicts    int64 `json:"open_conflicts"`
	ChangeLogLatest  int64 `json:"change_log_latest"`
	AppliedMutations int64 `json:"applied_mutations"`
}

// HealthResponse is the GET /api/v1/health body.
type HealthResponse struct {
	Status          string     `json:"status"`
	Version         string     `json:"version"`
	Stats           Stats      `json:"stats"`
	SeedGeneratedAt *time.Time `json:"seed_generated_at,omitempty"`
}

// SeedBundle is the snappy-compressed reference dataset served to field
// devices for first-run priming. Assessments carries verified records only.
type SeedBundle struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Entities    []Entity        `json:"entities"`
	Incidents   []Incident      `json:"incidents"`
	Assessments []Assessment    `json:"assessments"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON ensures nil slices in SeedBundle marshal as [] not null.
func (b SeedBundle) MarshalJSON() ([]byte, error) {
	if b.Entities == nil {
		b.Entities = []Entity{}
	}
	if b.Incidents == nil {
		b.Incidents = []Incident{}
	}
	if b.Assessments == nil {
		b.Assessments = []Assessment{}
	}
	type Alias SeedBundle
	return json.Marshal(Alias(b))
}
