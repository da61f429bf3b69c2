package validation

import (
	"github.com/hyperengineering/sitrep/internal/types"
)

// ValidateEntity validates an entity for create/update.
func ValidateEntity(e types.Entity) []ValidationError {
	c := &Collector{}
	c.Add(ValidateRequired("name", e.Name))
	c.Add(ValidateUTF8("name", e.Name))
	c.Add(ValidateNoNullBytes("name", e.Name))
	c.Add(ValidateMaxLength("name", e.Name, 200))
	c.Add(ValidateEnum("kind", string(e.Kind), []string{
		string(types.EntityCommunity), string(types.EntityCamp), string(types.EntityFacility),
	}))
	c.Add(ValidateRequired("region", e.Region))
	c.Add(ValidateMaxLength("region", e.Region, 100))
	c.Add(ValidateEnum("status", e.Status, []string{types.StatusActive, types.StatusInactive}))
	if e.Latitude != 0 {
		c.Add(ValidateRange("latitude", e.Latitude, -90, 90))
	}
	if e.Longitude != 0 {
		c.Add(ValidateRange("longitude", e.Longitude, -180, 180))
	}
	if e.Population < 0 {
		c.Add(&ValidationError{Field: "population", Message: "must not be negative"})
	}
	return c.Errors()
}

// ValidateIncident validates an incident for create/update.
func ValidateIncident(in types.Incident) []ValidationError {
	c := &Collector{}
	c.Add(ValidateRequired("name", in.Name))
	c.Add(ValidateMaxLength("name", in.Name, 200))
	c.Add(ValidateEnum("kind", in.Kind, []string{
		"flood", "fire", "epidemic", "displacement", "other",
	}))
	c.Add(ValidateEnum("severity", string(in.Severity), []string{
		string(types.SeverityMinor), string(types.SeverityModerate),
		string(types.SeveritySevere), string(types.SeverityCatastrophic),
	}))
	c.Add(ValidateEnum("status", in.Status, []string{
		types.IncidentActive, types.IncidentContained, types.IncidentResolved,
	}))
	c.Add(ValidateMaxLength("description", in.Description, 4000))
	return c.Errors()
}

// ValidateAssessment validates an assessment for create/update. Data is
// opaque beyond being a JSON object; the disciplines define their own shapes
// client-side.
func ValidateAssessment(a types.Assessment) []ValidationError {
	c := &Collector{}
	if !types.ValidAssessmentKind(a.Kind) {
		c.Add(&ValidationError{Field: "kind", Message: "unknown assessment kind"})
	}
	c.Add(ValidateRequired("entity_id", a.EntityID))
	c.Add(ValidateRequired("incident_id", a.IncidentID))
	c.Add(ValidateRequired("assessor_id", a.AssessorID))
	c.Add(ValidateEnum("status", a.Status, []string{
		types.AssessmentDraft, types.AssessmentSubmitted,
		types.AssessmentVerified, types.AssessmentRejected,
	}))
	if len(a.Data) > 0 {
		c.Add(ValidateJSONObject("data", a.Data))
	}
	return c.Errors()
}

// ValidateResponse validates a response for create/update.
func ValidateResponse(r types.Response) []ValidationError {
	c := &Collector{}
	c.Add(ValidateRequired("entity_id", r.EntityID))
	c.Add(ValidateRequired("incident_id", r.IncidentID))
	c.Add(ValidateRequired("responder_id", r.ResponderID))
	c.Add(ValidateEnum("kind", r.Kind, []string{
		"food", "medical", "shelter", "wash", "security", "evacuation",
	}))
	c.Add(ValidateEnum("status", r.Status, []string{
		types.ResponsePlanned, types.ResponseInTransit,
		types.ResponseDelivered, types.ResponseVerified,
	}))
	if len(r.Items) > 0 {
		c.Add(ValidateJSONObject("items", r.Items))
	}
	return c.Errors()
}

// ValidateCommitment validates a commitment for create/update.
func ValidateCommitment(cm types.Commitment) []ValidationError {
	c := &Collector{}
	c.Add(ValidateRequired("donor_id", cm.DonorID))
	c.Add(ValidateRequired("kind", cm.Kind))
	c.Add(ValidateMaxLength("kind", cm.Kind, 100))
	c.Add(ValidateRequired("unit", cm.Unit))
	c.Add(ValidateEnum("status", cm.Status, []string{
		types.CommitmentPledged, types.CommitmentInTransit,
		types.CommitmentDelivered, types.CommitmentCancelled,
	}))
	if cm.Quantity <= 0 {
		c.Add(&ValidationError{Field: "quantity", Message: "must be positive"})
	}
	return c.Errors()
}

// ValidateAssignment validates an assignment for create.
func ValidateAssignment(a types.Assignment) []ValidationError {
	c := &Collector{}
	c.Add(ValidateRequired("user_id", a.UserID))
	c.Add(ValidateRequired("entity_id", a.EntityID))
	return c.Errors()
}

// ValidateNewUser validates a user account for create.
func ValidateNewUser(u types.User) []ValidationError {
	c := &Collector{}
	c.Add(ValidateRequired("name", u.Name))
	c.Add(ValidateMaxLength("name", u.Name, 200))
	c.Add(ValidateRequired("email", u.Email))
	c.Add(ValidateEmail("email", u.Email))
	if !types.ValidRole(u.Role) {
		c.Add(&ValidationError{Field: "role", Message: "unknown role"})
	}
	return c.Errors()
}
