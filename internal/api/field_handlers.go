package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/sitrep/internal/store"
	"github.com/hyperengineering/sitrep/internal/types"
	"github.com/hyperengineering/sitrep/internal/validation"
)

// requireAssigned checks that a field user is assigned to the entity.
// Coordinating roles skip the check. Writes 403 and returns false on failure.
func (h *Handler) requireAssigned(w http.ResponseWriter, r *http.Request, u *types.User, entityID string) bool {
	if u.Role == types.RoleAdmin || u.Role == types.RoleCoordinator {
		return true
	}
	ok, err := h.store.IsAssigned(r.Context(), u.ID, entityID)
	if err != nil {
		slog.Error("assignment check failed", "user_id", u.ID, "entity_id", entityID, "error", err)
		MapStoreError(w, r, err)
		return false
	}
	if !ok {
		WriteProblem(w, r, http.StatusForbidden, "Not assigned to this entity")
		return false
	}
	return true
}

// --- Assessments ---

// ListAssessments handles GET /api/v1/assessments
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.store.ListAssessments(r.Context(), store.AssessmentFilter{
		EntityID:   q.Get("entity"),
		IncidentID: q.Get("incident"),
		AssessorID: q.Get("assessor"),
		Kind:       types.AssessmentKind(q.Get("kind")),
		Status:     q.Get("status"),
	})
	if err != nil {
		slog.Error("list assessments failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Assessment{}
	}
	writeJSON(w, http.StatusOK, struct {
		Assessments []types.Assessment `json:"assessments"`
		Count       int                `json:"count"`
	}{list, len(list)})
}

// GetAssessment handles GET /api/v1/assessments/{id}
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAssessment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// CreateAssessment handles POST /api/v1/assessments. Assessors may only
// file assessments for entities they are assigned to, and always as
// themselves.
func (h *Handler) CreateAssessment(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())

	var a types.Assessment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if u.Role == types.RoleAssessor {
		a.AssessorID = u.ID
	}
	if a.Status == "" {
		a.Status = types.AssessmentDraft
	}

	if errs := validation.ValidateAssessment(a); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Assessment contains invalid fields", errs)
		return
	}
	if !h.requireAssigned(w, r, u, a.EntityID) {
		return
	}

	if err := h.store.CreateAssessment(r.Context(), &a); err != nil {
		slog.Error("create assessment failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	h.hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindAssessment, RecordID: a.ID, Version: a.Version})
	writeJSON(w, http.StatusCreated, a)
}

// UpdateAssessment handles PUT /api/v1/assessments/{id}. Assessors may only
// touch their own assessments.
func (h *Handler) UpdateAssessment(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())

	var a types.Assessment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	a.ID = chi.URLParam(r, "id")
	baseVersion := a.Version

	existing, err := h.store.GetAssessment(r.Context(), a.ID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if u.Role == types.RoleAssessor {
		if existing.AssessorID != u.ID {
			WriteProblem(w, r, http.StatusForbidden, "Assessments can only be edited by their author")
			return
		}
		a.AssessorID = u.ID
	}

	if errs := validation.ValidateAssessment(a); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Assessment contains invalid fields", errs)
		return
	}
	if !h.requireAssigned(w, r, u, a.EntityID) {
		return
	}

	if err := h.store.UpdateAssessment(r.Context(), &a, baseVersion); err != nil {
		MapStoreError(w, r, err)
		return
	}

	h.hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindAssessment, RecordID: a.ID, Version: a.Version})
	writeJSON(w, http.StatusOK, a)
}

// verifyRequest is the POST /assessments/{id}/verify body.
type verifyRequest struct {
	Approve *bool `json:"approve,omitempty"`
}

// VerifyAssessment handles POST /api/v1/assessments/{id}/verify. Only
// submitted assessments can be verified or rejected; anything else is a 409.
func (h *Handler) VerifyAssessment(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	approve := true
	if r.ContentLength != 0 {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
			return
		}
		if req.Approve != nil {
			approve = *req.Approve
		}
	}

	a, err := h.store.VerifyAssessment(r.Context(), id, u.ID, approve)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("assessment reviewed",
		"assessment_id", id,
		"verifier", u.ID,
		"approved", approve,
	)
	h.hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindAssessment, RecordID: a.ID, Version: a.Version})
	writeJSON(w, http.StatusOK, a)
}

// --- Responses ---

// ListResponses handles GET /api/v1/responses
func (h *Handler) ListResponses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.store.ListResponses(r.Context(), store.ResponseFilter{
		EntityID:    q.Get("entity"),
		IncidentID:  q.Get("incident"),
		ResponderID: q.Get("responder"),
		Status:      q.Get("status"),
	})
	if err != nil {
		slog.Error("list responses failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Response{}
	}
	writeJSON(w, http.StatusOK, struct {
		Responses []types.Response `json:"responses"`
		Count     int              `json:"count"`
	}{list, len(list)})
}

// GetResponse handles GET /api/v1/responses/{id}
func (h *Handler) GetResponse(w http.ResponseWriter, r *http.Request) {
	resp, err := h.store.GetResponse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateResponse handles POST /api/v1/responses
func (h *Handler) CreateResponse(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())

	var resp types.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if u.Role == types.RoleResponder {
		resp.ResponderID = u.ID
	}
	if resp.Status == "" {
		resp.Status = types.ResponsePlanned
	}

	if errs := validation.ValidateResponse(resp); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Response contains invalid fields", errs)
		return
	}
	if !h.requireAssigned(w, r, u, resp.EntityID) {
		return
	}

	if err := h.store.CreateResponse(r.Context(), &resp); err != nil {
		slog.Error("create response failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	h.hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindResponse, RecordID: resp.ID, Version: resp.Version})
	writeJSON(w, http.StatusCreated, resp)
}

// UpdateResponse handles PUT /api/v1/responses/{id}
func (h *Handler) UpdateResponse(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())

	var resp types.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	resp.ID = chi.URLParam(r, "id")
	baseVersion := resp.Version

	existing, err := h.store.GetResponse(r.Context(), resp.ID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if u.Role == types.RoleResponder {
		if existing.ResponderID != u.ID {
			WriteProblem(w, r, http.StatusForbidden, "Responses can only be edited by their responder")
			return
		}
		resp.ResponderID = u.ID
	}

	if errs := validation.ValidateResponse(resp); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Response contains invalid fields", errs)
		return
	}
	if !h.requireAssigned(w, r, u, resp.EntityID) {
		return
	}

	if err := h.store.UpdateResponse(r.Context(), &resp, baseVersion); err != nil {
		MapStoreError(w, r, err)
		return
	}

	h.hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindResponse, RecordID: resp.ID, Version: resp.Version})
	writeJSON(w, http.StatusOK, resp)
}

// --- Commitments ---

// ListCommitments handles GET /api/v1/commitments. Donors see only their own.
func (h *Handler) ListCommitments(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())
	q := r.URL.Query()

	f := store.CommitmentFilter{
		DonorID:  q.Get("donor"),
		EntityID: q.Get("entity"),
		Status:   q.Get("status"),
	}
	if u.Role == types.RoleDonor {
		f.DonorID = u.ID
	}

	list, err := h.store.ListCommitments(r.Context(), f)
	if err != nil {
		slog.Error("list commitments failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Commitment{}
	}
	writeJSON(w, http.StatusOK, struct {
		Commitments []types.Commitment `json:"commitments"`
		Count       int                `json:"count"`
	}{list, len(list)})
}

// GetCommitment handles GET /api/v1/commitments/{id}
func (h *Handler) GetCommitment(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())

	c, err := h.store.GetCommitment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if u.Role == types.RoleDonor && c.DonorID != u.ID {
		WriteProblem(w, r, http.StatusForbidden, "Commitments are visible to their donor only")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CreateCommitment handles POST /api/v1/commitments
func (h *Handler) CreateCommitment(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())

	var c types.Commitment
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if u.Role == types.RoleDonor {
		c.DonorID = u.ID
	}
	if c.Status == "" {
		c.Status = types.CommitmentPledged
	}

	if errs := validation.ValidateCommitment(c); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Commitment contains invalid fields", errs)
		return
	}

	if err := h.store.CreateCommitment(r.Context(), &c); err != nil {
		slog.Error("create commitment failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	h.hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindCommitment, RecordID: c.ID, Version: c.Version})
	writeJSON(w, http.StatusCreated, c)
}

// UpdateCommitment handles PUT /api/v1/commitments/{id}
func (h *Handler) UpdateCommitment(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())

	var c types.Commitment
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	c.ID = chi.URLParam(r, "id")
	baseVersion := c.Version

	existing, err := h.store.GetCommitment(r.Context(), c.ID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if u.Role == types.RoleDonor {
		if existing.DonorID != u.ID {
			WriteProblem(w, r, http.StatusForbidden, "Commitments can only be edited by their donor")
			return
		}
		c.DonorID = u.ID
	}

	if errs := validation.ValidateCommitment(c); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Commitment contains invalid fields", errs)
		return
	}

	if err := h.store.UpdateCommitment(r.Context(), &c, baseVersion); err != nil {
		MapStoreError(w, r, err)
		return
	}

	h.hub.Broadcast(Event{Type: EventRecordApplied, Kind: types.KindCommitment, RecordID: c.ID, Version: c.Version})
	writeJSON(w, http.StatusOK, c)
}

// --- Assignments ---

// ListAssignments handles GET /api/v1/assignments. Field roles see only
// their own assignments; coordinators and admins see everything.
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	u := MustUserFromContext(r.Context())
	q := r.URL.Query()

	f := store.AssignmentFilter{
		UserID:     q.Get("user"),
		EntityID:   q.Get("entity"),
		ActiveOnly: q.Get("all") != "true",
	}
	if u.Role != types.RoleAdmin && u.Role != types.RoleCoordinator {
		f.UserID = u.ID
	}

	list, err := h.store.ListAssignments(r.Context(), f)
	if err != nil {
		slog.Error("list assignments failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Assignment{}
	}
	writeJSON(w, http.StatusOK, struct {
		Assignments []types.Assignment `json:"assignments"`
		Count       int                `json:"count"`
	}{list, len(list)})
}

// CreateAssignment handles POST /api/v1/assignments. Re-assigning an existing
// pair reactivates it rather than erroring.
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var a types.Assignment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if errs := validation.ValidateAssignment(a); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Assignment contains invalid fields", errs)
		return
	}

	if err := h.store.CreateAssignment(r.Context(), &a); err != nil {
		slog.Error("create assignment failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// DeleteAssignment handles DELETE /api/v1/assignments/{id}. Assignments are
// deactivated, not removed, so history stays queryable.
func (h *Handler) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	if err := h.store.SetAssignmentActive(r.Context(), chi.URLParam(r, "id"), false); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Users ---

// ListUsers handles GET /api/v1/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		slog.Error("list users failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if users == nil {
		users = []types.User{}
	}
	writeJSON(w, http.StatusOK, struct {
		Users []types.User `json:"users"`
		Count int          `json:"count"`
	}{users, len(users)})
}

// createUserResponse carries the one-time token alongside the stored account.
type createUserResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

// CreateUser handles POST /api/v1/users. The bearer token is generated
// server-side and returned exactly once; only its hash is stored.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var u types.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if errs := validation.ValidateNewUser(u); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "User contains invalid fields", errs)
		return
	}

	token, err := GenerateToken()
	if err != nil {
		slog.Error("token generation failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	u.TokenHash = HashToken(token)
	u.Active = true

	if err := h.store.CreateUser(r.Context(), &u); err != nil {
		slog.Error("create user failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("user created", "user_id", u.ID, "role", u.Role, "created_by", MustUserFromContext(r.Context()).ID)
	writeJSON(w, http.StatusCreated, createUserResponse{User: u, Token: token})
}

// RevokeUser handles DELETE /api/v1/users/{id}. Deactivates the account,
// which invalidates its token immediately.
func (h *Handler) RevokeUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.SetUserActive(r.Context(), id, false); err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Info("user revoked", "user_id", id, "revoked_by", MustUserFromContext(r.Context()).ID)
	w.WriteHeader(http.StatusNoContent)
}
