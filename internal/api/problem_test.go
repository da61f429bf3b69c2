package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/sitrep/internal/store"
	"github.com/hyperengineering/sitrep/internal/validation"
)

func TestWriteProblem_BodyFormat(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/entities", nil)

	WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid token")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", ct)
	}

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}
	if p.Type != "https://sitrep.dev/errors/unauthorized" {
		t.Errorf("type = %v, want https://sitrep.dev/errors/unauthorized", p.Type)
	}
	if p.Title != "Unauthorized" {
		t.Errorf("title = %v, want Unauthorized", p.Title)
	}
	if p.Status != 401 {
		t.Errorf("status = %d, want 401", p.Status)
	}
	if p.Detail != "Missing or invalid token" {
		t.Errorf("detail = %v", p.Detail)
	}
	if p.Instance != "/api/v1/entities" {
		t.Errorf("instance = %v, want /api/v1/entities", p.Instance)
	}
}

func TestWriteProblem_TypeURIs(t *testing.T) {
	cases := []struct {
		status  int
		typeURI string
	}{
		{http.StatusBadRequest, "https://sitrep.dev/errors/bad-request"},
		{http.StatusForbidden, "https://sitrep.dev/errors/forbidden"},
		{http.StatusNotFound, "https://sitrep.dev/errors/not-found"},
		{http.StatusConflict, "https://sitrep.dev/errors/conflict"},
		{http.StatusUnprocessableEntity, "https://sitrep.dev/errors/validation-error"},
		{http.StatusServiceUnavailable, "https://sitrep.dev/errors/service-unavailable"},
		{http.StatusInternalServerError, "https://sitrep.dev/errors/internal-error"},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d", tc.status), func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/entities", nil)

			WriteProblem(w, r, tc.status, "detail")

			var p Problem
			if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
				t.Fatalf("failed to unmarshal: %v", err)
			}
			if p.Type != tc.typeURI {
				t.Errorf("type = %v, want %v", p.Type, tc.typeURI)
			}
		})
	}
}

func TestWriteProblemWithErrors_422(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/assessments", nil)

	errs := []validation.ValidationError{
		{Field: "kind", Message: "is required"},
		{Field: "entity_id", Message: "is required"},
	}
	WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", ct)
	}

	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if p.Type != "https://sitrep.dev/errors/validation-error" {
		t.Errorf("type = %v", p.Type)
	}
	if len(p.Errors) != 2 {
		t.Errorf("len(errors) = %d, want 2", len(p.Errors))
	}
	if p.Errors[0].Field != "kind" {
		t.Errorf("errors[0].field = %v, want kind", p.Errors[0].Field)
	}
}

// --- MapStoreError tests ---

func TestMapStoreError_NotFound(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/entities/123", nil)

	MapStoreError(w, r, fmt.Errorf("entity 123: %w", store.ErrNotFound))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if p.Type != "https://sitrep.dev/errors/not-found" {
		t.Errorf("type = %v", p.Type)
	}
}

func TestMapStoreError_VersionConflict(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "/api/v1/entities/123", nil)

	MapStoreError(w, r, store.ErrVersionConflict)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if p.Type != "https://sitrep.dev/errors/conflict" {
		t.Errorf("type = %v", p.Type)
	}
}

func TestMapStoreError_AlreadyResolved(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/sync/conflicts/c1/resolve", nil)

	MapStoreError(w, r, store.ErrAlreadyResolved)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestMapStoreError_Unknown(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/entities", nil)

	MapStoreError(w, r, errors.New("disk corrupted at offset 4096"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	// Should not expose internal error details
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail = %v, want 'Internal Server Error' (no leak)", p.Detail)
	}
}
