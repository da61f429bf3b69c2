package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/sitrep/internal/types"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	coordinator := RequireRole(types.RoleCoordinator)
	admin := RequireRole(types.RoleAdmin)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.store, h.cfg.Auth.AdminToken))

			// Reference data: reads for every role, writes for coordinators.
			r.Get("/entities", h.ListEntities)
			r.Get("/entities/{id}", h.GetEntity)
			r.With(coordinator).Post("/entities", h.CreateEntity)
			r.With(coordinator).Put("/entities/{id}", h.UpdateEntity)
			r.With(coordinator).Delete("/entities/{id}", h.DeleteRecordHandler(types.KindEntity))

			r.Get("/incidents", h.ListIncidents)
			r.Get("/incidents/{id}", h.GetIncident)
			r.With(coordinator).Post("/incidents", h.CreateIncident)
			r.With(coordinator).Put("/incidents/{id}", h.UpdateIncident)
			r.With(coordinator).Delete("/incidents/{id}", h.DeleteRecordHandler(types.KindIncident))

			// Field data: assessors and responders write within their
			// assignments; handlers enforce ownership.
			r.Get("/assessments", h.ListAssessments)
			r.Get("/assessments/{id}", h.GetAssessment)
			r.With(RequireRole(types.RoleAssessor, types.RoleCoordinator)).Post("/assessments", h.CreateAssessment)
			r.With(RequireRole(types.RoleAssessor, types.RoleCoordinator)).Put("/assessments/{id}", h.UpdateAssessment)
			r.With(coordinator).Post("/assessments/{id}/verify", h.VerifyAssessment)
			r.With(coordinator).Delete("/assessments/{id}", h.DeleteRecordHandler(types.KindAssessment))

			r.Get("/responses", h.ListResponses)
			r.Get("/responses/{id}", h.GetResponse)
			r.With(RequireRole(types.RoleResponder, types.RoleCoordinator)).Post("/responses", h.CreateResponse)
			r.With(RequireRole(types.RoleResponder, types.RoleCoordinator)).Put("/responses/{id}", h.UpdateResponse)
			r.With(coordinator).Delete("/responses/{id}", h.DeleteRecordHandler(types.KindResponse))

			r.Get("/commitments", h.ListCommitments)
			r.Get("/commitments/{id}", h.GetCommitment)
			r.With(RequireRole(types.RoleDonor, types.RoleCoordinator)).Post("/commitments", h.CreateCommitment)
			r.With(RequireRole(types.RoleDonor, types.RoleCoordinator)).Put("/commitments/{id}", h.UpdateCommitment)
			r.With(coordinator).Delete("/commitments/{id}", h.DeleteRecordHandler(types.KindCommitment))

			// Assignments and accounts. Reads are open so field devices can
			// bootstrap their own assignments; the handler scopes field roles
			// to themselves.
			r.Get("/assignments", h.ListAssignments)
			r.With(coordinator).Post("/assignments", h.CreateAssignment)
			r.With(coordinator).Delete("/assignments/{id}", h.DeleteAssignment)

			r.With(admin).Get("/users", h.ListUsers)
			r.With(admin).Post("/users", h.CreateUser)
			r.With(admin).Delete("/users/{id}", h.RevokeUser)

			// Sync surface: any authenticated device
			r.Post("/sync/push", h.SyncPush)
			r.Get("/sync/pull", h.SyncPull)
			r.Get("/sync/seed", h.SyncSeed)
			r.Get("/sync/live", h.Live)

			// Conflict review is a coordination task
			r.With(coordinator).Get("/sync/conflicts", h.ListConflicts)
			r.With(coordinator).Get("/sync/conflicts/{id}", h.GetConflict)
			r.With(coordinator).Post("/sync/conflicts/{id}/resolve", h.ResolveConflict)

			// System config: read for everyone (devices bootstrap from it)
			r.Get("/config", h.GetConfig)
			r.With(admin).Put("/config/{key}", h.PutConfigEntry)

			// Exports and reports
			r.With(coordinator).Get("/exports/{resource}.csv", h.Export)
			r.With(coordinator).Get("/reports/situation", h.SituationReport)
		})
	})

	return r
}
