package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sitelink-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleMe)
			r.With(s.requirePermission(auth.PermStatusRead)).Get("/status", s.handleStatus)
			r.With(s.requirePermission(auth.PermPublish)).Post("/publish", s.handlePublish)

			r.Route("/modules", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermStatusRead)).Get("/", s.handleListModules)
				r.With(s.requirePermission(auth.PermModuleAnnounce)).Post("/{id}/announce", s.handleAnnounceModule)
				r.With(s.requirePermission(auth.PermModuleAnnounce)).Post("/{id}/removed", s.handleModuleRemoved)
			})

			r.Route("/realtime", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermStatusRead))
				r.Get("/clients", s.handleRealtimeClients)
				r.Get("/rooms/{room}", s.handleRealtimeRoom)
			})
		})
	})

	return r
}

// meResponse is the body of GET /auth/me.
type meResponse struct {
	Subject     string            `json:"sub"`
	TenantID    string            `json:"tenant_id"`
	Role        auth.Role         `json:"role"`
	Permissions []auth.Permission `json:"permissions"`
}

// handleMe returns the caller's identity and the permissions its role grants.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		Subject:     id.Subject,
		TenantID:    id.TenantID,
		Role:        id.Role,
		Permissions: auth.PermissionsForRole(id.Role),
	})
}

// handleHealth reports "degraded" while no broker leg passes its health
// check. The process itself is up, so the status code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if err := s.gateway.HealthCheck(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
	}
	st := s.gateway.DualStatus()
	resp["any_connected"] = st.AnyConnected
	resp["both_connected"] = st.BothConnected
	writeJSON(w, http.StatusOK, resp)
}
