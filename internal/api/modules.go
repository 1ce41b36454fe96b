package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sitelink-core/internal/auth"
	"github.com/nerrad567/sitelink-core/internal/registry"
	"github.com/nerrad567/sitelink-core/internal/subscription"
)

// handleListModules returns the registered modules of the caller's tenant.
// Admins see every tenant.
func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeUnavailable(w, "module registry not configured")
		return
	}

	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)

	var (
		modules []registry.Module
		err     error
	)
	if auth.HasPermission(id.Role, auth.PermSystemAdmin) {
		modules, err = s.registry.ListModules(ctx)
	} else {
		modules, err = s.registry.ListModulesByTenant(ctx, id.TenantID)
	}
	if err != nil {
		s.logger.Error("list modules failed", "error", err)
		writeInternalError(w, "failed to list modules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": modules, "count": len(modules)})
}

// handleAnnounceModule is called by the module CRUD service after it creates
// a module. The module is read back from the registry and its topic pattern
// subscribed if it is new.
func (s *Server) handleAnnounceModule(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || s.subscriptions == nil {
		writeUnavailable(w, "subscriptions not configured")
		return
	}

	ctx := r.Context()
	moduleID := chi.URLParam(r, "id")

	module, err := s.registry.GetModule(ctx, moduleID)
	if err != nil {
		if errors.Is(err, registry.ErrModuleNotFound) {
			writeNotFound(w, "module not found")
			return
		}
		s.logger.Error("get module failed", "module", moduleID, "error", err)
		writeInternalError(w, "failed to load module")
		return
	}

	id, _ := auth.IdentityFromContext(ctx)
	if module.TenantID != id.TenantID && !auth.HasPermission(id.Role, auth.PermSystemAdmin) {
		writeNotFound(w, "module not found")
		return
	}

	pattern, err := subscription.PatternFor(*module)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	added, err := s.subscriptions.SubscribeForModule(ctx, *module)
	if err != nil {
		s.logger.Warn("module subscription failed", "module", moduleID, "pattern", pattern, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "subscription failed on all broker connections")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"module_id": module.ID,
		"pattern":   pattern,
		"added":     added,
	})
}

// moduleRemovedRequest is the body of POST /modules/{id}/removed. The module
// is already gone from the registry, so its site travels in the body.
type moduleRemovedRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Customer string `json:"customer"`
	Country  string `json:"country"`
	City     string `json:"city"`
}

// handleModuleRemoved is called by the module CRUD service after it deletes
// a module. The caller's tenant stops owning the site unless another of its
// modules remains there; the retention policy decides whether the pattern is
// retracted. Only admins may name another tenant.
//
// Responses:
//   - 200: handled; "retracted" reports whether the pattern was dropped
//   - 409: the module is still in the registry
//   - 422: the body does not name a complete site
func (s *Server) handleModuleRemoved(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || s.subscriptions == nil {
		writeUnavailable(w, "subscriptions not configured")
		return
	}

	ctx := r.Context()
	moduleID := chi.URLParam(r, "id")

	var req moduleRemovedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id, _ := auth.IdentityFromContext(ctx)
	tenantID := id.TenantID
	if req.TenantID != "" && req.TenantID != id.TenantID {
		if !auth.HasPermission(id.Role, auth.PermSystemAdmin) {
			writeForbidden(w, "cannot act for another tenant")
			return
		}
		tenantID = req.TenantID
	}

	module := registry.Module{
		ID:       moduleID,
		TenantID: tenantID,
		Customer: req.Customer,
		Country:  req.Country,
		City:     req.City,
	}
	pattern, err := subscription.PatternFor(module)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	switch _, err := s.registry.GetModule(ctx, moduleID); {
	case err == nil:
		writeConflict(w, "module is still registered")
		return
	case !errors.Is(err, registry.ErrModuleNotFound):
		s.logger.Error("get module failed", "module", moduleID, "error", err)
		writeInternalError(w, "failed to load module")
		return
	}

	retracted, err := s.subscriptions.ModuleRemoved(ctx, module)
	if err != nil {
		s.logger.Warn("module removal failed", "module", moduleID, "pattern", pattern, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "module removal failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"module_id": moduleID,
		"pattern":   pattern,
		"retracted": retracted,
	})
}
