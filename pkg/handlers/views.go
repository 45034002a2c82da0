package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
)

// ViewListResponse for GET /api/workflows/{wid}/views
type ViewListResponse struct {
	Views []*models.View `json:"views"`
	Total int            `json:"total"`
}

// ViewsHandler handles the named projections of a workflow.
type ViewsHandler struct {
	viewService services.ViewService
	logger      *zap.Logger
}

// NewViewsHandler creates a new views handler.
func NewViewsHandler(viewService services.ViewService, logger *zap.Logger) *ViewsHandler {
	return &ViewsHandler{
		viewService: viewService,
		logger:      logger,
	}
}

// RegisterRoutes registers the views handler's routes on the given mux.
func (h *ViewsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	base := "/api/workflows/{wid}/views"
	wrap := protected(authMiddleware, scope)

	mux.HandleFunc("GET "+base, wrap(h.List))
	mux.HandleFunc("POST "+base, wrap(h.Create))
	mux.HandleFunc("GET "+base+"/{vid}", wrap(h.Get))
	mux.HandleFunc("PUT "+base+"/{vid}", wrap(h.Update))
	mux.HandleFunc("DELETE "+base+"/{vid}", wrap(h.Delete))
}

// List handles GET /api/workflows/{wid}/views
func (h *ViewsHandler) List(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	views, err := h.viewService.List(r.Context(), workflowID)
	if err != nil {
		writeServiceError(w, h.logger, err, "list_views_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, ViewListResponse{Views: views, Total: len(views)})
}

// Create handles POST /api/workflows/{wid}/views
func (h *ViewsHandler) Create(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.ViewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	view, err := h.viewService.Create(r.Context(), workflowID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "create_view_failed")
		return
	}
	writeOK(w, h.logger, http.StatusCreated, view)
}

// Get handles GET /api/workflows/{wid}/views/{vid}
func (h *ViewsHandler) Get(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}
	viewID, ok := ParseViewID(w, r, h.logger)
	if !ok {
		return
	}

	view, err := h.viewService.Get(r.Context(), workflowID, viewID)
	if err != nil {
		writeServiceError(w, h.logger, err, "get_view_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, view)
}

// Update handles PUT /api/workflows/{wid}/views/{vid}
func (h *ViewsHandler) Update(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}
	viewID, ok := ParseViewID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.ViewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	view, err := h.viewService.Update(r.Context(), workflowID, viewID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "update_view_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, view)
}

// Delete handles DELETE /api/workflows/{wid}/views/{vid}
func (h *ViewsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}
	viewID, ok := ParseViewID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.viewService.Delete(r.Context(), workflowID, viewID); err != nil {
		writeServiceError(w, h.logger, err, "delete_view_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
