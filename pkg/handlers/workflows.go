package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// WorkflowListResponse for GET /api/workflows
type WorkflowListResponse struct {
	Workflows []*models.Workflow `json:"workflows"`
	Total     int                `json:"total"`
}

// ShareWorkflowRequest for POST /api/workflows/{wid}/share
type ShareWorkflowRequest struct {
	UserIDs []string `json:"user_ids"`
}

// LeaseResponse for the lease endpoints. Lease is nil when the workflow is free.
type LeaseResponse struct {
	Locked bool          `json:"locked"`
	Lease  *models.Lease `json:"lease,omitempty"`
}

// ============================================================================
// Handler
// ============================================================================

// WorkflowsHandler handles workflow metadata, flush and lease requests.
type WorkflowsHandler struct {
	workflowService services.WorkflowService
	frameStore      services.FrameStore
	leaseManager    services.LeaseManager
	logger          *zap.Logger
}

// NewWorkflowsHandler creates a new workflows handler.
func NewWorkflowsHandler(
	workflowService services.WorkflowService,
	frameStore services.FrameStore,
	leaseManager services.LeaseManager,
	logger *zap.Logger,
) *WorkflowsHandler {
	return &WorkflowsHandler{
		workflowService: workflowService,
		frameStore:      frameStore,
		leaseManager:    leaseManager,
		logger:          logger,
	}
}

// RegisterRoutes registers the workflows handler's routes on the given mux.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	base := "/api/workflows"
	wrap := protected(authMiddleware, scope)

	mux.HandleFunc("GET "+base, wrap(h.List))
	mux.HandleFunc("POST "+base, wrap(h.Create))
	mux.HandleFunc("GET "+base+"/{wid}", wrap(h.Get))
	mux.HandleFunc("PUT "+base+"/{wid}", wrap(h.Update))
	mux.HandleFunc("DELETE "+base+"/{wid}", wrap(h.Delete))
	mux.HandleFunc("POST "+base+"/{wid}/flush", wrap(h.Flush))
	mux.HandleFunc("POST "+base+"/{wid}/share", wrap(h.Share))
	mux.HandleFunc("GET "+base+"/{wid}/lease", wrap(h.GetLease))
	mux.HandleFunc("POST "+base+"/{wid}/lease", wrap(h.AcquireLease))
	mux.HandleFunc("DELETE "+base+"/{wid}/lease", wrap(h.ReleaseLease))
}

// List handles GET /api/workflows
func (h *WorkflowsHandler) List(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.workflowService.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "list_workflows_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, WorkflowListResponse{Workflows: workflows, Total: len(workflows)})
}

// Create handles POST /api/workflows
func (h *WorkflowsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	wf, err := h.workflowService.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "create_workflow_failed")
		return
	}

	h.logger.Info("Workflow created",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("name", wf.Name))
	writeOK(w, h.logger, http.StatusCreated, wf)
}

// Get handles GET /api/workflows/{wid}
func (h *WorkflowsHandler) Get(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	detail, err := h.workflowService.Get(r.Context(), workflowID)
	if err != nil {
		writeServiceError(w, h.logger, err, "get_workflow_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, detail)
}

// Update handles PUT /api/workflows/{wid}
func (h *WorkflowsHandler) Update(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.UpdateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	wf, err := h.workflowService.Update(r.Context(), workflowID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "update_workflow_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, wf)
}

// Delete handles DELETE /api/workflows/{wid}
func (h *WorkflowsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.workflowService.Delete(r.Context(), workflowID); err != nil {
		writeServiceError(w, h.logger, err, "delete_workflow_failed")
		return
	}

	h.logger.Info("Workflow deleted", zap.String("workflow_id", workflowID.String()))
	w.WriteHeader(http.StatusNoContent)
}

// Flush handles POST /api/workflows/{wid}/flush
func (h *WorkflowsHandler) Flush(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.frameStore.Flush(r.Context(), workflowID); err != nil {
		writeServiceError(w, h.logger, err, "flush_workflow_failed")
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Workflow data and schema removed"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Share handles POST /api/workflows/{wid}/share
func (h *WorkflowsHandler) Share(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req ShareWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	wf, err := h.workflowService.Share(r.Context(), workflowID, req.UserIDs)
	if err != nil {
		writeServiceError(w, h.logger, err, "share_workflow_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, wf)
}

// GetLease handles GET /api/workflows/{wid}/lease
func (h *WorkflowsHandler) GetLease(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.workflowService.Get(r.Context(), workflowID); err != nil {
		writeServiceError(w, h.logger, err, "get_lease_failed")
		return
	}
	lease, err := h.leaseManager.Get(r.Context(), workflowID)
	if err != nil {
		writeServiceError(w, h.logger, err, "get_lease_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, LeaseResponse{Locked: lease != nil, Lease: lease})
}

// AcquireLease handles POST /api/workflows/{wid}/lease
func (h *WorkflowsHandler) AcquireLease(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.workflowService.Get(r.Context(), workflowID); err != nil {
		writeServiceError(w, h.logger, err, "acquire_lease_failed")
		return
	}
	lease, err := h.leaseManager.Acquire(r.Context(), workflowID)
	if err != nil {
		writeServiceError(w, h.logger, err, "acquire_lease_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, LeaseResponse{Locked: true, Lease: lease})
}

// ReleaseLease handles DELETE /api/workflows/{wid}/lease
func (h *WorkflowsHandler) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.leaseManager.Release(r.Context(), workflowID); err != nil {
		writeServiceError(w, h.logger, err, "release_lease_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
