package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
)

// ActionListResponse for GET /api/workflows/{wid}/actions
type ActionListResponse struct {
	Actions []*models.Action `json:"actions"`
	Total   int              `json:"total"`
}

// ActionsHandler handles actions and their conditions.
type ActionsHandler struct {
	actionService services.ActionService
	logger        *zap.Logger
}

// NewActionsHandler creates a new actions handler.
func NewActionsHandler(actionService services.ActionService, logger *zap.Logger) *ActionsHandler {
	return &ActionsHandler{
		actionService: actionService,
		logger:        logger,
	}
}

// RegisterRoutes registers the actions handler's routes on the given mux.
func (h *ActionsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	base := "/api/workflows/{wid}/actions"
	wrap := protected(authMiddleware, scope)

	mux.HandleFunc("GET "+base, wrap(h.List))
	mux.HandleFunc("POST "+base, wrap(h.Create))
	mux.HandleFunc("GET "+base+"/{aid}", wrap(h.Get))
	mux.HandleFunc("DELETE "+base+"/{aid}", wrap(h.Delete))
	mux.HandleFunc("POST "+base+"/{aid}/conditions", wrap(h.AddCondition))
	mux.HandleFunc("DELETE "+base+"/{aid}/conditions/{cid}", wrap(h.DeleteCondition))
}

// List handles GET /api/workflows/{wid}/actions
func (h *ActionsHandler) List(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	actions, err := h.actionService.List(r.Context(), workflowID)
	if err != nil {
		writeServiceError(w, h.logger, err, "list_actions_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, ActionListResponse{Actions: actions, Total: len(actions)})
}

// Create handles POST /api/workflows/{wid}/actions
func (h *ActionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	action, err := h.actionService.Create(r.Context(), workflowID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "create_action_failed")
		return
	}
	writeOK(w, h.logger, http.StatusCreated, action)
}

// Get handles GET /api/workflows/{wid}/actions/{aid}
func (h *ActionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	workflowID, actionID, ok := ParseWorkflowAndActionIDs(w, r, h.logger)
	if !ok {
		return
	}

	action, err := h.actionService.Get(r.Context(), workflowID, actionID)
	if err != nil {
		writeServiceError(w, h.logger, err, "get_action_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, action)
}

// Delete handles DELETE /api/workflows/{wid}/actions/{aid}
func (h *ActionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	workflowID, actionID, ok := ParseWorkflowAndActionIDs(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.actionService.Delete(r.Context(), workflowID, actionID); err != nil {
		writeServiceError(w, h.logger, err, "delete_action_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddCondition handles POST /api/workflows/{wid}/actions/{aid}/conditions
func (h *ActionsHandler) AddCondition(w http.ResponseWriter, r *http.Request) {
	workflowID, actionID, ok := ParseWorkflowAndActionIDs(w, r, h.logger)
	if !ok {
		return
	}

	var req services.ConditionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	cond, err := h.actionService.AddCondition(r.Context(), workflowID, actionID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "add_condition_failed")
		return
	}
	writeOK(w, h.logger, http.StatusCreated, cond)
}

// DeleteCondition handles DELETE /api/workflows/{wid}/actions/{aid}/conditions/{cid}
func (h *ActionsHandler) DeleteCondition(w http.ResponseWriter, r *http.Request) {
	workflowID, actionID, ok := ParseWorkflowAndActionIDs(w, r, h.logger)
	if !ok {
		return
	}
	conditionID, ok := ParseConditionID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.actionService.DeleteCondition(r.Context(), workflowID, actionID, conditionID); err != nil {
		writeServiceError(w, h.logger, err, "delete_condition_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
