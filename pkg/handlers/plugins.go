package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/plugins"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
	"github.com/ekaya-inc/ontask-engine/pkg/services/workqueue"
)

// PluginListResponse for GET /api/plugins
type PluginListResponse struct {
	Plugins []*plugins.Plugin `json:"plugins"`
	Total   int               `json:"total"`
}

// TaskListResponse for GET /api/tasks
type TaskListResponse struct {
	Tasks []workqueue.TaskSnapshot `json:"tasks"`
	Total int                      `json:"total"`
}

// PluginsHandler lists transform plugins, runs them and reports their tasks.
type PluginsHandler struct {
	pluginService services.PluginService
	logger        *zap.Logger
}

// NewPluginsHandler creates a new plugins handler.
func NewPluginsHandler(pluginService services.PluginService, logger *zap.Logger) *PluginsHandler {
	return &PluginsHandler{
		pluginService: pluginService,
		logger:        logger,
	}
}

// RegisterRoutes registers the plugins handler's routes on the given mux.
func (h *PluginsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	wrap := protected(authMiddleware, scope)

	mux.HandleFunc("GET /api/plugins", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/workflows/{wid}/plugins/{name}/run", wrap(h.Run))
	mux.HandleFunc("GET /api/tasks", authMiddleware.RequireAuth(h.Tasks))
}

// List handles GET /api/plugins
func (h *PluginsHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.pluginService.List()
	if list == nil {
		list = []*plugins.Plugin{}
	}
	writeOK(w, h.logger, http.StatusOK, PluginListResponse{Plugins: list, Total: len(list)})
}

// Run handles POST /api/workflows/{wid}/plugins/{name}/run
// The run is deferred; the response carries the scheduled task.
func (h *PluginsHandler) Run(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	name := r.PathValue("name")
	task, err := h.pluginService.Run(r.Context(), workflowID, name)
	if err != nil {
		writeServiceError(w, h.logger, err, "run_plugin_failed")
		return
	}

	h.logger.Info("Plugin scheduled",
		zap.String("workflow_id", workflowID.String()),
		zap.String("plugin", name),
		zap.String("task_id", task.ID))
	writeOK(w, h.logger, http.StatusAccepted, task)
}

// Tasks handles GET /api/tasks
func (h *PluginsHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.pluginService.Tasks(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "list_tasks_failed")
		return
	}
	if tasks == nil {
		tasks = []workqueue.TaskSnapshot{}
	}
	writeOK(w, h.logger, http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}
