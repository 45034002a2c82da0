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

// ColumnListResponse for GET /api/workflows/{wid}/columns
type ColumnListResponse struct {
	Columns []*models.Column `json:"columns"`
	Total   int              `json:"total"`
}

// FormulaSpec asks for a row-wise aggregate of other columns.
type FormulaSpec struct {
	Op       string   `json:"op"`
	Operands []string `json:"operands"`
}

// RandomSpec asks for values spread at random over the rows. Count is
// used when Values is empty.
type RandomSpec struct {
	Values []any `json:"values,omitempty"`
	Count  int   `json:"count,omitempty"`
}

// AddColumnRequest for POST /api/workflows/{wid}/columns. At most one of
// Value, Formula and Random drives the cell contents.
type AddColumnRequest struct {
	services.ColumnDescriptor
	Value   any          `json:"value,omitempty"`
	Formula *FormulaSpec `json:"formula,omitempty"`
	Random  *RandomSpec  `json:"random,omitempty"`
}

// CloneColumnRequest for POST /api/workflows/{wid}/columns/{name}/clone
type CloneColumnRequest struct {
	NewName string `json:"new_name,omitempty"`
}

// ToggleKeyRequest for POST /api/workflows/{wid}/columns/{name}/key
type ToggleKeyRequest struct {
	IsKey bool `json:"is_key"`
}

// ============================================================================
// Handler
// ============================================================================

// ColumnsHandler handles the column lifecycle of a workflow.
type ColumnsHandler struct {
	schemaCatalog services.SchemaCatalog
	frameStore    services.FrameStore
	logger        *zap.Logger
}

// NewColumnsHandler creates a new columns handler.
func NewColumnsHandler(schemaCatalog services.SchemaCatalog, frameStore services.FrameStore, logger *zap.Logger) *ColumnsHandler {
	return &ColumnsHandler{
		schemaCatalog: schemaCatalog,
		frameStore:    frameStore,
		logger:        logger,
	}
}

// RegisterRoutes registers the columns handler's routes on the given mux.
func (h *ColumnsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	base := "/api/workflows/{wid}/columns"
	wrap := protected(authMiddleware, scope)

	mux.HandleFunc("GET "+base, wrap(h.List))
	mux.HandleFunc("POST "+base, wrap(h.Add))
	mux.HandleFunc("PATCH "+base+"/{name}", wrap(h.Update))
	mux.HandleFunc("DELETE "+base+"/{name}", wrap(h.Delete))
	mux.HandleFunc("POST "+base+"/{name}/clone", wrap(h.Clone))
	mux.HandleFunc("POST "+base+"/{name}/key", wrap(h.ToggleKey))
	mux.HandleFunc("GET "+base+"/{name}/stats", wrap(h.Stats))
}

// List handles GET /api/workflows/{wid}/columns
func (h *ColumnsHandler) List(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	columns, err := h.schemaCatalog.ListColumns(r.Context(), workflowID)
	if err != nil {
		writeServiceError(w, h.logger, err, "list_columns_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, ColumnListResponse{Columns: columns, Total: len(columns)})
}

// Add handles POST /api/workflows/{wid}/columns
func (h *ColumnsHandler) Add(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req AddColumnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	var (
		col *models.Column
		err error
	)
	ctx := r.Context()
	switch {
	case req.Formula != nil:
		col, err = h.schemaCatalog.AddFormulaColumn(ctx, workflowID, req.ColumnDescriptor, req.Formula.Op, req.Formula.Operands)
	case req.Random != nil:
		col, err = h.schemaCatalog.AddRandomColumn(ctx, workflowID, req.ColumnDescriptor, req.Random.Values, req.Random.Count)
	case req.Value != nil:
		col, err = h.schemaCatalog.AddColumnWithValue(ctx, workflowID, req.ColumnDescriptor, req.Value)
	default:
		col, err = h.schemaCatalog.AddColumn(ctx, workflowID, req.ColumnDescriptor)
	}
	if err != nil {
		writeServiceError(w, h.logger, err, "add_column_failed")
		return
	}

	h.logger.Info("Column added",
		zap.String("workflow_id", workflowID.String()),
		zap.String("column", col.Name),
		zap.String("type", string(col.Type)))
	writeOK(w, h.logger, http.StatusCreated, col)
}

// Update handles PATCH /api/workflows/{wid}/columns/{name}
func (h *ColumnsHandler) Update(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var update services.ColumnUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	col, err := h.schemaCatalog.UpdateColumn(r.Context(), workflowID, r.PathValue("name"), update)
	if err != nil {
		writeServiceError(w, h.logger, err, "update_column_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, col)
}

// Delete handles DELETE /api/workflows/{wid}/columns/{name}
func (h *ColumnsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	name := r.PathValue("name")
	if err := h.schemaCatalog.DeleteColumn(r.Context(), workflowID, name); err != nil {
		writeServiceError(w, h.logger, err, "delete_column_failed")
		return
	}

	h.logger.Info("Column deleted",
		zap.String("workflow_id", workflowID.String()),
		zap.String("column", name))
	w.WriteHeader(http.StatusNoContent)
}

// Clone handles POST /api/workflows/{wid}/columns/{name}/clone
func (h *ColumnsHandler) Clone(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req CloneColumnRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, h.logger, "Invalid request body")
			return
		}
	}

	col, err := h.schemaCatalog.CloneColumn(r.Context(), workflowID, r.PathValue("name"), req.NewName)
	if err != nil {
		writeServiceError(w, h.logger, err, "clone_column_failed")
		return
	}
	writeOK(w, h.logger, http.StatusCreated, col)
}

// ToggleKey handles POST /api/workflows/{wid}/columns/{name}/key
func (h *ColumnsHandler) ToggleKey(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req ToggleKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	name := r.PathValue("name")
	if err := h.schemaCatalog.TogglePrimary(r.Context(), workflowID, name, req.IsKey); err != nil {
		writeServiceError(w, h.logger, err, "toggle_key_failed")
		return
	}

	col, err := h.schemaCatalog.GetColumn(r.Context(), workflowID, name)
	if err != nil {
		writeServiceError(w, h.logger, err, "toggle_key_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, col)
}

// Stats handles GET /api/workflows/{wid}/columns/{name}/stats
func (h *ColumnsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	stats, err := h.frameStore.ColumnStats(r.Context(), workflowID, r.PathValue("name"))
	if err != nil {
		writeServiceError(w, h.logger, err, "column_stats_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, stats)
}
