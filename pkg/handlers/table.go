package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/ingest"
	"github.com/ekaya-inc/ontask-engine/pkg/merge"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// TableColumn is one header entry of a table payload. An empty type is
// inferred from the cells.
type TableColumn struct {
	Name string            `json:"name"`
	Type models.ColumnType `json:"type,omitempty"`
}

// TablePayload is the JSON form of a frame sent by clients.
type TablePayload struct {
	Columns []TableColumn `json:"columns"`
	Rows    [][]any       `json:"rows"`
}

// Frame converts the payload into a coerced frame. When every column is
// typed the cells are coerced to those types; otherwise the types are
// inferred as for an uploaded file.
func (p *TablePayload) Frame() (*models.Frame, error) {
	if len(p.Columns) == 0 {
		return nil, apperrors.FieldValidation("columns", "the table has no columns")
	}
	for i, row := range p.Rows {
		if len(row) != len(p.Columns) {
			return nil, apperrors.FieldValidation("rows", "row %d has %d values for %d columns", i+1, len(row), len(p.Columns))
		}
	}

	typed := true
	names := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		names[i] = c.Name
		if c.Type == "" {
			typed = false
		}
	}

	if !typed {
		f, err := ingest.FrameFromValues(names, p.Rows)
		if err != nil {
			return nil, apperrors.FieldValidation("rows", "%v", err)
		}
		return f, nil
	}

	columns := make([]models.FrameColumn, len(p.Columns))
	for i, c := range p.Columns {
		columns[i] = models.FrameColumn{Name: c.Name, Type: c.Type}
	}
	f := models.NewFrame(columns...)
	for _, row := range p.Rows {
		f.Rows = append(f.Rows, append([]any(nil), row...))
	}
	if err := f.Coerce(); err != nil {
		return nil, apperrors.FieldValidation("rows", "%v", err)
	}
	return f, nil
}

// TableResponse for GET /api/workflows/{wid}/table
type TableResponse struct {
	Columns []models.FrameColumn `json:"columns"`
	Rows    [][]any              `json:"rows"`
	NRows   int                  `json:"nrows"`
}

func newTableResponse(f *models.Frame) TableResponse {
	rows := f.Rows
	if rows == nil {
		rows = [][]any{}
	}
	return TableResponse{Columns: f.Columns, Rows: rows, NRows: f.NumRows()}
}

// StoreTableRequest for PUT /api/workflows/{wid}/table
type StoreTableRequest struct {
	TablePayload
	// Keys names the key columns; empty keeps the current key flags.
	Keys []string `json:"keys,omitempty"`
}

// MergeTableRequest for POST /api/workflows/{wid}/table/merge
type MergeTableRequest struct {
	Table TablePayload `json:"table"`
	services.BulkMergeRequest
}

// SelectRowsRequest for POST /api/workflows/{wid}/rows/select
type SelectRowsRequest struct {
	Matches    []repositories.Match `json:"matches"`
	Projection []string             `json:"projection,omitempty"`
}

// InsertRowRequest for POST /api/workflows/{wid}/rows
type InsertRowRequest struct {
	Values map[string]any `json:"values"`
}

// UpdateRowRequest for PATCH /api/workflows/{wid}/rows
type UpdateRowRequest struct {
	KeyColumn string         `json:"key_column"`
	KeyValue  any            `json:"key_value"`
	Values    map[string]any `json:"values"`
}

// DeleteRowRequest for DELETE /api/workflows/{wid}/rows
type DeleteRowRequest struct {
	KeyColumn string `json:"key_column"`
	KeyValue  any    `json:"key_value"`
}

// ============================================================================
// Handler
// ============================================================================

// TableHandler handles bulk table access and row mutations.
type TableHandler struct {
	frameStore   services.FrameStore
	viewService  services.ViewService
	mergeService services.MergeService
	logger       *zap.Logger
}

// NewTableHandler creates a new table handler.
func NewTableHandler(
	frameStore services.FrameStore,
	viewService services.ViewService,
	mergeService services.MergeService,
	logger *zap.Logger,
) *TableHandler {
	return &TableHandler{
		frameStore:   frameStore,
		viewService:  viewService,
		mergeService: mergeService,
		logger:       logger,
	}
}

// RegisterRoutes registers the table handler's routes on the given mux.
func (h *TableHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	base := "/api/workflows/{wid}"
	wrap := protected(authMiddleware, scope)

	mux.HandleFunc("GET "+base+"/table", wrap(h.Read))
	mux.HandleFunc("PUT "+base+"/table", wrap(h.Store))
	mux.HandleFunc("POST "+base+"/table/merge", wrap(h.Merge))
	mux.HandleFunc("POST "+base+"/rows/select", wrap(h.SelectRows))
	mux.HandleFunc("POST "+base+"/rows", wrap(h.InsertRow))
	mux.HandleFunc("PATCH "+base+"/rows", wrap(h.UpdateRow))
	mux.HandleFunc("DELETE "+base+"/rows", wrap(h.DeleteRow))
}

// Read handles GET /api/workflows/{wid}/table
// Optional query parameters: view (view id), columns (comma separated projection).
func (h *TableHandler) Read(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var (
		frame *models.Frame
		err   error
	)
	if raw := r.URL.Query().Get("view"); raw != "" {
		viewID, perr := uuid.Parse(raw)
		if perr != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_view_id", "Invalid view ID format"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		frame, err = h.viewService.Frame(r.Context(), workflowID, viewID)
	} else {
		frame, err = h.frameStore.LoadFrame(r.Context(), workflowID)
	}
	if err != nil {
		writeServiceError(w, h.logger, err, "read_table_failed")
		return
	}

	if projection := splitList(r.URL.Query().Get("columns")); len(projection) > 0 {
		frame, err = frame.Project(projection)
		if err != nil {
			writeServiceError(w, h.logger, apperrors.FieldValidation("columns", "%v", err), "read_table_failed")
			return
		}
	}

	writeOK(w, h.logger, http.StatusOK, newTableResponse(frame))
}

// Store handles PUT /api/workflows/{wid}/table
func (h *TableHandler) Store(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req StoreTableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}
	frame, err := req.Frame()
	if err != nil {
		writeServiceError(w, h.logger, err, "store_table_failed")
		return
	}

	if err := h.mergeService.ReplaceTable(r.Context(), workflowID, frame, req.Keys); err != nil {
		writeServiceError(w, h.logger, err, "store_table_failed")
		return
	}

	h.logger.Info("Workflow table replaced",
		zap.String("workflow_id", workflowID.String()),
		zap.Int("rows", frame.NumRows()),
		zap.Int("columns", frame.NumColumns()))
	writeOK(w, h.logger, http.StatusOK, map[string]int{"nrows": frame.NumRows(), "ncols": frame.NumColumns()})
}

// MergeResponse describes a committed merge.
type MergeResponse struct {
	NewColumns []merge.NewColumn `json:"new_columns"`
	Overridden []string          `json:"overridden"`
	NRows      int               `json:"nrows"`
}

func newMergeResponse(res *merge.Result) MergeResponse {
	resp := MergeResponse{NewColumns: res.NewColumns, Overridden: res.Overridden, NRows: res.Frame.NumRows()}
	if resp.NewColumns == nil {
		resp.NewColumns = []merge.NewColumn{}
	}
	if resp.Overridden == nil {
		resp.Overridden = []string{}
	}
	return resp
}

// Merge handles POST /api/workflows/{wid}/table/merge
func (h *TableHandler) Merge(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req MergeTableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}
	src, err := req.Table.Frame()
	if err != nil {
		writeServiceError(w, h.logger, err, "merge_table_failed")
		return
	}

	res, err := h.mergeService.MergeFrame(r.Context(), workflowID, src, req.BulkMergeRequest)
	if err != nil {
		writeServiceError(w, h.logger, err, "merge_table_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, newMergeResponse(res))
}

// SelectRows handles POST /api/workflows/{wid}/rows/select
func (h *TableHandler) SelectRows(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req SelectRowsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	frame, err := h.frameStore.SelectRow(r.Context(), workflowID, req.Matches, req.Projection)
	if err != nil {
		writeServiceError(w, h.logger, err, "select_rows_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, newTableResponse(frame))
}

// InsertRow handles POST /api/workflows/{wid}/rows
func (h *TableHandler) InsertRow(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req InsertRowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	if err := h.frameStore.InsertRow(r.Context(), workflowID, req.Values); err != nil {
		writeServiceError(w, h.logger, err, "insert_row_failed")
		return
	}
	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Message: "Row inserted"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// UpdateRow handles PATCH /api/workflows/{wid}/rows
func (h *TableHandler) UpdateRow(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdateRowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	if err := h.frameStore.UpdateRow(r.Context(), workflowID, req.KeyColumn, req.KeyValue, req.Values); err != nil {
		writeServiceError(w, h.logger, err, "update_row_failed")
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Row updated"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// DeleteRow handles DELETE /api/workflows/{wid}/rows
func (h *TableHandler) DeleteRow(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	var req DeleteRowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	if err := h.frameStore.DeleteRow(r.Context(), workflowID, req.KeyColumn, req.KeyValue); err != nil {
		writeServiceError(w, h.logger, err, "delete_row_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
