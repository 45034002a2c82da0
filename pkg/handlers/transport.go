package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
	"github.com/ekaya-inc/ontask-engine/pkg/transport"
)

// TransportHandler handles workflow export and import.
type TransportHandler struct {
	transportService services.TransportService
	uploadConfig     config.UploadConfig
	logger           *zap.Logger
}

// NewTransportHandler creates a new transport handler.
func NewTransportHandler(transportService services.TransportService, uploadConfig config.UploadConfig, logger *zap.Logger) *TransportHandler {
	return &TransportHandler{
		transportService: transportService,
		uploadConfig:     uploadConfig,
		logger:           logger,
	}
}

// RegisterRoutes registers the transport handler's routes on the given mux.
func (h *TransportHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	wrap := protected(authMiddleware, scope)

	mux.HandleFunc("GET /api/workflows/{wid}/export", wrap(h.Export))
	mux.HandleFunc("POST /api/workflows/import", wrap(h.Import))
}

// Export handles GET /api/workflows/{wid}/export
// Query parameters: include_data (bool), action_ids (comma separated).
func (h *TransportHandler) Export(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	actionIDs, err := parseUUIDList(r.URL.Query().Get("action_ids"))
	if err != nil {
		writeServiceError(w, h.logger, apperrors.FieldValidation("action_ids", "invalid action id list"), "export_workflow_failed")
		return
	}

	c, err := h.transportService.Export(r.Context(), workflowID, services.ExportOptions{
		IncludeData: parseBoolQuery(r, "include_data"),
		ActionIDs:   actionIDs,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, "export_workflow_failed")
		return
	}

	body, err := transport.EncodeBytes(c)
	if err != nil {
		writeServiceError(w, h.logger, err, "export_workflow_failed")
		return
	}

	w.Header().Set("Content-Type", transport.MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", transport.FileName(c.ExportedAt)))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Error("Failed to write export", zap.Error(err))
	}
}

// Import handles POST /api/workflows/import
// Multipart form: file (container), name (optional new workflow name).
func (h *TransportHandler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadConfig.MaxSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = apperrors.FieldValidation("file", "the file exceeds %d bytes", h.uploadConfig.MaxSize)
		} else {
			err = apperrors.FieldValidation("file", "the upload form is malformed")
		}
		writeServiceError(w, h.logger, err, "import_workflow_failed")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeServiceError(w, h.logger, apperrors.FieldValidation("file", "a file is required"), "import_workflow_failed")
		return
	}
	defer file.Close()

	if mediaType := partMediaType(header); !mimeAllowed(mediaType, h.uploadConfig.AllowedImportMimeTypes) {
		writeServiceError(w, h.logger, apperrors.FieldValidation("file", "files of type %s are not accepted", mediaType), "import_workflow_failed")
		return
	}

	wf, err := h.transportService.Import(r.Context(), file, r.FormValue("name"))
	if err != nil {
		writeServiceError(w, h.logger, err, "import_workflow_failed")
		return
	}

	h.logger.Info("Workflow imported",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("name", wf.Name),
		zap.String("file", header.Filename))
	writeOK(w, h.logger, http.StatusCreated, wf)
}
