package handlers

import (
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
	"github.com/ekaya-inc/ontask-engine/pkg/crypto"
	"github.com/ekaya-inc/ontask-engine/pkg/ingest"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
)

// passwordParam keeps the encrypted SQL password in the draft source so a
// repeated step 1 on the same connection need not prompt again.
const passwordParam = "password_enc"

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 32 << 20

// ============================================================================
// Request/Response Types
// ============================================================================

// RemoteSourceRequest is the JSON body of step 1 for sources that are
// fetched by the engine rather than uploaded.
type RemoteSourceRequest struct {
	Kind string `json:"kind"`
	ingest.CSVOptions

	URL string            `json:"url,omitempty"`
	S3  *ingest.S3Source  `json:"s3,omitempty"`
	SQL *ingest.SQLSource `json:"sql,omitempty"`
}

// CommitRequest is the body of step 4. Without confirm the step answers
// the preview only.
type CommitRequest struct {
	Confirm bool `json:"confirm"`
}

// CommitResponse describes the committed upload.
type CommitResponse struct {
	MergeResponse
	Committed bool `json:"committed"`
}

// ============================================================================
// Handler
// ============================================================================

// UploadHandler drives the staged upload pipeline over HTTP.
type UploadHandler struct {
	uploadService services.UploadService
	sources       *ingest.Sources
	uploadConfig  config.UploadConfig
	encryptor     *crypto.CredentialEncryptor
	logger        *zap.Logger
}

// NewUploadHandler creates a new upload handler. encryptor may be nil, in
// which case prompted SQL passwords are not remembered by the draft.
func NewUploadHandler(
	uploadService services.UploadService,
	sources *ingest.Sources,
	uploadConfig config.UploadConfig,
	encryptor *crypto.CredentialEncryptor,
	logger *zap.Logger,
) *UploadHandler {
	return &UploadHandler{
		uploadService: uploadService,
		sources:       sources,
		uploadConfig:  uploadConfig,
		encryptor:     encryptor,
		logger:        logger,
	}
}

// RegisterRoutes registers the upload handler's routes on the given mux.
func (h *UploadHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	base := "/api/workflows/{wid}/upload"
	wrap := protected(authMiddleware, scope)

	mux.HandleFunc("GET "+base, wrap(h.GetDraft))
	mux.HandleFunc("DELETE "+base, wrap(h.Cancel))
	mux.HandleFunc("POST "+base+"/{step}", wrap(h.Step))
}

// GetDraft handles GET /api/workflows/{wid}/upload
func (h *UploadHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	draft, err := h.uploadService.GetDraft(r.Context(), workflowID)
	if err != nil {
		writeServiceError(w, h.logger, err, "get_upload_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, draft)
}

// Cancel handles DELETE /api/workflows/{wid}/upload
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.uploadService.Cancel(r.Context(), workflowID); err != nil {
		writeServiceError(w, h.logger, err, "cancel_upload_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Step handles POST /api/workflows/{wid}/upload/{step}
func (h *UploadHandler) Step(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := ParseWorkflowID(w, r, h.logger)
	if !ok {
		return
	}

	step, err := strconv.Atoi(r.PathValue("step"))
	if err != nil || step < models.UploadStepIngest || step > models.UploadStepPreview {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_step", "The upload step must be 1, 2, 3 or 4"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	switch step {
	case models.UploadStepIngest:
		h.ingest(w, r, workflowID)
	case models.UploadStepSelect:
		h.selectColumns(w, r, workflowID)
	case models.UploadStepKeys:
		h.pairKeys(w, r, workflowID)
	case models.UploadStepPreview:
		h.previewOrCommit(w, r, workflowID)
	}
}

func (h *UploadHandler) ingest(w http.ResponseWriter, r *http.Request, workflowID uuid.UUID) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadConfig.MaxSize)

	var (
		frame  *models.Frame
		source models.SourceDescriptor
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		frame, source, err = h.ingestFile(r)
	} else {
		frame, source, err = h.ingestRemote(r, workflowID)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = apperrors.FieldValidation("file", "the upload exceeds %d bytes", h.uploadConfig.MaxSize)
		}
		writeServiceError(w, h.logger, err, "upload_ingest_failed")
		return
	}

	draft, err := h.uploadService.Ingest(r.Context(), workflowID, frame, source)
	if err != nil {
		writeServiceError(w, h.logger, err, "upload_ingest_failed")
		return
	}

	h.logger.Info("Upload staged",
		zap.String("workflow_id", workflowID.String()),
		zap.String("source_kind", source.Kind),
		zap.String("source", source.Name),
		zap.Int("rows", draft.NRows),
		zap.Int("columns", len(draft.InitialColumnNames)))
	writeOK(w, h.logger, http.StatusOK, draft)
}

// ingestFile reads a CSV or Excel file posted as the "file" form part.
func (h *UploadHandler) ingestFile(r *http.Request) (*models.Frame, models.SourceDescriptor, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, models.SourceDescriptor{}, fmt.Errorf("failed to parse upload form: %w", badForm(err))
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, models.SourceDescriptor{}, apperrors.FieldValidation("file", "a file is required")
	}
	defer file.Close()

	if !mimeAllowed(partMediaType(header), h.uploadConfig.AllowedMimeTypes) {
		return nil, models.SourceDescriptor{}, apperrors.FieldValidation("file", "files of type %s are not accepted", partMediaType(header))
	}

	kind := r.FormValue("kind")
	if kind == "" {
		kind = kindFromFilename(header.Filename)
	}

	switch kind {
	case ingest.KindExcel:
		sheet := r.FormValue("sheet")
		frame, err := ingest.ReadExcel(file, sheet)
		return frame, ingest.ExcelDescriptor(header.Filename, sheet), err
	case ingest.KindCSV:
		opts, err := csvOptionsFromForm(r)
		if err != nil {
			return nil, models.SourceDescriptor{}, err
		}
		frame, err := ingest.ReadCSV(file, opts)
		return frame, ingest.CSVDescriptor(header.Filename, opts), err
	}
	return nil, models.SourceDescriptor{}, apperrors.FieldValidation("kind", "files of kind %q cannot be uploaded", kind)
}

// ingestRemote fetches a Google Sheet, S3 object or SQL table named in a JSON body.
func (h *UploadHandler) ingestRemote(r *http.Request, workflowID uuid.UUID) (*models.Frame, models.SourceDescriptor, error) {
	var req RemoteSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, models.SourceDescriptor{}, err
		}
		return nil, models.SourceDescriptor{}, apperrors.Validation("invalid request body")
	}
	if h.sources == nil {
		return nil, models.SourceDescriptor{}, apperrors.FieldValidation("kind", "remote sources are not configured")
	}

	ctx := r.Context()
	switch req.Kind {
	case ingest.KindGoogleSheet:
		frame, err := h.sources.Sheets.Fetch(ctx, req.URL, req.CSVOptions)
		return frame, ingest.SheetDescriptor(req.URL, req.CSVOptions), err
	case ingest.KindS3:
		if req.S3 == nil {
			return nil, models.SourceDescriptor{}, apperrors.FieldValidation("s3", "the S3 object is required")
		}
		frame, err := h.sources.S3.Fetch(ctx, *req.S3, req.CSVOptions)
		return frame, ingest.S3Descriptor(*req.S3, req.CSVOptions), err
	case ingest.KindSQL:
		if req.SQL == nil {
			return nil, models.SourceDescriptor{}, apperrors.FieldValidation("sql", "the SQL source is required")
		}
		return h.ingestSQL(r, workflowID, *req.SQL)
	}
	return nil, models.SourceDescriptor{}, apperrors.FieldValidation("kind", "unknown source kind %q", req.Kind)
}

func (h *UploadHandler) ingestSQL(r *http.Request, workflowID uuid.UUID, src ingest.SQLSource) (*models.Frame, models.SourceDescriptor, error) {
	if src.Password == "" {
		src.Password = h.rememberedPassword(r, workflowID, src.Connection)
	}

	frame, err := h.sources.SQL.Fetch(r.Context(), src)
	if err != nil {
		return nil, models.SourceDescriptor{}, err
	}

	source := ingest.SQLDescriptor(src)
	if src.Password != "" && h.encryptor != nil {
		sealed, err := h.encryptor.SealFor(src.Password, crypto.Scope(workflowID.String(), src.Connection))
		if err != nil {
			return nil, models.SourceDescriptor{}, fmt.Errorf("failed to encrypt connection password: %w", err)
		}
		source.Params[passwordParam] = sealed
	}
	return frame, source, nil
}

// rememberedPassword returns the password kept by the session's draft when
// that draft was read from the same connection. The sealed value is bound to
// the workflow and connection so it cannot be replayed elsewhere.
func (h *UploadHandler) rememberedPassword(r *http.Request, workflowID uuid.UUID, connection string) string {
	if h.encryptor == nil {
		return ""
	}
	draft, err := h.uploadService.GetDraft(r.Context(), workflowID)
	if err != nil || draft == nil {
		return ""
	}
	if draft.Source.Kind != ingest.KindSQL || draft.Source.Name != connection {
		return ""
	}
	sealed := draft.Source.Params[passwordParam]
	if sealed == "" {
		return ""
	}
	password, err := h.encryptor.OpenFor(sealed, crypto.Scope(workflowID.String(), connection))
	if err != nil {
		h.logger.Warn("Failed to decrypt remembered connection password",
			zap.String("workflow_id", workflowID.String()),
			zap.String("connection", connection),
			zap.Error(err))
		return ""
	}
	return password
}

func (h *UploadHandler) selectColumns(w http.ResponseWriter, r *http.Request, workflowID uuid.UUID) {
	var sel services.ColumnSelection
	if err := decodeJSON(r, &sel); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	result, err := h.uploadService.SelectColumns(r.Context(), workflowID, sel)
	if err != nil {
		writeServiceError(w, h.logger, err, "upload_select_failed")
		return
	}
	if result.Committed != nil {
		h.logger.Info("First load committed",
			zap.String("workflow_id", workflowID.String()),
			zap.Int("new_columns", len(result.Committed.NewColumns)))
	}
	writeOK(w, h.logger, http.StatusOK, result)
}

func (h *UploadHandler) pairKeys(w http.ResponseWriter, r *http.Request, workflowID uuid.UUID) {
	var pairing services.KeyPairing
	if err := decodeJSON(r, &pairing); err != nil {
		writeBadRequest(w, h.logger, "Invalid request body")
		return
	}

	draft, err := h.uploadService.PairKeys(r.Context(), workflowID, pairing)
	if err != nil {
		writeServiceError(w, h.logger, err, "upload_keys_failed")
		return
	}
	writeOK(w, h.logger, http.StatusOK, draft)
}

func (h *UploadHandler) previewOrCommit(w http.ResponseWriter, r *http.Request, workflowID uuid.UUID) {
	var req CommitRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, h.logger, "Invalid request body")
			return
		}
	}

	if !req.Confirm {
		preview, err := h.uploadService.Preview(r.Context(), workflowID)
		if err != nil {
			writeServiceError(w, h.logger, err, "upload_preview_failed")
			return
		}
		writeOK(w, h.logger, http.StatusOK, preview)
		return
	}

	res, err := h.uploadService.Commit(r.Context(), workflowID, true)
	if err != nil {
		writeServiceError(w, h.logger, err, "upload_commit_failed")
		return
	}

	h.logger.Info("Upload committed",
		zap.String("workflow_id", workflowID.String()),
		zap.Int("rows", res.Frame.NumRows()),
		zap.Int("new_columns", len(res.NewColumns)),
		zap.Int("overridden", len(res.Overridden)))
	writeOK(w, h.logger, http.StatusOK, CommitResponse{MergeResponse: newMergeResponse(res), Committed: true})
}

// csvOptionsFromForm reads the CSV parsing options of a multipart upload.
func csvOptionsFromForm(r *http.Request) (ingest.CSVOptions, error) {
	var opts ingest.CSVOptions
	for field, dst := range map[string]*int{
		"skip_lines_at_top":    &opts.SkipLinesAtTop,
		"skip_lines_at_bottom": &opts.SkipLinesAtBottom,
	} {
		raw := r.FormValue(field)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, apperrors.FieldValidation(field, "must be a whole number")
		}
		*dst = n
	}
	opts.Delimiter = r.FormValue("delimiter")
	return opts, opts.Validate()
}

func kindFromFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm", ".xls":
		return ingest.KindExcel
	}
	return ingest.KindCSV
}

// partMediaType is the declared type of a form part, without parameters.
func partMediaType(header *multipart.FileHeader) string {
	mediaType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}

// mimeAllowed reports whether mediaType is in allowed. An empty list accepts anything.
func mimeAllowed(mediaType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), mediaType) {
			return true
		}
	}
	return false
}

// badForm keeps size errors recognisable and turns the rest into validation errors.
func badForm(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return apperrors.FieldValidation("file", "the upload form is malformed")
}
