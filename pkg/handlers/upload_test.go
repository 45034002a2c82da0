package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/config"
	"github.com/ekaya-inc/ontask-engine/pkg/crypto"
	"github.com/ekaya-inc/ontask-engine/pkg/ingest"
	"github.com/ekaya-inc/ontask-engine/pkg/merge"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		MaxSize:          1 << 20,
		AllowedMimeTypes: []string{"text/csv", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	}
}

// multipartUpload builds a step 1 request carrying content as the "file" part.
func multipartUpload(t *testing.T, filename, contentType, content string, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/upload/1", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetPathValue("wid", uuid.NewString())
	req.SetPathValue("step", "1")
	return req
}

func TestUploadHandler_IngestCSV(t *testing.T) {
	uploads := &mockUploadService{}
	h := NewUploadHandler(uploads, nil, testUploadConfig(), nil, zap.NewNop())

	csv := "report generated today\nsid,email,score\n1,ana@example.com,7.5\n2,ben@example.com,8\n"
	req := multipartUpload(t, "grades.csv", "text/csv", csv, map[string]string{"skip_lines_at_top": "1"})
	rec := httptest.NewRecorder()
	h.Step(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, uploads.ingested)
	assert.Equal(t, []string{"sid", "email", "score"}, uploads.ingested.ColumnNames())
	assert.Equal(t, 2, uploads.ingested.NumRows())
	assert.Equal(t, ingest.KindCSV, uploads.source.Kind)
	assert.Equal(t, "grades.csv", uploads.source.Name)

	data := decodeData(t, rec)
	assert.Equal(t, float64(2), data["nrows"])
}

func TestUploadHandler_IngestRejectsMimeType(t *testing.T) {
	uploads := &mockUploadService{}
	h := NewUploadHandler(uploads, nil, testUploadConfig(), nil, zap.NewNop())

	req := multipartUpload(t, "notes.pdf", "application/pdf", "%PDF-1.4", nil)
	rec := httptest.NewRecorder()
	h.Step(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, uploads.ingested)
}

func TestUploadHandler_IngestTooLarge(t *testing.T) {
	cfg := testUploadConfig()
	cfg.MaxSize = 64
	uploads := &mockUploadService{}
	h := NewUploadHandler(uploads, nil, cfg, nil, zap.NewNop())

	csv := "sid,email\n"
	for i := 0; i < 20; i++ {
		csv += "1,somebody@example.com\n"
	}
	req := multipartUpload(t, "big.csv", "text/csv", csv, nil)
	rec := httptest.NewRecorder()
	h.Step(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, uploads.ingested)
}

func TestUploadHandler_RemoteWithoutSources(t *testing.T) {
	h := NewUploadHandler(&mockUploadService{}, nil, testUploadConfig(), nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/upload/1", bytes.NewBufferString(`{"kind":"gsheet","url":"https://docs.google.com/spreadsheets/d/abc"}`))
	req.Header.Set("Content-Type", "application/json")
	req.SetPathValue("wid", uuid.NewString())
	req.SetPathValue("step", "1")
	rec := httptest.NewRecorder()
	h.Step(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadHandler_InvalidStep(t *testing.T) {
	h := NewUploadHandler(&mockUploadService{}, nil, testUploadConfig(), nil, zap.NewNop())

	for _, step := range []string{"0", "5", "next"} {
		req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/upload/"+step, nil)
		req.SetPathValue("wid", uuid.NewString())
		req.SetPathValue("step", step)
		rec := httptest.NewRecorder()
		h.Step(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "step %s", step)
		assert.Contains(t, rec.Body.String(), "invalid_step")
	}
}

func TestUploadHandler_SelectAndPair(t *testing.T) {
	uploads := &mockUploadService{draft: &models.UploadDraft{Step: models.UploadStepKeys}}
	h := NewUploadHandler(uploads, nil, testUploadConfig(), nil, zap.NewNop())
	workflowID := uuid.NewString()

	body := `{"columns_to_upload":[true,false],"rename_column_names":["sid","mail"],"keep_key_column":[true,false]}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/upload/2", bytes.NewBufferString(body))
	req.SetPathValue("wid", workflowID)
	req.SetPathValue("step", "2")
	rec := httptest.NewRecorder()
	h.Step(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, false}, uploads.selection.ColumnsToUpload)
	assert.Equal(t, "mail", uploads.selection.RenameColumnNames[1])

	body = `{"src_selected_key":"sid","dst_selected_key":"sid","how_merge":"outer","how_dup_columns":"rename"}`
	req = httptest.NewRequest(http.MethodPost, "/api/workflows/x/upload/3", bytes.NewBufferString(body))
	req.SetPathValue("wid", workflowID)
	req.SetPathValue("step", "3")
	rec = httptest.NewRecorder()
	h.Step(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MergeOuter, uploads.pairing.HowMerge)
	assert.Equal(t, models.DupRename, uploads.pairing.HowDupColumns)
}

func TestUploadHandler_PreviewThenCommit(t *testing.T) {
	uploads := &mockUploadService{
		preview: &models.UploadPreview{
			Entries:  []models.PreviewEntry{{SourceName: "score", DestinationName: "score", Type: models.TypeDouble, Outcome: models.OutcomeNew}},
			HowMerge: models.MergeLeft,
			SrcKey:   "sid",
			DstKey:   "sid",
		},
		result: &merge.Result{
			Frame:      sampleFrame(),
			NewColumns: []merge.NewColumn{{Name: "score", Type: models.TypeDouble}},
		},
	}
	h := NewUploadHandler(uploads, nil, testUploadConfig(), nil, zap.NewNop())
	workflowID := uuid.NewString()

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/upload/4", nil)
	req.SetPathValue("wid", workflowID)
	req.SetPathValue("step", "4")
	rec := httptest.NewRecorder()
	h.Step(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, uploads.committed)
	assert.Len(t, decodeData(t, rec)["entries"], 1)

	req = httptest.NewRequest(http.MethodPost, "/api/workflows/x/upload/4", bytes.NewBufferString(`{"confirm":true}`))
	req.SetPathValue("wid", workflowID)
	req.SetPathValue("step", "4")
	rec = httptest.NewRecorder()
	h.Step(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, uploads.committed)

	data := decodeData(t, rec)
	assert.Equal(t, true, data["committed"])
	assert.Equal(t, float64(2), data["nrows"])
}

func TestUploadHandler_GetDraftAndCancel(t *testing.T) {
	uploads := &mockUploadService{}
	h := NewUploadHandler(uploads, nil, testUploadConfig(), nil, zap.NewNop())
	workflowID := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/x/upload", nil)
	req.SetPathValue("wid", workflowID)
	rec := httptest.NewRecorder()
	h.GetDraft(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/workflows/x/upload", nil)
	req.SetPathValue("wid", workflowID)
	rec = httptest.NewRecorder()
	h.Cancel(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, uploads.cancelled)
}

func TestUploadHandler_RememberedPassword(t *testing.T) {
	enc, err := crypto.NewCredentialEncryptor("upload-handler-test-key")
	require.NoError(t, err)
	workflowID := uuid.New()
	sealed, err := enc.SealFor("s3cret", crypto.Scope(workflowID.String(), "warehouse"))
	require.NoError(t, err)

	uploads := &mockUploadService{draft: &models.UploadDraft{
		Source: models.SourceDescriptor{
			Kind:   ingest.KindSQL,
			Name:   "warehouse",
			Params: map[string]string{passwordParam: sealed},
		},
	}}
	h := NewUploadHandler(uploads, nil, testUploadConfig(), enc, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/upload/1", nil)

	assert.Equal(t, "s3cret", h.rememberedPassword(req, workflowID, "warehouse"))
	assert.Empty(t, h.rememberedPassword(req, workflowID, "crm"))
	assert.Empty(t, h.rememberedPassword(req, uuid.New(), "warehouse"))

	other, err := crypto.NewCredentialEncryptor("another-key")
	require.NoError(t, err)
	h.encryptor = other
	assert.Empty(t, h.rememberedPassword(req, workflowID, "warehouse"))

	h.encryptor = nil
	assert.Empty(t, h.rememberedPassword(req, workflowID, "warehouse"))
}

func TestMimeAllowed(t *testing.T) {
	assert.True(t, mimeAllowed("text/csv", nil))
	assert.True(t, mimeAllowed("text/csv", []string{" TEXT/CSV "}))
	assert.False(t, mimeAllowed("application/pdf", []string{"text/csv"}))
}

func TestKindFromFilename(t *testing.T) {
	assert.Equal(t, ingest.KindExcel, kindFromFilename("Grades.XLSX"))
	assert.Equal(t, ingest.KindCSV, kindFromFilename("grades.csv"))
	assert.Equal(t, ingest.KindCSV, kindFromFilename("grades"))
}
