package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/merge"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

func sampleFrame() *models.Frame {
	f := models.NewFrame(
		models.FrameColumn{Name: "sid", Type: models.TypeInteger},
		models.FrameColumn{Name: "email", Type: models.TypeString},
		models.FrameColumn{Name: "score", Type: models.TypeDouble},
	)
	f.Rows = [][]any{
		{int64(1), "ana@example.com", 7.5},
		{int64(2), "ben@example.com", nil},
	}
	return f
}

func TestTablePayload_Frame_Typed(t *testing.T) {
	var p TablePayload
	dec := json.NewDecoder(bytes.NewBufferString(`{"columns":[{"name":"sid","type":"integer"},{"name":"passed","type":"boolean"}],"rows":[[1,true],[2,0]]}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&p))

	f, err := p.Frame()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), true}, f.Rows[0])
	assert.Equal(t, []any{int64(2), false}, f.Rows[1])
}

func TestTablePayload_Frame_Inferred(t *testing.T) {
	var p TablePayload
	dec := json.NewDecoder(bytes.NewBufferString(`{"columns":[{"name":"sid"},{"name":"score"}],"rows":[[1,2.5],[2,3]]}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&p))

	f, err := p.Frame()
	require.NoError(t, err)

	sidType, _ := f.ColumnType("sid")
	scoreType, _ := f.ColumnType("score")
	assert.Equal(t, models.TypeInteger, sidType)
	assert.Equal(t, models.TypeDouble, scoreType)
}

func TestTablePayload_Frame_RaggedRow(t *testing.T) {
	p := TablePayload{
		Columns: []TableColumn{{Name: "a", Type: models.TypeString}, {Name: "b", Type: models.TypeString}},
		Rows:    [][]any{{"x"}},
	}

	_, err := p.Frame()
	require.Error(t, err)

	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rows", verr.Field)
}

func TestTableHandler_Read(t *testing.T) {
	frames := &mockFrameStore{frame: sampleFrame()}
	h := NewTableHandler(frames, &mockViewService{}, &mockMergeService{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/x/table?columns=email,sid", nil)
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Read(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(2), data["nrows"])
	columns := data["columns"].([]any)
	require.Len(t, columns, 2)
	assert.Equal(t, "email", columns[0].(map[string]any)["name"])
}

func TestTableHandler_Read_UnknownProjection(t *testing.T) {
	frames := &mockFrameStore{frame: sampleFrame()}
	h := NewTableHandler(frames, &mockViewService{}, &mockMergeService{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/x/table?columns=missing", nil)
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Read(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTableHandler_Read_View(t *testing.T) {
	viewFrame := models.NewFrame(models.FrameColumn{Name: "email", Type: models.TypeString})
	viewFrame.Rows = [][]any{{"ana@example.com"}}
	views := &mockViewService{frame: viewFrame}
	h := NewTableHandler(&mockFrameStore{frame: sampleFrame()}, views, &mockMergeService{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/x/table?view="+uuid.NewString(), nil)
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Read(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeData(t, rec)["nrows"])
}

func TestTableHandler_Store(t *testing.T) {
	merges := &mockMergeService{}
	h := NewTableHandler(&mockFrameStore{}, &mockViewService{}, merges, zap.NewNop())

	body := `{"columns":[{"name":"sid","type":"integer"},{"name":"email","type":"string"}],"rows":[[1,"a@x.org"],[2,"b@x.org"]],"keys":["sid"]}`
	req := httptest.NewRequest(http.MethodPut, "/api/workflows/x/table", bytes.NewBufferString(body))
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Store(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, merges.replaced)
	assert.Equal(t, 2, merges.replaced.NumRows())
	assert.Equal(t, []string{"sid"}, merges.keys)
}

func TestTableHandler_Merge(t *testing.T) {
	merges := &mockMergeService{result: &merge.Result{
		Frame:      sampleFrame(),
		NewColumns: []merge.NewColumn{{Name: "score", Type: models.TypeDouble}},
	}}
	h := NewTableHandler(&mockFrameStore{}, &mockViewService{}, merges, zap.NewNop())

	body := `{"table":{"columns":[{"name":"sid"},{"name":"score"}],"rows":[[1,7.5]]},"src_selected_key":"sid","dst_selected_key":"sid","how_merge":"left","how_dup_columns":"override"}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/table/merge", bytes.NewBufferString(body))
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Merge(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MergeLeft, merges.bulkReq.How)
	assert.Equal(t, models.DupOverride, merges.bulkReq.DupPolicy)
	assert.Equal(t, "sid", merges.bulkReq.SrcKey)
	require.NotNil(t, merges.src)
	assert.Equal(t, 1, merges.src.NumRows())

	data := decodeData(t, rec)
	assert.Equal(t, float64(2), data["nrows"])
	assert.Len(t, data["new_columns"], 1)
}

func TestTableHandler_Merge_Invariant(t *testing.T) {
	merges := &mockMergeService{err: apperrors.Invariant("the merged table has no unique key column")}
	h := NewTableHandler(&mockFrameStore{}, &mockViewService{}, merges, zap.NewNop())

	body := `{"table":{"columns":[{"name":"sid"}],"rows":[[1]]},"src_selected_key":"sid","dst_selected_key":"sid","how_merge":"inner","how_dup_columns":"rename"}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/table/merge", bytes.NewBufferString(body))
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Merge(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTableHandler_Rows(t *testing.T) {
	frames := &mockFrameStore{frame: sampleFrame()}
	h := NewTableHandler(frames, &mockViewService{}, &mockMergeService{}, zap.NewNop())
	workflowID := uuid.NewString()

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/rows", bytes.NewBufferString(`{"values":{"sid":3,"email":"c@x.org"}}`))
	req.SetPathValue("wid", workflowID)
	rec := httptest.NewRecorder()
	h.InsertRow(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, json.Number("3"), frames.inserted["sid"])

	req = httptest.NewRequest(http.MethodPatch, "/api/workflows/x/rows", bytes.NewBufferString(`{"key_column":"sid","key_value":3,"values":{"score":9}}`))
	req.SetPathValue("wid", workflowID)
	rec = httptest.NewRecorder()
	h.UpdateRow(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sid", frames.updateKey)
	assert.Equal(t, json.Number("9"), frames.updates["score"])

	req = httptest.NewRequest(http.MethodDelete, "/api/workflows/x/rows", bytes.NewBufferString(`{"key_column":"email","key_value":"c@x.org"}`))
	req.SetPathValue("wid", workflowID)
	rec = httptest.NewRecorder()
	h.DeleteRow(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "c@x.org", frames.deleteValue)

	req = httptest.NewRequest(http.MethodPost, "/api/workflows/x/rows/select", bytes.NewBufferString(`{"matches":[{"column":"sid","value":1}],"projection":["email"]}`))
	req.SetPathValue("wid", workflowID)
	rec = httptest.NewRecorder()
	h.SelectRows(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, frames.matches, 1)
	assert.Equal(t, "sid", frames.matches[0].Column)
	assert.Equal(t, []string{"email"}, frames.projection)
}

func TestTableHandler_DeleteRow_NotUnique(t *testing.T) {
	frames := &mockFrameStore{err: apperrors.FieldValidation("key_column", "column email is not a key")}
	h := NewTableHandler(frames, &mockViewService{}, &mockMergeService{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodDelete, "/api/workflows/x/rows", bytes.NewBufferString(`{"key_column":"email","key_value":"a"}`))
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.DeleteRow(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "key_column", body["field"])
}
