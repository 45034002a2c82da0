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
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

func TestColumnsHandler_Add_Dispatch(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "plain",
			body: `{"name":"notes","type":"string"}`,
			want: "add",
		},
		{
			name: "initial value",
			body: `{"name":"attended","type":"boolean","value":false}`,
			want: "add_value",
		},
		{
			name: "formula",
			body: `{"name":"total","type":"double","formula":{"op":"sum","operands":["q1","q2"]}}`,
			want: "add_formula",
		},
		{
			name: "random",
			body: `{"name":"group","type":"string","random":{"values":["A","B"]}}`,
			want: "add_random",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := &mockSchemaCatalog{}
			h := NewColumnsHandler(catalog, &mockFrameStore{}, zap.NewNop())

			req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/columns", bytes.NewBufferString(tt.body))
			req.SetPathValue("wid", uuid.NewString())
			rec := httptest.NewRecorder()
			h.Add(rec, req)

			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			assert.Equal(t, tt.want, catalog.called)
		})
	}
}

func TestColumnsHandler_Add_FormulaOperator(t *testing.T) {
	catalog := &mockSchemaCatalog{}
	h := NewColumnsHandler(catalog, &mockFrameStore{}, zap.NewNop())

	body := `{"name":"best","type":"double","formula":{"op":"max","operands":["q1","q2"]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/columns", bytes.NewBufferString(body))
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Add(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "max", catalog.op)
	assert.Equal(t, models.TypeDouble, catalog.desc.Type)
}

func TestColumnsHandler_Add_DuplicateName(t *testing.T) {
	catalog := &mockSchemaCatalog{err: apperrors.FieldValidation("name", "column email already exists")}
	h := NewColumnsHandler(catalog, &mockFrameStore{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/columns", bytes.NewBufferString(`{"name":"email","type":"string"}`))
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Add(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestColumnsHandler_Update(t *testing.T) {
	catalog := &mockSchemaCatalog{}
	h := NewColumnsHandler(catalog, &mockFrameStore{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPatch, "/api/workflows/x/columns/email", bytes.NewBufferString(`{"name":"mail"}`))
	req.SetPathValue("wid", uuid.NewString())
	req.SetPathValue("name", "email")
	rec := httptest.NewRecorder()
	h.Update(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, catalog.update.Name)
	assert.Equal(t, "mail", *catalog.update.Name)
	assert.Equal(t, "mail", decodeData(t, rec)["name"])
}

func TestColumnsHandler_Delete_LastKey(t *testing.T) {
	catalog := &mockSchemaCatalog{err: apperrors.Invariant("column sid is the only key column")}
	h := NewColumnsHandler(catalog, &mockFrameStore{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodDelete, "/api/workflows/x/columns/sid", nil)
	req.SetPathValue("wid", uuid.NewString())
	req.SetPathValue("name", "sid")
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "delete", catalog.called)
}

func TestColumnsHandler_Clone(t *testing.T) {
	t.Run("default name", func(t *testing.T) {
		catalog := &mockSchemaCatalog{}
		h := NewColumnsHandler(catalog, &mockFrameStore{}, zap.NewNop())

		req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/columns/email/clone", nil)
		req.SetPathValue("wid", uuid.NewString())
		req.SetPathValue("name", "email")
		rec := httptest.NewRecorder()
		h.Clone(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Empty(t, catalog.newName)
		assert.Equal(t, "Copy_of_email", decodeData(t, rec)["name"])
	})

	t.Run("explicit name", func(t *testing.T) {
		catalog := &mockSchemaCatalog{}
		h := NewColumnsHandler(catalog, &mockFrameStore{}, zap.NewNop())

		req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/columns/email/clone", bytes.NewBufferString(`{"new_name":"email_2"}`))
		req.SetPathValue("wid", uuid.NewString())
		req.SetPathValue("name", "email")
		rec := httptest.NewRecorder()
		h.Clone(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "email_2", catalog.newName)
	})
}

func TestColumnsHandler_ToggleKey(t *testing.T) {
	catalog := &mockSchemaCatalog{}
	h := NewColumnsHandler(catalog, &mockFrameStore{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/columns/email/key", bytes.NewBufferString(`{"is_key":true}`))
	req.SetPathValue("wid", uuid.NewString())
	req.SetPathValue("name", "email")
	rec := httptest.NewRecorder()
	h.ToggleKey(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "toggle", catalog.called)
	assert.Equal(t, true, decodeData(t, rec)["is_key"])
}

func TestColumnsHandler_Stats(t *testing.T) {
	mean := 7.5
	frames := &mockFrameStore{stats: &models.ColumnStats{Name: "score", Type: models.TypeDouble, Count: 2, NullCount: 1, Mean: &mean}}
	h := NewColumnsHandler(&mockSchemaCatalog{}, frames, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/x/columns/score/stats", nil)
	req.SetPathValue("wid", uuid.NewString())
	req.SetPathValue("name", "score")
	rec := httptest.NewRecorder()
	h.Stats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data models.ColumnStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.NullCount)
	require.NotNil(t, resp.Data.Mean)
	assert.InDelta(t, 7.5, *resp.Data.Mean, 1e-9)
}
