package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
)

func TestViewsHandler_Create(t *testing.T) {
	h := NewViewsHandler(&mockViewService{}, zap.NewNop())

	body := `{"name":"Failing","columns":["` + uuid.NewString() + `"],"filter":{"condition":"AND","rules":[{"field":"score","type":"double","operator":"less","value":5}]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/views", bytes.NewBufferString(body))
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Failing", decodeData(t, rec)["name"])
}

func TestViewsHandler_Create_UnknownColumn(t *testing.T) {
	h := NewViewsHandler(&mockViewService{err: apperrors.FieldValidation("columns", "unknown column")}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/views", bytes.NewBufferString(`{"name":"Bad","columns":[]}`))
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestViewsHandler_List_Empty(t *testing.T) {
	h := NewViewsHandler(&mockViewService{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/x/views", nil)
	req.SetPathValue("wid", uuid.NewString())
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeData(t, rec)["total"])
}

func TestViewsHandler_Get_InvalidViewID(t *testing.T) {
	h := NewViewsHandler(&mockViewService{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/x/views/nope", nil)
	req.SetPathValue("wid", uuid.NewString())
	req.SetPathValue("vid", "nope")
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
