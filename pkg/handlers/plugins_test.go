package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/plugins"
)

func TestPluginsHandler_List(t *testing.T) {
	h := NewPluginsHandler(&mockPluginService{plugins: []*plugins.Plugin{{Name: "zscore", Key: "sid"}}}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/plugins", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(1), data["total"])
	assert.NotContains(t, rec.Body.String(), "wasm", "the module path stays server side")
}

func TestPluginsHandler_List_Empty(t *testing.T) {
	h := NewPluginsHandler(&mockPluginService{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/plugins", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decodeData(t, rec)["plugins"])
}

func TestPluginsHandler_Run(t *testing.T) {
	svc := &mockPluginService{}
	h := NewPluginsHandler(svc, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/plugins/zscore/run", nil)
	req.SetPathValue("wid", uuid.NewString())
	req.SetPathValue("name", "zscore")
	rec := httptest.NewRecorder()
	h.Run(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "zscore", svc.ran)
	data := decodeData(t, rec)
	assert.Equal(t, "plugin", data["lane"])
	assert.Equal(t, "pending", data["status"])
}

func TestPluginsHandler_Run_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown plugin", apperrors.ErrNotFound, http.StatusNotFound},
		{"missing inputs", apperrors.FieldValidation("inputs", "column score is missing"), http.StatusBadRequest},
		{"no lease", &apperrors.LeaseDeniedError{}, http.StatusLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPluginsHandler(&mockPluginService{err: tt.err}, zap.NewNop())

			req := httptest.NewRequest(http.MethodPost, "/api/workflows/x/plugins/zscore/run", nil)
			req.SetPathValue("wid", uuid.NewString())
			req.SetPathValue("name", "zscore")
			rec := httptest.NewRecorder()
			h.Run(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestPluginsHandler_Tasks_Empty(t *testing.T) {
	h := NewPluginsHandler(&mockPluginService{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Tasks(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeData(t, rec)["total"])
}
