package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantField  string
		wantHolder string
	}{
		{
			name:       "field validation",
			err:        fmt.Errorf("failed to add column: %w", apperrors.FieldValidation("name", "must not be empty")),
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
			wantField:  "name",
		},
		{
			name:       "operation validation",
			err:        apperrors.Validation("the data has no columns"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
		},
		{
			name:       "not found",
			err:        fmt.Errorf("workflow x: %w", apperrors.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "lease held by another user",
			err:        &apperrors.LeaseDeniedError{Holder: "other@example.com"},
			wantStatus: http.StatusLocked,
			wantCode:   "lease_denied",
			wantHolder: "other@example.com",
		},
		{
			name:       "conflict",
			err:        fmt.Errorf("workflow name taken: %w", apperrors.ErrConflict),
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
		},
		{
			name:       "transport",
			err:        apperrors.Transport(nil, "the file is not a workflow container"),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "transport_error",
		},
		{
			name:       "invariant",
			err:        apperrors.Invariant("the result has no key column"),
			wantStatus: http.StatusConflict,
			wantCode:   "invariant_violation",
		},
		{
			name:       "fatal",
			err:        errors.New("connection reset by peer"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "fallback_code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, zap.NewNop(), tt.err, "fallback_code")

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body["error"])
			assert.Equal(t, tt.wantField, body["field"])
			assert.Equal(t, tt.wantHolder, body["holder"])
		})
	}
}

func TestWriteServiceError_HidesFatalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, zap.NewNop(), errors.New("dial postgres://app:hunter2@db:5432/x failed"), "list_workflows_failed")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body["message"])
	assert.NotContains(t, rec.Body.String(), "hunter2")
}
