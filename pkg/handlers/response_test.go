package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		errorCode  string
		message    string
	}{
		{"validation", http.StatusBadRequest, "validation_error", "column \"email\" already exists"},
		{"missing workflow", http.StatusNotFound, "not_found", "workflow not found"},
		{"internal", http.StatusInternalServerError, "internal_error", "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			if err := ErrorResponse(w, tt.statusCode, tt.errorCode, tt.message); err != nil {
				t.Fatalf("ErrorResponse returned error: %v", err)
			}

			if w.Code != tt.statusCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.statusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response body: %v", err)
			}
			if body["error"] != tt.errorCode || body["message"] != tt.message {
				t.Errorf("unexpected body %v", body)
			}
			if len(body) != 2 {
				t.Errorf("expected only error and message, got %v", body)
			}
		})
	}
}

func TestErrorResponseWithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	err := errorResponseWithDetails(w, http.StatusLocked, "lease_denied", "workflow is being edited",
		map[string]string{"holder": "lead@example.com"})
	if err != nil {
		t.Fatalf("errorResponseWithDetails returned error: %v", err)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if w.Code != http.StatusLocked {
		t.Errorf("status code = %d, want 423", w.Code)
	}
	if body["holder"] != "lead@example.com" {
		t.Errorf("body[holder] = %q", body["holder"])
	}
	if body["error"] != "lease_denied" {
		t.Errorf("body[error] = %q", body["error"])
	}
}

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"ok", http.StatusOK},
		{"created", http.StatusCreated},
		{"accepted", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			payload := ApiResponse{Success: true, Data: map[string]int{"nrows": 3}}
			if err := WriteJSON(w, tt.status, payload); err != nil {
				t.Fatalf("WriteJSON returned error: %v", err)
			}
			if w.Code != tt.status {
				t.Errorf("status code = %d, want %d", w.Code, tt.status)
			}

			var body struct {
				Success bool           `json:"success"`
				Data    map[string]int `json:"data"`
				Error   *string        `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response body: %v", err)
			}
			if !body.Success || body.Data["nrows"] != 3 {
				t.Errorf("unexpected body %+v", body)
			}
			if body.Error != nil {
				t.Error("expected error to be omitted")
			}
		})
	}
}
