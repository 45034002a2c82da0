package handlers

import (
	"encoding/json"
	"net/http"
)

// ApiResponse wraps data in the format expected by the frontend.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	return errorResponseWithDetails(w, statusCode, errorCode, message, nil)
}

// errorResponseWithDetails writes an error body carrying extra string
// members such as the offending field or the lease holder.
func errorResponseWithDetails(w http.ResponseWriter, statusCode int, errorCode, message string, details map[string]string) error {
	body := map[string]string{
		"error":   errorCode,
		"message": message,
	}
	for k, v := range details {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(body)
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}
