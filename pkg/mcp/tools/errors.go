package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
)

// ErrorResponse is the body of a tool result that reports a caller mistake.
// It is returned as a result rather than a protocol error so the assistant
// sees it and can correct its arguments.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result carrying a structured error.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails adds context, such as the offending argument.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	jsonBytes, _ := json.Marshal(ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	})
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// serviceErrorResult turns the errors an assistant can act on into tool
// results. Anything else is returned as is and becomes a JSON-RPC error.
func serviceErrorResult(err error) (*mcp.CallToolResult, error) {
	var validation *apperrors.ValidationError
	switch {
	case errors.As(err, &validation):
		if validation.Field != "" {
			return NewErrorResultWithDetails("validation_error", err.Error(), map[string]string{"field": validation.Field}), nil
		}
		return NewErrorResult("validation_error", err.Error()), nil
	case errors.Is(err, apperrors.ErrValidation):
		return NewErrorResult("validation_error", err.Error()), nil
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("not_found", err.Error()), nil
	case errors.Is(err, apperrors.ErrLeaseDenied):
		return NewErrorResult("lease_denied", err.Error()), nil
	}
	return nil, err
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
