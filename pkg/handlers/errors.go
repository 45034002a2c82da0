package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/logging"
)

// writeServiceError maps an engine error onto its HTTP status. Caller
// mistakes are answered without logging; anything unclassified is a fault,
// logged sanitized and reported with fallbackCode.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error, fallbackCode string) {
	status, code, details := classifyError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		code = fallbackCode
		message = "Internal server error"
		logger.Error("Request failed",
			zap.String("error_code", fallbackCode),
			zap.String("error", logging.SanitizeError(err)))
	}
	if err := errorResponseWithDetails(w, status, code, message, details); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func classifyError(err error) (int, string, map[string]string) {
	var (
		validation *apperrors.ValidationError
		lease      *apperrors.LeaseDeniedError
	)
	switch {
	case errors.As(err, &validation):
		if validation.Field != "" {
			return http.StatusBadRequest, "validation_error", map[string]string{"field": validation.Field}
		}
		return http.StatusBadRequest, "validation_error", nil
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest, "validation_error", nil
	case errors.As(err, &lease):
		if lease.Holder != "" {
			return http.StatusLocked, "lease_denied", map[string]string{"holder": lease.Holder}
		}
		return http.StatusLocked, "lease_denied", nil
	case errors.Is(err, apperrors.ErrLeaseDenied):
		return http.StatusLocked, "lease_denied", nil
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found", nil
	case errors.Is(err, apperrors.ErrTransport):
		return http.StatusUnprocessableEntity, "transport_error", nil
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict", nil
	case errors.Is(err, apperrors.ErrInvariant):
		return http.StatusConflict, "invariant_violation", nil
	}
	return http.StatusInternalServerError, "", nil
}

// writeBadRequest answers a malformed request body.
func writeBadRequest(w http.ResponseWriter, logger *zap.Logger, message string) {
	if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeOK(w http.ResponseWriter, logger *zap.Logger, status int, data any) {
	if err := WriteJSON(w, status, ApiResponse{Success: true, Data: data}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}
