package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseWorkflowID extracts and validates the workflow ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: wid
func ParseWorkflowID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "wid", "invalid_workflow_id", "Invalid workflow ID format", logger)
}

// ParseViewID extracts and validates the view ID from the request path.
// Expects path parameter: vid
func ParseViewID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "vid", "invalid_view_id", "Invalid view ID format", logger)
}

// ParseActionID extracts and validates the action ID from the request path.
// Expects path parameter: aid
func ParseActionID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "aid", "invalid_action_id", "Invalid action ID format", logger)
}

// ParseConditionID extracts and validates the condition ID from the request path.
// Expects path parameter: cid
func ParseConditionID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "cid", "invalid_condition_id", "Invalid condition ID format", logger)
}

// ParseWorkflowAndActionIDs extracts and validates both workflow and action IDs.
// Expects path parameters: wid, aid
func ParseWorkflowAndActionIDs(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, uuid.UUID, bool) {
	workflowID, ok := ParseWorkflowID(w, r, logger)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	actionID, ok := ParseActionID(w, r, logger)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	return workflowID, actionID, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// parseUUIDList parses a comma separated list of ids. Blank entries are skipped.
func parseUUIDList(raw string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// splitList splits a comma separated query value. Blank entries are skipped.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseBoolQuery reads a boolean query parameter; absent or malformed is false.
func parseBoolQuery(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
