// Package repositories persists workflows, their schema catalog and their
// frames. Every repository reads the request-scoped connection from the
// context, so repositories called inside one transaction share it.
package repositories

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Match is one equality term of a row selector. Terms are joined with AND.
type Match struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// Assignment sets one column of the matched rows.
type Assignment struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// FrameKind distinguishes the workflow frame from the upload staging frame.
type FrameKind string

const (
	FrameData   FrameKind = "data"
	FrameUpload FrameKind = "upload"
)

// FrameTable addresses one physical frame. Upload staging frames belong to
// one editing session.
type FrameTable struct {
	WorkflowID uuid.UUID
	Kind       FrameKind
	SessionID  string
}

// DataTable returns the address of the workflow frame.
func DataTable(workflowID uuid.UUID) FrameTable {
	return FrameTable{WorkflowID: workflowID, Kind: FrameData}
}

// UploadTable returns the address of the staging frame of one session.
func UploadTable(workflowID uuid.UUID, sessionID string) FrameTable {
	return FrameTable{WorkflowID: workflowID, Kind: FrameUpload, SessionID: sessionID}
}

// Name returns the physical table name. Upload names carry a digest of the
// session id and stay within the 63 byte identifier limit.
func (t FrameTable) Name() string {
	id := strings.ReplaceAll(t.WorkflowID.String(), "-", "")
	if t.Kind == FrameUpload {
		sum := sha256.Sum256([]byte(t.SessionID))
		return "ontask_upload_" + id + "_" + hex.EncodeToString(sum[:8])
	}
	return "ontask_frame_" + id
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// jsonbValue marshals v for a JSONB parameter; nil stays SQL NULL.
func jsonbValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb value: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}
