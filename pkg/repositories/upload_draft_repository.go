package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// UploadDraftRepository stores the per-session state of the upload pipeline.
type UploadDraftRepository interface {
	// Get returns nil when the session has no draft for the workflow.
	Get(ctx context.Context, workflowID uuid.UUID, sessionID string) (*models.UploadDraft, error)
	Save(ctx context.Context, draft *models.UploadDraft) error
	Delete(ctx context.Context, workflowID uuid.UUID, sessionID string) error
	// ListSessions returns the sessions holding a draft for the workflow.
	ListSessions(ctx context.Context, workflowID uuid.UUID) ([]string, error)
}

type uploadDraftRepository struct{}

// NewUploadDraftRepository creates a new UploadDraftRepository.
func NewUploadDraftRepository() UploadDraftRepository {
	return &uploadDraftRepository{}
}

var _ UploadDraftRepository = (*uploadDraftRepository)(nil)

func (r *uploadDraftRepository) Get(ctx context.Context, workflowID uuid.UUID, sessionID string) (*models.UploadDraft, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT draft FROM engine_upload_drafts WHERE workflow_id = $1 AND session_id = $2`

	var data []byte
	if err := scope.Conn.QueryRow(ctx, query, workflowID, sessionID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get upload draft: %w", err)
	}

	var draft models.UploadDraft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, fmt.Errorf("failed to decode upload draft: %w", err)
	}
	return &draft, nil
}

func (r *uploadDraftRepository) Save(ctx context.Context, draft *models.UploadDraft) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	now := time.Now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	data, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("failed to encode upload draft: %w", err)
	}

	query := `
		INSERT INTO engine_upload_drafts (workflow_id, session_id, step, draft, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, session_id) DO UPDATE
		SET step = EXCLUDED.step, draft = EXCLUDED.draft, updated_at = EXCLUDED.updated_at`

	if _, err := scope.Conn.Exec(ctx, query,
		draft.WorkflowID, draft.SessionID, draft.Step, data, draft.CreatedAt, draft.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to save upload draft: %w", err)
	}
	return nil
}

func (r *uploadDraftRepository) Delete(ctx context.Context, workflowID uuid.UUID, sessionID string) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if _, err := scope.Conn.Exec(ctx,
		`DELETE FROM engine_upload_drafts WHERE workflow_id = $1 AND session_id = $2`, workflowID, sessionID,
	); err != nil {
		return fmt.Errorf("failed to delete upload draft: %w", err)
	}
	return nil
}

func (r *uploadDraftRepository) ListSessions(ctx context.Context, workflowID uuid.UUID) ([]string, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT session_id FROM engine_upload_drafts WHERE workflow_id = $1 ORDER BY session_id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload drafts: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan upload drafts: %w", err)
	}
	return sessions, nil
}
