package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// WorkflowRepository provides data access for workflow metadata.
type WorkflowRepository interface {
	Create(ctx context.Context, wf *models.Workflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	// GetByOwnerAndName returns nil when the owner has no workflow with that name.
	GetByOwnerAndName(ctx context.Context, ownerID, name string) (*models.Workflow, error)
	// ListForUser returns the workflows owned by or shared with userID.
	ListForUser(ctx context.Context, userID string) ([]*models.Workflow, error)
	Update(ctx context.Context, wf *models.Workflow) error
	// Touch sets updated_at to now.
	Touch(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type workflowRepository struct{}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository() WorkflowRepository {
	return &workflowRepository{}
}

var _ WorkflowRepository = (*workflowRepository)(nil)

const workflowColumns = `id, owner_id, name, description, attributes, shared_with, nrows, ncols,
		       query_builder_ops, data_table, created_at, updated_at`

func (r *workflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if wf.SharedWith == nil {
		wf.SharedWith = []string{}
	}

	query := `
		INSERT INTO engine_workflows (id, owner_id, name, description, attributes, shared_with,
		                              nrows, ncols, query_builder_ops, data_table, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := scope.Conn.Exec(ctx, query,
		wf.ID,
		wf.OwnerID,
		wf.Name,
		wf.Description,
		wf.Attributes,
		wf.SharedWith,
		wf.NRows,
		wf.NCols,
		rawJSON(wf.QueryBuilderOps),
		wf.DataTable,
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workflow %q already exists: %w", wf.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

func (r *workflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT ` + workflowColumns + ` FROM engine_workflows WHERE id = $1`

	wf, err := scanWorkflow(scope.Conn.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

func (r *workflowRepository) GetByOwnerAndName(ctx context.Context, ownerID, name string) (*models.Workflow, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT ` + workflowColumns + ` FROM engine_workflows WHERE owner_id = $1 AND name = $2`

	wf, err := scanWorkflow(scope.Conn.QueryRow(ctx, query, ownerID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow by name: %w", err)
	}
	return wf, nil
}

func (r *workflowRepository) ListForUser(ctx context.Context, userID string) ([]*models.Workflow, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `
		SELECT ` + workflowColumns + `
		FROM engine_workflows
		WHERE owner_id = $1 OR $1 = ANY(shared_with)
		ORDER BY name`

	rows, err := scope.Conn.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	workflows := make([]*models.Workflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return workflows, nil
}

func (r *workflowRepository) Update(ctx context.Context, wf *models.Workflow) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	wf.UpdatedAt = time.Now().UTC()
	if wf.SharedWith == nil {
		wf.SharedWith = []string{}
	}

	query := `
		UPDATE engine_workflows
		SET name = $2, description = $3, attributes = $4, shared_with = $5, nrows = $6, ncols = $7,
		    query_builder_ops = $8, data_table = $9, updated_at = $10
		WHERE id = $1`

	result, err := scope.Conn.Exec(ctx, query,
		wf.ID,
		wf.Name,
		wf.Description,
		wf.Attributes,
		wf.SharedWith,
		wf.NRows,
		wf.NCols,
		rawJSON(wf.QueryBuilderOps),
		wf.DataTable,
		wf.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workflow %q already exists: %w", wf.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *workflowRepository) Touch(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `UPDATE engine_workflows SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *workflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `DELETE FROM engine_workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var wf models.Workflow
	var ops []byte
	err := row.Scan(
		&wf.ID,
		&wf.OwnerID,
		&wf.Name,
		&wf.Description,
		&wf.Attributes,
		&wf.SharedWith,
		&wf.NRows,
		&wf.NCols,
		&ops,
		&wf.DataTable,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(ops) > 0 {
		wf.QueryBuilderOps = ops
	}
	if wf.SharedWith == nil {
		wf.SharedWith = []string{}
	}
	return &wf, nil
}

// rawJSON passes a pre-encoded document to a JSONB parameter; empty is NULL.
func rawJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
