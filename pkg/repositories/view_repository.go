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
	"github.com/ekaya-inc/ontask-engine/pkg/formula"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// ViewRepository provides data access for workflow views.
type ViewRepository interface {
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.View, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.View, error)
	Create(ctx context.Context, view *models.View) error
	Update(ctx context.Context, view *models.View) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error
}

type viewRepository struct{}

// NewViewRepository creates a new ViewRepository.
func NewViewRepository() ViewRepository {
	return &viewRepository{}
}

var _ ViewRepository = (*viewRepository)(nil)

const viewColumns = `id, workflow_id, name, description, column_ids, filter, created_at, updated_at`

func (r *viewRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.View, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT ` + viewColumns + ` FROM engine_views WHERE workflow_id = $1 ORDER BY name`

	rows, err := scope.Conn.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	defer rows.Close()

	views := make([]*models.View, 0)
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan view: %w", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating views: %w", err)
	}
	return views, nil
}

func (r *viewRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.View, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	v, err := scanView(scope.Conn.QueryRow(ctx, `SELECT `+viewColumns+` FROM engine_views WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get view: %w", err)
	}
	return v, nil
}

func (r *viewRepository) Create(ctx context.Context, view *models.View) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if view.ID == uuid.Nil {
		view.ID = uuid.New()
	}
	now := time.Now().UTC()
	view.CreatedAt = now
	view.UpdatedAt = now
	filter, err := jsonbValue(view.Filter)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO engine_views (id, workflow_id, name, description, column_ids, filter, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = scope.Conn.Exec(ctx, query,
		view.ID,
		view.WorkflowID,
		view.Name,
		view.Description,
		columnIDs(view.ColumnIDs),
		filter,
		view.CreatedAt,
		view.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("view %q already exists: %w", view.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create view: %w", err)
	}
	return nil
}

func (r *viewRepository) Update(ctx context.Context, view *models.View) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	view.UpdatedAt = time.Now().UTC()
	filter, err := jsonbValue(view.Filter)
	if err != nil {
		return err
	}

	query := `
		UPDATE engine_views
		SET name = $2, description = $3, column_ids = $4, filter = $5, updated_at = $6
		WHERE id = $1`

	result, err := scope.Conn.Exec(ctx, query,
		view.ID,
		view.Name,
		view.Description,
		columnIDs(view.ColumnIDs),
		filter,
		view.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("view %q already exists: %w", view.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to update view: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *viewRepository) Delete(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `DELETE FROM engine_views WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete view: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *viewRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if _, err := scope.Conn.Exec(ctx, `DELETE FROM engine_views WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to delete views: %w", err)
	}
	return nil
}

func scanView(row pgx.Row) (*models.View, error) {
	var v models.View
	var filter []byte
	err := row.Scan(
		&v.ID,
		&v.WorkflowID,
		&v.Name,
		&v.Description,
		&v.ColumnIDs,
		&filter,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		if v.Filter, err = formula.Parse(filter); err != nil {
			return nil, fmt.Errorf("stored filter of view %s is invalid: %w", v.Name, err)
		}
	}
	if v.ColumnIDs == nil {
		v.ColumnIDs = []uuid.UUID{}
	}
	return &v, nil
}

func columnIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
