package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// ColumnRepository provides data access for the schema catalog.
type ColumnRepository interface {
	// ListByWorkflow returns the columns in position order.
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Column, error)
	GetByName(ctx context.Context, workflowID uuid.UUID, name string) (*models.Column, error)
	Create(ctx context.Context, col *models.Column) error
	Update(ctx context.Context, col *models.Column) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error
	// ShiftPositions adds delta to every position in [from, to].
	ShiftPositions(ctx context.Context, workflowID uuid.UUID, from, to, delta int) error
}

type columnRepository struct{}

// NewColumnRepository creates a new ColumnRepository.
func NewColumnRepository() ColumnRepository {
	return &columnRepository{}
}

var _ ColumnRepository = (*columnRepository)(nil)

const columnColumns = `id, workflow_id, name, description, data_type, is_key, position, categories, active_from, active_to`

func (r *columnRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Column, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT ` + columnColumns + ` FROM engine_columns WHERE workflow_id = $1 ORDER BY position`

	rows, err := scope.Conn.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	columns := make([]*models.Column, 0)
	for rows.Next() {
		col, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return columns, nil
}

func (r *columnRepository) GetByName(ctx context.Context, workflowID uuid.UUID, name string) (*models.Column, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT ` + columnColumns + ` FROM engine_columns WHERE workflow_id = $1 AND name = $2`

	col, err := scanColumn(scope.Conn.QueryRow(ctx, query, workflowID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get column: %w", err)
	}
	return col, nil
}

func (r *columnRepository) Create(ctx context.Context, col *models.Column) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if col.ID == uuid.Nil {
		col.ID = uuid.New()
	}
	categories, err := encodeCategories(col.Categories)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO engine_columns (id, workflow_id, name, description, data_type, is_key, position,
		                            categories, active_from, active_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = scope.Conn.Exec(ctx, query,
		col.ID,
		col.WorkflowID,
		col.Name,
		col.Description,
		string(col.Type),
		col.IsKey,
		col.Position,
		categories,
		col.ActiveFrom,
		col.ActiveTo,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("column %q already exists: %w", col.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create column: %w", err)
	}
	return nil
}

func (r *columnRepository) Update(ctx context.Context, col *models.Column) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	categories, err := encodeCategories(col.Categories)
	if err != nil {
		return err
	}

	query := `
		UPDATE engine_columns
		SET name = $2, description = $3, data_type = $4, is_key = $5, position = $6,
		    categories = $7, active_from = $8, active_to = $9
		WHERE id = $1`

	result, err := scope.Conn.Exec(ctx, query,
		col.ID,
		col.Name,
		col.Description,
		string(col.Type),
		col.IsKey,
		col.Position,
		categories,
		col.ActiveFrom,
		col.ActiveTo,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("column %q already exists: %w", col.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to update column: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *columnRepository) Delete(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `DELETE FROM engine_columns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete column: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *columnRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if _, err := scope.Conn.Exec(ctx, `DELETE FROM engine_columns WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to delete columns: %w", err)
	}
	return nil
}

// ShiftPositions relies on the deferred (workflow_id, position) constraint:
// positions may collide transiently inside the transaction.
func (r *columnRepository) ShiftPositions(ctx context.Context, workflowID uuid.UUID, from, to, delta int) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	query := `
		UPDATE engine_columns
		SET position = position + $4
		WHERE workflow_id = $1 AND position BETWEEN $2 AND $3`

	if _, err := scope.Conn.Exec(ctx, query, workflowID, from, to, delta); err != nil {
		return fmt.Errorf("failed to shift column positions: %w", err)
	}
	return nil
}

func scanColumn(row pgx.Row) (*models.Column, error) {
	var col models.Column
	var dataType string
	var categories []byte
	err := row.Scan(
		&col.ID,
		&col.WorkflowID,
		&col.Name,
		&col.Description,
		&dataType,
		&col.IsKey,
		&col.Position,
		&categories,
		&col.ActiveFrom,
		&col.ActiveTo,
	)
	if err != nil {
		return nil, err
	}
	col.Type = models.ColumnType(dataType)
	if len(categories) > 0 {
		var raw []any
		if err := json.Unmarshal(categories, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode categories of %s: %w", col.Name, err)
		}
		if col.Categories, err = models.NormalizeCategories(col.Type, raw); err != nil {
			return nil, fmt.Errorf("stored categories of %s are invalid: %w", col.Name, err)
		}
	}
	return &col, nil
}

func encodeCategories(categories []any) ([]byte, error) {
	if categories == nil {
		categories = []any{}
	}
	data, err := json.Marshal(categories)
	if err != nil {
		return nil, fmt.Errorf("failed to encode categories: %w", err)
	}
	return data, nil
}
