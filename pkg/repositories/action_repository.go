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

// ActionRepository provides data access for actions. Actions are returned
// with their conditions attached.
type ActionRepository interface {
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Action, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Action, error)
	Create(ctx context.Context, action *models.Action) error
	Update(ctx context.Context, action *models.Action) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error
}

// ConditionRepository provides data access for action conditions.
type ConditionRepository interface {
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Condition, error)
	ListByAction(ctx context.Context, actionID uuid.UUID) ([]*models.Condition, error)
	Create(ctx context.Context, cond *models.Condition) error
	Update(ctx context.Context, cond *models.Condition) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error
}

type actionRepository struct {
	conditions ConditionRepository
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(conditions ConditionRepository) ActionRepository {
	return &actionRepository{conditions: conditions}
}

var _ ActionRepository = (*actionRepository)(nil)

const actionColumns = `id, workflow_id, name, description, action_type, text_content, created_at, updated_at`

func (r *actionRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Action, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+actionColumns+` FROM engine_actions WHERE workflow_id = $1 ORDER BY name`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]*models.Action, 0)
	byID := make(map[uuid.UUID]*models.Action)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	rows.Close()

	conditions, err := r.conditions.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, c := range conditions {
		if a, ok := byID[c.ActionID]; ok {
			a.Conditions = append(a.Conditions, c)
		}
	}
	return actions, nil
}

func (r *actionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	a, err := scanAction(scope.Conn.QueryRow(ctx, `SELECT `+actionColumns+` FROM engine_actions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	if a.Conditions, err = r.conditions.ListByAction(ctx, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *actionRepository) Create(ctx context.Context, action *models.Action) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	now := time.Now().UTC()
	action.CreatedAt = now
	action.UpdatedAt = now

	query := `
		INSERT INTO engine_actions (id, workflow_id, name, description, action_type, text_content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := scope.Conn.Exec(ctx, query,
		action.ID,
		action.WorkflowID,
		action.Name,
		action.Description,
		action.ActionType,
		action.TextContent,
		action.CreatedAt,
		action.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("action %q already exists: %w", action.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create action: %w", err)
	}

	for _, c := range action.Conditions {
		c.ActionID = action.ID
		c.WorkflowID = action.WorkflowID
		if err := r.conditions.Create(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Update persists the action text and metadata. Conditions are stored
// through the ConditionRepository.
func (r *actionRepository) Update(ctx context.Context, action *models.Action) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	action.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE engine_actions
		SET name = $2, description = $3, action_type = $4, text_content = $5, updated_at = $6
		WHERE id = $1`

	result, err := scope.Conn.Exec(ctx, query,
		action.ID,
		action.Name,
		action.Description,
		action.ActionType,
		action.TextContent,
		action.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("action %q already exists: %w", action.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to update action: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *actionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `DELETE FROM engine_actions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *actionRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if _, err := scope.Conn.Exec(ctx, `DELETE FROM engine_actions WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to delete actions: %w", err)
	}
	return nil
}

func scanAction(row pgx.Row) (*models.Action, error) {
	var a models.Action
	err := row.Scan(
		&a.ID,
		&a.WorkflowID,
		&a.Name,
		&a.Description,
		&a.ActionType,
		&a.TextContent,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Conditions = []*models.Condition{}
	return &a, nil
}

type conditionRepository struct{}

// NewConditionRepository creates a new ConditionRepository.
func NewConditionRepository() ConditionRepository {
	return &conditionRepository{}
}

var _ ConditionRepository = (*conditionRepository)(nil)

const conditionColumns = `id, action_id, workflow_id, name, description, formula, is_filter, n_rows_selected`

func (r *conditionRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Condition, error) {
	return r.list(ctx, `SELECT `+conditionColumns+` FROM engine_conditions WHERE workflow_id = $1 ORDER BY name`, workflowID)
}

func (r *conditionRepository) ListByAction(ctx context.Context, actionID uuid.UUID) ([]*models.Condition, error) {
	return r.list(ctx, `SELECT `+conditionColumns+` FROM engine_conditions WHERE action_id = $1 ORDER BY name`, actionID)
}

func (r *conditionRepository) list(ctx context.Context, query string, id uuid.UUID) ([]*models.Condition, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list conditions: %w", err)
	}
	defer rows.Close()

	conditions := make([]*models.Condition, 0)
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		conditions = append(conditions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conditions: %w", err)
	}
	return conditions, nil
}

func (r *conditionRepository) Create(ctx context.Context, cond *models.Condition) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if cond.ID == uuid.Nil {
		cond.ID = uuid.New()
	}
	f, err := jsonbValue(cond.Formula)
	if err != nil {
		return err
	}
	if f == nil {
		f = []byte("{}")
	}

	query := `
		INSERT INTO engine_conditions (id, action_id, workflow_id, name, description, formula, is_filter, n_rows_selected)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = scope.Conn.Exec(ctx, query,
		cond.ID,
		cond.ActionID,
		cond.WorkflowID,
		cond.Name,
		cond.Description,
		f,
		cond.IsFilter,
		cond.NRowsSelected,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("condition %q already exists: %w", cond.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create condition: %w", err)
	}
	return nil
}

func (r *conditionRepository) Update(ctx context.Context, cond *models.Condition) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	f, err := jsonbValue(cond.Formula)
	if err != nil {
		return err
	}
	if f == nil {
		f = []byte("{}")
	}

	query := `
		UPDATE engine_conditions
		SET name = $2, description = $3, formula = $4, is_filter = $5, n_rows_selected = $6
		WHERE id = $1`

	result, err := scope.Conn.Exec(ctx, query,
		cond.ID,
		cond.Name,
		cond.Description,
		f,
		cond.IsFilter,
		cond.NRowsSelected,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("condition %q already exists: %w", cond.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to update condition: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *conditionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `DELETE FROM engine_conditions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete condition: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *conditionRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if _, err := scope.Conn.Exec(ctx, `DELETE FROM engine_conditions WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to delete conditions: %w", err)
	}
	return nil
}

func scanCondition(row pgx.Row) (*models.Condition, error) {
	var c models.Condition
	var f []byte
	err := row.Scan(
		&c.ID,
		&c.ActionID,
		&c.WorkflowID,
		&c.Name,
		&c.Description,
		&f,
		&c.IsFilter,
		&c.NRowsSelected,
	)
	if err != nil {
		return nil, err
	}
	if len(f) > 0 && string(f) != "{}" {
		if c.Formula, err = formula.Parse(f); err != nil {
			return nil, fmt.Errorf("stored formula of condition %s is invalid: %w", c.Name, err)
		}
	}
	return &c, nil
}
