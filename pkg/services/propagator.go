package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/formula"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// Propagator keeps conditions, view filters and action texts consistent
// with the schema. It runs inside the caller's transaction.
type Propagator interface {
	// ColumnRenamed rewrites condition formulas, view filters and action
	// texts that refer to oldName.
	ColumnRenamed(ctx context.Context, workflowID uuid.UUID, oldName, newName string) error
	// ColumnDeleted removes conditions and filters that refer to the column,
	// drops it from views and deletes views left without columns.
	ColumnDeleted(ctx context.Context, workflowID uuid.UUID, col *models.Column) error
	// KeyToggled is called after an is_key change. Dependents are kept.
	KeyToggled(ctx context.Context, workflowID uuid.UUID, name string, isKey bool) error
	// RefreshRowCounts re-evaluates the number of rows each condition selects.
	RefreshRowCounts(ctx context.Context, workflowID uuid.UUID) error
}

type propagator struct {
	repos  *Repositories
	logger *zap.Logger
}

// NewPropagator creates the dependency propagator.
func NewPropagator(repos *Repositories, logger *zap.Logger) Propagator {
	return &propagator{
		repos:  repos,
		logger: logger.Named("propagator"),
	}
}

var _ Propagator = (*propagator)(nil)

func (p *propagator) ColumnRenamed(ctx context.Context, workflowID uuid.UUID, oldName, newName string) error {
	conditions, err := p.repos.Conditions.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to list conditions: %w", err)
	}
	for _, c := range conditions {
		if c.Formula == nil || c.Formula.RenameVariable(oldName, newName) == 0 {
			continue
		}
		if err := p.repos.Conditions.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to update condition %s: %w", c.Name, err)
		}
	}

	views, err := p.repos.Views.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to list views: %w", err)
	}
	for _, v := range views {
		if v.Filter == nil || v.Filter.RenameVariable(oldName, newName) == 0 {
			continue
		}
		if err := p.repos.Views.Update(ctx, v); err != nil {
			return fmt.Errorf("failed to update view %s: %w", v.Name, err)
		}
	}

	actions, err := p.repos.Actions.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to list actions: %w", err)
	}
	for _, a := range actions {
		text := formula.RenameTemplateVariable(a.TextContent, oldName, newName)
		if text == a.TextContent {
			continue
		}
		a.TextContent = text
		if err := p.repos.Actions.Update(ctx, a); err != nil {
			return fmt.Errorf("failed to update action %s: %w", a.Name, err)
		}
	}

	p.logger.Debug("Propagated column rename",
		zap.String("workflow_id", workflowID.String()),
		zap.String("old_name", oldName),
		zap.String("new_name", newName))
	return nil
}

func (p *propagator) ColumnDeleted(ctx context.Context, workflowID uuid.UUID, col *models.Column) error {
	conditions, err := p.repos.Conditions.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to list conditions: %w", err)
	}
	removed := 0
	for _, c := range conditions {
		if c.Formula == nil || !c.Formula.HasVariable(col.Name) {
			continue
		}
		if err := p.repos.Conditions.Delete(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to delete condition %s: %w", c.Name, err)
		}
		removed++
	}

	views, err := p.repos.Views.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to list views: %w", err)
	}
	for _, v := range views {
		changed := v.RemoveColumn(col.ID)
		if v.Filter != nil && v.Filter.HasVariable(col.Name) {
			v.Filter = nil
			changed = true
		}
		if !changed {
			continue
		}
		if len(v.ColumnIDs) == 0 {
			if err := p.repos.Views.Delete(ctx, v.ID); err != nil {
				return fmt.Errorf("failed to delete view %s: %w", v.Name, err)
			}
			continue
		}
		if err := p.repos.Views.Update(ctx, v); err != nil {
			return fmt.Errorf("failed to update view %s: %w", v.Name, err)
		}
	}

	p.logger.Debug("Propagated column delete",
		zap.String("workflow_id", workflowID.String()),
		zap.String("column", col.Name),
		zap.Int("conditions_removed", removed))
	return nil
}

func (p *propagator) KeyToggled(_ context.Context, workflowID uuid.UUID, name string, isKey bool) error {
	p.logger.Debug("Key flag changed, dependents kept",
		zap.String("workflow_id", workflowID.String()),
		zap.String("column", name),
		zap.Bool("is_key", isKey))
	return nil
}

func (p *propagator) RefreshRowCounts(ctx context.Context, workflowID uuid.UUID) error {
	conditions, err := p.repos.Conditions.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to list conditions: %w", err)
	}
	if len(conditions) == 0 {
		return nil
	}

	rows, err := p.frameRows(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, c := range conditions {
		n, err := c.Formula.Count(rows)
		if err != nil {
			// A formula that no longer evaluates keeps its previous count.
			p.logger.Warn("Failed to evaluate condition",
				zap.String("condition", c.Name),
				zap.Error(err))
			continue
		}
		if n == c.NRowsSelected {
			continue
		}
		c.NRowsSelected = n
		if err := p.repos.Conditions.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to update condition %s: %w", c.Name, err)
		}
	}
	return nil
}

func (p *propagator) frameRows(ctx context.Context, workflowID uuid.UUID) ([]map[string]any, error) {
	f, err := p.repos.Frames.Load(ctx, repositories.DataTable(workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to load frame: %w", err)
	}
	if f == nil {
		return nil, nil
	}
	rows := make([]map[string]any, f.NumRows())
	for i := range rows {
		rows[i] = f.Row(i)
	}
	return rows, nil
}
