package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// ColumnDescriptor is the input of the add-column operations.
type ColumnDescriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Type        models.ColumnType `json:"type"`
	IsKey       bool              `json:"is_key"`
	Categories  []any             `json:"categories,omitempty"`
	// Position is 1-based; zero appends the column.
	Position int `json:"position,omitempty"`
}

// ColumnUpdate carries the fields of a column edit. Nil fields are kept.
type ColumnUpdate struct {
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
	Type        *models.ColumnType `json:"type,omitempty"`
	Position    *int               `json:"position,omitempty"`
	Categories  *[]any             `json:"categories,omitempty"`
}

// SchemaCatalog owns the column metadata of a workflow and keeps it
// consistent with the frame.
type SchemaCatalog interface {
	ListColumns(ctx context.Context, workflowID uuid.UUID) ([]*models.Column, error)
	GetColumn(ctx context.Context, workflowID uuid.UUID, name string) (*models.Column, error)

	// AddColumn adds a column whose cells are null.
	AddColumn(ctx context.Context, workflowID uuid.UUID, desc ColumnDescriptor) (*models.Column, error)
	// AddColumnWithValue adds a column filled with value.
	AddColumnWithValue(ctx context.Context, workflowID uuid.UUID, desc ColumnDescriptor, value any) (*models.Column, error)
	// AddFormulaColumn appends a column holding a row-wise aggregate of operands.
	AddFormulaColumn(ctx context.Context, workflowID uuid.UUID, desc ColumnDescriptor, op string, operands []string) (*models.Column, error)
	// AddRandomColumn appends a column whose cells take values, or 1..count,
	// spread uniformly at random over the rows.
	AddRandomColumn(ctx context.Context, workflowID uuid.UUID, desc ColumnDescriptor, values []any, count int) (*models.Column, error)

	RenameColumn(ctx context.Context, workflowID uuid.UUID, oldName, newName string) error
	// RetypeColumn always fails: a type change is a delete followed by an add.
	RetypeColumn(ctx context.Context, workflowID uuid.UUID, name string, typ models.ColumnType) error
	TogglePrimary(ctx context.Context, workflowID uuid.UUID, name string, isKey bool) error
	// Reposition moves a column to position (clamped to 1..ncols).
	Reposition(ctx context.Context, workflowID uuid.UUID, name string, position int) error
	SetCategories(ctx context.Context, workflowID uuid.UUID, name string, values []any) error
	UpdateColumn(ctx context.Context, workflowID uuid.UUID, name string, update ColumnUpdate) (*models.Column, error)
	DeleteColumn(ctx context.Context, workflowID uuid.UUID, name string) error
	// CloneColumn appends a copy of the column. An empty newName becomes
	// Copy_of_<name>, repeated until unique.
	CloneColumn(ctx context.Context, workflowID uuid.UUID, name, newName string) (*models.Column, error)
}

type schemaCatalog struct {
	writeGate
	frames     FrameStore
	propagator Propagator
	shuffle    func(n int, swap func(i, j int))
	logger     *zap.Logger
}

// NewSchemaCatalog creates the schema catalog service.
func NewSchemaCatalog(tx Transactor, leases LeaseManager, repos *Repositories, frames FrameStore, propagator Propagator, logger *zap.Logger) SchemaCatalog {
	return &schemaCatalog{
		writeGate:  writeGate{tx: tx, leases: leases, repos: repos},
		frames:     frames,
		propagator: propagator,
		shuffle:    rand.Shuffle,
		logger:     logger.Named("schema-catalog"),
	}
}

var _ SchemaCatalog = (*schemaCatalog)(nil)

func (s *schemaCatalog) ListColumns(ctx context.Context, workflowID uuid.UUID) ([]*models.Column, error) {
	if _, err := s.read(ctx, workflowID); err != nil {
		return nil, err
	}
	columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	return columns, nil
}

func (s *schemaCatalog) GetColumn(ctx context.Context, workflowID uuid.UUID, name string) (*models.Column, error) {
	if _, err := s.read(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.column(ctx, workflowID, name)
}

func (s *schemaCatalog) AddColumn(ctx context.Context, workflowID uuid.UUID, desc ColumnDescriptor) (*models.Column, error) {
	return s.AddColumnWithValue(ctx, workflowID, desc, nil)
}

func (s *schemaCatalog) AddColumnWithValue(ctx context.Context, workflowID uuid.UUID, desc ColumnDescriptor, value any) (*models.Column, error) {
	var created *models.Column
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		col, err := newColumn(wf, columns, desc)
		if err != nil {
			return err
		}
		v, err := coerceCell(col, value)
		if err != nil {
			return apperrors.FieldValidation("initial_value", "%v", err)
		}
		if col.IsKey && (wf.NRows > 1 || (wf.NRows == 1 && v == nil)) {
			return apperrors.FieldValidation("is_key", "a column filled with one value cannot be a key")
		}

		if err := s.frames.AddColumnWithDefault(ctx, workflowID, col.Name, col.Type, v); err != nil {
			return err
		}
		if err := s.insertColumn(ctx, col, len(columns)); err != nil {
			return err
		}
		if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
			return err
		}
		created = col
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Added column",
		zap.String("workflow_id", workflowID.String()),
		zap.String("column", created.Name),
		zap.String("type", string(created.Type)))
	return created, nil
}

func (s *schemaCatalog) AddFormulaColumn(ctx context.Context, workflowID uuid.UUID, desc ColumnDescriptor, op string, operands []string) (*models.Column, error) {
	resultType, err := models.AggregateResultType(op)
	if err != nil {
		return nil, apperrors.FieldValidation("op", "%v", err)
	}
	if len(operands) == 0 {
		return nil, apperrors.FieldValidation("operands", "at least one operand column is required")
	}
	desc.Type = resultType
	desc.IsKey = false
	desc.Categories = nil
	desc.Position = 0

	var created *models.Column
	err = s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		for _, name := range operands {
			c := models.FindColumn(columns, name)
			if c == nil {
				return apperrors.FieldValidation("operands", "column %s does not exist", name)
			}
			boolOp := op == models.AggAll || op == models.AggAny
			if boolOp && c.Type != models.TypeBoolean {
				return apperrors.FieldValidation("operands", "operation %s needs boolean columns; %s is %s", op, name, c.Type)
			}
			if !boolOp && !c.Type.IsNumeric() && c.Type != models.TypeBoolean {
				return apperrors.FieldValidation("operands", "operation %s needs numeric columns; %s is %s", op, name, c.Type)
			}
		}
		col, err := newColumn(wf, columns, desc)
		if err != nil {
			return err
		}
		err = s.appendComputedColumn(ctx, wf, columns, col, func(f *models.Frame) ([]any, error) {
			idx := make([]int, len(operands))
			for i, name := range operands {
				idx[i] = f.ColumnIndex(name)
			}
			out := make([]any, f.NumRows())
			args := make([]any, len(idx))
			for r, row := range f.Rows {
				for i, j := range idx {
					args[i] = row[j]
				}
				v, err := models.Aggregate(op, args)
				if err != nil {
					return nil, apperrors.Validation("row %d: %v", r+1, err)
				}
				out[r] = v
			}
			return out, nil
		})
		if err != nil {
			return err
		}
		created = col
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *schemaCatalog) AddRandomColumn(ctx context.Context, workflowID uuid.UUID, desc ColumnDescriptor, values []any, count int) (*models.Column, error) {
	if !desc.Type.Valid() {
		return nil, apperrors.FieldValidation("type", "unknown column type %q", desc.Type)
	}
	if len(values) == 0 {
		if count <= 0 {
			return nil, apperrors.FieldValidation("values", "either values or a positive count is required")
		}
		for i := 1; i <= count; i++ {
			values = append(values, int64(i))
		}
	}
	desc.Categories = values
	desc.IsKey = false
	desc.Position = 0

	var created *models.Column
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		col, err := newColumn(wf, columns, desc)
		if err != nil {
			return err
		}
		err = s.appendComputedColumn(ctx, wf, columns, col, func(f *models.Frame) ([]any, error) {
			out := make([]any, f.NumRows())
			for i := range out {
				out[i] = col.Categories[i%len(col.Categories)]
			}
			s.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
			return out, nil
		})
		if err != nil {
			return err
		}
		created = col
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *schemaCatalog) RenameColumn(ctx context.Context, workflowID uuid.UUID, oldName, newName string) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		col, err := s.column(ctx, workflowID, oldName)
		if err != nil {
			return err
		}
		if err := s.rename(ctx, col, newName); err != nil {
			return err
		}
		return refreshWorkflow(ctx, s.repos, wf)
	})
}

func (s *schemaCatalog) RetypeColumn(ctx context.Context, workflowID uuid.UUID, name string, typ models.ColumnType) error {
	if _, err := s.GetColumn(ctx, workflowID, name); err != nil {
		return err
	}
	return apperrors.FieldValidation("type", "the type of column %s cannot be changed to %s; delete the column and add it again", name, typ)
}

func (s *schemaCatalog) TogglePrimary(ctx context.Context, workflowID uuid.UUID, name string, isKey bool) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		col := models.FindColumn(columns, name)
		if col == nil {
			return fmt.Errorf("column %s: %w", name, apperrors.ErrNotFound)
		}
		if col.IsKey == isKey {
			return nil
		}

		if isKey {
			if !col.Type.CanBeKey() {
				return apperrors.FieldValidation("is_key", "a %s column cannot be a key", col.Type)
			}
			if wf.NRows > 0 {
				unique, err := s.frames.IsUnique(ctx, workflowID, name)
				if err != nil {
					return err
				}
				if !unique {
					return apperrors.FieldValidation("is_key", "column %s has null or repeated values", name)
				}
			}
		} else if len(models.KeyColumns(columns)) < 2 {
			return apperrors.FieldValidation("is_key", "column %s is the only key column", name)
		}

		col.IsKey = isKey
		if err := s.repos.Columns.Update(ctx, col); err != nil {
			return fmt.Errorf("failed to update column: %w", err)
		}
		if err := s.propagator.KeyToggled(ctx, workflowID, name, isKey); err != nil {
			return err
		}
		return refreshWorkflow(ctx, s.repos, wf)
	})
}

func (s *schemaCatalog) Reposition(ctx context.Context, workflowID uuid.UUID, name string, position int) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		col, err := s.column(ctx, workflowID, name)
		if err != nil {
			return err
		}
		if err := s.reposition(ctx, wf, col, position); err != nil {
			return err
		}
		return refreshWorkflow(ctx, s.repos, wf)
	})
}

func (s *schemaCatalog) SetCategories(ctx context.Context, workflowID uuid.UUID, name string, values []any) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		col, err := s.column(ctx, workflowID, name)
		if err != nil {
			return err
		}
		if err := s.setCategories(ctx, wf, col, values); err != nil {
			return err
		}
		return refreshWorkflow(ctx, s.repos, wf)
	})
}

func (s *schemaCatalog) UpdateColumn(ctx context.Context, workflowID uuid.UUID, name string, update ColumnUpdate) (*models.Column, error) {
	var updated *models.Column
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		col, err := s.column(ctx, workflowID, name)
		if err != nil {
			return err
		}
		if update.Type != nil && *update.Type != col.Type {
			return apperrors.FieldValidation("type", "the type of column %s cannot be changed", name)
		}
		if update.Name != nil {
			if err := s.rename(ctx, col, *update.Name); err != nil {
				return err
			}
		}
		if update.Description != nil && *update.Description != col.Description {
			col.Description = *update.Description
			if err := s.repos.Columns.Update(ctx, col); err != nil {
				return fmt.Errorf("failed to update column: %w", err)
			}
		}
		if update.Categories != nil {
			if err := s.setCategories(ctx, wf, col, *update.Categories); err != nil {
				return err
			}
		}
		if update.Position != nil {
			if err := s.reposition(ctx, wf, col, *update.Position); err != nil {
				return err
			}
		}
		if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
			return err
		}
		updated = col
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *schemaCatalog) DeleteColumn(ctx context.Context, workflowID uuid.UUID, name string) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		col := models.FindColumn(columns, name)
		if col == nil {
			return fmt.Errorf("column %s: %w", name, apperrors.ErrNotFound)
		}
		if col.IsKey && len(models.KeyColumns(columns)) == 1 {
			return apperrors.Validation("column %s is the only key column and cannot be deleted", name)
		}

		if err := s.frames.DropColumn(ctx, workflowID, name); err != nil {
			return err
		}
		if err := s.repos.Columns.Delete(ctx, col.ID); err != nil {
			return fmt.Errorf("failed to delete column: %w", err)
		}
		if err := s.repos.Columns.ShiftPositions(ctx, workflowID, col.Position+1, len(columns), -1); err != nil {
			return fmt.Errorf("failed to shift column positions: %w", err)
		}
		if err := s.propagator.ColumnDeleted(ctx, workflowID, col); err != nil {
			return err
		}
		if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
			return err
		}
		s.logger.Info("Deleted column",
			zap.String("workflow_id", workflowID.String()),
			zap.String("column", name))
		return nil
	})
}

func (s *schemaCatalog) CloneColumn(ctx context.Context, workflowID uuid.UUID, name, newName string) (*models.Column, error) {
	var created *models.Column
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		src := models.FindColumn(columns, name)
		if src == nil {
			return fmt.Errorf("column %s: %w", name, apperrors.ErrNotFound)
		}
		if newName == "" {
			newName = "Copy_of_" + name
			for models.FindColumn(columns, newName) != nil {
				newName = "Copy_of_" + newName
			}
		}
		col, err := newColumn(wf, columns, ColumnDescriptor{
			Name:        newName,
			Description: src.Description,
			Type:        src.Type,
			Categories:  src.Categories,
		})
		if err != nil {
			return err
		}
		err = s.appendComputedColumn(ctx, wf, columns, col, func(f *models.Frame) ([]any, error) {
			return f.Values(name), nil
		})
		if err != nil {
			return err
		}
		created = col
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *schemaCatalog) column(ctx context.Context, workflowID uuid.UUID, name string) (*models.Column, error) {
	col, err := s.repos.Columns.GetByName(ctx, workflowID, name)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("column %s: %w", name, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get column: %w", err)
	}
	return col, nil
}

// newColumn validates desc against the catalog and returns the entry to create.
func newColumn(wf *models.Workflow, columns []*models.Column, desc ColumnDescriptor) (*models.Column, error) {
	if err := models.ValidateColumnName(desc.Name); err != nil {
		return nil, apperrors.FieldValidation("name", "%v", err)
	}
	if models.FindColumn(columns, desc.Name) != nil {
		return nil, apperrors.FieldValidation("name", "column %s already exists", desc.Name)
	}
	if !desc.Type.Valid() {
		return nil, apperrors.FieldValidation("type", "unknown column type %q", desc.Type)
	}
	if desc.IsKey && !desc.Type.CanBeKey() {
		return nil, apperrors.FieldValidation("is_key", "a %s column cannot be a key", desc.Type)
	}
	categories, err := models.NormalizeCategories(desc.Type, desc.Categories)
	if err != nil {
		return nil, apperrors.FieldValidation("categories", "%v", err)
	}

	position := desc.Position
	if position <= 0 || position > len(columns)+1 {
		position = len(columns) + 1
	}
	return &models.Column{
		ID:          uuid.New(),
		WorkflowID:  wf.ID,
		Name:        desc.Name,
		Description: desc.Description,
		Type:        desc.Type,
		IsKey:       desc.IsKey,
		Position:    position,
		Categories:  categories,
	}, nil
}

// insertColumn opens a gap at col.Position and creates the entry.
func (s *schemaCatalog) insertColumn(ctx context.Context, col *models.Column, ncols int) error {
	if col.Position <= ncols {
		if err := s.repos.Columns.ShiftPositions(ctx, col.WorkflowID, col.Position, ncols, 1); err != nil {
			return fmt.Errorf("failed to shift column positions: %w", err)
		}
	}
	if err := s.repos.Columns.Create(ctx, col); err != nil {
		return fmt.Errorf("failed to create column: %w", err)
	}
	return nil
}

// appendComputedColumn appends col with one computed value per row and
// stores the frame.
func (s *schemaCatalog) appendComputedColumn(ctx context.Context, wf *models.Workflow, columns []*models.Column, col *models.Column, compute func(f *models.Frame) ([]any, error)) error {
	f, err := loadFrame(ctx, s.repos, wf, columns)
	if err != nil {
		return err
	}
	values, err := compute(f)
	if err != nil {
		return err
	}
	if err := f.SetColumnValues(models.FrameColumn{Name: col.Name, Type: col.Type}, values); err != nil {
		return apperrors.Invariant("%v", err)
	}

	col.Position = len(columns) + 1
	if err := s.repos.Columns.Create(ctx, col); err != nil {
		return fmt.Errorf("failed to create column: %w", err)
	}
	if err := checkFrameAgainstCatalog(f, append(columns, col)); err != nil {
		return err
	}
	if wf.HasTable() || f.NumRows() > 0 {
		if err := storeFrame(ctx, s.repos, wf, f); err != nil {
			return err
		}
	}
	if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
		return err
	}
	return s.propagator.RefreshRowCounts(ctx, wf.ID)
}

func (s *schemaCatalog) rename(ctx context.Context, col *models.Column, newName string) error {
	if newName == col.Name {
		return nil
	}
	if err := models.ValidateColumnName(newName); err != nil {
		return apperrors.FieldValidation("name", "%v", err)
	}
	if err := s.frames.RenameColumn(ctx, col.WorkflowID, col.Name, newName); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return apperrors.FieldValidation("name", "column %s already exists", newName)
		}
		return err
	}
	oldName := col.Name
	col.Name = newName
	if err := s.repos.Columns.Update(ctx, col); err != nil {
		return fmt.Errorf("failed to update column: %w", err)
	}
	return s.propagator.ColumnRenamed(ctx, col.WorkflowID, oldName, newName)
}

func (s *schemaCatalog) reposition(ctx context.Context, wf *models.Workflow, col *models.Column, position int) error {
	columns, err := s.repos.Columns.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to list columns: %w", err)
	}
	position = max(1, min(position, len(columns)))
	from := col.Position
	if position == from {
		return nil
	}

	if position < from {
		err = s.repos.Columns.ShiftPositions(ctx, wf.ID, position, from-1, 1)
	} else {
		err = s.repos.Columns.ShiftPositions(ctx, wf.ID, from+1, position, -1)
	}
	if err != nil {
		return fmt.Errorf("failed to shift column positions: %w", err)
	}
	col.Position = position
	if err := s.repos.Columns.Update(ctx, col); err != nil {
		return fmt.Errorf("failed to update column: %w", err)
	}
	return nil
}

func (s *schemaCatalog) setCategories(ctx context.Context, wf *models.Workflow, col *models.Column, values []any) error {
	categories, err := models.NormalizeCategories(col.Type, values)
	if err != nil {
		return apperrors.FieldValidation("categories", "%v", err)
	}
	if len(categories) > 0 && wf.HasTable() {
		f, err := s.repos.Frames.Select(ctx, repositories.DataTable(wf.ID), nil, []string{col.Name})
		if err != nil {
			return fmt.Errorf("failed to read column %s: %w", col.Name, err)
		}
		probe := &models.Column{Type: col.Type, Categories: categories}
		for _, v := range f.Values(col.Name) {
			if !probe.AllowsValue(v) {
				return apperrors.FieldValidation("categories", "value %v is present in column %s", v, col.Name)
			}
		}
	}
	col.Categories = categories
	if err := s.repos.Columns.Update(ctx, col); err != nil {
		return fmt.Errorf("failed to update column: %w", err)
	}
	return nil
}
