package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// FrameStore is the data contract of a workflow frame. Writes verify the
// lease, keep the frame consistent with the schema catalog and refresh the
// workflow counters.
type FrameStore interface {
	// LoadFrame returns the frame in catalog order. A workflow without data
	// yields the catalog header and no rows.
	LoadFrame(ctx context.Context, workflowID uuid.UUID) (*models.Frame, error)
	// StoreFrame replaces the frame. Its column names must equal the catalog's.
	StoreFrame(ctx context.Context, workflowID uuid.UUID, f *models.Frame) error

	// AddColumnWithDefault, DropColumn and RenameColumn change the frame
	// header only. Callers reconcile the catalog in the same transaction.
	AddColumnWithDefault(ctx context.Context, workflowID uuid.UUID, name string, typ models.ColumnType, value any) error
	DropColumn(ctx context.Context, workflowID uuid.UUID, name string) error
	RenameColumn(ctx context.Context, workflowID uuid.UUID, oldName, newName string) error

	// UpdateRow sets assignments on the single row where keyColumn equals keyValue.
	UpdateRow(ctx context.Context, workflowID uuid.UUID, keyColumn string, keyValue any, assignments map[string]any) error
	InsertRow(ctx context.Context, workflowID uuid.UUID, values map[string]any) error
	// DeleteRow removes the single row where keyColumn equals keyValue.
	DeleteRow(ctx context.Context, workflowID uuid.UUID, keyColumn string, keyValue any) error
	IsUnique(ctx context.Context, workflowID uuid.UUID, name string) (bool, error)
	// SelectRow returns the rows matching every pair, restricted to
	// projection or to every column when projection is empty.
	SelectRow(ctx context.Context, workflowID uuid.UUID, matches []repositories.Match, projection []string) (*models.Frame, error)

	ColumnStats(ctx context.Context, workflowID uuid.UUID, name string) (*models.ColumnStats, error)
	// Flush removes the frame and the whole schema with its views and
	// conditions. The workflow metadata is kept.
	Flush(ctx context.Context, workflowID uuid.UUID) error
}

type frameStore struct {
	writeGate
	propagator Propagator
	logger     *zap.Logger
}

// NewFrameStore creates the frame store service.
func NewFrameStore(tx Transactor, leases LeaseManager, repos *Repositories, propagator Propagator, logger *zap.Logger) FrameStore {
	return &frameStore{
		writeGate:  writeGate{tx: tx, leases: leases, repos: repos},
		propagator: propagator,
		logger:     logger.Named("frame-store"),
	}
}

var _ FrameStore = (*frameStore)(nil)

func (s *frameStore) LoadFrame(ctx context.Context, workflowID uuid.UUID) (*models.Frame, error) {
	wf, err := s.read(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	return loadFrame(ctx, s.repos, wf, columns)
}

func (s *frameStore) StoreFrame(ctx context.Context, workflowID uuid.UUID, f *models.Frame) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		stored := f.Clone()
		if err := checkFrameAgainstCatalog(stored, columns); err != nil {
			return err
		}
		if err := storeFrame(ctx, s.repos, wf, stored); err != nil {
			return err
		}
		if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
			return err
		}
		return s.propagator.RefreshRowCounts(ctx, workflowID)
	})
}

// storeFrame writes f as the data table of wf and records the table name.
func storeFrame(ctx context.Context, repos *Repositories, wf *models.Workflow, f *models.Frame) error {
	table := repositories.DataTable(wf.ID)
	if err := repos.Frames.Store(ctx, table, f); err != nil {
		return fmt.Errorf("failed to store frame: %w", err)
	}
	wf.DataTable = table.Name()
	return nil
}

func (s *frameStore) AddColumnWithDefault(ctx context.Context, workflowID uuid.UUID, name string, typ models.ColumnType, value any) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if err := models.ValidateColumnName(name); err != nil {
			return apperrors.FieldValidation("name", "%v", err)
		}
		if !typ.Valid() {
			return apperrors.FieldValidation("type", "unknown column type %q", typ)
		}
		coerced, err := typ.Coerce(value)
		if err != nil {
			return apperrors.FieldValidation("initial_value", "%v", err)
		}
		if existing, err := s.repos.Columns.GetByName(ctx, workflowID, name); err == nil && existing != nil {
			return apperrors.FieldValidation("name", "column %s already exists", name)
		}
		if !wf.HasTable() {
			return nil
		}
		if err := s.repos.Frames.AddColumn(ctx, repositories.DataTable(workflowID), models.FrameColumn{Name: name, Type: typ}, coerced); err != nil {
			return fmt.Errorf("failed to add column %s: %w", name, err)
		}
		return nil
	})
}

func (s *frameStore) DropColumn(ctx context.Context, workflowID uuid.UUID, name string) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if _, err := s.repos.Columns.GetByName(ctx, workflowID, name); err != nil {
			return fmt.Errorf("column %s: %w", name, err)
		}
		if !wf.HasTable() {
			return nil
		}
		if err := s.repos.Frames.DropColumn(ctx, repositories.DataTable(workflowID), name); err != nil {
			return fmt.Errorf("failed to drop column %s: %w", name, err)
		}
		return nil
	})
}

func (s *frameStore) RenameColumn(ctx context.Context, workflowID uuid.UUID, oldName, newName string) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if _, err := s.repos.Columns.GetByName(ctx, workflowID, oldName); err != nil {
			return fmt.Errorf("column %s: %w", oldName, err)
		}
		if oldName == newName {
			return nil
		}
		if existing, err := s.repos.Columns.GetByName(ctx, workflowID, newName); err == nil && existing != nil {
			return fmt.Errorf("column %q already exists: %w", newName, apperrors.ErrConflict)
		}
		if !wf.HasTable() {
			return nil
		}
		if err := s.repos.Frames.RenameColumn(ctx, repositories.DataTable(workflowID), oldName, newName); err != nil {
			return fmt.Errorf("failed to rename column %s: %w", oldName, err)
		}
		return nil
	})
}

func (s *frameStore) UpdateRow(ctx context.Context, workflowID uuid.UUID, keyColumn string, keyValue any, assignments map[string]any) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		key, err := s.locateRow(ctx, wf, columns, keyColumn, keyValue)
		if err != nil {
			return err
		}
		if len(assignments) == 0 {
			return apperrors.FieldValidation("assignments", "nothing to update")
		}

		table := repositories.DataTable(workflowID)
		sets := make([]repositories.Assignment, 0, len(assignments))
		for _, name := range sortedKeys(assignments) {
			col := models.FindColumn(columns, name)
			if col == nil {
				return apperrors.FieldValidation(name, "column %s does not exist", name)
			}
			v, err := coerceCell(col, assignments[name])
			if err != nil {
				return err
			}
			if col.IsKey {
				if err := s.checkKeyValue(ctx, table, col, v, key); err != nil {
					return err
				}
			}
			sets = append(sets, repositories.Assignment{Column: name, Value: v})
		}

		if _, err := s.repos.Frames.UpdateRows(ctx, table, []repositories.Match{key}, sets); err != nil {
			return fmt.Errorf("failed to update row: %w", err)
		}
		return s.finishRowWrite(ctx, wf)
	})
}

func (s *frameStore) InsertRow(ctx context.Context, workflowID uuid.UUID, values map[string]any) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		if len(columns) == 0 {
			return apperrors.Validation("the workflow has no columns")
		}
		for name := range values {
			if models.FindColumn(columns, name) == nil {
				return apperrors.FieldValidation(name, "column %s does not exist", name)
			}
		}

		table := repositories.DataTable(workflowID)
		row := make([]repositories.Assignment, 0, len(columns))
		for _, col := range columns {
			v, err := coerceCell(col, values[col.Name])
			if err != nil {
				return err
			}
			if col.IsKey {
				if v == nil {
					return apperrors.FieldValidation(col.Name, "key column %s requires a value", col.Name)
				}
				if wf.HasTable() {
					if err := s.checkKeyValue(ctx, table, col, v, repositories.Match{}); err != nil {
						return err
					}
				}
			}
			row = append(row, repositories.Assignment{Column: col.Name, Value: v})
		}

		if !wf.HasTable() {
			f := models.NewFrame(models.FrameHeader(columns)...)
			if err := storeFrame(ctx, s.repos, wf, f); err != nil {
				return err
			}
		}
		if err := s.repos.Frames.InsertRow(ctx, table, row); err != nil {
			return fmt.Errorf("failed to insert row: %w", err)
		}
		return s.finishRowWrite(ctx, wf)
	})
}

func (s *frameStore) DeleteRow(ctx context.Context, workflowID uuid.UUID, keyColumn string, keyValue any) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		key, err := s.locateRow(ctx, wf, columns, keyColumn, keyValue)
		if err != nil {
			return err
		}
		if _, err := s.repos.Frames.DeleteRows(ctx, repositories.DataTable(workflowID), []repositories.Match{key}); err != nil {
			return fmt.Errorf("failed to delete row: %w", err)
		}
		return s.finishRowWrite(ctx, wf)
	})
}

func (s *frameStore) IsUnique(ctx context.Context, workflowID uuid.UUID, name string) (bool, error) {
	wf, err := s.read(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if _, err := s.repos.Columns.GetByName(ctx, workflowID, name); err != nil {
		return false, fmt.Errorf("column %s: %w", name, err)
	}
	if !wf.HasTable() {
		return true, nil
	}
	return s.repos.Frames.IsUnique(ctx, repositories.DataTable(workflowID), name)
}

func (s *frameStore) SelectRow(ctx context.Context, workflowID uuid.UUID, matches []repositories.Match, projection []string) (*models.Frame, error) {
	wf, err := s.read(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}

	if len(projection) == 0 {
		for _, c := range columns {
			projection = append(projection, c.Name)
		}
	}
	header := make([]models.FrameColumn, len(projection))
	for i, name := range projection {
		col := models.FindColumn(columns, name)
		if col == nil {
			return nil, apperrors.FieldValidation("projection", "column %s does not exist", name)
		}
		header[i] = models.FrameColumn{Name: name, Type: col.Type}
	}

	coerced := make([]repositories.Match, len(matches))
	for i, m := range matches {
		col := models.FindColumn(columns, m.Column)
		if col == nil {
			return nil, apperrors.FieldValidation("keys", "column %s does not exist", m.Column)
		}
		v, err := col.Type.Coerce(m.Value)
		if err != nil {
			return nil, apperrors.FieldValidation(m.Column, "%v", err)
		}
		coerced[i] = repositories.Match{Column: m.Column, Value: v}
	}

	if !wf.HasTable() {
		return models.NewFrame(header...), nil
	}
	f, err := s.repos.Frames.Select(ctx, repositories.DataTable(workflowID), coerced, projection)
	if err != nil {
		return nil, fmt.Errorf("failed to select rows: %w", err)
	}
	return f, nil
}

func (s *frameStore) ColumnStats(ctx context.Context, workflowID uuid.UUID, name string) (*models.ColumnStats, error) {
	wf, err := s.read(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	col, err := s.repos.Columns.GetByName(ctx, workflowID, name)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", name, err)
	}
	var values []any
	if wf.HasTable() {
		f, err := s.repos.Frames.Select(ctx, repositories.DataTable(workflowID), nil, []string{name})
		if err != nil {
			return nil, fmt.Errorf("failed to read column %s: %w", name, err)
		}
		values = f.Values(name)
	}
	return models.ComputeColumnStats(name, col.Type, values), nil
}

func (s *frameStore) Flush(ctx context.Context, workflowID uuid.UUID) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if err := s.repos.Frames.Drop(ctx, repositories.DataTable(workflowID)); err != nil {
			return fmt.Errorf("failed to drop frame: %w", err)
		}
		if err := s.repos.Conditions.DeleteByWorkflow(ctx, workflowID); err != nil {
			return fmt.Errorf("failed to delete conditions: %w", err)
		}
		if err := s.repos.Views.DeleteByWorkflow(ctx, workflowID); err != nil {
			return fmt.Errorf("failed to delete views: %w", err)
		}
		if err := s.repos.Columns.DeleteByWorkflow(ctx, workflowID); err != nil {
			return fmt.Errorf("failed to delete columns: %w", err)
		}
		wf.DataTable = ""
		if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
			return err
		}
		s.logger.Info("Flushed workflow", zap.String("workflow_id", workflowID.String()))
		return nil
	})
}

// locateRow returns the match of the single row where keyColumn equals keyValue.
func (s *frameStore) locateRow(ctx context.Context, wf *models.Workflow, columns []*models.Column, keyColumn string, keyValue any) (repositories.Match, error) {
	col := models.FindColumn(columns, keyColumn)
	if col == nil {
		return repositories.Match{}, apperrors.FieldValidation("key", "column %s does not exist", keyColumn)
	}
	v, err := col.Type.Coerce(keyValue)
	if err != nil {
		return repositories.Match{}, apperrors.FieldValidation("value", "%v", err)
	}
	if v == nil {
		return repositories.Match{}, apperrors.FieldValidation("value", "a key value is required")
	}
	if !wf.HasTable() {
		return repositories.Match{}, fmt.Errorf("row %s=%v: %w", keyColumn, keyValue, apperrors.ErrNotFound)
	}

	key := repositories.Match{Column: keyColumn, Value: v}
	found, err := s.repos.Frames.Select(ctx, repositories.DataTable(wf.ID), []repositories.Match{key}, []string{keyColumn})
	if err != nil {
		return repositories.Match{}, fmt.Errorf("failed to locate row: %w", err)
	}
	switch found.NumRows() {
	case 0:
		return repositories.Match{}, fmt.Errorf("row %s=%v: %w", keyColumn, keyValue, apperrors.ErrNotFound)
	case 1:
		return key, nil
	}
	return repositories.Match{}, apperrors.FieldValidation("key", "%d rows have %s=%v; the column does not identify a single row", found.NumRows(), keyColumn, keyValue)
}

// checkKeyValue rejects a key value that is null or already used by a row
// other than the one identified by self.
func (s *frameStore) checkKeyValue(ctx context.Context, table repositories.FrameTable, col *models.Column, v any, self repositories.Match) error {
	if v == nil {
		return apperrors.FieldValidation(col.Name, "key column %s requires a value", col.Name)
	}
	projection := []string{col.Name}
	if self.Column != "" {
		projection = []string{self.Column}
	}
	found, err := s.repos.Frames.Select(ctx, table, []repositories.Match{{Column: col.Name, Value: v}}, projection)
	if err != nil {
		return fmt.Errorf("failed to check key column %s: %w", col.Name, err)
	}
	for _, row := range found.Rows {
		if self.Column != "" && models.ValuesEqual(row[0], self.Value) {
			continue
		}
		return apperrors.FieldValidation(col.Name, "value %v is already used in key column %s", v, col.Name)
	}
	return nil
}

func (s *frameStore) finishRowWrite(ctx context.Context, wf *models.Workflow) error {
	if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
		return err
	}
	return s.propagator.RefreshRowCounts(ctx, wf.ID)
}

// coerceCell converts a wire value for col and enforces its categories.
func coerceCell(col *models.Column, value any) (any, error) {
	v, err := col.Type.Coerce(value)
	if err != nil {
		return nil, apperrors.FieldValidation(col.Name, "%v", err)
	}
	if !col.AllowsValue(v) {
		return nil, apperrors.FieldValidation(col.Name, "value %v is not one of the allowed categories", value)
	}
	return v, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
