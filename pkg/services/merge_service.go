package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/merge"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// BulkMergeRequest is the single-call form of a merge. Source columns
// are uploaded under their own names unless Columns selects a subset.
type BulkMergeRequest struct {
	SrcKey    string           `json:"src_selected_key"`
	DstKey    string           `json:"dst_selected_key"`
	How       models.HowMerge  `json:"how_merge"`
	DupPolicy models.DupPolicy `json:"how_dup_columns"`
	Columns   []string         `json:"columns,omitempty"`
}

// MergeService persists merges atomically: the frame, the new catalog
// entries, the workflow counters and the condition counts change together.
type MergeService interface {
	// Commit merges src into the workflow following params.
	Commit(ctx context.Context, workflowID uuid.UUID, src *models.Frame, params models.MergeParams) (*merge.Result, error)
	// MergeFrame derives the merge parameters from req and commits.
	MergeFrame(ctx context.Context, workflowID uuid.UUID, src *models.Frame, req BulkMergeRequest) (*merge.Result, error)
	// ReplaceTable replaces the frame and the schema with f. Existing columns
	// keep their type; columns missing from f are deleted with their
	// dependents. keys, when given, sets the key flags.
	ReplaceTable(ctx context.Context, workflowID uuid.UUID, f *models.Frame, keys []string) error
}

type mergeService struct {
	writeGate
	propagator Propagator
	logger     *zap.Logger
}

// NewMergeService creates the merge service.
func NewMergeService(tx Transactor, leases LeaseManager, repos *Repositories, propagator Propagator, logger *zap.Logger) MergeService {
	return &mergeService{
		writeGate:  writeGate{tx: tx, leases: leases, repos: repos},
		propagator: propagator,
		logger:     logger.Named("merge-service"),
	}
}

var _ MergeService = (*mergeService)(nil)

func (s *mergeService) Commit(ctx context.Context, workflowID uuid.UUID, src *models.Frame, params models.MergeParams) (*merge.Result, error) {
	if src == nil || src.IsEmpty() {
		return nil, apperrors.Validation("the source has no columns")
	}

	var result *merge.Result
	// A started merge completes even if the request goes away.
	ctx = context.WithoutCancel(ctx)
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		dst, err := loadFrame(ctx, s.repos, wf, columns)
		if err != nil {
			return err
		}

		r, err := merge.Merge(dst, columns, src, params)
		if err != nil {
			return err
		}

		for _, nc := range r.NewColumns {
			col := &models.Column{
				ID:         uuid.New(),
				WorkflowID: workflowID,
				Name:       nc.Name,
				Type:       nc.Type,
				IsKey:      nc.IsKey,
				Position:   len(columns) + 1,
			}
			if err := s.repos.Columns.Create(ctx, col); err != nil {
				return fmt.Errorf("failed to create column %s: %w", nc.Name, err)
			}
			columns = append(columns, col)
		}

		if err := checkFrameAgainstCatalog(r.Frame, columns); err != nil {
			return err
		}
		if err := storeFrame(ctx, s.repos, wf, r.Frame); err != nil {
			return err
		}
		if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
			return err
		}
		if err := s.propagator.RefreshRowCounts(ctx, workflowID); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Merged data",
		zap.String("workflow_id", workflowID.String()),
		zap.String("how", string(params.How)),
		zap.Int("rows", result.Frame.NumRows()),
		zap.Int("new_columns", len(result.NewColumns)),
		zap.Int("overridden", len(result.Overridden)))
	return result, nil
}

func (s *mergeService) MergeFrame(ctx context.Context, workflowID uuid.UUID, src *models.Frame, req BulkMergeRequest) (*merge.Result, error) {
	if src == nil || src.IsEmpty() {
		return nil, apperrors.Validation("the source has no columns")
	}
	if dups := models.DuplicateColumnNames(src.ColumnNames()); len(dups) > 0 {
		return nil, apperrors.Validation("the source repeats column %s", dups[0])
	}

	names := src.ColumnNames()
	kept := make([]bool, len(names))
	if len(req.Columns) == 0 {
		for i := range kept {
			kept[i] = true
		}
	} else {
		for _, name := range req.Columns {
			idx := src.ColumnIndex(name)
			if idx < 0 {
				return nil, apperrors.FieldValidation("columns", "column %s is not in the source", name)
			}
			kept[idx] = true
		}
		if idx := src.ColumnIndex(req.SrcKey); idx >= 0 {
			kept[idx] = true
		}
	}

	params := models.MergeParams{
		SrcKey:            req.SrcKey,
		DstKey:            req.DstKey,
		How:               req.How,
		DupPolicy:         req.DupPolicy,
		ColumnsToUpload:   kept,
		RenameColumnNames: names,
	}

	wf, err := s.read(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.NCols > 0 {
		if !req.How.Valid() {
			return nil, apperrors.FieldValidation("how_merge", "merge method must be one of left, right, outer or inner")
		}
		if !req.DupPolicy.Valid() {
			return nil, apperrors.FieldValidation("how_dup_columns", "duplicate policy must be override or rename")
		}
		if req.DupPolicy == models.DupRename {
			columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
			if err != nil {
				return nil, fmt.Errorf("failed to list columns: %w", err)
			}
			params.RenameColumnNames = autorenameColumns(columnNames(columns), names, kept, req.SrcKey)
		}
	}
	return s.Commit(ctx, workflowID, src, params)
}

func (s *mergeService) ReplaceTable(ctx context.Context, workflowID uuid.UUID, f *models.Frame, keys []string) error {
	if f == nil || f.IsEmpty() {
		return apperrors.Validation("the data has no columns")
	}
	if dups := models.DuplicateColumnNames(f.ColumnNames()); len(dups) > 0 {
		return apperrors.Validation("the data repeats column %s", dups[0])
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !f.HasColumn(k) {
			return apperrors.FieldValidation("keys", "column %s is not in the data", k)
		}
		keySet[k] = true
	}

	ctx = context.WithoutCancel(ctx)
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		existing, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}

		for _, col := range existing {
			if f.HasColumn(col.Name) {
				continue
			}
			if err := s.repos.Columns.Delete(ctx, col.ID); err != nil {
				return fmt.Errorf("failed to delete column %s: %w", col.Name, err)
			}
			if err := s.propagator.ColumnDeleted(ctx, workflowID, col); err != nil {
				return err
			}
		}

		columns := make([]*models.Column, 0, len(f.Columns))
		for i, fc := range f.Columns {
			col := models.FindColumn(existing, fc.Name)
			if col == nil {
				if err := models.ValidateColumnName(fc.Name); err != nil {
					return apperrors.FieldValidation("columns", "%v", err)
				}
				if !fc.Type.Valid() {
					return apperrors.FieldValidation(fc.Name, "unknown column type %q", fc.Type)
				}
				col = &models.Column{ID: uuid.New(), WorkflowID: workflowID, Name: fc.Name, Type: fc.Type}
			} else if fc.Type != "" && fc.Type != col.Type {
				return apperrors.FieldValidation(fc.Name, "the type of column %s cannot be changed from %s to %s", fc.Name, col.Type, fc.Type)
			}
			if len(keys) > 0 {
				col.IsKey = keySet[col.Name]
			}
			if col.IsKey && !col.Type.CanBeKey() {
				return apperrors.FieldValidation("keys", "a %s column cannot be a key", col.Type)
			}
			col.Position = i + 1
			columns = append(columns, col)
		}
		if f.NumRows() > 0 && len(models.KeyColumns(columns)) == 0 {
			return apperrors.FieldValidation("keys", "at least one key column is required")
		}

		for _, col := range columns {
			if models.FindColumn(existing, col.Name) == nil {
				err = s.repos.Columns.Create(ctx, col)
			} else {
				err = s.repos.Columns.Update(ctx, col)
			}
			if err != nil {
				return fmt.Errorf("failed to save column %s: %w", col.Name, err)
			}
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

// autorenameColumns gives each kept source column other than srcKey whose
// name collides with an existing column the smallest free _N suffix.
// The result has one entry per source column.
func autorenameColumns(existing, names []string, kept []bool, srcKey string) []string {
	current := make(map[string]bool, len(existing))
	taken := make(map[string]bool, len(existing)+len(names))
	for _, n := range existing {
		current[n] = true
		taken[n] = true
	}
	for i, n := range names {
		if kept[i] {
			taken[n] = true
		}
	}

	out := append([]string(nil), names...)
	for i, name := range names {
		if !kept[i] || name == srcKey || !current[name] {
			continue
		}
		for suffix := 1; ; suffix++ {
			candidate := fmt.Sprintf("%s_%d", name, suffix)
			if !taken[candidate] {
				out[i] = candidate
				taken[candidate] = true
				break
			}
		}
	}
	return out
}

func columnNames(columns []*models.Column) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}
