package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/formula"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// queryBuilderFilter describes one column to the condition editor.
type queryBuilderFilter struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Type   string `json:"type"`
	Input  string `json:"input,omitempty"`
	Values []any  `json:"values,omitempty"`
}

// buildQueryBuilderOps derives the editor hints for the catalog.
func buildQueryBuilderOps(columns []*models.Column) (json.RawMessage, error) {
	filters := make([]queryBuilderFilter, 0, len(columns))
	for _, c := range columns {
		f := queryBuilderFilter{ID: c.Name, Label: c.Name, Type: string(c.Type)}
		switch {
		case c.HasCategories():
			f.Input = "select"
			f.Values = c.Categories
		case c.Type == models.TypeBoolean:
			f.Input = "radio"
			f.Values = []any{true, false}
		}
		filters = append(filters, f)
	}
	data, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query builder ops: %w", err)
	}
	return data, nil
}

// refreshWorkflow re-derives the counters and editor hints of wf from the
// catalog and the frame, checks the schema invariants and persists wf.
// An InvariantError aborts the enclosing transaction.
func refreshWorkflow(ctx context.Context, repos *Repositories, wf *models.Workflow) error {
	columns, err := repos.Columns.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to list columns: %w", err)
	}

	for i, c := range columns {
		if c.Position != i+1 {
			return apperrors.Invariant("column positions are not dense: %s is at %d, expected %d", c.Name, c.Position, i+1)
		}
	}

	nrows := 0
	if wf.HasTable() {
		table := repositories.DataTable(wf.ID)
		nrows, err = repos.Frames.CountRows(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to count rows: %w", err)
		}
		for _, c := range models.KeyColumns(columns) {
			unique, err := repos.Frames.IsUnique(ctx, table, c.Name)
			if err != nil {
				return fmt.Errorf("failed to check key column %s: %w", c.Name, err)
			}
			if !unique {
				return apperrors.Invariant("key column %s has null or repeated values", c.Name)
			}
		}
	}
	if nrows > 0 && len(models.KeyColumns(columns)) == 0 {
		return apperrors.Invariant("the workflow has data but no key column")
	}

	ops, err := buildQueryBuilderOps(columns)
	if err != nil {
		return err
	}

	wf.NCols = len(columns)
	wf.NRows = nrows
	wf.QueryBuilderOps = ops
	if err := repos.Workflows.Update(ctx, wf); err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return nil
}

// checkFrameAgainstCatalog verifies a frame about to be stored: the name
// sets agree, values coerce to the declared types, keys are unique and
// category restrictions hold. The frame header takes the catalog types.
func checkFrameAgainstCatalog(f *models.Frame, columns []*models.Column) error {
	if len(f.Columns) != len(columns) {
		return apperrors.Validation("the data has %d columns but the workflow has %d", len(f.Columns), len(columns))
	}
	if dups := models.DuplicateColumnNames(f.ColumnNames()); len(dups) > 0 {
		return apperrors.Validation("the data repeats column %s", dups[0])
	}
	for i, fc := range f.Columns {
		c := models.FindColumn(columns, fc.Name)
		if c == nil {
			return apperrors.Validation("column %s is not in the workflow", fc.Name)
		}
		f.Columns[i].Type = c.Type
	}
	if err := f.Coerce(); err != nil {
		return apperrors.Validation("%v", err)
	}
	for _, c := range columns {
		if c.IsKey && f.NumRows() > 0 && !f.IsUnique(c.Name) {
			return apperrors.Validation("key column %s must have unique, non-empty values", c.Name)
		}
		if c.HasCategories() {
			for _, v := range f.Values(c.Name) {
				if !c.AllowsValue(v) {
					return apperrors.Validation("value %v is not one of the categories of column %s", v, c.Name)
				}
			}
		}
	}
	return nil
}

// checkFormula validates a predicate and requires every variable to be a
// column of the workflow. field names the offending input.
func checkFormula(field string, node *formula.Node, columns []*models.Column) error {
	if node == nil {
		return nil
	}
	if err := node.Validate(); err != nil {
		return apperrors.FieldValidation(field, "%v", err)
	}
	for _, v := range node.Variables() {
		if models.FindColumn(columns, v) == nil {
			return apperrors.FieldValidation(field, "the formula uses column %s, which is not in the workflow", v)
		}
	}
	return nil
}
