// Package merge combines a destination frame with a staged source frame.
// It is pure: callers persist the result and reconcile the schema catalog.
package merge

import (
	"strconv"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// NewColumn is a catalog entry to create for a source column that did not
// exist in the destination.
type NewColumn struct {
	Name  string            `json:"name"`
	Type  models.ColumnType `json:"type"`
	IsKey bool              `json:"is_key"`
}

// Result is the outcome of a successful merge.
type Result struct {
	Frame      *models.Frame `json:"-"`
	NewColumns []NewColumn   `json:"new_columns"`
	Overridden []string      `json:"overridden"`
}

// sourceColumn is one kept source column after renaming.
type sourceColumn struct {
	index    int
	name     string
	typ      models.ColumnType
	keepKey  bool
	isSrcKey bool
	// dstIndex is the destination column it overrides, or -1.
	dstIndex int
}

// rowPair aligns one output row with its origin rows; -1 means absent.
type rowPair struct {
	dst int
	src int
}

// Merge combines dst and src following params. dstColumns is the catalog of
// the destination workflow and provides key flags and categories.
func Merge(dst *models.Frame, dstColumns []*models.Column, src *models.Frame, params models.MergeParams) (*Result, error) {
	if dst.IsEmpty() {
		return FirstLoad(src, params)
	}
	if !params.How.Valid() {
		return nil, apperrors.FieldValidation("how_merge", "merge method must be one of left, right, outer or inner")
	}

	kept, err := restrictSource(src, params)
	if err != nil {
		return nil, err
	}

	dstKeyIdx := dst.ColumnIndex(params.DstKey)
	dstKeyCol := models.FindColumn(dstColumns, params.DstKey)
	if dstKeyIdx < 0 || dstKeyCol == nil {
		return nil, apperrors.FieldValidation("dst_selected_key", "column %s not found in current data frame", params.DstKey)
	}
	if !dstKeyCol.IsKey || !dst.IsUnique(params.DstKey) {
		return nil, apperrors.FieldValidation("dst_selected_key", "column %s is not a unique key", params.DstKey)
	}

	var srcKey *sourceColumn
	for i := range kept {
		if kept[i].name == params.SrcKey {
			srcKey = &kept[i]
		}
	}
	if srcKey == nil {
		return nil, apperrors.FieldValidation("src_selected_key", "column %s not found in new data frame", params.SrcKey)
	}
	srcKey.isSrcKey = true

	// Source key values take the type of the destination key.
	dstKeyType := dst.Columns[dstKeyIdx].Type
	srcKeys := make([]any, src.NumRows())
	for r, row := range src.Rows {
		v, err := dstKeyType.Coerce(row[srcKey.index])
		if err != nil {
			return nil, apperrors.FieldValidation("src_selected_key", "row %d: key value %v is not a valid %s: %v", r+1, row[srcKey.index], dstKeyType, err)
		}
		srcKeys[r] = v
	}
	if !models.IsUniqueValues(srcKeys) {
		return nil, apperrors.FieldValidation("src_selected_key", "column %s is not a unique key", params.SrcKey)
	}

	var overridden []string
	for i := range kept {
		c := &kept[i]
		c.dstIndex = dst.ColumnIndex(c.name)
		if c.dstIndex == dstKeyIdx && !c.isSrcKey {
			return nil, apperrors.FieldValidation(fieldAt("rename_column_names", c.index), "column %s takes the name of the key %s", c.name, params.DstKey)
		}
		if c.dstIndex < 0 || c.dstIndex == dstKeyIdx {
			continue
		}
		if !c.isSrcKey && params.DupPolicy != models.DupOverride {
			return nil, apperrors.FieldValidation("how_dup_columns", "column %s exists in the current data frame and must be renamed or overridden", c.name)
		}
		overridden = append(overridden, c.name)
	}

	pairs := alignRows(dst, dstKeyIdx, srcKeys, params.How)

	out := &models.Frame{
		Columns: append([]models.FrameColumn(nil), dst.Columns...),
		Rows:    make([][]any, len(pairs)),
	}
	var added []*sourceColumn
	for i := range kept {
		c := &kept[i]
		if c.dstIndex < 0 {
			out.Columns = append(out.Columns, models.FrameColumn{Name: c.name, Type: c.typ})
			added = append(added, c)
		}
	}

	for r, p := range pairs {
		row := make([]any, len(out.Columns))
		if p.dst >= 0 {
			copy(row, dst.Rows[p.dst])
		} else {
			row[dstKeyIdx] = srcKeys[p.src]
		}
		if p.src >= 0 {
			srcRow := src.Rows[p.src]
			for i := range kept {
				c := &kept[i]
				if c.dstIndex < 0 || c.dstIndex == dstKeyIdx {
					continue
				}
				// An override with null is still an override.
				v, err := dst.Columns[c.dstIndex].Type.Coerce(srcRow[c.index])
				if err != nil {
					return nil, apperrors.FieldValidation(c.name, "row %d: value %v cannot override a %s column: %v", p.src+1, srcRow[c.index], dst.Columns[c.dstIndex].Type, err)
				}
				row[c.dstIndex] = v
			}
			for j, c := range added {
				row[len(dst.Columns)+j] = srcRow[c.index]
			}
		}
		out.Rows[r] = row
	}

	if err := checkCategories(out, dstColumns); err != nil {
		return nil, err
	}

	result := &Result{Frame: out, Overridden: overridden}
	keys := 0
	for _, dc := range dstColumns {
		if !dc.IsKey {
			continue
		}
		keys++
		if out.NumRows() > 0 && !out.IsUnique(dc.Name) {
			return nil, apperrors.Invariant("key column %s is not unique after the merge", dc.Name)
		}
	}
	for _, c := range added {
		isKey := c.keepKey && c.typ.CanBeKey() && out.IsUnique(c.name)
		if isKey {
			keys++
		}
		result.NewColumns = append(result.NewColumns, NewColumn{Name: c.name, Type: c.typ, IsKey: isKey})
	}
	if out.NumRows() > 0 && keys == 0 {
		return nil, apperrors.Invariant("the merged data has no key column")
	}
	return result, nil
}

// FirstLoad builds the frame of a workflow without data, equivalent to an
// outer merge into an empty destination.
func FirstLoad(src *models.Frame, params models.MergeParams) (*Result, error) {
	kept, err := restrictSource(src, params)
	if err != nil {
		return nil, err
	}

	out := &models.Frame{
		Columns: make([]models.FrameColumn, len(kept)),
		Rows:    make([][]any, src.NumRows()),
	}
	for j, c := range kept {
		out.Columns[j] = models.FrameColumn{Name: c.name, Type: c.typ}
	}
	for r, srcRow := range src.Rows {
		row := make([]any, len(kept))
		for j, c := range kept {
			row[j] = srcRow[c.index]
		}
		out.Rows[r] = row
	}

	result := &Result{Frame: out}
	keys := 0
	for _, c := range kept {
		isKey := c.keepKey && c.typ.CanBeKey() && out.IsUnique(c.name)
		if isKey {
			keys++
		}
		result.NewColumns = append(result.NewColumns, NewColumn{Name: c.name, Type: c.typ, IsKey: isKey})
	}
	if out.NumRows() > 0 && keys == 0 {
		return nil, apperrors.FieldValidation("columns_to_upload", "the data must contain at least one unique column marked as key")
	}
	return result, nil
}

// restrictSource applies columns_to_upload and the final names.
func restrictSource(src *models.Frame, params models.MergeParams) ([]sourceColumn, error) {
	n := src.NumColumns()
	if len(params.ColumnsToUpload) != n || len(params.RenameColumnNames) != n {
		return nil, apperrors.Validation("merge parameters describe %d columns but the source has %d", len(params.ColumnsToUpload), n)
	}
	if params.KeepKeyColumn != nil && len(params.KeepKeyColumn) != n {
		return nil, apperrors.Validation("keep_key_column describes %d columns but the source has %d", len(params.KeepKeyColumn), n)
	}

	seen := make(map[string]bool, n)
	var kept []sourceColumn
	for i, col := range src.Columns {
		if !params.ColumnsToUpload[i] {
			continue
		}
		name := params.RenameColumnNames[i]
		if err := models.ValidateColumnName(name); err != nil {
			return nil, apperrors.FieldValidation(fieldAt("rename_column_names", i), "%v", err)
		}
		if seen[name] {
			return nil, apperrors.FieldValidation(fieldAt("rename_column_names", i), "column name %s is repeated", name)
		}
		seen[name] = true
		keepKey := true
		if params.KeepKeyColumn != nil {
			keepKey = params.KeepKeyColumn[i]
		}
		kept = append(kept, sourceColumn{index: i, name: name, typ: col.Type, keepKey: keepKey, dstIndex: -1})
	}
	if len(kept) == 0 {
		return nil, apperrors.FieldValidation("columns_to_upload", "at least one column must be selected")
	}
	return kept, nil
}

// alignRows computes the joined row set. Right joins keep source order;
// the other modes keep destination order with source-only rows appended.
func alignRows(dst *models.Frame, dstKeyIdx int, srcKeys []any, how models.HowMerge) []rowPair {
	dstIndex := make(map[any]int, dst.NumRows())
	for i, row := range dst.Rows {
		dstIndex[models.CanonicalKey(row[dstKeyIdx])] = i
	}
	srcIndex := make(map[any]int, len(srcKeys))
	for j, k := range srcKeys {
		srcIndex[models.CanonicalKey(k)] = j
	}

	var pairs []rowPair
	switch how {
	case models.MergeRight:
		for j, k := range srcKeys {
			i, ok := dstIndex[models.CanonicalKey(k)]
			if !ok {
				i = -1
			}
			pairs = append(pairs, rowPair{dst: i, src: j})
		}
		return pairs
	case models.MergeInner:
		for i, row := range dst.Rows {
			if j, ok := srcIndex[models.CanonicalKey(row[dstKeyIdx])]; ok {
				pairs = append(pairs, rowPair{dst: i, src: j})
			}
		}
		return pairs
	}

	matched := make(map[int]bool, len(srcKeys))
	for i, row := range dst.Rows {
		j, ok := srcIndex[models.CanonicalKey(row[dstKeyIdx])]
		if !ok {
			j = -1
		} else {
			matched[j] = true
		}
		pairs = append(pairs, rowPair{dst: i, src: j})
	}
	if how == models.MergeOuter {
		for j := range srcKeys {
			if !matched[j] {
				pairs = append(pairs, rowPair{dst: -1, src: j})
			}
		}
	}
	return pairs
}

func checkCategories(f *models.Frame, columns []*models.Column) error {
	for _, c := range columns {
		if !c.HasCategories() {
			continue
		}
		idx := f.ColumnIndex(c.Name)
		if idx < 0 {
			continue
		}
		for r, row := range f.Rows {
			if !c.AllowsValue(row[idx]) {
				return apperrors.FieldValidation(c.Name, "row %d: value %v is not one of the allowed categories", r+1, row[idx])
			}
		}
	}
	return nil
}

func fieldAt(field string, i int) string {
	return field + "[" + strconv.Itoa(i) + "]"
}
