package models

import (
	"fmt"
)

// FrameColumn is a typed header of a frame.
type FrameColumn struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Frame is the tabular data of one workflow. Rows hold coerced carrier
// values in column order; nil is null.
type Frame struct {
	Columns []FrameColumn `json:"columns"`
	Rows    [][]any       `json:"rows"`
}

// NewFrame returns an empty frame with the given header.
func NewFrame(columns ...FrameColumn) *Frame {
	return &Frame{Columns: append([]FrameColumn(nil), columns...), Rows: [][]any{}}
}

// NumRows returns the number of rows.
func (f *Frame) NumRows() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// NumColumns returns the number of columns.
func (f *Frame) NumColumns() int {
	if f == nil {
		return 0
	}
	return len(f.Columns)
}

// IsEmpty reports whether the frame has no columns.
func (f *Frame) IsEmpty() bool {
	return f == nil || len(f.Columns) == 0
}

// ColumnIndex returns the position of name or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether name is a column of the frame.
func (f *Frame) HasColumn(name string) bool {
	return f.ColumnIndex(name) >= 0
}

// ColumnNames returns the header names in order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnType returns the declared type of name.
func (f *Frame) ColumnType(name string) (ColumnType, bool) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return "", false
	}
	return f.Columns[idx].Type, true
}

// Values returns the values of one column. The slice is a copy.
func (f *Frame) Values(name string) []any {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	out := make([]any, len(f.Rows))
	for i, row := range f.Rows {
		out[i] = row[idx]
	}
	return out
}

// Row returns row i as a name to value map.
func (f *Frame) Row(i int) map[string]any {
	row := make(map[string]any, len(f.Columns))
	for j, c := range f.Columns {
		row[c.Name] = f.Rows[i][j]
	}
	return row
}

// Clone returns a deep copy of the header and row slices.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := &Frame{
		Columns: append([]FrameColumn(nil), f.Columns...),
		Rows:    make([][]any, len(f.Rows)),
	}
	for i, row := range f.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// IsUnique reports whether the column has no nulls and pairwise distinct values.
func (f *Frame) IsUnique(name string) bool {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return false
	}
	return IsUniqueValues(f.columnAt(idx))
}

// IsUniqueValues reports whether values has no nulls and no repeats.
func IsUniqueValues(values []any) bool {
	seen := make(map[any]struct{}, len(values))
	for _, v := range values {
		if v == nil {
			return false
		}
		k := CanonicalKey(v)
		if _, dup := seen[k]; dup {
			return false
		}
		seen[k] = struct{}{}
	}
	return true
}

// HasNulls reports whether the column contains a null value.
func (f *Frame) HasNulls(name string) bool {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return false
	}
	for _, row := range f.Rows {
		if row[idx] == nil {
			return true
		}
	}
	return false
}

// UniqueColumns returns the names of columns that could serve as keys.
func (f *Frame) UniqueColumns() []string {
	var names []string
	for i, c := range f.Columns {
		if c.Type.CanBeKey() && IsUniqueValues(f.columnAt(i)) {
			names = append(names, c.Name)
		}
	}
	return names
}

// FindRows returns the indexes of rows whose column equals value.
func (f *Frame) FindRows(name string, value any) []int {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	want := CanonicalKey(value)
	var out []int
	for i, row := range f.Rows {
		if row[idx] != nil && CanonicalKey(row[idx]) == want {
			out = append(out, i)
		}
	}
	return out
}

// AppendColumn adds a column filled with value.
func (f *Frame) AppendColumn(col FrameColumn, value any) error {
	if f.HasColumn(col.Name) {
		return fmt.Errorf("column %q already exists", col.Name)
	}
	f.Columns = append(f.Columns, col)
	for i := range f.Rows {
		f.Rows[i] = append(f.Rows[i], value)
	}
	return nil
}

// SetColumnValues appends a column with one value per row.
func (f *Frame) SetColumnValues(col FrameColumn, values []any) error {
	if len(values) != len(f.Rows) {
		return fmt.Errorf("column %q has %d values for %d rows", col.Name, len(values), len(f.Rows))
	}
	if err := f.AppendColumn(col, nil); err != nil {
		return err
	}
	last := len(f.Columns) - 1
	for i := range f.Rows {
		f.Rows[i][last] = values[i]
	}
	return nil
}

// DropColumn removes a column.
func (f *Frame) DropColumn(name string) error {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return fmt.Errorf("column %q not found", name)
	}
	f.Columns = append(f.Columns[:idx:idx], f.Columns[idx+1:]...)
	for i, row := range f.Rows {
		f.Rows[i] = append(row[:idx:idx], row[idx+1:]...)
	}
	return nil
}

// RenameColumn changes a header name without touching rows.
func (f *Frame) RenameColumn(oldName, newName string) error {
	idx := f.ColumnIndex(oldName)
	if idx < 0 {
		return fmt.Errorf("column %q not found", oldName)
	}
	if oldName != newName && f.HasColumn(newName) {
		return fmt.Errorf("column %q already exists", newName)
	}
	f.Columns[idx].Name = newName
	return nil
}

// Project returns a frame restricted to names, in the given order.
func (f *Frame) Project(names []string) (*Frame, error) {
	idxs := make([]int, len(names))
	out := &Frame{Columns: make([]FrameColumn, len(names)), Rows: make([][]any, len(f.Rows))}
	for i, n := range names {
		idx := f.ColumnIndex(n)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found", n)
		}
		idxs[i] = idx
		out.Columns[i] = f.Columns[idx]
	}
	for r, row := range f.Rows {
		projected := make([]any, len(idxs))
		for i, idx := range idxs {
			projected[i] = row[idx]
		}
		out.Rows[r] = projected
	}
	return out, nil
}

// Filter returns a frame with only the rows at the given indexes.
func (f *Frame) Filter(rows []int) *Frame {
	out := &Frame{Columns: append([]FrameColumn(nil), f.Columns...), Rows: make([][]any, 0, len(rows))}
	for _, i := range rows {
		out.Rows = append(out.Rows, append([]any(nil), f.Rows[i]...))
	}
	return out
}

// Coerce converts every cell to the declared type of its column.
func (f *Frame) Coerce() error {
	for j, c := range f.Columns {
		if !c.Type.Valid() {
			return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
		}
		for i, row := range f.Rows {
			if len(row) != len(f.Columns) {
				return fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(f.Columns))
			}
			v, err := c.Type.Coerce(row[j])
			if err != nil {
				return fmt.Errorf("column %q row %d: %w", c.Name, i, err)
			}
			row[j] = v
		}
	}
	return nil
}

// DuplicateColumnNames returns header names that appear more than once.
func DuplicateColumnNames(names []string) []string {
	seen := make(map[string]int, len(names))
	var dups []string
	for _, n := range names {
		seen[n]++
		if seen[n] == 2 {
			dups = append(dups, n)
		}
	}
	return dups
}

func (f *Frame) columnAt(idx int) []any {
	out := make([]any, len(f.Rows))
	for i, row := range f.Rows {
		out[i] = row[idx]
	}
	return out
}
