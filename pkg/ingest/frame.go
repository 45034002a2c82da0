// Package ingest reads tabular sources (CSV, Excel, Google Sheets, S3 and
// SQL databases) into frames for step 1 of the upload pipeline.
package ingest

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// BuildFrame types a text grid. Each column gets the narrowest type able to
// hold all of its cells; empty cells become null.
func BuildFrame(header []string, rows [][]string) (*models.Frame, error) {
	names := headerNames(header)
	columns := make([]models.FrameColumn, len(names))
	for j, name := range names {
		cells := make([]string, len(rows))
		for i, row := range rows {
			if j < len(row) {
				cells[i] = row[j]
			}
		}
		columns[j] = models.FrameColumn{Name: name, Type: models.InferColumnType(cells)}
	}

	f := models.NewFrame(columns...)
	for i, row := range rows {
		values := make([]any, len(columns))
		for j, col := range columns {
			if j >= len(row) {
				continue
			}
			v, err := col.Type.ParseText(row[j])
			if err != nil {
				return nil, fmt.Errorf("row %d, column %s: %w", i+1, col.Name, err)
			}
			values[j] = v
		}
		f.Rows = append(f.Rows, values)
	}
	return f, nil
}

// FrameFromValues types a grid of driver values. A column whose values all
// share a carrier keeps that type (integers mixed with doubles widen to
// double); any other column is typed from its text rendering.
func FrameFromValues(header []string, rows [][]any) (*models.Frame, error) {
	names := headerNames(header)
	columns := make([]models.FrameColumn, len(names))
	textual := make([]bool, len(names))
	for j, name := range names {
		t, ok := valueColumnType(rows, j)
		if !ok {
			cells := make([]string, len(rows))
			for i, row := range rows {
				cells[i] = cellText(row, j)
			}
			t = models.InferColumnType(cells)
			textual[j] = true
		}
		columns[j] = models.FrameColumn{Name: name, Type: t}
	}

	f := models.NewFrame(columns...)
	for i, row := range rows {
		values := make([]any, len(columns))
		for j, col := range columns {
			var (
				v   any
				err error
			)
			if textual[j] {
				v, err = col.Type.ParseText(cellText(row, j))
			} else if j < len(row) {
				v, err = col.Type.Coerce(row[j])
			}
			if err != nil {
				return nil, fmt.Errorf("row %d, column %s: %w", i+1, col.Name, err)
			}
			values[j] = v
		}
		f.Rows = append(f.Rows, values)
	}
	return f, nil
}

func valueColumnType(rows [][]any, j int) (models.ColumnType, bool) {
	var found models.ColumnType
	for _, row := range rows {
		if j >= len(row) || row[j] == nil {
			continue
		}
		if _, isText := row[j].(string); isText {
			return "", false
		}
		t, ok := models.TypeOfValue(row[j])
		if !ok {
			return "", false
		}
		switch {
		case found == "":
			found = t
		case found == t:
		case found.IsNumeric() && t.IsNumeric():
			found = models.TypeDouble
		default:
			return "", false
		}
	}
	return found, found != ""
}

func cellText(row []any, j int) string {
	if j >= len(row) || row[j] == nil {
		return ""
	}
	if s, ok := row[j].(string); ok {
		return s
	}
	return fmt.Sprint(row[j])
}

// headerNames strips the header and names blank cells after their position.
func headerNames(header []string) []string {
	names := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = fmt.Sprintf("Unnamed_%d", i)
		}
		names[i] = h
	}
	return names
}

// dropEmptyRows removes rows whose cells are all blank.
func dropEmptyRows(rows [][]string) [][]string {
	kept := rows[:0]
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				kept = append(kept, row)
				break
			}
		}
	}
	return kept
}
