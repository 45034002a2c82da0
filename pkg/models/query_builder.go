package models

import (
	"encoding/json"
	"fmt"
)

// QueryBuilderField describes one column to a query-builder UI.
type QueryBuilderField struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Input      string            `json:"input,omitempty"`
	Values     []any             `json:"values,omitempty"`
	Operators  []string          `json:"operators,omitempty"`
	Validation map[string]string `json:"validation,omitempty"`
}

var selectOperators = []string{"equal", "not_equal", "is_null", "is_not_null"}

// BuildQueryBuilderOps derives the query-builder description of a schema.
// Boolean and categorical columns become selects with equality operators.
func BuildQueryBuilderOps(columns []*Column) (json.RawMessage, error) {
	sorted := append([]*Column(nil), columns...)
	SortColumns(sorted)

	fields := make([]QueryBuilderField, 0, len(sorted))
	for _, c := range sorted {
		f := QueryBuilderField{ID: c.Name, Type: string(c.Type)}
		switch {
		case c.Type == TypeBoolean:
			f.Type = string(TypeString)
			f.Input = "select"
			f.Values = []any{"true", "false"}
			f.Operators = selectOperators
		case c.HasCategories():
			f.Input = "select"
			f.Values = c.Categories
			f.Operators = selectOperators
		}
		if c.Type == TypeDouble {
			f.Validation = map[string]string{"step": "any"}
		}
		fields = append(fields, f)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query builder ops: %w", err)
	}
	return data, nil
}
