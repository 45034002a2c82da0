// Package models contains domain types for ontask-engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ontask-engine/pkg/formula"
)

// Workflow is the container of one frame, its schema and its dependents.
type Workflow struct {
	ID              uuid.UUID       `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Attributes      JSONBStringMap  `json:"attributes"`
	SharedWith      []string        `json:"shared_with"`
	NRows           int             `json:"nrows"`
	NCols           int             `json:"ncols"`
	QueryBuilderOps json.RawMessage `json:"query_builder_ops,omitempty"`
	DataTable       string          `json:"data_table"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HasTable reports whether the workflow currently has a frame.
func (w *Workflow) HasTable() bool {
	return w.DataTable != ""
}

// CanAccess reports whether userID owns the workflow or is one of its shared users.
func (w *Workflow) CanAccess(userID string) bool {
	if w.OwnerID == userID {
		return true
	}
	for _, u := range w.SharedWith {
		if u == userID {
			return true
		}
	}
	return false
}

// Column is one entry of the workflow schema catalog.
type Column struct {
	ID          uuid.UUID  `json:"id"`
	WorkflowID  uuid.UUID  `json:"workflow_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        ColumnType `json:"type"`
	IsKey       bool       `json:"is_key"`
	Position    int        `json:"position"`
	Categories  []any      `json:"categories"`
	ActiveFrom  *time.Time `json:"active_from,omitempty"`
	ActiveTo    *time.Time `json:"active_to,omitempty"`
}

// HasCategories reports whether the column restricts its values.
func (c *Column) HasCategories() bool {
	return len(c.Categories) > 0
}

// AllowsValue reports whether v satisfies the category restriction.
// Null is always allowed.
func (c *Column) AllowsValue(v any) bool {
	if v == nil || !c.HasCategories() {
		return true
	}
	for _, cat := range c.Categories {
		if ValuesEqual(cat, v) {
			return true
		}
	}
	return false
}

// NormalizeCategories coerces categories to the column type and rejects
// duplicates. The input order is kept.
func NormalizeCategories(t ColumnType, categories []any) ([]any, error) {
	if len(categories) == 0 {
		return nil, nil
	}
	out := make([]any, 0, len(categories))
	seen := make(map[any]struct{}, len(categories))
	for _, raw := range categories {
		v, err := t.Coerce(raw)
		if err != nil {
			return nil, fmt.Errorf("category %v is not a valid %s: %w", raw, t, err)
		}
		if v == nil {
			return nil, fmt.Errorf("categories cannot contain null")
		}
		k := CanonicalKey(v)
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("category %v is repeated", raw)
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// SortColumns orders columns by position.
func SortColumns(columns []*Column) {
	sort.SliceStable(columns, func(i, j int) bool {
		return columns[i].Position < columns[j].Position
	})
}

// FindColumn returns the column called name, or nil.
func FindColumn(columns []*Column, name string) *Column {
	for _, c := range columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// KeyColumns returns the key columns in position order.
func KeyColumns(columns []*Column) []*Column {
	var keys []*Column
	for _, c := range columns {
		if c.IsKey {
			keys = append(keys, c)
		}
	}
	return keys
}

// FrameHeader converts catalog columns into a frame header in position order.
func FrameHeader(columns []*Column) []FrameColumn {
	sorted := append([]*Column(nil), columns...)
	SortColumns(sorted)
	out := make([]FrameColumn, len(sorted))
	for i, c := range sorted {
		out[i] = FrameColumn{Name: c.Name, Type: c.Type}
	}
	return out
}

// View is a named projection and optional filter over the workflow frame.
type View struct {
	ID          uuid.UUID     `json:"id"`
	WorkflowID  uuid.UUID     `json:"workflow_id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	ColumnIDs   []uuid.UUID   `json:"columns"`
	Filter      *formula.Node `json:"filter,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// HasColumn reports whether the view projects the column.
func (v *View) HasColumn(id uuid.UUID) bool {
	for _, c := range v.ColumnIDs {
		if c == id {
			return true
		}
	}
	return false
}

// RemoveColumn drops a column id from the projection.
func (v *View) RemoveColumn(id uuid.UUID) bool {
	for i, c := range v.ColumnIDs {
		if c == id {
			v.ColumnIDs = append(v.ColumnIDs[:i:i], v.ColumnIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Action types.
const (
	ActionPersonalizedText = "personalized_text"
	ActionEmailReport      = "email_report"
	ActionJSON             = "json"
	ActionSurvey           = "survey"
)

// ValidActionType reports whether t is a known action type.
func ValidActionType(t string) bool {
	switch t {
	case ActionPersonalizedText, ActionEmailReport, ActionJSON, ActionSurvey:
		return true
	}
	return false
}

// Action is the part of an action catalog entry the engine keeps consistent
// with the schema: its text and its conditions.
type Action struct {
	ID          uuid.UUID    `json:"id"`
	WorkflowID  uuid.UUID    `json:"workflow_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	ActionType  string       `json:"action_type"`
	TextContent string       `json:"text_content"`
	Conditions  []*Condition `json:"conditions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Filter returns the filter condition of the action, or nil.
func (a *Action) Filter() *Condition {
	for _, c := range a.Conditions {
		if c.IsFilter {
			return c
		}
	}
	return nil
}

// Condition is a named predicate attached to an action.
type Condition struct {
	ID            uuid.UUID     `json:"id"`
	ActionID      uuid.UUID     `json:"action_id"`
	WorkflowID    uuid.UUID     `json:"workflow_id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Formula       *formula.Node `json:"formula"`
	IsFilter      bool          `json:"is_filter"`
	NRowsSelected int           `json:"n_rows_selected"`
}

// Lease records the single writer of a workflow.
type Lease struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	UserEmail  string    `json:"user_email"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsLive reports whether the lease still holds at now.
func (l *Lease) IsLive(now time.Time) bool {
	return l != nil && l.ExpiresAt.After(now)
}

// JSONBStringMap is a string map that handles PostgreSQL JSONB serialization.
type JSONBStringMap map[string]string

// Value implements driver.Valuer for database serialization.
func (m JSONBStringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database deserialization.
func (m *JSONBStringMap) Scan(value any) error {
	if value == nil {
		*m = make(map[string]string)
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONBStringMap", value)
	}
	return json.Unmarshal(data, m)
}
