// Package formula holds the predicate AST used by conditions and view
// filters. The JSON shape follows the query-builder rule format: groups
// carry a condition and nested rules, leaves carry a field, an operator and
// an optional value.
package formula

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Group connectives.
const (
	And = "AND"
	Or  = "OR"
)

// Leaf operators.
const (
	OpEqual          = "equal"
	OpNotEqual       = "not_equal"
	OpBeginsWith     = "begins_with"
	OpNotBeginsWith  = "not_begins_with"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpEndsWith       = "ends_with"
	OpNotEndsWith    = "not_ends_with"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
	OpIsNull         = "is_null"
	OpIsNotNull      = "is_not_null"
	OpLess           = "less"
	OpLessOrEqual    = "less_or_equal"
	OpGreater        = "greater"
	OpGreaterOrEqual = "greater_or_equal"
	OpBetween        = "between"
	OpNotBetween     = "not_between"
)

// operatorArity is the number of operand values each operator takes.
var operatorArity = map[string]int{
	OpEqual: 1, OpNotEqual: 1,
	OpBeginsWith: 1, OpNotBeginsWith: 1,
	OpContains: 1, OpNotContains: 1,
	OpEndsWith: 1, OpNotEndsWith: 1,
	OpIsEmpty: 0, OpIsNotEmpty: 0,
	OpIsNull: 0, OpIsNotNull: 0,
	OpLess: 1, OpLessOrEqual: 1,
	OpGreater: 1, OpGreaterOrEqual: 1,
	OpBetween: 2, OpNotBetween: 2,
}

var operatorSymbols = map[string]string{
	OpEqual:          "=",
	OpNotEqual:       "!=",
	OpBeginsWith:     "begins with",
	OpNotBeginsWith:  "does not begin with",
	OpContains:       "contains",
	OpNotContains:    "does not contain",
	OpEndsWith:       "ends with",
	OpNotEndsWith:    "does not end with",
	OpIsEmpty:        "is empty",
	OpIsNotEmpty:     "is not empty",
	OpIsNull:         "is null",
	OpIsNotNull:      "is not null",
	OpLess:           "<",
	OpLessOrEqual:    "<=",
	OpGreater:        ">",
	OpGreaterOrEqual: ">=",
	OpBetween:        "between",
	OpNotBetween:     "not between",
}

// Node is either a group (Condition set) or a leaf rule (Field set).
type Node struct {
	Condition string  `json:"condition,omitempty"`
	Not       bool    `json:"not,omitempty"`
	Rules     []*Node `json:"rules,omitempty"`

	ID       string `json:"id,omitempty"`
	Field    string `json:"field,omitempty"`
	Type     string `json:"type,omitempty"`
	Input    string `json:"input,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// Parse decodes and validates a predicate.
func Parse(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("invalid formula: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// IsGroup reports whether the node combines nested rules.
func (n *Node) IsGroup() bool {
	return n.Condition != "" || n.Rules != nil
}

// Validate checks connectives, operators and operand counts recursively.
func (n *Node) Validate() error {
	if n.IsGroup() {
		switch strings.ToUpper(n.Condition) {
		case And, Or:
		default:
			return fmt.Errorf("invalid formula: unknown condition %q", n.Condition)
		}
		for _, r := range n.Rules {
			if r == nil {
				return fmt.Errorf("invalid formula: null rule")
			}
			if err := r.Validate(); err != nil {
				return err
			}
		}
		return nil
	}

	if n.Field == "" {
		return fmt.Errorf("invalid formula: rule without field")
	}
	arity, ok := operatorArity[n.Operator]
	if !ok {
		return fmt.Errorf("invalid formula: unknown operator %q", n.Operator)
	}
	if arity == 2 {
		if vals, ok := n.Value.([]any); !ok || len(vals) != 2 {
			return fmt.Errorf("invalid formula: operator %q on %q needs two values", n.Operator, n.Field)
		}
	}
	return nil
}

// Variables returns the sorted set of column names referenced by the predicate.
func (n *Node) Variables() []string {
	set := make(map[string]struct{})
	n.walk(func(leaf *Node) {
		set[leaf.Field] = struct{}{}
	})
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// HasVariable reports whether name is referenced anywhere in the predicate.
func (n *Node) HasVariable(name string) bool {
	found := false
	n.walk(func(leaf *Node) {
		if leaf.Field == name {
			found = true
		}
	})
	return found
}

// RenameVariable rewrites every leaf bound to oldName and returns the number
// of rewritten leaves. Leaves whose field merely contains oldName are untouched.
func (n *Node) RenameVariable(oldName, newName string) int {
	count := 0
	n.walk(func(leaf *Node) {
		if leaf.Field == oldName {
			leaf.Field = newName
			leaf.ID = newName
			count++
		}
	})
	return count
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Rules != nil {
		c.Rules = make([]*Node, len(n.Rules))
		for i, r := range n.Rules {
			c.Rules[i] = r.Clone()
		}
	}
	if vals, ok := n.Value.([]any); ok {
		c.Value = append([]any(nil), vals...)
	}
	return &c
}

// String renders the predicate in infix notation, for example "x > 3".
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	if !n.IsGroup() {
		return n.leafString()
	}
	parts := make([]string, 0, len(n.Rules))
	for _, r := range n.Rules {
		s := r.String()
		if r.IsGroup() && len(r.Rules) > 1 && !r.Not {
			s = "(" + s + ")"
		}
		parts = append(parts, s)
	}
	out := strings.Join(parts, " "+strings.ToUpper(n.Condition)+" ")
	if n.Not {
		return "NOT (" + out + ")"
	}
	return out
}

func (n *Node) leafString() string {
	sym := operatorSymbols[n.Operator]
	switch operatorArity[n.Operator] {
	case 0:
		return n.Field + " " + sym
	case 2:
		vals, _ := n.Value.([]any)
		if len(vals) == 2 {
			return fmt.Sprintf("%s %s %s and %s", n.Field, sym, renderValue(vals[0]), renderValue(vals[1]))
		}
	}
	return fmt.Sprintf("%s %s %s", n.Field, sym, renderValue(n.Value))
}

func renderValue(v any) string {
	switch x := v.(type) {
	case string:
		if _, err := strconv.ParseFloat(x, 64); err == nil {
			return x
		}
		return strconv.Quote(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return "null"
	}
	return fmt.Sprintf("%v", v)
}

func (n *Node) walk(fn func(leaf *Node)) {
	if n == nil {
		return
	}
	if n.IsGroup() {
		for _, r := range n.Rules {
			r.walk(fn)
		}
		return
	}
	fn(n)
}

// Leaf builds a single rule; used by callers assembling predicates in code.
func Leaf(field, typ, operator string, value any) *Node {
	return &Node{ID: field, Field: field, Type: typ, Operator: operator, Value: value}
}

// All combines rules with AND.
func All(rules ...*Node) *Node {
	return &Node{Condition: And, Rules: rules}
}

// AnyOf combines rules with OR.
func AnyOf(rules ...*Node) *Node {
	return &Node{Condition: Or, Rules: rules}
}
