package formula

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Evaluate applies the predicate to one row keyed by column name. A null
// operand makes every operator false except is_null, is_empty and their
// negations, which test for the null itself.
func (n *Node) Evaluate(row map[string]any) (bool, error) {
	if n == nil {
		return true, nil
	}
	if n.IsGroup() {
		return n.evaluateGroup(row)
	}
	ok, err := n.evaluateLeaf(row)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (n *Node) evaluateGroup(row map[string]any) (bool, error) {
	isAnd := strings.ToUpper(n.Condition) != Or
	result := isAnd
	for _, r := range n.Rules {
		v, err := r.Evaluate(row)
		if err != nil {
			return false, err
		}
		if isAnd && !v {
			result = false
			break
		}
		if !isAnd && v {
			result = true
			break
		}
	}
	if n.Not {
		return !result, nil
	}
	return result, nil
}

func (n *Node) evaluateLeaf(row map[string]any) (bool, error) {
	value, present := row[n.Field]
	if !present {
		return false, fmt.Errorf("formula references unknown column %q", n.Field)
	}

	switch n.Operator {
	case OpIsNull:
		return value == nil, nil
	case OpIsNotNull:
		return value != nil, nil
	case OpIsEmpty:
		return value == nil || value == "", nil
	case OpIsNotEmpty:
		return value != nil && value != "", nil
	}

	if value == nil {
		return false, nil
	}

	switch n.Operator {
	case OpBeginsWith, OpNotBeginsWith, OpContains, OpNotContains, OpEndsWith, OpNotEndsWith:
		s, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("operator %q needs a string column, %q is %T", n.Operator, n.Field, value)
		}
		return stringOperator(n.Operator, s, fmt.Sprint(n.Value)), nil
	case OpBetween, OpNotBetween:
		bounds, _ := n.Value.([]any)
		if len(bounds) != 2 {
			return false, fmt.Errorf("operator %q on %q needs two values", n.Operator, n.Field)
		}
		lo, err := n.operand(bounds[0])
		if err != nil {
			return false, err
		}
		hi, err := n.operand(bounds[1])
		if err != nil {
			return false, err
		}
		c1, err := compare(value, lo)
		if err != nil {
			return false, err
		}
		c2, err := compare(value, hi)
		if err != nil {
			return false, err
		}
		inside := c1 >= 0 && c2 <= 0
		if n.Operator == OpNotBetween {
			return !inside, nil
		}
		return inside, nil
	}

	constant, err := n.operand(n.Value)
	if err != nil {
		return false, err
	}
	c, err := compare(value, constant)
	if err != nil {
		return false, err
	}
	switch n.Operator {
	case OpEqual:
		return c == 0, nil
	case OpNotEqual:
		return c != 0, nil
	case OpLess:
		return c < 0, nil
	case OpLessOrEqual:
		return c <= 0, nil
	case OpGreater:
		return c > 0, nil
	case OpGreaterOrEqual:
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", n.Operator)
}

func stringOperator(op, value, constant string) bool {
	switch op {
	case OpBeginsWith:
		return strings.HasPrefix(value, constant)
	case OpNotBeginsWith:
		return !strings.HasPrefix(value, constant)
	case OpContains:
		return strings.Contains(value, constant)
	case OpNotContains:
		return !strings.Contains(value, constant)
	case OpEndsWith:
		return strings.HasSuffix(value, constant)
	case OpNotEndsWith:
		return !strings.HasSuffix(value, constant)
	}
	return false
}

// operand converts a rule constant to the carrier of the rule type.
func (n *Node) operand(v any) (any, error) {
	switch n.Type {
	case "integer", "double":
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("rule on %q has non-numeric value %q", n.Field, x)
			}
			return f, nil
		}
	case "boolean":
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strings.EqualFold(strings.TrimSpace(x), "true"), nil
		}
	case "datetime":
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return parseTime(strings.TrimSpace(x))
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("rule on %q has invalid %s value %v", n.Field, n.Type, v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

// compare orders a row value against a rule constant.
func compare(a, b any) (int, error) {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	switch x := a.(type) {
	case string:
		return strings.Compare(x, fmt.Sprint(b)), nil
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("cannot compare bool with %T", b)
		}
		if x == y {
			return 0, nil
		}
		if !x {
			return -1, nil
		}
		return 1, nil
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, fmt.Errorf("cannot compare datetime with %T", b)
		}
		return x.Compare(y), nil
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

// Count returns how many rows satisfy the predicate. A nil predicate selects
// every row.
func (n *Node) Count(rows []map[string]any) (int, error) {
	count := 0
	for _, row := range rows {
		ok, err := n.Evaluate(row)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}
