package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the declared type of a workflow column.
type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeInteger  ColumnType = "integer"
	TypeDouble   ColumnType = "double"
	TypeBoolean  ColumnType = "boolean"
	TypeDatetime ColumnType = "datetime"
)

// AllColumnTypes lists the supported types in inference priority order.
var AllColumnTypes = []ColumnType{TypeBoolean, TypeInteger, TypeDouble, TypeDatetime, TypeString}

// datetimeLayouts are tried in order when parsing datetime text.
// Layouts without a zone are interpreted as UTC.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

// ParseColumnType validates a type name.
func ParseColumnType(s string) (ColumnType, error) {
	t := ColumnType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown column type %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the supported types.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeDouble, TypeBoolean, TypeDatetime:
		return true
	}
	return false
}

// CanBeKey reports whether columns of this type may carry is_key.
// Floating-point equality is not allowed inside key columns.
func (t ColumnType) CanBeKey() bool {
	return t.Valid() && t != TypeDouble
}

// IsNumeric reports whether values of this type take part in arithmetic.
func (t ColumnType) IsNumeric() bool {
	return t == TypeInteger || t == TypeDouble
}

// Coerce converts a wire value (JSON decoded, driver value or Go value) into
// the canonical carrier for t: string, int64, float64, bool or UTC time.Time.
// nil is the null sentinel for every type and passes through unchanged.
func (t ColumnType) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		return coerceString(v)
	case TypeInteger:
		return coerceInteger(v)
	case TypeDouble:
		return coerceDouble(v)
	case TypeBoolean:
		return coerceBoolean(v)
	case TypeDatetime:
		return coerceDatetime(v)
	}
	return nil, fmt.Errorf("unknown column type %q", t)
}

// ParseText converts a cell read from a delimited or spreadsheet source.
// Surrounding whitespace is stripped and empty text is null.
func (t ColumnType) ParseText(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	return t.Coerce(s)
}

func coerceString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.Number:
		return x.String(), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	}
	return nil, fmt.Errorf("cannot convert %T to string", v)
}

func coerceInteger(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return integralFloat(float64(x))
	case float64:
		return integralFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", x.String())
		}
		return integralFloat(f)
	case []byte:
		return coerceInteger(string(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", x)
		}
		return integralFloat(f)
	}
	return nil, fmt.Errorf("cannot convert %T to integer", v)
}

func integralFloat(f float64) (any, error) {
	if math.IsNaN(f) {
		return nil, nil
	}
	if math.IsInf(f, 0) || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("value %v is not an integer", f)
	}
	return int64(f), nil
}

func coerceDouble(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return nil, nil
		}
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", x.String())
		}
		return f, nil
	case []byte:
		return coerceDouble(string(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) {
			return nil, fmt.Errorf("invalid number %q", x)
		}
		if math.IsNaN(f) {
			return nil, nil
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot convert %T to double", v)
}

func coerceBoolean(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return intToBool(x)
	case int:
		return intToBool(int64(x))
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
		return nil, fmt.Errorf("invalid boolean %v", x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", x.String())
		}
		return intToBool(i)
	case []byte:
		return coerceBoolean(string(x))
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "":
			return nil, nil
		}
		return nil, fmt.Errorf("invalid boolean %q", x)
	}
	return nil, fmt.Errorf("cannot convert %T to boolean", v)
}

func intToBool(i int64) (any, error) {
	switch i {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return nil, fmt.Errorf("invalid boolean %d", i)
}

func coerceDatetime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Round(0), nil
	case []byte:
		return coerceDatetime(string(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		return ParseDatetime(s)
	}
	return nil, fmt.Errorf("cannot convert %T to datetime", v)
}

// ParseDatetime parses text in any of the accepted layouts and returns UTC.
func ParseDatetime(s string) (time.Time, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

// CanonicalKey returns a comparable representation of a coerced value
// suitable for map keys. Datetimes are keyed by their UTC instant.
func CanonicalKey(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// ValuesEqual compares two coerced values of the same column type.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return CanonicalKey(a) == CanonicalKey(b)
}

// CompareValues orders two non-null values of the same carrier type.
// Integers and doubles compare numerically with each other.
func CompareValues(a, b any) (int, error) {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			}
			return 0, nil
		}
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			break
		}
		return strings.Compare(x, y), nil
	case bool:
		y, ok := b.(bool)
		if !ok {
			break
		}
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		}
		return 1, nil
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			break
		}
		return x.Compare(y), nil
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

// ToFloat returns the numeric value of an int64 or float64 carrier.
func ToFloat(v any) (float64, bool) {
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

// InferColumnType returns the narrowest type able to represent every
// non-empty text value. A column with no values is a string column.
func InferColumnType(values []string) ColumnType {
	candidates := []ColumnType{TypeBoolean, TypeInteger, TypeDouble, TypeDatetime}
	seen := false
	for _, raw := range values {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		seen = true
		kept := candidates[:0]
		for _, t := range candidates {
			if _, err := t.Coerce(s); err == nil {
				kept = append(kept, t)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return TypeString
		}
	}
	if !seen {
		return TypeString
	}
	return candidates[0]
}

// TypeOfValue returns the column type matching a coerced carrier value.
func TypeOfValue(v any) (ColumnType, bool) {
	switch v.(type) {
	case string:
		return TypeString, true
	case int64:
		return TypeInteger, true
	case float64:
		return TypeDouble, true
	case bool:
		return TypeBoolean, true
	case time.Time:
		return TypeDatetime, true
	}
	return "", false
}
