package datasource

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// ScanRows drains rows from a database/sql driver into a ReadResult.
func ScanRows(rows *sql.Rows) (*ReadResult, error) {
	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	result := &ReadResult{
		Columns: make([]ColumnInfo, len(columnNames)),
		Rows:    make([][]any, 0),
	}
	for i, name := range columnNames {
		result.Columns[i] = ColumnInfo{Name: name, Type: columnTypes[i].DatabaseTypeName()}
	}

	for rows.Next() {
		values := make([]any, len(columnNames))
		valuePtrs := make([]any, len(columnNames))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i := range values {
			values[i] = NormalizeValue(values[i])
		}
		result.Rows = append(result.Rows, values)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// NormalizeValue maps driver values onto the carriers used by frames.
// Values with no natural carrier are rendered as text.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, int64, float64, bool:
		return x
	case time.Time:
		return x.UTC()
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case *big.Float:
		f, _ := x.Float64()
		return f
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
