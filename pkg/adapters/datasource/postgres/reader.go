package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
)

// Reader reads PostgreSQL tables over a single connection.
type Reader struct {
	conn *pgx.Conn
}

// NewReader opens a connection described by cfg.
func NewReader(ctx context.Context, cfg *Config) (*Reader, error) {
	conn, err := pgx.Connect(ctx, buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Reader{conn: conn}, nil
}

// TestConnection verifies the database is reachable.
func (r *Reader) TestConnection(ctx context.Context) error {
	if err := r.conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	return nil
}

// ReadTable reads every column of a table.
func (r *Reader) ReadTable(ctx context.Context, table string, limit int) (*datasource.ReadResult, error) {
	if err := datasource.CheckTableName(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", r.QuoteIdentifier(table), datasource.EffectiveLimit(limit))
	return r.read(ctx, query)
}

// ReadQuery runs a SELECT, always bounded by a LIMIT.
func (r *Reader) ReadQuery(ctx context.Context, query string, limit int) (*datasource.ReadResult, error) {
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d", query, datasource.EffectiveLimit(limit))
	return r.read(ctx, wrapped)
}

func (r *Reader) read(ctx context.Context, query string) (*datasource.ReadResult, error) {
	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	result := &datasource.ReadResult{
		Columns: make([]datasource.ColumnInfo, len(fieldDescs)),
		Rows:    make([][]any, 0),
	}
	for i, fd := range fieldDescs {
		result.Columns[i] = datasource.ColumnInfo{
			Name: fd.Name,
			Type: pgTypeNameFromOID(fd.DataTypeOID),
		}
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		for i := range values {
			values[i] = normalize(values[i])
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// normalize handles the pgx carriers database/sql drivers never produce.
func normalize(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(x).String()
	case map[string]any, []any:
		return fmt.Sprint(x)
	}
	return datasource.NormalizeValue(v)
}

// QuoteIdentifier quotes a possibly schema-qualified name with double quotes.
func (r *Reader) QuoteIdentifier(name string) string {
	return pgx.Identifier(datasource.SplitQualifiedName(name)).Sanitize()
}

// Close releases the connection.
func (r *Reader) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close(context.Background())
}

// pgTypeNameFromOID maps PostgreSQL type OIDs to human-readable type names.
// This covers the most common types; unknown types return "UNKNOWN".
func pgTypeNameFromOID(oid uint32) string {
	switch oid {
	case 16:
		return "BOOL"
	case 17:
		return "BYTEA"
	case 20:
		return "INT8"
	case 21:
		return "INT2"
	case 23:
		return "INT4"
	case 25:
		return "TEXT"
	case 114:
		return "JSON"
	case 700:
		return "FLOAT4"
	case 701:
		return "FLOAT8"
	case 1042:
		return "BPCHAR"
	case 1043:
		return "VARCHAR"
	case 1082:
		return "DATE"
	case 1114:
		return "TIMESTAMP"
	case 1184:
		return "TIMESTAMPTZ"
	case 1700:
		return "NUMERIC"
	case 2950:
		return "UUID"
	case 3802:
		return "JSONB"
	default:
		return "UNKNOWN"
	}
}

// Ensure Reader implements datasource.TableReader at compile time.
var _ datasource.TableReader = (*Reader)(nil)
