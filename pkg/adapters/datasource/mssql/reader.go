package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
)

// Reader reads SQL Server tables.
type Reader struct {
	db *sql.DB
}

// NewReader opens a connection described by cfg.
func NewReader(ctx context.Context, cfg *Config) (*Reader, error) {
	db, err := sql.Open("sqlserver", cfg.connectionString())
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to sql server: %w", err)
	}
	return &Reader{db: db}, nil
}

// TestConnection verifies the database is reachable.
func (r *Reader) TestConnection(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping sql server: %w", err)
	}
	return nil
}

// ReadTable reads every column of a table. Bracketed names are accepted.
func (r *Reader) ReadTable(ctx context.Context, table string, limit int) (*datasource.ReadResult, error) {
	table = stripBrackets(table)
	if err := datasource.CheckTableName(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT TOP (%d) * FROM %s", datasource.EffectiveLimit(limit), r.QuoteIdentifier(table))
	return r.read(ctx, query)
}

// ReadQuery runs a SELECT wrapped with SQL Server's TOP clause.
func (r *Reader) ReadQuery(ctx context.Context, query string, limit int) (*datasource.ReadResult, error) {
	wrapped := fmt.Sprintf("SELECT TOP (%d) * FROM (%s) AS _limited", datasource.EffectiveLimit(limit), query)
	return r.read(ctx, wrapped)
}

func (r *Reader) read(ctx context.Context, query string) (*datasource.ReadResult, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result, err := datasource.ScanRows(rows)
	if err != nil {
		return nil, err
	}

	for i, col := range result.Columns {
		decimal := isDecimalType(col.Type)
		result.Columns[i].Type = mapSQLServerType(col.Type)
		if !decimal {
			continue
		}
		// The driver returns DECIMAL and MONEY as text.
		for _, row := range result.Rows {
			if s, ok := row[i].(string); ok {
				if f, err := strconv.ParseFloat(s, 64); err == nil {
					row[i] = f
				}
			}
		}
	}
	return result, nil
}

// QuoteIdentifier quotes each part of a possibly schema-qualified name.
func (r *Reader) QuoteIdentifier(name string) string {
	return datasource.QuoteParts(name, quoteName)
}

// Close releases the connection.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ensure Reader implements datasource.TableReader at compile time.
var _ datasource.TableReader = (*Reader)(nil)
