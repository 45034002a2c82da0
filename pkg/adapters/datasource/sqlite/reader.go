package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
)

// Reader reads tables from a SQLite database file.
type Reader struct {
	db *sql.DB
}

// NewReader opens the database file named by params.Database read-only.
func NewReader(ctx context.Context, params datasource.ConnectionParams) (*Reader, error) {
	if params.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	dsn := params.Database
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn + "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return &Reader{db: db}, nil
}

// NewReaderFromDB wraps an open handle. Close closes it.
func NewReaderFromDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// TestConnection verifies the file is readable.
func (r *Reader) TestConnection(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping sqlite: %w", err)
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
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()
	return datasource.ScanRows(rows)
}

// QuoteIdentifier quotes each part of a name with double quotes.
func (r *Reader) QuoteIdentifier(name string) string {
	return datasource.QuoteParts(name, func(p string) string {
		return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	})
}

// Close releases the database handle.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ensure Reader implements datasource.TableReader at compile time.
var _ datasource.TableReader = (*Reader)(nil)
