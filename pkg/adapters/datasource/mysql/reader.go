package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
)

// DefaultPort returns the default MySQL port.
func DefaultPort() int {
	return 3306
}

// Reader reads MySQL and MariaDB tables.
type Reader struct {
	db *sql.DB
}

// BuildDSN renders params as a go-sql-driver DSN. Datetimes are parsed into
// time.Time and the "tls" option is passed through.
func BuildDSN(params datasource.ConnectionParams) (string, error) {
	if params.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	if params.Database == "" {
		return "", fmt.Errorf("database is required")
	}
	port := params.Port
	if port == 0 {
		port = DefaultPort()
	}

	cfg := mysql.NewConfig()
	cfg.User = params.User
	cfg.Passwd = params.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(config.ResolveHostForDocker(params.Host), strconv.Itoa(port))
	cfg.DBName = params.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Timeout = 30 * time.Second
	if tls, ok := params.Options["tls"]; ok {
		cfg.TLSConfig = tls
	}
	return cfg.FormatDSN(), nil
}

// NewReader opens a connection described by params.
func NewReader(ctx context.Context, params datasource.ConnectionParams) (*Reader, error) {
	dsn, err := BuildDSN(params)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	return &Reader{db: db}, nil
}

// TestConnection verifies the database is reachable.
func (r *Reader) TestConnection(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping MySQL: %w", err)
	}
	return nil
}

// ReadTable reads every column of a table.
func (r *Reader) ReadTable(ctx context.Context, table string, limit int) (*datasource.ReadResult, error) {
	table = strings.ReplaceAll(table, "`", "")
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

	result, err := datasource.ScanRows(rows)
	if err != nil {
		return nil, err
	}
	retypeText(result)
	return result, nil
}

// retypeText converts the text protocol's byte values back to numbers for
// numeric columns.
func retypeText(result *datasource.ReadResult) {
	for i, col := range result.Columns {
		var parse func(string) (any, error)
		switch strings.ToUpper(col.Type) {
		case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT", "YEAR":
			parse = func(s string) (any, error) { return strconv.ParseInt(s, 10, 64) }
		case "DECIMAL", "FLOAT", "DOUBLE":
			parse = func(s string) (any, error) { return strconv.ParseFloat(s, 64) }
		default:
			continue
		}
		for _, row := range result.Rows {
			if s, ok := row[i].(string); ok {
				if v, err := parse(s); err == nil {
					row[i] = v
				}
			}
		}
	}
}

// QuoteIdentifier quotes each part of a name with backticks.
func (r *Reader) QuoteIdentifier(name string) string {
	return datasource.QuoteParts(name, func(p string) string {
		return "`" + strings.ReplaceAll(p, "`", "``") + "`"
	})
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
