package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/audit"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
	"github.com/ekaya-inc/ontask-engine/pkg/logging"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	sqlcheck "github.com/ekaya-inc/ontask-engine/pkg/sql"
)

// SQLSource names a configured connection and what to read from it.
// Table defaults to the connection's table. Query is honoured only when the
// connection allows queries.
type SQLSource struct {
	Connection string `json:"connection"`
	Password   string `json:"password,omitempty"`
	Table      string `json:"table,omitempty"`
	Query      string `json:"query,omitempty"`
}

// SQLFetcher reads tables from the SQL connections named in config.
type SQLFetcher struct {
	connections []config.ConnectionConfig
	factory     datasource.ReaderFactory
	auditor     *audit.SecurityAuditor
	logger      *zap.Logger
}

// NewSQLFetcher creates a fetcher over the configured connections.
func NewSQLFetcher(connections []config.ConnectionConfig, factory datasource.ReaderFactory, logger *zap.Logger) *SQLFetcher {
	return &SQLFetcher{
		connections: connections,
		factory:     factory,
		auditor:     audit.NewSecurityAuditor(logger),
		logger:      logger.Named("sql-fetcher"),
	}
}

// Connections returns the descriptors offered to users.
func (f *SQLFetcher) Connections() []config.ConnectionConfig {
	return f.connections
}

func (f *SQLFetcher) connection(name string) (*config.ConnectionConfig, error) {
	for i := range f.connections {
		if f.connections[i].Name == name {
			return &f.connections[i], nil
		}
	}
	return nil, apperrors.FieldValidation("connection", "unknown connection %q", name)
}

// Fetch reads the table or query of src into a frame.
func (f *SQLFetcher) Fetch(ctx context.Context, src SQLSource) (*models.Frame, error) {
	conn, err := f.connection(src.Connection)
	if err != nil {
		return nil, err
	}

	query := strings.TrimSpace(src.Query)
	if query != "" {
		if !conn.AllowQueries {
			return nil, apperrors.FieldValidation("query", "connection %s does not accept queries", conn.Name)
		}
		normalized, err := sqlcheck.NormalizeReadQuery(query)
		if err != nil {
			f.auditor.LogRejectedSource(ctx, conn.Name, "query", query, err.Error())
			return nil, apperrors.FieldValidation("query", "%v", err)
		}
		query = normalized
	}
	table := strings.TrimSpace(src.Table)
	if table == "" {
		table = conn.Table
	}
	if query == "" {
		if err := datasource.CheckTableName(table); err != nil {
			f.auditor.LogRejectedSource(ctx, conn.Name, "table", table, err.Error())
			return nil, err
		}
	}

	password := conn.Password()
	if password == "" {
		password = src.Password
	}
	if password == "" && conn.NeedsPassword() {
		return nil, apperrors.FieldValidation("password", "connection %s needs a password", conn.Name)
	}

	reader, err := f.factory.NewReader(ctx, conn.Dialect, datasource.ConnectionParams{
		Host:     conn.Host,
		Port:     conn.Port,
		Database: conn.Database,
		User:     conn.User,
		Password: password,
		Options:  conn.Options,
	})
	if err != nil {
		f.logger.Warn("Failed to open SQL source",
			zap.String("connection", conn.Name),
			zap.String("dialect", conn.Dialect),
			zap.String("error", logging.SanitizeError(err)))
		return nil, apperrors.FieldValidation("connection", "cannot connect to %s: %s", conn.Name, logging.SanitizeError(err))
	}
	defer reader.Close()

	var res *datasource.ReadResult
	if query != "" {
		res, err = reader.ReadQuery(ctx, query, 0)
	} else {
		res, err = reader.ReadTable(ctx, table, 0)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			return nil, err
		}
		return nil, apperrors.FieldValidation("table", "failed to read from %s: %s", conn.Name, logging.SanitizeError(err))
	}

	f.logger.Debug("Read SQL source",
		zap.String("connection", conn.Name),
		zap.String("table", table),
		zap.String("query", logging.SanitizeQuery(query)),
		zap.Int("rows", len(res.Rows)))

	f.auditor.LogSourceRead(ctx, conn.Name, table, query, len(res.Rows))

	fr, err := FrameFromValues(res.ColumnNames(), res.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to type rows from %s: %w", conn.Name, err)
	}
	return fr, nil
}
