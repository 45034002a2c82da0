package datasource

import "context"

// MaxReadRows is the hard cap on rows returned by a single read.
// It protects the upload pipeline against unbounded source tables.
const MaxReadRows = 500000

// TableReader reads one table or query from an external SQL database into
// memory for the upload pipeline.
// Each implementation owns its connection and must be closed when done.
type TableReader interface {
	// TestConnection verifies the database is reachable with valid credentials.
	TestConnection(ctx context.Context) error

	// ReadTable returns every column of table. The name may be qualified
	// with a schema ("schema.table") and is screened and quoted per dialect.
	//
	// Limit behavior:
	//   - limit <= 0: uses MaxReadRows
	//   - limit > MaxReadRows: capped to MaxReadRows
	ReadTable(ctx context.Context, table string, limit int) (*ReadResult, error)

	// ReadQuery runs a SELECT statement wrapped with a dialect-specific limit.
	// See ReadTable for limit behavior.
	ReadQuery(ctx context.Context, query string, limit int) (*ReadResult, error)

	// QuoteIdentifier quotes a possibly schema-qualified identifier.
	QuoteIdentifier(name string) string

	// Close releases the database connection.
	Close() error
}

// ConnectionParams are the dialect-neutral inputs used to open a reader.
type ConnectionParams struct {
	Host     string
	Port     int
	Database string // file path for sqlite
	User     string
	Password string
	Options  map[string]string
}

// ColumnInfo describes a result column with its database type name.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // Database type name (e.g., "TEXT", "INT4", "VARCHAR")
}

// ReadResult holds the rows of a read in column order. Values are
// normalized to string, int64, float64, bool, time.Time or nil.
type ReadResult struct {
	Columns []ColumnInfo `json:"columns"`
	Rows    [][]any      `json:"rows"`
}

// ColumnNames returns the result header.
func (r *ReadResult) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// EffectiveLimit applies the MaxReadRows cap.
func EffectiveLimit(limit int) int {
	if limit <= 0 || limit > MaxReadRows {
		return MaxReadRows
	}
	return limit
}
