package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// rowIDColumn orders rows stably across loads. It never leaves the repository.
const rowIDColumn = "__row_id"

// FrameRepository provides physical access to frames. Frames are returned
// in physical column order; callers reorder them by catalog position.
type FrameRepository interface {
	Exists(ctx context.Context, t FrameTable) (bool, error)
	// Load returns nil when the table does not exist.
	Load(ctx context.Context, t FrameTable) (*models.Frame, error)
	// Store replaces the table with f.
	Store(ctx context.Context, t FrameTable, f *models.Frame) error
	Drop(ctx context.Context, t FrameTable) error
	AddColumn(ctx context.Context, t FrameTable, col models.FrameColumn, value any) error
	DropColumn(ctx context.Context, t FrameTable, name string) error
	RenameColumn(ctx context.Context, t FrameTable, oldName, newName string) error
	// Select returns the matching rows restricted to projection, or every
	// column when projection is empty.
	Select(ctx context.Context, t FrameTable, matches []Match, projection []string) (*models.Frame, error)
	UpdateRows(ctx context.Context, t FrameTable, matches []Match, assignments []Assignment) (int64, error)
	InsertRow(ctx context.Context, t FrameTable, values []Assignment) error
	DeleteRows(ctx context.Context, t FrameTable, matches []Match) (int64, error)
	CountRows(ctx context.Context, t FrameTable) (int, error)
	IsUnique(ctx context.Context, t FrameTable, column string) (bool, error)
}

type frameRepository struct{}

// NewFrameRepository creates the Postgres frame store. Each frame is one
// table named after its workflow.
func NewFrameRepository() FrameRepository {
	return &frameRepository{}
}

var _ FrameRepository = (*frameRepository)(nil)

func (r *frameRepository) Exists(ctx context.Context, t FrameTable) (bool, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return false, fmt.Errorf("no database scope in context")
	}

	query := `SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = current_schema() AND tablename = $1)`

	var exists bool
	if err := scope.Conn.QueryRow(ctx, query, t.Name()).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check frame table: %w", err)
	}
	return exists, nil
}

func (r *frameRepository) Load(ctx context.Context, t FrameTable) (*models.Frame, error) {
	exists, err := r.Exists(ctx, t)
	if err != nil || !exists {
		return nil, err
	}
	return r.Select(ctx, t, nil, nil)
}

// Store writes f into a fresh table with COPY and swaps it in. The caller's
// transaction makes the swap atomic.
func (r *frameRepository) Store(ctx context.Context, t FrameTable, f *models.Frame) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	staging := t.Name() + "_new"
	defs := make([]string, 0, len(f.Columns)+1)
	defs = append(defs, quoteIdent(rowIDColumn)+" BIGSERIAL")
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		sqlType, err := sqlTypeOf(c.Type)
		if err != nil {
			return err
		}
		defs = append(defs, quoteIdent(c.Name)+" "+sqlType)
		names[i] = c.Name
	}

	if _, err := scope.Conn.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(staging)); err != nil {
		return fmt.Errorf("failed to clear staging frame table: %w", err)
	}
	if _, err := scope.Conn.Exec(ctx, "CREATE TABLE "+quoteIdent(staging)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("failed to create frame table: %w", err)
	}
	if len(f.Rows) > 0 && len(names) > 0 {
		if _, err := scope.Conn.CopyFrom(ctx, pgx.Identifier{staging}, names, pgx.CopyFromRows(f.Rows)); err != nil {
			return fmt.Errorf("failed to copy frame rows: %w", err)
		}
	} else if len(f.Rows) > 0 {
		// A frame without columns still records its row count.
		for range f.Rows {
			if _, err := scope.Conn.Exec(ctx, "INSERT INTO "+quoteIdent(staging)+" DEFAULT VALUES"); err != nil {
				return fmt.Errorf("failed to insert frame row: %w", err)
			}
		}
	}
	if _, err := scope.Conn.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(t.Name())); err != nil {
		return fmt.Errorf("failed to drop previous frame table: %w", err)
	}
	if _, err := scope.Conn.Exec(ctx, "ALTER TABLE "+quoteIdent(staging)+" RENAME TO "+quoteIdent(t.Name())); err != nil {
		return fmt.Errorf("failed to swap frame table: %w", err)
	}
	return nil
}

func (r *frameRepository) Drop(ctx context.Context, t FrameTable) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if _, err := scope.Conn.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(t.Name())); err != nil {
		return fmt.Errorf("failed to drop frame table: %w", err)
	}
	return nil
}

func (r *frameRepository) AddColumn(ctx context.Context, t FrameTable, col models.FrameColumn, value any) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	sqlType, err := sqlTypeOf(col.Type)
	if err != nil {
		return err
	}
	if _, err := scope.Conn.Exec(ctx, "ALTER TABLE "+quoteIdent(t.Name())+" ADD COLUMN "+quoteIdent(col.Name)+" "+sqlType); err != nil {
		return fmt.Errorf("failed to add frame column: %w", err)
	}
	if value == nil {
		return nil
	}
	if _, err := scope.Conn.Exec(ctx, "UPDATE "+quoteIdent(t.Name())+" SET "+quoteIdent(col.Name)+" = $1", value); err != nil {
		return fmt.Errorf("failed to fill frame column: %w", err)
	}
	return nil
}

func (r *frameRepository) DropColumn(ctx context.Context, t FrameTable, name string) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if _, err := scope.Conn.Exec(ctx, "ALTER TABLE "+quoteIdent(t.Name())+" DROP COLUMN "+quoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop frame column: %w", err)
	}
	return nil
}

func (r *frameRepository) RenameColumn(ctx context.Context, t FrameTable, oldName, newName string) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	query := "ALTER TABLE " + quoteIdent(t.Name()) + " RENAME COLUMN " + quoteIdent(oldName) + " TO " + quoteIdent(newName)
	if _, err := scope.Conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to rename frame column: %w", err)
	}
	return nil
}

func (r *frameRepository) Select(ctx context.Context, t FrameTable, matches []Match, projection []string) (*models.Frame, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	cols := "*"
	if len(projection) > 0 {
		quoted := make([]string, len(projection))
		for i, p := range projection {
			quoted[i] = quoteIdent(p)
		}
		cols = strings.Join(quoted, ", ")
	}
	where, args := whereClause(matches, 1)
	query := "SELECT " + cols + " FROM " + quoteIdent(t.Name()) + where + " ORDER BY " + quoteIdent(rowIDColumn)

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select frame rows: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	f := &models.Frame{Rows: [][]any{}}
	keep := make([]int, 0, len(fields))
	for i, fd := range fields {
		if fd.Name == rowIDColumn {
			continue
		}
		ct, err := columnTypeOf(fd.DataTypeOID)
		if err != nil {
			return nil, fmt.Errorf("frame column %s: %w", fd.Name, err)
		}
		f.Columns = append(f.Columns, models.FrameColumn{Name: fd.Name, Type: ct})
		keep = append(keep, i)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read frame row: %w", err)
		}
		row := make([]any, len(keep))
		for j, i := range keep {
			row[j] = normalizeValue(values[i])
		}
		f.Rows = append(f.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frame rows: %w", err)
	}
	return f, nil
}

func (r *frameRepository) UpdateRows(ctx context.Context, t FrameTable, matches []Match, assignments []Assignment) (int64, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no database scope in context")
	}
	if len(assignments) == 0 {
		return 0, nil
	}

	sets := make([]string, len(assignments))
	args := make([]any, 0, len(assignments)+len(matches))
	for i, a := range assignments {
		sets[i] = fmt.Sprintf("%s = $%d", quoteIdent(a.Column), i+1)
		args = append(args, a.Value)
	}
	where, whereArgs := whereClause(matches, len(args)+1)
	args = append(args, whereArgs...)

	query := "UPDATE " + quoteIdent(t.Name()) + " SET " + strings.Join(sets, ", ") + where
	result, err := scope.Conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update frame rows: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *frameRepository) InsertRow(ctx context.Context, t FrameTable, values []Assignment) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	query := "INSERT INTO " + quoteIdent(t.Name())
	args := make([]any, len(values))
	if len(values) == 0 {
		query += " DEFAULT VALUES"
	} else {
		cols := make([]string, len(values))
		params := make([]string, len(values))
		for i, v := range values {
			cols[i] = quoteIdent(v.Column)
			params[i] = fmt.Sprintf("$%d", i+1)
			args[i] = v.Value
		}
		query += " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(params, ", ") + ")"
	}

	if _, err := scope.Conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert frame row: %w", err)
	}
	return nil
}

func (r *frameRepository) DeleteRows(ctx context.Context, t FrameTable, matches []Match) (int64, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no database scope in context")
	}

	where, args := whereClause(matches, 1)
	result, err := scope.Conn.Exec(ctx, "DELETE FROM "+quoteIdent(t.Name())+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete frame rows: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *frameRepository) CountRows(ctx context.Context, t FrameTable) (int, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no database scope in context")
	}

	var n int
	if err := scope.Conn.QueryRow(ctx, "SELECT count(*) FROM "+quoteIdent(t.Name())).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count frame rows: %w", err)
	}
	return n, nil
}

// IsUnique is true when the column has no nulls and no repeated values.
func (r *frameRepository) IsUnique(ctx context.Context, t FrameTable, column string) (bool, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return false, fmt.Errorf("no database scope in context")
	}

	col := quoteIdent(column)
	query := "SELECT count(*), count(" + col + "), count(DISTINCT " + col + ") FROM " + quoteIdent(t.Name())

	var total, nonNull, distinct int64
	if err := scope.Conn.QueryRow(ctx, query).Scan(&total, &nonNull, &distinct); err != nil {
		return false, fmt.Errorf("failed to check column uniqueness: %w", err)
	}
	return total == nonNull && nonNull == distinct, nil
}

// whereClause renders matches as AND-joined equality terms with
// placeholders numbered from first. A nil value matches NULL.
func whereClause(matches []Match, first int) (string, []any) {
	if len(matches) == 0 {
		return "", nil
	}
	terms := make([]string, len(matches))
	args := make([]any, 0, len(matches))
	for i, m := range matches {
		if m.Value == nil {
			terms[i] = quoteIdent(m.Column) + " IS NULL"
			continue
		}
		args = append(args, m.Value)
		terms[i] = fmt.Sprintf("%s = $%d", quoteIdent(m.Column), first+len(args)-1)
	}
	return " WHERE " + strings.Join(terms, " AND "), args
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sqlTypeOf(t models.ColumnType) (string, error) {
	switch t {
	case models.TypeString:
		return "TEXT", nil
	case models.TypeInteger:
		return "BIGINT", nil
	case models.TypeDouble:
		return "DOUBLE PRECISION", nil
	case models.TypeBoolean:
		return "BOOLEAN", nil
	case models.TypeDatetime:
		return "TIMESTAMPTZ", nil
	}
	return "", fmt.Errorf("unknown column type %q", t)
}

func columnTypeOf(oid uint32) (models.ColumnType, error) {
	switch oid {
	case pgtype.TextOID, pgtype.VarcharOID:
		return models.TypeString, nil
	case pgtype.Int8OID, pgtype.Int4OID, pgtype.Int2OID:
		return models.TypeInteger, nil
	case pgtype.Float8OID, pgtype.Float4OID:
		return models.TypeDouble, nil
	case pgtype.BoolOID:
		return models.TypeBoolean, nil
	case pgtype.TimestamptzOID:
		return models.TypeDatetime, nil
	}
	return "", fmt.Errorf("unsupported column type oid %d", oid)
}

// normalizeValue maps driver values onto the frame carriers.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	}
	return v
}
