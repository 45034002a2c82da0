package mysql

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
)

func TestBuildDSN(t *testing.T) {
	dsn, err := BuildDSN(datasource.ConnectionParams{
		Host:     "db.internal",
		Database: "course",
		User:     "reader",
		Password: "s3cret",
	})
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db.internal:3306", cfg.Addr)
	assert.Equal(t, "s3cret", cfg.Passwd)
	assert.Equal(t, "course", cfg.DBName)
	assert.True(t, cfg.ParseTime)

	_, err = BuildDSN(datasource.ConnectionParams{Database: "course"})
	assert.Error(t, err)
}

func TestRetypeText(t *testing.T) {
	res := &datasource.ReadResult{
		Columns: []datasource.ColumnInfo{{Name: "sid", Type: "INT"}, {Name: "score", Type: "DECIMAL"}, {Name: "email", Type: "VARCHAR"}},
		Rows:    [][]any{{"1", "72.50", "42"}, {nil, "x", "b"}},
	}
	retypeText(res)
	assert.Equal(t, []any{int64(1), 72.5, "42"}, res.Rows[0])
	assert.Equal(t, []any{nil, "x", "b"}, res.Rows[1])
}

func TestQuoteIdentifier(t *testing.T) {
	r := &Reader{}
	assert.Equal(t, "`course`.`students`", r.QuoteIdentifier("course.students"))
	assert.Equal(t, "`we``ird`", r.QuoteIdentifier("we`ird"))
}
