package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
)

func TestReadCSV(t *testing.T) {
	data := "exported by lms\n" +
		"sid,email,score\n" +
		"1,ana@example.org,72.5\n" +
		"\n" +
		"2,ben@example.org,48\n" +
		"total,,120.5\n"

	f, err := ReadCSV(strings.NewReader(data), CSVOptions{SkipLinesAtTop: 1, SkipLinesAtBottom: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"sid", "email", "score"}, f.ColumnNames())
	assert.Equal(t, 2, f.NumRows())
	assert.Equal(t, []any{int64(1), int64(2)}, f.Values("sid"))
}

func TestReadCSV_Delimiter(t *testing.T) {
	f, err := ReadCSV(strings.NewReader("sid;name\n1;\"Ana; Lopez\"\n"), CSVOptions{Delimiter: ";"})
	require.NoError(t, err)
	assert.Equal(t, []any{"Ana; Lopez"}, f.Values("name"))
}

func TestReadCSV_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		opts  CSVOptions
		field string
	}{
		{name: "empty", data: ""},
		{name: "everything skipped", data: "a,b\n1,2\n", opts: CSVOptions{SkipLinesAtBottom: 5}},
		{name: "negative skip", data: "a\n1\n", opts: CSVOptions{SkipLinesAtTop: -1}, field: "skip_lines_at_top"},
		{name: "long delimiter", data: "a\n1\n", opts: CSVOptions{Delimiter: "||"}, field: "delimiter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.data), tt.opts)
			require.ErrorIs(t, err, apperrors.ErrValidation)
			if tt.field != "" {
				var verr *apperrors.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
			}
		})
	}
}

func TestReadCSV_HeaderOnly(t *testing.T) {
	f, err := ReadCSV(strings.NewReader("sid,email\n"), CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.NumColumns())
	assert.Zero(t, f.NumRows(), "the upload step rejects frames without rows")
}
