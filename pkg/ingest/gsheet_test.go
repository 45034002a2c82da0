package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/retry"
)

func TestExportURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "edit with gid fragment",
			in:   "https://docs.google.com/spreadsheets/d/DOC/edit?usp=sharing#gid=5",
			want: "https://docs.google.com/spreadsheets/d/DOC/export?format=csv&gid=5&usp=sharing",
		},
		{
			name: "edit without fragment",
			in:   "https://docs.google.com/spreadsheets/d/DOC/edit",
			want: "https://docs.google.com/spreadsheets/d/DOC/export?format=csv",
		},
		{
			name: "already an export",
			in:   "https://docs.google.com/spreadsheets/d/DOC/export?format=csv&gid=0",
			want: "https://docs.google.com/spreadsheets/d/DOC/export?format=csv&gid=0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExportURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "docs.google.com/x", "ftp://example.org/sheet"} {
		_, err := ExportURL(bad)
		assert.ErrorIs(t, err, apperrors.ErrValidation, bad)
	}
}

func fastFetcher(maxSize int64) *SheetFetcher {
	s := NewSheetFetcher(5*time.Second, maxSize, zap.NewNop())
	s.retry = &retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return s
}

func TestSheetFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/d/DOC/export", r.URL.Path)
		assert.Equal(t, "csv", r.URL.Query().Get("format"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("sid,grade\n1,A\n2,B\n"))
	}))
	defer srv.Close()

	f, err := fastFetcher(1<<20).Fetch(context.Background(), srv.URL+"/d/DOC/edit#gid=0", CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.NumRows())
	assert.Equal(t, int32(2), calls.Load())
}

func TestSheetFetcher_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fastFetcher(1<<20).Fetch(context.Background(), srv.URL+"/sheet.csv", CSVOptions{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSheetFetcher_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sid,grade\n1,A\n2,B\n"))
	}))
	defer srv.Close()

	_, err := fastFetcher(8).Fetch(context.Background(), srv.URL+"/sheet.csv", CSVOptions{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}
