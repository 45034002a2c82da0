package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serveLogged(t *testing.T, h http.HandlerFunc) (*observer.ObservedLogs, *httptest.ResponseRecorder) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	handler := RequestLogger(zap.New(core))(h)

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/7/table", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return logs, rec
}

func TestRequestLogger_LogsRequest(t *testing.T) {
	logs, _ := serveLogged(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	})

	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "HTTP request" {
		t.Errorf("expected message 'HTTP request', got '%s'", entry.Message)
	}
	ctx := entry.ContextMap()
	if ctx["path"] != "/api/workflows/7/table" {
		t.Errorf("unexpected path %v", ctx["path"])
	}
	if ctx["status"] != int64(http.StatusOK) {
		t.Errorf("expected status 200, got %v", ctx["status"])
	}
	if ctx["bytes"] != int64(len(`{"success":true}`)) {
		t.Errorf("unexpected bytes %v", ctx["bytes"])
	}
	if entry.Level != zapcore.DebugLevel {
		t.Errorf("expected debug level, got %s", entry.Level)
	}
}

func TestRequestLogger_NilLogger_PassesThrough(t *testing.T) {
	called := false
	handler := RequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		want   zapcore.Level
	}{
		{http.StatusNoContent, zapcore.DebugLevel},
		{http.StatusLocked, zapcore.InfoLevel},
		{http.StatusNotFound, zapcore.InfoLevel},
		{http.StatusInternalServerError, zapcore.WarnLevel},
	}

	for _, tt := range tests {
		logs, _ := serveLogged(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		entry := logs.All()[0]
		if entry.Level != tt.want {
			t.Errorf("status %d: expected level %s, got %s", tt.status, tt.want, entry.Level)
		}
		if entry.ContextMap()["status"] != int64(tt.status) {
			t.Errorf("status %d: logged %v", tt.status, entry.ContextMap()["status"])
		}
	}
}

func TestRequestLogger_HandlerWritesMultipleHeaders(t *testing.T) {
	logs, rec := serveLogged(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.WriteHeader(http.StatusInternalServerError)
	})

	if got := logs.All()[0].ContextMap()["status"]; got != int64(http.StatusBadRequest) {
		t.Errorf("expected status %d, got %v", http.StatusBadRequest, got)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected recorded status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestResponseWriter_WriteTriggersWriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	if _, err := rw.Write([]byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rw.headerWritten {
		t.Error("expected headerWritten to be true")
	}
	if rw.bytes != 5 {
		t.Errorf("expected 5 bytes, got %d", rw.bytes)
	}

	rw.WriteHeader(http.StatusAccepted)
	if rw.statusCode != http.StatusOK {
		t.Errorf("late WriteHeader changed status to %d", rw.statusCode)
	}
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.Write([]byte("event: message\n\n"))
	rw.Flush()

	if !rec.Flushed {
		t.Error("expected flush to reach the underlying writer")
	}
	if rw.Unwrap() != rec {
		t.Error("expected Unwrap to return the underlying writer")
	}
}
