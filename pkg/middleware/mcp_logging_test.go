package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func rpcHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func TestMCPRequestLogger(t *testing.T) {
	t.Run("logs successful tool call", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		wrapped := MCPRequestLogger(zap.New(core))(rpcHandler(http.StatusOK,
			`{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{}"}]}}`))

		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_table","arguments":{"workflow_id":7,"limit":10}}}`
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(reqBody))
		wrapped.ServeHTTP(httptest.NewRecorder(), req)

		require.Equal(t, 2, logs.Len())
		requestLog := logs.All()[0]
		assert.Equal(t, "MCP request", requestLog.Message)
		assert.Equal(t, "tools/call", requestLog.ContextMap()["method"])
		assert.Equal(t, "read_table", requestLog.ContextMap()["tool"])
		assert.Equal(t, float64(7), requestLog.ContextMap()["workflow_id"])

		responseLog := logs.All()[1]
		assert.Equal(t, "MCP response success", responseLog.Message)
		assert.NotNil(t, responseLog.ContextMap()["duration"])
	})

	t.Run("logs json-rpc error", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		wrapped := MCPRequestLogger(zap.New(core))(rpcHandler(http.StatusOK,
			`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"tool not found"}}`))

		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"drop_everything"}}`
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(reqBody)))

		require.Equal(t, 2, logs.Len())
		responseLog := logs.All()[1]
		assert.Equal(t, "MCP response error", responseLog.Message)
		assert.Equal(t, int64(-32602), responseLog.ContextMap()["error_code"])
		assert.Equal(t, "tool not found", responseLog.ContextMap()["error_message"])
	})

	t.Run("logs tool error result", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		wrapped := MCPRequestLogger(zap.New(core))(rpcHandler(http.StatusOK,
			`{"jsonrpc":"2.0","id":1,"result":{"isError":true,"content":[{"type":"text","text":"{\"error\":true}"}]}}`))

		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"describe_workflow","arguments":{"workflow_id":99}}}`
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(reqBody)))

		require.Equal(t, 2, logs.Len())
		assert.Equal(t, "MCP tool error", logs.All()[1].Message)
	})

	t.Run("parses event stream responses", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		wrapped := MCPRequestLogger(zap.New(core))(rpcHandler(http.StatusOK,
			"event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n"))

		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(reqBody)))

		require.Equal(t, 2, logs.Len())
		assert.Equal(t, "MCP response success", logs.All()[1].Message)
	})

	t.Run("sanitizes sensitive arguments", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		wrapped := MCPRequestLogger(zap.New(core))(rpcHandler(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{}}`))

		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"t","arguments":{"password":"hunter2","api_key":"abc","columns":"email","note":"` + strings.Repeat("a", 250) + `"}}}`
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(reqBody)))

		args := logs.All()[0].ContextMap()["arguments"].(map[string]interface{})
		assert.Equal(t, "[REDACTED]", args["password"])
		assert.Equal(t, "[REDACTED]", args["api_key"])
		assert.Equal(t, "email", args["columns"])
		assert.Len(t, args["note"].(string), 203)
	})

	t.Run("handler still sees the full body", func(t *testing.T) {
		core, _ := observer.New(zapcore.DebugLevel)
		var seen string
		wrapped := MCPRequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := new(bytes.Buffer)
			buf.ReadFrom(r.Body)
			seen = buf.String()
			w.WriteHeader(http.StatusAccepted)
		}))

		reqBody := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(reqBody)))

		assert.Equal(t, reqBody, seen)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("passes through with nil logger", func(t *testing.T) {
		called := false
		wrapped := MCPRequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{}`)))
		assert.True(t, called)
	})

	t.Run("tolerates malformed and empty bodies", func(t *testing.T) {
		core, _ := observer.New(zapcore.DebugLevel)
		wrapped := MCPRequestLogger(zap.New(core))(rpcHandler(http.StatusBadRequest, `{"error":"bad request"}`))

		for _, body := range []string{`{invalid json`, ""} {
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		}
	})
}
