package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/logging"
)

// maxMCPLogBody caps how much of a request body is buffered for logging.
const maxMCPLogBody = 1 << 20

// MCPRequestLogger returns middleware that logs MCP JSON-RPC calls: the
// method, the tool, its sanitized arguments and whether the response carried
// an error. Pass nil logger to disable logging.
func MCPRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxMCPLogBody))
			if err != nil {
				logger.Error("Failed to read MCP request body", zap.Error(err))
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(bodyBytes), r.Body))

			var rpcReq jsonRPCRequest
			if len(bodyBytes) > 0 {
				if err := json.Unmarshal(bodyBytes, &rpcReq); err != nil {
					logger.Debug("Failed to parse MCP request JSON", zap.Error(err))
				}
			}

			toolName := rpcReq.Params.Name
			fields := []zap.Field{
				zap.String("method", rpcReq.Method),
				zap.String("tool", toolName),
				zap.Any("arguments", logging.SanitizeArguments(rpcReq.Params.Arguments)),
			}
			if wid, ok := rpcReq.Params.Arguments["workflow_id"]; ok {
				fields = append(fields, zap.Any("workflow_id", wid))
			}
			logger.Debug("MCP request", fields...)

			recorder := &mcpResponseRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)

			var rpcResp jsonRPCResponse
			if err := json.Unmarshal(jsonPayload(recorder.body.Bytes()), &rpcResp); err != nil {
				logger.Debug("Failed to parse MCP response JSON", zap.Error(err))
				return
			}

			if rpcResp.Error != nil {
				logger.Debug("MCP response error",
					zap.String("tool", toolName),
					zap.Int("error_code", rpcResp.Error.Code),
					zap.String("error_message", logging.SanitizeText(rpcResp.Error.Message)),
					zap.Duration("duration", duration),
				)
				return
			}
			if rpcResp.Result.IsError {
				logger.Debug("MCP tool error",
					zap.String("tool", toolName),
					zap.Duration("duration", duration),
				)
				return
			}
			logger.Debug("MCP response success",
				zap.String("tool", toolName),
				zap.Duration("duration", duration),
			)
		})
	}
}

type jsonRPCRequest struct {
	Method string `json:"method"`
	Params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type jsonRPCResponse struct {
	Result struct {
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *jsonRPCError `json:"error"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// jsonPayload strips the "data:" framing of a single server-sent event.
func jsonPayload(body []byte) []byte {
	body = bytes.TrimSpace(body)
	for _, line := range bytes.Split(body, []byte("\n")) {
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(rest)
		}
	}
	return body
}

// mcpResponseRecorder tees the response body into a buffer.
type mcpResponseRecorder struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (r *mcpResponseRecorder) Write(b []byte) (int, error) {
	if r.body.Len() < maxMCPLogBody {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

func (r *mcpResponseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *mcpResponseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
