// Package mcpauth authenticates MCP clients with RFC 6750 Bearer error
// responses, which MCP clients use to start their own token refresh.
package mcpauth

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/auth"
)

// Middleware guards the MCP endpoint.
type Middleware struct {
	authService auth.AuthService
	role        string
	logger      *zap.Logger
}

// NewMiddleware creates the MCP auth middleware. When role is non-empty a
// token must carry it in its roles claim.
func NewMiddleware(authService auth.AuthService, role string, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		role:        role,
		logger:      logger.Named("mcp-auth"),
	}
}

// RequireAuth validates the token and places its claims on the context.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := m.authService.ValidateRequest(r)
		if err != nil {
			m.logger.Debug("MCP auth failed: invalid or missing token",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeWWWAuthenticate(w, http.StatusUnauthorized, "invalid_token", "The access token is invalid or expired")
			return
		}

		if !claims.HasRole(m.role) {
			m.logger.Warn("MCP auth failed: missing role",
				zap.String("user_id", claims.Subject),
				zap.String("required_role", m.role))
			writeWWWAuthenticate(w, http.StatusForbidden, "insufficient_scope",
				fmt.Sprintf("The access token lacks the %s role", m.role))
			return
		}

		ctx := auth.WithClaims(r.Context(), claims)
		ctx = context.WithValue(ctx, auth.TokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeWWWAuthenticate writes an RFC 6750 section 3 error.
func writeWWWAuthenticate(w http.ResponseWriter, status int, errorCode, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="ontask", error="%s", error_description="%s"`, errorCode, description))
	w.WriteHeader(status)
}
