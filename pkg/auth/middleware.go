package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware provides HTTP authentication middleware.
// It is thin and delegates authentication logic to AuthService.
type Middleware struct {
	authService AuthService
	sessions    *SessionManager
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
// sessions may be nil, in which case requests carry no editing session.
func NewMiddleware(authService AuthService, sessions *SessionManager, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		sessions:    sessions,
		logger:      logger,
	}
}

// RequireAuth validates the JWT and attaches the rolling editing session.
// Sets claims, token and session in context for downstream handlers.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := m.authService.ValidateRequest(r)
		if err != nil {
			m.unauthorized(w, "Authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		ctx = context.WithValue(ctx, TokenKey, token)

		if m.sessions != nil {
			session, err := m.sessions.Refresh(w, r)
			if err != nil {
				m.logger.Warn("Failed to refresh editing session",
					zap.String("path", r.URL.Path),
					zap.Error(err))
			} else {
				ctx = WithSession(ctx, session)
			}
		}

		next(w, r.WithContext(ctx))
	}
}

// unauthorized returns a 401 response with JSON error body.
func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
