package auth

import (
	"context"
	"fmt"
	"time"
)

// Session identifies the editing session of a request. Leases are held by
// sessions, so two browser tabs of one user are distinct writers.
type Session struct {
	ID        string
	ExpiresAt time.Time
}

// GetUserIDFromContext extracts the user ID from JWT claims in the context.
// Returns empty string if not authenticated or claims are missing.
func GetUserIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUserEmailFromContext extracts the user email from JWT claims.
// Returns empty string if not authenticated.
func GetUserEmailFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Email
}

// RequireUserIDFromContext extracts the user ID from context and returns an error if not found.
// Use this when user ID is required for the operation.
func RequireUserIDFromContext(ctx context.Context) (string, error) {
	userID := GetUserIDFromContext(ctx)
	if userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// WithSession stores the editing session in context.
func WithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// GetSessionFromContext returns the editing session of the request.
func GetSessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(SessionKey).(Session)
	return session, ok && session.ID != ""
}
