package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ekaya-inc/ontask-engine/pkg/auth"
)

// ScopeMiddleware attaches per-request resources, such as the pooled
// database connection, after authentication.
type ScopeMiddleware func(http.HandlerFunc) http.HandlerFunc

// protected chains authentication and the request scope.
func protected(authMiddleware *auth.Middleware, scope ScopeMiddleware) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return authMiddleware.RequireAuth(scope(next))
	}
}

// decodeJSON decodes the request body into v. Numbers are kept as
// json.Number so integer cells survive the trip into a frame.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}
