package database

import (
	"context"
)

type contextKey string

const (
	// ScopeKey is the context key for the request-scoped database connection.
	ScopeKey contextKey = "dbScope"
)

// GetScope retrieves the request-scoped database connection from context.
// Returns nil and false if not present.
func GetScope(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ScopeKey).(*Scope)
	return scope, ok
}

// SetScope stores the request-scoped database connection in context.
func SetScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// ScopeProvider opens scopes for work that runs outside an HTTP request,
// such as deferred plugin tasks and MCP tool calls.
type ScopeProvider interface {
	WithScope(ctx context.Context) (context.Context, func(), error)
}

// PoolScopeProvider opens scopes on a pgx pool.
type PoolScopeProvider struct {
	db *DB
}

// NewScopeProvider creates a ScopeProvider for the given database.
func NewScopeProvider(db *DB) *PoolScopeProvider {
	return &PoolScopeProvider{db: db}
}

// WithScope returns a context carrying a fresh scope. The cleanup function
// must be called when the scope is no longer needed.
func (p *PoolScopeProvider) WithScope(ctx context.Context) (context.Context, func(), error) {
	scope, err := p.db.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetScope(ctx, scope), scope.Close, nil
}

// NoopScopeProvider is used by the memory backend, whose repositories need
// no connection.
type NoopScopeProvider struct{}

// WithScope returns ctx unchanged.
func (NoopScopeProvider) WithScope(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}
