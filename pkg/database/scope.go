package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Scope is the single pooled connection one request or task works on.
// Repositories read it from the context; transactions begun on Conn are seen
// by every repository sharing the scope.
type Scope struct {
	Conn *pgxpool.Conn
}

// Close releases the connection to the pool. A transaction left open by a
// failed handler is rolled back first so it cannot leak to the next user.
func (s *Scope) Close() {
	if s.Conn == nil {
		return
	}
	if s.Conn.Conn().PgConn().TxStatus() != 'I' {
		_, _ = s.Conn.Exec(context.Background(), "ROLLBACK")
	}
	s.Conn.Release()
}

// Acquire takes a connection from the pool for the lifetime of a scope.
// The returned Scope MUST be closed with defer scope.Close().
func (db *DB) Acquire(ctx context.Context) (*Scope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{Conn: conn}, nil
}
