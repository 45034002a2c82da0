package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type txKey struct{}

// PgTransactor runs units of work in a transaction on the scope connection.
type PgTransactor struct{}

// NewTransactor returns the Postgres transactor.
func NewTransactor() *PgTransactor {
	return &PgTransactor{}
}

// InTx runs fn inside a transaction. Nested calls join the outer
// transaction. The commit is detached from request cancellation so a
// client disconnect after fn succeeds cannot leave the unit half applied.
func (t *PgTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, nested := ctx.Value(txKey{}).(pgx.Tx); nested {
		return fn(ctx)
	}

	scope, ok := GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
