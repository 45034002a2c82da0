package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// LeaseRepository stores the single-writer lease of each workflow.
type LeaseRepository interface {
	// Acquire grants lease when no live lease exists, or when the live lease
	// belongs to the same session or the same user. It returns the lease
	// holding the workflow afterwards and whether it is the requested one.
	Acquire(ctx context.Context, lease *models.Lease, now time.Time) (*models.Lease, bool, error)
	// Get returns the stored lease (live or expired) or nil.
	Get(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error)
	Release(ctx context.Context, workflowID uuid.UUID) error
	// Extend moves the expiry of a live lease held by sessionID.
	// It reports false when the session does not hold it.
	Extend(ctx context.Context, workflowID uuid.UUID, sessionID string, expiresAt, now time.Time) (bool, error)
}

type leaseRepository struct{}

// NewLeaseRepository creates the Postgres lease store.
func NewLeaseRepository() LeaseRepository {
	return &leaseRepository{}
}

var _ LeaseRepository = (*leaseRepository)(nil)

// Acquire is a single statement, so concurrent acquisitions of one workflow
// are linearised by the row lock taken by ON CONFLICT.
func (r *leaseRepository) Acquire(ctx context.Context, lease *models.Lease, now time.Time) (*models.Lease, bool, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, false, fmt.Errorf("no database scope in context")
	}

	query := `
		INSERT INTO engine_workflow_leases (workflow_id, session_id, user_id, user_email, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id) DO UPDATE
		SET session_id = EXCLUDED.session_id,
		    user_id = EXCLUDED.user_id,
		    user_email = EXCLUDED.user_email,
		    acquired_at = CASE WHEN engine_workflow_leases.session_id = EXCLUDED.session_id
		                       THEN engine_workflow_leases.acquired_at ELSE EXCLUDED.acquired_at END,
		    expires_at = EXCLUDED.expires_at
		WHERE engine_workflow_leases.session_id = EXCLUDED.session_id
		   OR engine_workflow_leases.user_id = EXCLUDED.user_id
		   OR engine_workflow_leases.expires_at <= $7
		RETURNING workflow_id, session_id, user_id, user_email, acquired_at, expires_at`

	granted, err := scanLease(scope.Conn.QueryRow(ctx, query,
		lease.WorkflowID,
		lease.SessionID,
		lease.UserID,
		lease.UserEmail,
		lease.AcquiredAt,
		lease.ExpiresAt,
		now,
	))
	if err == nil {
		return granted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	// The WHERE clause refused the update: somebody else holds a live lease.
	holder, err := r.Get(ctx, lease.WorkflowID)
	if err != nil {
		return nil, false, err
	}
	return holder, false, nil
}

func (r *leaseRepository) Get(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `
		SELECT workflow_id, session_id, user_id, user_email, acquired_at, expires_at
		FROM engine_workflow_leases
		WHERE workflow_id = $1`

	lease, err := scanLease(scope.Conn.QueryRow(ctx, query, workflowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return lease, nil
}

func (r *leaseRepository) Release(ctx context.Context, workflowID uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if _, err := scope.Conn.Exec(ctx, `DELETE FROM engine_workflow_leases WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (r *leaseRepository) Extend(ctx context.Context, workflowID uuid.UUID, sessionID string, expiresAt, now time.Time) (bool, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return false, fmt.Errorf("no database scope in context")
	}

	query := `
		UPDATE engine_workflow_leases
		SET expires_at = GREATEST(expires_at, $3)
		WHERE workflow_id = $1 AND session_id = $2 AND expires_at > $4`

	result, err := scope.Conn.Exec(ctx, query, workflowID, sessionID, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func scanLease(row pgx.Row) (*models.Lease, error) {
	var l models.Lease
	if err := row.Scan(&l.WorkflowID, &l.SessionID, &l.UserID, &l.UserEmail, &l.AcquiredAt, &l.ExpiresAt); err != nil {
		return nil, err
	}
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}
