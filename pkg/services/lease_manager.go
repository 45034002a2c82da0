package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// LeaseManager enforces a single writer per workflow. Leases belong to the
// editing session of the request and expire with it.
type LeaseManager interface {
	// Acquire takes or refreshes the lease for the caller's session.
	Acquire(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error)
	// Release clears the lease when the caller holds it or it has expired.
	Release(ctx context.Context, workflowID uuid.UUID) error
	// Get returns the live lease or nil.
	Get(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error)
	IsLocked(ctx context.Context, workflowID uuid.UUID) (bool, error)
	// Verify fails with LeaseDenied unless the caller's session holds a live
	// lease, and extends it to the current session expiry.
	Verify(ctx context.Context, workflowID uuid.UUID) error
}

type leaseManager struct {
	leases repositories.LeaseRepository
	now    func() time.Time
	logger *zap.Logger
}

// NewLeaseManager creates a lease manager over the configured backend.
func NewLeaseManager(leases repositories.LeaseRepository, logger *zap.Logger) LeaseManager {
	return &leaseManager{
		leases: leases,
		now:    nowUTC,
		logger: logger.Named("lease-manager"),
	}
}

var _ LeaseManager = (*leaseManager)(nil)

func (m *leaseManager) Acquire(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error) {
	session, ok := auth.GetSessionFromContext(ctx)
	if !ok {
		return nil, &apperrors.LeaseDeniedError{}
	}
	userID, err := auth.RequireUserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	requested := &models.Lease{
		WorkflowID: workflowID,
		SessionID:  session.ID,
		UserID:     userID,
		UserEmail:  auth.GetUserEmailFromContext(ctx),
		AcquiredAt: now,
		ExpiresAt:  session.ExpiresAt,
	}
	holder, granted, err := m.leases.Acquire(ctx, requested, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !granted {
		m.logger.Debug("Lease denied",
			zap.String("workflow_id", workflowID.String()),
			zap.String("holder", holder.UserEmail))
		return nil, &apperrors.LeaseDeniedError{Holder: holder.UserEmail}
	}
	return holder, nil
}

func (m *leaseManager) Release(ctx context.Context, workflowID uuid.UUID) error {
	current, err := m.leases.Get(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to get lease: %w", err)
	}
	if current == nil {
		return nil
	}
	if current.IsLive(m.now()) && !m.ownedByCaller(ctx, current) {
		return &apperrors.LeaseDeniedError{Holder: current.UserEmail}
	}
	if err := m.leases.Release(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (m *leaseManager) Get(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error) {
	current, err := m.leases.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	if !current.IsLive(m.now()) {
		return nil, nil
	}
	return current, nil
}

func (m *leaseManager) IsLocked(ctx context.Context, workflowID uuid.UUID) (bool, error) {
	current, err := m.Get(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return current != nil, nil
}

func (m *leaseManager) Verify(ctx context.Context, workflowID uuid.UUID) error {
	session, ok := auth.GetSessionFromContext(ctx)
	if !ok {
		return &apperrors.LeaseDeniedError{}
	}
	now := m.now()
	extended, err := m.leases.Extend(ctx, workflowID, session.ID, session.ExpiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if extended {
		return nil
	}

	current, err := m.leases.Get(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to get lease: %w", err)
	}
	if current.IsLive(now) {
		return &apperrors.LeaseDeniedError{Holder: current.UserEmail}
	}
	return &apperrors.LeaseDeniedError{}
}

// ownedByCaller matches the session first and then the user, so a newer
// session of the same user may clear a lease left behind by an older one.
func (m *leaseManager) ownedByCaller(ctx context.Context, lease *models.Lease) bool {
	if session, ok := auth.GetSessionFromContext(ctx); ok && session.ID == lease.SessionID {
		return true
	}
	return lease.UserID != "" && lease.UserID == auth.GetUserIDFromContext(ctx)
}
