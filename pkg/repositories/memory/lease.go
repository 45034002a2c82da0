package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// leaseRepository keeps leases outside the Store so a rolled back unit of
// work never revokes or resurrects a lease.
type leaseRepository struct {
	mu     sync.Mutex
	leases map[uuid.UUID]models.Lease
}

// NewLeaseRepository creates an in-process lease store.
func NewLeaseRepository() repositories.LeaseRepository {
	return &leaseRepository{leases: make(map[uuid.UUID]models.Lease)}
}

var _ repositories.LeaseRepository = (*leaseRepository)(nil)

func (r *leaseRepository) Acquire(_ context.Context, lease *models.Lease, now time.Time) (*models.Lease, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.leases[lease.WorkflowID]; ok && held.IsLive(now) {
		if held.SessionID != lease.SessionID && held.UserID != lease.UserID {
			return &held, false, nil
		}
		if held.SessionID == lease.SessionID {
			lease.AcquiredAt = held.AcquiredAt
		}
	}
	r.leases[lease.WorkflowID] = *lease
	granted := *lease
	return &granted, true, nil
}

func (r *leaseRepository) Get(_ context.Context, workflowID uuid.UUID) (*models.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.leases[workflowID]
	if !ok {
		return nil, nil
	}
	return &held, nil
}

func (r *leaseRepository) Release(_ context.Context, workflowID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.leases, workflowID)
	return nil
}

func (r *leaseRepository) Extend(_ context.Context, workflowID uuid.UUID, sessionID string, expiresAt, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.leases[workflowID]
	if !ok || held.SessionID != sessionID || !held.IsLive(now) {
		return false, nil
	}
	if expiresAt.After(held.ExpiresAt) {
		held.ExpiresAt = expiresAt
		r.leases[workflowID] = held
	}
	return true, nil
}
