package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories/memory"
)

// Transactor runs a unit of work atomically. Both the Postgres and the
// memory backends provide one.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repositories groups the persistence ports used by the engine services.
type Repositories struct {
	Workflows  repositories.WorkflowRepository
	Columns    repositories.ColumnRepository
	Views      repositories.ViewRepository
	Actions    repositories.ActionRepository
	Conditions repositories.ConditionRepository
	Drafts     repositories.UploadDraftRepository
	Frames     repositories.FrameRepository
	Leases     repositories.LeaseRepository
}

// NewPostgresRepositories wires the pgx repositories. leases may be nil, in
// which case leases are kept in Postgres as well.
func NewPostgresRepositories(leases repositories.LeaseRepository) *Repositories {
	if leases == nil {
		leases = repositories.NewLeaseRepository()
	}
	conditions := repositories.NewConditionRepository()
	return &Repositories{
		Workflows:  repositories.NewWorkflowRepository(),
		Columns:    repositories.NewColumnRepository(),
		Views:      repositories.NewViewRepository(),
		Actions:    repositories.NewActionRepository(conditions),
		Conditions: conditions,
		Drafts:     repositories.NewUploadDraftRepository(),
		Frames:     repositories.NewFrameRepository(),
		Leases:     leases,
	}
}

// NewMemoryRepositories wires the in-process repositories over store.
// leases may be nil, in which case leases are kept in process as well.
func NewMemoryRepositories(store *memory.Store, leases repositories.LeaseRepository) *Repositories {
	if leases == nil {
		leases = memory.NewLeaseRepository()
	}
	return &Repositories{
		Workflows:  memory.NewWorkflowRepository(store),
		Columns:    memory.NewColumnRepository(store),
		Views:      memory.NewViewRepository(store),
		Actions:    memory.NewActionRepository(store),
		Conditions: memory.NewConditionRepository(store),
		Drafts:     memory.NewUploadDraftRepository(store),
		Frames:     memory.NewFrameRepository(store),
		Leases:     leases,
	}
}

// writeGate is the common entry of every write path: one transaction, the
// caller's lease, and a workflow the caller may access.
type writeGate struct {
	tx     Transactor
	leases LeaseManager
	repos  *Repositories
}

// read loads a workflow the caller may access. Workflows of other users
// are reported as not found.
func (g *writeGate) read(ctx context.Context, workflowID uuid.UUID) (*models.Workflow, error) {
	return accessibleWorkflow(ctx, g.repos.Workflows, workflowID)
}

// write runs fn in a transaction after verifying the lease.
func (g *writeGate) write(ctx context.Context, workflowID uuid.UUID, fn func(ctx context.Context, wf *models.Workflow) error) error {
	return g.tx.InTx(ctx, func(ctx context.Context) error {
		wf, err := g.read(ctx, workflowID)
		if err != nil {
			return err
		}
		if err := g.leases.Verify(ctx, workflowID); err != nil {
			return err
		}
		return fn(ctx, wf)
	})
}

func accessibleWorkflow(ctx context.Context, workflows repositories.WorkflowRepository, workflowID uuid.UUID) (*models.Workflow, error) {
	userID, err := auth.RequireUserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	wf, err := workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.CanAccess(userID) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, apperrors.ErrNotFound)
	}
	return wf, nil
}

// loadFrame returns the workflow frame in catalog order. A workflow without
// a table yields a frame with the catalog header and no rows.
func loadFrame(ctx context.Context, repos *Repositories, wf *models.Workflow, columns []*models.Column) (*models.Frame, error) {
	header := models.FrameHeader(columns)
	if !wf.HasTable() {
		return models.NewFrame(header...), nil
	}
	f, err := repos.Frames.Load(ctx, repositories.DataTable(wf.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to load frame: %w", err)
	}
	if f == nil {
		return models.NewFrame(header...), nil
	}
	names := make([]string, len(header))
	for i, c := range header {
		names[i] = c.Name
	}
	projected, err := f.Project(names)
	if err != nil {
		return nil, apperrors.Invariant("the frame does not match the schema: %v", err)
	}
	return projected, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
