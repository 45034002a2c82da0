package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// CreateWorkflowRequest is the input of WorkflowService.Create.
type CreateWorkflowRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// UpdateWorkflowRequest carries the editable workflow fields. Nil fields are kept.
type UpdateWorkflowRequest struct {
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
	Attributes  *map[string]string `json:"attributes,omitempty"`
}

// WorkflowDetail is a workflow with its schema, views and current lease.
type WorkflowDetail struct {
	*models.Workflow
	Columns []*models.Column `json:"columns"`
	Views   []*models.View   `json:"views"`
	Lease   *models.Lease    `json:"lease,omitempty"`
}

// WorkflowService manages workflow metadata and sharing.
type WorkflowService interface {
	List(ctx context.Context) ([]*models.Workflow, error)
	Create(ctx context.Context, req *CreateWorkflowRequest) (*models.Workflow, error)
	Get(ctx context.Context, workflowID uuid.UUID) (*WorkflowDetail, error)
	Update(ctx context.Context, workflowID uuid.UUID, req *UpdateWorkflowRequest) (*models.Workflow, error)
	// Delete removes the workflow with its frame, schema and dependents.
	// Only the owner may delete.
	Delete(ctx context.Context, workflowID uuid.UUID) error
	// Share replaces the set of users the workflow is shared with.
	Share(ctx context.Context, workflowID uuid.UUID, userIDs []string) (*models.Workflow, error)
}

type workflowService struct {
	writeGate
	logger *zap.Logger
}

// NewWorkflowService creates the workflow service.
func NewWorkflowService(tx Transactor, leases LeaseManager, repos *Repositories, logger *zap.Logger) WorkflowService {
	return &workflowService{
		writeGate: writeGate{tx: tx, leases: leases, repos: repos},
		logger:    logger.Named("workflow-service"),
	}
}

var _ WorkflowService = (*workflowService)(nil)

func (s *workflowService) List(ctx context.Context) ([]*models.Workflow, error) {
	userID, err := auth.RequireUserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	workflows, err := s.repos.Workflows.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return workflows, nil
}

func (s *workflowService) Create(ctx context.Context, req *CreateWorkflowRequest) (*models.Workflow, error) {
	userID, err := auth.RequireUserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.FieldValidation("name", "a workflow name is required")
	}

	wf := &models.Workflow{
		ID:          uuid.New(),
		OwnerID:     userID,
		Name:        name,
		Description: req.Description,
		Attributes:  models.JSONBStringMap(req.Attributes),
		SharedWith:  []string{},
	}
	if wf.Attributes == nil {
		wf.Attributes = models.JSONBStringMap{}
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repos.Workflows.GetByOwnerAndName(ctx, userID, name)
		if err != nil {
			return fmt.Errorf("failed to check workflow name: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("workflow %q already exists: %w", name, apperrors.ErrConflict)
		}
		if err := s.repos.Workflows.Create(ctx, wf); err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		ops, err := buildQueryBuilderOps(nil)
		if err != nil {
			return err
		}
		wf.QueryBuilderOps = ops
		return s.repos.Workflows.Update(ctx, wf)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Created workflow",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("owner", userID))
	return wf, nil
}

func (s *workflowService) Get(ctx context.Context, workflowID uuid.UUID) (*WorkflowDetail, error) {
	wf, err := s.read(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	views, err := s.repos.Views.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	lease, err := s.leases.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &WorkflowDetail{Workflow: wf, Columns: columns, Views: views, Lease: lease}, nil
}

func (s *workflowService) Update(ctx context.Context, workflowID uuid.UUID, req *UpdateWorkflowRequest) (*models.Workflow, error) {
	var updated *models.Workflow
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return apperrors.FieldValidation("name", "a workflow name is required")
			}
			wf.Name = name
		}
		if req.Description != nil {
			wf.Description = *req.Description
		}
		if req.Attributes != nil {
			wf.Attributes = models.JSONBStringMap(*req.Attributes)
		}
		if err := s.repos.Workflows.Update(ctx, wf); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				return fmt.Errorf("workflow %q already exists: %w", wf.Name, apperrors.ErrConflict)
			}
			return fmt.Errorf("failed to update workflow: %w", err)
		}
		updated = wf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *workflowService) Delete(ctx context.Context, workflowID uuid.UUID) error {
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if wf.OwnerID != auth.GetUserIDFromContext(ctx) {
			return apperrors.Validation("only the owner can delete the workflow")
		}
		sessions, err := s.repos.Drafts.ListSessions(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list upload drafts: %w", err)
		}
		tables := []repositories.FrameTable{repositories.DataTable(workflowID)}
		for _, session := range sessions {
			tables = append(tables, repositories.UploadTable(workflowID, session))
		}
		for _, t := range tables {
			if err := s.repos.Frames.Drop(ctx, t); err != nil {
				return fmt.Errorf("failed to drop %s: %w", t.Name(), err)
			}
		}
		if err := s.repos.Workflows.Delete(ctx, workflowID); err != nil {
			return fmt.Errorf("failed to delete workflow: %w", err)
		}
		return s.leases.Release(ctx, workflowID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Deleted workflow", zap.String("workflow_id", workflowID.String()))
	return nil
}

func (s *workflowService) Share(ctx context.Context, workflowID uuid.UUID, userIDs []string) (*models.Workflow, error) {
	var updated *models.Workflow
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if wf.OwnerID != auth.GetUserIDFromContext(ctx) {
			return apperrors.Validation("only the owner can change sharing")
		}
		shared := make([]string, 0, len(userIDs))
		for _, u := range userIDs {
			u = strings.TrimSpace(u)
			if u == "" || u == wf.OwnerID || slices.Contains(shared, u) {
				continue
			}
			shared = append(shared, u)
		}
		slices.Sort(shared)
		wf.SharedWith = shared
		if err := s.repos.Workflows.Update(ctx, wf); err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}
		updated = wf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
