package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/formula"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// ViewRequest is the input of view creation and update. Columns are names.
type ViewRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Columns     []string      `json:"columns"`
	Filter      *formula.Node `json:"filter,omitempty"`
}

// ViewService manages the named projections of a workflow.
type ViewService interface {
	List(ctx context.Context, workflowID uuid.UUID) ([]*models.View, error)
	Get(ctx context.Context, workflowID, viewID uuid.UUID) (*models.View, error)
	Create(ctx context.Context, workflowID uuid.UUID, req *ViewRequest) (*models.View, error)
	Update(ctx context.Context, workflowID, viewID uuid.UUID, req *ViewRequest) (*models.View, error)
	Delete(ctx context.Context, workflowID, viewID uuid.UUID) error
	// Frame returns the rows of the workflow frame that pass the view filter,
	// projected to the view columns in catalog order.
	Frame(ctx context.Context, workflowID, viewID uuid.UUID) (*models.Frame, error)
}

type viewService struct {
	writeGate
	logger *zap.Logger
}

// NewViewService creates the view service.
func NewViewService(tx Transactor, leases LeaseManager, repos *Repositories, logger *zap.Logger) ViewService {
	return &viewService{
		writeGate: writeGate{tx: tx, leases: leases, repos: repos},
		logger:    logger.Named("view-service"),
	}
}

var _ ViewService = (*viewService)(nil)

func (s *viewService) List(ctx context.Context, workflowID uuid.UUID) ([]*models.View, error) {
	if _, err := s.read(ctx, workflowID); err != nil {
		return nil, err
	}
	views, err := s.repos.Views.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	return views, nil
}

func (s *viewService) Get(ctx context.Context, workflowID, viewID uuid.UUID) (*models.View, error) {
	if _, err := s.read(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.view(ctx, workflowID, viewID)
}

func (s *viewService) Create(ctx context.Context, workflowID uuid.UUID, req *ViewRequest) (*models.View, error) {
	var created *models.View
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		view := &models.View{ID: uuid.New(), WorkflowID: workflowID}
		if err := s.apply(ctx, view, req); err != nil {
			return err
		}
		if err := s.repos.Views.Create(ctx, view); err != nil {
			return fmt.Errorf("failed to create view: %w", err)
		}
		created = view
		return s.repos.Workflows.Touch(ctx, workflowID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *viewService) Update(ctx context.Context, workflowID, viewID uuid.UUID, req *ViewRequest) (*models.View, error) {
	var updated *models.View
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		view, err := s.view(ctx, workflowID, viewID)
		if err != nil {
			return err
		}
		if err := s.apply(ctx, view, req); err != nil {
			return err
		}
		if err := s.repos.Views.Update(ctx, view); err != nil {
			return fmt.Errorf("failed to update view: %w", err)
		}
		updated = view
		return s.repos.Workflows.Touch(ctx, workflowID)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *viewService) Delete(ctx context.Context, workflowID, viewID uuid.UUID) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if _, err := s.view(ctx, workflowID, viewID); err != nil {
			return err
		}
		if err := s.repos.Views.Delete(ctx, viewID); err != nil {
			return fmt.Errorf("failed to delete view: %w", err)
		}
		return s.repos.Workflows.Touch(ctx, workflowID)
	})
}

func (s *viewService) Frame(ctx context.Context, workflowID, viewID uuid.UUID) (*models.Frame, error) {
	wf, err := s.read(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	view, err := s.view(ctx, workflowID, viewID)
	if err != nil {
		return nil, err
	}
	columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	f, err := loadFrame(ctx, s.repos, wf, columns)
	if err != nil {
		return nil, err
	}

	var rows []int
	for i := range f.Rows {
		ok, err := view.Filter.Evaluate(f.Row(i))
		if err != nil {
			return nil, apperrors.Validation("view %s: %v", view.Name, err)
		}
		if ok {
			rows = append(rows, i)
		}
	}
	var names []string
	for _, c := range columns {
		if view.HasColumn(c.ID) {
			names = append(names, c.Name)
		}
	}
	projected, err := f.Filter(rows).Project(names)
	if err != nil {
		return nil, apperrors.Invariant("view %s: %v", view.Name, err)
	}
	return projected, nil
}

func (s *viewService) view(ctx context.Context, workflowID, viewID uuid.UUID) (*models.View, error) {
	view, err := s.repos.Views.GetByID(ctx, viewID)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", viewID, err)
	}
	if view.WorkflowID != workflowID {
		return nil, fmt.Errorf("view %s: %w", viewID, apperrors.ErrNotFound)
	}
	return view, nil
}

// apply validates req against the catalog and copies it into view.
func (s *viewService) apply(ctx context.Context, view *models.View, req *ViewRequest) error {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return apperrors.FieldValidation("name", "a view name is required")
	}
	if len(req.Columns) == 0 {
		return apperrors.FieldValidation("columns", "a view needs at least one column")
	}
	columns, err := s.repos.Columns.ListByWorkflow(ctx, view.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to list columns: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(req.Columns))
	for _, n := range req.Columns {
		c := models.FindColumn(columns, n)
		if c == nil {
			return apperrors.FieldValidation("columns", "column %s is not in the workflow", n)
		}
		ids = append(ids, c.ID)
	}
	if err := checkFormula("filter", req.Filter, columns); err != nil {
		return err
	}

	view.Name = name
	view.Description = req.Description
	view.ColumnIDs = ids
	view.Filter = req.Filter.Clone()
	return nil
}
