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

// ActionRequest is the input of action creation.
type ActionRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	ActionType  string              `json:"action_type"`
	TextContent string              `json:"text_content"`
	Conditions  []*ConditionRequest `json:"conditions,omitempty"`
}

// ConditionRequest is the input of condition creation.
type ConditionRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Formula     *formula.Node `json:"formula"`
	IsFilter    bool          `json:"is_filter"`
}

// ActionService manages the part of the action catalog that depends on the
// workflow schema: action texts and their conditions.
type ActionService interface {
	List(ctx context.Context, workflowID uuid.UUID) ([]*models.Action, error)
	Get(ctx context.Context, workflowID, actionID uuid.UUID) (*models.Action, error)
	Create(ctx context.Context, workflowID uuid.UUID, req *ActionRequest) (*models.Action, error)
	Delete(ctx context.Context, workflowID, actionID uuid.UUID) error
	AddCondition(ctx context.Context, workflowID, actionID uuid.UUID, req *ConditionRequest) (*models.Condition, error)
	DeleteCondition(ctx context.Context, workflowID, actionID, conditionID uuid.UUID) error
}

type actionService struct {
	writeGate
	logger *zap.Logger
}

// NewActionService creates the action service.
func NewActionService(tx Transactor, leases LeaseManager, repos *Repositories, logger *zap.Logger) ActionService {
	return &actionService{
		writeGate: writeGate{tx: tx, leases: leases, repos: repos},
		logger:    logger.Named("action-service"),
	}
}

var _ ActionService = (*actionService)(nil)

func (s *actionService) List(ctx context.Context, workflowID uuid.UUID) ([]*models.Action, error) {
	if _, err := s.read(ctx, workflowID); err != nil {
		return nil, err
	}
	actions, err := s.repos.Actions.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

func (s *actionService) Get(ctx context.Context, workflowID, actionID uuid.UUID) (*models.Action, error) {
	if _, err := s.read(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.action(ctx, workflowID, actionID)
}

func (s *actionService) Create(ctx context.Context, workflowID uuid.UUID, req *ActionRequest) (*models.Action, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.FieldValidation("name", "an action name is required")
	}
	if req.ActionType == "" {
		req.ActionType = models.ActionPersonalizedText
	}
	if !models.ValidActionType(req.ActionType) {
		return nil, apperrors.FieldValidation("action_type", "unknown action type %q", req.ActionType)
	}

	var created *models.Action
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		rows, err := s.frameRows(ctx, wf, columns)
		if err != nil {
			return err
		}

		action := &models.Action{
			ID:          uuid.New(),
			WorkflowID:  workflowID,
			Name:        name,
			Description: req.Description,
			ActionType:  req.ActionType,
			TextContent: req.TextContent,
		}
		filters := 0
		for i, cr := range req.Conditions {
			cond, err := newCondition(fmt.Sprintf("conditions[%d]", i), action, cr, columns, rows)
			if err != nil {
				return err
			}
			if cond.IsFilter {
				filters++
			}
			action.Conditions = append(action.Conditions, cond)
		}
		if filters > 1 {
			return apperrors.FieldValidation("conditions", "an action can have only one filter")
		}
		if err := s.repos.Actions.Create(ctx, action); err != nil {
			return fmt.Errorf("failed to create action: %w", err)
		}
		created = action
		return s.repos.Workflows.Touch(ctx, workflowID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *actionService) Delete(ctx context.Context, workflowID, actionID uuid.UUID) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		if _, err := s.action(ctx, workflowID, actionID); err != nil {
			return err
		}
		if err := s.repos.Actions.Delete(ctx, actionID); err != nil {
			return fmt.Errorf("failed to delete action: %w", err)
		}
		return s.repos.Workflows.Touch(ctx, workflowID)
	})
}

func (s *actionService) AddCondition(ctx context.Context, workflowID, actionID uuid.UUID, req *ConditionRequest) (*models.Condition, error) {
	var created *models.Condition
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		action, err := s.action(ctx, workflowID, actionID)
		if err != nil {
			return err
		}
		if req.IsFilter && action.Filter() != nil {
			return apperrors.FieldValidation("is_filter", "action %s already has a filter", action.Name)
		}
		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		rows, err := s.frameRows(ctx, wf, columns)
		if err != nil {
			return err
		}
		cond, err := newCondition("formula", action, req, columns, rows)
		if err != nil {
			return err
		}
		if err := s.repos.Conditions.Create(ctx, cond); err != nil {
			return fmt.Errorf("failed to create condition: %w", err)
		}
		created = cond
		return s.repos.Workflows.Touch(ctx, workflowID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *actionService) DeleteCondition(ctx context.Context, workflowID, actionID, conditionID uuid.UUID) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		action, err := s.action(ctx, workflowID, actionID)
		if err != nil {
			return err
		}
		found := false
		for _, c := range action.Conditions {
			if c.ID == conditionID {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("condition %s: %w", conditionID, apperrors.ErrNotFound)
		}
		if err := s.repos.Conditions.Delete(ctx, conditionID); err != nil {
			return fmt.Errorf("failed to delete condition: %w", err)
		}
		return s.repos.Workflows.Touch(ctx, workflowID)
	})
}

func (s *actionService) action(ctx context.Context, workflowID, actionID uuid.UUID) (*models.Action, error) {
	action, err := s.repos.Actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", actionID, err)
	}
	if action.WorkflowID != workflowID {
		return nil, fmt.Errorf("action %s: %w", actionID, apperrors.ErrNotFound)
	}
	return action, nil
}

func (s *actionService) frameRows(ctx context.Context, wf *models.Workflow, columns []*models.Column) ([]map[string]any, error) {
	f, err := loadFrame(ctx, s.repos, wf, columns)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, f.NumRows())
	for i := range rows {
		rows[i] = f.Row(i)
	}
	return rows, nil
}

// newCondition validates req and counts the rows it selects.
func newCondition(field string, action *models.Action, req *ConditionRequest, columns []*models.Column, rows []map[string]any) (*models.Condition, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.FieldValidation(field, "a condition name is required")
	}
	if err := checkFormula(field, req.Formula, columns); err != nil {
		return nil, err
	}
	n, err := req.Formula.Count(rows)
	if err != nil {
		return nil, apperrors.FieldValidation(field, "%v", err)
	}
	return &models.Condition{
		ID:            uuid.New(),
		ActionID:      action.ID,
		WorkflowID:    action.WorkflowID,
		Name:          name,
		Description:   req.Description,
		Formula:       req.Formula.Clone(),
		IsFilter:      req.IsFilter,
		NRowsSelected: n,
	}, nil
}
