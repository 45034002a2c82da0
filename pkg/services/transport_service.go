package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/transport"
)

// ExportOptions selects what an export carries. Views are always exported.
type ExportOptions struct {
	IncludeData bool
	// ActionIDs restricts the exported actions; empty exports all of them.
	ActionIDs []uuid.UUID
}

// TransportService moves whole workflows between instances.
type TransportService interface {
	Export(ctx context.Context, workflowID uuid.UUID, opts ExportOptions) (*transport.Container, error)
	// Import decodes a container and creates a new workflow owned by the
	// caller. name overrides the container name when not empty.
	Import(ctx context.Context, r io.Reader, name string) (*models.Workflow, error)
	ImportContainer(ctx context.Context, c *transport.Container, name string) (*models.Workflow, error)
}

type transportService struct {
	tx         Transactor
	repos      *Repositories
	propagator Propagator
	maxSize    int64
	now        func() time.Time
	logger     *zap.Logger
}

// NewTransportService creates the import/export service. maxSize bounds the
// decompressed import payload.
func NewTransportService(tx Transactor, repos *Repositories, propagator Propagator, maxSize int64, logger *zap.Logger) TransportService {
	return &transportService{
		tx:         tx,
		repos:      repos,
		propagator: propagator,
		maxSize:    maxSize,
		now:        nowUTC,
		logger:     logger.Named("transport-service"),
	}
}

var _ TransportService = (*transportService)(nil)

func (s *transportService) Export(ctx context.Context, workflowID uuid.UUID, opts ExportOptions) (*transport.Container, error) {
	wf, err := accessibleWorkflow(ctx, s.repos.Workflows, workflowID)
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
	actions, err := s.repos.Actions.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}

	c := &transport.Container{
		Signature:  transport.Signature,
		Version:    transport.Version,
		ExportedAt: s.now(),
		Workflow: transport.WorkflowHeader{
			Name:        wf.Name,
			Description: wf.Description,
			Attributes:  map[string]string(wf.Attributes),
		},
		Columns: make([]transport.ColumnRecord, 0, len(columns)),
		Views:   make([]transport.ViewRecord, 0, len(views)),
		Actions: []transport.ActionRecord{},
	}
	for _, col := range columns {
		c.Columns = append(c.Columns, transport.ColumnRecord{
			ID:          col.ID.String(),
			Name:        col.Name,
			Description: col.Description,
			Type:        col.Type,
			IsKey:       col.IsKey,
			Position:    col.Position,
			Categories:  col.Categories,
			ActiveFrom:  col.ActiveFrom,
			ActiveTo:    col.ActiveTo,
		})
	}
	for _, v := range views {
		rec := transport.ViewRecord{ID: v.ID.String(), Name: v.Name, Description: v.Description, Filter: v.Filter}
		for _, id := range v.ColumnIDs {
			rec.Columns = append(rec.Columns, id.String())
		}
		c.Views = append(c.Views, rec)
	}
	for _, a := range actions {
		if len(opts.ActionIDs) > 0 && !slices.Contains(opts.ActionIDs, a.ID) {
			continue
		}
		rec := transport.ActionRecord{
			ID:          a.ID.String(),
			Name:        a.Name,
			Description: a.Description,
			ActionType:  a.ActionType,
			TextContent: a.TextContent,
			Conditions:  []transport.ConditionRecord{},
		}
		for _, cond := range a.Conditions {
			rec.Conditions = append(rec.Conditions, transport.ConditionRecord{
				ID:          cond.ID.String(),
				Name:        cond.Name,
				Description: cond.Description,
				Formula:     cond.Formula,
				IsFilter:    cond.IsFilter,
			})
		}
		c.Actions = append(c.Actions, rec)
	}

	if opts.IncludeData {
		f, err := loadFrame(ctx, s.repos, wf, columns)
		if err != nil {
			return nil, err
		}
		c.Data = transport.DataFromFrame(f)
	}

	s.logger.Info("Exported workflow",
		zap.String("workflow_id", workflowID.String()),
		zap.Bool("include_data", opts.IncludeData),
		zap.Int("actions", len(c.Actions)))
	return c, nil
}

func (s *transportService) Import(ctx context.Context, r io.Reader, name string) (*models.Workflow, error) {
	c, err := transport.Decode(r, s.maxSize)
	if err != nil {
		return nil, err
	}
	return s.ImportContainer(ctx, c, name)
}

func (s *transportService) ImportContainer(ctx context.Context, c *transport.Container, name string) (*models.Workflow, error) {
	userID, err := auth.RequireUserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.Workflow.Name
	}
	if name == "" {
		return nil, apperrors.FieldValidation("name", "a workflow name is required")
	}

	var wf *models.Workflow
	ctx = context.WithoutCancel(ctx)
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repos.Workflows.GetByOwnerAndName(ctx, userID, name)
		if err != nil {
			return fmt.Errorf("failed to check workflow name: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("workflow %q already exists: %w", name, apperrors.ErrConflict)
		}

		wf = &models.Workflow{
			ID:          uuid.New(),
			OwnerID:     userID,
			Name:        name,
			Description: c.Workflow.Description,
			Attributes:  models.JSONBStringMap(c.Workflow.Attributes),
			SharedWith:  []string{},
		}
		if wf.Attributes == nil {
			wf.Attributes = models.JSONBStringMap{}
		}
		if err := s.repos.Workflows.Create(ctx, wf); err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		if err := s.rebuild(ctx, wf, c); err != nil {
			if errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrInvariant) {
				return apperrors.Transport(err, "the container is not a consistent workflow")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Imported workflow",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("name", name),
		zap.Int("columns", wf.NCols),
		zap.Int("rows", wf.NRows))
	return wf, nil
}

// rebuild recreates the schema, frame, views and actions of c under wf with
// fresh ids, then checks the workflow invariants.
func (s *transportService) rebuild(ctx context.Context, wf *models.Workflow, c *transport.Container) error {
	columnIDs := make(map[string]uuid.UUID, len(c.Columns))
	columns := make([]*models.Column, 0, len(c.Columns))
	for _, rec := range c.Columns {
		if err := models.ValidateColumnName(rec.Name); err != nil {
			return apperrors.FieldValidation("columns", "%v", err)
		}
		categories, err := models.NormalizeCategories(rec.Type, rec.Categories)
		if err != nil {
			return apperrors.FieldValidation(rec.Name, "%v", err)
		}
		col := &models.Column{
			ID:          uuid.New(),
			WorkflowID:  wf.ID,
			Name:        rec.Name,
			Description: rec.Description,
			Type:        rec.Type,
			IsKey:       rec.IsKey,
			Position:    rec.Position,
			Categories:  categories,
			ActiveFrom:  rec.ActiveFrom,
			ActiveTo:    rec.ActiveTo,
		}
		if err := s.repos.Columns.Create(ctx, col); err != nil {
			return fmt.Errorf("failed to create column %s: %w", rec.Name, err)
		}
		columnIDs[rec.ID] = col.ID
		columns = append(columns, col)
	}
	models.SortColumns(columns)

	f, err := c.Frame()
	if err != nil {
		return err
	}
	if f != nil {
		if err := checkFrameAgainstCatalog(f, columns); err != nil {
			return err
		}
		if err := storeFrame(ctx, s.repos, wf, f); err != nil {
			return err
		}
	}

	for _, rec := range c.Views {
		view := &models.View{
			ID:          uuid.New(),
			WorkflowID:  wf.ID,
			Name:        rec.Name,
			Description: rec.Description,
			Filter:      rec.Filter,
		}
		for _, id := range rec.Columns {
			view.ColumnIDs = append(view.ColumnIDs, columnIDs[id])
		}
		if err := checkFormula("filter", view.Filter, columns); err != nil {
			return err
		}
		if err := s.repos.Views.Create(ctx, view); err != nil {
			return fmt.Errorf("failed to create view %s: %w", rec.Name, err)
		}
	}

	for _, rec := range c.Actions {
		action := &models.Action{
			ID:          uuid.New(),
			WorkflowID:  wf.ID,
			Name:        rec.Name,
			Description: rec.Description,
			ActionType:  rec.ActionType,
			TextContent: rec.TextContent,
		}
		for _, cr := range rec.Conditions {
			if err := checkFormula("formula", cr.Formula, columns); err != nil {
				return err
			}
			action.Conditions = append(action.Conditions, &models.Condition{
				ID:          uuid.New(),
				ActionID:    action.ID,
				WorkflowID:  wf.ID,
				Name:        cr.Name,
				Description: cr.Description,
				Formula:     cr.Formula,
				IsFilter:    cr.IsFilter,
			})
		}
		if err := s.repos.Actions.Create(ctx, action); err != nil {
			return fmt.Errorf("failed to create action %s: %w", rec.Name, err)
		}
	}

	if err := refreshWorkflow(ctx, s.repos, wf); err != nil {
		return err
	}
	return s.propagator.RefreshRowCounts(ctx, wf.ID)
}
