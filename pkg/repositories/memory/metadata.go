package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// ============================================================================
// Workflows
// ============================================================================

type workflowRepository struct{ s *Store }

// NewWorkflowRepository creates a WorkflowRepository on s.
func NewWorkflowRepository(s *Store) repositories.WorkflowRepository {
	return &workflowRepository{s: s}
}

var _ repositories.WorkflowRepository = (*workflowRepository)(nil)

func (r *workflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	var err error
	r.s.write(ctx, func(d *state) {
		for _, other := range d.workflows {
			if other.OwnerID == wf.OwnerID && other.Name == wf.Name {
				err = fmt.Errorf("workflow %q already exists: %w", wf.Name, apperrors.ErrConflict)
				return
			}
		}
		if wf.ID == uuid.Nil {
			wf.ID = uuid.New()
		}
		now := time.Now().UTC()
		wf.CreatedAt = now
		wf.UpdatedAt = now
		if wf.SharedWith == nil {
			wf.SharedWith = []string{}
		}
		d.workflows[wf.ID] = cloneWorkflow(wf)
	})
	return err
}

func (r *workflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	var out *models.Workflow
	r.s.read(ctx, func(d *state) {
		if wf, ok := d.workflows[id]; ok {
			out = cloneWorkflow(wf)
		}
	})
	if out == nil {
		return nil, apperrors.ErrNotFound
	}
	return out, nil
}

func (r *workflowRepository) GetByOwnerAndName(ctx context.Context, ownerID, name string) (*models.Workflow, error) {
	var out *models.Workflow
	r.s.read(ctx, func(d *state) {
		for _, wf := range d.workflows {
			if wf.OwnerID == ownerID && wf.Name == name {
				out = cloneWorkflow(wf)
				return
			}
		}
	})
	return out, nil
}

func (r *workflowRepository) ListForUser(ctx context.Context, userID string) ([]*models.Workflow, error) {
	out := make([]*models.Workflow, 0)
	r.s.read(ctx, func(d *state) {
		for _, wf := range d.workflows {
			if wf.CanAccess(userID) {
				out = append(out, cloneWorkflow(wf))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *workflowRepository) Update(ctx context.Context, wf *models.Workflow) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.workflows[wf.ID]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		for _, other := range d.workflows {
			if other.ID != wf.ID && other.OwnerID == wf.OwnerID && other.Name == wf.Name {
				err = fmt.Errorf("workflow %q already exists: %w", wf.Name, apperrors.ErrConflict)
				return
			}
		}
		wf.UpdatedAt = time.Now().UTC()
		d.workflows[wf.ID] = cloneWorkflow(wf)
	})
	return err
}

func (r *workflowRepository) Touch(ctx context.Context, id uuid.UUID) error {
	var err error
	r.s.write(ctx, func(d *state) {
		wf, ok := d.workflows[id]
		if !ok {
			err = apperrors.ErrNotFound
			return
		}
		wf.UpdatedAt = time.Now().UTC()
	})
	return err
}

// Delete removes the workflow and everything that belongs to it.
func (r *workflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.workflows[id]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		delete(d.workflows, id)
		for k, c := range d.columns {
			if c.WorkflowID == id {
				delete(d.columns, k)
			}
		}
		for k, v := range d.views {
			if v.WorkflowID == id {
				delete(d.views, k)
			}
		}
		for k, a := range d.actions {
			if a.WorkflowID == id {
				delete(d.actions, k)
			}
		}
		for k, c := range d.conditions {
			if c.WorkflowID == id {
				delete(d.conditions, k)
			}
		}
		for k := range d.drafts {
			if k.workflowID == id {
				delete(d.frames, repositories.UploadTable(id, k.sessionID).Name())
				delete(d.drafts, k)
			}
		}
		delete(d.frames, repositories.DataTable(id).Name())
	})
	return err
}

// ============================================================================
// Columns
// ============================================================================

type columnRepository struct{ s *Store }

// NewColumnRepository creates a ColumnRepository on s.
func NewColumnRepository(s *Store) repositories.ColumnRepository {
	return &columnRepository{s: s}
}

var _ repositories.ColumnRepository = (*columnRepository)(nil)

func (r *columnRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Column, error) {
	out := make([]*models.Column, 0)
	r.s.read(ctx, func(d *state) {
		for _, c := range d.columns {
			if c.WorkflowID == workflowID {
				out = append(out, cloneColumn(c))
			}
		}
	})
	models.SortColumns(out)
	return out, nil
}

func (r *columnRepository) GetByName(ctx context.Context, workflowID uuid.UUID, name string) (*models.Column, error) {
	var out *models.Column
	r.s.read(ctx, func(d *state) {
		for _, c := range d.columns {
			if c.WorkflowID == workflowID && c.Name == name {
				out = cloneColumn(c)
				return
			}
		}
	})
	if out == nil {
		return nil, apperrors.ErrNotFound
	}
	return out, nil
}

func (r *columnRepository) Create(ctx context.Context, col *models.Column) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if columnNameTaken(d, col.WorkflowID, col.ID, col.Name) {
			err = fmt.Errorf("column %q already exists: %w", col.Name, apperrors.ErrConflict)
			return
		}
		if col.ID == uuid.Nil {
			col.ID = uuid.New()
		}
		d.columns[col.ID] = cloneColumn(col)
	})
	return err
}

func (r *columnRepository) Update(ctx context.Context, col *models.Column) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.columns[col.ID]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		if columnNameTaken(d, col.WorkflowID, col.ID, col.Name) {
			err = fmt.Errorf("column %q already exists: %w", col.Name, apperrors.ErrConflict)
			return
		}
		d.columns[col.ID] = cloneColumn(col)
	})
	return err
}

func (r *columnRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.columns[id]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		delete(d.columns, id)
	})
	return err
}

func (r *columnRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	r.s.write(ctx, func(d *state) {
		for k, c := range d.columns {
			if c.WorkflowID == workflowID {
				delete(d.columns, k)
			}
		}
	})
	return nil
}

func (r *columnRepository) ShiftPositions(ctx context.Context, workflowID uuid.UUID, from, to, delta int) error {
	r.s.write(ctx, func(d *state) {
		for _, c := range d.columns {
			if c.WorkflowID == workflowID && c.Position >= from && c.Position <= to {
				c.Position += delta
			}
		}
	})
	return nil
}

func columnNameTaken(d *state, workflowID, id uuid.UUID, name string) bool {
	for _, c := range d.columns {
		if c.WorkflowID == workflowID && c.ID != id && c.Name == name {
			return true
		}
	}
	return false
}

// ============================================================================
// Views
// ============================================================================

type viewRepository struct{ s *Store }

// NewViewRepository creates a ViewRepository on s.
func NewViewRepository(s *Store) repositories.ViewRepository {
	return &viewRepository{s: s}
}

var _ repositories.ViewRepository = (*viewRepository)(nil)

func (r *viewRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.View, error) {
	out := make([]*models.View, 0)
	r.s.read(ctx, func(d *state) {
		for _, v := range d.views {
			if v.WorkflowID == workflowID {
				out = append(out, cloneView(v))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *viewRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.View, error) {
	var out *models.View
	r.s.read(ctx, func(d *state) {
		if v, ok := d.views[id]; ok {
			out = cloneView(v)
		}
	})
	if out == nil {
		return nil, apperrors.ErrNotFound
	}
	return out, nil
}

func (r *viewRepository) Create(ctx context.Context, view *models.View) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if viewNameTaken(d, view) {
			err = fmt.Errorf("view %q already exists: %w", view.Name, apperrors.ErrConflict)
			return
		}
		if view.ID == uuid.Nil {
			view.ID = uuid.New()
		}
		now := time.Now().UTC()
		view.CreatedAt = now
		view.UpdatedAt = now
		d.views[view.ID] = cloneView(view)
	})
	return err
}

func (r *viewRepository) Update(ctx context.Context, view *models.View) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.views[view.ID]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		if viewNameTaken(d, view) {
			err = fmt.Errorf("view %q already exists: %w", view.Name, apperrors.ErrConflict)
			return
		}
		view.UpdatedAt = time.Now().UTC()
		d.views[view.ID] = cloneView(view)
	})
	return err
}

func (r *viewRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.views[id]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		delete(d.views, id)
	})
	return err
}

func (r *viewRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	r.s.write(ctx, func(d *state) {
		for k, v := range d.views {
			if v.WorkflowID == workflowID {
				delete(d.views, k)
			}
		}
	})
	return nil
}

func viewNameTaken(d *state, view *models.View) bool {
	for _, v := range d.views {
		if v.WorkflowID == view.WorkflowID && v.ID != view.ID && v.Name == view.Name {
			return true
		}
	}
	return false
}

// ============================================================================
// Actions and conditions
// ============================================================================

type actionRepository struct{ s *Store }

// NewActionRepository creates an ActionRepository on s.
func NewActionRepository(s *Store) repositories.ActionRepository {
	return &actionRepository{s: s}
}

var _ repositories.ActionRepository = (*actionRepository)(nil)

func (r *actionRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Action, error) {
	out := make([]*models.Action, 0)
	r.s.read(ctx, func(d *state) {
		for _, a := range d.actions {
			if a.WorkflowID == workflowID {
				out = append(out, withConditions(d, a))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *actionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	var out *models.Action
	r.s.read(ctx, func(d *state) {
		if a, ok := d.actions[id]; ok {
			out = withConditions(d, a)
		}
	})
	if out == nil {
		return nil, apperrors.ErrNotFound
	}
	return out, nil
}

func (r *actionRepository) Create(ctx context.Context, action *models.Action) error {
	var err error
	r.s.write(ctx, func(d *state) {
		for _, a := range d.actions {
			if a.WorkflowID == action.WorkflowID && a.Name == action.Name {
				err = fmt.Errorf("action %q already exists: %w", action.Name, apperrors.ErrConflict)
				return
			}
		}
		if action.ID == uuid.Nil {
			action.ID = uuid.New()
		}
		now := time.Now().UTC()
		action.CreatedAt = now
		action.UpdatedAt = now
		for _, c := range action.Conditions {
			c.ActionID = action.ID
			c.WorkflowID = action.WorkflowID
			if err = insertCondition(d, c); err != nil {
				return
			}
		}
		d.actions[action.ID] = cloneAction(action)
	})
	return err
}

func (r *actionRepository) Update(ctx context.Context, action *models.Action) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.actions[action.ID]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		for _, a := range d.actions {
			if a.ID != action.ID && a.WorkflowID == action.WorkflowID && a.Name == action.Name {
				err = fmt.Errorf("action %q already exists: %w", action.Name, apperrors.ErrConflict)
				return
			}
		}
		action.UpdatedAt = time.Now().UTC()
		d.actions[action.ID] = cloneAction(action)
	})
	return err
}

func (r *actionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.actions[id]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		delete(d.actions, id)
		for k, c := range d.conditions {
			if c.ActionID == id {
				delete(d.conditions, k)
			}
		}
	})
	return err
}

func (r *actionRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	r.s.write(ctx, func(d *state) {
		for k, a := range d.actions {
			if a.WorkflowID == workflowID {
				delete(d.actions, k)
			}
		}
		for k, c := range d.conditions {
			if c.WorkflowID == workflowID {
				delete(d.conditions, k)
			}
		}
	})
	return nil
}

func withConditions(d *state, a *models.Action) *models.Action {
	out := cloneAction(a)
	out.Conditions = []*models.Condition{}
	for _, c := range d.conditions {
		if c.ActionID == a.ID {
			out.Conditions = append(out.Conditions, cloneCondition(c))
		}
	}
	sort.Slice(out.Conditions, func(i, j int) bool { return out.Conditions[i].Name < out.Conditions[j].Name })
	return out
}

type conditionRepository struct{ s *Store }

// NewConditionRepository creates a ConditionRepository on s.
func NewConditionRepository(s *Store) repositories.ConditionRepository {
	return &conditionRepository{s: s}
}

var _ repositories.ConditionRepository = (*conditionRepository)(nil)

func (r *conditionRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*models.Condition, error) {
	return r.list(ctx, func(c *models.Condition) bool { return c.WorkflowID == workflowID }), nil
}

func (r *conditionRepository) ListByAction(ctx context.Context, actionID uuid.UUID) ([]*models.Condition, error) {
	return r.list(ctx, func(c *models.Condition) bool { return c.ActionID == actionID }), nil
}

func (r *conditionRepository) list(ctx context.Context, keep func(*models.Condition) bool) []*models.Condition {
	out := make([]*models.Condition, 0)
	r.s.read(ctx, func(d *state) {
		for _, c := range d.conditions {
			if keep(c) {
				out = append(out, cloneCondition(c))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *conditionRepository) Create(ctx context.Context, cond *models.Condition) error {
	var err error
	r.s.write(ctx, func(d *state) {
		err = insertCondition(d, cond)
	})
	return err
}

func (r *conditionRepository) Update(ctx context.Context, cond *models.Condition) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.conditions[cond.ID]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		if err = checkCondition(d, cond); err != nil {
			return
		}
		d.conditions[cond.ID] = cloneCondition(cond)
	})
	return err
}

func (r *conditionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var err error
	r.s.write(ctx, func(d *state) {
		if _, ok := d.conditions[id]; !ok {
			err = apperrors.ErrNotFound
			return
		}
		delete(d.conditions, id)
	})
	return err
}

func (r *conditionRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	r.s.write(ctx, func(d *state) {
		for k, c := range d.conditions {
			if c.WorkflowID == workflowID {
				delete(d.conditions, k)
			}
		}
	})
	return nil
}

func insertCondition(d *state, cond *models.Condition) error {
	if err := checkCondition(d, cond); err != nil {
		return err
	}
	if cond.ID == uuid.Nil {
		cond.ID = uuid.New()
	}
	d.conditions[cond.ID] = cloneCondition(cond)
	return nil
}

// checkCondition enforces the unique name per action and the single filter.
func checkCondition(d *state, cond *models.Condition) error {
	for _, c := range d.conditions {
		if c.ID == cond.ID || c.ActionID != cond.ActionID {
			continue
		}
		if c.Name == cond.Name {
			return fmt.Errorf("condition %q already exists: %w", cond.Name, apperrors.ErrConflict)
		}
		if c.IsFilter && cond.IsFilter {
			return fmt.Errorf("action already has a filter: %w", apperrors.ErrConflict)
		}
	}
	return nil
}

// ============================================================================
// Upload drafts
// ============================================================================

type uploadDraftRepository struct{ s *Store }

// NewUploadDraftRepository creates an UploadDraftRepository on s.
func NewUploadDraftRepository(s *Store) repositories.UploadDraftRepository {
	return &uploadDraftRepository{s: s}
}

var _ repositories.UploadDraftRepository = (*uploadDraftRepository)(nil)

func (r *uploadDraftRepository) Get(ctx context.Context, workflowID uuid.UUID, sessionID string) (*models.UploadDraft, error) {
	var out *models.UploadDraft
	r.s.read(ctx, func(d *state) {
		if draft, ok := d.drafts[draftKey{workflowID, sessionID}]; ok {
			out = cloneDraft(draft)
		}
	})
	return out, nil
}

func (r *uploadDraftRepository) Save(ctx context.Context, draft *models.UploadDraft) error {
	r.s.write(ctx, func(d *state) {
		now := time.Now().UTC()
		if draft.CreatedAt.IsZero() {
			draft.CreatedAt = now
		}
		draft.UpdatedAt = now
		d.drafts[draftKey{draft.WorkflowID, draft.SessionID}] = cloneDraft(draft)
	})
	return nil
}

func (r *uploadDraftRepository) Delete(ctx context.Context, workflowID uuid.UUID, sessionID string) error {
	r.s.write(ctx, func(d *state) {
		delete(d.drafts, draftKey{workflowID, sessionID})
	})
	return nil
}

func (r *uploadDraftRepository) ListSessions(ctx context.Context, workflowID uuid.UUID) ([]string, error) {
	sessions := make([]string, 0)
	r.s.read(ctx, func(d *state) {
		for k := range d.drafts {
			if k.workflowID == workflowID {
				sessions = append(sessions, k.sessionID)
			}
		}
	})
	sort.Strings(sessions)
	return sessions, nil
}
