// Package memory implements the repository interfaces in process. It backs
// the memory storage backend and the service tests.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

type draftKey struct {
	workflowID uuid.UUID
	sessionID  string
}

type state struct {
	workflows  map[uuid.UUID]*models.Workflow
	columns    map[uuid.UUID]*models.Column
	views      map[uuid.UUID]*models.View
	actions    map[uuid.UUID]*models.Action
	conditions map[uuid.UUID]*models.Condition
	drafts     map[draftKey]*models.UploadDraft
	frames     map[string]*models.Frame
}

func newState() *state {
	return &state{
		workflows:  make(map[uuid.UUID]*models.Workflow),
		columns:    make(map[uuid.UUID]*models.Column),
		views:      make(map[uuid.UUID]*models.View),
		actions:    make(map[uuid.UUID]*models.Action),
		conditions: make(map[uuid.UUID]*models.Condition),
		drafts:     make(map[draftKey]*models.UploadDraft),
		frames:     make(map[string]*models.Frame),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.workflows {
		out.workflows[k] = cloneWorkflow(v)
	}
	for k, v := range s.columns {
		out.columns[k] = cloneColumn(v)
	}
	for k, v := range s.views {
		out.views[k] = cloneView(v)
	}
	for k, v := range s.actions {
		out.actions[k] = cloneAction(v)
	}
	for k, v := range s.conditions {
		out.conditions[k] = cloneCondition(v)
	}
	for k, v := range s.drafts {
		out.drafts[k] = cloneDraft(v)
	}
	for k, v := range s.frames {
		out.frames[k] = v.Clone()
	}
	return out
}

// Store holds the committed metadata and frames of every workflow. Readers
// outside a transaction see data only; a transaction works on a private
// copy that replaces data when it commits.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: newState()}
}

type txKey struct{}

// txState is the working copy of one open transaction.
type txState struct {
	store *Store
	mu    sync.Mutex
	data  *state
}

func (s *Store) txFrom(ctx context.Context) *txState {
	tx, ok := ctx.Value(txKey{}).(*txState)
	if !ok || tx.store != s {
		return nil
	}
	return tx
}

// Transactor serialises units of work on a Store. Each unit runs on a copy
// of the committed state, which it publishes only on success.
type Transactor struct {
	store *Store
}

// NewTransactor creates a transactor for store.
func NewTransactor(store *Store) *Transactor {
	return &Transactor{store: store}
}

// InTx runs fn as one unit. Nested calls join the outer unit.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.store.txFrom(ctx) != nil {
		return fn(ctx)
	}

	t.store.txMu.Lock()
	defer t.store.txMu.Unlock()

	t.store.mu.RLock()
	tx := &txState{store: t.store, data: t.store.data.clone()}
	t.store.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	t.store.mu.Lock()
	t.store.data = tx.data
	t.store.mu.Unlock()
	return nil
}

func (s *Store) read(ctx context.Context, fn func(d *state)) {
	if tx := s.txFrom(ctx); tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		fn(tx.data)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

// write outside a transaction commits at once. It waits for any open
// transaction so the transaction's commit never discards it.
func (s *Store) write(ctx context.Context, fn func(d *state)) {
	if tx := s.txFrom(ctx); tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		fn(tx.data)
		return
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

func cloneWorkflow(w *models.Workflow) *models.Workflow {
	out := *w
	if w.Attributes != nil {
		out.Attributes = make(models.JSONBStringMap, len(w.Attributes))
		for k, v := range w.Attributes {
			out.Attributes[k] = v
		}
	}
	out.SharedWith = append([]string{}, w.SharedWith...)
	if w.QueryBuilderOps != nil {
		out.QueryBuilderOps = append([]byte(nil), w.QueryBuilderOps...)
	}
	return &out
}

func cloneColumn(c *models.Column) *models.Column {
	out := *c
	if c.Categories != nil {
		out.Categories = append([]any(nil), c.Categories...)
	}
	return &out
}

func cloneView(v *models.View) *models.View {
	out := *v
	out.ColumnIDs = append([]uuid.UUID{}, v.ColumnIDs...)
	out.Filter = v.Filter.Clone()
	return &out
}

func cloneAction(a *models.Action) *models.Action {
	out := *a
	out.Conditions = nil
	return &out
}

func cloneCondition(c *models.Condition) *models.Condition {
	out := *c
	out.Formula = c.Formula.Clone()
	return &out
}

func cloneDraft(d *models.UploadDraft) *models.UploadDraft {
	out := *d
	out.InitialColumnNames = append([]string(nil), d.InitialColumnNames...)
	out.ColumnTypes = append([]models.ColumnType(nil), d.ColumnTypes...)
	out.SrcIsKeyColumn = append([]bool(nil), d.SrcIsKeyColumn...)
	out.RenameColumnNames = append([]string(nil), d.RenameColumnNames...)
	out.ColumnsToUpload = append([]bool(nil), d.ColumnsToUpload...)
	out.KeepKeyColumn = append([]bool(nil), d.KeepKeyColumn...)
	if d.AutorenameColumnNames != nil {
		out.AutorenameColumnNames = append([]string(nil), d.AutorenameColumnNames...)
	}
	if d.OverrideColumnsNames != nil {
		out.OverrideColumnsNames = append([]string(nil), d.OverrideColumnsNames...)
	}
	if d.Source.Params != nil {
		out.Source.Params = make(map[string]string, len(d.Source.Params))
		for k, v := range d.Source.Params {
			out.Source.Params[k] = v
		}
	}
	return &out
}
