package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

func TestTransactor_RollbackRestoresState(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	tx := NewTransactor(store)
	workflows := NewWorkflowRepository(store)
	frames := NewFrameRepository(store)

	wf := &models.Workflow{OwnerID: "u1", Name: "course"}
	require.NoError(t, workflows.Create(ctx, wf))

	table := repositories.DataTable(wf.ID)
	f := models.NewFrame(models.FrameColumn{Name: "sid", Type: models.TypeInteger})
	f.Rows = [][]any{{int64(1)}}
	require.NoError(t, frames.Store(ctx, table, f))

	boom := errors.New("boom")
	err := tx.InTx(ctx, func(ctx context.Context) error {
		wf.Name = "renamed"
		require.NoError(t, workflows.Update(ctx, wf))
		require.NoError(t, frames.InsertRow(ctx, table, []repositories.Assignment{{Column: "sid", Value: int64(2)}}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "course", got.Name)

	n, err := frames.CountRows(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransactor_ReadersSeeOnlyCommittedWrites(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	tx := NewTransactor(store)
	workflows := NewWorkflowRepository(store)
	columns := NewColumnRepository(store)

	wf := &models.Workflow{OwnerID: "u1", Name: "course"}
	require.NoError(t, workflows.Create(ctx, wf))
	require.NoError(t, columns.Create(ctx, &models.Column{WorkflowID: wf.ID, Name: "sid", Type: models.TypeInteger, Position: 1}))

	names := func() []string {
		list, err := columns.ListByWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		out := make([]string, 0, len(list))
		for _, c := range list {
			out = append(out, c.Name)
		}
		return out
	}

	written := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- tx.InTx(ctx, func(ctx context.Context) error {
			if err := columns.Create(ctx, &models.Column{WorkflowID: wf.ID, Name: "ghost", Type: models.TypeString, Position: 2}); err != nil {
				return err
			}
			inside, err := columns.ListByWorkflow(ctx, wf.ID)
			if err != nil {
				return err
			}
			if len(inside) != 2 {
				return errors.New("transaction does not see its own write")
			}
			close(written)
			<-release
			return errors.New("rollback")
		})
	}()

	<-written
	assert.Equal(t, []string{"sid"}, names())
	close(release)
	require.Error(t, <-done)
	assert.Equal(t, []string{"sid"}, names())

	require.NoError(t, tx.InTx(ctx, func(ctx context.Context) error {
		return columns.Create(ctx, &models.Column{WorkflowID: wf.ID, Name: "grade", Type: models.TypeString, Position: 2})
	}))
	assert.Equal(t, []string{"sid", "grade"}, names())
}

func TestTransactor_NestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	tx := NewTransactor(store)
	workflows := NewWorkflowRepository(store)

	err := tx.InTx(ctx, func(ctx context.Context) error {
		return tx.InTx(ctx, func(ctx context.Context) error {
			return workflows.Create(ctx, &models.Workflow{OwnerID: "u1", Name: "inner"})
		})
	})
	require.NoError(t, err)

	got, err := workflows.GetByOwnerAndName(ctx, "u1", "inner")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestWorkflowRepository_ConflictAndSharing(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	workflows := NewWorkflowRepository(store)

	require.NoError(t, workflows.Create(ctx, &models.Workflow{OwnerID: "u1", Name: "a"}))
	err := workflows.Create(ctx, &models.Workflow{OwnerID: "u1", Name: "a"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	require.NoError(t, workflows.Create(ctx, &models.Workflow{OwnerID: "u2", Name: "a", SharedWith: []string{"u1"}}))

	list, err := workflows.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = workflows.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestWorkflowRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	workflows := NewWorkflowRepository(store)

	wf := &models.Workflow{OwnerID: "u1", Name: "a", Attributes: models.JSONBStringMap{"k": "v"}}
	require.NoError(t, workflows.Create(ctx, wf))

	got, err := workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	got.Attributes["k"] = "changed"

	again, err := workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Attributes["k"])
}

func TestConditionRepository_SingleFilter(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	actions := NewActionRepository(store)
	conditions := NewConditionRepository(store)

	wid := uuid.New()
	action := &models.Action{WorkflowID: wid, Name: "a", ActionType: models.ActionPersonalizedText}
	require.NoError(t, actions.Create(ctx, action))

	require.NoError(t, conditions.Create(ctx, &models.Condition{ActionID: action.ID, WorkflowID: wid, Name: "f1", IsFilter: true}))
	err := conditions.Create(ctx, &models.Condition{ActionID: action.ID, WorkflowID: wid, Name: "f2", IsFilter: true})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	got, err := actions.GetByID(ctx, action.ID)
	require.NoError(t, err)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, "f1", got.Filter().Name)
}

func TestFrameRepository_RowOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	frames := NewFrameRepository(store)
	table := repositories.DataTable(uuid.New())

	f := models.NewFrame(
		models.FrameColumn{Name: "sid", Type: models.TypeInteger},
		models.FrameColumn{Name: "grade", Type: models.TypeString},
	)
	f.Rows = [][]any{{int64(1), "A"}, {int64(2), nil}, {int64(3), "B"}}
	require.NoError(t, frames.Store(ctx, table, f))

	sel, err := frames.Select(ctx, table, []repositories.Match{{Column: "grade", Value: nil}}, []string{"sid"})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(2)}}, sel.Rows)

	n, err := frames.UpdateRows(ctx, table,
		[]repositories.Match{{Column: "sid", Value: int64(2)}},
		[]repositories.Assignment{{Column: "grade", Value: "C"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unique, err := frames.IsUnique(ctx, table, "grade")
	require.NoError(t, err)
	assert.True(t, unique)

	n, err = frames.DeleteRows(ctx, table, []repositories.Match{{Column: "sid", Value: int64(1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, frames.AddColumn(ctx, table, models.FrameColumn{Name: "pass", Type: models.TypeBoolean}, true))
	require.NoError(t, frames.RenameColumn(ctx, table, "grade", "mark"))

	loaded, err := frames.Load(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, []string{"sid", "mark", "pass"}, loaded.ColumnNames())
	assert.Equal(t, [][]any{{int64(2), "C", true}, {int64(3), "B", true}}, loaded.Rows)

	err = frames.RenameColumn(ctx, table, "mark", "sid")
	require.Error(t, err)
	loaded, _ = frames.Load(ctx, table)
	assert.Equal(t, []string{"sid", "mark", "pass"}, loaded.ColumnNames())
}

func TestLeaseRepository_Rules(t *testing.T) {
	ctx := context.Background()
	leases := NewLeaseRepository()
	wid := uuid.New()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	lease := func(session, user string, at time.Time) *models.Lease {
		return &models.Lease{WorkflowID: wid, SessionID: session, UserID: user, UserEmail: user + "@x", AcquiredAt: at, ExpiresAt: at.Add(time.Hour)}
	}

	_, granted, err := leases.Acquire(ctx, lease("s1", "u1", now), now)
	require.NoError(t, err)
	assert.True(t, granted)

	holder, granted, err := leases.Acquire(ctx, lease("s2", "u2", now), now)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, "u1@x", holder.UserEmail)

	// Same user, newer session takes over.
	later := now.Add(time.Minute)
	_, granted, err = leases.Acquire(ctx, lease("s3", "u1", later), later)
	require.NoError(t, err)
	assert.True(t, granted)

	ok, err := leases.Extend(ctx, wid, "s1", later.Add(2*time.Hour), later)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired leases are free for anyone.
	expired := later.Add(2 * time.Hour)
	_, granted, err = leases.Acquire(ctx, lease("s2", "u2", expired), expired)
	require.NoError(t, err)
	assert.True(t, granted)

	require.NoError(t, leases.Release(ctx, wid))
	got, err := leases.Get(ctx, wid)
	require.NoError(t, err)
	assert.Nil(t, got)
}
