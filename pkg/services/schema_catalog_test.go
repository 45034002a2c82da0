package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/formula"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

func passedFormula() *formula.Node {
	return formula.All(formula.Leaf("score", "double", formula.OpGreater, 50.0))
}

func TestSchemaCatalog_AddColumnWithValue(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	col, err := e.catalog.AddColumnWithValue(ctx, wf.ID, ColumnDescriptor{
		Name:     "cohort",
		Type:     models.TypeString,
		Position: 2,
	}, "2026")
	require.NoError(t, err)
	assert.Equal(t, 2, col.Position)

	assert.Equal(t, []string{"sid", "cohort", "email", "score"}, e.columnNames(t, ctx, wf.ID))
	f, err := e.frames.LoadFrame(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{"2026", "2026", "2026"}, f.Values("cohort"))

	_, err = e.catalog.AddColumn(ctx, wf.ID, ColumnDescriptor{Name: "cohort", Type: models.TypeString})
	require.ErrorIs(t, err, apperrors.ErrValidation, "names are unique per workflow")

	_, err = e.catalog.AddColumn(ctx, wf.ID, ColumnDescriptor{Name: "bad name", Type: models.TypeString})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	attempts, err := e.catalog.AddColumn(ctx, wf.ID, ColumnDescriptor{Name: "attempts", Type: models.TypeInteger})
	require.NoError(t, err)
	assert.Equal(t, models.TypeInteger, attempts.Type, "an integer column may start with nulls")
	f, err = e.frames.LoadFrame(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{nil, nil, nil}, f.Values("attempts"))
}

func TestSchemaCatalog_AddFormulaColumn(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	_, err := e.catalog.AddColumnWithValue(ctx, wf.ID, ColumnDescriptor{Name: "bonus", Type: models.TypeDouble}, 5.0)
	require.NoError(t, err)

	col, err := e.catalog.AddFormulaColumn(ctx, wf.ID, ColumnDescriptor{Name: "total"}, models.AggSum, []string{"score", "bonus"})
	require.NoError(t, err)
	assert.Equal(t, models.TypeDouble, col.Type)

	f, err := e.frames.LoadFrame(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{77.5, 53.0, 96.0}, f.Values("total"))

	_, err = e.catalog.AddFormulaColumn(ctx, wf.ID, ColumnDescriptor{Name: "x"}, "cube", []string{"score"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSchemaCatalog_RenamePropagates(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	view, err := e.views.Create(ctx, wf.ID, &ViewRequest{Name: "passed", Columns: []string{"email", "score"}, Filter: passedFormula()})
	require.NoError(t, err)
	action, err := e.actions.Create(ctx, wf.ID, &ActionRequest{
		Name:        "feedback",
		TextContent: "Your score is {{ score }}.",
		Conditions:  []*ConditionRequest{{Name: "pass", Formula: passedFormula()}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, action.Conditions[0].NRowsSelected)

	require.NoError(t, e.catalog.RenameColumn(ctx, wf.ID, "score", "mark"))

	gotView, err := e.views.Get(ctx, wf.ID, view.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mark"}, gotView.Filter.Variables())

	gotAction, err := e.actions.Get(ctx, wf.ID, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "Your score is {{ mark }}.", gotAction.TextContent)
	require.Len(t, gotAction.Conditions, 1)
	assert.Equal(t, []string{"mark"}, gotAction.Conditions[0].Formula.Variables())

	f, err := e.frames.LoadFrame(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, f.HasColumn("mark"))
	assert.False(t, f.HasColumn("score"))

	err = e.catalog.RenameColumn(ctx, wf.ID, "mark", "email")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSchemaCatalog_RenameBackRestoresDependents(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	view, err := e.views.Create(ctx, wf.ID, &ViewRequest{Name: "passed", Columns: []string{"email", "score"}, Filter: passedFormula()})
	require.NoError(t, err)
	action, err := e.actions.Create(ctx, wf.ID, &ActionRequest{
		Name:        "feedback",
		TextContent: "Your score is {{ score }}, well done.",
		Conditions:  []*ConditionRequest{{Name: "pass", Formula: passedFormula()}},
	})
	require.NoError(t, err)

	type snapshot struct {
		Columns   []*models.Column
		Filter    string
		Condition string
		Text      string
	}
	take := func() snapshot {
		columns, err := e.catalog.ListColumns(ctx, wf.ID)
		require.NoError(t, err)
		v, err := e.views.Get(ctx, wf.ID, view.ID)
		require.NoError(t, err)
		a, err := e.actions.Get(ctx, wf.ID, action.ID)
		require.NoError(t, err)
		require.Len(t, a.Conditions, 1)
		filter, err := json.Marshal(v.Filter)
		require.NoError(t, err)
		cond, err := json.Marshal(a.Conditions[0].Formula)
		require.NoError(t, err)
		return snapshot{Columns: columns, Filter: string(filter), Condition: string(cond), Text: a.TextContent}
	}

	before := take()
	require.NoError(t, e.catalog.RenameColumn(ctx, wf.ID, "score", "mark"))
	renamed := take()
	assert.NotEqual(t, before.Filter, renamed.Filter)
	assert.Equal(t, "Your score is {{ mark }}, well done.", renamed.Text)

	require.NoError(t, e.catalog.RenameColumn(ctx, wf.ID, "mark", "score"))
	after := take()
	assert.Equal(t, before.Filter, after.Filter)
	assert.Equal(t, before.Condition, after.Condition)
	assert.Equal(t, before.Text, after.Text)
	require.Len(t, after.Columns, len(before.Columns))
	for i := range before.Columns {
		assert.Equal(t, before.Columns[i].ID, after.Columns[i].ID)
		assert.Equal(t, before.Columns[i].Name, after.Columns[i].Name)
		assert.Equal(t, before.Columns[i].Type, after.Columns[i].Type)
		assert.Equal(t, before.Columns[i].Position, after.Columns[i].Position)
		assert.Equal(t, before.Columns[i].IsKey, after.Columns[i].IsKey)
	}
}

func TestSchemaCatalog_DeleteCascades(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	onlyScore, err := e.views.Create(ctx, wf.ID, &ViewRequest{Name: "scores", Columns: []string{"score"}})
	require.NoError(t, err)
	filtered, err := e.views.Create(ctx, wf.ID, &ViewRequest{Name: "passed", Columns: []string{"sid", "email"}, Filter: passedFormula()})
	require.NoError(t, err)
	action, err := e.actions.Create(ctx, wf.ID, &ActionRequest{
		Name:       "feedback",
		Conditions: []*ConditionRequest{{Name: "pass", Formula: passedFormula()}},
	})
	require.NoError(t, err)

	require.NoError(t, e.catalog.DeleteColumn(ctx, wf.ID, "score"))

	_, err = e.views.Get(ctx, wf.ID, onlyScore.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound, "a view left without columns is removed")

	kept, err := e.views.Get(ctx, wf.ID, filtered.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.Filter, "a filter naming the column is cleared")
	assert.Len(t, kept.ColumnIDs, 2)

	gotAction, err := e.actions.Get(ctx, wf.ID, action.ID)
	require.NoError(t, err)
	assert.Empty(t, gotAction.Conditions)

	got, err := e.repos.Workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.NCols)

	columns, err := e.catalog.ListColumns(ctx, wf.ID)
	require.NoError(t, err)
	for i, c := range columns {
		assert.Equal(t, i+1, c.Position)
	}
}

func TestSchemaCatalog_OnlyKeyIsProtected(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	err := e.catalog.DeleteColumn(ctx, wf.ID, "sid")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	err = e.catalog.TogglePrimary(ctx, wf.ID, "sid", false)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	require.NoError(t, e.catalog.TogglePrimary(ctx, wf.ID, "email", true))
	require.NoError(t, e.catalog.DeleteColumn(ctx, wf.ID, "sid"), "another key column remains")

	err = e.catalog.TogglePrimary(ctx, wf.ID, "score", true)
	require.ErrorIs(t, err, apperrors.ErrValidation, "double columns cannot be keys")
}

func TestSchemaCatalog_TogglePrimaryNeedsUniqueValues(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	_, err := e.catalog.AddColumnWithValue(ctx, wf.ID, ColumnDescriptor{Name: "cohort", Type: models.TypeString}, "2026")
	require.NoError(t, err)

	err = e.catalog.TogglePrimary(ctx, wf.ID, "cohort", true)
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "is_key", verr.Field)
}

func TestSchemaCatalog_RetypeAlwaysFails(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	err := e.catalog.RetypeColumn(ctx, wf.ID, "score", models.TypeString)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	err = e.catalog.RetypeColumn(ctx, wf.ID, "missing", models.TypeString)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSchemaCatalog_CloneColumn(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	clone, err := e.catalog.CloneColumn(ctx, wf.ID, "score", "")
	require.NoError(t, err)
	assert.Equal(t, "Copy_of_score", clone.Name)
	assert.False(t, clone.IsKey)

	again, err := e.catalog.CloneColumn(ctx, wf.ID, "score", "")
	require.NoError(t, err)
	assert.Equal(t, "Copy_of_Copy_of_score", again.Name)

	f, err := e.frames.LoadFrame(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Values("score"), f.Values("Copy_of_score"))
}

func TestSchemaCatalog_Reposition(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	require.NoError(t, e.catalog.Reposition(ctx, wf.ID, "score", 1))
	assert.Equal(t, []string{"score", "sid", "email"}, e.columnNames(t, ctx, wf.ID))

	require.NoError(t, e.catalog.Reposition(ctx, wf.ID, "score", 99))
	assert.Equal(t, []string{"sid", "email", "score"}, e.columnNames(t, ctx, wf.ID))
}

func TestSchemaCatalog_WritesNeedLease(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)
	require.NoError(t, e.leases.Release(ctx, wf.ID))

	_, err := e.catalog.AddColumn(ctx, wf.ID, ColumnDescriptor{Name: "cohort", Type: models.TypeString})
	require.ErrorIs(t, err, apperrors.ErrLeaseDenied)

	columns, err := e.catalog.ListColumns(ctx, wf.ID)
	require.NoError(t, err, "reads need no lease")
	assert.Len(t, columns, 3)

	_, err = e.catalog.ListColumns(sessionCtx("ben", "s-ben"), wf.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound, "workflows of other users are hidden")
}
