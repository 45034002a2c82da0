package services

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/transport"
)

func TestTransport_RoundTripRewritesIDs(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	view, err := e.views.Create(ctx, wf.ID, &ViewRequest{Name: "passed", Columns: []string{"email", "score"}, Filter: passedFormula()})
	require.NoError(t, err)
	_, err = e.actions.Create(ctx, wf.ID, &ActionRequest{
		Name:        "feedback",
		TextContent: "Dear {{ email }}",
		Conditions:  []*ConditionRequest{{Name: "pass", Formula: passedFormula()}},
	})
	require.NoError(t, err)

	c, err := e.transport.Export(ctx, wf.ID, ExportOptions{IncludeData: true})
	require.NoError(t, err)
	assert.Equal(t, transport.Signature, c.Signature)
	require.NotNil(t, c.Data)
	assert.Len(t, c.Data.Rows, 3)

	data, err := transport.EncodeBytes(c)
	require.NoError(t, err)

	imported, err := e.transport.Import(ctx, bytes.NewReader(data), "course_copy")
	require.NoError(t, err)
	assert.NotEqual(t, wf.ID, imported.ID)
	assert.Equal(t, "course_copy", imported.Name)
	assert.Equal(t, 3, imported.NRows)
	assert.Equal(t, 3, imported.NCols)

	original, err := e.catalog.ListColumns(ctx, wf.ID)
	require.NoError(t, err)
	copied, err := e.catalog.ListColumns(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, copied, len(original))
	for i := range copied {
		assert.Equal(t, original[i].Name, copied[i].Name)
		assert.Equal(t, original[i].IsKey, copied[i].IsKey)
		assert.NotEqual(t, original[i].ID, copied[i].ID, "imported columns get fresh ids")
	}

	views, err := e.views.List(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.NotEqual(t, view.ID, views[0].ID)
	for _, id := range views[0].ColumnIDs {
		found := false
		for _, c := range copied {
			found = found || c.ID == id
		}
		assert.True(t, found, "view column %s must point at an imported column", id)
	}

	actions, err := e.actions.List(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "Dear {{ email }}", actions[0].TextContent)
	require.Len(t, actions[0].Conditions, 1)
	assert.Equal(t, 2, actions[0].Conditions[0].NRowsSelected)

	f, err := e.frames.LoadFrame(ctx, imported.ID)
	require.NoError(t, err)
	src, err := e.frames.LoadFrame(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, src.Rows, f.Rows)
}

func TestTransport_ExportWithoutDataAndSelectedActions(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	first, err := e.actions.Create(ctx, wf.ID, &ActionRequest{Name: "first"})
	require.NoError(t, err)
	_, err = e.actions.Create(ctx, wf.ID, &ActionRequest{Name: "second"})
	require.NoError(t, err)

	c, err := e.transport.Export(ctx, wf.ID, ExportOptions{ActionIDs: []uuid.UUID{first.ID}})
	require.NoError(t, err)
	assert.Nil(t, c.Data)
	require.Len(t, c.Actions, 1)
	assert.Equal(t, "first", c.Actions[0].Name)

	imported, err := e.transport.ImportContainer(ctx, c, "schema_only")
	require.NoError(t, err)
	assert.False(t, imported.HasTable())
	assert.Zero(t, imported.NRows)
	assert.Equal(t, 3, imported.NCols)
}

func TestTransport_ImportNameConflict(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	c, err := e.transport.Export(ctx, wf.ID, ExportOptions{})
	require.NoError(t, err)

	_, err = e.transport.ImportContainer(ctx, c, "")
	require.ErrorIs(t, err, apperrors.ErrConflict, "the container name is used when none is given")

	// Another user may import under the same name.
	other, err := e.transport.ImportContainer(sessionCtx("ben", "s-ben"), c, "")
	require.NoError(t, err)
	assert.Equal(t, "ben", other.OwnerID)
}

func TestTransport_InconsistentContainer(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	c, err := e.transport.Export(ctx, wf.ID, ExportOptions{IncludeData: true})
	require.NoError(t, err)
	c.Data.Rows[1][0] = c.Data.Rows[0][0]

	_, err = e.transport.ImportContainer(ctx, c, "broken")
	require.ErrorIs(t, err, apperrors.ErrTransport)
	assert.True(t, transport.IsTransportError(err))

	existing, err := e.repos.Workflows.GetByOwnerAndName(ctx, "ana", "broken")
	require.NoError(t, err)
	assert.Nil(t, existing, "a failed import leaves nothing behind")
}

func TestTransport_ImportRejectsGarbage(t *testing.T) {
	e := newEngineEnv(t)
	ctx := sessionCtx("ana", "s-ana")

	_, err := e.transport.Import(ctx, bytes.NewReader([]byte("not gzip")), "x")
	require.ErrorIs(t, err, apperrors.ErrTransport)
}
