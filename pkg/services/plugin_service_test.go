package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/plugins"
	"github.com/ekaya-inc/ontask-engine/pkg/services/workqueue"
)

const bandManifest = `
plugins:
  - name: grade_band
    wasm: grade_band.wasm
    key: sid
    inputs: [score]
    outputs:
      - name: band
        type: string
  - name: by_badge
    wasm: by_badge.wasm
    key: badge
    outputs:
      - name: level
        type: integer
`

// bandRunner maps scores to a letter.
func bandRunner(_ *plugins.Plugin, input *models.Frame) (*models.Frame, error) {
	out := models.NewFrame(
		models.FrameColumn{Name: "sid", Type: models.TypeInteger},
		models.FrameColumn{Name: "band", Type: models.TypeString},
	)
	for _, row := range input.Rows {
		band := "fail"
		if score, ok := row[1].(float64); ok && score >= 50 {
			band = "pass"
		}
		out.Rows = append(out.Rows, []any{row[0], band})
	}
	return out, nil
}

func waitForQueue(t *testing.T, q *workqueue.Queue) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.Wait(ctx)
}

func TestPluginService_RunMergesOutputs(t *testing.T) {
	e := newEngineEnv(t)
	e.withPlugins(t, bandManifest)
	e.runner.run = bandRunner
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	snapshot, err := e.plugins.Run(ctx, wf.ID, "grade_band")
	require.NoError(t, err)
	assert.Equal(t, "plugin", snapshot.Lane)
	assert.Equal(t, "ana", snapshot.Owner)

	require.NoError(t, waitForQueue(t, e.queue))

	assert.Equal(t, []string{"sid", "email", "score", "band"}, e.columnNames(t, ctx, wf.ID))
	f, err := e.frames.LoadFrame(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{"pass", "fail", "pass"}, f.Values("band"))

	tasks, err := e.plugins.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2, "a run is a transform task followed by a merge task")
	for _, task := range tasks {
		assert.Equal(t, workqueue.TaskStatusCompleted, task.Status)
	}

	others, err := e.plugins.Tasks(sessionCtx("ben", "s-ben"))
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestPluginService_RerunOverridesOutputs(t *testing.T) {
	e := newEngineEnv(t)
	e.withPlugins(t, bandManifest)
	e.runner.run = bandRunner
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	_, err := e.plugins.Run(ctx, wf.ID, "grade_band")
	require.NoError(t, err)
	require.NoError(t, waitForQueue(t, e.queue))

	require.NoError(t, e.frames.UpdateRow(ctx, wf.ID, "sid", int64(2), map[string]any{"score": 75.0}))
	_, err = e.plugins.Run(ctx, wf.ID, "grade_band")
	require.NoError(t, err)
	require.NoError(t, waitForQueue(t, e.queue))

	assert.Equal(t, []string{"sid", "email", "score", "band"}, e.columnNames(t, ctx, wf.ID), "outputs are overridden, not renamed")
	f, err := e.frames.LoadFrame(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{"pass", "pass", "pass"}, f.Values("band"))
}

func TestPluginService_RunChecks(t *testing.T) {
	e := newEngineEnv(t)
	e.withPlugins(t, bandManifest)
	e.runner.run = bandRunner
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	_, err := e.plugins.Run(ctx, wf.ID, "missing")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = e.plugins.Run(ctx, wf.ID, "by_badge")
	require.ErrorIs(t, err, apperrors.ErrValidation, "the plugin key must be a key column")

	_, err = e.plugins.Run(sessionCtx("ana", "s-other"), wf.ID, "grade_band")
	require.ErrorIs(t, err, apperrors.ErrLeaseDenied)

	empty := e.createLeasedWorkflow(t, ctx, "empty")
	_, err = e.plugins.Run(ctx, empty.ID, "grade_band")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Zero(t, e.runner.calls)
	assert.Len(t, e.plugins.List(), 2)
}

func TestPluginService_FailedTransformLeavesWorkflow(t *testing.T) {
	e := newEngineEnv(t)
	e.withPlugins(t, bandManifest)
	boom := errors.New("plugin trapped")
	e.runner.run = func(*plugins.Plugin, *models.Frame) (*models.Frame, error) { return nil, boom }
	ctx := sessionCtx("ana", "s-ana")
	wf := e.seedStudents(t, ctx)

	_, err := e.plugins.Run(ctx, wf.ID, "grade_band")
	require.NoError(t, err)
	require.ErrorIs(t, waitForQueue(t, e.queue), boom)

	assert.Equal(t, []string{"sid", "email", "score"}, e.columnNames(t, ctx, wf.ID))
	tasks, err := e.plugins.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, workqueue.TaskStatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Error, "plugin trapped")
}
