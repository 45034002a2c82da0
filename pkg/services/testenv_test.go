package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/plugins"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories/memory"
	"github.com/ekaya-inc/ontask-engine/pkg/services/workqueue"
)

// engineEnv wires every engine service over the memory backend.
type engineEnv struct {
	repos      *Repositories
	tx         Transactor
	leases     LeaseManager
	propagator Propagator
	frames     FrameStore
	catalog    SchemaCatalog
	merges     MergeService
	uploads    UploadService
	workflows  WorkflowService
	views      ViewService
	actions    ActionService
	transport  TransportService
	plugins    PluginService
	queue      *workqueue.Queue
	runner     *fakeRunner
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()
	repos := NewMemoryRepositories(store, nil)
	tx := memory.NewTransactor(store)

	e := &engineEnv{repos: repos, tx: tx, runner: &fakeRunner{}}
	e.leases = NewLeaseManager(repos.Leases, logger)
	e.propagator = NewPropagator(repos, logger)
	e.frames = NewFrameStore(tx, e.leases, repos, e.propagator, logger)
	e.catalog = NewSchemaCatalog(tx, e.leases, repos, e.frames, e.propagator, logger)
	e.merges = NewMergeService(tx, e.leases, repos, e.propagator, logger)
	e.uploads = NewUploadService(tx, e.leases, repos, e.merges, logger)
	e.workflows = NewWorkflowService(tx, e.leases, repos, logger)
	e.views = NewViewService(tx, e.leases, repos, logger)
	e.actions = NewActionService(tx, e.leases, repos, logger)
	e.transport = NewTransportService(tx, repos, e.propagator, 1<<20, logger)
	e.queue = workqueue.New(logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.queue.Shutdown(ctx)
	})
	return e
}

// withPlugins registers manifest entries and creates the plugin service.
func (e *engineEnv) withPlugins(t *testing.T, manifest string) {
	t.Helper()
	m, err := plugins.ParseManifest([]byte(manifest), t.TempDir())
	require.NoError(t, err)
	e.plugins = NewPluginService(e.tx, e.leases, e.repos, plugins.NewRegistry(m), e.runner,
		e.queue, e.merges, database.NoopScopeProvider{}, zap.NewNop())
}

// sessionCtx returns a context authenticated as userID editing in sessionID.
func sessionCtx(userID, sessionID string) context.Context {
	ctx := auth.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		Email:            userID + "@example.org",
	})
	return auth.WithSession(ctx, auth.Session{ID: sessionID, ExpiresAt: time.Now().Add(time.Hour)})
}

// createLeasedWorkflow creates a workflow owned by the caller and takes its lease.
func (e *engineEnv) createLeasedWorkflow(t *testing.T, ctx context.Context, name string) *models.Workflow {
	t.Helper()
	wf, err := e.workflows.Create(ctx, &CreateWorkflowRequest{Name: name})
	require.NoError(t, err)
	_, err = e.leases.Acquire(ctx, wf.ID)
	require.NoError(t, err)
	return wf
}

// studentsFrame is the frame most tests seed: sid and email are unique.
func studentsFrame() *models.Frame {
	f := models.NewFrame(
		models.FrameColumn{Name: "sid", Type: models.TypeInteger},
		models.FrameColumn{Name: "email", Type: models.TypeString},
		models.FrameColumn{Name: "score", Type: models.TypeDouble},
	)
	f.Rows = [][]any{
		{int64(1), "ana@example.org", 72.5},
		{int64(2), "ben@example.org", 48.0},
		{int64(3), "cai@example.org", 91.0},
	}
	return f
}

// seedStudents creates a leased workflow holding studentsFrame keyed on sid.
func (e *engineEnv) seedStudents(t *testing.T, ctx context.Context) *models.Workflow {
	t.Helper()
	wf := e.createLeasedWorkflow(t, ctx, "course")
	require.NoError(t, e.merges.ReplaceTable(ctx, wf.ID, studentsFrame(), []string{"sid"}))
	got, err := e.repos.Workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	return got
}

func (e *engineEnv) columnNames(t *testing.T, ctx context.Context, workflowID uuid.UUID) []string {
	t.Helper()
	columns, err := e.catalog.ListColumns(ctx, workflowID)
	require.NoError(t, err)
	return columnNames(columns)
}

// fakeRunner stands in for the extism runner.
type fakeRunner struct {
	mu    sync.Mutex
	calls int
	run   func(p *plugins.Plugin, input *models.Frame) (*models.Frame, error)
}

func (r *fakeRunner) Run(_ context.Context, p *plugins.Plugin, input *models.Frame) (*models.Frame, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.run(p, input)
}

var _ plugins.Runner = (*fakeRunner)(nil)
