package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/plugins"
	"github.com/ekaya-inc/ontask-engine/pkg/services/workqueue"
)

// PluginService schedules Wasm transforms over workflow frames. A run is
// two deferred tasks: the transform, then a left merge of its outputs on
// the plugin key with override semantics.
type PluginService interface {
	List() []*plugins.Plugin
	// Run checks the plugin against the workflow and schedules it. The caller
	// must hold the lease; the merge step writes under the same session.
	Run(ctx context.Context, workflowID uuid.UUID, name string) (*workqueue.TaskSnapshot, error)
	// Tasks returns the tasks scheduled by the caller.
	Tasks(ctx context.Context) ([]workqueue.TaskSnapshot, error)
}

type pluginService struct {
	writeGate
	registry *plugins.Registry
	runner   plugins.Runner
	queue    *workqueue.Queue
	merges   MergeService
	scopes   database.ScopeProvider
	logger   *zap.Logger
}

// NewPluginService creates the plugin service.
func NewPluginService(
	tx Transactor,
	leases LeaseManager,
	repos *Repositories,
	registry *plugins.Registry,
	runner plugins.Runner,
	queue *workqueue.Queue,
	merges MergeService,
	scopes database.ScopeProvider,
	logger *zap.Logger,
) PluginService {
	return &pluginService{
		writeGate: writeGate{tx: tx, leases: leases, repos: repos},
		registry:  registry,
		runner:    runner,
		queue:     queue,
		merges:    merges,
		scopes:    scopes,
		logger:    logger.Named("plugin-service"),
	}
}

var _ PluginService = (*pluginService)(nil)

func (s *pluginService) List() []*plugins.Plugin {
	return s.registry.List()
}

func (s *pluginService) Run(ctx context.Context, workflowID uuid.UUID, name string) (*workqueue.TaskSnapshot, error) {
	p, ok := s.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", name, apperrors.ErrNotFound)
	}
	userID, err := auth.RequireUserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	claims, _ := auth.GetClaims(ctx)
	session, _ := auth.GetSessionFromContext(ctx)

	wf, err := s.read(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := s.leases.Verify(ctx, workflowID); err != nil {
		return nil, err
	}
	columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	if err := checkPluginAgainstCatalog(p, columns); err != nil {
		return nil, err
	}
	if wf.NRows == 0 {
		return nil, apperrors.Validation("workflow %s has no rows to transform", wf.Name)
	}

	task := &pluginTransformTask{
		BaseTask:   workqueue.NewBaseTask("plugin "+p.Name+" on "+wf.Name, userID, workqueue.LanePlugin),
		svc:        s,
		plugin:     p,
		workflowID: workflowID,
		claims:     claims,
		session:    session,
	}
	s.queue.Enqueue(task)

	s.logger.Info("Scheduled plugin run",
		zap.String("plugin", p.Name),
		zap.String("workflow_id", workflowID.String()),
		zap.String("task_id", task.ID()))

	snapshot, _ := s.queue.Get(task.ID())
	return &snapshot, nil
}

func (s *pluginService) Tasks(ctx context.Context) ([]workqueue.TaskSnapshot, error) {
	userID, err := auth.RequireUserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	tasks := s.queue.TasksOf(userID)
	if tasks == nil {
		tasks = []workqueue.TaskSnapshot{}
	}
	return tasks, nil
}

// checkPluginAgainstCatalog requires the plugin key to be a key column and
// every input to be a column of the workflow.
func checkPluginAgainstCatalog(p *plugins.Plugin, columns []*models.Column) error {
	key := models.FindColumn(columns, p.Key)
	if key == nil || !key.IsKey {
		return apperrors.Validation("plugin %s needs key column %s in the workflow", p.Name, p.Key)
	}
	for _, in := range p.Inputs {
		if models.FindColumn(columns, in) == nil {
			return apperrors.Validation("plugin %s needs column %s in the workflow", p.Name, in)
		}
	}
	return nil
}

// taskContext rebuilds the caller identity on top of the queue context and
// opens a database scope for the task.
func (s *pluginService) taskContext(ctx context.Context, claims *auth.Claims, session auth.Session) (context.Context, func(), error) {
	if claims != nil {
		ctx = auth.WithClaims(ctx, claims)
	}
	if session.ID != "" {
		ctx = auth.WithSession(ctx, session)
	}
	return s.scopes.WithScope(ctx)
}

type pluginTransformTask struct {
	workqueue.BaseTask
	svc        *pluginService
	plugin     *plugins.Plugin
	workflowID uuid.UUID
	claims     *auth.Claims
	session    auth.Session
}

func (t *pluginTransformTask) Execute(ctx context.Context, enqueuer workqueue.TaskEnqueuer) error {
	ctx, done, err := t.svc.taskContext(ctx, t.claims, t.session)
	if err != nil {
		return fmt.Errorf("failed to open database scope: %w", err)
	}
	defer done()

	wf, err := t.svc.read(ctx, t.workflowID)
	if err != nil {
		return err
	}
	columns, err := t.svc.repos.Columns.ListByWorkflow(ctx, t.workflowID)
	if err != nil {
		return fmt.Errorf("failed to list columns: %w", err)
	}
	if err := checkPluginAgainstCatalog(t.plugin, columns); err != nil {
		return err
	}
	f, err := loadFrame(ctx, t.svc.repos, wf, columns)
	if err != nil {
		return err
	}
	input, err := f.Project(append([]string{t.plugin.Key}, t.plugin.Inputs...))
	if err != nil {
		return apperrors.Invariant("plugin %s input: %v", t.plugin.Name, err)
	}

	output, err := t.svc.runner.Run(ctx, t.plugin, input)
	if err != nil {
		return err
	}

	enqueuer.Enqueue(&pluginMergeTask{
		BaseTask:   workqueue.NewBaseTask("merge "+t.plugin.Name+" into "+wf.Name, t.Owner(), workqueue.LaneData),
		svc:        t.svc,
		plugin:     t.plugin,
		workflowID: t.workflowID,
		output:     output,
		claims:     t.claims,
		session:    t.session,
	})
	return nil
}

type pluginMergeTask struct {
	workqueue.BaseTask
	svc        *pluginService
	plugin     *plugins.Plugin
	workflowID uuid.UUID
	output     *models.Frame
	claims     *auth.Claims
	session    auth.Session
}

func (t *pluginMergeTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	ctx, done, err := t.svc.taskContext(ctx, t.claims, t.session)
	if err != nil {
		return fmt.Errorf("failed to open database scope: %w", err)
	}
	defer done()

	result, err := t.svc.merges.MergeFrame(ctx, t.workflowID, t.output.Clone(), BulkMergeRequest{
		SrcKey:    t.plugin.Key,
		DstKey:    t.plugin.Key,
		How:       models.MergeLeft,
		DupPolicy: models.DupOverride,
	})
	if err != nil {
		return err
	}

	t.svc.logger.Info("Merged plugin output",
		zap.String("plugin", t.plugin.Name),
		zap.String("workflow_id", t.workflowID.String()),
		zap.Int("new_columns", len(result.NewColumns)),
		zap.Int("overridden", len(result.Overridden)))
	return nil
}
