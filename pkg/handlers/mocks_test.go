package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/merge"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/plugins"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
	"github.com/ekaya-inc/ontask-engine/pkg/services/workqueue"
	"github.com/ekaya-inc/ontask-engine/pkg/transport"
)

var errNoDraft = fmt.Errorf("upload draft: %w", apperrors.ErrNotFound)

// noopScope is a passthrough request scope for unit tests.
func noopScope(next http.HandlerFunc) http.HandlerFunc {
	return next
}

// mockAuthService accepts every request with fixed claims.
type mockAuthService struct {
	claims *auth.Claims
	token  string
	err    error
}

func (m *mockAuthService) ValidateRequest(r *http.Request) (*auth.Claims, string, error) {
	if m.err != nil {
		return nil, "", m.err
	}
	return m.claims, m.token, nil
}

func testAuthMiddleware() *auth.Middleware {
	claims := &auth.Claims{Email: "instructor@example.com"}
	claims.Subject = "user-1"
	return auth.NewMiddleware(&mockAuthService{claims: claims, token: "test-token"}, nil, zap.NewNop())
}

// mockWorkflowService implements services.WorkflowService.
type mockWorkflowService struct {
	workflows []*models.Workflow
	workflow  *models.Workflow
	detail    *services.WorkflowDetail
	err       error

	createReq *services.CreateWorkflowRequest
	sharedIDs []string
	deleted   uuid.UUID
}

func (m *mockWorkflowService) List(ctx context.Context) ([]*models.Workflow, error) {
	return m.workflows, m.err
}

func (m *mockWorkflowService) Create(ctx context.Context, req *services.CreateWorkflowRequest) (*models.Workflow, error) {
	m.createReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.Workflow{ID: uuid.New(), Name: req.Name, Description: req.Description}, nil
}

func (m *mockWorkflowService) Get(ctx context.Context, workflowID uuid.UUID) (*services.WorkflowDetail, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.detail != nil {
		return m.detail, nil
	}
	return &services.WorkflowDetail{Workflow: &models.Workflow{ID: workflowID, Name: "wf"}}, nil
}

func (m *mockWorkflowService) Update(ctx context.Context, workflowID uuid.UUID, req *services.UpdateWorkflowRequest) (*models.Workflow, error) {
	if m.err != nil {
		return nil, m.err
	}
	wf := &models.Workflow{ID: workflowID}
	if req.Name != nil {
		wf.Name = *req.Name
	}
	return wf, nil
}

func (m *mockWorkflowService) Delete(ctx context.Context, workflowID uuid.UUID) error {
	m.deleted = workflowID
	return m.err
}

func (m *mockWorkflowService) Share(ctx context.Context, workflowID uuid.UUID, userIDs []string) (*models.Workflow, error) {
	m.sharedIDs = userIDs
	if m.err != nil {
		return nil, m.err
	}
	return &models.Workflow{ID: workflowID, SharedWith: userIDs}, nil
}

// mockLeaseManager implements services.LeaseManager.
type mockLeaseManager struct {
	lease    *models.Lease
	err      error
	released bool
}

func (m *mockLeaseManager) Acquire(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.lease != nil {
		return m.lease, nil
	}
	return &models.Lease{WorkflowID: workflowID, SessionID: "s1", UserEmail: "instructor@example.com"}, nil
}

func (m *mockLeaseManager) Release(ctx context.Context, workflowID uuid.UUID) error {
	m.released = m.err == nil
	return m.err
}

func (m *mockLeaseManager) Get(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error) {
	return m.lease, m.err
}

func (m *mockLeaseManager) IsLocked(ctx context.Context, workflowID uuid.UUID) (bool, error) {
	return m.lease != nil, m.err
}

func (m *mockLeaseManager) Verify(ctx context.Context, workflowID uuid.UUID) error {
	return m.err
}

// mockFrameStore implements services.FrameStore.
type mockFrameStore struct {
	frame *models.Frame
	stats *models.ColumnStats
	err   error

	flushed     bool
	inserted    map[string]any
	updateKey   string
	updateValue any
	updates     map[string]any
	deleteKey   string
	deleteValue any
	matches     []repositories.Match
	projection  []string
}

func (m *mockFrameStore) LoadFrame(ctx context.Context, workflowID uuid.UUID) (*models.Frame, error) {
	return m.frame, m.err
}

func (m *mockFrameStore) StoreFrame(ctx context.Context, workflowID uuid.UUID, f *models.Frame) error {
	return m.err
}

func (m *mockFrameStore) AddColumnWithDefault(ctx context.Context, workflowID uuid.UUID, name string, typ models.ColumnType, value any) error {
	return m.err
}

func (m *mockFrameStore) DropColumn(ctx context.Context, workflowID uuid.UUID, name string) error {
	return m.err
}

func (m *mockFrameStore) RenameColumn(ctx context.Context, workflowID uuid.UUID, oldName, newName string) error {
	return m.err
}

func (m *mockFrameStore) UpdateRow(ctx context.Context, workflowID uuid.UUID, keyColumn string, keyValue any, assignments map[string]any) error {
	m.updateKey, m.updateValue, m.updates = keyColumn, keyValue, assignments
	return m.err
}

func (m *mockFrameStore) InsertRow(ctx context.Context, workflowID uuid.UUID, values map[string]any) error {
	m.inserted = values
	return m.err
}

func (m *mockFrameStore) DeleteRow(ctx context.Context, workflowID uuid.UUID, keyColumn string, keyValue any) error {
	m.deleteKey, m.deleteValue = keyColumn, keyValue
	return m.err
}

func (m *mockFrameStore) IsUnique(ctx context.Context, workflowID uuid.UUID, name string) (bool, error) {
	return true, m.err
}

func (m *mockFrameStore) SelectRow(ctx context.Context, workflowID uuid.UUID, matches []repositories.Match, projection []string) (*models.Frame, error) {
	m.matches, m.projection = matches, projection
	return m.frame, m.err
}

func (m *mockFrameStore) ColumnStats(ctx context.Context, workflowID uuid.UUID, name string) (*models.ColumnStats, error) {
	return m.stats, m.err
}

func (m *mockFrameStore) Flush(ctx context.Context, workflowID uuid.UUID) error {
	m.flushed = m.err == nil
	return m.err
}

// mockMergeService implements services.MergeService.
type mockMergeService struct {
	result *merge.Result
	err    error

	src      *models.Frame
	bulkReq  services.BulkMergeRequest
	replaced *models.Frame
	keys     []string
}

func (m *mockMergeService) Commit(ctx context.Context, workflowID uuid.UUID, src *models.Frame, params models.MergeParams) (*merge.Result, error) {
	m.src = src
	return m.result, m.err
}

func (m *mockMergeService) MergeFrame(ctx context.Context, workflowID uuid.UUID, src *models.Frame, req services.BulkMergeRequest) (*merge.Result, error) {
	m.src, m.bulkReq = src, req
	return m.result, m.err
}

func (m *mockMergeService) ReplaceTable(ctx context.Context, workflowID uuid.UUID, f *models.Frame, keys []string) error {
	m.replaced, m.keys = f, keys
	return m.err
}

// mockViewService implements services.ViewService.
type mockViewService struct {
	view  *models.View
	frame *models.Frame
	err   error
}

func (m *mockViewService) List(ctx context.Context, workflowID uuid.UUID) ([]*models.View, error) {
	if m.view == nil {
		return nil, m.err
	}
	return []*models.View{m.view}, m.err
}

func (m *mockViewService) Get(ctx context.Context, workflowID, viewID uuid.UUID) (*models.View, error) {
	return m.view, m.err
}

func (m *mockViewService) Create(ctx context.Context, workflowID uuid.UUID, req *services.ViewRequest) (*models.View, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.View{ID: uuid.New(), WorkflowID: workflowID, Name: req.Name}, nil
}

func (m *mockViewService) Update(ctx context.Context, workflowID, viewID uuid.UUID, req *services.ViewRequest) (*models.View, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.View{ID: viewID, WorkflowID: workflowID, Name: req.Name}, nil
}

func (m *mockViewService) Delete(ctx context.Context, workflowID, viewID uuid.UUID) error {
	return m.err
}

func (m *mockViewService) Frame(ctx context.Context, workflowID, viewID uuid.UUID) (*models.Frame, error) {
	return m.frame, m.err
}

// mockSchemaCatalog implements services.SchemaCatalog. called records the
// operation that served the request.
type mockSchemaCatalog struct {
	column *models.Column
	err    error

	called  string
	desc    services.ColumnDescriptor
	value   any
	op      string
	update  services.ColumnUpdate
	newName string
	isKey   bool
}

func (m *mockSchemaCatalog) result(op string, desc services.ColumnDescriptor) (*models.Column, error) {
	m.called, m.desc = op, desc
	if m.err != nil {
		return nil, m.err
	}
	return &models.Column{ID: uuid.New(), Name: desc.Name, Type: desc.Type}, nil
}

func (m *mockSchemaCatalog) ListColumns(ctx context.Context, workflowID uuid.UUID) ([]*models.Column, error) {
	if m.column == nil {
		return []*models.Column{}, m.err
	}
	return []*models.Column{m.column}, m.err
}

func (m *mockSchemaCatalog) GetColumn(ctx context.Context, workflowID uuid.UUID, name string) (*models.Column, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.column != nil {
		return m.column, nil
	}
	return &models.Column{Name: name, IsKey: m.isKey}, nil
}

func (m *mockSchemaCatalog) AddColumn(ctx context.Context, workflowID uuid.UUID, desc services.ColumnDescriptor) (*models.Column, error) {
	return m.result("add", desc)
}

func (m *mockSchemaCatalog) AddColumnWithValue(ctx context.Context, workflowID uuid.UUID, desc services.ColumnDescriptor, value any) (*models.Column, error) {
	m.value = value
	return m.result("add_value", desc)
}

func (m *mockSchemaCatalog) AddFormulaColumn(ctx context.Context, workflowID uuid.UUID, desc services.ColumnDescriptor, op string, operands []string) (*models.Column, error) {
	m.op = op
	return m.result("add_formula", desc)
}

func (m *mockSchemaCatalog) AddRandomColumn(ctx context.Context, workflowID uuid.UUID, desc services.ColumnDescriptor, values []any, count int) (*models.Column, error) {
	return m.result("add_random", desc)
}

func (m *mockSchemaCatalog) RenameColumn(ctx context.Context, workflowID uuid.UUID, oldName, newName string) error {
	return m.err
}

func (m *mockSchemaCatalog) RetypeColumn(ctx context.Context, workflowID uuid.UUID, name string, typ models.ColumnType) error {
	return m.err
}

func (m *mockSchemaCatalog) TogglePrimary(ctx context.Context, workflowID uuid.UUID, name string, isKey bool) error {
	m.called, m.isKey = "toggle", isKey
	return m.err
}

func (m *mockSchemaCatalog) Reposition(ctx context.Context, workflowID uuid.UUID, name string, position int) error {
	return m.err
}

func (m *mockSchemaCatalog) SetCategories(ctx context.Context, workflowID uuid.UUID, name string, values []any) error {
	return m.err
}

func (m *mockSchemaCatalog) UpdateColumn(ctx context.Context, workflowID uuid.UUID, name string, update services.ColumnUpdate) (*models.Column, error) {
	m.called, m.update = "update", update
	if m.err != nil {
		return nil, m.err
	}
	col := &models.Column{Name: name}
	if update.Name != nil {
		col.Name = *update.Name
	}
	return col, nil
}

func (m *mockSchemaCatalog) DeleteColumn(ctx context.Context, workflowID uuid.UUID, name string) error {
	m.called = "delete"
	return m.err
}

func (m *mockSchemaCatalog) CloneColumn(ctx context.Context, workflowID uuid.UUID, name, newName string) (*models.Column, error) {
	m.called, m.newName = "clone", newName
	if m.err != nil {
		return nil, m.err
	}
	if newName == "" {
		newName = "Copy_of_" + name
	}
	return &models.Column{Name: newName}, nil
}

// mockUploadService implements services.UploadService.
type mockUploadService struct {
	draft   *models.UploadDraft
	preview *models.UploadPreview
	result  *merge.Result
	err     error

	ingested  *models.Frame
	source    models.SourceDescriptor
	selection services.ColumnSelection
	pairing   services.KeyPairing
	committed bool
	cancelled bool
}

func (m *mockUploadService) GetDraft(ctx context.Context, workflowID uuid.UUID) (*models.UploadDraft, error) {
	if m.draft == nil && m.err == nil {
		return nil, errNoDraft
	}
	return m.draft, m.err
}

func (m *mockUploadService) Ingest(ctx context.Context, workflowID uuid.UUID, src *models.Frame, source models.SourceDescriptor) (*models.UploadDraft, error) {
	m.ingested, m.source = src, source
	if m.err != nil {
		return nil, m.err
	}
	return &models.UploadDraft{
		WorkflowID:         workflowID,
		Step:               models.UploadStepIngest,
		Source:             source,
		InitialColumnNames: src.ColumnNames(),
		NRows:              src.NumRows(),
	}, nil
}

func (m *mockUploadService) SelectColumns(ctx context.Context, workflowID uuid.UUID, sel services.ColumnSelection) (*services.StepResult, error) {
	m.selection = sel
	if m.err != nil {
		return nil, m.err
	}
	return &services.StepResult{Draft: m.draft}, nil
}

func (m *mockUploadService) PairKeys(ctx context.Context, workflowID uuid.UUID, pairing services.KeyPairing) (*models.UploadDraft, error) {
	m.pairing = pairing
	return m.draft, m.err
}

func (m *mockUploadService) Preview(ctx context.Context, workflowID uuid.UUID) (*models.UploadPreview, error) {
	return m.preview, m.err
}

func (m *mockUploadService) Commit(ctx context.Context, workflowID uuid.UUID, confirm bool) (*merge.Result, error) {
	m.committed = confirm && m.err == nil
	return m.result, m.err
}

func (m *mockUploadService) Cancel(ctx context.Context, workflowID uuid.UUID) error {
	m.cancelled = m.err == nil
	return m.err
}

// mockTransportService implements services.TransportService.
type mockTransportService struct {
	container *transport.Container
	err       error

	opts       services.ExportOptions
	importName string
	imported   []byte
}

func (m *mockTransportService) Export(ctx context.Context, workflowID uuid.UUID, opts services.ExportOptions) (*transport.Container, error) {
	m.opts = opts
	return m.container, m.err
}

func (m *mockTransportService) Import(ctx context.Context, r io.Reader, name string) (*models.Workflow, error) {
	m.importName = name
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.imported = data
	if m.err != nil {
		return nil, m.err
	}
	return &models.Workflow{ID: uuid.New(), Name: name}, nil
}

func (m *mockTransportService) ImportContainer(ctx context.Context, c *transport.Container, name string) (*models.Workflow, error) {
	return nil, m.err
}

func testRejectingMiddleware() *auth.Middleware {
	return auth.NewMiddleware(&mockAuthService{err: fmt.Errorf("no token")}, nil, zap.NewNop())
}

// mockActionService implements services.ActionService.
type mockActionService struct {
	action      *models.Action
	err         error
	lastRequest *services.ActionRequest
	lastCond    *services.ConditionRequest
}

func (m *mockActionService) List(ctx context.Context, workflowID uuid.UUID) ([]*models.Action, error) {
	if m.action == nil {
		return nil, m.err
	}
	return []*models.Action{m.action}, m.err
}

func (m *mockActionService) Get(ctx context.Context, workflowID, actionID uuid.UUID) (*models.Action, error) {
	return m.action, m.err
}

func (m *mockActionService) Create(ctx context.Context, workflowID uuid.UUID, req *services.ActionRequest) (*models.Action, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.Action{ID: uuid.New(), WorkflowID: workflowID, Name: req.Name, ActionType: req.ActionType}, nil
}

func (m *mockActionService) Delete(ctx context.Context, workflowID, actionID uuid.UUID) error {
	return m.err
}

func (m *mockActionService) AddCondition(ctx context.Context, workflowID, actionID uuid.UUID, req *services.ConditionRequest) (*models.Condition, error) {
	m.lastCond = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.Condition{ID: uuid.New(), ActionID: actionID, WorkflowID: workflowID, Name: req.Name, IsFilter: req.IsFilter}, nil
}

func (m *mockActionService) DeleteCondition(ctx context.Context, workflowID, actionID, conditionID uuid.UUID) error {
	return m.err
}

// mockPluginService implements services.PluginService.
type mockPluginService struct {
	plugins []*plugins.Plugin
	tasks   []workqueue.TaskSnapshot
	err     error
	ran     string
}

func (m *mockPluginService) List() []*plugins.Plugin {
	return m.plugins
}

func (m *mockPluginService) Run(ctx context.Context, workflowID uuid.UUID, name string) (*workqueue.TaskSnapshot, error) {
	m.ran = name
	if m.err != nil {
		return nil, m.err
	}
	return &workqueue.TaskSnapshot{ID: uuid.NewString(), Name: "plugin " + name, Lane: "plugin", Status: workqueue.TaskStatusPending}, nil
}

func (m *mockPluginService) Tasks(ctx context.Context) ([]workqueue.TaskSnapshot, error) {
	return m.tasks, m.err
}

var (
	_ services.ActionService = (*mockActionService)(nil)
	_ services.PluginService = (*mockPluginService)(nil)
)
