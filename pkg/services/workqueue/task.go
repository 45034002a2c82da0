package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a unit of deferred work, such as a plugin transform or the merge
// of its output.
type Task interface {
	ID() string
	Name() string
	// Owner is the subject of the user that scheduled the task.
	Owner() string
	// Lane selects the concurrency limit the task counts against.
	Lane() Lane
	// Execute runs the task. Follow-up work goes through enqueuer.
	Execute(ctx context.Context, enqueuer TaskEnqueuer) error
}

// TaskEnqueuer lets a task schedule follow-up tasks.
type TaskEnqueuer interface {
	Enqueue(task Task)
}

// taskState is the queue's record of one task. The task goroutine and
// snapshot readers touch it concurrently.
type taskState struct {
	task Task

	mu         sync.RWMutex
	status     TaskStatus
	enqueuedAt time.Time
	startedAt  *time.Time
	finishedAt *time.Time
	err        error
	retries    int
}

func newTaskState(task Task) *taskState {
	return &taskState{task: task, status: TaskStatusPending, enqueuedAt: time.Now()}
}

func (ts *taskState) currentStatus() TaskStatus {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.status
}

func (ts *taskState) terminal() bool {
	return ts.currentStatus().Terminal()
}

// transition moves the task to status and stamps the start or finish time.
// err is recorded for failures only.
func (ts *taskState) transition(status TaskStatus, err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	ts.status = status
	switch {
	case status == TaskStatusRunning:
		ts.startedAt = &now
	case status.Terminal():
		ts.finishedAt = &now
	}
	if status == TaskStatusFailed {
		ts.err = err
	}
}

func (ts *taskState) failure() error {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.err
}

// retried counts one more attempt and returns the total.
func (ts *taskState) retried() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.retries++
	return ts.retries
}

func (ts *taskState) retryCount() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.retries
}

func (ts *taskState) snapshot() TaskSnapshot {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	s := TaskSnapshot{
		ID:          ts.task.ID(),
		Name:        ts.task.Name(),
		Owner:       ts.task.Owner(),
		Lane:        ts.task.Lane().String(),
		Status:      ts.status,
		EnqueuedAt:  ts.enqueuedAt,
		StartedAt:   ts.startedAt,
		CompletedAt: ts.finishedAt,
		RetryCount:  ts.retries,
	}
	if ts.err != nil {
		s.Error = ts.err.Error()
	}
	return s
}

// TaskSnapshot is the JSON view of a task served by GET /api/tasks.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Owner       string     `json:"owner"`
	Lane        string     `json:"lane"`
	Status      TaskStatus `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
}

// BaseTask carries the identity of a task. Concrete tasks embed it and add
// Execute.
type BaseTask struct {
	id    string
	name  string
	owner string
	lane  Lane
}

// NewBaseTask creates an identity with a fresh id.
func NewBaseTask(name, owner string, lane Lane) BaseTask {
	return BaseTask{id: uuid.NewString(), name: name, owner: owner, lane: lane}
}

func (t BaseTask) ID() string    { return t.id }
func (t BaseTask) Name() string  { return t.name }
func (t BaseTask) Owner() string { return t.owner }
func (t BaseTask) Lane() Lane    { return t.lane }
