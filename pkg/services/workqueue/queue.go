package workqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/retry"
)

// DefaultRetention is how many finished tasks the queue keeps for display.
const DefaultRetention = 200

// DefaultRetryConfig retries transient task failures three times, starting at
// one second. Plugin runs are slow, so the delays are longer than the
// fetchers use.
func DefaultRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Queue runs deferred tasks in the background. It lives as long as the
// server and keeps finished tasks for inspection up to the retention limit.
type Queue struct {
	mu        sync.Mutex
	tasks     []*taskState
	cancelled bool
	// idle is closed whenever no task is pending or running.
	idle chan struct{}

	strategy  ConcurrencyStrategy
	retry     *retry.Config
	retention int
	onUpdate  func([]TaskSnapshot)

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

type QueueOption func(*Queue)

func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithRetryConfig replaces DefaultRetryConfig. A config with MaxRetries 0
// runs every task once.
func WithRetryConfig(cfg *retry.Config) QueueOption {
	return func(q *Queue) {
		if cfg != nil {
			q.retry = cfg
		}
	}
}

func WithRetention(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.retention = n
		}
	}
}

// New creates a work queue running one task per lane at a time unless
// WithStrategy says otherwise.
func New(logger *zap.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		idle:      closedChan(),
		strategy:  NewSerializedStrategy(),
		retry:     DefaultRetryConfig(),
		retention: DefaultRetention,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// SetOnUpdate installs a callback for task state changes. It runs with the
// queue lock held, so it must return quickly and not call the queue.
func (q *Queue) SetOnUpdate(callback func([]TaskSnapshot)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onUpdate = callback
}

// Enqueue adds a task and starts whatever the strategy allows. Tasks
// enqueued after Cancel are dropped.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	log := q.logger.With(zap.String("task_id", task.ID()), zap.String("task_name", task.Name()))
	if q.cancelled {
		log.Warn("Queue cancelled, dropping task")
		return
	}

	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
	q.tasks = append(q.tasks, newTaskState(task))
	log.Info("Task enqueued", zap.Stringer("lane", task.Lane()))

	q.scheduleLocked()
}

func (q *Queue) scheduleLocked() {
	if q.cancelled {
		return
	}
	for _, ts := range q.tasks {
		if ts.currentStatus() != TaskStatusPending || !q.strategy.TryAcquire(ts.task.Lane()) {
			continue
		}
		ts.transition(TaskStatusRunning, nil)
		q.wg.Add(1)
		go q.run(ts)
	}
	q.changedLocked()
}

// run executes a task, retrying transient failures. Whatever error remains
// decides the final status.
func (q *Queue) run(ts *taskState) {
	defer q.wg.Done()

	attempt := 0
	err := retry.DoIfRetryable(q.ctx, q.retry, func() error {
		if attempt > 0 {
			q.logger.Info("Retrying task",
				zap.String("task_id", ts.task.ID()),
				zap.Int("attempt", ts.retried()))
		}
		attempt++
		return ts.task.Execute(q.ctx, q)
	})
	q.finish(ts, err)
}

func (q *Queue) finish(ts *taskState, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.strategy.Release(ts.task.Lane())

	fields := []zap.Field{
		zap.String("task_id", ts.task.ID()),
		zap.String("task_name", ts.task.Name()),
		zap.Int("retry_count", ts.retryCount()),
	}
	switch {
	case err == nil:
		ts.transition(TaskStatusCompleted, nil)
		q.logger.Info("Task completed", fields...)
	case errors.Is(err, context.Canceled):
		ts.transition(TaskStatusCancelled, nil)
		q.logger.Info("Task cancelled", fields...)
	default:
		ts.transition(TaskStatusFailed, err)
		q.logger.Error("Task failed", append(fields, zap.Error(err))...)
	}

	q.pruneLocked()
	if q.idleLocked() {
		q.changedLocked()
		return
	}
	q.scheduleLocked()
}

// pruneLocked drops the oldest finished tasks beyond the retention limit.
func (q *Queue) pruneLocked() {
	excess := -q.retention
	for _, ts := range q.tasks {
		if ts.terminal() {
			excess++
		}
	}
	if excess <= 0 {
		return
	}
	kept := q.tasks[:0]
	for _, ts := range q.tasks {
		if excess > 0 && ts.terminal() {
			excess--
			continue
		}
		kept = append(kept, ts)
	}
	clear(q.tasks[len(kept):])
	q.tasks = kept
}

// idleLocked closes the idle channel once every task is terminal.
func (q *Queue) idleLocked() bool {
	for _, ts := range q.tasks {
		if !ts.terminal() {
			return false
		}
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
	return true
}

func (q *Queue) changedLocked() {
	if q.onUpdate != nil {
		q.onUpdate(q.snapshotsLocked())
	}
}

func (q *Queue) snapshotsLocked() []TaskSnapshot {
	out := make([]TaskSnapshot, len(q.tasks))
	for i, ts := range q.tasks {
		out[i] = ts.snapshot()
	}
	return out
}

// GetTasks returns the retained tasks, oldest first.
func (q *Queue) GetTasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotsLocked()
}

// TasksOf returns the tasks scheduled by owner.
func (q *Queue) TasksOf(owner string) []TaskSnapshot {
	var out []TaskSnapshot
	for _, s := range q.GetTasks() {
		if s.Owner == owner {
			out = append(out, s)
		}
	}
	return out
}

func (q *Queue) Get(id string) (TaskSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ts := range q.tasks {
		if ts.task.ID() == id {
			return ts.snapshot(), true
		}
	}
	return TaskSnapshot{}, false
}

// Wait blocks until the queue is idle or ctx ends, and returns the error of
// the first retained failed task.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ts := range q.tasks {
		if ts.currentStatus() == TaskStatusFailed {
			return ts.failure()
		}
	}
	return nil
}

// Cancel stops accepting tasks, cancels the pending ones and signals the
// running ones through their context.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return
	}
	q.cancelled = true
	q.cancel()
	q.logger.Info("Queue cancelled")

	for _, ts := range q.tasks {
		if ts.currentStatus() == TaskStatusPending {
			ts.transition(TaskStatusCancelled, nil)
		}
	}
	q.idleLocked()
	q.changedLocked()
}

// Shutdown cancels the queue and waits for running tasks to return.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Cancel()
	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) HasFailures() bool {
	return q.Progress().Failed > 0
}

// Progress counts the retained tasks by status.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := Progress{Total: len(q.tasks)}
	for _, ts := range q.tasks {
		switch ts.currentStatus() {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		case TaskStatusCompleted:
			p.Completed++
		case TaskStatusFailed:
			p.Failed++
		case TaskStatusCancelled:
			p.Cancelled++
		}
	}
	return p
}

type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Percentage is the finished share, 100 for an empty queue.
func (p Progress) Percentage() int {
	if p.Total == 0 {
		return 100
	}
	return (p.Completed + p.Failed + p.Cancelled) * 100 / p.Total
}
