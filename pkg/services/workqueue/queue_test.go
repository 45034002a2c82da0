package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/retry"
)

// testTask is a simple task for testing.
type testTask struct {
	BaseTask
	executeFunc func(ctx context.Context, enqueuer TaskEnqueuer) error
}

func newTestTask(name string, lane Lane, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) *testTask {
	return &testTask{
		BaseTask:    NewBaseTask(name, "user-1", lane),
		executeFunc: fn,
	}
}

func (t *testTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	if t.executeFunc != nil {
		return t.executeFunc(ctx, enqueuer)
	}
	return nil
}

func fastRetries() QueueOption {
	return WithRetryConfig(&retry.Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	})
}

func waitQueue(t *testing.T, q *Queue) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.Wait(ctx)
}

func TestQueue_EmptyWaitReturnsImmediately(t *testing.T) {
	q := New(zap.NewNop())
	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueue_EnqueueAndComplete(t *testing.T) {
	q := New(zap.NewNop())

	var executed atomic.Bool
	q.Enqueue(newTestTask("test-task", LaneData, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		executed.Store(true)
		return nil
	}))

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !executed.Load() {
		t.Error("task was not executed")
	}
	if p := q.Progress(); p.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", p.Completed)
	}
}

func TestQueue_TaskFailure(t *testing.T) {
	q := New(zap.NewNop(), fastRetries())

	expectedErr := errors.New("bad plugin output")
	q.Enqueue(newTestTask("failing-task", LaneData, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		return expectedErr
	}))

	err := waitQueue(t, q)
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected %v, got %v", expectedErr, err)
	}
	if !q.HasFailures() {
		t.Error("expected HasFailures to return true")
	}
	tasks := q.GetTasks()
	if tasks[0].RetryCount != 0 {
		t.Errorf("non-retryable error was retried %d times", tasks[0].RetryCount)
	}
}

func TestQueue_RetriesTransientErrors(t *testing.T) {
	q := New(zap.NewNop(), fastRetries())

	var calls atomic.Int32
	q.Enqueue(newTestTask("flaky-task", LanePlugin, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}))

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if got := q.GetTasks()[0].RetryCount; got != 2 {
		t.Errorf("expected retry count 2, got %d", got)
	}
}

func TestQueue_PluginTasksSerialized(t *testing.T) {
	q := New(zap.NewNop())

	var running, maxConcurrent int32
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		q.Enqueue(newTestTask("plugin-task", LanePlugin, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			current := atomic.AddInt32(&running, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 1 {
		t.Errorf("plugin tasks ran concurrently: max concurrent was %d", maxConcurrent)
	}
}

func TestQueue_ThrottledPluginStrategy(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewThrottledPluginStrategy(2)))

	var running, maxConcurrent int32
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		q.Enqueue(newTestTask("plugin-task", LanePlugin, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			current := atomic.AddInt32(&running, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 2 {
		t.Errorf("expected at most 2 concurrent plugin tasks, got %d", maxConcurrent)
	}
}

func TestQueue_FollowUpTask(t *testing.T) {
	q := New(zap.NewNop())

	var merged atomic.Bool
	q.Enqueue(newTestTask("transform", LanePlugin, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		enqueuer.Enqueue(newTestTask("merge", LaneData, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			merged.Store(true)
			return nil
		}))
		return nil
	}))

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !merged.Load() {
		t.Error("follow-up task did not run")
	}
	if p := q.Progress(); p.Total != 2 || p.Completed != 2 {
		t.Errorf("expected 2 completed tasks, got %+v", p)
	}
}

func TestQueue_Cancel(t *testing.T) {
	q := New(zap.NewNop())

	started := make(chan struct{})
	q.Enqueue(newTestTask("long-task", LaneData, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	q.Enqueue(newTestTask("pending-task", LaneData, nil))

	<-started
	q.Cancel()

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("cancelled tasks are not failures, got %v", err)
	}
	for _, s := range q.GetTasks() {
		if s.Status != TaskStatusCancelled {
			t.Errorf("task %s: expected cancelled, got %s", s.Name, s.Status)
		}
	}

	q.Enqueue(newTestTask("late-task", LaneData, nil))
	if q.Progress().Total != 2 {
		t.Error("cancelled queue accepted a task")
	}
}

func TestQueue_Retention(t *testing.T) {
	q := New(zap.NewNop(), WithRetention(2))

	for i := 0; i < 5; i++ {
		q.Enqueue(newTestTask("task", LaneData, nil))
		if err := waitQueue(t, q); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := len(q.GetTasks()); n != 2 {
		t.Errorf("expected 2 retained tasks, got %d", n)
	}
}

func TestQueue_TasksOfAndGet(t *testing.T) {
	q := New(zap.NewNop())

	mine := newTestTask("mine", LaneData, nil)
	other := &testTask{BaseTask: NewBaseTask("other", "user-2", LaneData)}
	q.Enqueue(mine)
	q.Enqueue(other)
	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tasks := q.TasksOf("user-1")
	if len(tasks) != 1 || tasks[0].ID != mine.ID() {
		t.Errorf("expected only the user-1 task, got %+v", tasks)
	}
	if _, ok := q.Get(other.ID()); !ok {
		t.Error("expected to find task by id")
	}
	if _, ok := q.Get("missing"); ok {
		t.Error("expected missing task not to be found")
	}
}

func TestProgress_Percentage(t *testing.T) {
	tests := []struct {
		p    Progress
		want int
	}{
		{Progress{}, 100},
		{Progress{Total: 4, Completed: 1}, 25},
		{Progress{Total: 4, Completed: 1, Failed: 1, Cancelled: 2}, 100},
	}
	for _, tt := range tests {
		if got := tt.p.Percentage(); got != tt.want {
			t.Errorf("Percentage(%+v) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestThrottledPluginStrategy_Lanes(t *testing.T) {
	s := NewThrottledPluginStrategy(2)

	if !s.TryAcquire(LanePlugin) || !s.TryAcquire(LanePlugin) {
		t.Fatal("expected two plugin slots")
	}
	if s.TryAcquire(LanePlugin) {
		t.Error("third plugin task should wait")
	}
	if !s.TryAcquire(LaneData) {
		t.Error("data lane is independent of plugin lane")
	}
	if s.TryAcquire(LaneData) {
		t.Error("data tasks are serialized")
	}

	s.Release(LanePlugin)
	if !s.TryAcquire(LanePlugin) {
		t.Error("released plugin slot should be reusable")
	}

	s.Release(LaneData)
	s.Release(LaneData)
	if !s.TryAcquire(LaneData) || s.TryAcquire(LaneData) {
		t.Error("extra releases must not grow the data lane")
	}
}

func TestNewThrottledPluginStrategy_FloorsAtOne(t *testing.T) {
	s := NewThrottledPluginStrategy(0)
	if !s.TryAcquire(LanePlugin) {
		t.Fatal("expected one plugin slot")
	}
	if s.TryAcquire(LanePlugin) {
		t.Error("expected only one plugin slot")
	}
}

func TestTaskState_TransitionsAndSnapshot(t *testing.T) {
	ts := newTaskState(newTestTask("transform", LanePlugin, nil))

	ts.transition(TaskStatusRunning, nil)
	if ts.terminal() {
		t.Fatal("running is not terminal")
	}
	if n := ts.retried(); n != 1 {
		t.Errorf("expected retry count 1, got %d", n)
	}
	ts.transition(TaskStatusFailed, errors.New("plugin trapped"))

	s := ts.snapshot()
	if s.Lane != "plugin" || s.Status != TaskStatusFailed || s.Error != "plugin trapped" {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if s.StartedAt == nil || s.CompletedAt == nil {
		t.Error("expected start and finish times")
	}
	if s.RetryCount != 1 {
		t.Errorf("expected retry count 1 in snapshot, got %d", s.RetryCount)
	}
}
