package workqueue

// Lane separates the work the queue throttles independently.
type Lane int

const (
	// LanePlugin runs Wasm transforms. They only read workflows.
	LanePlugin Lane = iota
	// LaneData writes workflows, such as the merge that follows a plugin run.
	LaneData
)

func (l Lane) String() string {
	if l == LanePlugin {
		return "plugin"
	}
	return "data"
}

// ConcurrencyStrategy decides whether a pending task may start. The queue
// calls it with its lock held, so implementations need no locking.
type ConcurrencyStrategy interface {
	TryAcquire(lane Lane) bool
	Release(lane Lane)
}

// laneLimits caps the running tasks of each lane.
type laneLimits struct {
	max     [2]int
	running [2]int
}

func (s *laneLimits) TryAcquire(lane Lane) bool {
	if s.running[lane] >= s.max[lane] {
		return false
	}
	s.running[lane]++
	return true
}

func (s *laneLimits) Release(lane Lane) {
	if s.running[lane] > 0 {
		s.running[lane]--
	}
}

// NewSerializedStrategy runs one plugin task and one data task at a time.
// A plugin task and a data task may overlap.
func NewSerializedStrategy() ConcurrencyStrategy {
	return NewThrottledPluginStrategy(1)
}

// NewThrottledPluginStrategy allows up to maxConcurrent plugin tasks in
// parallel, with at least one. Data tasks stay serialized so merges into
// workflows never race.
func NewThrottledPluginStrategy(maxConcurrent int) ConcurrencyStrategy {
	return &laneLimits{max: [2]int{LanePlugin: max(maxConcurrent, 1), LaneData: 1}}
}
