package download

import "dlwatch/internal/engine"

// Hooks provide optional callbacks for persistence / external tracking.
// They run on the task's poller goroutine, so per-task calls are ordered and
// implementations should be fast.
type Hooks interface {
	// OnStart runs once the task is registered and before its first poll.
	// req is zero for tasks attached with Watch.
	OnStart(id engine.TaskID, req engine.Request)
	OnProgress(id engine.TaskID, percent int)
	// OnStateChange reports a terminal state. path is set for StateCompleted,
	// errMsg for StateFailed and StateLost.
	OnStateChange(id engine.TaskID, state State, path, errMsg string)
	// OnNotify fires after a successful transfer whose request asked for a
	// completion notification.
	OnNotify(id engine.TaskID, path string)
}
