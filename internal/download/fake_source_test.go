package download

import (
	"context"
	"fmt"
	"sync"

	"dlwatch/internal/engine"
)

type result struct {
	snap engine.Snapshot
	err  error
}

func running(done, total int64) result {
	return result{snap: engine.Snapshot{BytesDownloaded: done, BytesTotal: total, Status: engine.StatusRunning}}
}

func succeeded(path string) result {
	return result{snap: engine.Snapshot{BytesDownloaded: 100, BytesTotal: 100, Status: engine.StatusSuccessful, LocalURI: path}}
}

func failed(code, msg string) result {
	return result{snap: engine.Snapshot{Status: engine.StatusFailed, ErrorCode: code, ErrorMessage: msg}}
}

func queryErr(err error) result { return result{err: err} }

// fakeSource plays a scripted sequence of query results per task. Once a
// script is exhausted its last result repeats; unknown ids are unavailable.
type fakeSource struct {
	mu       sync.Mutex
	seq      int
	fixedID  engine.TaskID
	scripts  map[engine.TaskID][]result
	queries  map[engine.TaskID]int
	removed  []engine.TaskID
	enqueued []engine.Request
	enqErr   error

	// afterEnqueue runs once a task id has been handed out.
	afterEnqueue func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		scripts: make(map[engine.TaskID][]result),
		queries: make(map[engine.TaskID]int),
	}
}

func (f *fakeSource) script(id engine.TaskID, rs ...result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = rs
}

func (f *fakeSource) Enqueue(ctx context.Context, req engine.Request) (engine.TaskID, error) {
	f.mu.Lock()
	if f.enqErr != nil {
		f.mu.Unlock()
		return "", f.enqErr
	}
	f.enqueued = append(f.enqueued, req)
	id := f.fixedID
	if id == "" {
		f.seq++
		id = engine.TaskID(fmt.Sprintf("gid-%d", f.seq))
	}
	after := f.afterEnqueue
	f.mu.Unlock()

	if after != nil {
		after()
	}
	return id, nil
}

func (f *fakeSource) Query(ctx context.Context, id engine.TaskID) (engine.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.scripts[id]
	if !ok || len(rs) == 0 {
		return engine.Snapshot{}, engine.ErrUnavailable
	}
	n := f.queries[id]
	f.queries[id] = n + 1
	if n >= len(rs) {
		n = len(rs) - 1
	}
	return rs[n].snap, rs[n].err
}

func (f *fakeSource) Remove(ctx context.Context, id engine.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeSource) queryCount(id engine.TaskID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[id]
}

func (f *fakeSource) wasRemoved(id engine.TaskID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.removed {
		if r == id {
			return true
		}
	}
	return false
}

type stateCall struct {
	id     engine.TaskID
	state  State
	path   string
	errMsg string
}

type recordingHooks struct {
	mu       sync.Mutex
	started  []engine.TaskID
	progress map[engine.TaskID][]int
	states   []stateCall
	notified []string
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{progress: make(map[engine.TaskID][]int)}
}

func (h *recordingHooks) OnStart(id engine.TaskID, req engine.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, id)
}

func (h *recordingHooks) OnProgress(id engine.TaskID, percent int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress[id] = append(h.progress[id], percent)
}

func (h *recordingHooks) OnStateChange(id engine.TaskID, state State, path, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, stateCall{id: id, state: state, path: path, errMsg: errMsg})
}

func (h *recordingHooks) OnNotify(id engine.TaskID, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified = append(h.notified, path)
}

func (h *recordingHooks) stateCalls() []stateCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]stateCall(nil), h.states...)
}
