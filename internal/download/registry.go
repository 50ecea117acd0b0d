package download

import (
	"sync"
	"sync/atomic"
	"time"

	"dlwatch/internal/engine"
	"dlwatch/internal/stream"
)

// Entry is the registry's record for one observed task. The registry owns it
// from Register until the first successful Remove; everyone else only looks
// it up.
type Entry struct {
	id        engine.TaskID
	url       string
	notify    bool
	startedAt time.Time

	sink *stream.Stream[Event]
	// finish holds the terminal outcome of whoever removed the entry without
	// owning the stream. Only the Remove winner writes it, so it never blocks.
	finish chan outcome

	percent atomic.Int32
}

func (e *Entry) ID() engine.TaskID { return e.id }

// ActiveTask is a copy of a live entry for display.
type ActiveTask struct {
	ID        engine.TaskID `json:"id"`
	URL       string        `json:"url,omitempty"`
	Percent   int           `json:"percent"`
	StartedAt time.Time     `json:"started_at"`
}

// Registry provides thread-safe storage of live task entries.
// It acts as a pure state container without any polling logic.
type Registry struct {
	mu      sync.RWMutex
	entries map[engine.TaskID]*Entry
	buffer  int
}

// NewRegistry creates a Registry with the specified initial capacity. buffer
// is the channel capacity of each entry's stream.
func NewRegistry(capacity, buffer int) *Registry {
	if capacity <= 0 {
		capacity = 128
	}
	return &Registry{
		entries: make(map[engine.TaskID]*Entry, capacity),
		buffer:  buffer,
	}
}

// Register creates the entry for id with a fresh open stream.
// Returns ErrAlreadyRegistered if id is live.
func (r *Registry) Register(id engine.TaskID, req engine.Request) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, ErrAlreadyRegistered
	}

	e := &Entry{
		id:        id,
		url:       req.URL,
		notify:    req.Visibility == engine.VisibilityNotifyCompleted,
		startedAt: time.Now(),
		sink:      stream.New[Event](r.buffer),
		finish:    make(chan outcome, 1),
	}
	r.entries[id] = e
	return e, nil
}

// Lookup returns the live entry for id without taking ownership.
func (r *Registry) Lookup(id engine.TaskID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Live reports whether e is still the registered entry for its id.
func (r *Registry) Live(e *Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[e.id] == e
}

// Remove deletes the entry for id only if it is still e.
// Exactly one caller observes true for a given entry; that caller owns the
// terminal outcome. Later calls, and calls with a stale entry after id was
// reused, return false.
func (r *Registry) Remove(id engine.TaskID, e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
		return true
	}
	return false
}

// Size returns the number of live entries.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of all live entries.
// If id is non-empty, returns at most that single entry.
func (r *Registry) Snapshot(id engine.TaskID) []ActiveTask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" {
		if e, ok := r.entries[id]; ok {
			return []ActiveTask{e.active()}
		}
		return []ActiveTask{}
	}

	out := make([]ActiveTask, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.active())
	}
	return out
}

func (e *Entry) active() ActiveTask {
	return ActiveTask{
		ID:        e.id,
		URL:       e.url,
		Percent:   int(e.percent.Load()),
		StartedAt: e.startedAt,
	}
}
