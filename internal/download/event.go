package download

import (
	"dlwatch/internal/engine"
	"dlwatch/internal/stream"
)

// Event is one progress sample. Path is set only on the terminal success
// event, which always carries Percent 100.
type Event struct {
	Percent int    `json:"percent"`
	Path    string `json:"path,omitempty"`
}

// Terminal reports whether e is the final success event of its stream.
func (e Event) Terminal() bool { return e.Path != "" }

// Stream is the consumer handle returned by Tracker.Start and Tracker.Watch.
type Stream struct {
	*stream.Stream[Event]
	ID engine.TaskID
}

// Wait drains the stream and returns how it ended.
func (s *Stream) Wait() error {
	for range s.C() {
	}
	return s.Err()
}

type State string

const (
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateLost        State = "lost"
)

// outcome is a terminal result waiting to be delivered by the poller.
type outcome struct {
	event  Event
	err    error
	source string
}

const (
	sourcePoll   = "poll"
	sourceSignal = "signal"
)
