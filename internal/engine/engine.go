// Package engine describes the external transfer engine dlwatch observes.
// The engine performs the transfer; dlwatch only enqueues, queries and
// removes tasks through a Source.
package engine

import (
	"context"
	"errors"
)

// TaskID identifies one transfer inside the engine (an aria2 GID).
// It is unique while the transfer is active and may be reused afterwards.
type TaskID string

// Status is the engine's coarse view of a transfer.
type Status int

const (
	StatusOther Status = iota
	StatusRunning
	StatusSuccessful
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSuccessful:
		return "successful"
	case StatusFailed:
		return "failed"
	default:
		return "other"
	}
}

// Snapshot is a point-in-time read of one transfer. It is never cached.
type Snapshot struct {
	BytesDownloaded int64
	BytesTotal      int64
	Status          Status
	// LocalURI is the location of the written file, when the engine knows it.
	LocalURI string

	// Engine-specific failure details, set when Status is StatusFailed.
	ErrorCode    string
	ErrorMessage string
}

// Percent returns floor(downloaded/total*100) clamped to [0, 100].
// An unknown total (zero) yields 0.
func (s Snapshot) Percent() int {
	if s.BytesTotal <= 0 || s.BytesDownloaded <= 0 {
		return 0
	}
	p := s.BytesDownloaded * 100 / s.BytesTotal
	if p > 100 {
		p = 100
	}
	return int(p)
}

// Visibility controls whether the caller wants to be told about completion.
type Visibility int

const (
	VisibilityVisible Visibility = iota
	VisibilityNotifyCompleted
)

// Request is a fully resolved transfer request, ready to be enqueued.
type Request struct {
	URL        string
	Dir        string
	Filename   string
	MimeType   string
	Headers    map[string]string
	Visibility Visibility
}

// ErrUnavailable is returned by Source.Query when the engine does not know
// the task (it was never enqueued, or it has been purged).
var ErrUnavailable = errors.New("task_unavailable")

// Source is the contract dlwatch needs from a transfer engine.
type Source interface {
	Enqueue(ctx context.Context, req Request) (TaskID, error)
	Query(ctx context.Context, id TaskID) (Snapshot, error)
	// Remove is best effort and idempotent.
	Remove(ctx context.Context, id TaskID) error
}
