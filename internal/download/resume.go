package download

import (
	"context"
	"errors"
	"fmt"

	"dlwatch/internal/engine"
	"dlwatch/internal/logging"
)

// ResumeStore lists tasks persisted as still downloading.
type ResumeStore interface {
	ResumableTasks(ctx context.Context, limit int) ([]engine.TaskID, error)
}

// Resumer re-attaches streams to tasks that were in flight when the process
// last stopped. Progress then reaches the store through the tracker's hooks.
type Resumer struct {
	store   ResumeStore
	tracker *Tracker
	limit   int
}

func NewResumer(store ResumeStore, tracker *Tracker) *Resumer {
	return &Resumer{store: store, tracker: tracker, limit: 100}
}

// ResumeIncomplete watches every resumable task in the background and
// returns how many were attached.
func (r *Resumer) ResumeIncomplete(ctx context.Context) (int, error) {
	log := logging.With(ctx, "component", "resumer")
	log.Info("checking for incomplete downloads to resume")

	ids, err := r.store.ResumableTasks(ctx, r.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get resumable downloads: %w", err)
	}
	if len(ids) == 0 {
		log.Info("no incomplete downloads found")
		return 0, nil
	}

	attached := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		s, err := r.tracker.Watch(context.WithoutCancel(ctx), id)
		if err != nil {
			if errors.Is(err, ErrShuttingDown) {
				return attached, err
			}
			log.Warn("failed to resume download", "task_id", string(id), "error", err)
			continue
		}
		attached++
		go s.Wait()
	}

	log.Info("startup resume complete", "resumed", attached, "found", len(ids))
	return attached, nil
}
