package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"dlwatch/internal/download"
	"dlwatch/internal/engine"
	"dlwatch/internal/logging"
	"dlwatch/internal/store"
)

// storeHooks implements download.Hooks to persist updates.
type storeHooks struct{ st *store.Store }

var _ download.Hooks = (*storeHooks)(nil)

func (h *storeHooks) OnStart(id engine.TaskID, req engine.Request) {
	// Watched tasks already have their row.
	if req.URL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	notify := req.Visibility == engine.VisibilityNotifyCompleted
	if _, err := h.st.CreateDownload(ctx, string(id), req.URL, req.Filename, req.Dir, notify); err != nil {
		h.logError("create_download", id, err)
	}
}

func (h *storeHooks) OnProgress(id engine.TaskID, percent int) {
	// Best-effort; log on failure but ignore database closure errors during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.st.UpdateProgress(ctx, string(id), percent); err != nil {
		h.logError("update_progress", id, err)
	}
}

func (h *storeHooks) OnStateChange(id engine.TaskID, state download.State, path, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var st string
	switch state {
	case download.StateCompleted:
		st = store.StatusCompleted
	case download.StateFailed:
		st = store.StatusFailed
	case download.StateLost:
		st = store.StatusLost
	default:
		st = store.StatusDownloading
	}
	if err := h.st.UpdateStatus(ctx, string(id), st, path, errMsg); err != nil {
		h.logError("update_status", id, err)
	}
}

func (h *storeHooks) OnNotify(id engine.TaskID, path string) {
	if logging.Logger == nil {
		return
	}
	logging.Logger.Info("download complete",
		"event", "completion_notification",
		"task_id", string(id),
		"path", path)
}

func (h *storeHooks) logError(op string, id engine.TaskID, err error) {
	// Ignore database closure errors during shutdown and context cancellation
	if isExpectedError(err) || logging.Logger == nil {
		return
	}
	logging.Logger.Error("store hook failed", "event", "db_"+op+"_failed", "task_id", string(id), "error", err)
}

// isExpectedError checks if an error is expected during shutdown or context cancellation
func isExpectedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		err.Error() == "sql: database is closed"
}

// printHooks reports completion notifications on the terminal for `get`.
type printHooks struct{ w io.Writer }

func (h printHooks) OnStart(engine.TaskID, engine.Request)                       {}
func (h printHooks) OnProgress(engine.TaskID, int)                               {}
func (h printHooks) OnStateChange(engine.TaskID, download.State, string, string) {}

func (h printHooks) OnNotify(id engine.TaskID, path string) {
	fmt.Fprintf(h.w, "\nDownload complete: %s\n", path)
}
