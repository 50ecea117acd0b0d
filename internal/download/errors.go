package download

import (
	"errors"
	"fmt"

	"dlwatch/internal/engine"
)

var (
	// ErrShuttingDown indicates the tracker is no longer accepting new downloads
	ErrShuttingDown = errors.New("shutting_down")

	// ErrAlreadyRegistered indicates a live stream already exists for the task id
	ErrAlreadyRegistered = errors.New("already_registered")

	// ErrStateLost indicates the engine no longer knows the task, or could not
	// be reached for too long to keep observing it
	ErrStateLost = errors.New("state_lost")

	// ErrTransferFailed indicates the engine reported the transfer as failed
	ErrTransferFailed = errors.New("transfer_failed")
)

// TransferError carries the engine's failure details for one task.
// errors.Is(err, ErrTransferFailed) holds for every TransferError.
type TransferError struct {
	ID      engine.TaskID
	Code    string
	Message string
}

func (e *TransferError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("transfer_failed: task %s: code %s: %s", e.ID, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("transfer_failed: task %s: %s", e.ID, e.Message)
	case e.Code != "":
		return fmt.Sprintf("transfer_failed: task %s: code %s", e.ID, e.Code)
	default:
		return fmt.Sprintf("transfer_failed: task %s", e.ID)
	}
}

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }

func transferFailed(id engine.TaskID, snap engine.Snapshot) error {
	return &TransferError{ID: id, Code: snap.ErrorCode, Message: snap.ErrorMessage}
}

// completed turns a successful snapshot into its terminal outcome. Without an
// output path the success cannot be reported, so it counts as a failure.
func completed(id engine.TaskID, snap engine.Snapshot, source string) outcome {
	if snap.LocalURI == "" {
		return outcome{err: &TransferError{ID: id, Message: "no output path"}, source: source}
	}
	return outcome{event: Event{Percent: 100, Path: snap.LocalURI}, source: source}
}

func stateLost(id engine.TaskID, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: task %s", ErrStateLost, id)
	}
	return fmt.Errorf("%w: task %s: %v", ErrStateLost, id, cause)
}
