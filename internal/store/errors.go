package store

import "errors"

var (
	// ErrEmptyURL indicates a URL parameter is missing or empty
	ErrEmptyURL = errors.New("empty_url")

	// ErrEmptyTaskID indicates a task id parameter is missing or empty
	ErrEmptyTaskID = errors.New("empty_task_id")
)
