package task

import "errors"

var (
	// ErrFinalized is returned when appending to a task that already reached
	// a terminal state.
	ErrFinalized = errors.New("task is finalized")

	// ErrNoInput is returned when writing to a task with no live input stream.
	ErrNoInput = errors.New("task has no live input stream")

	// ErrCancelRequested is returned by AttachProcess when cancellation was
	// requested before the process handle became available.
	ErrCancelRequested = errors.New("task cancellation requested")
)
