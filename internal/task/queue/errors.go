package queue

import "errors"

var (
	// ErrDisabled is returned when the queue is configured off.
	ErrDisabled = errors.New("queue disabled")

	// ErrStopped is returned when the queue has not been started.
	ErrStopped = errors.New("queue stopped")

	// ErrStopping is returned while shutdown is in progress.
	ErrStopping = errors.New("queue stopping")

	// ErrQueueFull is returned when the backlog limit is reached.
	ErrQueueFull = errors.New("queue full")

	// ErrDuplicateID is returned when a task ID is already queued or running.
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrUnknownTask is returned when an operation names no queued task.
	ErrUnknownTask = errors.New("unknown task")
)
