package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyRunning is returned when a job of the same kind and scope is
	// already pending or running
	ErrAlreadyRunning = errors.New("a job of this kind is already running for this scope")

	// ErrNotRunning is returned when an operation requires an active job
	ErrNotRunning = errors.New("job is not pending or running")

	// ErrCancelled signals that the execution loop observed the cancellation
	// flag and stopped at a checkpoint
	ErrCancelled = errors.New("job cancellation requested")
)
