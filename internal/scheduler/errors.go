package scheduler

import "errors"

var (
	// ErrDuplicateJob is returned when a job id is already scheduled.
	ErrDuplicateJob = errors.New("scheduler: duplicate job id")

	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("scheduler: job not found")

	// ErrInvalidTrigger is returned for unusable trigger definitions.
	ErrInvalidTrigger = errors.New("scheduler: invalid trigger")

	// ErrNilJob is returned when scheduling without a body.
	ErrNilJob = errors.New("scheduler: job func is nil")

	// ErrJobPanic wraps a panic recovered from a job body.
	ErrJobPanic = errors.New("scheduler: job panicked")

	// ErrJobTimeout is recorded when a body exceeds its timeout.
	ErrJobTimeout = errors.New("scheduler: job timed out")
)
