package queue

import "errors"

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("queue: job not found")

	// ErrUnknownQueue is returned when a queue name is not registered.
	ErrUnknownQueue = errors.New("queue: unknown queue")

	// ErrIllegalState is returned for a state transition the lifecycle
	// does not allow, e.g. retrying a job that is not terminally failed.
	ErrIllegalState = errors.New("queue: illegal state transition")

	// ErrLeaseLost is returned when a heartbeat, progress write or
	// finalization carries a lease token that has lapsed or been taken
	// over by another worker. The caller must abandon the attempt.
	ErrLeaseLost = errors.New("queue: reservation lease lost")

	// ErrUnavailable wraps transient broker I/O failures. Surfaced
	// synchronously to the enqueuer; never retried inside the dispatcher.
	ErrUnavailable = errors.New("queue: broker unavailable")
)

// classified wraps a handler error with its retry classification.
type classified struct {
	err       error
	retryable bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Retryable marks err as transient: it consumes retry budget and is retried
// with backoff. Use for network faults, upstream 5xx, DB deadlocks.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: true}
}

// Permanent marks err as non-retryable: the job fails terminally on the
// first occurrence. Use for upstream 4xx, validation failures, unknown
// payload shapes.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: false}
}

// IsRetryable reports whether err should consume retry budget. Errors with
// no explicit classification are treated as retryable: under at-least-once
// delivery a spurious retry is safe, a spurious terminal failure is not.
func IsRetryable(err error) bool {
	var c *classified
	if errors.As(err, &c) {
		return c.retryable
	}
	return true
}
