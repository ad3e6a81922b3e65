package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reservation is an exclusive lease on one job for a bounded duration.
// Token fences every subsequent write for this attempt: once the lease
// lapses or another worker takes the job over, calls carrying the stale
// token fail with ErrLeaseLost.
type Reservation struct {
	Job   Job
	Token uuid.UUID
}

// Broker owns all job records and is the sole mutable shared state of the
// dispatch subsystem. Workers hold leases, never ownership.
//
// Delivery is at-least-once: a reservation whose lease expires without
// finalization re-enters the eligible set with its attempt counter
// unchanged (the attempt is treated as crashed). Reserve is linearizable
// across concurrent workers — a job is observed active by at most one
// worker at a time.
type Broker interface {
	// Enqueue persists a new job in waiting state, or delayed when
	// opts.Delay > 0. The dispatcher validates the queue name and fills
	// defaults before calling; the broker does not consult the registry.
	Enqueue(ctx context.Context, queueName, name string, payload json.RawMessage, opts EnqueueOptions) (uuid.UUID, error)

	// Reserve atomically claims the oldest eligible job of the queue
	// (FIFO within equal priority, lower priority value first) whose
	// NextVisibleAt has passed, moves it to active with a lease of the
	// given visibility, and returns a snapshot. Returns (nil, nil) when
	// no job is eligible. A job whose total reservations would exceed
	// MaxReservations is finalized as failed with cause
	// "exhausted_attempts" instead of being returned.
	Reserve(ctx context.Context, queueName string, visibility time.Duration) (*Reservation, error)

	// Heartbeat extends the lease by visibility from now and reports
	// whether cancellation has been requested for the job. Returns
	// ErrLeaseLost if the reservation is no longer held under token or
	// its lease has already lapsed, even before another worker takes
	// the job over. The same fencing applies to ReportProgress,
	// Complete and Fail.
	Heartbeat(ctx context.Context, jobID, token uuid.UUID, visibility time.Duration) (cancelRequested bool, err error)

	// ReportProgress records attempt progress (0..100). Writes are
	// monotone: a value below the current progress is ignored. Best
	// effort — callers must not block handler execution on it.
	ReportProgress(ctx context.Context, jobID, token uuid.UUID, pct int) error

	// Complete finalizes the job as completed, persisting result before
	// the transition becomes observable.
	Complete(ctx context.Context, jobID, token uuid.UUID, result json.RawMessage) error

	// Fail records a failure. With retryAt != nil the job is rescheduled:
	// state delayed, NextVisibleAt = *retryAt, progress reset. With
	// retryAt == nil the job fails terminally, persisting cause before
	// the transition becomes observable.
	Fail(ctx context.Context, jobID, token uuid.UUID, cause Failure, retryAt *time.Time) error

	// Get returns a snapshot of the job, across all queues.
	Get(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// Stats counts jobs of the queue by state.
	Stats(ctx context.Context, queueName string) (Stats, error)

	// Cancel finalizes a waiting or delayed job as failed with cause
	// "cancelled"; for an active job it sets the cancellation flag for
	// the executing worker to observe. Terminal jobs: ErrIllegalState.
	Cancel(ctx context.Context, jobID uuid.UUID) error

	// Retry resets a terminally failed job to waiting with zeroed
	// attempt counters and progress, retaining id and payload. Any other
	// state: ErrIllegalState.
	Retry(ctx context.Context, jobID uuid.UUID) error

	// PurgeExpired deletes terminal jobs older than their retention
	// window (completed / failed, measured from FinishedAt). A window
	// <= 0 disables purging for that state. Returns rows deleted.
	PurgeExpired(ctx context.Context, completedTTL, failedTTL time.Duration) (int, error)
}
