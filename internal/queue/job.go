package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is eligible for reservation now.
	StateWaiting State = "waiting"
	// StateActive means a worker holds a lease and is executing the job.
	StateActive State = "active"
	// StateCompleted means the job finished successfully. Terminal.
	StateCompleted State = "completed"
	// StateFailed means the job finished unsuccessfully. Terminal.
	StateFailed State = "failed"
	// StateDelayed means the job becomes eligible at NextVisibleAt
	// (initial delay or retry backoff wait).
	StateDelayed State = "delayed"
)

// Terminal reports whether s is a terminal state. Terminal jobs are
// immutable except for retention purge and an explicit operator retry.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Failure cause classes persisted on failed jobs.
const (
	CauseRetryable = "retryable"
	CausePermanent = "permanent"
	CauseExhausted = "exhausted_attempts"
	CauseCancelled = "cancelled"
)

// Failure is the persisted error of a terminally failed job.
type Failure struct {
	Message string `json:"message"`
	Cause   string `json:"cause_class,omitempty"`
}

// Job is one unit of work. The identity (ID, Queue, Name, Payload,
// EnqueuedAt) is immutable; the broker mutates state and visibility, and
// the worker holding the current lease mutates progress and the terminal
// result or error. The ID is stable across retries.
type Job struct {
	ID      uuid.UUID       `json:"id"`
	Queue   string          `json:"queue"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`

	State    State `json:"state"`
	Progress int   `json:"progress"` // 0..100, monotone within one attempt
	Priority int   `json:"priority"` // lower is more urgent

	AttemptsMade int `json:"attempts_made"`
	AttemptsMax  int `json:"attempts_max"`
	// Reservations counts every lease ever granted for this id, including
	// retakes of crashed attempts. Capped by MaxReservations to stop a
	// crash-looping job from being re-reserved forever.
	Reservations    int `json:"reservations"`
	MaxReservations int `json:"max_reservations"`

	Backoff Backoff `json:"backoff"`

	// NextVisibleAt is the earliest instant a worker may reserve the job.
	// While active it is the lease expiry.
	NextVisibleAt time.Time `json:"next_visible_at"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  *Failure        `json:"error,omitempty"`

	// CancelRequested is set by Cancel on an active job; the executing
	// worker observes it and finalizes with cause "cancelled".
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// EnqueueOptions tunes a single enqueue. Zero values fall back to the
// queue definition defaults applied by the dispatcher.
type EnqueueOptions struct {
	AttemptsMax     int
	MaxReservations int
	Backoff         Backoff
	Delay           time.Duration
	// Priority orders reservation within a queue; lower is more urgent.
	// Zero means the default priority (100).
	Priority int
}

// DefaultPriority is assigned when EnqueueOptions.Priority is zero.
const DefaultPriority = 100

// Stats is a per-queue count of jobs by state.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
}
