package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// Handler executes one job attempt. Returning a result finalizes the job
// as completed; returning an error finalizes or reschedules it according
// to the error's classification (Retryable / Permanent) and the remaining
// retry budget. ctx is cancelled on lease loss, operator cancel, and
// shutdown past the drain deadline — handlers must observe it within one
// second and must tolerate re-invocation for the same job id.
type Handler func(ctx context.Context, t *Task) (json.RawMessage, error)

// Task is the handler's view of the attempt it is executing.
type Task struct {
	ID       uuid.UUID
	Queue    string
	Payload  json.RawMessage
	Attempt  int // 1-indexed
	progress func(pct int)
	logger   *slog.Logger
}

// NewTask builds a Task for one attempt. progress may be nil (discard);
// logger may be nil (slog.Default).
func NewTask(j Job, progress func(int), logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		ID:       j.ID,
		Queue:    j.Queue,
		Payload:  j.Payload,
		Attempt:  j.AttemptsMade,
		progress: progress,
		logger:   logger.With("job_id", j.ID, "queue", j.Queue),
	}
}

// Progress records attempt progress as a percentage. Values are clamped
// to 0..100; writes below the current value are ignored by the broker.
// Best effort — never blocks the handler on broker I/O.
func (t *Task) Progress(pct int) {
	if t.progress == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.progress(pct)
}

// Log returns a logger pre-tagged with the job id and queue.
func (t *Task) Log() *slog.Logger { return t.logger }
