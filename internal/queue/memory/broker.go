// Package memory is the in-process Broker used for single-process
// deployments and tests. It honours the full broker contract — FIFO per
// (queue, priority), visibility-timeout recovery, lease fencing, the
// reservation cap — with all state behind one mutex.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

var _ queue.Broker = (*Broker)(nil)

// record pairs a job with the lease token of its current reservation.
type record struct {
	job   queue.Job
	token uuid.UUID
}

// Broker is an in-memory queue.Broker. Safe for concurrent use.
type Broker struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*record

	// now is replaceable in tests that exercise visibility expiry
	// without sleeping.
	now func() time.Time
}

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		jobs: make(map[uuid.UUID]*record),
		now:  time.Now,
	}
}

// Enqueue persists a new job in waiting (or delayed) state.
func (b *Broker) Enqueue(_ context.Context, queueName, name string, payload json.RawMessage, opts queue.EnqueueOptions) (uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	j := queue.Job{
		ID:              uuid.New(),
		Queue:           queueName,
		Name:            name,
		Payload:         payload,
		State:           queue.StateWaiting,
		Priority:        opts.Priority,
		AttemptsMax:     opts.AttemptsMax,
		MaxReservations: opts.MaxReservations,
		Backoff:         opts.Backoff,
		NextVisibleAt:   now,
		EnqueuedAt:      now,
	}
	if j.Priority == 0 {
		j.Priority = queue.DefaultPriority
	}
	if opts.Delay > 0 {
		j.State = queue.StateDelayed
		j.NextVisibleAt = now.Add(opts.Delay)
	}
	b.jobs[j.ID] = &record{job: j}
	return j.ID, nil
}

// Reserve claims the oldest eligible job of the queue, or (nil, nil).
func (b *Broker) Reserve(_ context.Context, queueName string, visibility time.Duration) (*queue.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()

	var eligible []*record
	for _, rec := range b.jobs {
		j := &rec.job
		if j.Queue != queueName {
			continue
		}
		switch j.State {
		case queue.StateWaiting, queue.StateDelayed, queue.StateActive:
			// Active jobs are eligible only once their lease expired.
		default:
			continue
		}
		if j.NextVisibleAt.After(now) {
			continue
		}
		eligible = append(eligible, rec)
	}
	sort.Slice(eligible, func(i, k int) bool {
		a, c := &eligible[i].job, &eligible[k].job
		if a.Priority != c.Priority {
			return a.Priority < c.Priority
		}
		return a.EnqueuedAt.Before(c.EnqueuedAt)
	})

	for _, rec := range eligible {
		j := &rec.job
		if j.MaxReservations > 0 && j.Reservations+1 > j.MaxReservations {
			// Crash-looping job: finalize instead of handing it out again.
			b.finalizeLocked(j, queue.Failure{
				Message: "reservation cap reached",
				Cause:   queue.CauseExhausted,
			}, now)
			continue
		}
		fresh := j.State != queue.StateActive
		if fresh {
			j.AttemptsMade++
		}
		j.Reservations++
		j.State = queue.StateActive
		j.Progress = 0
		j.NextVisibleAt = now.Add(visibility)
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
		rec.token = uuid.New()
		cp := *j
		return &queue.Reservation{Job: cp, Token: rec.token}, nil
	}
	return nil, nil
}

// Heartbeat extends the lease and reports the cancellation flag.
func (b *Broker) Heartbeat(_ context.Context, jobID, token uuid.UUID, visibility time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.leaseLocked(jobID, token)
	if err != nil {
		return false, err
	}
	rec.job.NextVisibleAt = b.now().UTC().Add(visibility)
	return rec.job.CancelRequested, nil
}

// ReportProgress records monotone attempt progress under the lease.
func (b *Broker) ReportProgress(_ context.Context, jobID, token uuid.UUID, pct int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.leaseLocked(jobID, token)
	if err != nil {
		return err
	}
	if pct > rec.job.Progress {
		rec.job.Progress = pct
	}
	return nil
}

// Complete finalizes the job as completed under the lease.
func (b *Broker) Complete(_ context.Context, jobID, token uuid.UUID, result json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.leaseLocked(jobID, token)
	if err != nil {
		return err
	}
	now := b.now().UTC()
	j := &rec.job
	j.Result = result
	j.State = queue.StateCompleted
	j.FinishedAt = &now
	rec.token = uuid.Nil
	return nil
}

// Fail reschedules the job for retry (retryAt != nil) or finalizes it.
func (b *Broker) Fail(_ context.Context, jobID, token uuid.UUID, cause queue.Failure, retryAt *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.leaseLocked(jobID, token)
	if err != nil {
		return err
	}
	j := &rec.job
	now := b.now().UTC()
	if retryAt != nil {
		j.State = queue.StateDelayed
		j.NextVisibleAt = retryAt.UTC()
		j.Progress = 0
		j.Error = &queue.Failure{Message: cause.Message, Cause: cause.Cause}
		rec.token = uuid.Nil
		return nil
	}
	b.finalizeLocked(j, cause, now)
	rec.token = uuid.Nil
	return nil
}

// Get returns a snapshot of the job.
func (b *Broker) Get(_ context.Context, jobID uuid.UUID) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.jobs[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	cp := rec.job
	return &cp, nil
}

// Stats counts jobs of the queue by state. An expired active lease counts
// as waiting — its job is eligible again even though no transition has
// been written yet.
func (b *Broker) Stats(_ context.Context, queueName string) (queue.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	st := queue.Stats{Queue: queueName}
	for _, rec := range b.jobs {
		j := &rec.job
		if j.Queue != queueName {
			continue
		}
		switch j.State {
		case queue.StateWaiting:
			st.Waiting++
		case queue.StateActive:
			if j.NextVisibleAt.After(now) {
				st.Active++
			} else {
				st.Waiting++
			}
		case queue.StateCompleted:
			st.Completed++
		case queue.StateFailed:
			st.Failed++
		case queue.StateDelayed:
			st.Delayed++
		}
	}
	return st, nil
}

// Cancel finalizes a pending job, or flags an active one for cooperative
// cancellation by its worker.
func (b *Broker) Cancel(_ context.Context, jobID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.jobs[jobID]
	if !ok {
		return queue.ErrNotFound
	}
	j := &rec.job
	switch j.State {
	case queue.StateWaiting, queue.StateDelayed:
		b.finalizeLocked(j, queue.Failure{Message: "cancelled before execution", Cause: queue.CauseCancelled}, b.now().UTC())
		return nil
	case queue.StateActive:
		j.CancelRequested = true
		return nil
	default:
		return queue.ErrIllegalState
	}
}

// Retry resets a terminally failed job to waiting.
func (b *Broker) Retry(_ context.Context, jobID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.jobs[jobID]
	if !ok {
		return queue.ErrNotFound
	}
	j := &rec.job
	if j.State != queue.StateFailed {
		return queue.ErrIllegalState
	}
	j.State = queue.StateWaiting
	j.AttemptsMade = 0
	j.Reservations = 0
	j.Progress = 0
	j.NextVisibleAt = b.now().UTC()
	j.StartedAt = nil
	j.FinishedAt = nil
	j.Result = nil
	j.Error = nil
	j.CancelRequested = false
	rec.token = uuid.Nil
	return nil
}

// PurgeExpired deletes terminal jobs past their retention window.
func (b *Broker) PurgeExpired(_ context.Context, completedTTL, failedTTL time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	purged := 0
	for id, rec := range b.jobs {
		j := &rec.job
		if j.FinishedAt == nil {
			continue
		}
		switch {
		case j.State == queue.StateCompleted && completedTTL > 0 && now.Sub(*j.FinishedAt) > completedTTL:
			delete(b.jobs, id)
			purged++
		case j.State == queue.StateFailed && failedTTL > 0 && now.Sub(*j.FinishedAt) > failedTTL:
			delete(b.jobs, id)
			purged++
		}
	}
	return purged, nil
}

// leaseLocked validates that jobID is active under token and the lease
// has not lapsed. A lapsed lease is lost even before another worker takes
// the job over.
func (b *Broker) leaseLocked(jobID, token uuid.UUID) (*record, error) {
	rec, ok := b.jobs[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if rec.job.State != queue.StateActive || token == uuid.Nil || rec.token != token {
		return nil, queue.ErrLeaseLost
	}
	if !b.now().UTC().Before(rec.job.NextVisibleAt) {
		return nil, queue.ErrLeaseLost
	}
	return rec, nil
}

// finalizeLocked writes the terminal failed state with its cause.
func (b *Broker) finalizeLocked(j *queue.Job, cause queue.Failure, now time.Time) {
	j.State = queue.StateFailed
	j.Error = &queue.Failure{Message: cause.Message, Cause: cause.Cause}
	j.FinishedAt = &now
}
