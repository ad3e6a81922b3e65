// Package postgres is the durable Broker used when jobs must survive the
// process. One row per job in broker_jobs; reservation uses
// FOR UPDATE SKIP LOCKED so concurrent workers never observe the same job
// as available, and every lease-scoped write is fenced by the lease token
// column.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

var _ queue.Broker = (*Broker)(nil)

// Broker is a Postgres-backed queue.Broker.
type Broker struct {
	pool *pgxpool.Pool
}

// New creates a Broker on pool. The broker_jobs table must exist
// (migrations package).
func New(pool *pgxpool.Pool) *Broker {
	return &Broker{pool: pool}
}

const jobColumns = `
	id, queue, name, payload, state, progress, priority,
	attempts_made, attempts_max, reservations, max_reservations,
	backoff_kind, backoff_base_ms, next_visible_at, cancel_requested,
	enqueued_at, started_at, finished_at, result, error_message, error_cause`

// Enqueue persists a new job in waiting (or delayed) state.
func (b *Broker) Enqueue(ctx context.Context, queueName, name string, payload json.RawMessage, opts queue.EnqueueOptions) (uuid.UUID, error) {
	id := uuid.New()
	state := queue.StateWaiting
	if opts.Delay > 0 {
		state = queue.StateDelayed
	}
	priority := opts.Priority
	if priority == 0 {
		priority = queue.DefaultPriority
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}

	_, err := b.pool.Exec(ctx, `
		INSERT INTO broker_jobs (
			id, queue, name, payload, state, priority,
			attempts_max, max_reservations, backoff_kind, backoff_base_ms,
			next_visible_at, enqueued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		          now() + $11 * interval '1 millisecond', now())`,
		id, queueName, name, payload, state, priority,
		opts.AttemptsMax, opts.MaxReservations,
		string(opts.Backoff.Kind), opts.Backoff.Base.Milliseconds(),
		opts.Delay.Milliseconds(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Reserve claims the oldest eligible job of the queue. A job whose
// reservation count would exceed its cap is finalized as exhausted inside
// the same call and the scan continues.
func (b *Broker) Reserve(ctx context.Context, queueName string, visibility time.Duration) (*queue.Reservation, error) {
	for {
		token := uuid.New()
		rows, err := b.pool.Query(ctx, `
			WITH candidate AS (
				SELECT id, state FROM broker_jobs
				WHERE queue = $1
				  AND state IN ('waiting', 'delayed', 'active')
				  AND next_visible_at <= now()
				ORDER BY priority ASC, enqueued_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			UPDATE broker_jobs j SET
				state           = 'active',
				lease_token     = $2,
				attempts_made   = j.attempts_made + CASE WHEN c.state = 'active' THEN 0 ELSE 1 END,
				reservations    = j.reservations + 1,
				progress        = 0,
				started_at      = COALESCE(j.started_at, now()),
				next_visible_at = now() + $3 * interval '1 millisecond'
			FROM candidate c
			WHERE j.id = c.id
			RETURNING `+jobColumns,
			queueName, token, visibility.Milliseconds(),
		)
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		j, err := scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("reserve scan: %w", err)
		}
		if j == nil {
			return nil, nil
		}

		if j.MaxReservations > 0 && j.Reservations > j.MaxReservations {
			// Crash-looping job: finalize instead of handing it out.
			_, err := b.pool.Exec(ctx, `
				UPDATE broker_jobs SET
					state = 'failed', lease_token = NULL, finished_at = now(),
					error_message = 'reservation cap reached', error_cause = $2
				WHERE id = $1`,
				j.ID, queue.CauseExhausted,
			)
			if err != nil {
				return nil, fmt.Errorf("reserve finalize exhausted: %w", err)
			}
			continue
		}
		return &queue.Reservation{Job: *j, Token: token}, nil
	}
}

// Heartbeat extends the lease and reports the cancellation flag.
func (b *Broker) Heartbeat(ctx context.Context, jobID, token uuid.UUID, visibility time.Duration) (bool, error) {
	var cancelRequested bool
	err := b.pool.QueryRow(ctx, `
		UPDATE broker_jobs
		SET next_visible_at = now() + $3 * interval '1 millisecond'
		WHERE id = $1 AND state = 'active' AND lease_token = $2
		      AND next_visible_at > now()
		RETURNING cancel_requested`,
		jobID, token, visibility.Milliseconds(),
	).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, b.leaseError(ctx, jobID)
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return cancelRequested, nil
}

// ReportProgress records monotone attempt progress under the lease.
func (b *Broker) ReportProgress(ctx context.Context, jobID, token uuid.UUID, pct int) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE broker_jobs
		SET progress = GREATEST(progress, $3)
		WHERE id = $1 AND state = 'active' AND lease_token = $2
		      AND next_visible_at > now()`,
		jobID, token, pct,
	)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.leaseError(ctx, jobID)
	}
	return nil
}

// Complete finalizes the job as completed under the lease.
func (b *Broker) Complete(ctx context.Context, jobID, token uuid.UUID, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE broker_jobs SET
			state = 'completed', result = $3, lease_token = NULL, finished_at = now()
		WHERE id = $1 AND state = 'active' AND lease_token = $2
		      AND next_visible_at > now()`,
		jobID, token, result,
	)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.leaseError(ctx, jobID)
	}
	return nil
}

// Fail reschedules the job for retry (retryAt != nil) or finalizes it.
func (b *Broker) Fail(ctx context.Context, jobID, token uuid.UUID, cause queue.Failure, retryAt *time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if retryAt != nil {
		tag, err = b.pool.Exec(ctx, `
			UPDATE broker_jobs SET
				state = 'delayed', next_visible_at = $3, progress = 0,
				lease_token = NULL, error_message = $4, error_cause = $5
			WHERE id = $1 AND state = 'active' AND lease_token = $2
			      AND next_visible_at > now()`,
			jobID, token, retryAt.UTC(), cause.Message, cause.Cause,
		)
	} else {
		tag, err = b.pool.Exec(ctx, `
			UPDATE broker_jobs SET
				state = 'failed', lease_token = NULL, finished_at = now(),
				error_message = $3, error_cause = $4
			WHERE id = $1 AND state = 'active' AND lease_token = $2
			      AND next_visible_at > now()`,
			jobID, token, cause.Message, cause.Cause,
		)
	}
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.leaseError(ctx, jobID)
	}
	return nil
}

// Get returns a snapshot of the job, across all queues.
func (b *Broker) Get(ctx context.Context, jobID uuid.UUID) (*queue.Job, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM broker_jobs WHERE id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j, err := scanOne(rows)
	if err != nil {
		return nil, fmt.Errorf("get job scan: %w", err)
	}
	if j == nil {
		return nil, queue.ErrNotFound
	}
	return j, nil
}

// Stats counts jobs of the queue by state. Active jobs whose lease has
// lapsed count as waiting — they are already eligible again.
func (b *Broker) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	st := queue.Stats{Queue: queueName}
	rows, err := b.pool.Query(ctx, `
		SELECT
			CASE WHEN state = 'active' AND next_visible_at <= now()
			     THEN 'waiting' ELSE state END AS effective_state,
			count(*)
		FROM broker_jobs WHERE queue = $1
		GROUP BY effective_state`,
		queueName,
	)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, fmt.Errorf("stats scan: %w", err)
		}
		switch queue.State(state) {
		case queue.StateWaiting:
			st.Waiting = n
		case queue.StateActive:
			st.Active = n
		case queue.StateCompleted:
			st.Completed = n
		case queue.StateFailed:
			st.Failed = n
		case queue.StateDelayed:
			st.Delayed = n
		}
	}
	return st, rows.Err()
}

// Cancel finalizes a pending job, or flags an active one for cooperative
// cancellation by its worker.
func (b *Broker) Cancel(ctx context.Context, jobID uuid.UUID) error {
	var state string
	err := b.pool.QueryRow(ctx, `
		UPDATE broker_jobs SET
			state           = CASE WHEN state IN ('waiting','delayed') THEN 'failed' ELSE state END,
			finished_at     = CASE WHEN state IN ('waiting','delayed') THEN now() ELSE finished_at END,
			error_message   = CASE WHEN state IN ('waiting','delayed') THEN 'cancelled before execution' ELSE error_message END,
			error_cause     = CASE WHEN state IN ('waiting','delayed') THEN $2 ELSE error_cause END,
			cancel_requested = CASE WHEN state = 'active' THEN TRUE ELSE cancel_requested END
		WHERE id = $1 AND state IN ('waiting','delayed','active')
		RETURNING state`,
		jobID, queue.CauseCancelled,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return b.notFoundOrIllegal(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

// Retry resets a terminally failed job to waiting.
func (b *Broker) Retry(ctx context.Context, jobID uuid.UUID) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE broker_jobs SET
			state = 'waiting', attempts_made = 0, reservations = 0, progress = 0,
			next_visible_at = now(), started_at = NULL, finished_at = NULL,
			result = NULL, error_message = NULL, error_cause = NULL,
			cancel_requested = FALSE, lease_token = NULL
		WHERE id = $1 AND state = 'failed'`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.notFoundOrIllegal(ctx, jobID)
	}
	return nil
}

// PurgeExpired deletes terminal jobs past their retention window.
func (b *Broker) PurgeExpired(ctx context.Context, completedTTL, failedTTL time.Duration) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM broker_jobs
		WHERE (state = 'completed' AND $1 > 0 AND finished_at < now() - $1 * interval '1 millisecond')
		   OR (state = 'failed'    AND $2 > 0 AND finished_at < now() - $2 * interval '1 millisecond')`,
		completedTTL.Milliseconds(), failedTTL.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// leaseError distinguishes a vanished job from a lapsed or stolen lease.
func (b *Broker) leaseError(ctx context.Context, jobID uuid.UUID) error {
	var exists bool
	if err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM broker_jobs WHERE id = $1)`, jobID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("lease check: %w", err)
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrLeaseLost
}

// notFoundOrIllegal distinguishes an unknown id from an illegal transition.
func (b *Broker) notFoundOrIllegal(ctx context.Context, jobID uuid.UUID) error {
	var exists bool
	if err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM broker_jobs WHERE id = $1)`, jobID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("state check: %w", err)
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrIllegalState
}

// scanOne consumes rows and returns the single job, or nil when empty.
func scanOne(rows pgx.Rows) (*queue.Job, error) {
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}

	var (
		j             queue.Job
		state         string
		backoffKind   string
		backoffBaseMS int64
		errMessage    *string
		errCause      *string
	)
	err := rows.Scan(
		&j.ID, &j.Queue, &j.Name, &j.Payload, &state, &j.Progress, &j.Priority,
		&j.AttemptsMade, &j.AttemptsMax, &j.Reservations, &j.MaxReservations,
		&backoffKind, &backoffBaseMS, &j.NextVisibleAt, &j.CancelRequested,
		&j.EnqueuedAt, &j.StartedAt, &j.FinishedAt, &j.Result, &errMessage, &errCause,
	)
	if err != nil {
		return nil, err
	}
	j.State = queue.State(state)
	j.Backoff = queue.Backoff{Kind: queue.BackoffKind(backoffKind), Base: time.Duration(backoffBaseMS) * time.Millisecond}
	if errMessage != nil {
		j.Error = &queue.Failure{Message: *errMessage}
		if errCause != nil {
			j.Error.Cause = *errCause
		}
	}
	return &j, nil
}
