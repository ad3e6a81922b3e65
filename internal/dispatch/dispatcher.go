// Package dispatch is the enqueue-side API consumed by HTTP handlers and
// other callers: validate the queue, fill per-queue defaults, hand the job
// to the broker, and expose status, retry, cancel and stats lookups. The
// dispatcher holds no state of its own — the broker owns every job record.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/metrics"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

// Dispatcher exposes the work-dispatch operations.
type Dispatcher struct {
	broker    queue.Broker
	registry  *queue.Registry
	collector *metrics.Collector // nil disables instrumentation
}

// New creates a Dispatcher. collector may be nil.
func New(broker queue.Broker, registry *queue.Registry, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{broker: broker, registry: registry, collector: collector}
}

// Enqueue validates the queue name, applies the queue definition's
// defaults to opts, and persists the job. Returns the opaque job id.
// Broker I/O failures surface as queue.ErrUnavailable; enqueue is never
// retried internally.
func (d *Dispatcher) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts queue.EnqueueOptions) (uuid.UUID, error) {
	def, ok := d.registry.Lookup(queueName)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", queue.ErrUnknownQueue, queueName)
	}

	if opts.AttemptsMax <= 0 {
		opts.AttemptsMax = def.AttemptsMax
	}
	if opts.MaxReservations <= 0 {
		opts.MaxReservations = def.MaxReservations
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = def.Backoff
	}

	id, err := d.broker.Enqueue(ctx, queueName, def.Name, payload, opts)
	if err != nil {
		return uuid.Nil, unavailable("enqueue", err)
	}
	if d.collector != nil {
		d.collector.RecordEnqueue(queueName)
	}
	return id, nil
}

// Status returns a snapshot of the job, across all queues.
func (d *Dispatcher) Status(ctx context.Context, jobID uuid.UUID) (*queue.Job, error) {
	j, err := d.broker.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, err
		}
		return nil, unavailable("status", err)
	}
	return j, nil
}

// Retry resets a terminally failed job to waiting, retaining id and
// payload. Any other state is an illegal transition.
func (d *Dispatcher) Retry(ctx context.Context, jobID uuid.UUID) error {
	if err := d.broker.Retry(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrIllegalState) {
			return err
		}
		return unavailable("retry", err)
	}
	return nil
}

// Cancel finalizes a pending job or requests cooperative cancellation of
// an active one.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := d.broker.Cancel(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrIllegalState) {
			return err
		}
		return unavailable("cancel", err)
	}
	return nil
}

// Stats returns per-queue counts for every registered queue, in stable
// (sorted) queue order.
func (d *Dispatcher) Stats(ctx context.Context) ([]queue.Stats, error) {
	queues := d.registry.Queues()
	out := make([]queue.Stats, 0, len(queues))
	for _, queueName := range queues {
		st, err := d.broker.Stats(ctx, queueName)
		if err != nil {
			return nil, unavailable("stats", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// unavailable wraps transient broker faults with the taxonomy sentinel so
// HTTP handlers can map them without inspecting driver errors.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", queue.ErrUnavailable, op, err)
}
