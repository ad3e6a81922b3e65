package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

// Cancellation causes attached to the handler context. Finalization
// behaviour depends on which one fired.
var (
	errLeaseLost     = errors.New("worker: lease lost")
	errCancelRequest = errors.New("worker: cancel requested")
	errShutdown      = errors.New("worker: shutdown drain deadline")
)

// attemptResult carries a handler return across the execution goroutine.
type attemptResult struct {
	result json.RawMessage
	err    error
}

// execute drives one reserved job: heartbeat ticker at visibility/3,
// cancel-request poll, handler invocation, finalization. parent is the
// pool's lifetime context; the handler gets its own context so shutdown
// can honour the drain deadline instead of cancelling immediately.
func (p *Pool) execute(parent context.Context, def queue.Definition, res *queue.Reservation) {
	j := res.Job
	log := p.log.With("queue", j.Queue, "job_id", j.ID, "attempt", j.AttemptsMade)

	handlerCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	progress := func(pct int) {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := p.broker.ReportProgress(ctx, j.ID, res.Token, pct); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			log.Debug("progress write failed", "pct", pct, "error", err)
		}
	}
	task := queue.NewTask(j, progress, log)

	started := time.Now()
	done := make(chan attemptResult, 1)
	go func() {
		result, err := def.Handler(handlerCtx, task)
		done <- attemptResult{result: result, err: err}
	}()

	heartbeat := time.NewTicker(def.Visibility / 3)
	defer heartbeat.Stop()
	cancelPoll := time.NewTicker(p.cfg.CancelPollInterval)
	defer cancelPoll.Stop()

	// drain fires DrainDeadline after shutdown begins; nil until then.
	var drain <-chan time.Time
	parentDone := parent.Done()

	var outcome attemptResult
wait:
	for {
		select {
		case outcome = <-done:
			break wait

		case <-heartbeat.C:
			cancelled, err := p.broker.Heartbeat(context.Background(), j.ID, res.Token, def.Visibility)
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("lease lost, abandoning attempt")
				cancel(errLeaseLost)
			} else if err != nil {
				log.Error("heartbeat error", "error", err)
			} else if cancelled {
				cancel(errCancelRequest)
			}

		case <-cancelPoll.C:
			snap, err := p.broker.Get(context.Background(), j.ID)
			if err == nil && snap.CancelRequested {
				cancel(errCancelRequest)
			}

		case <-parentDone:
			parentDone = nil // arm the drain timer exactly once
			timer := time.NewTimer(p.cfg.DrainDeadline)
			defer timer.Stop()
			drain = timer.C
			log.Info("shutdown: letting in-flight handler drain", "deadline", p.cfg.DrainDeadline)

		case <-drain:
			drain = nil
			cancel(errShutdown)
			// The handler now gets FinalizeGrace to return; past that
			// the lease is released unfinalized and visibility recovery
			// takes over.
			grace := time.NewTimer(p.cfg.FinalizeGrace)
			select {
			case outcome = <-done:
				grace.Stop()
				break wait
			case <-grace.C:
				log.Warn("handler ignored shutdown cancel, releasing lease unfinalized")
				return
			}
		}
	}

	p.finalize(log, j, res, outcome, context.Cause(handlerCtx), time.Since(started))
}

// finalize translates the handler outcome into the broker transition.
func (p *Pool) finalize(log *slog.Logger, j queue.Job, res *queue.Reservation, outcome attemptResult, cause error, elapsed time.Duration) {
	ctx, done := context.WithTimeout(context.Background(), p.cfg.FinalizeGrace)
	defer done()

	switch {
	case errors.Is(cause, errLeaseLost):
		// Another worker owns the job now; any write would be rejected.
		return

	case outcome.err == nil:
		if err := p.broker.Complete(ctx, j.ID, res.Token, outcome.result); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("late completion rejected, attempt abandoned")
				return
			}
			log.Error("complete error", "error", err)
			return
		}
		if p.collector != nil {
			p.collector.RecordCompleted(j.Queue, elapsed.Seconds())
		}
		log.Info("job completed", "elapsed", elapsed)

	case errors.Is(cause, errCancelRequest) || errors.Is(cause, errShutdown):
		p.failTerminal(ctx, log, j, res, queue.Failure{
			Message: outcome.err.Error(),
			Cause:   queue.CauseCancelled,
		}, elapsed)

	case queue.IsRetryable(outcome.err) && j.AttemptsMade < j.AttemptsMax:
		retryAt := time.Now().UTC().Add(j.Backoff.Delay(j.AttemptsMade))
		failure := queue.Failure{Message: outcome.err.Error(), Cause: queue.CauseRetryable}
		if err := p.broker.Fail(ctx, j.ID, res.Token, failure, &retryAt); err != nil {
			if !errors.Is(err, queue.ErrLeaseLost) {
				log.Error("retry reschedule error", "error", err)
			}
			return
		}
		if p.collector != nil {
			p.collector.RecordRetry(j.Queue)
		}
		log.Warn("job failed, retry scheduled",
			"error", outcome.err, "retry_at", retryAt,
			"attempts", j.AttemptsMade, "attempts_max", j.AttemptsMax)

	case queue.IsRetryable(outcome.err):
		p.failTerminal(ctx, log, j, res, queue.Failure{
			Message: outcome.err.Error(),
			Cause:   queue.CauseExhausted,
		}, elapsed)

	default:
		p.failTerminal(ctx, log, j, res, queue.Failure{
			Message: outcome.err.Error(),
			Cause:   queue.CausePermanent,
		}, elapsed)
	}
}

func (p *Pool) failTerminal(ctx context.Context, log *slog.Logger, j queue.Job, res *queue.Reservation, failure queue.Failure, elapsed time.Duration) {
	if err := p.broker.Fail(ctx, j.ID, res.Token, failure, nil); err != nil {
		if !errors.Is(err, queue.ErrLeaseLost) {
			log.Error("fail finalize error", "error", err)
		}
		return
	}
	if p.collector != nil {
		p.collector.RecordFailed(j.Queue, failure.Cause, elapsed.Seconds())
	}
	log.Warn("job failed terminally", "cause", failure.Cause, "error", failure.Message)
}
