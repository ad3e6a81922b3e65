package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBroker() (*Broker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New()
	b.now = clk.now
	return b, clk
}

func defaultOpts() queue.EnqueueOptions {
	return queue.EnqueueOptions{
		AttemptsMax:     3,
		MaxReservations: 10,
		Backoff:         queue.Backoff{Kind: queue.BackoffFixed, Base: 10 * time.Millisecond},
	}
}

func TestEnqueueStartsWaiting(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "analytics", "generate-report", json.RawMessage(`{"report_type":"user-growth"}`), defaultOpts())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.State != queue.StateWaiting {
		t.Errorf("state = %q, want %q", j.State, queue.StateWaiting)
	}
	if j.Progress != 0 {
		t.Errorf("progress = %d, want 0", j.Progress)
	}
	if j.AttemptsMade != 0 {
		t.Errorf("attempts_made = %d, want 0", j.AttemptsMade)
	}
	if j.Priority != queue.DefaultPriority {
		t.Errorf("priority = %d, want default %d", j.Priority, queue.DefaultPriority)
	}
}

func TestEnqueueWithDelayStartsDelayed(t *testing.T) {
	b, clk := newTestBroker()
	ctx := context.Background()

	opts := defaultOpts()
	opts.Delay = time.Minute
	id, err := b.Enqueue(ctx, "data-sync", "sync-jobs", json.RawMessage(`{"source":"ext"}`), opts)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j, _ := b.Get(ctx, id)
	if j.State != queue.StateDelayed {
		t.Fatalf("state = %q, want delayed", j.State)
	}

	// Not reservable before the delay elapses.
	if res, _ := b.Reserve(ctx, "data-sync", time.Minute); res != nil {
		t.Fatalf("reserved delayed job before NextVisibleAt")
	}
	clk.advance(61 * time.Second)
	res, err := b.Reserve(ctx, "data-sync", time.Minute)
	if err != nil || res == nil {
		t.Fatalf("Reserve after delay: res=%v err=%v", res, err)
	}
}

func TestReserveFIFOWithinPriority(t *testing.T) {
	b, clk := newTestBroker()
	ctx := context.Background()

	first, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, defaultOpts())
	clk.advance(time.Second)
	second, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, defaultOpts())
	clk.advance(time.Second)
	urgentOpts := defaultOpts()
	urgentOpts.Priority = 1
	urgent, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, urgentOpts)

	want := []uuid.UUID{urgent, first, second}
	for i, expected := range want {
		res, err := b.Reserve(ctx, "analytics", time.Minute)
		if err != nil || res == nil {
			t.Fatalf("Reserve %d: res=%v err=%v", i, res, err)
		}
		if res.Job.ID != expected {
			t.Errorf("Reserve %d = %s, want %s", i, res.Job.ID, expected)
		}
	}
}

func TestReserveIncrementsAttemptsOnFreshAttemptOnly(t *testing.T) {
	b, clk := newTestBroker()
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "resume-processing", "extract-skills", nil, defaultOpts())

	res, _ := b.Reserve(ctx, "resume-processing", 50*time.Millisecond)
	if res.Job.AttemptsMade != 1 {
		t.Fatalf("attempts after first reserve = %d, want 1", res.Job.AttemptsMade)
	}

	// Lease expires: the attempt is treated as crashed, re-reservation
	// must not consume retry budget.
	clk.advance(time.Second)
	res2, _ := b.Reserve(ctx, "resume-processing", time.Minute)
	if res2 == nil {
		t.Fatalf("expired active job not re-reservable")
	}
	if res2.Job.ID != id {
		t.Fatalf("re-reserved wrong job")
	}
	if res2.Job.AttemptsMade != 1 {
		t.Errorf("attempts after crash retake = %d, want 1", res2.Job.AttemptsMade)
	}
	if res2.Job.Reservations != 2 {
		t.Errorf("reservations = %d, want 2", res2.Job.Reservations)
	}
}

func TestStaleLeaseFinalizationRejected(t *testing.T) {
	b, clk := newTestBroker()
	ctx := context.Background()

	_, _ = b.Enqueue(ctx, "job-matching", "match-user-jobs", nil, defaultOpts())

	resA, _ := b.Reserve(ctx, "job-matching", 50*time.Millisecond)
	clk.advance(time.Second) // A's lease lapses

	resB, _ := b.Reserve(ctx, "job-matching", time.Minute)
	if resB == nil {
		t.Fatalf("worker B could not take over the job")
	}
	if err := b.Complete(ctx, resB.Job.ID, resB.Token, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("B Complete: %v", err)
	}

	// A's late finalize must be rejected, with the completed state intact.
	if err := b.Complete(ctx, resA.Job.ID, resA.Token, json.RawMessage(`{"late":true}`)); !errors.Is(err, queue.ErrLeaseLost) {
		t.Errorf("stale Complete err = %v, want ErrLeaseLost", err)
	}
	j, _ := b.Get(ctx, resA.Job.ID)
	if j.State != queue.StateCompleted {
		t.Errorf("state = %q, want completed", j.State)
	}
	if string(j.Result) != `{"ok":true}` {
		t.Errorf("result = %s, want B's result", j.Result)
	}
}

func TestLapsedLeaseRejectedBeforeTakeover(t *testing.T) {
	b, clk := newTestBroker()
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "job-matching", "match-user-jobs", nil, defaultOpts())
	res, _ := b.Reserve(ctx, "job-matching", 30*time.Second)

	// Nobody has re-reserved the job, but the lease has still lapsed:
	// every write under the old token must be rejected.
	clk.advance(31 * time.Second)

	if _, err := b.Heartbeat(ctx, id, res.Token, time.Minute); !errors.Is(err, queue.ErrLeaseLost) {
		t.Errorf("lapsed Heartbeat err = %v, want ErrLeaseLost", err)
	}
	if err := b.ReportProgress(ctx, id, res.Token, 50); !errors.Is(err, queue.ErrLeaseLost) {
		t.Errorf("lapsed ReportProgress err = %v, want ErrLeaseLost", err)
	}
	if err := b.Complete(ctx, id, res.Token, nil); !errors.Is(err, queue.ErrLeaseLost) {
		t.Errorf("lapsed Complete err = %v, want ErrLeaseLost", err)
	}

	// The job stays recoverable for the next worker, same attempt budget.
	res2, err := b.Reserve(ctx, "job-matching", time.Minute)
	if err != nil || res2 == nil || res2.Job.ID != id {
		t.Fatalf("Reserve after lapse = %+v, %v", res2, err)
	}
	if res2.Job.AttemptsMade != 1 {
		t.Errorf("attempts_made = %d, want 1", res2.Job.AttemptsMade)
	}
}

func TestProgressMonotoneWithinAttempt(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	_, _ = b.Enqueue(ctx, "resume-processing", "extract-skills", nil, defaultOpts())
	res, _ := b.Reserve(ctx, "resume-processing", time.Minute)

	for _, pct := range []int{10, 40, 25, 70} {
		if err := b.ReportProgress(ctx, res.Job.ID, res.Token, pct); err != nil {
			t.Fatalf("ReportProgress(%d): %v", pct, err)
		}
	}
	j, _ := b.Get(ctx, res.Job.ID)
	if j.Progress != 70 {
		t.Errorf("progress = %d, want 70 (decreasing writes ignored)", j.Progress)
	}
}

func TestFailWithRetryResetsProgressAndDelays(t *testing.T) {
	b, clk := newTestBroker()
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "data-sync", "sync-jobs", nil, defaultOpts())
	res, _ := b.Reserve(ctx, "data-sync", time.Minute)
	_ = b.ReportProgress(ctx, id, res.Token, 50)

	retryAt := clk.now().Add(30 * time.Second)
	err := b.Fail(ctx, id, res.Token, queue.Failure{Message: "upstream 503", Cause: queue.CauseRetryable}, &retryAt)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}

	j, _ := b.Get(ctx, id)
	if j.State != queue.StateDelayed {
		t.Errorf("state = %q, want delayed", j.State)
	}
	if j.Progress != 0 {
		t.Errorf("progress = %d, want 0 after retry", j.Progress)
	}
	if !j.NextVisibleAt.Equal(retryAt.UTC()) {
		t.Errorf("next_visible_at = %v, want %v", j.NextVisibleAt, retryAt)
	}
	if j.AttemptsMade != 1 {
		t.Errorf("attempts_made = %d, want 1", j.AttemptsMade)
	}

	// Same id is handed out again after the backoff.
	clk.advance(31 * time.Second)
	res2, _ := b.Reserve(ctx, "data-sync", time.Minute)
	if res2 == nil || res2.Job.ID != id {
		t.Fatalf("retry did not reuse the job id")
	}
	if res2.Job.AttemptsMade != 2 {
		t.Errorf("attempts_made on second attempt = %d, want 2", res2.Job.AttemptsMade)
	}
}

func TestReservationCapFinalizesExhausted(t *testing.T) {
	b, clk := newTestBroker()
	ctx := context.Background()

	opts := defaultOpts()
	opts.MaxReservations = 2
	id, _ := b.Enqueue(ctx, "email-notifications", "send-notification", nil, opts)

	for i := 0; i < 2; i++ {
		res, _ := b.Reserve(ctx, "email-notifications", 10*time.Millisecond)
		if res == nil {
			t.Fatalf("reserve %d failed", i)
		}
		clk.advance(time.Second) // crash every attempt
	}

	// Third reservation attempt must finalize the job instead.
	res, err := b.Reserve(ctx, "email-notifications", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res != nil {
		t.Fatalf("crash-looping job handed out past the reservation cap")
	}
	j, _ := b.Get(ctx, id)
	if j.State != queue.StateFailed {
		t.Errorf("state = %q, want failed", j.State)
	}
	if j.Error == nil || j.Error.Cause != queue.CauseExhausted {
		t.Errorf("error = %+v, want cause exhausted_attempts", j.Error)
	}
}

func TestCancelWaitingFinalizes(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, defaultOpts())
	if err := b.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	j, _ := b.Get(ctx, id)
	if j.State != queue.StateFailed || j.Error == nil || j.Error.Cause != queue.CauseCancelled {
		t.Errorf("job = %+v, want failed/cancelled", j)
	}

	// Cancelling a terminal job is an illegal transition.
	if err := b.Cancel(ctx, id); !errors.Is(err, queue.ErrIllegalState) {
		t.Errorf("Cancel terminal err = %v, want ErrIllegalState", err)
	}
}

func TestCancelActiveSetsFlagSeenByHeartbeat(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	id, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, defaultOpts())
	res, _ := b.Reserve(ctx, "analytics", time.Minute)

	if err := b.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel active: %v", err)
	}
	cancelled, err := b.Heartbeat(ctx, id, res.Token, time.Minute)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !cancelled {
		t.Errorf("heartbeat did not report cancel request")
	}
}

func TestRetryResetsTerminalFailure(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	payload := json.RawMessage(`{"resume_id":"R1"}`)
	id, _ := b.Enqueue(ctx, "resume-processing", "extract-skills", payload, defaultOpts())
	res, _ := b.Reserve(ctx, "resume-processing", time.Minute)
	_ = b.Fail(ctx, id, res.Token, queue.Failure{Message: "resume row missing", Cause: queue.CausePermanent}, nil)

	if err := b.Retry(ctx, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	j, _ := b.Get(ctx, id)
	if j.State != queue.StateWaiting {
		t.Errorf("state = %q, want waiting", j.State)
	}
	if j.AttemptsMade != 0 || j.Progress != 0 {
		t.Errorf("attempts=%d progress=%d, want 0/0", j.AttemptsMade, j.Progress)
	}
	if string(j.Payload) != string(payload) {
		t.Errorf("payload changed across retry")
	}
	if j.Error != nil || j.Result != nil {
		t.Errorf("error/result not cleared on retry")
	}

	// Retry is only legal from terminal failed.
	if err := b.Retry(ctx, id); !errors.Is(err, queue.ErrIllegalState) {
		t.Errorf("Retry waiting err = %v, want ErrIllegalState", err)
	}
}

func TestTerminalStateCarriesResultXorError(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	okID, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, defaultOpts())
	res, _ := b.Reserve(ctx, "analytics", time.Minute)
	_ = b.Complete(ctx, okID, res.Token, json.RawMessage(`{"rows":3}`))

	badID, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, defaultOpts())
	res2, _ := b.Reserve(ctx, "analytics", time.Minute)
	_ = b.Fail(ctx, badID, res2.Token, queue.Failure{Message: "unknown report_type", Cause: queue.CausePermanent}, nil)

	ok, _ := b.Get(ctx, okID)
	if ok.Result == nil || ok.Error != nil {
		t.Errorf("completed job: result=%v error=%v, want result xor error", ok.Result, ok.Error)
	}
	bad, _ := b.Get(ctx, badID)
	if bad.Error == nil || bad.Result != nil {
		t.Errorf("failed job: result=%v error=%v, want error xor result", bad.Result, bad.Error)
	}
}

func TestStatsCountsByState(t *testing.T) {
	b, _ := newTestBroker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = b.Enqueue(ctx, "email-notifications", "send-notification", nil, defaultOpts())
	}
	_, _ = b.Reserve(ctx, "email-notifications", time.Minute)
	_, _ = b.Reserve(ctx, "email-notifications", time.Minute)

	st, err := b.Stats(ctx, "email-notifications")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Waiting != 3 || st.Active != 2 {
		t.Errorf("stats = %+v, want waiting=3 active=2", st)
	}
}

func TestPurgeExpiredRespectsWindows(t *testing.T) {
	b, clk := newTestBroker()
	ctx := context.Background()

	doneID, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, defaultOpts())
	res, _ := b.Reserve(ctx, "analytics", time.Minute)
	_ = b.Complete(ctx, doneID, res.Token, json.RawMessage(`{}`))

	failID, _ := b.Enqueue(ctx, "analytics", "generate-report", nil, defaultOpts())
	res2, _ := b.Reserve(ctx, "analytics", time.Minute)
	_ = b.Fail(ctx, failID, res2.Token, queue.Failure{Message: "x", Cause: queue.CausePermanent}, nil)

	clk.advance(2 * time.Hour)

	n, err := b.PurgeExpired(ctx, time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1 (completed only)", n)
	}
	if _, err := b.Get(ctx, doneID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("completed job survived purge")
	}
	if _, err := b.Get(ctx, failID); err != nil {
		t.Errorf("failed job purged before its window: %v", err)
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	b, _ := newTestBroker()
	if _, err := b.Get(context.Background(), uuid.New()); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
