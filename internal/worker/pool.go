// Package worker runs the per-queue consumer pool: each registered queue
// gets Concurrency goroutines that reserve jobs from the broker, drive the
// bound handler with heartbeats and cooperative cancellation, and finalize
// the outcome. A janitor goroutine purges terminal jobs past retention and
// refreshes queue gauges.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/metrics"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

// Config tunes pool behaviour. Zero fields fall back to defaults.
type Config struct {
	// PollInterval is the idle wait between reserve attempts on an empty
	// queue.
	PollInterval time.Duration
	// CancelPollInterval is how often an executing worker checks the job
	// record for an operator cancel request. Must stay below one second
	// so cancellation is observed within the contract bound.
	CancelPollInterval time.Duration
	// DrainDeadline is how long in-flight handlers may keep running
	// after shutdown begins before they are cancelled.
	DrainDeadline time.Duration
	// FinalizeGrace is how long a cancelled handler gets to return
	// before its lease is released unfinalized for visibility recovery.
	FinalizeGrace time.Duration

	// RetentionInterval is the janitor cadence.
	RetentionInterval time.Duration
	// RetentionCompleted / RetentionFailed are the purge windows for
	// terminal jobs. <= 0 disables purging for that state.
	RetentionCompleted time.Duration
	RetentionFailed    time.Duration

	// StatsInterval is the metrics gauge refresh cadence.
	StatsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 500 * time.Millisecond
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 30 * time.Second
	}
	if c.FinalizeGrace <= 0 {
		c.FinalizeGrace = 5 * time.Second
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Minute
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 15 * time.Second
	}
	return c
}

// Pool manages the worker goroutines for every queue in the registry.
type Pool struct {
	broker    queue.Broker
	registry  *queue.Registry
	cfg       Config
	collector *metrics.Collector // nil disables instrumentation
	workerID  string
	log       *slog.Logger
}

// New creates a Pool. collector may be nil. A random workerID identifies
// this process in logs.
func New(broker queue.Broker, registry *queue.Registry, cfg Config, collector *metrics.Collector) *Pool {
	workerID := uuid.New().String()
	return &Pool{
		broker:    broker,
		registry:  registry,
		cfg:       cfg.withDefaults(),
		collector: collector,
		workerID:  workerID,
		log:       slog.Default().With("worker_id", workerID),
	}
}

// Start launches the workers and blocks until ctx is cancelled and every
// in-flight job has drained (or been released for visibility recovery).
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, queueName := range p.registry.Queues() {
		def, _ := p.registry.Lookup(queueName)
		for i := 0; i < def.Concurrency; i++ {
			wg.Add(1)
			go func(def queue.Definition) {
				defer wg.Done()
				p.runWorker(ctx, def)
			}(def)
		}
		p.log.Info("queue workers started",
			"queue", def.Queue, "concurrency", def.Concurrency, "visibility", def.Visibility)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runJanitor(ctx)
	}()

	if p.collector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runStatsRefresh(ctx)
		}()
	}

	wg.Wait()
	p.log.Info("worker pool stopped")
}

// runWorker reserves and executes jobs of one queue until ctx is
// cancelled. After a successful execution it immediately tries to reserve
// again; only an empty queue waits for the poll interval.
func (p *Pool) runWorker(ctx context.Context, def queue.Definition) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.broker.Reserve(ctx, def.Queue, def.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("reserve error", "queue", def.Queue, "error", err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if res == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.execute(ctx, def, res)
	}
}

// runJanitor purges terminal jobs past their retention windows.
func (p *Pool) runJanitor(ctx context.Context) {
	if p.cfg.RetentionCompleted <= 0 && p.cfg.RetentionFailed <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.broker.PurgeExpired(ctx, p.cfg.RetentionCompleted, p.cfg.RetentionFailed)
			if err != nil {
				p.log.Error("retention purge error", "error", err)
				continue
			}
			if n > 0 {
				p.log.Info("purged terminal jobs", "count", n)
			}
		}
	}
}

// runStatsRefresh feeds broker stats into the queue gauges.
func (p *Pool) runStatsRefresh(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queueName := range p.registry.Queues() {
				st, err := p.broker.Stats(ctx, queueName)
				if err != nil {
					p.log.Error("stats refresh error", "queue", queueName, "error", err)
					continue
				}
				p.collector.SetQueueStats(st)
			}
		}
	}
}

// sleep waits for d or until ctx is cancelled.
func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
