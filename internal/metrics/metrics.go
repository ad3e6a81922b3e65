// Package metrics exposes Prometheus instrumentation for the dispatch
// subsystem: per-queue job outcome counters, handler latency, and state
// gauges refreshed from broker stats. Scraped via /metrics on the API
// router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

// Collector holds the dispatch subsystem's Prometheus metrics.
type Collector struct {
	enqueued  *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	states    *prometheus.GaugeVec
}

// NewCollector creates and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Jobs accepted by the dispatcher, per queue.",
		}, []string{"queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_completed_total",
			Help: "Jobs finalized as completed, per queue.",
		}, []string{"queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_failed_total",
			Help: "Jobs finalized as failed, per queue and cause class.",
		}, []string{"queue", "cause"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_retried_total",
			Help: "Retry reschedules, per queue.",
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_handler_duration_seconds",
			Help:    "Handler execution time per attempt, per queue.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		states: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_queue_jobs",
			Help: "Current job count per queue and state.",
		}, []string{"queue", "state"}),
	}
	reg.MustRegister(c.enqueued, c.completed, c.failed, c.retried, c.duration, c.states)
	return c
}

// RecordEnqueue counts one accepted job.
func (c *Collector) RecordEnqueue(queueName string) {
	c.enqueued.WithLabelValues(queueName).Inc()
}

// RecordCompleted counts one successful finalization.
func (c *Collector) RecordCompleted(queueName string, seconds float64) {
	c.completed.WithLabelValues(queueName).Inc()
	c.duration.WithLabelValues(queueName).Observe(seconds)
}

// RecordFailed counts one terminal failure with its cause class.
func (c *Collector) RecordFailed(queueName, cause string, seconds float64) {
	c.failed.WithLabelValues(queueName, cause).Inc()
	c.duration.WithLabelValues(queueName).Observe(seconds)
}

// RecordRetry counts one retry reschedule.
func (c *Collector) RecordRetry(queueName string) {
	c.retried.WithLabelValues(queueName).Inc()
}

// SetQueueStats refreshes the state gauges for one queue.
func (c *Collector) SetQueueStats(st queue.Stats) {
	c.states.WithLabelValues(st.Queue, string(queue.StateWaiting)).Set(float64(st.Waiting))
	c.states.WithLabelValues(st.Queue, string(queue.StateActive)).Set(float64(st.Active))
	c.states.WithLabelValues(st.Queue, string(queue.StateCompleted)).Set(float64(st.Completed))
	c.states.WithLabelValues(st.Queue, string(queue.StateFailed)).Set(float64(st.Failed))
	c.states.WithLabelValues(st.Queue, string(queue.StateDelayed)).Set(float64(st.Delayed))
}
