// Package tasks is the handler catalogue: one handler per queue, plus the
// contracts for the external collaborators the handlers drive (object
// store, LLM, SMTP, listing sources). Handlers classify their own failures
// as retryable or permanent; everything unclassified retries.
package tasks

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
)

// Stable wire-level queue names.
const (
	QueueResumeProcessing   = "resume-processing"
	QueueJobMatching        = "job-matching"
	QueueEmailNotifications = "email-notifications"
	QueueDataSync           = "data-sync"
	QueueAnalytics          = "analytics"
)

// Job-name discriminators stamped on jobs of each queue.
const (
	JobExtractSkills    = "extract-skills"
	JobMatchUserJobs    = "match-user-jobs"
	JobSendNotification = "send-notification"
	JobSyncJobs         = "sync-jobs"
	JobGenerateReport   = "generate-report"
)

// Collaborator error codes. Implementations return these (wrapped or bare)
// so handlers can classify without knowing transport details.
var (
	// ErrObjectNotFound: the object store has no such key. Permanent.
	ErrObjectNotFound = errors.New("object not found")
	// ErrAccessDenied: the object store refused the credentials. Permanent.
	ErrAccessDenied = errors.New("access denied")
	// ErrRateLimited: the LLM pushed back. Retryable.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrQuotaExceeded: the LLM account is out of budget. Permanent,
	// surfaced to the caller rather than burned through retries.
	ErrQuotaExceeded = errors.New("insufficient quota")
)

// ObjectStore is the blob storage contract consumed by the extraction
// handler. Implementations map 5xx and timeouts to plain errors (retried)
// and missing/forbidden objects to ErrObjectNotFound / ErrAccessDenied.
type ObjectStore interface {
	Download(ctx context.Context, path string) (data []byte, contentType string, err error)
	Upload(ctx context.Context, key string, data []byte, metadata map[string]string) (location string, err error)
	Delete(ctx context.Context, key string) error
}

// LLM is the completion contract. Implementations map provider errors to
// ErrRateLimited / ErrQuotaExceeded where applicable.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Mailer sends one email and returns the provider message id. Transient
// socket and 5xx failures come back as plain errors.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) (messageID string, err error)
}

// Invalidator drops cache keys after a handler's terminal write. A nil
// Invalidator in Deps disables invalidation.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// Deps carries everything the handler catalogue needs. Store fields are
// satisfied by *store.Store; tests substitute fakes per handler.
type Deps struct {
	Resumes       ResumeStore
	Matches       MatchStore
	Notifications NotificationStore
	Listings      ListingStore
	Reports       ReportStore

	Objects ObjectStore
	LLM     LLM
	Mailer  Mailer
	Source  ListingSource
	Cache   Invalidator

	// LLMLimiter throttles completion calls across all handlers sharing
	// the Deps. Nil means unthrottled.
	LLMLimiter *rate.Limiter

	// SendConcurrency bounds parallel SMTP sends per bulk-email job.
	SendConcurrency int
}

// Options are the per-queue execution defaults, sourced from config.
type Options struct {
	AttemptsMax     int
	MaxReservations int
	BackoffBase     time.Duration
	Visibility      time.Duration
	// Concurrency maps queue name to worker count; unlisted queues run one.
	Concurrency map[string]int
}

// Definitions returns the five queue definitions, ready for registry
// registration.
func Definitions(d Deps, opts Options) []queue.Definition {
	backoff := queue.Backoff{Kind: queue.BackoffExponential, Base: opts.BackoffBase}
	def := func(queueName, jobName string, h queue.Handler) queue.Definition {
		return queue.Definition{
			Queue:           queueName,
			Name:            jobName,
			Handler:         h,
			AttemptsMax:     opts.AttemptsMax,
			MaxReservations: opts.MaxReservations,
			Backoff:         backoff,
			Concurrency:     opts.Concurrency[queueName],
			Visibility:      opts.Visibility,
		}
	}
	return []queue.Definition{
		def(QueueResumeProcessing, JobExtractSkills, ExtractSkills(d)),
		def(QueueJobMatching, JobMatchUserJobs, MatchUserJobs(d)),
		def(QueueEmailNotifications, JobSendNotification, SendNotification(d)),
		def(QueueDataSync, JobSyncJobs, SyncListings(d)),
		def(QueueAnalytics, JobGenerateReport, GenerateReport(d)),
	}
}

// throttleLLM waits for a limiter slot, honouring cancellation.
func throttleLLM(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
