package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/cache"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/tasks"
)

// registerJobRoutes wires up the dispatcher endpoints on the huma API.
//
//	POST /jobs/process-resume — enqueue résumé extraction
//	POST /jobs/match-users    — enqueue user/job matching
//	GET  /jobs/status/{id}    — job status snapshot
//	GET  /jobs/queue-stats    — per-queue counts
//	POST /jobs/retry/{id}     — re-run a terminally failed job
//	POST /jobs/cancel/{id}    — cancel a pending or active job
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "process-resume",
		Method:      http.MethodPost,
		Path:        "/jobs/process-resume",
		Summary:     "Queue résumé processing",
		Tags:        []string{"Jobs"},
	}, srv.processResumeHandler)

	huma.Register(api, huma.Operation{
		OperationID: "match-users",
		Method:      http.MethodPost,
		Path:        "/jobs/match-users",
		Summary:     "Queue user/job matching",
		Tags:        []string{"Jobs"},
	}, srv.matchUsersHandler)

	huma.Register(api, huma.Operation{
		OperationID: "job-status",
		Method:      http.MethodGet,
		Path:        "/jobs/status/{id}",
		Summary:     "Get job status",
		Tags:        []string{"Jobs"},
	}, srv.jobStatusHandler)

	huma.Register(api, huma.Operation{
		OperationID: "queue-stats",
		Method:      http.MethodGet,
		Path:        "/jobs/queue-stats",
		Summary:     "Get per-queue statistics",
		Tags:        []string{"Jobs"},
	}, srv.queueStatsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/retry/{id}",
		Summary:     "Retry a failed job",
		Tags:        []string{"Jobs"},
	}, srv.retryJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/cancel/{id}",
		Summary:     "Cancel a job",
		Tags:        []string{"Jobs"},
	}, srv.cancelJobHandler)
}

// ── Request/response types ────────────────────────────────────────────────────

type ProcessResumeInput struct {
	Body struct {
		ResumeID uuid.UUID `json:"resume_id" required:"true"`
	}
}

type MatchUsersInput struct {
	Body struct {
		UserID   uuid.UUID `json:"user_id" required:"true"`
		ResumeID uuid.UUID `json:"resume_id" required:"true"`
	}
}

type JobIDInput struct {
	ID string `path:"id"`
}

type EnqueuedOutput struct {
	Body struct {
		JobID uuid.UUID `json:"job_id"`
	}
}

// JobStatusResponse is the wire shape of one job snapshot.
type JobStatusResponse struct {
	JobID      uuid.UUID       `json:"job_id"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Queue      string          `json:"queue"`
	CreatedAt  time.Time       `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type JobStatusOutput struct {
	Body JobStatusResponse
}

// QueueStatsResponse is the wire shape of the queue-stats view.
type QueueStatsResponse struct {
	Queues []QueueStatsItem `json:"queues"`
}

type QueueStatsItem struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
}

type QueueStatsOutput struct {
	Body QueueStatsResponse
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (srv *Server) processResumeHandler(ctx context.Context, input *ProcessResumeInput) (*EnqueuedOutput, error) {
	payload, err := json.Marshal(map[string]uuid.UUID{"resume_id": input.Body.ResumeID})
	if err != nil {
		return nil, huma.Error400BadRequest("invalid payload", err)
	}
	id, err := srv.dispatcher.Enqueue(ctx, tasks.QueueResumeProcessing, payload, queue.EnqueueOptions{})
	if err != nil {
		return nil, mapDispatchErr(err)
	}
	out := &EnqueuedOutput{}
	out.Body.JobID = id
	return out, nil
}

func (srv *Server) matchUsersHandler(ctx context.Context, input *MatchUsersInput) (*EnqueuedOutput, error) {
	payload, err := json.Marshal(map[string]uuid.UUID{
		"user_id":   input.Body.UserID,
		"resume_id": input.Body.ResumeID,
	})
	if err != nil {
		return nil, huma.Error400BadRequest("invalid payload", err)
	}
	id, err := srv.dispatcher.Enqueue(ctx, tasks.QueueJobMatching, payload, queue.EnqueueOptions{})
	if err != nil {
		return nil, mapDispatchErr(err)
	}
	out := &EnqueuedOutput{}
	out.Body.JobID = id
	return out, nil
}

func (srv *Server) jobStatusHandler(ctx context.Context, input *JobIDInput) (*JobStatusOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid job id", err)
	}
	j, err := srv.dispatcher.Status(ctx, id)
	if err != nil {
		return nil, mapDispatchErr(err)
	}

	resp := JobStatusResponse{
		JobID:       j.ID,
		Status:      string(j.State),
		Progress:    j.Progress,
		Result:      j.Result,
		Queue:       j.Queue,
		CreatedAt:   j.EnqueuedAt,
		ProcessedAt: j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
	if j.Error != nil {
		resp.Error = &j.Error.Message
	}
	return &JobStatusOutput{Body: resp}, nil
}

func (srv *Server) queueStatsHandler(ctx context.Context, _ *struct{}) (*QueueStatsOutput, error) {
	fill := func(ctx context.Context) (json.RawMessage, error) {
		stats, err := srv.dispatcher.Stats(ctx)
		if err != nil {
			return nil, err
		}
		resp := QueueStatsResponse{Queues: make([]QueueStatsItem, 0, len(stats))}
		for _, st := range stats {
			resp.Queues = append(resp.Queues, QueueStatsItem{
				Queue:     st.Queue,
				Waiting:   st.Waiting,
				Active:    st.Active,
				Completed: st.Completed,
				Failed:    st.Failed,
				Delayed:   st.Delayed,
			})
		}
		return json.Marshal(resp)
	}

	var (
		raw json.RawMessage
		err error
	)
	if srv.cache != nil {
		raw, err = srv.cache.GetOrFill(ctx, cache.QueueStatsKey, srv.cacheTTL, fill)
	} else {
		raw, err = fill(ctx)
	}
	if err != nil {
		return nil, mapDispatchErr(err)
	}

	var resp QueueStatsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &QueueStatsOutput{Body: resp}, nil
}

func (srv *Server) retryJobHandler(ctx context.Context, input *JobIDInput) (*EnqueuedOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid job id", err)
	}
	if err := srv.dispatcher.Retry(ctx, id); err != nil {
		return nil, mapDispatchErr(err)
	}
	out := &EnqueuedOutput{}
	out.Body.JobID = id
	return out, nil
}

func (srv *Server) cancelJobHandler(ctx context.Context, input *JobIDInput) (*EnqueuedOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid job id", err)
	}
	if err := srv.dispatcher.Cancel(ctx, id); err != nil {
		return nil, mapDispatchErr(err)
	}
	out := &EnqueuedOutput{}
	out.Body.JobID = id
	return out, nil
}

// mapDispatchErr translates the dispatcher error taxonomy to HTTP codes:
// validation 400, not_found 404, illegal_state 409, broker_unavailable 503.
func mapDispatchErr(err error) error {
	switch {
	case errors.Is(err, queue.ErrUnknownQueue):
		return huma.Error400BadRequest("unknown queue", err)
	case errors.Is(err, queue.ErrNotFound):
		return huma.Error404NotFound("job not found", err)
	case errors.Is(err, queue.ErrIllegalState):
		return huma.Error409Conflict("job not in a valid state for this operation", err)
	case errors.Is(err, queue.ErrUnavailable):
		return huma.Error503ServiceUnavailable("broker unavailable", err)
	default:
		return err
	}
}
