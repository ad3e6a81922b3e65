package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/api"
	"github.com/pallavilagisetti/admin-control-sub000/internal/dispatch"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue/memory"
	"github.com/pallavilagisetti/admin-control-sub000/internal/tasks"
)

func newTestServer(t *testing.T) (*httptest.Server, queue.Broker) {
	t.Helper()
	broker := memory.New()
	registry := queue.NewRegistry()
	noop := func(context.Context, *queue.Task) (json.RawMessage, error) { return nil, nil }
	for _, queueName := range []string{
		tasks.QueueResumeProcessing, tasks.QueueJobMatching,
		tasks.QueueEmailNotifications, tasks.QueueDataSync, tasks.QueueAnalytics,
	} {
		registry.MustRegister(queue.Definition{
			Queue:       queueName,
			Name:        "test-job",
			Handler:     noop,
			AttemptsMax: 3,
			Backoff:     queue.Backoff{Kind: queue.BackoffFixed, Base: time.Second},
			Visibility:  30 * time.Second,
		})
	}
	d := dispatch.New(broker, registry, nil)
	srv := httptest.NewServer(api.NewServer(d, nil, nil, 0).Handler())
	t.Cleanup(srv.Close)
	return srv, broker
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJobID(t *testing.T, resp *http.Response) uuid.UUID {
	t.Helper()
	var out struct {
		JobID uuid.UUID `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode job id: %v", err)
	}
	return out.JobID
}

func TestProcessResumeEnqueues(t *testing.T) {
	srv, broker := newTestServer(t)
	resumeID := uuid.New()

	resp := postJSON(t, srv.URL+"/jobs/process-resume", map[string]any{"resume_id": resumeID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	jobID := decodeJobID(t, resp)

	j, err := broker.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("broker get: %v", err)
	}
	if j.State != queue.StateWaiting || j.Queue != tasks.QueueResumeProcessing {
		t.Errorf("job = %s in %s, want waiting in resume-processing", j.State, j.Queue)
	}
	var payload struct {
		ResumeID uuid.UUID `json:"resume_id"`
	}
	if err := json.Unmarshal(j.Payload, &payload); err != nil || payload.ResumeID != resumeID {
		t.Errorf("payload = %s, want resume_id %s", j.Payload, resumeID)
	}
}

func TestMatchUsersEnqueues(t *testing.T) {
	srv, broker := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs/match-users", map[string]any{
		"user_id":   uuid.New(),
		"resume_id": uuid.New(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	jobID := decodeJobID(t, resp)

	j, err := broker.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("broker get: %v", err)
	}
	if j.Queue != tasks.QueueJobMatching {
		t.Errorf("queue = %s, want job-matching", j.Queue)
	}
}

func TestJobStatusFields(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs/process-resume", map[string]any{"resume_id": uuid.New()})
	jobID := decodeJobID(t, resp)

	statusResp, err := http.Get(srv.URL + "/jobs/status/" + jobID.String())
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", statusResp.StatusCode)
	}

	var body struct {
		JobID     uuid.UUID `json:"job_id"`
		Status    string    `json:"status"`
		Progress  int       `json:"progress"`
		Queue     string    `json:"queue"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.JobID != jobID || body.Status != "waiting" || body.Progress != 0 {
		t.Errorf("body = %+v, want waiting job %s", body, jobID)
	}
	if body.Queue != tasks.QueueResumeProcessing || body.CreatedAt.IsZero() {
		t.Errorf("queue/created_at = %s/%s", body.Queue, body.CreatedAt)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/jobs/status/" + uuid.NewString())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJobStatusBadID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/jobs/status/not-a-uuid")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRetryWaitingJobConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs/process-resume", map[string]any{"resume_id": uuid.New()})
	jobID := decodeJobID(t, resp)

	retryResp := postJSON(t, fmt.Sprintf("%s/jobs/retry/%s", srv.URL, jobID), nil)
	if retryResp.StatusCode != http.StatusConflict {
		t.Errorf("retry of waiting job = %d, want 409", retryResp.StatusCode)
	}
}

func TestCancelThenRetry(t *testing.T) {
	srv, broker := newTestServer(t)
	ctx := context.Background()

	resp := postJSON(t, srv.URL+"/jobs/process-resume", map[string]any{"resume_id": uuid.New()})
	jobID := decodeJobID(t, resp)

	cancelResp := postJSON(t, fmt.Sprintf("%s/jobs/cancel/%s", srv.URL, jobID), nil)
	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d, want 200", cancelResp.StatusCode)
	}
	j, err := broker.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("broker get: %v", err)
	}
	if j.State != queue.StateFailed || j.Error == nil || j.Error.Cause != queue.CauseCancelled {
		t.Fatalf("after cancel job = %s/%+v, want failed/cancelled", j.State, j.Error)
	}

	retryResp := postJSON(t, fmt.Sprintf("%s/jobs/retry/%s", srv.URL, jobID), nil)
	if retryResp.StatusCode != http.StatusOK {
		t.Fatalf("retry = %d, want 200", retryResp.StatusCode)
	}
	j, _ = broker.Get(ctx, jobID)
	if j.State != queue.StateWaiting {
		t.Errorf("after retry state = %s, want waiting", j.State)
	}
}

func TestQueueStatsListsAllQueues(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/jobs/process-resume", map[string]any{"resume_id": uuid.New()})

	resp, err := http.Get(srv.URL + "/jobs/queue-stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Queues []struct {
			Queue   string `json:"queue"`
			Waiting int    `json:"waiting"`
		} `json:"queues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Queues) != 5 {
		t.Fatalf("queues = %d, want 5", len(body.Queues))
	}
	found := false
	for _, q := range body.Queues {
		if q.Queue == tasks.QueueResumeProcessing && q.Waiting == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("resume-processing waiting=1 not in %+v", body.Queues)
	}
}

func TestHealthzDegradedWithoutDB(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz without db = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d, want 200", resp.StatusCode)
	}
}
