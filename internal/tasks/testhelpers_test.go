package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/store"
)

func newTask(t *testing.T, queueName string, payload any) *queue.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.NewTask(queue.Job{
		ID:           uuid.New(),
		Queue:        queueName,
		Payload:      raw,
		AttemptsMade: 1,
	}, nil, nil)
}

type fakeResumes struct {
	mu        sync.Mutex
	resumes   map[uuid.UUID]*store.Resume
	completed map[uuid.UUID][]store.ExtractedSkill
	failed    map[uuid.UUID]string
}

func newFakeResumes(rs ...*store.Resume) *fakeResumes {
	f := &fakeResumes{
		resumes:   map[uuid.UUID]*store.Resume{},
		completed: map[uuid.UUID][]store.ExtractedSkill{},
		failed:    map[uuid.UUID]string{},
	}
	for _, r := range rs {
		f.resumes[r.ID] = r
	}
	return f
}

func (f *fakeResumes) GetResume(_ context.Context, id uuid.UUID) (*store.Resume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumes[id], nil
}

func (f *fakeResumes) MarkResumeProcessing(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes[id].State = store.ResumeProcessing
	return nil
}

func (f *fakeResumes) CompleteResumeExtraction(_ context.Context, id uuid.UUID, text string, structured json.RawMessage, skills []store.ExtractedSkill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.resumes[id]
	r.State = store.ResumeCompleted
	r.ExtractedText = &text
	r.StructuredData = structured
	f.completed[id] = skills
	return nil
}

func (f *fakeResumes) FailResumeExtraction(_ context.Context, id uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes[id].State = store.ResumeFailed
	f.failed[id] = message
	return nil
}

type fakeObjects struct {
	data        map[string][]byte
	contentType string
	err         error
	downloads   int
}

func (f *fakeObjects) Download(_ context.Context, path string) ([]byte, string, error) {
	f.downloads++
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data[path], f.contentType, nil
}

func (f *fakeObjects) Upload(context.Context, string, []byte, map[string]string) (string, error) {
	return "", nil
}

func (f *fakeObjects) Delete(context.Context, string) error { return nil }

type fakeLLM struct {
	mu        sync.Mutex
	calls     int
	responses []string // consumed in order; the last one repeats
	err       error
}

func (f *fakeLLM) Complete(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

type fakeMatches struct {
	mu       sync.Mutex
	skills   []string
	listings []store.Listing
	upserts  []store.Match
}

func (f *fakeMatches) UserSkills(context.Context, uuid.UUID) ([]string, error) {
	return f.skills, nil
}

func (f *fakeMatches) RecentListings(context.Context, time.Time, int) ([]store.Listing, error) {
	return f.listings, nil
}

func (f *fakeMatches) UpsertMatch(_ context.Context, userID, listingID, resumeID uuid.UUID, score int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, store.Match{
		UserID: userID, ListingID: listingID, ResumeID: resumeID, Score: score,
	})
	return nil
}

type fakeNotifications struct {
	mu           sync.Mutex
	notification *store.Notification
	recipients   map[string]*store.Recipient // by email
}

func newFakeNotifications(n *store.Notification) *fakeNotifications {
	return &fakeNotifications{notification: n, recipients: map[string]*store.Recipient{}}
}

func (f *fakeNotifications) GetNotification(context.Context, uuid.UUID) (*store.Notification, error) {
	return f.notification, nil
}

func (f *fakeNotifications) EnsureRecipients(_ context.Context, notificationID uuid.UUID, emails []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, email := range emails {
		if _, ok := f.recipients[email]; !ok {
			f.recipients[email] = &store.Recipient{
				ID: uuid.New(), NotificationID: notificationID,
				Email: email, Status: store.RecipientPending,
			}
		}
	}
	return nil
}

func (f *fakeNotifications) PendingRecipients(context.Context, uuid.UUID) ([]store.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Recipient
	for _, r := range f.recipients {
		if r.Status != store.RecipientSent {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeNotifications) MarkRecipientSent(_ context.Context, recipientID uuid.UUID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.recipients {
		if r.ID == recipientID {
			r.Status = store.RecipientSent
			r.MessageID = &messageID
		}
	}
	return nil
}

func (f *fakeNotifications) MarkRecipientFailed(_ context.Context, recipientID uuid.UUID, sendErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.recipients {
		if r.ID == recipientID {
			r.Status = store.RecipientFailed
			r.Error = &sendErr
		}
	}
	return nil
}

func (f *fakeNotifications) FinalizeNotification(context.Context, uuid.UUID) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent, failed := 0, 0
	for _, r := range f.recipients {
		if r.Status == store.RecipientSent {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, nil
}

type fakeMailer struct {
	mu      sync.Mutex
	failFor map[string]error
	sent    []string
}

func (f *fakeMailer) Send(_ context.Context, to, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[to]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, to)
	return "msg-" + to, nil
}

type fakeListings struct {
	mu     sync.Mutex
	source string
	rows   []store.ListingUpsert
}

func (f *fakeListings) UpsertListings(_ context.Context, source string, listings []store.ListingUpsert) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = source
	f.rows = listings
	return len(listings), nil
}

type fakeSource struct {
	listings []store.ListingUpsert
	err      error
}

func (f *fakeSource) Pull(context.Context, string) ([]store.ListingUpsert, error) {
	return f.listings, f.err
}

type fakeReports struct {
	inserted   string
	insertedID uuid.UUID
	data       json.RawMessage
	aggregates int
}

func (f *fakeReports) UserGrowthReport(context.Context, time.Time, time.Time) (json.RawMessage, error) {
	f.aggregates++
	return json.RawMessage(`{"points":[]}`), nil
}

func (f *fakeReports) SkillTrendsReport(context.Context, time.Time, time.Time) (json.RawMessage, error) {
	f.aggregates++
	return json.RawMessage(`{"skills":[]}`), nil
}

func (f *fakeReports) JobPerformanceReport(context.Context, time.Time, time.Time) (json.RawMessage, error) {
	f.aggregates++
	return json.RawMessage(`{"listings":[]}`), nil
}

func (f *fakeReports) InsertReport(_ context.Context, reportType string, _, _ time.Time, data json.RawMessage) (uuid.UUID, error) {
	f.inserted = reportType
	f.insertedID = uuid.New()
	f.data = data
	return f.insertedID, nil
}

type fakeCache struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeCache) Invalidate(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keys...)
	return nil
}
