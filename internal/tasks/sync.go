package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/store"
)

// ListingStore is the persistence consumed by the sync handler.
type ListingStore interface {
	UpsertListings(ctx context.Context, source string, listings []store.ListingUpsert) (int, error)
}

// ListingSource pulls the current listings of one external source.
// Implementations classify upstream 4xx as permanent; 5xx and transport
// faults come back as plain errors and are retried.
type ListingSource interface {
	Pull(ctx context.Context, source string) ([]store.ListingUpsert, error)
}

type syncPayload struct {
	Source string `json:"source"`
}

type syncResult struct {
	Source string `json:"source"`
	Synced int    `json:"synced"`
}

// SyncListings returns the data-sync handler. The (source, external_id)
// upsert key makes a redelivered sync idempotent.
func SyncListings(d Deps) queue.Handler {
	return func(ctx context.Context, t *queue.Task) (json.RawMessage, error) {
		var p syncPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
		}
		if p.Source == "" {
			return nil, queue.Permanent(fmt.Errorf("empty source"))
		}

		listings, err := d.Source.Pull(ctx, p.Source)
		if err != nil {
			return nil, fmt.Errorf("pull %s: %w", p.Source, err)
		}
		t.Progress(60)

		n, err := d.Listings.UpsertListings(ctx, p.Source, listings)
		if err != nil {
			return nil, fmt.Errorf("upsert listings: %w", err)
		}
		t.Progress(100)
		t.Log().Info("listings synced", "source", p.Source, "count", n)
		return json.Marshal(syncResult{Source: p.Source, Synced: n})
	}
}

// HTTPListingSource pulls listings over HTTPS from a per-source endpoint.
type HTTPListingSource struct {
	client  *http.Client
	baseURL string
}

// NewHTTPListingSource builds a source on client. Production callers pass
// BuildSafeClient(); tests inject a plain client since safeurl blocks the
// private IPs httptest binds.
func NewHTTPListingSource(client *http.Client, baseURL string) *HTTPListingSource {
	return &HTTPListingSource{client: client, baseURL: baseURL}
}

// BuildSafeClient returns an SSRF-safe *http.Client for listing fetches,
// with redirect following disabled. Source endpoints come from operator
// config but the hosts they resolve to do not.
func BuildSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(30 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// wireListing is the JSON shape the listing endpoints serve.
type wireListing struct {
	ExternalID  string   `json:"external_id"`
	Title       string   `json:"title"`
	Company     string   `json:"company"`
	Location    string   `json:"location"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
	PostedAt    string   `json:"posted_at"`
}

// Pull fetches /listings?source=<source> and maps the body.
func (s *HTTPListingSource) Pull(ctx context.Context, source string) ([]store.ListingUpsert, error) {
	u := fmt.Sprintf("%s/listings?source=%s", s.baseURL, url.QueryEscape(source))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("fetch listings: upstream %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, queue.Permanent(fmt.Errorf("fetch listings: upstream %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read listings body: %w", err)
	}
	var wire []wireListing
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode listings: %w", err))
	}

	out := make([]store.ListingUpsert, 0, len(wire))
	for _, w := range wire {
		postedAt, err := time.Parse(time.RFC3339, w.PostedAt)
		if err != nil {
			postedAt = time.Now().UTC()
		}
		out = append(out, store.ListingUpsert{
			ExternalID:  w.ExternalID,
			Title:       w.Title,
			Company:     w.Company,
			Location:    w.Location,
			Description: w.Description,
			Skills:      w.Skills,
			PostedAt:    postedAt,
		})
	}
	return out, nil
}
