package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/cache"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/store"
)

// MatchStore is the persistence consumed by the matching handler.
type MatchStore interface {
	UserSkills(ctx context.Context, userID uuid.UUID) ([]string, error)
	RecentListings(ctx context.Context, postedSince time.Time, limit int) ([]store.Listing, error)
	UpsertMatch(ctx context.Context, userID, listingID, resumeID uuid.UUID, score int) error
}

// Listings posted longer ago than this are not match candidates.
const matchWindow = 30 * 24 * time.Hour

// Matches scoring below this threshold are not persisted.
const matchThreshold = 50

const matchCandidateLimit = 200

type matchPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	ResumeID uuid.UUID `json:"resume_id"`
}

type matchResult struct {
	UserID    uuid.UUID `json:"user_id"`
	Evaluated int       `json:"evaluated"`
	Matched   int       `json:"matched"`
}

// MatchUserJobs returns the job-matching handler. It scores every recent
// listing against the user's extracted skills and upserts matches at or
// above the threshold; the upsert key makes re-runs idempotent.
func MatchUserJobs(d Deps) queue.Handler {
	return func(ctx context.Context, t *queue.Task) (json.RawMessage, error) {
		var p matchPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
		}

		skills, err := d.Matches.UserSkills(ctx, p.UserID)
		if err != nil {
			return nil, fmt.Errorf("load user skills: %w", err)
		}
		if len(skills) == 0 {
			// Nothing to match against; completing keeps the job from
			// burning retries on a user whose extraction has not run.
			return json.Marshal(matchResult{UserID: p.UserID})
		}
		t.Progress(10)

		listings, err := d.Matches.RecentListings(ctx, time.Now().Add(-matchWindow), matchCandidateLimit)
		if err != nil {
			return nil, fmt.Errorf("load listings: %w", err)
		}
		if len(listings) == 0 {
			return json.Marshal(matchResult{UserID: p.UserID})
		}

		matched := 0
		for i, l := range listings {
			if err := throttleLLM(ctx, d.LLMLimiter); err != nil {
				return nil, fmt.Errorf("llm limiter: %w", err)
			}
			raw, err := d.LLM.Complete(ctx, scorePrompt(skills, l))
			if err != nil {
				if errors.Is(err, ErrQuotaExceeded) {
					return nil, queue.Permanent(fmt.Errorf("llm: %w", err))
				}
				return nil, fmt.Errorf("llm score listing %s: %w", l.ID, err)
			}
			score, err := parseScore(raw)
			if err != nil {
				t.Log().Warn("unparseable match score, skipping listing",
					"listing_id", l.ID, "error", err)
				continue
			}
			if score >= matchThreshold {
				if err := d.Matches.UpsertMatch(ctx, p.UserID, l.ID, p.ResumeID, score); err != nil {
					return nil, fmt.Errorf("upsert match: %w", err)
				}
				matched++
			}
			// 10..95 across the listing scan.
			t.Progress(10 + (i+1)*85/len(listings))
		}

		if d.Cache != nil {
			if err := d.Cache.Invalidate(ctx, cache.UserMatchesKey(p.UserID)); err != nil {
				t.Log().Warn("cache invalidate failed", "error", err)
			}
		}
		t.Progress(100)
		return json.Marshal(matchResult{UserID: p.UserID, Evaluated: len(listings), Matched: matched})
	}
}

// parseScore reads an integer score out of a completion, tolerating
// surrounding prose, and clamps it to 0..100.
func parseScore(raw string) (int, error) {
	for _, field := range strings.FieldsFunc(raw, func(r rune) bool {
		return r < '0' || r > '9'
	}) {
		n, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if n > 100 {
			n = 100
		}
		return n, nil
	}
	return 0, fmt.Errorf("no score in %q", raw)
}

func scorePrompt(skills []string, l store.Listing) string {
	var b strings.Builder
	b.WriteString("Rate how well the candidate skills fit the job on a 0-100 scale. Respond with the number only.\n\n")
	b.WriteString("Candidate skills: ")
	b.WriteString(strings.Join(skills, ", "))
	b.WriteString("\n\nJob: ")
	b.WriteString(l.Title)
	if l.Company != "" {
		b.WriteString(" at ")
		b.WriteString(l.Company)
	}
	if len(l.Skills) > 0 {
		b.WriteString("\nRequired skills: ")
		b.WriteString(strings.Join(l.Skills, ", "))
	}
	if l.Description != "" {
		b.WriteString("\n")
		b.WriteString(l.Description)
	}
	return b.String()
}
