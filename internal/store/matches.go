package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Match is one scored user/listing pair.
type Match struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ListingID uuid.UUID
	ResumeID  uuid.UUID
	Score     int
	MatchedAt time.Time
}

// UpsertMatch writes a match score keyed on (user_id, listing_id), so
// re-running the match job for a user is idempotent.
func (s *Store) UpsertMatch(ctx context.Context, userID, listingID, resumeID uuid.UUID, score int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_matches (id, user_id, listing_id, resume_id, score, matched_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id, listing_id) DO UPDATE SET
			resume_id = EXCLUDED.resume_id,
			score = EXCLUDED.score,
			matched_at = now()`,
		uuid.New(), userID, listingID, resumeID, score,
	)
	if err != nil {
		return classify(fmt.Errorf("upsert match: %w", err))
	}
	return nil
}

// MatchesForUser returns the user's matches, best score first.
func (s *Store) MatchesForUser(ctx context.Context, userID uuid.UUID) ([]Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, listing_id, resume_id, score, matched_at
		FROM job_matches
		WHERE user_id = $1
		ORDER BY score DESC, matched_at DESC`,
		userID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("matches for user: %w", err))
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.UserID, &m.ListingID, &m.ResumeID, &m.Score, &m.MatchedAt); err != nil {
			return nil, fmt.Errorf("matches scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
