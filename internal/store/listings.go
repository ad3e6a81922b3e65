package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Listing is one external job listing. Listings live in job_listings and
// are unrelated to queued work items.
type Listing struct {
	ID          uuid.UUID
	ExternalID  string
	Source      string
	Title       string
	Company     string
	Location    string
	Description string
	Skills      []string
	PostedAt    time.Time
	SyncedAt    time.Time
}

// ListingUpsert carries the fields the sync handler pulls from a source.
type ListingUpsert struct {
	ExternalID  string
	Title       string
	Company     string
	Location    string
	Description string
	Skills      []string
	PostedAt    time.Time
}

// UpsertListings writes the pulled listings, keyed on (source, external_id)
// so re-running a sync never duplicates rows. Returns the number of rows
// written.
func (s *Store) UpsertListings(ctx context.Context, source string, listings []ListingUpsert) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, l := range listings {
			if l.ExternalID == "" {
				continue
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO job_listings (
					id, external_id, source, title, company, location,
					description, skills, posted_at, synced_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
				ON CONFLICT (source, external_id) DO UPDATE SET
					title = EXCLUDED.title,
					company = EXCLUDED.company,
					location = EXCLUDED.location,
					description = EXCLUDED.description,
					skills = EXCLUDED.skills,
					posted_at = EXCLUDED.posted_at,
					synced_at = now()`,
				uuid.New(), l.ExternalID, source, l.Title, l.Company,
				l.Location, l.Description, l.Skills, l.PostedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert listing %s/%s: %w", source, l.ExternalID, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// GetListing returns one listing, or (nil, nil) if it does not exist.
func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	var l Listing
	err := s.pool.QueryRow(ctx, `
		SELECT id, external_id, source, title, company, location,
		       description, skills, posted_at, synced_at
		FROM job_listings WHERE id = $1`, id,
	).Scan(
		&l.ID, &l.ExternalID, &l.Source, &l.Title, &l.Company, &l.Location,
		&l.Description, &l.Skills, &l.PostedAt, &l.SyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get listing: %w", err))
	}
	return &l, nil
}

// RecentListings returns listings posted since the cutoff, newest first.
// The match handler uses a 30 day window.
func (s *Store) RecentListings(ctx context.Context, postedSince time.Time, limit int) ([]Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id, source, title, company, location,
		       description, skills, posted_at, synced_at
		FROM job_listings
		WHERE posted_at >= $1
		ORDER BY posted_at DESC
		LIMIT $2`,
		postedSince, limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("recent listings: %w", err))
	}
	defer rows.Close()
	var out []Listing
	for rows.Next() {
		var l Listing
		err := rows.Scan(
			&l.ID, &l.ExternalID, &l.Source, &l.Title, &l.Company, &l.Location,
			&l.Description, &l.Skills, &l.PostedAt, &l.SyncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("recent listings scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
