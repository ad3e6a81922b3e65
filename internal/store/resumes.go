package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Résumé row states. The extraction handler owns the transitions
// PENDING → PROCESSING → COMPLETED|FAILED.
const (
	ResumePending    = "PENDING"
	ResumeProcessing = "PROCESSING"
	ResumeCompleted  = "COMPLETED"
	ResumeFailed     = "FAILED"
)

// Resume is one uploaded résumé and its extraction outcome.
type Resume struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	FilePath       string
	ContentType    string
	State          string
	ExtractedText  *string
	StructuredData json.RawMessage
	Error          *string
	UploadedAt     time.Time
	ProcessedAt    *time.Time
}

// ExtractedSkill is one skill found in a résumé, with the extractor's
// confidence in [0,1].
type ExtractedSkill struct {
	Name       string
	Confidence float32
}

const resumeColumns = `
	id, user_id, file_path, content_type, state,
	extracted_text, structured_data, error, uploaded_at, processed_at`

// GetResume returns the résumé row, or (nil, nil) if it does not exist.
func (s *Store) GetResume(ctx context.Context, id uuid.UUID) (*Resume, error) {
	var r Resume
	err := s.pool.QueryRow(ctx,
		`SELECT`+resumeColumns+` FROM resumes WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.UserID, &r.FilePath, &r.ContentType, &r.State,
		&r.ExtractedText, &r.StructuredData, &r.Error, &r.UploadedAt, &r.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get resume: %w", err))
	}
	return &r, nil
}

// CreateResume inserts a résumé in PENDING state and returns its id.
func (s *Store) CreateResume(ctx context.Context, userID uuid.UUID, filePath, contentType string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resumes (id, user_id, file_path, content_type)
		VALUES ($1, $2, $3, $4)`,
		id, userID, filePath, contentType,
	)
	if err != nil {
		return uuid.Nil, classify(fmt.Errorf("create resume: %w", err))
	}
	return id, nil
}

// MarkResumeProcessing moves the résumé into PROCESSING. A retried
// extraction may find the row already PROCESSING or FAILED; only a
// COMPLETED résumé refuses the transition.
func (s *Store) MarkResumeProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE resumes SET state = $2, error = NULL
		WHERE id = $1 AND state <> $3`,
		id, ResumeProcessing, ResumeCompleted,
	)
	if err != nil {
		return classify(fmt.Errorf("mark resume processing: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resume %s: no row in transitionable state", id)
	}
	return nil
}

// CompleteResumeExtraction persists the extraction outcome: the résumé row
// moves to COMPLETED with text and structured data, and the skill rows are
// upserted, all in one transaction so observers never see a completed
// résumé without its skills.
func (s *Store) CompleteResumeExtraction(ctx context.Context, id uuid.UUID, text string, structured json.RawMessage, skills []ExtractedSkill) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE resumes SET
				state = $2, extracted_text = $3, structured_data = $4,
				error = NULL, processed_at = now()
			WHERE id = $1`,
			id, ResumeCompleted, text, structured,
		)
		if err != nil {
			return fmt.Errorf("complete resume: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("resume %s: not found", id)
		}
		for _, sk := range skills {
			name := normalizeSkill(sk.Name)
			if name == "" {
				continue
			}
			var skillID uuid.UUID
			err := tx.QueryRow(ctx, `
				INSERT INTO skills (id, name) VALUES ($1, $2)
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`,
				uuid.New(), name,
			).Scan(&skillID)
			if err != nil {
				return fmt.Errorf("upsert skill %q: %w", name, err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO resume_skills (resume_id, skill_id, confidence)
				VALUES ($1, $2, $3)
				ON CONFLICT (resume_id, skill_id) DO UPDATE SET confidence = EXCLUDED.confidence`,
				id, skillID, sk.Confidence,
			)
			if err != nil {
				return fmt.Errorf("link skill %q: %w", name, err)
			}
		}
		return nil
	})
	return classify(err)
}

// FailResumeExtraction moves the résumé to FAILED with the handler's error.
func (s *Store) FailResumeExtraction(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE resumes SET state = $2, error = $3, processed_at = now()
		WHERE id = $1`,
		id, ResumeFailed, message,
	)
	if err != nil {
		return classify(fmt.Errorf("fail resume: %w", err))
	}
	return nil
}

// UserSkills returns the distinct skill names extracted from all of the
// user's résumés, sorted.
func (s *Store) UserSkills(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT sk.name
		FROM skills sk
		JOIN resume_skills rs ON rs.skill_id = sk.id
		JOIN resumes r ON r.id = rs.resume_id
		WHERE r.user_id = $1
		ORDER BY sk.name`,
		userID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("user skills: %w", err))
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("user skills scan: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// normalizeSkill lowercases and trims a skill name so "Go " and "go"
// collapse to one row.
func normalizeSkill(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
