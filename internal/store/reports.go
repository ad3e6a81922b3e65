package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// Report types recognised by the analytics handler.
const (
	ReportUserGrowth     = "user-growth"
	ReportSkillTrends    = "skill-trends"
	ReportJobPerformance = "job-performance"
)

// Report is one persisted analytics run.
type Report struct {
	ID          uuid.UUID
	ReportType  string
	RangeStart  time.Time
	RangeEnd    time.Time
	Data        json.RawMessage
	GeneratedAt time.Time
}

// InsertReport persists a generated report and returns its id.
func (s *Store) InsertReport(ctx context.Context, reportType string, rangeStart, rangeEnd time.Time, data json.RawMessage) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analytics_reports (id, report_type, range_start, range_end, data)
		VALUES ($1, $2, $3, $4, $5)`,
		id, reportType, rangeStart, rangeEnd, data,
	)
	if err != nil {
		return uuid.Nil, classify(fmt.Errorf("insert report: %w", err))
	}
	return id, nil
}

// UserGrowthReport aggregates daily user signups in the range.
func (s *Store) UserGrowthReport(ctx context.Context, rangeStart, rangeEnd time.Time) (json.RawMessage, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select("date_trunc('day', created_at) AS day", "count(*) AS signups").
		From("users").
		Where(sq.GtOrEq{"created_at": rangeStart}).
		Where(sq.Lt{"created_at": rangeEnd}).
		GroupBy("day").
		OrderBy("day")

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("user growth: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("user growth: %w", err))
	}
	defer rows.Close()

	type point struct {
		Day     time.Time `json:"day"`
		Signups int       `json:"signups"`
	}
	points := []point{}
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.Day, &p.Signups); err != nil {
			return nil, fmt.Errorf("user growth scan: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return json.Marshal(struct {
		Points []point `json:"points"`
	}{points})
}

// SkillTrendsReport aggregates the most frequently extracted skills across
// résumés processed in the range.
func (s *Store) SkillTrendsReport(ctx context.Context, rangeStart, rangeEnd time.Time) (json.RawMessage, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select("sk.name", "count(*) AS resumes").
		From("resume_skills rs").
		Join("skills sk ON sk.id = rs.skill_id").
		Join("resumes r ON r.id = rs.resume_id").
		Where(sq.GtOrEq{"r.processed_at": rangeStart}).
		Where(sq.Lt{"r.processed_at": rangeEnd}).
		GroupBy("sk.name").
		OrderBy("resumes DESC", "sk.name").
		Limit(50)

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("skill trends: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("skill trends: %w", err))
	}
	defer rows.Close()

	type trend struct {
		Skill   string `json:"skill"`
		Resumes int    `json:"resumes"`
	}
	trends := []trend{}
	for rows.Next() {
		var t trend
		if err := rows.Scan(&t.Skill, &t.Resumes); err != nil {
			return nil, fmt.Errorf("skill trends scan: %w", err)
		}
		trends = append(trends, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return json.Marshal(struct {
		Skills []trend `json:"skills"`
	}{trends})
}

// JobPerformanceReport aggregates match volume and quality per listing
// posted in the range.
func (s *Store) JobPerformanceReport(ctx context.Context, rangeStart, rangeEnd time.Time) (json.RawMessage, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select("l.id", "l.title", "l.company",
			"count(m.id) AS matches", "COALESCE(avg(m.score), 0) AS avg_score").
		From("job_listings l").
		LeftJoin("job_matches m ON m.listing_id = l.id").
		Where(sq.GtOrEq{"l.posted_at": rangeStart}).
		Where(sq.Lt{"l.posted_at": rangeEnd}).
		GroupBy("l.id", "l.title", "l.company").
		OrderBy("matches DESC", "l.posted_at DESC").
		Limit(100)

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("job performance: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("job performance: %w", err))
	}
	defer rows.Close()

	type perf struct {
		ListingID uuid.UUID `json:"listing_id"`
		Title     string    `json:"title"`
		Company   string    `json:"company"`
		Matches   int       `json:"matches"`
		AvgScore  float64   `json:"avg_score"`
	}
	listings := []perf{}
	for rows.Next() {
		var p perf
		if err := rows.Scan(&p.ListingID, &p.Title, &p.Company, &p.Matches, &p.AvgScore); err != nil {
			return nil, fmt.Errorf("job performance scan: %w", err)
		}
		listings = append(listings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return json.Marshal(struct {
		Listings []perf `json:"listings"`
	}{listings})
}
