package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/cache"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/store"
)

// ReportStore is the persistence consumed by the analytics handler.
type ReportStore interface {
	UserGrowthReport(ctx context.Context, rangeStart, rangeEnd time.Time) (json.RawMessage, error)
	SkillTrendsReport(ctx context.Context, rangeStart, rangeEnd time.Time) (json.RawMessage, error)
	JobPerformanceReport(ctx context.Context, rangeStart, rangeEnd time.Time) (json.RawMessage, error)
	InsertReport(ctx context.Context, reportType string, rangeStart, rangeEnd time.Time, data json.RawMessage) (uuid.UUID, error)
}

type reportPayload struct {
	ReportType string `json:"report_type"`
	DateRange  struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"date_range"`
}

type reportResult struct {
	ReportID   uuid.UUID `json:"report_id"`
	ReportType string    `json:"report_type"`
}

// GenerateReport returns the analytics handler. An unknown report_type is
// permanent; the aggregation itself retries on transient database faults.
func GenerateReport(d Deps) queue.Handler {
	return func(ctx context.Context, t *queue.Task) (json.RawMessage, error) {
		var p reportPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
		}
		start, end := p.DateRange.Start, p.DateRange.End
		if end.IsZero() {
			end = time.Now().UTC()
		}
		if start.IsZero() {
			start = end.AddDate(0, 0, -30)
		}
		if !start.Before(end) {
			return nil, queue.Permanent(fmt.Errorf("date_range: start %s not before end %s", start, end))
		}

		var (
			data json.RawMessage
			err  error
		)
		switch p.ReportType {
		case store.ReportUserGrowth:
			data, err = d.Reports.UserGrowthReport(ctx, start, end)
		case store.ReportSkillTrends:
			data, err = d.Reports.SkillTrendsReport(ctx, start, end)
		case store.ReportJobPerformance:
			data, err = d.Reports.JobPerformanceReport(ctx, start, end)
		default:
			return nil, queue.Permanent(fmt.Errorf("unknown report_type %q", p.ReportType))
		}
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", p.ReportType, err)
		}
		t.Progress(70)

		id, err := d.Reports.InsertReport(ctx, p.ReportType, start, end, data)
		if err != nil {
			return nil, fmt.Errorf("persist report: %w", err)
		}
		t.Progress(100)

		if d.Cache != nil {
			if err := d.Cache.Invalidate(ctx, cache.ReportKey(p.ReportType)); err != nil {
				t.Log().Warn("cache invalidate failed", "error", err)
			}
		}
		return json.Marshal(reportResult{ReportID: id, ReportType: p.ReportType})
	}
}
