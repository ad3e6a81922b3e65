package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/store"
)

func reportTask(t *testing.T, reportType string, start, end time.Time) *queue.Task {
	t.Helper()
	p := reportPayload{ReportType: reportType}
	p.DateRange.Start = start
	p.DateRange.End = end
	return newTask(t, QueueAnalytics, p)
}

func TestGenerateReportPersistsAggregation(t *testing.T) {
	reports := &fakeReports{}
	caches := &fakeCache{}
	d := Deps{Reports: reports, Cache: caches}

	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	task := reportTask(t, store.ReportUserGrowth, end.AddDate(0, -1, 0), end)
	raw, err := GenerateReport(d)(context.Background(), task)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	if reports.inserted != store.ReportUserGrowth || reports.aggregates != 1 {
		t.Errorf("inserted %q after %d aggregations", reports.inserted, reports.aggregates)
	}
	var res reportResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ReportID != reports.insertedID {
		t.Errorf("result id %s, want %s", res.ReportID, reports.insertedID)
	}
	if len(caches.keys) != 1 {
		t.Errorf("invalidated keys = %v, want the report key", caches.keys)
	}
}

func TestGenerateReportCoversAllTypes(t *testing.T) {
	for _, typ := range []string{store.ReportUserGrowth, store.ReportSkillTrends, store.ReportJobPerformance} {
		reports := &fakeReports{}
		d := Deps{Reports: reports}
		task := reportTask(t, typ, time.Time{}, time.Time{})
		if _, err := GenerateReport(d)(context.Background(), task); err != nil {
			t.Errorf("%s: %v", typ, err)
		}
		if reports.inserted != typ {
			t.Errorf("%s: inserted %q", typ, reports.inserted)
		}
	}
}

func TestGenerateReportUnknownTypeIsPermanent(t *testing.T) {
	d := Deps{Reports: &fakeReports{}}
	task := reportTask(t, "quarterly-vibes", time.Time{}, time.Time{})
	_, err := GenerateReport(d)(context.Background(), task)
	if err == nil || queue.IsRetryable(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestGenerateReportInvertedRangeIsPermanent(t *testing.T) {
	d := Deps{Reports: &fakeReports{}}
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	task := reportTask(t, store.ReportUserGrowth, end, end.AddDate(0, -1, 0))
	_, err := GenerateReport(d)(context.Background(), task)
	if err == nil || queue.IsRetryable(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}
