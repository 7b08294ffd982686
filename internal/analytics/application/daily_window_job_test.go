package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

func packValue(tsSec int64, height float64, floor string, door int) string {
	return fmt.Sprintf("v=1|ts=%d|h=%g|fi=0|fl=%s|dir=S|st=I|door=%d", tsSec, height, floor, door)
}

func point(tsSec int64, height float64, floor string, door int) SeriesPoint {
	return SeriesPoint{TsMs: tsSec * 1000, Value: packValue(tsSec, height, floor, door)}
}

func TestComputeWindowStats_IdleAndDoorCycle(t *testing.T) {
	points := []SeriesPoint{
		point(1000, 6000, "2", 0),
		point(1060, 6010, "2", 0),
		point(1120, 6005, "2", 0),
		point(1150, 6005, "2", 1),
		point(1180, 6005, "2", 0),
	}
	stats := computeWindowStats(points, 50)
	if stats.Samples != 5 {
		t.Fatalf("expected 5 samples, got %d", stats.Samples)
	}
	if stats.DoorOpens["2"] != 1 {
		t.Fatalf("expected 1 door open, got %d", stats.DoorOpens["2"])
	}
	// Two closed-closed pairs of 60s each; the open-closed pairs are not idle.
	if stats.IdleSec["2"] != 120 {
		t.Fatalf("expected 120s idle, got %d", stats.IdleSec["2"])
	}
}

func TestComputeWindowStats_SubSecondSamplingStaysInRoundingBudget(t *testing.T) {
	// 41 samples 1.5s apart span exactly 60s; per-pair rounding would
	// credit 80s.
	points := make([]SeriesPoint, 0, 41)
	for i := 0; i < 41; i++ {
		points = append(points, SeriesPoint{
			TsMs:  1_000_000 + int64(i)*1500,
			Value: packValue(1000, 6000, "2", 0),
		})
	}
	stats := computeWindowStats(points, 50)
	if stats.IdleSec["2"] != 60 {
		t.Fatalf("idle seconds outside rounding budget: got %d, want 60", stats.IdleSec["2"])
	}
}

func TestComputeWindowStats_MissingFloorInheritsPrevious(t *testing.T) {
	points := []SeriesPoint{
		point(1000, 6000, "2", 0),
		{TsMs: 1060 * 1000, Value: "v=1|ts=1060|h=6005|door=0"},
	}
	stats := computeWindowStats(points, 50)
	if stats.IdleSec["2"] != 60 {
		t.Fatalf("unlabeled sample must inherit the previous floor, got %v", stats.IdleSec)
	}
	if _, ok := stats.IdleSec["UNKNOWN"]; ok {
		t.Fatal("floor must not fall to UNKNOWN when a previous label exists")
	}
}

func TestComputeWindowStats_NaNHeightCountsAsStill(t *testing.T) {
	// No usable height reading means no detectable movement.
	points := []SeriesPoint{
		{TsMs: 1000 * 1000, Value: "v=1|fl=2|door=0"},
		{TsMs: 1060 * 1000, Value: "v=1|fl=2|door=0"},
	}
	stats := computeWindowStats(points, 50)
	if stats.IdleSec["2"] != 60 {
		t.Fatalf("heightless closed-door pair must accrue idle, got %v", stats.IdleSec)
	}
}

func TestComputeWindowStats_MovementBreaksIdle(t *testing.T) {
	points := []SeriesPoint{
		point(1000, 3000, "1", 0),
		point(1060, 3051, "1", 0), // moved 51mm, over the 50mm threshold
		point(1120, 3060, "1", 0),
	}
	stats := computeWindowStats(points, 50)
	if stats.IdleSec["1"] != 60 {
		t.Fatalf("expected only the still pair, got %d", stats.IdleSec["1"])
	}
	if stats.DoorOpens["1"] != 0 {
		t.Fatalf("expected no door opens, got %d", stats.DoorOpens["1"])
	}
}

func TestComputeWindowStats_SortsAndDropsUndecodable(t *testing.T) {
	points := []SeriesPoint{
		point(1060, 6000, "2", 0),
		{TsMs: 1030 * 1000, Value: "not a pack"},
		point(1000, 6000, "2", 0),
	}
	stats := computeWindowStats(points, 50)
	if stats.Samples != 2 {
		t.Fatalf("expected undecodable sample dropped, got %d", stats.Samples)
	}
	if stats.IdleSec["2"] != 60 {
		t.Fatalf("expected 60s idle after sorting, got %d", stats.IdleSec["2"])
	}
}

type stubLister struct {
	devices []Device
	err     error
}

func (s *stubLister) ListDevices(ctx context.Context, account string, page, pageSize int) ([]Device, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if page > 0 {
		return nil, false, nil
	}
	return s.devices, false, nil
}

type stubReader struct {
	series map[string][]SeriesPoint
	errFor string
}

func (s *stubReader) ReadTimeSeries(ctx context.Context, account, deviceID string, keys []string, startMs, endMs int64) (map[string][]SeriesPoint, error) {
	if deviceID == s.errFor {
		return nil, errors.New("platform unavailable")
	}
	return map[string][]SeriesPoint{packSeriesKey: s.series[deviceID]}, nil
}

type stubJobWriter struct {
	writes map[string]map[string]any
	tsMs   map[string]int64
}

func (s *stubJobWriter) WriteTimeSeries(ctx context.Context, account, deviceID string, values map[string]any, tsMs int64) error {
	if s.writes == nil {
		s.writes = make(map[string]map[string]any)
		s.tsMs = make(map[string]int64)
	}
	s.writes[deviceID] = values
	s.tsMs[deviceID] = tsMs
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestJob(t *testing.T, lister DeviceLister, reader SeriesReader, writer SeriesWriter, location *time.Location) *DailyWindowJob {
	t.Helper()
	job, err := NewDailyWindowJob([]string{"acct"}, lister, reader, writer, 24*time.Hour,
		location, log.New(io.Discard, "", 0), WithClock(fixedClock{now: time.Unix(2000, 0)}))
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

func TestRunOnce_WritesWindowResults(t *testing.T) {
	lister := &stubLister{devices: []Device{{ID: "dev-1", Name: "lift-1"}}}
	reader := &stubReader{series: map[string][]SeriesPoint{
		"dev-1": {point(1000, 6000, "2", 0), point(1120, 6010, "2", 0)},
	}}
	writer := &stubJobWriter{}
	job := newTestJob(t, lister, reader, writer, time.UTC)

	summary := job.RunOnce(context.Background(), 2000_000)
	if summary.Computed != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if writer.tsMs["dev-1"] != 2000_000-1 {
		t.Fatalf("results must land just inside the window, got ts %d", writer.tsMs["dev-1"])
	}
	stats, ok := summary.PerDevice["acct:lift-1"]
	if !ok || stats.IdleSec["2"] != 120 {
		t.Fatalf("unexpected per-device stats: %+v", summary.PerDevice)
	}
	if _, ok := writer.writes["dev-1"]["daily_floor_summary"]; !ok {
		t.Fatal("expected summary field in write")
	}
}

func TestRunOnce_DatesWindowInConfiguredZone(t *testing.T) {
	lister := &stubLister{devices: []Device{{ID: "dev-1", Name: "lift-1"}}}
	reader := &stubReader{series: map[string][]SeriesPoint{
		"dev-1": {point(1748800000, 6000, "2", 0), point(1748800120, 6010, "2", 0)},
	}}
	writer := &stubJobWriter{}
	loc := time.FixedZone("UTC+05:30", 5*3600+1800)
	job := newTestJob(t, lister, reader, writer, loc)

	// 2025-06-01 20:00 UTC is already 2025-06-02 in +05:30.
	summary := job.RunOnce(context.Background(), 1_748_808_000_000)
	stats := summary.PerDevice["acct:lift-1"]
	if stats.Date != "2025-06-02" {
		t.Fatalf("expected date bucketed in the configured zone, got %q", stats.Date)
	}
	raw, ok := writer.writes["dev-1"]["daily_floor_summary"].(json.RawMessage)
	if !ok {
		t.Fatalf("unexpected summary payload type %T", writer.writes["dev-1"]["daily_floor_summary"])
	}
	if !strings.Contains(string(raw), `"date":"2025-06-02"`) {
		t.Fatalf("summary missing the window date: %s", raw)
	}
}

func TestRunOnce_SkipsSparseDevices(t *testing.T) {
	lister := &stubLister{devices: []Device{{ID: "dev-1", Name: "lift-1"}}}
	reader := &stubReader{series: map[string][]SeriesPoint{
		"dev-1": {point(1000, 6000, "2", 0)},
	}}
	writer := &stubJobWriter{}
	job := newTestJob(t, lister, reader, writer, time.UTC)

	summary := job.RunOnce(context.Background(), 2000_000)
	if summary.Skipped != 1 || summary.Computed != 0 {
		t.Fatalf("single-sample device must be skipped: %+v", summary)
	}
	if len(writer.writes) != 0 {
		t.Fatalf("no write expected, got %d", len(writer.writes))
	}
}

func TestRunOnce_DeviceFailureDoesNotAbortBatch(t *testing.T) {
	lister := &stubLister{devices: []Device{
		{ID: "dev-bad", Name: "lift-bad"},
		{ID: "dev-1", Name: "lift-1"},
	}}
	reader := &stubReader{
		errFor: "dev-bad",
		series: map[string][]SeriesPoint{
			"dev-1": {point(1000, 6000, "2", 0), point(1120, 6010, "2", 0)},
		},
	}
	writer := &stubJobWriter{}
	job := newTestJob(t, lister, reader, writer, time.UTC)

	summary := job.RunOnce(context.Background(), 2000_000)
	if summary.Failed != 1 {
		t.Fatalf("expected 1 failure, got %d", summary.Failed)
	}
	if summary.Computed != 1 {
		t.Fatalf("healthy device must still compute, got %d", summary.Computed)
	}
}

func TestRunOnce_ListFailureCountsOnce(t *testing.T) {
	lister := &stubLister{err: errors.New("login rejected")}
	writer := &stubJobWriter{}
	job := newTestJob(t, lister, &stubReader{}, writer, time.UTC)

	summary := job.RunOnce(context.Background(), 2000_000)
	if summary.Failed != 1 || summary.Devices != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
