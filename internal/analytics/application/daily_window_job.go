// Package application hosts the batch analytics use cases: the windowed
// daily counter job that replays persisted packed telemetry and rebuilds
// per-floor door and idle statistics independently of the live counters.
package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"sort"
	"time"

	"lift-monitor-cloud/internal/observability/metrics"
	telemetry "lift-monitor-cloud/internal/telemetry/domain"
)

const (
	packSeriesKey      = "pack_calc"
	defaultLookbackSec = 86400
	defaultMovementMm  = 50.0
	deviceListPageSize = 100
)

// Device is one platform device visible to the job.
type Device struct {
	ID   string
	Name string
}

// SeriesPoint is a single persisted telemetry value.
type SeriesPoint struct {
	TsMs  int64
	Value string
}

// DeviceLister pages through an account's devices.
type DeviceLister interface {
	ListDevices(ctx context.Context, account string, page, pageSize int) ([]Device, bool, error)
}

// SeriesReader fetches historical telemetry for one device.
type SeriesReader interface {
	ReadTimeSeries(ctx context.Context, account, deviceID string, keys []string, startMs, endMs int64) (map[string][]SeriesPoint, error)
}

// SeriesWriter persists the computed window results.
type SeriesWriter interface {
	WriteTimeSeries(ctx context.Context, account, deviceID string, values map[string]any, tsMs int64) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// WindowStats is the batch-computed summary for one device. Date is the
// window's day in the configured timezone.
type WindowStats struct {
	Date      string           `json:"date"`
	DoorOpens map[string]int64 `json:"door_opens"`
	IdleSec   map[string]int64 `json:"idle_sec"`
	Samples   int              `json:"samples"`
}

// RunSummary reports one job execution.
type RunSummary struct {
	Accounts  int
	Devices   int
	Computed  int
	Skipped   int
	Failed    int
	Elapsed   time.Duration
	PerDevice map[string]WindowStats
}

// DailyWindowJob recomputes per-floor counters over a lookback window.
type DailyWindowJob struct {
	accounts   []string
	lister     DeviceLister
	reader     SeriesReader
	writer     SeriesWriter
	lookback   time.Duration
	location   *time.Location
	movementMm float64
	clock      Clock
	logger     *log.Logger
}

// JobOption customizes the job.
type JobOption func(*DailyWindowJob)

// WithClock overrides the job clock.
func WithClock(clock Clock) JobOption {
	return func(j *DailyWindowJob) {
		if clock != nil {
			j.clock = clock
		}
	}
}

// WithMovementThreshold overrides the idle movement threshold in mm.
func WithMovementThreshold(mm float64) JobOption {
	return func(j *DailyWindowJob) {
		if mm > 0 {
			j.movementMm = mm
		}
	}
}

// NewDailyWindowJob constructs the job. A non-positive lookback takes the
// 24h default; a nil location buckets dates in UTC.
func NewDailyWindowJob(accounts []string, lister DeviceLister, reader SeriesReader, writer SeriesWriter, lookback time.Duration, location *time.Location, logger *log.Logger, opts ...JobOption) (*DailyWindowJob, error) {
	if lister == nil {
		return nil, errors.New("daily window job: nil device lister")
	}
	if reader == nil {
		return nil, errors.New("daily window job: nil series reader")
	}
	if writer == nil {
		return nil, errors.New("daily window job: nil series writer")
	}
	if lookback <= 0 {
		lookback = defaultLookbackSec * time.Second
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = log.Default()
	}
	job := &DailyWindowJob{
		accounts:   accounts,
		lister:     lister,
		reader:     reader,
		writer:     writer,
		lookback:   lookback,
		location:   location,
		movementMm: defaultMovementMm,
		clock:      systemClock{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(job)
	}
	return job, nil
}

// RunOnce executes one window pass over every account and device. A zero
// nowMs means the current clock time. One device failing is logged and
// counted without aborting the rest of the batch.
func (j *DailyWindowJob) RunOnce(ctx context.Context, nowMs int64) RunSummary {
	started := j.clock.Now()
	if nowMs <= 0 {
		nowMs = started.UnixMilli()
	}
	windowStart := nowMs - j.lookback.Milliseconds()

	summary := RunSummary{
		Accounts:  len(j.accounts),
		PerDevice: make(map[string]WindowStats),
	}
	for _, account := range j.accounts {
		j.runAccount(ctx, account, windowStart, nowMs, &summary)
	}
	summary.Elapsed = j.clock.Now().Sub(started)

	result := metrics.ResultSuccess
	if summary.Failed > 0 {
		result = metrics.ResultError
	}
	metrics.ObserveDailyJob(result, summary.Elapsed)
	j.logger.Printf("analytics: daily window run: devices=%d computed=%d skipped=%d failed=%d elapsed=%s",
		summary.Devices, summary.Computed, summary.Skipped, summary.Failed, summary.Elapsed)
	return summary
}

func (j *DailyWindowJob) runAccount(ctx context.Context, account string, windowStart, windowEnd int64, summary *RunSummary) {
	page := 0
	for {
		devices, hasNext, err := j.lister.ListDevices(ctx, account, page, deviceListPageSize)
		if err != nil {
			j.logger.Printf("analytics: list devices failed for %s page %d: %v", account, page, err)
			summary.Failed++
			return
		}
		for _, device := range devices {
			summary.Devices++
			stats, computed, err := j.runDevice(ctx, account, device, windowStart, windowEnd)
			switch {
			case err != nil:
				j.logger.Printf("analytics: device %s/%s failed: %v", account, device.Name, err)
				summary.Failed++
				metrics.IncDailyJobDevice(metrics.ResultError)
			case !computed:
				summary.Skipped++
			default:
				summary.Computed++
				summary.PerDevice[account+":"+device.Name] = stats
				metrics.IncDailyJobDevice(metrics.ResultSuccess)
			}
		}
		if !hasNext {
			return
		}
		page++
	}
}

func (j *DailyWindowJob) runDevice(ctx context.Context, account string, device Device, windowStart, windowEnd int64) (WindowStats, bool, error) {
	series, err := j.reader.ReadTimeSeries(ctx, account, device.ID, []string{packSeriesKey}, windowStart, windowEnd)
	if err != nil {
		return WindowStats{}, false, err
	}
	points := series[packSeriesKey]
	if len(points) < 2 {
		return WindowStats{}, false, nil
	}

	stats := computeWindowStats(points, j.movementMm)
	if stats.Samples < 2 {
		return WindowStats{}, false, nil
	}
	stats.Date = time.UnixMilli(windowEnd - 1).In(j.location).Format("2006-01-02")

	raw, err := json.Marshal(stats)
	if err != nil {
		return WindowStats{}, false, err
	}
	values := map[string]any{
		"daily_floor_door_opens": stats.DoorOpens,
		"daily_floor_idle_sec":   stats.IdleSec,
		"daily_floor_summary":    json.RawMessage(raw),
	}
	if err := j.writer.WriteTimeSeries(ctx, account, device.ID, values, windowEnd-1); err != nil {
		return WindowStats{}, false, err
	}
	return stats, true, nil
}

// computeWindowStats walks consecutive sample pairs: a closed-to-open
// transition counts one door open on the later sample's floor, and a pair
// with both doors closed and height movement within the threshold adds the
// pair's gap to that floor's idle time. A pair without usable heights
// counts as not moving. Idle accumulates in milliseconds and rounds once
// per floor so the rounding error never grows with the sample count.
// Samples without a decodable pack are dropped before pairing; a sample
// without a floor label inherits the previous sample's floor.
func computeWindowStats(points []SeriesPoint, movementMm float64) WindowStats {
	type obs struct {
		tsMs   int64
		floor  string
		height float64
		door   telemetry.Door
	}
	samples := make([]obs, 0, len(points))
	for _, point := range points {
		pack := telemetry.ExtractPackSummary(point.Value)
		if pack.Floor == "" && math.IsNaN(pack.HeightMm) && pack.Door == telemetry.DoorUnknown {
			continue
		}
		samples = append(samples, obs{tsMs: point.TsMs, floor: pack.Floor, height: pack.HeightMm, door: pack.Door})
	}
	sort.Slice(samples, func(i, k int) bool { return samples[i].tsMs < samples[k].tsMs })

	prevFloor := ""
	for i := range samples {
		if samples[i].floor == "" {
			samples[i].floor = prevFloor
		}
		if samples[i].floor == "" {
			samples[i].floor = "UNKNOWN"
		}
		prevFloor = samples[i].floor
	}

	stats := WindowStats{
		DoorOpens: make(map[string]int64),
		IdleSec:   make(map[string]int64),
		Samples:   len(samples),
	}
	idleMs := make(map[string]int64)
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		gapMs := cur.tsMs - prev.tsMs
		if gapMs <= 0 {
			continue
		}
		if prev.door == telemetry.DoorClosed && cur.door == telemetry.DoorOpen {
			stats.DoorOpens[cur.floor]++
		}
		still := math.IsNaN(prev.height) || math.IsNaN(cur.height) ||
			math.Abs(cur.height-prev.height) <= movementMm
		if prev.door == telemetry.DoorClosed && cur.door == telemetry.DoorClosed && still {
			idleMs[cur.floor] += gapMs
		}
	}
	for floor, ms := range idleMs {
		stats.IdleSec[floor] = (ms + 500) / 1000
	}
	return stats
}
