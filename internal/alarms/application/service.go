package application

import (
	"context"
	"fmt"
	"log"
	"time"

	alarms "lift-monitor-cloud/internal/alarms/domain"
	"lift-monitor-cloud/internal/devstate"
	"lift-monitor-cloud/internal/floors"
	telemetry "lift-monitor-cloud/internal/telemetry/domain"
)

// Notifier delivers triggered alarms.
type Notifier interface {
	Notify(ctx context.Context, account string, alarm alarms.Alarm)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config carries the evaluator thresholds. Zero values take defaults.
type Config struct {
	Thresholds        map[string]float64
	BucketZoneMm      float64
	BucketThreshold   int
	DoorOpenThreshold time.Duration
	FloorToleranceMm  float64
}

func (c Config) withDefaults() Config {
	if c.Thresholds == nil {
		c.Thresholds = alarms.DefaultThresholds()
	}
	if c.BucketZoneMm <= 0 {
		c.BucketZoneMm = 50
	}
	if c.BucketThreshold <= 0 {
		c.BucketThreshold = 3
	}
	if c.DoorOpenThreshold <= 0 {
		c.DoorOpenThreshold = 15 * time.Second
	}
	if c.FloorToleranceMm <= 0 {
		c.FloorToleranceMm = 10
	}
	return c
}

type bucket struct {
	centerMm float64
	count    int
}

type bucketState map[string][]bucket

type doorState struct {
	lastKnown    telemetry.Door
	openSince    time.Time
	hasOpenSince bool
}

// Evaluator runs threshold, bucket-debounce, floor-mismatch and door-open
// alarm checks over inbound samples, keeping per-device state.
type Evaluator struct {
	cfg      Config
	notifier Notifier
	clock    Clock
	logger   *log.Logger

	buckets *devstate.Registry[bucketState]
	doors   *devstate.Registry[doorState]
}

// Option customizes the evaluator.
type Option func(*Evaluator)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(e *Evaluator) {
		e.clock = clock
	}
}

// WithNotifier assigns a notifier.
func WithNotifier(notifier Notifier) Option {
	return func(e *Evaluator) {
		e.notifier = notifier
	}
}

// NewEvaluator constructs an alarm evaluator.
func NewEvaluator(cfg Config, logger *log.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = log.Default()
	}
	evaluator := &Evaluator{
		cfg:     cfg.withDefaults(),
		clock:   systemClock{},
		logger:  logger,
		buckets: devstate.NewRegistry[bucketState](),
		doors:   devstate.NewRegistry[doorState](),
	}
	for _, opt := range opts {
		opt(evaluator)
	}
	return evaluator
}

// Process evaluates one sample against every alarm rule and returns the
// triggered alarms. Collaborator failures never abort the remaining checks.
func (e *Evaluator) Process(ctx context.Context, account string, sample telemetry.Sample, meta floors.Metadata) []alarms.Alarm {
	deviceKey := account + ":" + sample.DeviceName
	tsMs := telemetry.ParseTimestampMs(sample.Timestamp, e.clock.Now())
	triggered := make([]alarms.Alarm, 0, 2)

	for _, key := range alarms.ScalarKeys {
		value, ok := sample.EnvValue(key)
		threshold, known := e.cfg.Thresholds[key]
		if !ok || !known || value <= threshold {
			continue
		}
		alarm := alarms.Alarm{
			DeviceName:  sample.DeviceName,
			Type:        titleKey(key) + " Alarm",
			Severity:    alarms.SeverityWarning,
			TimestampMs: tsMs,
			Details: map[string]any{
				"value":     value,
				"threshold": threshold,
				"floor":     sample.Floor,
			},
		}
		triggered = append(triggered, alarm)
		e.deliver(ctx, account, alarm)
	}

	if sample.HeightMm != nil {
		for _, key := range alarms.BucketKeys {
			value, ok := sample.EnvValue(key)
			threshold, known := e.cfg.Thresholds[key]
			if !ok || !known || value <= threshold {
				continue
			}
			if alarm, fired := e.observeBucket(deviceKey, key, value, *sample.HeightMm, sample.Floor, tsMs); fired {
				alarm.DeviceName = sample.DeviceName
				triggered = append(triggered, alarm)
				e.deliver(ctx, account, alarm)
			}
		}
	}

	// Floor mismatch only matters while passengers can board: door open.
	if sample.CurrentFloorIndex != nil && sample.HeightMm != nil && e.doorEffective(deviceKey, sample.Door()) == telemetry.DoorOpen {
		if e.floorMismatch(*sample.HeightMm, *sample.CurrentFloorIndex, meta.Boundaries) {
			alarm := alarms.Alarm{
				DeviceName:  sample.DeviceName,
				Type:        "Floor Mismatch Alarm",
				Severity:    alarms.SeverityCritical,
				TimestampMs: tsMs,
				Details: map[string]any{
					"reported_index": *sample.CurrentFloorIndex,
					"height":         *sample.HeightMm,
					"boundaries":     meta.Boundaries,
				},
			}
			triggered = append(triggered, alarm)
			e.deliver(ctx, account, alarm)
		}
	}

	if alarm, fired := e.UpdateDoor(deviceKey, sample.Door(), sample.Floor, tsMs); fired {
		alarm.DeviceName = sample.DeviceName
		triggered = append(triggered, alarm)
		e.deliver(ctx, account, alarm)
	}

	return triggered
}

// observeBucket applies the N-breaches-within-a-height-zone debounce.
// The first bucket whose zone contains the height wins; reaching the count
// threshold emits one alarm and consumes the bucket, so a sustained breach
// at that location must re-accumulate before re-firing.
func (e *Evaluator) observeBucket(deviceKey, alarmKey string, value, heightMm float64, floor string, tsMs int64) (alarms.Alarm, bool) {
	var alarm alarms.Alarm
	fired := false
	e.buckets.Do(deviceKey, func(state *bucketState) {
		if *state == nil {
			*state = make(bucketState)
		}
		buckets := (*state)[alarmKey]
		for i := range buckets {
			if abs(buckets[i].centerMm-heightMm) > e.cfg.BucketZoneMm {
				continue
			}
			buckets[i].count++
			if buckets[i].count >= e.cfg.BucketThreshold {
				center := buckets[i].centerMm
				alarm = alarms.Alarm{
					Type:        alarmKey + " Alarm",
					Severity:    alarms.SeverityMinor,
					TimestampMs: tsMs,
					Details: map[string]any{
						"value":       value,
						"threshold":   e.cfg.Thresholds[alarmKey],
						"floor":       floor,
						"height_zone": fmt.Sprintf("%.1f to %.1f", center-e.cfg.BucketZoneMm, center+e.cfg.BucketZoneMm),
					},
				}
				fired = true
				(*state)[alarmKey] = append(buckets[:i], buckets[i+1:]...)
			} else {
				(*state)[alarmKey] = buckets
			}
			return
		}
		(*state)[alarmKey] = append(buckets, bucket{centerMm: heightMm, count: 1})
	})
	return alarm, fired
}

// UpdateDoor tracks the per-device door-open session. Unknown readings
// preserve the last known state. An open session past the threshold fires
// one MAJOR alarm and resets the marker, so sustained opens re-fire at
// threshold intervals; a close clears any pending obligation.
func (e *Evaluator) UpdateDoor(deviceKey string, door telemetry.Door, floor string, tsMs int64) (alarms.Alarm, bool) {
	var alarm alarms.Alarm
	fired := false
	e.doors.Do(deviceKey, func(state *doorState) {
		if door == telemetry.DoorUnknown {
			door = state.lastKnown
		} else {
			state.lastKnown = door
		}
		if door != telemetry.DoorOpen {
			state.hasOpenSince = false
			return
		}
		now := e.clock.Now()
		if !state.hasOpenSince {
			state.openSince = now
			state.hasOpenSince = true
			return
		}
		duration := now.Sub(state.openSince)
		if duration < e.cfg.DoorOpenThreshold {
			return
		}
		alarm = alarms.Alarm{
			Type:        "Door Open Too Long",
			Severity:    alarms.SeverityMajor,
			TimestampMs: tsMs,
			Details: map[string]any{
				"duration_sec": int(duration / time.Second),
				"floor":        floor,
			},
		}
		fired = true
		state.hasOpenSince = false
		e.logger.Printf("alarms: door open %.1fs on %s, firing", duration.Seconds(), deviceKey)
	})
	return alarm, fired
}

// floorMismatch reports whether the height deviates from the reported
// floor's boundary beyond tolerance. A malformed or short layout counts as
// a mismatch only when the index is out of range.
func (e *Evaluator) floorMismatch(heightMm float64, reportedIndex int, boundaries []float64) bool {
	if reportedIndex < 0 {
		return false
	}
	if reportedIndex >= len(boundaries) {
		return true
	}
	return abs(heightMm-boundaries[reportedIndex]) > e.cfg.FloorToleranceMm
}

func (e *Evaluator) doorEffective(deviceKey string, door telemetry.Door) telemetry.Door {
	if door != telemetry.DoorUnknown {
		return door
	}
	effective := telemetry.DoorClosed
	e.doors.Do(deviceKey, func(state *doorState) {
		if state.lastKnown != telemetry.DoorUnknown {
			effective = state.lastKnown
		}
	})
	return effective
}

func (e *Evaluator) deliver(ctx context.Context, account string, alarm alarms.Alarm) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, account, alarm)
}

func titleKey(key string) string {
	if key == "" {
		return key
	}
	if key[0] >= 'a' && key[0] <= 'z' {
		return string(key[0]-'a'+'A') + key[1:]
	}
	return key
}

func abs(value float64) float64 {
	if value < 0 {
		return -value
	}
	return value
}
