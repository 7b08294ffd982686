// Package presence accumulates per-device idle and door-usage counters
// from the live derived-telemetry stream.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"lift-monitor-cloud/internal/devstate"
	"lift-monitor-cloud/internal/observability/metrics"
	telemetry "lift-monitor-cloud/internal/telemetry/domain"
)

// SeriesWriter persists flushed counters to the platform's time series.
type SeriesWriter interface {
	WriteDeviceTimeSeries(ctx context.Context, account, deviceName string, values map[string]any, tsMs int64) error
}

// Observation is one derived sample fed into the aggregator.
type Observation struct {
	Floor        string
	AtHome       bool
	LiftIdle     bool
	Door         telemetry.Door
	TimestampSec int64
}

// Snapshot is the counter state returned after each update. The per-floor
// idle map is heavy and only populated once per flush interval per device;
// scalar counters are always present.
type Snapshot struct {
	TotalIdleHomeSec int64            `json:"total_idle_home_sec"`
	TotalIdleAwaySec int64            `json:"total_idle_away_sec"`
	FloorDoorOpens   map[string]int64 `json:"floor_door_opens"`
	FloorDoorOpenSec map[string]int64 `json:"floor_door_open_sec"`
	FloorIdleSec     map[string]int64 `json:"floor_idle_sec,omitempty"`
	Replayed         bool             `json:"-"`
}

type streakClass int

const (
	classNone streakClass = iota
	classHome
	classAway
)

type counters struct {
	lastTSSec int64
	prevClass streakClass
	prevIdle  bool
	prevFloor string
	lastDoor  telemetry.Door

	doorOpen      bool
	doorOpenAtSec int64
	doorOpenFloor string

	totalIdleHomeSec int64
	totalIdleAwaySec int64
	doorOpenCount    map[string]int64
	doorOpenDurSec   map[string]int64
	idlePerFloorSec  map[string]int64

	lastHeavyFlushSec int64

	dayDoor   map[string]map[string]int64
	dayIdleMs map[string]map[string]int64
}

// Aggregator keeps live idle/presence counters per device.
type Aggregator struct {
	flushInterval time.Duration
	location      *time.Location
	logger        *log.Logger
	states        *devstate.Registry[counters]
}

// NewAggregator constructs an aggregator. The location buckets per-day
// counters; nil means UTC. A non-positive flush interval takes the 6h
// default.
func NewAggregator(flushInterval time.Duration, location *time.Location, logger *log.Logger) *Aggregator {
	if flushInterval <= 0 {
		flushInterval = 21600 * time.Second
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		flushInterval: flushInterval,
		location:      location,
		logger:        logger,
		states:        devstate.NewRegistry[counters](),
	}
}

// Update folds one observation into the device's counters and returns the
// current snapshot.
//
// Idle means "lift status idle OR door open". Two mutually exclusive
// streaks (idle at the home floor, idle away from it) accumulate the gap
// between consecutive same-state observations; switching floors or going
// non-idle breaks the streak, so a streak with a single observation
// contributes nothing. Door-open counts increment on the closed-to-open
// edge only; door-open durations close when the door is next observed
// closed. Observations at or before the last seen timestamp are replay
// no-ops for every incremental counter.
func (a *Aggregator) Update(deviceKey string, obs Observation) Snapshot {
	var snapshot Snapshot
	a.states.Do(deviceKey, func(c *counters) {
		if c.doorOpenCount == nil {
			c.doorOpenCount = make(map[string]int64)
			c.doorOpenDurSec = make(map[string]int64)
			c.idlePerFloorSec = make(map[string]int64)
			c.dayDoor = make(map[string]map[string]int64)
			c.dayIdleMs = make(map[string]map[string]int64)
		}

		door := obs.Door
		if door == telemetry.DoorUnknown {
			door = c.lastDoor
		}
		idle := obs.LiftIdle || door == telemetry.DoorOpen
		floor := obs.Floor
		if floor == "" {
			floor = c.prevFloor
		}
		if floor == "" {
			floor = "UNKNOWN"
		}

		if c.lastTSSec > 0 && obs.TimestampSec <= c.lastTSSec {
			snapshot = c.snapshot(false)
			snapshot.Replayed = true
			return
		}

		var delta int64
		if c.lastTSSec > 0 {
			delta = obs.TimestampSec - c.lastTSSec
		}
		sameFloor := c.prevFloor != "" && floor == c.prevFloor
		date := a.dateString(obs.TimestampSec)

		class := classNone
		if idle {
			if obs.AtHome {
				class = classHome
			} else {
				class = classAway
			}
		}

		if delta > 0 && class != classNone && class == c.prevClass && sameFloor {
			if class == classHome {
				c.totalIdleHomeSec += delta
			} else {
				c.totalIdleAwaySec += delta
			}
		}
		if delta > 0 && idle && c.prevIdle && sameFloor {
			c.idlePerFloorSec[floor] += delta
			addDay(c.dayIdleMs, date, floor, delta*1000)
		}

		if c.lastDoor == telemetry.DoorClosed && door == telemetry.DoorOpen {
			c.doorOpenCount[floor]++
			addDay(c.dayDoor, date, floor, 1)
			c.doorOpen = true
			c.doorOpenAtSec = obs.TimestampSec
			c.doorOpenFloor = floor
		}
		if c.doorOpen && door == telemetry.DoorClosed {
			if dur := obs.TimestampSec - c.doorOpenAtSec; dur > 0 {
				c.doorOpenDurSec[c.doorOpenFloor] += dur
			}
			c.doorOpen = false
		}

		c.prevClass = class
		c.prevIdle = idle
		c.prevFloor = floor
		if door != telemetry.DoorUnknown {
			c.lastDoor = door
		}
		c.lastTSSec = obs.TimestampSec

		heavy := false
		if obs.TimestampSec-c.lastHeavyFlushSec >= int64(a.flushInterval/time.Second) {
			heavy = true
			c.lastHeavyFlushSec = obs.TimestampSec
		}
		snapshot = c.snapshot(heavy)
	})
	return snapshot
}

// FlushDay pushes aggregated per-day counters for the given date to the
// platform for every device seen that day, clearing them on success.
// Returns the number of devices flushed.
func (a *Aggregator) FlushDay(ctx context.Context, dateStr string, writer SeriesWriter, nowMs int64) int {
	if writer == nil {
		return 0
	}
	flushed := 0
	writeTS := nowMs - 1
	for _, key := range a.states.Keys() {
		account, deviceName, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		var doorCounts, idleSec map[string]int64
		a.states.Do(key, func(c *counters) {
			if day, ok := c.dayDoor[dateStr]; ok && len(day) > 0 {
				doorCounts = copyCounts(day)
			}
			if day, ok := c.dayIdleMs[dateStr]; ok && len(day) > 0 {
				idleSec = make(map[string]int64, len(day))
				for floor, ms := range day {
					idleSec[floor] = (ms + 500) / 1000
				}
			}
		})
		if len(doorCounts) == 0 && len(idleSec) == 0 {
			continue
		}

		summary, _ := json.Marshal(map[string]any{"date": dateStr, "door_opens": doorCounts, "idle_sec": idleSec})
		values := map[string]any{
			"daily_floor_door_opens": doorCounts,
			"daily_floor_idle_sec":   idleSec,
			"daily_floor_summary":    json.RawMessage(summary),
		}
		if err := writer.WriteDeviceTimeSeries(ctx, account, deviceName, values, writeTS); err != nil {
			a.logger.Printf("presence: day flush failed for %s: %v", key, err)
			metrics.IncCounterFlush(metrics.ResultError)
			continue
		}
		a.states.Do(key, func(c *counters) {
			delete(c.dayDoor, dateStr)
			delete(c.dayIdleMs, dateStr)
		})
		metrics.IncCounterFlush(metrics.ResultSuccess)
		flushed++
	}
	a.logger.Printf("presence: flushed %d device(s) for %s", flushed, dateStr)
	return flushed
}

// Tracked reports how many devices carry live counters.
func (a *Aggregator) Tracked() int {
	return a.states.Len()
}

func (a *Aggregator) dateString(tsSec int64) string {
	return time.Unix(tsSec, 0).In(a.location).Format("2006-01-02")
}

func (c *counters) snapshot(includeHeavy bool) Snapshot {
	snapshot := Snapshot{
		TotalIdleHomeSec: c.totalIdleHomeSec,
		TotalIdleAwaySec: c.totalIdleAwaySec,
		FloorDoorOpens:   copyCounts(c.doorOpenCount),
		FloorDoorOpenSec: copyCounts(c.doorOpenDurSec),
	}
	if includeHeavy {
		snapshot.FloorIdleSec = copyCounts(c.idlePerFloorSec)
	}
	return snapshot
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func addDay(days map[string]map[string]int64, date, floor string, delta int64) {
	day, ok := days[date]
	if !ok {
		day = make(map[string]int64)
		days[date] = day
	}
	day[floor] += delta
}
