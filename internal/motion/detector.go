package motion

import (
	"time"

	"lift-monitor-cloud/internal/devstate"
)

// Direction is the derived travel direction.
type Direction string

// Status is the derived motion status.
type Status string

const (
	DirectionUp    Direction = "U"
	DirectionDown  Direction = "D"
	DirectionStill Direction = "S"

	StatusMoving Status = "M"
	StatusIdle   Status = "I"
)

// DefaultDeadbandMm absorbs rangefinder jitter between samples.
const DefaultDeadbandMm = 20.0

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type state struct {
	prevHeightMm float64
	seen         bool
	lastSampleMs int64
}

// Detector classifies per-device motion from consecutive height samples.
type Detector struct {
	deadbandMm float64
	clock      Clock
	states     *devstate.Registry[state]
}

// Option customizes the detector.
type Option func(*Detector)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(d *Detector) {
		d.clock = clock
	}
}

// NewDetector constructs a motion detector. A non-positive deadband falls
// back to the default.
func NewDetector(deadbandMm float64, opts ...Option) *Detector {
	if deadbandMm <= 0 {
		deadbandMm = DefaultDeadbandMm
	}
	detector := &Detector{
		deadbandMm: deadbandMm,
		clock:      systemClock{},
		states:     devstate.NewRegistry[state](),
	}
	for _, opt := range opts {
		opt(detector)
	}
	return detector
}

// Classify derives (direction, status, velocity) from the latest height.
// The first observation for a device records the baseline and reports
// (still, idle) with zero velocity. The previous height always advances to
// the latest reading; there is no smoothing beyond the deadband.
func (d *Detector) Classify(deviceKey string, heightMm float64) (Direction, Status, float64) {
	direction := DirectionStill
	status := StatusIdle
	velocity := 0.0

	d.states.Do(deviceKey, func(s *state) {
		nowMs := d.clock.Now().UnixMilli()
		if !s.seen {
			s.prevHeightMm = heightMm
			s.seen = true
			s.lastSampleMs = nowMs
			return
		}
		velocity = heightMm - s.prevHeightMm
		switch {
		case velocity > d.deadbandMm:
			direction, status = DirectionUp, StatusMoving
		case velocity < -d.deadbandMm:
			direction, status = DirectionDown, StatusMoving
		}
		s.prevHeightMm = heightMm
		s.lastSampleMs = nowMs
	})
	return direction, status, velocity
}

// Tracked reports how many devices have motion baselines.
func (d *Detector) Tracked() int {
	return d.states.Len()
}
