package application

import (
	"context"
	"sync"
	"testing"
	"time"

	alarms "lift-monitor-cloud/internal/alarms/domain"
	"lift-monitor-cloud/internal/floors"
	telemetry "lift-monitor-cloud/internal/telemetry/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alarms []alarms.Alarm
}

func (n *recordingNotifier) Notify(ctx context.Context, account string, alarm alarms.Alarm) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alarms = append(n.alarms, alarm)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alarms)
}

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }
func bptr(v bool) *bool      { return &v }

func newTestEvaluator(t *testing.T, clock *fakeClock) (*Evaluator, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	evaluator := NewEvaluator(Config{}, nil, WithClock(clock), WithNotifier(notifier))
	return evaluator, notifier
}

func TestProcess_ScalarBreachFiresEveryTime(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, notifier := newTestEvaluator(t, clock)

	sample := telemetry.Sample{DeviceName: "lift-1", Humidity: f64(60)}
	for i := 0; i < 3; i++ {
		triggered := evaluator.Process(context.Background(), "acct", sample, floors.DefaultMetadata())
		if len(triggered) != 1 {
			t.Fatalf("run %d: expected 1 alarm, got %d", i, len(triggered))
		}
		if triggered[0].Type != "Humidity Alarm" || triggered[0].Severity != alarms.SeverityWarning {
			t.Fatalf("unexpected alarm: %+v", triggered[0])
		}
	}
	if notifier.count() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", notifier.count())
	}
}

func TestProcess_ScalarAtThresholdDoesNotFire(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, _ := newTestEvaluator(t, clock)

	sample := telemetry.Sample{DeviceName: "lift-1", Temperature: f64(50)}
	if triggered := evaluator.Process(context.Background(), "acct", sample, floors.DefaultMetadata()); len(triggered) != 0 {
		t.Fatalf("boundary value must not fire, got %v", triggered)
	}
}

func TestProcess_BucketDebounce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, _ := newTestEvaluator(t, clock)

	breach := func(height float64) []alarms.Alarm {
		sample := telemetry.Sample{DeviceName: "lift-1", XJerk: f64(7), HeightMm: f64(height)}
		return evaluator.Process(context.Background(), "acct", sample, floors.DefaultMetadata())
	}

	// Two breaches within the zone accumulate without firing.
	if got := breach(3000); len(got) != 0 {
		t.Fatalf("first breach fired: %v", got)
	}
	if got := breach(3040); len(got) != 0 {
		t.Fatalf("second breach fired: %v", got)
	}
	// The third within the zone fires once and consumes the bucket.
	got := breach(2980)
	if len(got) != 1 {
		t.Fatalf("expected 1 alarm on third breach, got %d", len(got))
	}
	if got[0].Type != "x_jerk Alarm" || got[0].Severity != alarms.SeverityMinor {
		t.Fatalf("unexpected alarm: %+v", got[0])
	}
	if _, ok := got[0].Details["height_zone"]; !ok {
		t.Fatalf("missing height_zone detail: %v", got[0].Details)
	}
	// Consumed: the count must re-accumulate before the next fire.
	if got := breach(3000); len(got) != 0 {
		t.Fatalf("bucket not consumed after fire: %v", got)
	}
}

func TestProcess_BucketOutsideZoneOpensNewBucket(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, _ := newTestEvaluator(t, clock)

	breach := func(height float64) []alarms.Alarm {
		sample := telemetry.Sample{DeviceName: "lift-1", YVibe: f64(9), HeightMm: f64(height)}
		return evaluator.Process(context.Background(), "acct", sample, floors.DefaultMetadata())
	}

	breach(3000)
	breach(3000)
	// Far away: opens a second bucket instead of feeding the first.
	if got := breach(9000); len(got) != 0 {
		t.Fatalf("distant breach must open a new bucket, got %v", got)
	}
	// Back at the first location: third hit fires.
	if got := breach(3000); len(got) != 1 {
		t.Fatalf("expected fire at original bucket, got %d", len(got))
	}
}

func TestProcess_BucketSkippedWithoutHeight(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, _ := newTestEvaluator(t, clock)

	sample := telemetry.Sample{DeviceName: "lift-1", ZVibe: f64(99)}
	for i := 0; i < 5; i++ {
		if got := evaluator.Process(context.Background(), "acct", sample, floors.DefaultMetadata()); len(got) != 0 {
			t.Fatalf("bucketed key without height must not fire, got %v", got)
		}
	}
}

func TestUpdateDoor_FiresAtThresholdAndRefires(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, _ := newTestEvaluator(t, clock)

	if _, fired := evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0); fired {
		t.Fatal("open transition must not fire immediately")
	}
	clock.Add(10 * time.Second)
	if _, fired := evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0); fired {
		t.Fatal("below threshold must not fire")
	}
	clock.Add(6 * time.Second)
	alarm, fired := evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0)
	if !fired {
		t.Fatal("expected fire past threshold")
	}
	if alarm.Type != "Door Open Too Long" || alarm.Severity != alarms.SeverityMajor {
		t.Fatalf("unexpected alarm: %+v", alarm)
	}
	if alarm.Details["duration_sec"].(int) < 15 {
		t.Fatalf("unexpected duration: %v", alarm.Details["duration_sec"])
	}

	// Marker reset: a sustained open re-fires after another threshold.
	clock.Add(time.Second)
	if _, fired := evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0); fired {
		t.Fatal("must not re-fire immediately after reset")
	}
	clock.Add(16 * time.Second)
	if _, fired := evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0); !fired {
		t.Fatal("sustained open must re-fire at threshold intervals")
	}
}

func TestUpdateDoor_CloseClearsMarker(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, _ := newTestEvaluator(t, clock)

	evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0)
	clock.Add(10 * time.Second)
	evaluator.UpdateDoor("acct:lift-1", telemetry.DoorClosed, "G", 0)
	clock.Add(10 * time.Second)
	// Re-open starts a fresh session; 10s elapsed on the old one is gone.
	if _, fired := evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0); fired {
		t.Fatal("fresh open after close must not fire")
	}
	clock.Add(10 * time.Second)
	if _, fired := evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0); fired {
		t.Fatal("10s into fresh session must not fire")
	}
}

func TestUpdateDoor_UnknownPreservesLastKnown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, _ := newTestEvaluator(t, clock)

	evaluator.UpdateDoor("acct:lift-1", telemetry.DoorOpen, "G", 0)
	clock.Add(16 * time.Second)
	// Unknown reading while the session runs behaves as still-open.
	if _, fired := evaluator.UpdateDoor("acct:lift-1", telemetry.DoorUnknown, "G", 0); !fired {
		t.Fatal("unknown reading must preserve the open session")
	}
}

func TestProcess_FloorMismatch(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	evaluator, _ := newTestEvaluator(t, clock)
	meta := floors.DefaultMetadata()

	// Door closed: no mismatch check even with a bad index.
	sample := telemetry.Sample{
		DeviceName:        "lift-1",
		HeightMm:          f64(6000),
		CurrentFloorIndex: iptr(0),
		DoorOpen:          bptr(false),
	}
	if got := evaluator.Process(context.Background(), "acct", sample, meta); len(got) != 0 {
		t.Fatalf("closed door must suppress mismatch, got %v", got)
	}

	// Door open with height far from the reported floor's boundary.
	sample.DoorOpen = bptr(true)
	got := evaluator.Process(context.Background(), "acct", sample, meta)
	if len(got) != 1 || got[0].Type != "Floor Mismatch Alarm" || got[0].Severity != alarms.SeverityCritical {
		t.Fatalf("expected critical mismatch, got %v", got)
	}

	// Height within tolerance of the reported boundary: no alarm.
	sample = telemetry.Sample{
		DeviceName:        "lift-2",
		HeightMm:          f64(6005),
		CurrentFloorIndex: iptr(2),
		DoorOpen:          bptr(true),
	}
	if got := evaluator.Process(context.Background(), "acct", sample, meta); len(got) != 0 {
		t.Fatalf("within tolerance must not fire, got %v", got)
	}

	// Index past the layout counts as a mismatch.
	sample = telemetry.Sample{
		DeviceName:        "lift-3",
		HeightMm:          f64(6000),
		CurrentFloorIndex: iptr(99),
		DoorOpen:          bptr(true),
	}
	got = evaluator.Process(context.Background(), "acct", sample, meta)
	if len(got) != 1 || got[0].Type != "Floor Mismatch Alarm" {
		t.Fatalf("out-of-range index must fire, got %v", got)
	}
}
