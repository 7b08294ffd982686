package motion

import "testing"

func TestClassify_FirstObservationIsStill(t *testing.T) {
	detector := NewDetector(DefaultDeadbandMm)
	direction, status, velocity := detector.Classify("acct:lift-1", 3000)
	if direction != DirectionStill || status != StatusIdle || velocity != 0 {
		t.Fatalf("first observation: got %v/%v/%v", direction, status, velocity)
	}
}

func TestClassify_UpDownStill(t *testing.T) {
	detector := NewDetector(DefaultDeadbandMm)
	detector.Classify("acct:lift-1", 3000)

	direction, status, velocity := detector.Classify("acct:lift-1", 3100)
	if direction != DirectionUp || status != StatusMoving || velocity != 100 {
		t.Fatalf("expected up/moving/100, got %v/%v/%v", direction, status, velocity)
	}

	direction, status, _ = detector.Classify("acct:lift-1", 2900)
	if direction != DirectionDown || status != StatusMoving {
		t.Fatalf("expected down/moving, got %v/%v", direction, status)
	}

	// Within the deadband counts as still even though height changed.
	direction, status, _ = detector.Classify("acct:lift-1", 2910)
	if direction != DirectionStill || status != StatusIdle {
		t.Fatalf("expected still/idle within deadband, got %v/%v", direction, status)
	}
}

func TestClassify_DeadbandBoundary(t *testing.T) {
	detector := NewDetector(20)
	detector.Classify("acct:lift-1", 1000)

	// Exactly the deadband is not movement; just past it is.
	if direction, _, _ := detector.Classify("acct:lift-1", 1020); direction != DirectionStill {
		t.Fatalf("delta equal to deadband must be still, got %v", direction)
	}
	if direction, _, _ := detector.Classify("acct:lift-1", 1041); direction != DirectionUp {
		t.Fatalf("delta past deadband must be up, got %v", direction)
	}
}

func TestClassify_DevicesIndependent(t *testing.T) {
	detector := NewDetector(DefaultDeadbandMm)
	detector.Classify("acct:lift-1", 3000)
	direction, status, _ := detector.Classify("acct:lift-2", 9000)
	if direction != DirectionStill || status != StatusIdle {
		t.Fatalf("second device must start fresh, got %v/%v", direction, status)
	}
	if detector.Tracked() != 2 {
		t.Fatalf("expected 2 tracked devices, got %d", detector.Tracked())
	}
}
