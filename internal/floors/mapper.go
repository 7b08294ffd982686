package floors

import (
	telemetry "lift-monitor-cloud/internal/telemetry/domain"
)

// ResolveFloor maps a height in millimeters to a floor index using ordered
// boundary heights. Boundaries define half-open intervals
// [boundaries[i], boundaries[i+1]) -> index i; heights outside the span
// clamp to the nearest valid index.
func ResolveFloor(heightMm float64, boundaries []float64) int {
	if len(boundaries) < 2 {
		return 0
	}
	if heightMm < boundaries[0] {
		return 0
	}
	for i := 0; i < len(boundaries)-1; i++ {
		if boundaries[i] <= heightMm && heightMm < boundaries[i+1] {
			return i
		}
	}
	return len(boundaries) - 2
}

// HeightFromPack picks the car height out of a decoded pack. Priority:
// explicit height, inverted rangefinder reading (maxBoundary - laser_val),
// raw height fallback, then zero.
func HeightFromPack(fields map[string]string, boundaries []float64) float64 {
	if height, ok := telemetry.PackFloat(fields, "h", "height_mm", "height"); ok {
		return height
	}
	if laser, ok := telemetry.PackFloat(fields, "laser_val"); ok && len(boundaries) > 0 {
		height := boundaries[len(boundaries)-1] - laser
		if height < 0 {
			height = 0
		}
		return height
	}
	if raw, ok := telemetry.PackFloat(fields, "height_raw"); ok {
		return raw
	}
	return 0
}
