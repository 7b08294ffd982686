package alarms

// Severity mirrors the platform's alarm severity levels.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
)

// Alarm is one triggered alarm condition, ready for delivery to the
// platform's alarm endpoint.
type Alarm struct {
	DeviceName  string         `json:"deviceName"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Details     map[string]any `json:"details,omitempty"`
	TimestampMs int64          `json:"ts"`
}

// ScalarKeys alarm immediately and independently on every breach; no
// spatial debounce applies to them.
var ScalarKeys = []string{"humidity", "temperature"}

// BucketKeys go through the height-zone bucket debounce.
var BucketKeys = []string{"x_jerk", "y_jerk", "z_jerk", "x_vibe", "y_vibe", "z_vibe", "sound_db"}

// DefaultThresholds are the value-above-threshold breach levels per key.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"humidity":    50.0,
		"temperature": 50.0,
		"x_jerk":      5.0,
		"y_jerk":      5.0,
		"z_jerk":      15.0,
		"x_vibe":      5.0,
		"y_vibe":      5.0,
		"z_vibe":      15.0,
		"sound_db":    80.0,
	}
}
