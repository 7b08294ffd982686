package telemetry

import "math"

// Sample is one inbound telemetry observation on the alarm path.
// Optional numeric fields use pointers so absent and zero stay distinct.
type Sample struct {
	DeviceName        string   `json:"deviceName"`
	Floor             string   `json:"floor"`
	Timestamp         string   `json:"timestamp"`
	HeightMm          *float64 `json:"height"`
	CurrentFloorIndex *int     `json:"current_floor_index"`
	DoorOpen          *bool    `json:"door_open"`
	LiftStatus        string   `json:"lift_status"`
	Temperature       *float64 `json:"temperature"`
	Humidity          *float64 `json:"humidity"`
	XVibe             *float64 `json:"x_vibe"`
	YVibe             *float64 `json:"y_vibe"`
	ZVibe             *float64 `json:"z_vibe"`
	XJerk             *float64 `json:"x_jerk"`
	YJerk             *float64 `json:"y_jerk"`
	ZJerk             *float64 `json:"z_jerk"`
	SoundDb           *float64 `json:"sound_db"`
}

// Door returns the sample's tri-state door reading.
func (s Sample) Door() Door {
	if s.DoorOpen == nil {
		return DoorUnknown
	}
	if *s.DoorOpen {
		return DoorOpen
	}
	return DoorClosed
}

// EnvValue returns the named environmental reading, if present.
func (s Sample) EnvValue(key string) (float64, bool) {
	var ptr *float64
	switch key {
	case "temperature":
		ptr = s.Temperature
	case "humidity":
		ptr = s.Humidity
	case "x_vibe":
		ptr = s.XVibe
	case "y_vibe":
		ptr = s.YVibe
	case "z_vibe":
		ptr = s.ZVibe
	case "x_jerk":
		ptr = s.XJerk
	case "y_jerk":
		ptr = s.YJerk
	case "z_jerk":
		ptr = s.ZJerk
	case "sound_db":
		ptr = s.SoundDb
	}
	if ptr == nil {
		return 0, false
	}
	return *ptr, true
}

// PackSummary is the (floor, height, door) triple extracted from a stored
// packed sample. Height is NaN when the pack carries no usable reading.
type PackSummary struct {
	Floor    string
	HeightMm float64
	Door     Door
}

// ExtractPackSummary pulls the floor label, height and door state out of a
// packed value that may be JSON or the k=v|k=v form.
func ExtractPackSummary(raw string) PackSummary {
	summary := PackSummary{HeightMm: math.NaN()}
	if raw == "" {
		return summary
	}
	fields := DecodePack(raw)
	summary.Floor = PackFloorLabel(fields)
	if height, ok := PackFloat(fields, "height_mm", "height", "height_raw", "h"); ok {
		summary.HeightMm = height
	}
	summary.Door = PackDoor(fields)
	return summary
}
