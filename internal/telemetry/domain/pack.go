package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// PackVersion is the schema version written first in encoded packs.
const PackVersion = 1

// DecodePack parses a packed telemetry string into a key/value map.
// JSON objects are tried first; anything that fails JSON parsing is
// treated as the k=v|k=v wire form. Unknown keys are preserved.
func DecodePack(raw string) map[string]string {
	fields := make(map[string]string)
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fields
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		for key, value := range obj {
			fields[key] = stringifyPackValue(value)
		}
		return fields
	}

	for _, part := range strings.Split(trimmed, "|") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		fields[key] = value
	}
	return fields
}

// PackField is one ordered key/value pair for encoding.
type PackField struct {
	Key   string
	Value any
}

// EncodePack renders fields in the k=v|k=v wire form, version field first,
// preserving insertion order. Nil values encode as empty strings.
func EncodePack(fields []PackField) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, "v="+strconv.Itoa(PackVersion))
	for _, field := range fields {
		parts = append(parts, field.Key+"="+stringifyPackValue(field.Value))
	}
	return strings.Join(parts, "|")
}

func stringifyPackValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// PackFloat returns the first key that coerces to a finite float.
// A value that fails coercion counts as missing rather than an error.
func PackFloat(fields map[string]string, keys ...string) (float64, bool) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || raw == "" {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		return value, true
	}
	return 0, false
}

// PackInt returns the first key that coerces to an integer.
func PackInt(fields map[string]string, keys ...string) (int, bool) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || raw == "" {
			continue
		}
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

// Door is the tri-state door reading carried by samples.
type Door int

const (
	DoorUnknown Door = iota
	DoorClosed
	DoorOpen
)

// Bit renders the door state for encoded packs; unknown encodes as nil.
func (d Door) Bit() any {
	switch d {
	case DoorOpen:
		return 1
	case DoorClosed:
		return 0
	default:
		return nil
	}
}

// ParseDoor maps the many upstream door encodings onto the tri-state.
func ParseDoor(raw string) Door {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return DoorUnknown
	case "TRUE", "OPEN", "1":
		return DoorOpen
	default:
		return DoorClosed
	}
}

// PackDoor extracts the door state from a decoded pack, preferring the
// boolean door_open field over the compact door bit and the raw door_val
// label.
func PackDoor(fields map[string]string) Door {
	for _, key := range []string{"door_open", "door", "door_val"} {
		if raw, ok := fields[key]; ok && raw != "" {
			return ParseDoor(raw)
		}
	}
	return DoorUnknown
}

// PackFloorLabel extracts the floor label, if any.
func PackFloorLabel(fields map[string]string) string {
	for _, key := range []string{"current_floor_label", "floor_label", "fl"} {
		if label := fields[key]; label != "" {
			return label
		}
	}
	return ""
}

// ParseTimestampMs normalizes a timestamp that may arrive as epoch
// milliseconds, epoch seconds, or an ISO-8601 string. A zero/absent value
// falls back to the provided receipt time.
func ParseTimestampMs(raw string, receipt time.Time) int64 {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return receipt.UnixMilli()
	}
	if value, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return NormalizeEpochMs(value, receipt)
	}
	if value, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return NormalizeEpochMs(int64(value), receipt)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UnixMilli()
		}
	}
	return receipt.UnixMilli()
}

// NormalizeEpochMs interprets an epoch value as milliseconds or seconds.
func NormalizeEpochMs(value int64, receipt time.Time) int64 {
	if value <= 0 {
		return receipt.UnixMilli()
	}
	if value > 1_000_000_000_000 {
		return value
	}
	return value * 1000
}
