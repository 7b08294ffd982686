// Package thingsboard exposes the webhook endpoints called by the
// platform's rule chain: the calculated-telemetry derivation path and the
// alarm evaluation path.
package thingsboard

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	alarmapp "lift-monitor-cloud/internal/alarms/application"
	alarms "lift-monitor-cloud/internal/alarms/domain"
	"lift-monitor-cloud/internal/floors"
	"lift-monitor-cloud/internal/motion"
	"lift-monitor-cloud/internal/observability/metrics"
	"lift-monitor-cloud/internal/presence"
	telemetry "lift-monitor-cloud/internal/telemetry/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// CalculatedHandler derives floor, motion and door state from the packed
// raw telemetry and feeds the presence counters.
type CalculatedHandler struct {
	accounts  map[string]struct{}
	floorMeta *floors.Cache
	detector  *motion.Detector
	counters  *presence.Aggregator
	clock     Clock
	logger    *log.Logger
}

// NewCalculatedHandler constructs the calculated-telemetry handler.
func NewCalculatedHandler(accounts []string, floorMeta *floors.Cache, detector *motion.Detector, counters *presence.Aggregator, logger *log.Logger) (*CalculatedHandler, error) {
	if floorMeta == nil {
		return nil, errors.New("thingsboard calculated: nil floor cache")
	}
	if detector == nil {
		return nil, errors.New("thingsboard calculated: nil motion detector")
	}
	if counters == nil {
		return nil, errors.New("thingsboard calculated: nil presence aggregator")
	}
	if logger == nil {
		logger = log.Default()
	}
	set := make(map[string]struct{}, len(accounts))
	for _, account := range accounts {
		set[account] = struct{}{}
	}
	return &CalculatedHandler{
		accounts:  set,
		floorMeta: floorMeta,
		detector:  detector,
		counters:  counters,
		clock:     systemClock{},
		logger:    logger,
	}, nil
}

type calculatedRequest struct {
	DeviceName string `json:"deviceName"`
	PackRaw    string `json:"pack_raw"`
	TS         int64  `json:"ts"`
}

type calculatedValues struct {
	Height     float64 `json:"height"`
	FloorIndex int     `json:"floor_index"`
	FloorLabel string  `json:"floor_label"`
	Direction  string  `json:"direction"`
	LiftStatus string  `json:"lift_status"`
	DoorOpen   any     `json:"door_open"`
}

type calculatedResponse struct {
	Status     string           `json:"status"`
	Calculated calculatedValues `json:"calculated"`
	PackCalc   string           `json:"pack_calc"`
	TS         int64            `json:"ts"`
}

// ServeHTTP derives the calculated telemetry for one sample.
func (h *CalculatedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := h.clock.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	account, ok := h.account(r)
	if !ok {
		metrics.IncSampleError("invalid_account")
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("telemetry calculated: read body error: %v", err)
		metrics.IncSampleError("read_body")
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req calculatedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Printf("telemetry calculated: decode error: %v", err)
		metrics.IncSampleError("invalid_json")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DeviceName == "" || req.PackRaw == "" {
		metrics.IncSampleError("missing_fields")
		http.Error(w, "missing deviceName/pack_raw", http.StatusBadRequest)
		return
	}

	resp := h.derive(r, account, req)
	metrics.ObserveSample("calculated", metrics.ResultSuccess, h.clock.Now().Sub(started))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *CalculatedHandler) derive(r *http.Request, account string, req calculatedRequest) calculatedResponse {
	deviceKey := account + ":" + req.DeviceName
	parsed := telemetry.DecodePack(req.PackRaw)

	tsMs := req.TS
	if tsMs <= 0 {
		tsMs = telemetry.ParseTimestampMs(parsed["ts"], h.clock.Now())
	}
	tsSec := tsMs / 1000

	meta := h.floorMeta.Get(r.Context(), account, req.DeviceName)
	height := floors.HeightFromPack(parsed, meta.Boundaries)
	floorIndex := floors.ResolveFloor(height, meta.Boundaries)
	floorLabel := meta.Label(floorIndex)
	direction, status, _ := h.detector.Classify(deviceKey, height)
	door := telemetry.PackDoor(parsed)

	packCalc := telemetry.EncodePack([]telemetry.PackField{
		{Key: "ts", Value: tsSec},
		{Key: "h", Value: int64(math.Round(height))},
		{Key: "fi", Value: floorIndex},
		{Key: "fl", Value: floorLabel},
		{Key: "dir", Value: string(direction)},
		{Key: "st", Value: string(status)},
		{Key: "door", Value: door.Bit()},
	})

	h.counters.Update(deviceKey, presence.Observation{
		Floor:        floorLabel,
		AtHome:       meta.HasHome && floorIndex == meta.HomeFloor,
		LiftIdle:     status == motion.StatusIdle,
		Door:         door,
		TimestampSec: tsSec,
	})

	return calculatedResponse{
		Status: "ok",
		Calculated: calculatedValues{
			Height:     height,
			FloorIndex: floorIndex,
			FloorLabel: floorLabel,
			Direction:  string(direction),
			LiftStatus: string(status),
			DoorOpen:   door.Bit(),
		},
		PackCalc: packCalc,
		TS:       tsMs,
	}
}

func (h *CalculatedHandler) account(r *http.Request) (string, bool) {
	account := strings.TrimSpace(r.Header.Get("X-Account-ID"))
	if account == "" {
		return "", false
	}
	if _, ok := h.accounts[account]; !ok {
		return "", false
	}
	return account, true
}

// AlarmHandler evaluates one sample against the alarm rules.
type AlarmHandler struct {
	accounts  map[string]struct{}
	floorMeta *floors.Cache
	evaluator *alarmapp.Evaluator
	clock     Clock
	logger    *log.Logger
}

// NewAlarmHandler constructs the check-alarm handler.
func NewAlarmHandler(accounts []string, floorMeta *floors.Cache, evaluator *alarmapp.Evaluator, logger *log.Logger) (*AlarmHandler, error) {
	if floorMeta == nil {
		return nil, errors.New("thingsboard alarm: nil floor cache")
	}
	if evaluator == nil {
		return nil, errors.New("thingsboard alarm: nil evaluator")
	}
	if logger == nil {
		logger = log.Default()
	}
	set := make(map[string]struct{}, len(accounts))
	for _, account := range accounts {
		set[account] = struct{}{}
	}
	return &AlarmHandler{
		accounts:  set,
		floorMeta: floorMeta,
		evaluator: evaluator,
		clock:     systemClock{},
		logger:    logger,
	}, nil
}

type alarmResponse struct {
	Status          string         `json:"status"`
	AlarmsTriggered []alarms.Alarm `json:"alarmsTriggered"`
}

// ServeHTTP runs the alarm checks for one sample.
func (h *AlarmHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := h.clock.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	account := strings.TrimSpace(r.Header.Get("X-Account-ID"))
	if account == "" {
		metrics.IncSampleError("invalid_account")
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	if _, ok := h.accounts[account]; !ok {
		metrics.IncSampleError("invalid_account")
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("telemetry check-alarm: read body error: %v", err)
		metrics.IncSampleError("read_body")
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var sample telemetry.Sample
	if err := json.Unmarshal(body, &sample); err != nil {
		h.logger.Printf("telemetry check-alarm: decode error: %v", err)
		metrics.IncSampleError("invalid_json")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if sample.DeviceName == "" {
		metrics.IncSampleError("missing_fields")
		http.Error(w, "missing deviceName", http.StatusBadRequest)
		return
	}

	meta := h.floorMeta.Get(r.Context(), account, sample.DeviceName)
	triggered := h.evaluator.Process(r.Context(), account, sample, meta)

	metrics.ObserveSample("check_alarm", metrics.ResultSuccess, h.clock.Now().Sub(started))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alarmResponse{Status: "ok", AlarmsTriggered: triggered})
}
