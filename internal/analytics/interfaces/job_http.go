// Package interfaces exposes the batch analytics HTTP triggers.
package interfaces

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"lift-monitor-cloud/internal/analytics/application"
	"lift-monitor-cloud/internal/presence"
)

// JobRunHandler triggers the daily window job on demand.
type JobRunHandler struct {
	job    *application.DailyWindowJob
	logger *log.Logger
}

// NewJobRunHandler constructs the handler.
func NewJobRunHandler(job *application.DailyWindowJob, logger *log.Logger) (*JobRunHandler, error) {
	if job == nil {
		return nil, errors.New("job run handler: nil job")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &JobRunHandler{job: job, logger: logger}, nil
}

// ServeHTTP runs the job once. The optional body {"nowMs": ...} pins the
// window end for replays.
func (h *JobRunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req jobRunRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("job run: read body error: %v", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.logger.Printf("job run: decode error: %v", err)
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	summary := h.job.RunOnce(r.Context(), req.NowMs)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"devices":  summary.Devices,
		"computed": summary.Computed,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"elapsed":  summary.Elapsed.String(),
	})
}

type jobRunRequest struct {
	NowMs int64 `json:"nowMs"`
}

// FlushDayHandler pushes the live per-day counters to the platform.
type FlushDayHandler struct {
	counters *presence.Aggregator
	writer   presence.SeriesWriter
	location *time.Location
	logger   *log.Logger
}

// NewFlushDayHandler constructs the handler. A nil location means UTC.
func NewFlushDayHandler(counters *presence.Aggregator, writer presence.SeriesWriter, location *time.Location, logger *log.Logger) (*FlushDayHandler, error) {
	if counters == nil {
		return nil, errors.New("flush day handler: nil aggregator")
	}
	if writer == nil {
		return nil, errors.New("flush day handler: nil series writer")
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FlushDayHandler{counters: counters, writer: writer, location: location, logger: logger}, nil
}

// ServeHTTP flushes one day's counters. The optional body {"date":
// "2006-01-02"} selects the day; default is yesterday in the configured
// timezone.
func (h *FlushDayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req flushDayRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("flush day: read body error: %v", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.logger.Printf("flush day: decode error: %v", err)
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	now := time.Now().In(h.location)
	date := req.Date
	if date == "" {
		date = now.AddDate(0, 0, -1).Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	flushed := h.counters.FlushDay(r.Context(), date, h.writer, now.UnixMilli())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"date":    date,
		"flushed": flushed,
	})
}

type flushDayRequest struct {
	Date string `json:"date"`
}
