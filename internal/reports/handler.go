package reports

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"lift-monitor-cloud/internal/auth"
	"lift-monitor-cloud/internal/observability/metrics"
	"lift-monitor-cloud/internal/tbclient"
)

// SeriesSource resolves devices and reads their historical telemetry.
type SeriesSource interface {
	LookupDeviceID(ctx context.Context, account, deviceName string) (string, error)
	ReadTimeSeries(ctx context.Context, account, deviceID string, keys []string, startMs, endMs int64) (map[string][]tbclient.Point, error)
}

// Handler serves telemetry report exports.
type Handler struct {
	source         SeriesSource
	defaultAccount string
	logger         *log.Logger
}

// NewHandler constructs the report handler.
func NewHandler(source SeriesSource, defaultAccount string, logger *log.Logger) (*Handler, error) {
	if source == nil {
		return nil, errors.New("reports: nil series source")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{source: source, defaultAccount: defaultAccount, logger: logger}, nil
}

// ServeHTTP renders the export named by the path suffix. Query params:
// device (required), start, end (epoch ms/sec, yyyy-mm-dd or RFC3339;
// default last 24h), keys (CSV, default all known keys).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format := ""
	switch {
	case strings.HasSuffix(r.URL.Path, ".xlsx"):
		format = "xlsx"
	case strings.HasSuffix(r.URL.Path, ".pdf"):
		format = "pdf"
	default:
		http.Error(w, "unknown report format", http.StatusNotFound)
		return
	}

	deviceName := strings.TrimSpace(r.URL.Query().Get("device"))
	if deviceName == "" {
		http.Error(w, "missing device", http.StatusBadRequest)
		return
	}
	account := strings.TrimSpace(r.Header.Get("X-Account-ID"))
	if account == "" {
		account = auth.AccountFromContext(r.Context())
	}
	if account == "" {
		account = h.defaultAccount
	}
	if account == "" {
		http.Error(w, "missing account", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	endMs, err := parseWindowTs(r.URL.Query().Get("end"), now.UnixMilli())
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}
	startMs, err := parseWindowTs(r.URL.Query().Get("start"), endMs-24*time.Hour.Milliseconds())
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	if startMs >= endMs {
		http.Error(w, "start must precede end", http.StatusBadRequest)
		return
	}
	keys := FilterKeys(splitCSV(r.URL.Query().Get("keys")))
	if len(keys) == 0 {
		http.Error(w, "no known keys requested", http.StatusBadRequest)
		return
	}

	report, err := h.fetch(r.Context(), account, deviceName, keys, startMs, endMs)
	if err != nil {
		status := http.StatusBadGateway
		if tbclient.ErrNotFound(err) {
			status = http.StatusNotFound
		}
		h.logger.Printf("reports: fetch failed for %s/%s: %v", account, deviceName, err)
		metrics.IncReportExport(format, metrics.ResultError)
		http.Error(w, "report fetch failed", status)
		return
	}

	var payload []byte
	var contentType string
	switch format {
	case "xlsx":
		payload, err = BuildTelemetryXLSX(report)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		payload, err = BuildTelemetryPDF(report)
		contentType = "application/pdf"
	}
	if err != nil {
		h.logger.Printf("reports: render failed for %s/%s: %v", account, deviceName, err)
		metrics.IncReportExport(format, metrics.ResultError)
		http.Error(w, "report render failed", http.StatusInternalServerError)
		return
	}

	metrics.IncReportExport(format, metrics.ResultSuccess)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "telemetry-"+deviceName+"."+format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) fetch(ctx context.Context, account, deviceName string, keys []string, startMs, endMs int64) (Report, error) {
	deviceID, err := h.source.LookupDeviceID(ctx, account, deviceName)
	if err != nil {
		return Report{}, err
	}
	series, err := h.source.ReadTimeSeries(ctx, account, deviceID, keys, startMs, endMs)
	if err != nil {
		return Report{}, err
	}

	byTs := make(map[int64]map[string]string)
	for key, points := range series {
		for _, point := range points {
			row, ok := byTs[point.TsMs]
			if !ok {
				row = make(map[string]string, len(keys))
				byTs[point.TsMs] = row
			}
			row[key] = point.Value
		}
	}
	stamps := make([]int64, 0, len(byTs))
	for ts := range byTs {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, k int) bool { return stamps[i] < stamps[k] })

	rows := make([]Row, 0, len(stamps))
	for _, ts := range stamps {
		rows = append(rows, Row{TsMs: ts, Values: byTs[ts]})
	}
	return Report{
		Account:    account,
		DeviceName: deviceName,
		StartMs:    startMs,
		EndMs:      endMs,
		Keys:       keys,
		Rows:       rows,
	}, nil
}

// parseWindowTs accepts epoch milliseconds, epoch seconds, yyyy-mm-dd,
// dd/mm/yyyy and RFC3339. Empty input takes the fallback.
func parseWindowTs(raw string, fallback int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if epoch < 10_000_000_000 {
			epoch *= 1000
		}
		return epoch, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "02/01/2006"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("reports: unparseable timestamp %q", raw)
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			kept = append(kept, part)
		}
	}
	return kept
}
