package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "lift_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	sampleRequests *prometheus.CounterVec
	sampleErrors   *prometheus.CounterVec
	sampleLatency  *prometheus.HistogramVec

	alarmsTriggered *prometheus.CounterVec

	dailyJobRuns    *prometheus.CounterVec
	dailyJobLatency *prometheus.HistogramVec
	dailyJobDevices *prometheus.CounterVec

	counterFlushes *prometheus.CounterVec

	platformErrors *prometheus.CounterVec

	reportExports *prometheus.CounterVec
)

// Init registers engine metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		sampleRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sample_requests_total",
				Help: "Total webhook sample requests by path and result",
			},
			[]string{"path", "result"},
		)
		sampleErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sample_errors_total",
				Help: "Total rejected webhook samples by reason",
			},
			[]string{"reason"},
		)
		sampleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sample_latency_seconds",
				Help:    "Webhook sample processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "result"},
		)

		alarmsTriggered = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarms_triggered_total",
				Help: "Total triggered alarms by type and severity",
			},
			[]string{"type", "severity"},
		)

		dailyJobRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "daily_job_runs_total",
				Help: "Total daily window job runs by result",
			},
			[]string{"result"},
		)
		dailyJobLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "daily_job_latency_seconds",
				Help:    "Daily window job latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"result"},
		)
		dailyJobDevices = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "daily_job_devices_total",
				Help: "Total devices handled by the daily window job by outcome",
			},
			[]string{"outcome"},
		)

		counterFlushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "counter_flushes_total",
				Help: "Total live counter flushes by result",
			},
			[]string{"result"},
		)

		platformErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "platform_errors_total",
				Help: "Total platform REST call failures by endpoint",
			},
			[]string{"endpoint"},
		)

		reportExports = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_exports_total",
				Help: "Total report exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			sampleRequests,
			sampleErrors,
			sampleLatency,
			alarmsTriggered,
			dailyJobRuns,
			dailyJobLatency,
			dailyJobDevices,
			counterFlushes,
			platformErrors,
			reportExports,
		)
	})
}

// ObserveSample records webhook request duration and result.
func ObserveSample(path, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if sampleRequests != nil {
		sampleRequests.WithLabelValues(path, result).Inc()
	}
	if sampleLatency != nil {
		sampleLatency.WithLabelValues(path, result).Observe(duration.Seconds())
	}
}

// IncSampleError increments the rejected-sample counter.
func IncSampleError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if sampleErrors != nil {
		sampleErrors.WithLabelValues(reason).Inc()
	}
}

// IncAlarmTriggered increments the triggered alarm counter.
func IncAlarmTriggered(alarmType, severity string) {
	if alarmsTriggered != nil {
		alarmsTriggered.WithLabelValues(alarmType, severity).Inc()
	}
}

// ObserveDailyJob records daily job duration and result.
func ObserveDailyJob(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if dailyJobRuns != nil {
		dailyJobRuns.WithLabelValues(result).Inc()
	}
	if dailyJobLatency != nil {
		dailyJobLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDailyJobDevice counts one device outcome in the daily job.
func IncDailyJobDevice(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if dailyJobDevices != nil {
		dailyJobDevices.WithLabelValues(outcome).Inc()
	}
}

// IncCounterFlush increments the live counter flush counter.
func IncCounterFlush(result string) {
	if result == "" {
		result = resultSuccess
	}
	if counterFlushes != nil {
		counterFlushes.WithLabelValues(result).Inc()
	}
}

// IncPlatformError counts a failed platform REST call.
func IncPlatformError(endpoint string) {
	if endpoint == "" {
		endpoint = "unknown"
	}
	if platformErrors != nil {
		platformErrors.WithLabelValues(endpoint).Inc()
	}
}

// IncReportExport counts one report export.
func IncReportExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if reportExports != nil {
		reportExports.WithLabelValues(format, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
