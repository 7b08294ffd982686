package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	alarmapp "lift-monitor-cloud/internal/alarms/application"
	alarmnotify "lift-monitor-cloud/internal/alarms/notify"
	analyticsapp "lift-monitor-cloud/internal/analytics/application"
	analyticsinterfaces "lift-monitor-cloud/internal/analytics/interfaces"
	"lift-monitor-cloud/internal/audit"
	"lift-monitor-cloud/internal/auth"
	"lift-monitor-cloud/internal/config"
	"lift-monitor-cloud/internal/floors"
	"lift-monitor-cloud/internal/motion"
	"lift-monitor-cloud/internal/observability/metrics"
	"lift-monitor-cloud/internal/presence"
	"lift-monitor-cloud/internal/reports"
	"lift-monitor-cloud/internal/scheduler"
	"lift-monitor-cloud/internal/tbclient"
	thingsboard "lift-monitor-cloud/internal/telemetry/interfaces/thingsboard"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	engineCfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if len(engineCfg.Accounts) == 0 {
		logger.Fatal("TB_ACCOUNTS is required")
	}
	location := engineCfg.Location()

	metrics.Init()

	var auditRepo *audit.Repository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		auditRepo = audit.NewRepository(db)
	}

	accounts := make(map[string]tbclient.Account, len(engineCfg.Accounts))
	for name, account := range engineCfg.Accounts {
		username := account.Username
		password := account.Password
		if username == "" {
			username = cfg.TBAdminUsername
		}
		if password == "" {
			password = cfg.TBAdminPassword
		}
		accounts[name] = tbclient.Account{
			BaseURL:  account.BaseURL,
			Username: username,
			Password: password,
		}
	}
	tbClient, err := tbclient.NewClient(accounts, cfg.TBTokenTTL)
	if err != nil {
		logger.Fatalf("tb client error: %v", err)
	}
	accountNames := tbClient.Accounts()
	logger.Printf("loaded platform accounts: %v", accountNames)

	floorMeta := floors.NewCache(tbClient, time.Duration(engineCfg.Engine.FloorCacheTTLSec)*time.Second, logger)
	detector := motion.NewDetector(engineCfg.Engine.MotionDeadbandMm)
	counters := presence.NewAggregator(time.Duration(engineCfg.Engine.IdleFlushIntervalSec)*time.Second, location, logger)

	notifiers := []alarmapp.Notifier{alarmnotify.NewPlatformNotifier(tbClient, logger)}
	if engineCfg.WebhookURL != "" {
		webhook, err := alarmnotify.NewWebhookNotifier(engineCfg.WebhookURL, logger)
		if err != nil {
			logger.Fatalf("alarm webhook error: %v", err)
		}
		notifiers = append(notifiers, webhook)
	}
	if auditRepo != nil {
		notifiers = append(notifiers, alarmnotify.NewAuditNotifier(auditRepo, logger))
	}
	evaluator := alarmapp.NewEvaluator(alarmapp.Config{
		BucketZoneMm:      engineCfg.Engine.BucketZoneMm,
		BucketThreshold:   engineCfg.Engine.BucketThreshold,
		DoorOpenThreshold: time.Duration(engineCfg.Engine.DoorOpenThresholdSec) * time.Second,
		FloorToleranceMm:  engineCfg.Engine.FloorToleranceMm,
	}, logger, alarmapp.WithNotifier(alarmnotify.NewMultiNotifier(notifiers...)))

	calculatedHandler, err := thingsboard.NewCalculatedHandler(accountNames, floorMeta, detector, counters, logger)
	if err != nil {
		logger.Fatalf("calculated handler error: %v", err)
	}
	alarmHandler, err := thingsboard.NewAlarmHandler(accountNames, floorMeta, evaluator, logger)
	if err != nil {
		logger.Fatalf("alarm handler error: %v", err)
	}

	defaultAccount := ""
	if len(accountNames) == 1 {
		defaultAccount = accountNames[0]
	}
	reportHandler, err := reports.NewHandler(tbClient, defaultAccount, logger)
	if err != nil {
		logger.Fatalf("report handler error: %v", err)
	}

	series := platformSeries{client: tbClient}
	dailyJob, err := analyticsapp.NewDailyWindowJob(
		accountNames,
		series,
		series,
		series,
		time.Duration(engineCfg.Engine.DailyJobLookbackSec)*time.Second,
		location,
		logger,
		analyticsapp.WithMovementThreshold(engineCfg.Engine.MovementThresholdMm),
	)
	if err != nil {
		logger.Fatalf("daily window job error: %v", err)
	}
	jobRunHandler, err := analyticsinterfaces.NewJobRunHandler(dailyJob, logger)
	if err != nil {
		logger.Fatalf("job run handler error: %v", err)
	}
	flushDayHandler, err := analyticsinterfaces.NewFlushDayHandler(counters, tbClient, location, logger)
	if err != nil {
		logger.Fatalf("flush day handler error: %v", err)
	}

	sched := scheduler.New(logger,
		&scheduler.Job{
			Name:     "alarm-poll",
			Interval: time.Duration(engineCfg.Engine.AlarmPollIntervalSec) * time.Second,
			Run: func(ctx context.Context) {
				// Extension point for platform-side alarm polling.
			},
		},
		&scheduler.Job{
			Name:     "daily-window",
			Interval: time.Duration(engineCfg.Engine.DailyJobIntervalSec) * time.Second,
			Run: func(ctx context.Context) {
				dailyJob.RunOnce(ctx, 0)
			},
		},
	)
	sched.Start(context.Background())
	defer sched.Stop()

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/api/v1/telemetry/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/telemetry/calculated", calculatedHandler)
	mux.Handle("/api/v1/telemetry/check-alarm", alarmHandler)
	mux.Handle("/api/v1/reports/telemetry.xlsx", reportHandler)
	mux.Handle("/api/v1/reports/telemetry.pdf", reportHandler)
	mux.Handle("/api/v1/jobs/daily-window/run", jobRunHandler)
	mux.Handle("/api/v1/counters/flush-day", flushDayHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type mainConfig struct {
	DatabaseURL     string
	HTTPAddr        string
	JWTSecret       string
	TBAdminUsername string
	TBAdminPassword string
	TBTokenTTL      time.Duration
}

func loadConfig() mainConfig {
	cfg := mainConfig{
		DatabaseURL:     getenvDefault("DATABASE_URL", ""),
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:       getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		TBAdminUsername: getenvDefault("TB_ADMIN_USERNAME", ""),
		TBAdminPassword: getenvDefault("TB_ADMIN_PASSWORD", ""),
		TBTokenTTL:      getenvDuration("TB_TOKEN_TTL", time.Hour),
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s %s", r.Method, r.URL.Path, resp.status, audit.ClientIP(r), time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ---- Adapters ----

// platformSeries adapts the platform client to the batch job's narrow
// interfaces.
type platformSeries struct {
	client *tbclient.Client
}

func (p platformSeries) ListDevices(ctx context.Context, account string, page, pageSize int) ([]analyticsapp.Device, bool, error) {
	devices, hasNext, err := p.client.ListDevices(ctx, account, page, pageSize)
	if err != nil {
		return nil, false, err
	}
	converted := make([]analyticsapp.Device, 0, len(devices))
	for _, device := range devices {
		converted = append(converted, analyticsapp.Device{ID: device.ID, Name: device.Name})
	}
	return converted, hasNext, nil
}

func (p platformSeries) ReadTimeSeries(ctx context.Context, account, deviceID string, keys []string, startMs, endMs int64) (map[string][]analyticsapp.SeriesPoint, error) {
	series, err := p.client.ReadTimeSeries(ctx, account, deviceID, keys, startMs, endMs)
	if err != nil {
		return nil, err
	}
	converted := make(map[string][]analyticsapp.SeriesPoint, len(series))
	for key, points := range series {
		out := make([]analyticsapp.SeriesPoint, 0, len(points))
		for _, point := range points {
			out = append(out, analyticsapp.SeriesPoint{TsMs: point.TsMs, Value: point.Value})
		}
		converted[key] = out
	}
	return converted, nil
}

func (p platformSeries) WriteTimeSeries(ctx context.Context, account, deviceID string, values map[string]any, tsMs int64) error {
	return p.client.WriteTimeSeries(ctx, account, deviceID, values, tsMs)
}
