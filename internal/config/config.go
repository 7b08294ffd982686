// Package config loads the engine tuning knobs from environment variables
// with an optional YAML override file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AccountConfig holds one platform account's endpoint and credentials.
type AccountConfig struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Engine holds the derivation and alarm tuning knobs.
type Engine struct {
	AlarmPollIntervalSec int     `yaml:"alarm_poll_interval_sec"`
	DailyJobIntervalSec  int     `yaml:"daily_job_interval_sec"`
	DailyJobLookbackSec  int     `yaml:"daily_job_lookback_sec"`
	MovementThresholdMm  float64 `yaml:"movement_threshold_mm"`
	BucketZoneMm         float64 `yaml:"bucket_zone_mm"`
	BucketThreshold      int     `yaml:"bucket_threshold"`
	DoorOpenThresholdSec int     `yaml:"door_open_threshold_sec"`
	IdleFlushIntervalSec int     `yaml:"idle_flush_interval_sec"`
	MotionDeadbandMm     float64 `yaml:"motion_deadband_mm"`
	FloorToleranceMm     float64 `yaml:"floor_tolerance_mm"`
	FloorCacheTTLSec     int     `yaml:"floor_cache_ttl_sec"`
	Timezone             string  `yaml:"timezone"`
}

// Config is the full service configuration.
type Config struct {
	Engine     Engine                   `yaml:"engine"`
	Accounts   map[string]AccountConfig `yaml:"accounts"`
	WebhookURL string                   `yaml:"webhook_url"`
}

// Load builds the configuration from environment defaults, then applies
// the YAML file named by LM_CONFIG when set.
func Load() (Config, error) {
	cfg := Config{
		Engine: Engine{
			AlarmPollIntervalSec: getenvIntDefault("LM_ALARM_POLL_INTERVAL", 30),
			DailyJobIntervalSec:  getenvIntDefault("LM_DAILY_JOB_INTERVAL", 86400),
			DailyJobLookbackSec:  getenvIntDefault("LM_DAILY_JOB_LOOKBACK", 86400),
			MovementThresholdMm:  getenvFloatDefault("LM_MOVEMENT_THRESHOLD_MM", 50),
			BucketZoneMm:         getenvFloatDefault("LM_BUCKET_ZONE_MM", 50),
			BucketThreshold:      getenvIntDefault("LM_BUCKET_THRESHOLD", 3),
			DoorOpenThresholdSec: getenvIntDefault("LM_DOOR_OPEN_THRESHOLD_SEC", 15),
			IdleFlushIntervalSec: getenvIntDefault("LM_IDLE_FLUSH_INTERVAL_SEC", 21600),
			MotionDeadbandMm:     getenvFloatDefault("LM_MOTION_DEADBAND_MM", 20),
			FloorToleranceMm:     getenvFloatDefault("LM_FLOOR_TOLERANCE_MM", 10),
			FloorCacheTTLSec:     getenvIntDefault("LM_FLOOR_CACHE_TTL_SEC", 300),
			Timezone:             os.Getenv("LM_TZ"),
		},
		WebhookURL: os.Getenv("LM_ALARM_WEBHOOK_URL"),
	}

	if raw := os.Getenv("TB_ACCOUNTS"); raw != "" {
		accounts := make(map[string]AccountConfig)
		if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
			return cfg, fmt.Errorf("config: parse TB_ACCOUNTS: %w", err)
		}
		cfg.Accounts = accounts
	}

	if path := os.Getenv("LM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.Engine.BucketThreshold <= 0 {
		return cfg, errors.New("config: bucket threshold must be positive")
	}
	if cfg.Engine.DailyJobLookbackSec <= 0 {
		return cfg, errors.New("config: daily job lookback must be positive")
	}
	return cfg, nil
}

// Location resolves the configured fixed-offset timezone, UTC when unset
// or malformed.
func (c Config) Location() *time.Location {
	return ParseFixedOffset(c.Engine.Timezone)
}

// ParseFixedOffset parses offsets like "+05:30" or "-08:00" into a fixed
// zone. Anything else falls back to UTC.
func ParseFixedOffset(value string) *time.Location {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.UTC
	}
	sign := 1
	switch value[0] {
	case '+':
		value = value[1:]
	case '-':
		sign = -1
		value = value[1:]
	}
	hourStr, minStr, ok := strings.Cut(value, ":")
	if !ok {
		hourStr, minStr = value, "0"
	}
	hours, err := strconv.Atoi(hourStr)
	if err != nil {
		return time.UTC
	}
	minutes, err := strconv.Atoi(minStr)
	if err != nil || hours > 14 || minutes > 59 {
		return time.UTC
	}
	offset := sign * (hours*3600 + minutes*60)
	return time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", sign*hours, minutes), offset)
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
