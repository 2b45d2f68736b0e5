package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for the orchestrator service.
type Config struct {
	Env         string
	LogLevel    string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	TaskTTL          time.Duration
	StaleThreshold   time.Duration
	TriggerLockTTL   time.Duration
	BatchMaxWorkers  int
	HistoryRetention time.Duration

	SchedulerTimezone string
	JobsFile          string
	Holidays          []string

	ArchiveDir         string
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3PathStyle bool
}

var defaults = map[string]any{
	"APP_ENV":               "dev",
	"LOG_LEVEL":             "info",
	"HTTP_PORT":             "8080",
	"METRICS_ADDR":          ":9090",
	"REDIS_ADDR":            "localhost:6379",
	"REDIS_PASSWORD":        "",
	"REDIS_DB":              0,
	"POSTGRES_DSN":          "",
	"TASK_TTL":              24 * time.Hour,
	"STALE_THRESHOLD":       2 * time.Hour,
	"TRIGGER_LOCK_TTL":      10 * time.Second,
	"BATCH_MAX_WORKERS":     0,
	"HISTORY_RETENTION":     30 * 24 * time.Hour,
	"SCHEDULER_TIMEZONE":    "Asia/Shanghai",
	"JOBS_FILE":             "jobs.yaml",
	"HOLIDAYS":              "",
	"ARCHIVE_DIR":           "",
	"ARCHIVE_S3_BUCKET":     "",
	"ARCHIVE_S3_REGION":     "us-east-1",
	"ARCHIVE_S3_ENDPOINT":   "",
	"ARCHIVE_S3_PATH_STYLE": false,
}

// Load reads configuration from environment variables, optionally layered on
// top of the file named by TASKD_CONFIG. Defaults suit local development.
func Load() (Config, error) {
	return LoadFile(os.Getenv("TASKD_CONFIG"))
}

// LoadFile is Load with an explicit config file; an empty path skips the file.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return Config{
		Env:                v.GetString("APP_ENV"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		HTTPPort:           v.GetString("HTTP_PORT"),
		MetricsAddr:        v.GetString("METRICS_ADDR"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RedisDB:            v.GetInt("REDIS_DB"),
		PostgresDSN:        v.GetString("POSTGRES_DSN"),
		TaskTTL:            v.GetDuration("TASK_TTL"),
		StaleThreshold:     v.GetDuration("STALE_THRESHOLD"),
		TriggerLockTTL:     v.GetDuration("TRIGGER_LOCK_TTL"),
		BatchMaxWorkers:    v.GetInt("BATCH_MAX_WORKERS"),
		HistoryRetention:   v.GetDuration("HISTORY_RETENTION"),
		SchedulerTimezone:  v.GetString("SCHEDULER_TIMEZONE"),
		JobsFile:           v.GetString("JOBS_FILE"),
		Holidays:           splitList(v.GetString("HOLIDAYS")),
		ArchiveDir:         v.GetString("ARCHIVE_DIR"),
		ArchiveS3Bucket:    v.GetString("ARCHIVE_S3_BUCKET"),
		ArchiveS3Region:    v.GetString("ARCHIVE_S3_REGION"),
		ArchiveS3Endpoint:  v.GetString("ARCHIVE_S3_ENDPOINT"),
		ArchiveS3PathStyle: v.GetBool("ARCHIVE_S3_PATH_STYLE"),
	}, nil
}

// Location resolves SchedulerTimezone, falling back to UTC when it is empty.
func (c Config) Location() (*time.Location, error) {
	if c.SchedulerTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.SchedulerTimezone)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
