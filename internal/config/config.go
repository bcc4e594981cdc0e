package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 形式が不正な値はデフォルト値に丸めず、エラーにする。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Geo
	GeoMaxAccuracyMeters   float64 `env:"GEO_MAX_ACCURACY_METERS" envDefault:"1000"`
	GeoDefaultRadiusMeters float64 `env:"GEO_DEFAULT_RADIUS_METERS" envDefault:"100"`

	// Offline queue
	QueueDefaultMaxRetries   int           `env:"QUEUE_DEFAULT_MAX_RETRIES" envDefault:"3"`
	QueueDefaultPriority     int           `env:"QUEUE_DEFAULT_PRIORITY" envDefault:"1"`
	QueueMaxSize             int           `env:"QUEUE_MAX_SIZE" envDefault:"1000"`
	QueueBatchSize           int           `env:"QUEUE_BATCH_SIZE" envDefault:"10"`
	QueueRetryBackoff        time.Duration `env:"QUEUE_RETRY_BACKOFF" envDefault:"30s"`
	QueueMaxBackoff          time.Duration `env:"QUEUE_MAX_BACKOFF" envDefault:"30m"`
	QueueClaimTimeout        time.Duration `env:"QUEUE_CLAIM_TIMEOUT" envDefault:"5m"`
	QueueFailedRetentionDays int           `env:"QUEUE_FAILED_RETENTION_DAYS" envDefault:"30"`

	// Worker
	WorkerInterval      time.Duration `env:"WORKER_INTERVAL" envDefault:"1m"`
	WorkerMaxConcurrent int           `env:"WORKER_MAX_CONCURRENT" envDefault:"10"`

	// Rate Limit
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`

	// CORS（カンマ区切りで複数指定可、"*"で全許可）
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗しました: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var invalid []string

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		invalid = append(invalid, "LOG_LEVEL")
	}
	if c.GeoMaxAccuracyMeters <= 0 {
		invalid = append(invalid, "GEO_MAX_ACCURACY_METERS")
	}
	if c.GeoDefaultRadiusMeters <= 0 {
		invalid = append(invalid, "GEO_DEFAULT_RADIUS_METERS")
	}
	if c.QueueDefaultMaxRetries <= 0 {
		invalid = append(invalid, "QUEUE_DEFAULT_MAX_RETRIES")
	}
	if c.QueueDefaultPriority <= 0 {
		invalid = append(invalid, "QUEUE_DEFAULT_PRIORITY")
	}
	if c.QueueMaxSize < 0 {
		invalid = append(invalid, "QUEUE_MAX_SIZE")
	}
	if c.QueueBatchSize <= 0 {
		invalid = append(invalid, "QUEUE_BATCH_SIZE")
	}
	if c.QueueRetryBackoff < 0 || c.QueueMaxBackoff < 0 {
		invalid = append(invalid, "QUEUE_RETRY_BACKOFF/QUEUE_MAX_BACKOFF")
	}
	if c.QueueFailedRetentionDays < 0 {
		invalid = append(invalid, "QUEUE_FAILED_RETENTION_DAYS")
	}
	if c.WorkerInterval <= 0 {
		invalid = append(invalid, "WORKER_INTERVAL")
	}
	if c.WorkerMaxConcurrent <= 0 {
		invalid = append(invalid, "WORKER_MAX_CONCURRENT")
	}
	if c.RateLimitPerMinute <= 0 {
		invalid = append(invalid, "RATE_LIMIT_PER_MINUTE")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("environment variables have invalid values: %v", invalid)
	}
	return nil
}

// SlogLevel はLOG_LEVELに対応するslog.Levelを返す。
func (c *Config) SlogLevel() slog.Level {
	level, _ := ParseLogLevel(c.LogLevel)
	return level
}

// FailedRetention は失敗操作の保持期間を返す。
func (c *Config) FailedRetention() time.Duration {
	return time.Duration(c.QueueFailedRetentionDays) * 24 * time.Hour
}

// ParseLogLevel はdebug/info/warn/errorをslog.Levelに変換する。
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}
