package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port     string `env:"PORT" envDefault:"8080" validate:"required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0" validate:"required"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	JWTSecret    string `env:"JWT_SECRET,required"  validate:"required,min=32"`
	ResendAPIKey string `env:"RESEND_API_KEY"       validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"          validate:"required_if=Env production,required_if=Env staging"`

	PlatformBaseURL string `env:"PLATFORM_BASE_URL,required" validate:"required,url"`

	// Platform quota: creation calls per rolling minute and per UTC calendar
	// day, enforced by the platform per external account.
	MinuteCallLimit int `env:"MINUTE_CALL_LIMIT" envDefault:"15"  validate:"min=1"`
	DayCallLimit    int `env:"DAY_CALL_LIMIT"    envDefault:"100" validate:"min=1"`

	SweepCron         string `env:"SWEEP_CRON" envDefault:"@every 1m" validate:"required"`
	SweepClaimLimit   int    `env:"SWEEP_CLAIM_LIMIT" envDefault:"5" validate:"min=1,max=50"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4" validate:"min=1,max=50"`
	TaskRetryLimit    int    `env:"TASK_RETRY_LIMIT" envDefault:"3" validate:"min=0,max=10"`
	StaleAfterMin     int    `env:"STALE_AFTER_MIN" envDefault:"10" validate:"min=1,max=120"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
