package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiencekit/segment-engine/config"
	"github.com/audiencekit/segment-engine/internal/engine"
	"github.com/audiencekit/segment-engine/internal/health"
	"github.com/audiencekit/segment-engine/internal/infrastructure/postgres"
	ctxlog "github.com/audiencekit/segment-engine/internal/log"
	"github.com/audiencekit/segment-engine/internal/metrics"
	"github.com/audiencekit/segment-engine/internal/notify"
	"github.com/audiencekit/segment-engine/internal/pacer"
	"github.com/audiencekit/segment-engine/internal/platform"
	"github.com/audiencekit/segment-engine/internal/reconciler"
	"github.com/audiencekit/segment-engine/internal/segmentcache"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		stop()
		log.Fatalf("migrate: %v", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")

	cache, err := segmentcache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		stop()
		log.Fatalf("redis: %v", err)
	}

	metrics.Register()
	metrics.EngineStartTime.SetToCurrentTime()
	checker := health.NewChecker(pool, cache, logger, prometheus.DefaultRegisterer)

	batchRepo := postgres.NewBatchRepository(pool)
	accountRepo := postgres.NewAccountRepository(pool)
	errRepo := postgres.NewErrorRecordRepository(pool)
	ledgerRepo := postgres.NewRateLedgerRepository(pool)

	client := platform.NewHTTPClient(cfg.PlatformBaseURL)
	pace := pacer.New(ledgerRepo, cfg.MinuteCallLimit, cfg.DayCallLimit)
	rec := reconciler.New(client, cache, logger)

	sinks := []notify.Sink{
		&notify.LogSink{Logger: logger},
		notify.NewMilestoneSink(batchRepo, logger),
	}
	if cfg.ResendAPIKey != "" {
		sinks = append(sinks, notify.NewEmailSink(cfg.ResendAPIKey, cfg.ResendFrom))
	}
	notifier := notify.New(logger, sinks...)

	worker := engine.NewWorker(
		batchRepo,
		accountRepo,
		errRepo,
		pace,
		rec,
		client,
		notifier,
		logger,
		cfg.TaskRetryLimit,
	)

	sweeper, err := engine.NewSweeper(
		batchRepo,
		worker,
		logger,
		cfg.SweepCron,
		cfg.SweepClaimLimit,
		cfg.WorkerConcurrency,
		time.Duration(cfg.StaleAfterMin)*time.Minute,
	)
	if err != nil {
		stop()
		log.Fatalf("sweeper: %v", err)
	}
	go sweeper.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("engine shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
