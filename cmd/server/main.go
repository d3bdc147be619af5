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
	"github.com/audiencekit/segment-engine/internal/health"
	"github.com/audiencekit/segment-engine/internal/infrastructure/postgres"
	ctxlog "github.com/audiencekit/segment-engine/internal/log"
	"github.com/audiencekit/segment-engine/internal/metrics"
	"github.com/audiencekit/segment-engine/internal/notify"
	"github.com/audiencekit/segment-engine/internal/platform"
	"github.com/audiencekit/segment-engine/internal/segmentcache"
	httptransport "github.com/audiencekit/segment-engine/internal/transport/http"
	"github.com/audiencekit/segment-engine/internal/transport/http/handler"
	"github.com/audiencekit/segment-engine/internal/usecase"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

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

	cache, err := segmentcache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		stop()
		log.Fatalf("redis: %v", err)
	}

	client := platform.NewHTTPClient(cfg.PlatformBaseURL)

	// Accounts
	accountRepo := postgres.NewAccountRepository(pool)
	accountUsecase := usecase.NewAccountUsecase(accountRepo, client)
	accountHandler := handler.NewAccountHandler(accountUsecase, logger)

	// Batches
	batchRepo := postgres.NewBatchRepository(pool)
	errRepo := postgres.NewErrorRecordRepository(pool)

	// Cancels of batches no worker owns go terminal inside the API process,
	// so it carries the same notification sinks as the engine.
	sinks := []notify.Sink{&notify.LogSink{Logger: logger}}
	if cfg.ResendAPIKey != "" {
		sinks = append(sinks, notify.NewEmailSink(cfg.ResendAPIKey, cfg.ResendFrom))
	}
	notifier := notify.New(logger, sinks...)

	batchUsecase := usecase.NewBatchUsecase(batchRepo, accountRepo, errRepo, notifier)
	batchHandler := handler.NewBatchHandler(batchUsecase, logger)

	metrics.Register()
	checker := health.NewChecker(pool, cache, logger, prometheus.DefaultRegisterer)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, batchHandler, accountHandler, []byte(cfg.JWTSecret)),
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
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
