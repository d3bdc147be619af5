package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/metrics"
	"github.com/audiencekit/segment-engine/internal/repository"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically claims batches eligible for (re)processing — fresh
// pending ones and waiting_retry ones whose resume time elapsed — and hands
// each to a worker goroutine. The claim limit caps the burst of platform
// calls issued right after a tick.
type Sweeper struct {
	batches    repository.BatchRepository
	worker     *Worker
	logger     *slog.Logger
	sched      cron.Schedule
	claimLimit int
	staleAfter time.Duration
	sem        chan struct{}
}

func NewSweeper(
	batches repository.BatchRepository,
	worker *Worker,
	logger *slog.Logger,
	cronExpr string,
	claimLimit int,
	concurrency int,
	staleAfter time.Duration,
) (*Sweeper, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep cron %q: %w", cronExpr, err)
	}
	return &Sweeper{
		batches:    batches,
		worker:     worker,
		logger:     logger.With("component", "sweeper"),
		sched:      sched,
		claimLimit: claimLimit,
		staleAfter: staleAfter,
		sem:        make(chan struct{}, concurrency),
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started",
		"claim_limit", s.claimLimit, "concurrency", cap(s.sem))

	for {
		next := s.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sweeper shut down")
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce is a single sweep tick: recover abandoned batches, then claim and
// dispatch eligible ones. Exposed so batch creation paths and tests can
// trigger an immediate sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	released, err := s.batches.ReleaseStale(ctx, time.Now().Add(-s.staleAfter), s.claimLimit)
	if err != nil {
		s.logger.Error("release stale batches", "error", err)
	} else if released > 0 {
		metrics.SweepReleasedStaleTotal.Add(float64(released))
		s.logger.Warn("released abandoned batches back to waiting_retry", "count", released)
	}

	available := cap(s.sem) - len(s.sem)
	if available == 0 {
		return
	}
	limit := min(s.claimLimit, available)

	batches, err := s.batches.ClaimDue(ctx, time.Now(), limit)
	if err != nil {
		s.logger.Error("claim due batches", "error", err)
		return
	}
	if len(batches) == 0 {
		return
	}

	metrics.SweepClaimedTotal.Add(float64(len(batches)))
	s.logger.Info("claimed batches", "count", len(batches))

	for _, b := range batches {
		s.sem <- struct{}{}
		go func(b *domain.Batch) {
			defer func() { <-s.sem }()
			s.worker.Run(ctx, b)
		}(b)
	}
}
