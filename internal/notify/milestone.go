package notify

import (
	"context"
	"log/slog"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/repository"
)

var milestones = []int{100, 500, 1000, 5000, 10000}

// MilestoneSink watches the owner's lifetime segment total and emits a log
// event when a completed batch pushes it across a threshold.
type MilestoneSink struct {
	batches repository.BatchRepository
	logger  *slog.Logger
}

func NewMilestoneSink(batches repository.BatchRepository, logger *slog.Logger) *MilestoneSink {
	return &MilestoneSink{batches: batches, logger: logger.With("component", "milestones")}
}

func (s *MilestoneSink) BatchFinished(ctx context.Context, ev Event) error {
	if ev.Status != domain.StatusCompleted || ev.SuccessCount == 0 {
		return nil
	}

	total, err := s.batches.TotalSegmentsCreated(ctx, ev.OwnerID)
	if err != nil {
		return err
	}
	before := total - ev.SuccessCount

	for _, m := range milestones {
		if before < m && total >= m {
			s.logger.Info("segment milestone reached",
				"owner_id", ev.OwnerID, "milestone", m, "total", total)
		}
	}
	return nil
}
