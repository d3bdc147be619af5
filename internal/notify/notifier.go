package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
)

// Event describes one batch reaching a terminal status. Sinks decide what to
// do with it; the emitter itself never formats email or renders UI.
type Event struct {
	BatchID      string
	BatchName    string
	OwnerID      string
	AccountRef   string
	NotifyEmail  string
	Status       domain.Status
	SuccessCount int
	ErrorCount   int
	CompletedAt  *time.Time
}

type Sink interface {
	BatchFinished(ctx context.Context, ev Event) error
}

// Notifier fans terminal-batch events out to its sinks. Sink failures are
// logged and swallowed — notification delivery never affects job state.
type Notifier struct {
	sinks  []Sink
	logger *slog.Logger
}

func New(logger *slog.Logger, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, logger: logger.With("component", "notifier")}
}

func (n *Notifier) Emit(ctx context.Context, ev Event) {
	for _, s := range n.sinks {
		if err := s.BatchFinished(ctx, ev); err != nil {
			n.logger.Error("notification sink failed",
				"batch_id", ev.BatchID, "status", ev.Status, "error", err)
		}
	}
}

// LogSink records events to the log — used in ENV=local and as a fallback.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) BatchFinished(_ context.Context, ev Event) error {
	s.Logger.Info("batch finished",
		"batch_id", ev.BatchID,
		"batch_name", ev.BatchName,
		"status", ev.Status,
		"success_count", ev.SuccessCount,
		"error_count", ev.ErrorCount,
	)
	return nil
}
