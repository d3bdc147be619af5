package repository

import (
	"context"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
)

type ListBatchesInput struct {
	OwnerID    string
	Status     domain.Status // empty = all statuses
	CursorTime *time.Time    // nil = first page
	CursorID   string        // used only when CursorTime is non-nil
	Limit      int
}

// TaskResult carries one task's terminal outcome. The store applies the task
// mutation and the batch counter bump in a single transaction so progress
// survives a crash between any two tasks.
type TaskResult struct {
	BatchID      string
	TaskID       string
	State        domain.TaskState // success or failed
	ExternalID   *string
	AttemptCount int
	ErrMsg       *string
}

// BatchStatus is the worker's cheap cancellation probe.
type BatchStatus struct {
	Status          domain.Status
	CancelRequested bool
}

type BatchRepository interface {
	// Create inserts the batch and its full ordered task list atomically.
	Create(ctx context.Context, batch *domain.Batch, tasks []*domain.SegmentTask) (*domain.Batch, error)
	GetByID(ctx context.Context, id, ownerID string) (*domain.Batch, error)
	ListBatches(ctx context.Context, input ListBatchesInput) ([]*domain.Batch, error)
	ListTasks(ctx context.Context, batchID string) ([]*domain.SegmentTask, error)

	// Cancel is a conditional update valid only while the batch is pending,
	// in_progress or waiting_retry. A pending/waiting batch goes straight to
	// cancelled; an in_progress batch only gets cancel_requested set — the
	// owning worker observes the flag at the next task boundary. The
	// resulting status tells the caller which case applied.
	Cancel(ctx context.Context, id, ownerID string) (domain.Status, error)

	// ClaimDue atomically flips eligible batches (pending, or waiting_retry
	// with next_attempt_at elapsed) to in_progress. Two concurrent sweeps can
	// never claim the same batch.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Batch, error)

	Status(ctx context.Context, batchID string) (BatchStatus, error)
	MarkTaskCreating(ctx context.Context, taskID string) error
	RecordTaskResult(ctx context.Context, res TaskResult) error

	// Park moves an in_progress batch to waiting_retry with a resume time.
	// dayDate is non-nil when the daily window caused the denial.
	Park(ctx context.Context, batchID string, resumeAt time.Time, dayDate *time.Time) error
	Complete(ctx context.Context, batchID string) error
	Fail(ctx context.Context, batchID, lastError string) error
	// FinishCancelled is the worker-side terminal transition after it
	// observed cancel_requested mid-drain.
	FinishCancelled(ctx context.Context, batchID string) error

	// ReleaseStale returns in_progress batches whose worker stopped writing
	// progress before staleCutoff back to waiting_retry.
	ReleaseStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error)

	// TotalSegmentsCreated sums success counts across all of an owner's
	// batches, for milestone notifications.
	TotalSegmentsCreated(ctx context.Context, ownerID string) (int, error)
}
