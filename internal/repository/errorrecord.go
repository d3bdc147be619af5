package repository

import (
	"context"

	"github.com/audiencekit/segment-engine/internal/domain"
)

type ErrorRecordRepository interface {
	// Create opens a durable failure record. Deliberately no FK back to the
	// batch row — records must outlive anything that happens to the batch.
	Create(ctx context.Context, rec *domain.ErrorRecord) (*domain.ErrorRecord, error)
	ListByBatchID(ctx context.Context, batchID string) ([]*domain.ErrorRecord, error)
	// Resolve is scoped to the owner of the record's batch; a record belonging
	// to someone else's batch reads as not found.
	Resolve(ctx context.Context, id, ownerID string) error
}
