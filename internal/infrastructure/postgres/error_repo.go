package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ErrorRecordRepository struct {
	pool *pgxpool.Pool
}

func NewErrorRecordRepository(pool *pgxpool.Pool) *ErrorRecordRepository {
	return &ErrorRecordRepository{pool: pool}
}

func (r *ErrorRecordRepository) Create(ctx context.Context, rec *domain.ErrorRecord) (*domain.ErrorRecord, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO error_records (batch_id, segment_name, error_message, retry_count)
		VALUES ($1, $2, $3, $4)
		RETURNING id, batch_id, segment_name, error_message, retry_count, created_at, resolved_at`,
		rec.BatchID, rec.SegmentName, rec.ErrorMessage, rec.RetryCount,
	)
	return scanErrorRecord(row)
}

func (r *ErrorRecordRepository) ListByBatchID(ctx context.Context, batchID string) ([]*domain.ErrorRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, batch_id, segment_name, error_message, retry_count, created_at, resolved_at
		FROM error_records
		WHERE batch_id = $1
		ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	var recs []*domain.ErrorRecord
	for rows.Next() {
		rec, err := scanErrorRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *ErrorRecordRepository) Resolve(ctx context.Context, id, ownerID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE error_records er SET resolved_at = NOW()
		FROM batches b
		WHERE er.id = $1 AND er.resolved_at IS NULL
		  AND b.id = er.batch_id AND b.owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("resolve error record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrErrorRecordNotFound
	}
	return nil
}

func scanErrorRecord(row rowScanner) (*domain.ErrorRecord, error) {
	var rec domain.ErrorRecord
	err := row.Scan(&rec.ID, &rec.BatchID, &rec.SegmentName, &rec.ErrorMessage,
		&rec.RetryCount, &rec.CreatedAt, &rec.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrErrorRecordNotFound
		}
		return nil, fmt.Errorf("scan error record: %w", err)
	}
	return &rec, nil
}
