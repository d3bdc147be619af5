package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const batchColumns = `id, owner_id, account_ref, name, status, cancel_requested,
	       segments_total, segments_processed, success_count, error_count,
	       last_error, next_attempt_at, day_budget_date,
	       created_at, updated_at, completed_at`

type BatchRepository struct {
	pool *pgxpool.Pool
}

func NewBatchRepository(pool *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{pool: pool}
}

// Create inserts the batch row and every task in one transaction, so a batch
// either exists with its full segment list or not at all.
func (r *BatchRepository) Create(ctx context.Context, b *domain.Batch, tasks []*domain.SegmentTask) (*domain.Batch, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		INSERT INTO batches (owner_id, account_ref, name, status, segments_total)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING `+batchColumns,
		b.OwnerID, b.AccountRef, b.Name, len(tasks),
	)

	created, err := scanBatch(row)
	if err != nil {
		return nil, err
	}

	for i, t := range tasks {
		if _, err = tx.Exec(ctx, `
			INSERT INTO segment_tasks (batch_id, position, name, definition, state)
			VALUES ($1, $2, $3, $4, 'pending')`,
			created.ID, i, t.Name, t.Definition,
		); err != nil {
			return nil, fmt.Errorf("insert task %d: %w", i, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return created, nil
}

func (r *BatchRepository) GetByID(ctx context.Context, id, ownerID string) (*domain.Batch, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanBatch(row)
}

func (r *BatchRepository) ListBatches(ctx context.Context, input repository.ListBatchesInput) ([]*domain.Batch, error) {
	args := []any{input.OwnerID}
	where := []string{"owner_id = $1"}

	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT `+batchColumns+`
		FROM batches
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func (r *BatchRepository) ListTasks(ctx context.Context, batchID string) ([]*domain.SegmentTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, batch_id, position, name, definition, state,
		       external_id, attempt_count, last_error, created_at, updated_at
		FROM segment_tasks
		WHERE batch_id = $1
		ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.SegmentTask
	for rows.Next() {
		var t domain.SegmentTask
		if err := rows.Scan(
			&t.ID, &t.BatchID, &t.Position, &t.Name, &t.Definition, &t.State,
			&t.ExternalID, &t.AttemptCount, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// Cancel: pending/waiting_retry batches flip to cancelled directly; an
// in_progress batch only gets the flag — its worker finishes the in-flight
// call and transitions the status at the next task boundary.
func (r *BatchRepository) Cancel(ctx context.Context, id, ownerID string) (domain.Status, error) {
	var status domain.Status
	err := r.pool.QueryRow(ctx, `
		UPDATE batches
		SET status = CASE WHEN status = 'in_progress' THEN status ELSE 'cancelled' END,
		    cancel_requested = TRUE,
		    completed_at = CASE WHEN status = 'in_progress' THEN completed_at ELSE NOW() END,
		    updated_at = NOW()
		WHERE id = $1 AND owner_id = $2
		  AND status IN ('pending', 'in_progress', 'waiting_retry')
		RETURNING status`,
		id, ownerID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := r.GetByID(ctx, id, ownerID); gerr != nil {
				return "", gerr // ErrBatchNotFound
			}
			return "", domain.ErrBatchTerminal
		}
		return "", fmt.Errorf("cancel batch: %w", err)
	}
	return status, nil
}

// ClaimDue is the sweep's conditional claim. The inner SELECT finds eligible
// rows, FOR UPDATE SKIP LOCKED makes concurrent sweep ticks disjoint, and the
// UPDATE's status check is the compare-and-swap: a row another sweep already
// moved to in_progress no longer matches.
func (r *BatchRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Batch, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE batches
		SET    status = 'in_progress',
		       next_attempt_at = NULL,
		       updated_at = NOW()
		WHERE id IN (
			SELECT id FROM batches
			WHERE  status = 'pending'
			   OR (status = 'waiting_retry' AND next_attempt_at <= $1)
			ORDER BY COALESCE(next_attempt_at, created_at) ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND status IN ('pending', 'waiting_retry')
		RETURNING `+batchColumns,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batches: %w", err)
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func (r *BatchRepository) Status(ctx context.Context, batchID string) (repository.BatchStatus, error) {
	var st repository.BatchStatus
	err := r.pool.QueryRow(ctx,
		`SELECT status, cancel_requested FROM batches WHERE id = $1`, batchID,
	).Scan(&st.Status, &st.CancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, domain.ErrBatchNotFound
		}
		return st, fmt.Errorf("batch status: %w", err)
	}
	return st, nil
}

func (r *BatchRepository) MarkTaskCreating(ctx context.Context, taskID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE segment_tasks
		SET state = 'creating', attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'creating')`, taskID)
	if err != nil {
		return fmt.Errorf("mark task creating: %w", err)
	}
	return nil
}

// RecordTaskResult finalizes one task and bumps the batch counters in a
// single transaction. The state guard keeps terminal tasks immutable.
func (r *BatchRepository) RecordTaskResult(ctx context.Context, res repository.TaskResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE segment_tasks
		SET state = $2, external_id = $3, attempt_count = $4,
		    last_error = $5, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ('success', 'failed')`,
		res.TaskID, res.State, res.ExternalID, res.AttemptCount, res.ErrMsg)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Task already terminal — nothing to count.
		err = tx.Commit(ctx)
		return err
	}

	success := 0
	failed := 0
	if res.State == domain.TaskSuccess {
		success = 1
	} else {
		failed = 1
	}

	if _, err = tx.Exec(ctx, `
		UPDATE batches
		SET segments_processed = segments_processed + 1,
		    success_count = success_count + $2,
		    error_count = error_count + $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'`,
		res.BatchID, success, failed); err != nil {
		return fmt.Errorf("bump batch counters: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *BatchRepository) Park(ctx context.Context, batchID string, resumeAt time.Time, dayDate *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET status = 'waiting_retry',
		    next_attempt_at = $2,
		    day_budget_date = COALESCE($3, day_budget_date),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'`,
		batchID, resumeAt, dayDate)
	if err != nil {
		return fmt.Errorf("park batch: %w", err)
	}
	return nil
}

func (r *BatchRepository) Complete(ctx context.Context, batchID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'`, batchID)
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	return nil
}

func (r *BatchRepository) Fail(ctx context.Context, batchID, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET status = 'failed', last_error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'`, batchID, lastError)
	if err != nil {
		return fmt.Errorf("fail batch: %w", err)
	}
	return nil
}

func (r *BatchRepository) FinishCancelled(ctx context.Context, batchID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'`, batchID)
	if err != nil {
		return fmt.Errorf("finish cancelled batch: %w", err)
	}
	return nil
}

// ReleaseStale picks up batches whose worker died mid-drain. Progress writes
// touch updated_at on every task, so an in_progress row with an old
// updated_at has no live owner.
func (r *BatchRepository) ReleaseStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET status = 'waiting_retry', next_attempt_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM batches
			WHERE  status = 'in_progress'
			  AND  updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, staleCutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	return int(tag.RowsAffected()), err
}

func (r *BatchRepository) TotalSegmentsCreated(ctx context.Context, ownerID string) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(success_count), 0) FROM batches WHERE owner_id = $1`,
		ownerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total segments created: %w", err)
	}
	return total, nil
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(
		&b.ID, &b.OwnerID, &b.AccountRef, &b.Name, &b.Status, &b.CancelRequested,
		&b.SegmentsTotal, &b.SegmentsProcessed, &b.SuccessCount, &b.ErrorCount,
		&b.LastError, &b.NextAttemptAt, &b.DayBudgetDate,
		&b.CreatedAt, &b.UpdatedAt, &b.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return &b, nil
}
