package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/audiencekit/segment-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RateLedgerRepository struct {
	pool *pgxpool.Pool
}

func NewRateLedgerRepository(pool *pgxpool.Pool) *RateLedgerRepository {
	return &RateLedgerRepository{pool: pool}
}

// Reserve is the one statement the whole quota discipline rests on. The
// upsert rolls expired windows forward and increments the live ones; the
// WHERE clause rejects the write when either window is already full. Row-level
// locking on the single ledger row serializes racing workers, so the check
// and the increment cannot interleave.
func (r *RateLedgerRepository) Reserve(ctx context.Context, accountRef string, now time.Time, minuteLimit, dayLimit int) (bool, repository.LedgerState, error) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	minuteExpiry := now.Add(-time.Minute)

	var state repository.LedgerState
	err := r.pool.QueryRow(ctx, `
		INSERT INTO rate_ledgers AS rl
			(account_ref, minute_window_start, minute_count, day_date, day_count)
		VALUES ($1, $2, 1, $3, 1)
		ON CONFLICT (account_ref) DO UPDATE SET
			minute_window_start = CASE WHEN rl.minute_window_start <= $4
			                           THEN EXCLUDED.minute_window_start
			                           ELSE rl.minute_window_start END,
			minute_count = CASE WHEN rl.minute_window_start <= $4
			                    THEN 1
			                    ELSE rl.minute_count + 1 END,
			day_date  = GREATEST(rl.day_date, EXCLUDED.day_date),
			day_count = CASE WHEN rl.day_date < EXCLUDED.day_date
			                 THEN 1
			                 ELSE rl.day_count + 1 END,
			updated_at = NOW()
		WHERE (rl.minute_window_start <= $4 OR rl.minute_count < $5)
		  AND (rl.day_date < $3 OR rl.day_count < $6)
		RETURNING minute_window_start, minute_count, day_date, day_count`,
		accountRef, now, day, minuteExpiry, minuteLimit, dayLimit,
	).Scan(&state.MinuteWindowStart, &state.MinuteCount, &state.DayDate, &state.DayCount)

	if err == nil {
		return true, state, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, state, fmt.Errorf("reserve quota: %w", err)
	}

	// Denied — read the ledger so the caller can compute when to resume.
	err = r.pool.QueryRow(ctx, `
		SELECT minute_window_start, minute_count, day_date, day_count
		FROM rate_ledgers
		WHERE account_ref = $1`, accountRef,
	).Scan(&state.MinuteWindowStart, &state.MinuteCount, &state.DayDate, &state.DayCount)
	if err != nil {
		return false, state, fmt.Errorf("read ledger after denial: %w", err)
	}
	return false, state, nil
}
