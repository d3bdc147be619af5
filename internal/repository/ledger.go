package repository

import (
	"context"
	"time"
)

// LedgerState is the per-account rate ledger after (or at the moment of) a
// reservation attempt. The minute window is fixed-start: it opens at the
// first call and resets 60 seconds later. The day window is a UTC calendar
// day.
type LedgerState struct {
	MinuteWindowStart time.Time
	MinuteCount       int
	DayDate           time.Time
	DayCount          int
}

type RateLedgerRepository interface {
	// Reserve atomically takes one call slot for the account if both windows
	// have capacity. The admission check and the increment are one conditional
	// statement — two racing workers can never both pass on the last slot.
	// Returns reserved=false with the current state when either window is full.
	Reserve(ctx context.Context, accountRef string, now time.Time, minuteLimit, dayLimit int) (reserved bool, state LedgerState, err error)
}
