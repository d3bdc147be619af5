package pacer

import (
	"context"
	"time"

	"github.com/audiencekit/segment-engine/internal/repository"
)

// Window names which quota window caused a denial.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Decision is the pacer's answer to "may I make one more creation call".
// When denied, ResumeAt is the earliest instant either window has capacity
// again and Window is the one that binds at that instant.
type Decision struct {
	Allowed  bool
	ResumeAt time.Time
	Window   Window
}

// Pacer enforces the platform's per-account call quota. Admission reserves
// quota: the underlying ledger increment is conditional and atomic, so the
// reservation is spent whether or not the subsequent call succeeds — exactly
// how the platform counts it.
type Pacer struct {
	ledger      repository.RateLedgerRepository
	minuteLimit int
	dayLimit    int
}

func New(ledger repository.RateLedgerRepository, minuteLimit, dayLimit int) *Pacer {
	return &Pacer{ledger: ledger, minuteLimit: minuteLimit, dayLimit: dayLimit}
}

// Acquire reserves one call slot for the account, or returns when to retry.
func (p *Pacer) Acquire(ctx context.Context, accountRef string, now time.Time) (Decision, error) {
	now = now.UTC()

	reserved, state, err := p.ledger.Reserve(ctx, accountRef, now, p.minuteLimit, p.dayLimit)
	if err != nil {
		return Decision{}, err
	}
	if reserved {
		return Decision{Allowed: true}, nil
	}

	return denial(state, now, p.minuteLimit, p.dayLimit), nil
}

// denial computes the earliest resume instant. If both windows are full the
// day boundary wins, since it is never earlier than the minute rollover.
func denial(state repository.LedgerState, now time.Time, minuteLimit, dayLimit int) Decision {
	d := Decision{}

	minuteFull := state.MinuteCount >= minuteLimit &&
		now.Sub(state.MinuteWindowStart) < time.Minute
	dayFull := state.DayCount >= dayLimit && sameUTCDay(state.DayDate, now)

	if minuteFull {
		d.ResumeAt = state.MinuteWindowStart.Add(time.Minute)
		d.Window = WindowMinute
	}
	if dayFull {
		midnight := nextUTCMidnight(now)
		if midnight.After(d.ResumeAt) {
			d.ResumeAt = midnight
			d.Window = WindowDay
		}
	}
	if d.ResumeAt.IsZero() {
		// Raced a window rollover between the failed reserve and the ledger
		// read. Capacity exists now; retry immediately.
		d.ResumeAt = now
		d.Window = WindowMinute
	}
	return d
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
