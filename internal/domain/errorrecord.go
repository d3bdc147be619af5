package domain

import (
	"errors"
	"time"
)

var ErrErrorRecordNotFound = errors.New("error record not found")

// ErrorRecord is a durable record of one failed creation attempt. It lives
// independently of the batch so it survives for admin triage.
type ErrorRecord struct {
	ID           string
	BatchID      string
	SegmentName  string
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}
