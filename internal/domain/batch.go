package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrBatchNotFound    = errors.New("batch not found")
	ErrBatchNotClaimed  = errors.New("batch is not claimed by this worker")
	ErrBatchTerminal    = errors.New("batch is in a terminal state")
	ErrEmptyBatch       = errors.New("batch has no segments")
	ErrDuplicateSegment = errors.New("duplicate segment name within batch")
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusInProgress   Status = "in_progress"
	StatusWaitingRetry Status = "waiting_retry"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status permits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskCreating TaskState = "creating"
	TaskSuccess  TaskState = "success"
	TaskFailed   TaskState = "failed"
)

// Terminal reports whether the task reached an immutable end state.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// Batch is one request to create many segments against one external account.
// Rows are never deleted; terminal batches are retained as audit records.
type Batch struct {
	ID         string
	OwnerID    string
	AccountRef string
	Name       string

	Status          Status
	CancelRequested bool

	SegmentsTotal     int
	SegmentsProcessed int
	SuccessCount      int
	ErrorCount        int

	LastError     *string
	NextAttemptAt *time.Time
	// DayBudgetDate is the UTC calendar day whose per-day call allotment this
	// batch last drew from. Set when the batch parks on the daily window.
	DayBudgetDate *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	// Tasks is populated only when the caller asked for them.
	Tasks []*SegmentTask
}

// Remaining returns how many tasks have not reached a terminal state.
func (b *Batch) Remaining() int {
	return b.SegmentsTotal - b.SegmentsProcessed
}

// SegmentTask is one named segment-creation unit within a batch. The
// definition stays an opaque JSON blob; the engine never interprets it.
type SegmentTask struct {
	ID           string
	BatchID      string
	Position     int
	Name         string
	Definition   json.RawMessage
	State        TaskState
	ExternalID   *string
	AttemptCount int
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
