package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/notify"
	"github.com/audiencekit/segment-engine/internal/reconciler"
	"github.com/audiencekit/segment-engine/internal/repository"
)

const maxSegmentsPerBatch = 500

type BatchUsecase struct {
	batches    repository.BatchRepository
	accounts   repository.AccountRepository
	errRecords repository.ErrorRecordRepository
	notifier   *notify.Notifier
}

func NewBatchUsecase(
	batches repository.BatchRepository,
	accounts repository.AccountRepository,
	errRecords repository.ErrorRecordRepository,
	notifier *notify.Notifier,
) *BatchUsecase {
	return &BatchUsecase{batches: batches, accounts: accounts, errRecords: errRecords, notifier: notifier}
}

type SegmentInput struct {
	Name       string
	Definition json.RawMessage
}

type CreateBatchInput struct {
	OwnerID    string
	AccountRef string
	Name       string
	Segments   []SegmentInput
}

// CreateBatch validates and inserts the batch with its full ordered segment
// list in one shot, status pending. The engine picks it up on the next sweep.
func (u *BatchUsecase) CreateBatch(ctx context.Context, input CreateBatchInput) (*domain.Batch, error) {
	if len(input.Segments) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	if len(input.Segments) > maxSegmentsPerBatch {
		return nil, fmt.Errorf("batch exceeds %d segments", maxSegmentsPerBatch)
	}

	account, err := u.accounts.FindByRef(ctx, input.AccountRef)
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if account.OwnerID != input.OwnerID {
		return nil, domain.ErrAccountNotFound
	}

	// Duplicate names within one batch would collide on the platform and
	// defeat the reconciler's name-based skip.
	seen := make(map[string]struct{}, len(input.Segments))
	tasks := make([]*domain.SegmentTask, 0, len(input.Segments))
	for i, s := range input.Segments {
		norm := reconciler.NormalizeName(s.Name)
		if norm == "" {
			return nil, fmt.Errorf("segment %d has an empty name", i)
		}
		if _, dup := seen[norm]; dup {
			return nil, domain.ErrDuplicateSegment
		}
		seen[norm] = struct{}{}

		def := s.Definition
		if len(def) == 0 {
			def = json.RawMessage("{}")
		}
		tasks = append(tasks, &domain.SegmentTask{
			Position:   i,
			Name:       s.Name,
			Definition: def,
			State:      domain.TaskPending,
		})
	}

	batch := &domain.Batch{
		OwnerID:    input.OwnerID,
		AccountRef: input.AccountRef,
		Name:       input.Name,
		Status:     domain.StatusPending,
	}

	created, err := u.batches.Create(ctx, batch, tasks)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return created, nil
}

// GetBatch returns the batch with its per-task progress, for UI polling.
func (u *BatchUsecase) GetBatch(ctx context.Context, id, ownerID string) (*domain.Batch, error) {
	b, err := u.batches.GetByID(ctx, id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	tasks, err := u.batches.ListTasks(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	b.Tasks = tasks
	return b, nil
}

type ListBatchesInput struct {
	OwnerID string
	Status  domain.Status
	Cursor  string
	Limit   int
}

type ListBatchesResult struct {
	Batches    []*domain.Batch
	NextCursor *string
}

type batchCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func decodeCursor(s string) (*time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("decode cursor: %w", err)
	}
	var c batchCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, "", fmt.Errorf("unmarshal cursor: %w", err)
	}
	return &c.CreatedAt, c.ID, nil
}

func encodeCursor(createdAt time.Time, id string) string {
	b, _ := json.Marshal(batchCursor{CreatedAt: createdAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

func (u *BatchUsecase) ListBatches(ctx context.Context, input ListBatchesInput) (ListBatchesResult, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	repoInput := repository.ListBatchesInput{
		OwnerID: input.OwnerID,
		Status:  input.Status,
		Limit:   limit + 1,
	}

	if input.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(input.Cursor)
		if err != nil {
			return ListBatchesResult{}, fmt.Errorf("bad cursor: %w", err)
		}
		repoInput.CursorTime = cursorTime
		repoInput.CursorID = cursorID
	}

	batches, err := u.batches.ListBatches(ctx, repoInput)
	if err != nil {
		return ListBatchesResult{}, fmt.Errorf("list batches: %w", err)
	}

	var nextCursor *string
	if len(batches) == limit+1 {
		batches = batches[:limit]
		// Encode the last row the client actually received; the repo's
		// strictly-less comparison then starts the next page right after it.
		last := batches[limit-1]
		s := encodeCursor(last.CreatedAt, last.ID)
		nextCursor = &s
	}

	return ListBatchesResult{Batches: batches, NextCursor: nextCursor}, nil
}

func (u *BatchUsecase) CancelBatch(ctx context.Context, id, ownerID string) error {
	status, err := u.batches.Cancel(ctx, id, ownerID)
	if err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	// A pending/waiting batch just went terminal with no worker attached, so
	// the terminal event is emitted here. An in_progress batch only got the
	// flag; its worker emits when it observes the cancellation.
	if status == domain.StatusCancelled {
		u.emitCancelled(ctx, id, ownerID)
	}
	return nil
}

func (u *BatchUsecase) emitCancelled(ctx context.Context, id, ownerID string) {
	b, err := u.batches.GetByID(ctx, id, ownerID)
	if err != nil {
		return
	}
	ev := notify.Event{
		BatchID:      b.ID,
		BatchName:    b.Name,
		OwnerID:      b.OwnerID,
		AccountRef:   b.AccountRef,
		Status:       domain.StatusCancelled,
		SuccessCount: b.SuccessCount,
		ErrorCount:   b.ErrorCount,
		CompletedAt:  b.CompletedAt,
	}
	if account, err := u.accounts.FindByRef(ctx, b.AccountRef); err == nil {
		ev.NotifyEmail = account.NotifyEmail
	}
	u.notifier.Emit(ctx, ev)
}

// ListErrors returns the batch's error records after verifying ownership.
func (u *BatchUsecase) ListErrors(ctx context.Context, batchID, ownerID string) ([]*domain.ErrorRecord, error) {
	if _, err := u.batches.GetByID(ctx, batchID, ownerID); err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	recs, err := u.errRecords.ListByBatchID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}
	return recs, nil
}

// ResolveError marks the record resolved. The repository scopes the update to
// the owner's batches, so a foreign record reads as not found.
func (u *BatchUsecase) ResolveError(ctx context.Context, id, ownerID string) error {
	if err := u.errRecords.Resolve(ctx, id, ownerID); err != nil {
		return fmt.Errorf("resolve error record: %w", err)
	}
	return nil
}
