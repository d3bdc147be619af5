package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/engine"
	"github.com/audiencekit/segment-engine/internal/notify"
	"github.com/audiencekit/segment-engine/internal/pacer"
	"github.com/audiencekit/segment-engine/internal/platform"
	"github.com/audiencekit/segment-engine/internal/reconciler"
	"github.com/audiencekit/segment-engine/internal/repository"
	"github.com/audiencekit/segment-engine/internal/segmentcache"
)

// ---- fakes ----

type fakeBatchRepo struct {
	mu sync.Mutex

	listTasks       func(ctx context.Context, batchID string) ([]*domain.SegmentTask, error)
	status          func(ctx context.Context, batchID string) (repository.BatchStatus, error)
	claimDue        func(ctx context.Context, now time.Time, limit int) ([]*domain.Batch, error)
	releaseStale    func(ctx context.Context, staleCutoff time.Time, limit int) (int, error)
	totalCreated    func(ctx context.Context, ownerID string) (int, error)
	onComplete      func(batchID string)
	markCreatingErr error
	recordResultErr error

	creatingCalls []string
	results       []repository.TaskResult
	parks         []parkCall
	completedIDs  []string
	failedReasons []string
	cancelledIDs  []string
}

type parkCall struct {
	batchID  string
	resumeAt time.Time
	dayDate  *time.Time
}

func (r *fakeBatchRepo) Create(_ context.Context, _ *domain.Batch, _ []*domain.SegmentTask) (*domain.Batch, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeBatchRepo) GetByID(_ context.Context, _, _ string) (*domain.Batch, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeBatchRepo) ListBatches(_ context.Context, _ repository.ListBatchesInput) ([]*domain.Batch, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeBatchRepo) Cancel(_ context.Context, _, _ string) (domain.Status, error) {
	return "", errors.New("not implemented")
}

func (r *fakeBatchRepo) ListTasks(ctx context.Context, batchID string) ([]*domain.SegmentTask, error) {
	return r.listTasks(ctx, batchID)
}

func (r *fakeBatchRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Batch, error) {
	if r.claimDue == nil {
		return nil, nil
	}
	return r.claimDue(ctx, now, limit)
}

func (r *fakeBatchRepo) Status(ctx context.Context, batchID string) (repository.BatchStatus, error) {
	if r.status == nil {
		return repository.BatchStatus{Status: domain.StatusInProgress}, nil
	}
	return r.status(ctx, batchID)
}

func (r *fakeBatchRepo) MarkTaskCreating(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creatingCalls = append(r.creatingCalls, taskID)
	return r.markCreatingErr
}

func (r *fakeBatchRepo) RecordTaskResult(_ context.Context, res repository.TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return r.recordResultErr
}

func (r *fakeBatchRepo) Park(_ context.Context, batchID string, resumeAt time.Time, dayDate *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parks = append(r.parks, parkCall{batchID: batchID, resumeAt: resumeAt, dayDate: dayDate})
	return nil
}

func (r *fakeBatchRepo) Complete(_ context.Context, batchID string) error {
	r.mu.Lock()
	r.completedIDs = append(r.completedIDs, batchID)
	hook := r.onComplete
	r.mu.Unlock()
	if hook != nil {
		hook(batchID)
	}
	return nil
}

func (r *fakeBatchRepo) Fail(_ context.Context, batchID, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedReasons = append(r.failedReasons, lastError)
	return nil
}

func (r *fakeBatchRepo) FinishCancelled(_ context.Context, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelledIDs = append(r.cancelledIDs, batchID)
	return nil
}

func (r *fakeBatchRepo) ReleaseStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error) {
	if r.releaseStale == nil {
		return 0, nil
	}
	return r.releaseStale(ctx, staleCutoff, limit)
}

func (r *fakeBatchRepo) TotalSegmentsCreated(ctx context.Context, ownerID string) (int, error) {
	if r.totalCreated == nil {
		return 0, nil
	}
	return r.totalCreated(ctx, ownerID)
}

type fakeAccountRepo struct {
	findByRef func(ctx context.Context, accountRef string) (*domain.Account, error)
}

func (r *fakeAccountRepo) Create(_ context.Context, _ *domain.Account) (*domain.Account, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeAccountRepo) FindByRef(ctx context.Context, accountRef string) (*domain.Account, error) {
	return r.findByRef(ctx, accountRef)
}

func (r *fakeAccountRepo) ListByOwner(_ context.Context, _ string) ([]*domain.Account, error) {
	return nil, errors.New("not implemented")
}

type fakeErrRepo struct {
	mu      sync.Mutex
	records []*domain.ErrorRecord
}

func (r *fakeErrRepo) Create(_ context.Context, rec *domain.ErrorRecord) (*domain.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return rec, nil
}

func (r *fakeErrRepo) ListByBatchID(_ context.Context, _ string) ([]*domain.ErrorRecord, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeErrRepo) Resolve(_ context.Context, _, _ string) error {
	return errors.New("not implemented")
}

type fakeLedger struct {
	mu      sync.Mutex
	calls   int
	reserve func(call int, now time.Time) (bool, repository.LedgerState, error)
}

func (l *fakeLedger) Reserve(_ context.Context, _ string, now time.Time, _, _ int) (bool, repository.LedgerState, error) {
	l.mu.Lock()
	l.calls++
	call := l.calls
	l.mu.Unlock()
	if l.reserve == nil {
		return true, repository.LedgerState{}, nil
	}
	return l.reserve(call, now)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]segmentcache.Entry
}

func (c *fakeCache) Replace(_ context.Context, _ string, entries map[string]segmentcache.Entry, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	return nil
}

func (c *fakeCache) Lookup(_ context.Context, _, normalizedName string) (segmentcache.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[normalizedName]
	return e, ok, nil
}

func (c *fakeCache) SyncedAt(_ context.Context, _ string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (c *fakeCache) Ping(_ context.Context) error { return nil }

type fakeClient struct {
	mu            sync.Mutex
	createCalls   []string
	createSegment func(call int, name string) (string, error)
	listOwned     func() ([]platform.Segment, error)
}

func (c *fakeClient) CreateSegment(_ context.Context, _ *domain.Account, name string, _ json.RawMessage) (string, error) {
	c.mu.Lock()
	c.createCalls = append(c.createCalls, name)
	call := len(c.createCalls)
	c.mu.Unlock()
	if c.createSegment == nil {
		return fmt.Sprintf("ext-%d", call), nil
	}
	return c.createSegment(call, name)
}

func (c *fakeClient) ListOwnedSegments(_ context.Context, _ *domain.Account) ([]platform.Segment, error) {
	if c.listOwned == nil {
		return nil, nil
	}
	return c.listOwned()
}

// ---- harness ----

type workerEnv struct {
	repo   *fakeBatchRepo
	errs   *fakeErrRepo
	ledger *fakeLedger
	cache  *fakeCache
	client *fakeClient
	worker *engine.Worker
}

var workerAccount = &domain.Account{ID: "a-1", OwnerID: "owner-1", AccountRef: "acct-1", APIToken: "tok"}

func newWorkerEnv(retryLimit int) *workerEnv {
	env := &workerEnv{
		repo:   &fakeBatchRepo{},
		errs:   &fakeErrRepo{},
		ledger: &fakeLedger{},
		cache:  &fakeCache{},
		client: &fakeClient{},
	}
	logger := slog.Default()
	accounts := &fakeAccountRepo{
		findByRef: func(_ context.Context, _ string) (*domain.Account, error) {
			return workerAccount, nil
		},
	}
	env.worker = engine.NewWorker(
		env.repo,
		accounts,
		env.errs,
		pacer.New(env.ledger, 15, 100),
		reconciler.New(env.client, env.cache, logger),
		env.client,
		notify.New(logger),
		logger,
		retryLimit,
	)
	return env
}

func newBatch(taskNames ...string) (*domain.Batch, []*domain.SegmentTask) {
	b := &domain.Batch{
		ID:            "b-1",
		OwnerID:       "owner-1",
		AccountRef:    "acct-1",
		Name:          "test batch",
		Status:        domain.StatusInProgress,
		SegmentsTotal: len(taskNames),
	}
	tasks := make([]*domain.SegmentTask, len(taskNames))
	for i, name := range taskNames {
		tasks[i] = &domain.SegmentTask{
			ID:         fmt.Sprintf("t-%d", i),
			BatchID:    b.ID,
			Position:   i,
			Name:       name,
			Definition: json.RawMessage("{}"),
			State:      domain.TaskPending,
		}
	}
	return b, tasks
}

func staticTasks(tasks []*domain.SegmentTask) func(context.Context, string) ([]*domain.SegmentTask, error) {
	return func(_ context.Context, _ string) ([]*domain.SegmentTask, error) {
		return tasks, nil
	}
}

// ---- tests ----

func TestRun_AllTasksSucceed_BatchCompletes(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta", "gamma")
	env.repo.listTasks = staticTasks(tasks)

	env.worker.Run(context.Background(), b)

	if len(env.repo.completedIDs) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(env.repo.completedIDs))
	}
	if got := env.client.createCalls; len(got) != 3 {
		t.Fatalf("created %d segments, want 3: %v", len(got), got)
	}
	// Strict position order.
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if env.client.createCalls[i] != want {
			t.Errorf("creation %d = %q, want %q", i, env.client.createCalls[i], want)
		}
	}
	for i, res := range env.repo.results {
		if res.State != domain.TaskSuccess {
			t.Errorf("result %d state = %s, want success", i, res.State)
		}
		if res.ExternalID == nil || *res.ExternalID == "" {
			t.Errorf("result %d missing external id", i)
		}
	}
}

func TestRun_TerminalTasksNotReprocessed(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta", "gamma")
	ext := "ext-old"
	tasks[0].State = domain.TaskSuccess
	tasks[0].ExternalID = &ext
	env.repo.listTasks = staticTasks(tasks)

	env.worker.Run(context.Background(), b)

	if got := env.client.createCalls; len(got) != 2 || got[0] != "beta" {
		t.Fatalf("create calls = %v, want [beta gamma]", got)
	}
	if len(env.repo.completedIDs) != 1 {
		t.Fatal("batch should complete")
	}
}

func TestRun_ExternallyExistingSegment_SkippedWithoutCall(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("VIP Buyers", "fresh segment")
	env.repo.listTasks = staticTasks(tasks)
	env.client.listOwned = func() ([]platform.Segment, error) {
		return []platform.Segment{{ExternalID: "ext-77", Name: "VIP Buyers | AudienceKit"}}, nil
	}

	env.worker.Run(context.Background(), b)

	if got := env.client.createCalls; len(got) != 1 || got[0] != "fresh segment" {
		t.Fatalf("create calls = %v, want only the fresh segment", got)
	}
	if env.ledger.calls != 1 {
		t.Errorf("quota reserved %d times, want 1 — skips must not burn budget", env.ledger.calls)
	}
	if res := env.repo.results[0]; res.State != domain.TaskSuccess || res.ExternalID == nil || *res.ExternalID != "ext-77" {
		t.Errorf("skipped task result = %+v, want success with ext-77", res)
	}
	if len(env.repo.completedIDs) != 1 {
		t.Fatal("batch should complete")
	}
}

func TestRun_MinuteQuotaExhausted_ParksBatch(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta", "gamma")
	env.repo.listTasks = staticTasks(tasks)

	windowStart := time.Now().UTC().Add(-10 * time.Second)
	env.ledger.reserve = func(call int, now time.Time) (bool, repository.LedgerState, error) {
		if call <= 2 {
			return true, repository.LedgerState{}, nil
		}
		return false, repository.LedgerState{
			MinuteWindowStart: windowStart,
			MinuteCount:       15,
			DayDate:           now,
			DayCount:          20,
		}, nil
	}

	env.worker.Run(context.Background(), b)

	if got := env.client.createCalls; len(got) != 2 {
		t.Fatalf("created %d segments before parking, want 2", len(got))
	}
	if len(env.repo.parks) != 1 {
		t.Fatalf("Park called %d times, want 1", len(env.repo.parks))
	}
	park := env.repo.parks[0]
	if want := windowStart.Add(time.Minute); !park.resumeAt.Equal(want) {
		t.Errorf("resumeAt = %v, want %v", park.resumeAt, want)
	}
	if park.dayDate != nil {
		t.Error("minute denial must not set a day budget date")
	}
	if len(env.repo.completedIDs) != 0 {
		t.Error("parked batch must not complete")
	}
}

func TestRun_DayQuotaExhausted_ParksUntilMidnight(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta")
	env.repo.listTasks = staticTasks(tasks)

	env.ledger.reserve = func(call int, now time.Time) (bool, repository.LedgerState, error) {
		return false, repository.LedgerState{
			MinuteWindowStart: now,
			MinuteCount:       0,
			DayDate:           now,
			DayCount:          100,
		}, nil
	}

	env.worker.Run(context.Background(), b)

	if len(env.repo.parks) != 1 {
		t.Fatalf("Park called %d times, want 1", len(env.repo.parks))
	}
	park := env.repo.parks[0]
	if park.dayDate == nil {
		t.Fatal("day denial must record the exhausted day")
	}
	if !park.resumeAt.After(time.Now().UTC()) {
		t.Errorf("resumeAt = %v, want a future midnight", park.resumeAt)
	}
	if len(env.client.createCalls) != 0 {
		t.Error("no creation calls once the day budget is gone")
	}
}

func TestRun_ValidationError_RecordsFailureAndContinues(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("bad one", "good one")
	env.repo.listTasks = staticTasks(tasks)
	env.client.createSegment = func(call int, name string) (string, error) {
		if name == "bad one" {
			return "", &platform.Error{Class: platform.ClassValidation, StatusCode: 400, Message: "definition too broad"}
		}
		return "ext-ok", nil
	}

	env.worker.Run(context.Background(), b)

	if len(env.repo.completedIDs) != 1 {
		t.Fatal("partial failure must still complete the batch")
	}
	if len(env.repo.failedReasons) != 0 {
		t.Fatal("per-task validation failure must not fail the batch")
	}

	var failed, succeeded int
	for _, res := range env.repo.results {
		switch res.State {
		case domain.TaskFailed:
			failed++
			if res.ErrMsg == nil {
				t.Error("failed result missing error message")
			}
		case domain.TaskSuccess:
			succeeded++
		}
	}
	if failed != 1 || succeeded != 1 {
		t.Errorf("failed=%d succeeded=%d, want 1/1", failed, succeeded)
	}

	if len(env.errs.records) != 1 {
		t.Fatalf("error records = %d, want 1", len(env.errs.records))
	}
	if rec := env.errs.records[0]; rec.SegmentName != "bad one" || rec.ErrorMessage == "" {
		t.Errorf("error record = %+v", rec)
	}
}

func TestRun_ValidationError_NeverRetried(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("bad one")
	env.repo.listTasks = staticTasks(tasks)
	env.client.createSegment = func(_ int, _ string) (string, error) {
		return "", &platform.Error{Class: platform.ClassValidation, StatusCode: 422, Message: "nope"}
	}

	env.worker.Run(context.Background(), b)

	if len(env.client.createCalls) != 1 {
		t.Errorf("create called %d times, want exactly 1", len(env.client.createCalls))
	}
}

func TestRun_AuthError_FailsBatchImmediately(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta", "gamma")
	env.repo.listTasks = staticTasks(tasks)
	env.client.createSegment = func(_ int, _ string) (string, error) {
		return "", &platform.Error{Class: platform.ClassAuth, StatusCode: 401, Message: "token revoked"}
	}

	env.worker.Run(context.Background(), b)

	if len(env.repo.failedReasons) != 1 {
		t.Fatalf("Fail called %d times, want 1", len(env.repo.failedReasons))
	}
	if len(env.client.createCalls) != 1 {
		t.Errorf("create called %d times after dead credential, want 1", len(env.client.createCalls))
	}
	if len(env.repo.completedIDs) != 0 {
		t.Error("failed batch must not complete")
	}
}

func TestRun_PlatformSays429_ParksDespiteLocalBudget(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta")
	env.repo.listTasks = staticTasks(tasks)
	env.client.createSegment = func(_ int, _ string) (string, error) {
		return "", &platform.Error{Class: platform.ClassQuota, StatusCode: 429, Message: "rate limited"}
	}

	env.worker.Run(context.Background(), b)

	if len(env.repo.parks) != 1 {
		t.Fatalf("Park called %d times, want 1", len(env.repo.parks))
	}
	if !env.repo.parks[0].resumeAt.After(time.Now().Add(30 * time.Second)) {
		t.Errorf("resumeAt = %v, want roughly a minute out", env.repo.parks[0].resumeAt)
	}
}

func TestRun_CancelRequested_StopsAtTaskBoundary(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta", "gamma")
	env.repo.listTasks = staticTasks(tasks)

	var statusReads int
	env.repo.status = func(_ context.Context, _ string) (repository.BatchStatus, error) {
		statusReads++
		// Cancellation lands after the first task started.
		if statusReads >= 2 {
			return repository.BatchStatus{Status: domain.StatusInProgress, CancelRequested: true}, nil
		}
		return repository.BatchStatus{Status: domain.StatusInProgress}, nil
	}

	env.worker.Run(context.Background(), b)

	if len(env.client.createCalls) != 1 {
		t.Fatalf("created %d segments, want 1 — cancellation stops the next task", len(env.client.createCalls))
	}
	if len(env.repo.cancelledIDs) != 1 {
		t.Fatalf("FinishCancelled called %d times, want 1", len(env.repo.cancelledIDs))
	}
	if len(env.repo.completedIDs) != 0 {
		t.Error("cancelled batch must not complete")
	}
}

func TestRun_LostOwnership_StopsSilently(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta")
	env.repo.listTasks = staticTasks(tasks)
	env.repo.status = func(_ context.Context, _ string) (repository.BatchStatus, error) {
		return repository.BatchStatus{Status: domain.StatusWaitingRetry}, nil
	}

	env.worker.Run(context.Background(), b)

	if len(env.client.createCalls) != 0 {
		t.Error("no creation calls without ownership")
	}
	if len(env.repo.completedIDs)+len(env.repo.failedReasons)+len(env.repo.cancelledIDs) != 0 {
		t.Error("no terminal transition without ownership")
	}
}

func TestRun_ConsecutiveFailures_AbortsBatch(t *testing.T) {
	env := newWorkerEnv(0)
	b, tasks := newBatch("s1", "s2", "s3", "s4", "s5", "s6", "s7")
	env.repo.listTasks = staticTasks(tasks)
	env.client.createSegment = func(_ int, _ string) (string, error) {
		return "", &platform.Error{Class: platform.ClassValidation, StatusCode: 400, Message: "broken"}
	}

	env.worker.Run(context.Background(), b)

	if len(env.repo.failedReasons) != 1 {
		t.Fatalf("Fail called %d times, want 1", len(env.repo.failedReasons))
	}
	if len(env.client.createCalls) != 5 {
		t.Errorf("created %d times before aborting, want 5", len(env.client.createCalls))
	}
}

func TestRun_TransientError_RetriesAndSucceeds(t *testing.T) {
	env := newWorkerEnv(1)
	b, tasks := newBatch("flaky")
	env.repo.listTasks = staticTasks(tasks)
	env.client.createSegment = func(call int, _ string) (string, error) {
		if call == 1 {
			return "", &platform.Error{Class: platform.ClassTransient, StatusCode: 503, Message: "try later"}
		}
		return "ext-2nd", nil
	}

	env.worker.Run(context.Background(), b)

	if len(env.client.createCalls) != 2 {
		t.Fatalf("create called %d times, want 2", len(env.client.createCalls))
	}
	if env.ledger.calls != 2 {
		t.Errorf("quota reserved %d times, want 2 — every attempt is a platform call", env.ledger.calls)
	}
	if len(env.repo.results) != 1 {
		t.Fatalf("results = %d, want 1", len(env.repo.results))
	}
	if res := env.repo.results[0]; res.State != domain.TaskSuccess || res.AttemptCount != 2 {
		t.Errorf("result = %+v, want success after 2 attempts", res)
	}
	if len(env.repo.completedIDs) != 1 {
		t.Fatal("batch should complete")
	}
}

func TestRun_TransientRetriesExhausted_TaskFails(t *testing.T) {
	env := newWorkerEnv(0)
	b, tasks := newBatch("flaky", "fine")
	env.repo.listTasks = staticTasks(tasks)
	env.client.createSegment = func(_ int, name string) (string, error) {
		if name == "flaky" {
			return "", &platform.Error{Class: platform.ClassTransient, StatusCode: 500, Message: "boom"}
		}
		return "ext-ok", nil
	}

	env.worker.Run(context.Background(), b)

	if len(env.repo.completedIDs) != 1 {
		t.Fatal("batch should complete despite the failed task")
	}
	if len(env.errs.records) != 1 {
		t.Fatalf("error records = %d, want 1", len(env.errs.records))
	}
	if rec := env.errs.records[0]; rec.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", rec.RetryCount)
	}
}

func TestRun_RecordSuccessFails_RunAbortsWithoutCompleting(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha", "beta")
	env.repo.listTasks = staticTasks(tasks)
	env.repo.recordResultErr = errors.New("db write failed")

	env.worker.Run(context.Background(), b)

	if len(env.client.createCalls) != 1 {
		t.Fatalf("created %d segments, want 1 before the run aborts", len(env.client.createCalls))
	}
	if len(env.repo.completedIDs) != 0 {
		t.Error("batch must not complete while a task result is unpersisted")
	}
	if len(env.repo.failedReasons)+len(env.repo.parks) != 0 {
		t.Error("run must abort without any other terminal transition")
	}
}

func TestRun_RecordFailureFails_RunAbortsWithoutCompleting(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("bad one", "good one")
	env.repo.listTasks = staticTasks(tasks)
	env.repo.recordResultErr = errors.New("db write failed")
	env.client.createSegment = func(_ int, _ string) (string, error) {
		return "", &platform.Error{Class: platform.ClassValidation, StatusCode: 400, Message: "rejected"}
	}

	env.worker.Run(context.Background(), b)

	if len(env.client.createCalls) != 1 {
		t.Fatalf("created %d segments, want 1 before the run aborts", len(env.client.createCalls))
	}
	if len(env.repo.completedIDs) != 0 {
		t.Error("batch must not complete while a task result is unpersisted")
	}
	if len(env.errs.records) != 0 {
		t.Error("no error record for a failure that was never persisted")
	}
}

func TestRun_SkipRecordFails_NoDuplicateCreationCall(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("VIP Buyers")
	env.repo.listTasks = staticTasks(tasks)
	env.repo.recordResultErr = errors.New("db write failed")
	env.client.listOwned = func() ([]platform.Segment, error) {
		return []platform.Segment{{ExternalID: "ext-77", Name: "VIP Buyers | AudienceKit"}}, nil
	}

	env.worker.Run(context.Background(), b)

	if len(env.client.createCalls) != 0 {
		t.Fatalf("created %d segments, want 0: the segment already exists externally", len(env.client.createCalls))
	}
	if len(env.repo.completedIDs) != 0 {
		t.Error("batch must not complete with the skip unpersisted")
	}
}

func TestRun_AccountLookupOutage_LeavesBatchRetryable(t *testing.T) {
	env := newWorkerEnv(3)
	b, _ := newBatch("alpha")

	logger := slog.Default()
	accounts := &fakeAccountRepo{
		findByRef: func(_ context.Context, _ string) (*domain.Account, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	w := engine.NewWorker(
		env.repo, accounts, env.errs,
		pacer.New(env.ledger, 15, 100),
		reconciler.New(env.client, env.cache, logger),
		env.client, notify.New(logger), logger, 3,
	)

	w.Run(context.Background(), b)

	if len(env.repo.failedReasons) != 0 {
		t.Fatalf("Fail called %d times on a storage outage, want 0", len(env.repo.failedReasons))
	}
	if len(env.client.createCalls) != 0 {
		t.Error("no creation calls without the account loaded")
	}
}

func TestRun_AccountMissing_FailsBatch(t *testing.T) {
	env := newWorkerEnv(3)
	b, _ := newBatch("alpha")

	logger := slog.Default()
	accounts := &fakeAccountRepo{
		findByRef: func(_ context.Context, _ string) (*domain.Account, error) {
			return nil, domain.ErrAccountNotFound
		},
	}
	w := engine.NewWorker(
		env.repo, accounts, env.errs,
		pacer.New(env.ledger, 15, 100),
		reconciler.New(env.client, env.cache, logger),
		env.client, notify.New(logger), logger, 3,
	)

	w.Run(context.Background(), b)

	if len(env.repo.failedReasons) != 1 {
		t.Fatalf("Fail called %d times, want 1", len(env.repo.failedReasons))
	}
}

func TestRun_SnapshotSyncFails_RunProceedsWithStaleCache(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha")
	env.repo.listTasks = staticTasks(tasks)
	env.client.listOwned = func() ([]platform.Segment, error) {
		return nil, &platform.Error{Class: platform.ClassTransient, StatusCode: 502, Message: "bad gateway"}
	}

	env.worker.Run(context.Background(), b)

	if len(env.repo.completedIDs) != 1 {
		t.Fatal("a failed snapshot sync must not block the batch")
	}
}

func TestRun_SnapshotSyncAuthError_FailsBatch(t *testing.T) {
	env := newWorkerEnv(3)
	b, tasks := newBatch("alpha")
	env.repo.listTasks = staticTasks(tasks)
	env.client.listOwned = func() ([]platform.Segment, error) {
		return nil, &platform.Error{Class: platform.ClassAuth, StatusCode: 403, Message: "forbidden"}
	}

	env.worker.Run(context.Background(), b)

	if len(env.repo.failedReasons) != 1 {
		t.Fatalf("Fail called %d times, want 1", len(env.repo.failedReasons))
	}
	if len(env.client.createCalls) != 0 {
		t.Error("no creation calls with a rejected credential")
	}
}
