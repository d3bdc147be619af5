package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/metrics"
	"github.com/audiencekit/segment-engine/internal/notify"
	"github.com/audiencekit/segment-engine/internal/pacer"
	"github.com/audiencekit/segment-engine/internal/platform"
	"github.com/audiencekit/segment-engine/internal/reconciler"
	"github.com/audiencekit/segment-engine/internal/repository"
)

// maxConsecutiveFailures aborts a batch that keeps failing task after task —
// continuing would only burn quota fruitlessly.
const maxConsecutiveFailures = 5

// quotaRetryDelay is how long to park when the platform itself returns 429
// even though the local ledger had capacity (clock skew, out-of-band calls).
const quotaRetryDelay = time.Minute

// Worker drains one claimed batch's task list in order. It never sleeps
// across quota waits: a pacer denial parks the batch and returns control, and
// the sweeper picks it up again once the window frees up. That keeps the
// engine crash-safe and lets any worker process resume any batch.
type Worker struct {
	batches    repository.BatchRepository
	accounts   repository.AccountRepository
	errRecords repository.ErrorRecordRepository
	pacer      *pacer.Pacer
	reconciler *reconciler.Reconciler
	client     platform.Client
	notifier   *notify.Notifier
	logger     *slog.Logger
	retryLimit int
}

func NewWorker(
	batches repository.BatchRepository,
	accounts repository.AccountRepository,
	errRecords repository.ErrorRecordRepository,
	p *pacer.Pacer,
	rec *reconciler.Reconciler,
	client platform.Client,
	notifier *notify.Notifier,
	logger *slog.Logger,
	retryLimit int,
) *Worker {
	return &Worker{
		batches:    batches,
		accounts:   accounts,
		errRecords: errRecords,
		pacer:      p,
		reconciler: rec,
		client:     client,
		notifier:   notifier,
		logger:     logger.With("component", "worker"),
		retryLimit: retryLimit,
	}
}

// Run processes one batch that the caller has already claimed (in_progress).
// On return the batch is either terminal, parked as waiting_retry, or — after
// an unexpected storage error — left in_progress for the stale release to
// recover.
func (w *Worker) Run(ctx context.Context, b *domain.Batch) {
	metrics.BatchesInFlight.Inc()
	defer metrics.BatchesInFlight.Dec()

	logger := w.logger.With("batch_id", b.ID, "account_ref", b.AccountRef)

	account, err := w.accounts.FindByRef(ctx, b.AccountRef)
	if err != nil {
		// Only a missing registration is catastrophic. A storage outage is
		// transient: abort the run and keep the batch retryable.
		if errors.Is(err, domain.ErrAccountNotFound) {
			logger.Error("external account not registered", "error", err)
			w.failBatch(ctx, b, nil, "external account not registered: "+err.Error())
			return
		}
		logger.Error("load account, aborting run — stale release will recover", "error", err)
		return
	}

	// Refresh the external snapshot so resumed batches skip segments that
	// already exist. A stale snapshot is tolerable; a dead credential is not.
	if err := w.reconciler.Sync(ctx, account); err != nil {
		if platform.Classify(err) == platform.ClassAuth {
			logger.Error("credential rejected during sync", "error", err)
			w.failBatch(ctx, b, account, "platform credential rejected: "+err.Error())
			return
		}
		logger.Warn("segment snapshot sync failed, using stale cache", "error", err)
	}

	tasks, err := w.batches.ListTasks(ctx, b.ID)
	if err != nil {
		logger.Error("list tasks, aborting run — stale release will recover", "error", err)
		return
	}

	st := &runState{batch: b, account: account, success: b.SuccessCount, failed: b.ErrorCount}

	for _, task := range tasks {
		if task.State.Terminal() {
			continue
		}

		proceed, err := w.checkOwnership(ctx, st, logger)
		if err != nil || !proceed {
			return
		}

		done, abort := w.trySkip(ctx, st, task, logger)
		if abort {
			return
		}
		if done {
			continue
		}

		decision, err := w.pacer.Acquire(ctx, b.AccountRef, time.Now())
		if err != nil {
			logger.Error("pacer acquire, aborting run — stale release will recover", "error", err)
			return
		}
		if !decision.Allowed {
			metrics.QuotaDenialsTotal.WithLabelValues(string(decision.Window)).Inc()
			w.park(ctx, st, decision, logger)
			return
		}

		outcome := w.createTask(ctx, st, task, logger)
		switch outcome {
		case outcomeAbort, outcomeParked:
			return
		case outcomeFailed:
			st.consecutiveFailures++
			if st.consecutiveFailures >= maxConsecutiveFailures {
				logger.Error("too many consecutive task failures, aborting batch",
					"consecutive", st.consecutiveFailures)
				w.failBatch(ctx, b, account, "aborted after repeated consecutive failures")
				return
			}
		case outcomeCreated:
			st.consecutiveFailures = 0
		}
	}

	w.finishCompleted(ctx, st, logger)
}

type runState struct {
	batch               *domain.Batch
	account             *domain.Account
	success             int
	failed              int
	consecutiveFailures int
}

type taskOutcome int

const (
	outcomeCreated taskOutcome = iota
	outcomeFailed
	outcomeParked
	outcomeAbort
)

// checkOwnership is the cooperative cancellation point, once per task
// boundary. An in-flight call is never interrupted; the flag only stops the
// next task from starting.
func (w *Worker) checkOwnership(ctx context.Context, st *runState, logger *slog.Logger) (bool, error) {
	bs, err := w.batches.Status(ctx, st.batch.ID)
	if err != nil {
		logger.Error("read batch status", "error", err)
		return false, err
	}
	if bs.CancelRequested || bs.Status == domain.StatusCancelled {
		if bs.Status != domain.StatusCancelled {
			if err := w.batches.FinishCancelled(ctx, st.batch.ID); err != nil {
				logger.Error("finish cancelled batch", "error", err)
			}
		}
		logger.Info("batch cancelled, remaining tasks stay pending")
		w.emit(ctx, st, domain.StatusCancelled, nil)
		return false, nil
	}
	if bs.Status != domain.StatusInProgress {
		// Another process moved the batch; this worker no longer owns it.
		logger.Warn("lost batch ownership", "status", bs.Status)
		return false, nil
	}
	return true, nil
}

// trySkip marks the task successful without a creation call when the
// reconciler already knows the segment exists externally.
func (w *Worker) trySkip(ctx context.Context, st *runState, task *domain.SegmentTask, logger *slog.Logger) (done, abort bool) {
	externalID, ok, err := w.reconciler.Lookup(ctx, st.batch.AccountRef, task.Name)
	if err != nil {
		logger.Warn("reconciler lookup failed, proceeding with creation", "task", task.Name, "error", err)
		return false, false
	}
	if !ok {
		return false, false
	}

	res := repository.TaskResult{
		BatchID:      st.batch.ID,
		TaskID:       task.ID,
		State:        domain.TaskSuccess,
		ExternalID:   &externalID,
		AttemptCount: task.AttemptCount,
	}
	if err := w.batches.RecordTaskResult(ctx, res); err != nil {
		// The segment already exists externally; falling through to the
		// creation call would duplicate it. Abort and let the stale release
		// retry the skip.
		logger.Error("record skipped task, aborting run — stale release will recover", "task", task.Name, "error", err)
		return false, true
	}
	st.success++
	st.consecutiveFailures = 0
	metrics.SegmentTasksTotal.WithLabelValues("skipped").Inc()
	logger.Info("segment already exists externally, skipped", "task", task.Name, "external_id", externalID)
	return true, false
}

// createTask runs the creation call with the per-task retry policy. The
// caller already reserved quota for the first attempt; every retry reserves
// its own slot, since each retry is another platform call.
func (w *Worker) createTask(ctx context.Context, st *runState, task *domain.SegmentTask, logger *slog.Logger) taskOutcome {
	attempts := task.AttemptCount

	for {
		attempts++
		if err := w.batches.MarkTaskCreating(ctx, task.ID); err != nil {
			logger.Error("mark task creating", "task", task.Name, "error", err)
			return outcomeAbort
		}

		start := time.Now()
		externalID, err := w.client.CreateSegment(ctx, st.account, task.Name, task.Definition)
		if err == nil {
			metrics.TaskCallDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
			if !w.recordSuccess(ctx, st, task, externalID, attempts, logger) {
				return outcomeAbort
			}
			return outcomeCreated
		}
		metrics.TaskCallDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())

		switch platform.Classify(err) {
		case platform.ClassAuth:
			logger.Error("credential rejected", "task", task.Name, "error", err)
			w.failBatch(ctx, st.batch, st.account, "platform credential rejected: "+err.Error())
			return outcomeAbort

		case platform.ClassQuota:
			logger.Warn("platform returned quota error despite local budget", "task", task.Name)
			metrics.QuotaDenialsTotal.WithLabelValues(string(pacer.WindowMinute)).Inc()
			w.park(ctx, st, pacer.Decision{ResumeAt: time.Now().Add(quotaRetryDelay), Window: pacer.WindowMinute}, logger)
			return outcomeParked

		case platform.ClassValidation:
			logger.Warn("definition rejected", "task", task.Name, "error", err)
			if !w.recordFailure(ctx, st, task, err, attempts, logger) {
				return outcomeAbort
			}
			return outcomeFailed

		default: // transient
			if attempts <= w.retryLimit {
				delay := retryDelay(attempts)
				logger.Warn("transient error, will retry task",
					"task", task.Name, "attempt", attempts, "retry_in", delay, "error", err)
				if !sleepCtx(ctx, delay) {
					return outcomeAbort
				}
				decision, perr := w.pacer.Acquire(ctx, st.batch.AccountRef, time.Now())
				if perr != nil {
					logger.Error("pacer acquire for retry", "error", perr)
					return outcomeAbort
				}
				if !decision.Allowed {
					metrics.QuotaDenialsTotal.WithLabelValues(string(decision.Window)).Inc()
					w.park(ctx, st, decision, logger)
					return outcomeParked
				}
				continue
			}
			logger.Warn("transient error, retries exhausted",
				"task", task.Name, "attempts", attempts, "error", err)
			if !w.recordFailure(ctx, st, task, err, attempts, logger) {
				return outcomeAbort
			}
			return outcomeFailed
		}
	}
}

// recordSuccess persists the task's terminal state. A false return means the
// write failed and the run must abort: continuing would let the batch reach
// completed with this task stuck non-terminal. The external call already
// succeeded, so on resume the reconciler skip prevents a duplicate creation.
func (w *Worker) recordSuccess(ctx context.Context, st *runState, task *domain.SegmentTask, externalID string, attempts int, logger *slog.Logger) bool {
	res := repository.TaskResult{
		BatchID:      st.batch.ID,
		TaskID:       task.ID,
		State:        domain.TaskSuccess,
		ExternalID:   &externalID,
		AttemptCount: attempts,
	}
	if err := w.batches.RecordTaskResult(ctx, res); err != nil {
		logger.Error("record task success, aborting run — stale release will recover", "task", task.Name, "error", err)
		return false
	}
	st.success++
	metrics.SegmentTasksTotal.WithLabelValues("created").Inc()
	logger.Info("segment created", "task", task.Name, "external_id", externalID, "attempts", attempts)
	return true
}

func (w *Worker) recordFailure(ctx context.Context, st *runState, task *domain.SegmentTask, cause error, attempts int, logger *slog.Logger) bool {
	msg := cause.Error()
	res := repository.TaskResult{
		BatchID:      st.batch.ID,
		TaskID:       task.ID,
		State:        domain.TaskFailed,
		AttemptCount: attempts,
		ErrMsg:       &msg,
	}
	if err := w.batches.RecordTaskResult(ctx, res); err != nil {
		logger.Error("record task failure, aborting run — stale release will recover", "task", task.Name, "error", err)
		return false
	}
	st.failed++
	metrics.SegmentTasksTotal.WithLabelValues("failed").Inc()

	// The task row is already terminal; a lost audit record is logged, not
	// fatal to the run.
	if _, err := w.errRecords.Create(ctx, &domain.ErrorRecord{
		BatchID:      st.batch.ID,
		SegmentName:  task.Name,
		ErrorMessage: msg,
		RetryCount:   attempts - 1,
	}); err != nil {
		logger.Error("create error record", "task", task.Name, "error", err)
	}
	return true
}

func (w *Worker) park(ctx context.Context, st *runState, decision pacer.Decision, logger *slog.Logger) {
	var dayDate *time.Time
	if decision.Window == pacer.WindowDay {
		d := time.Now().UTC().Truncate(24 * time.Hour)
		dayDate = &d
	}
	if err := w.batches.Park(ctx, st.batch.ID, decision.ResumeAt, dayDate); err != nil {
		logger.Error("park batch", "error", err)
		return
	}
	logger.Info("quota exhausted, batch parked",
		"window", decision.Window,
		"resume_at", decision.ResumeAt,
		"processed", st.success+st.failed,
		"total", st.batch.SegmentsTotal,
	)
}

// finishCompleted runs when the loop drained every task to a terminal state.
// Per-task failures leave the batch completed, not failed — partial success
// is still a finished batch.
func (w *Worker) finishCompleted(ctx context.Context, st *runState, logger *slog.Logger) {
	if err := w.batches.Complete(ctx, st.batch.ID); err != nil {
		logger.Error("complete batch", "error", err)
		return
	}
	now := time.Now()
	logger.Info("batch completed", "success_count", st.success, "error_count", st.failed)
	w.emit(ctx, st, domain.StatusCompleted, &now)
}

func (w *Worker) failBatch(ctx context.Context, b *domain.Batch, account *domain.Account, reason string) {
	if err := w.batches.Fail(ctx, b.ID, reason); err != nil {
		w.logger.Error("fail batch", "batch_id", b.ID, "error", err)
		return
	}
	now := time.Now()
	st := &runState{batch: b, account: account, success: b.SuccessCount, failed: b.ErrorCount}
	w.emit(ctx, st, domain.StatusFailed, &now)
}

func (w *Worker) emit(ctx context.Context, st *runState, status domain.Status, completedAt *time.Time) {
	metrics.BatchesFinishedTotal.WithLabelValues(string(status)).Inc()

	ev := notify.Event{
		BatchID:      st.batch.ID,
		BatchName:    st.batch.Name,
		OwnerID:      st.batch.OwnerID,
		AccountRef:   st.batch.AccountRef,
		Status:       status,
		SuccessCount: st.success,
		ErrorCount:   st.failed,
		CompletedAt:  completedAt,
	}
	if st.account != nil {
		ev.NotifyEmail = st.account.NotifyEmail
	}
	w.notifier.Emit(ctx, ev)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
