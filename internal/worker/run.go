package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
	"github.com/yoda-digital/ordinaut/internal/pipeline"
	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// Outcomes recorded on run.finished audit entries and the runs metric.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeCanceled  = "canceled"
	outcomeAbandoned = "abandoned"
)

// Store bookkeeping around attempts retries briefly on transient failure.
const bookkeepAttempts = 3

// executeItem drives the attempt loop for one leased item. Every attempt
// opens a TaskRun before the pipeline starts and finalises it after, so
// the run history is complete even across crashes and re-leases.
//
// The retry budget is per leasehold: attempt numbers continue across
// claimants, but each claimant executes at most max_retries+1 attempts of
// its own before declaring the run failed.
func (w *Worker) executeItem(ctx context.Context, t *task.Task, item *task.WorkItem) {
	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	lease := newLeaseGuard()
	stopRenewal := w.startRenewal(runCtx, item, lease, abort)
	defer stopRenewal()

	gate := w.gate(t.ID, item.ID, lease)
	policy := t.Backoff()
	maxAttempts := t.MaxRetries + 1
	startedAt := w.now()

	var outcome string
	var lastErr error
	lastAttempt := 0

	for budget := 1; ; budget++ {
		if lease.Lost() {
			w.abandon(t, item, lastAttempt, startedAt, lastErr)
			return
		}
		if ctx.Err() != nil {
			w.releaseOnShutdown(item)
			return
		}

		runID, attempt, err := w.insertRun(runCtx, t, item)
		if err != nil {
			if lease.Lost() {
				w.abandon(t, item, lastAttempt, startedAt, err)
				return
			}
			w.logger.Error("work item %d: run record not opened, returning item: %v", item.ID, err)
			w.release(item)
			return
		}
		lastAttempt = attempt

		output, execErr := w.exec.Execute(runCtx, pipeline.Request{
			Task:    t,
			RunID:   runID,
			Attempt: attempt,
			Event:   item.EventPayload,
			Gate:    gate,
		})
		finishedAt := w.now()

		if execErr == nil {
			w.finalizeRun(runID, true, finishedAt, "", output)
			w.logger.Info("task %s: attempt %d succeeded (work item %d)", t.ID, attempt, item.ID)
			outcome = outcomeSucceeded
			break
		}
		lastErr = execErr
		w.finalizeRun(runID, false, finishedAt, execErr.Error(), nil)

		switch {
		case lease.Lost() || taskerr.Is(execErr, taskerr.KindLeaseLost):
			w.abandon(t, item, attempt, startedAt, execErr)
			return
		case ctx.Err() != nil:
			w.releaseOnShutdown(item)
			return
		case taskerr.Is(execErr, taskerr.KindCanceled):
			w.logger.Info("task %s: attempt %d stopped, task no longer active", t.ID, attempt)
			outcome = outcomeCanceled
		case taskerr.Retryable(execErr) && budget < maxAttempts:
			delay := policy.ForAttempt(attempt)
			w.metrics.RecordBackoff(ctx, delay)
			w.logger.Warn("task %s: attempt %d failed, next try in %s: %v",
				t.ID, attempt, delay.Round(time.Millisecond), execErr)
			// An interrupted sleep is re-examined at the top of the loop.
			_ = taskerr.Sleep(runCtx, delay)
			continue
		default:
			w.logger.Error("task %s: giving up after attempt %d: %v", t.ID, attempt, execErr)
			outcome = outcomeFailed
		}
		break
	}

	stopRenewal()
	w.settle(t, item, outcome, lastAttempt, startedAt, lastErr)
}

// settle removes the finished item and records the terminal outcome.
func (w *Worker) settle(t *task.Task, item *task.WorkItem, outcome string, attempt int, startedAt time.Time, lastErr error) {
	ctx, cancel := w.opCtx()
	defer cancel()
	w.deleteItem(ctx, item)
	w.metrics.RecordRun(ctx, outcome, attempt, w.now().Sub(startedAt))

	details := map[string]any{
		"outcome":      outcome,
		"attempts":     attempt,
		"work_item_id": item.ID,
	}
	if lastErr != nil && outcome != outcomeSucceeded {
		details["error"] = lastErr.Error()
	}
	w.audit(ctx, t.ID, task.AuditRunFinished, details)
}

// abandon walks away from an item whose lease is gone. No delete and no
// release: the row already belongs to whoever claims it next, and the
// attempt counter carries on from the runs recorded here.
func (w *Worker) abandon(t *task.Task, item *task.WorkItem, attempt int, startedAt time.Time, cause error) {
	ctx, cancel := w.opCtx()
	defer cancel()
	w.metrics.RecordRun(ctx, outcomeAbandoned, attempt, w.now().Sub(startedAt))

	details := map[string]any{
		"work_item_id": item.ID,
		"attempts":     attempt,
		"lease_owner":  w.id,
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	w.audit(ctx, t.ID, task.AuditRunAbandoned, details)
	w.logger.Warn("task %s: run abandoned at attempt %d, work item %d stays queued", t.ID, attempt, item.ID)
}

func (w *Worker) releaseOnShutdown(item *task.WorkItem) {
	w.release(item)
	w.logger.Info("work item %d released for shutdown", item.ID)
}

// insertRun opens the attempt's TaskRun, retrying transient store trouble.
// The attempt number comes back from the store so it continues across
// re-leases of the same item.
func (w *Worker) insertRun(ctx context.Context, t *task.Task, item *task.WorkItem) (uuid.UUID, int, error) {
	var runID uuid.UUID
	var attempt int
	err := taskerr.Retry(ctx, w.bookkeep, bookkeepAttempts, func(ctx context.Context) error {
		id, n, err := w.store.InsertRun(ctx, t.ID, item.ID, w.id)
		if err != nil {
			return taskerr.Store(err, "insert run for task %s", t.ID)
		}
		runID, attempt = id, n
		return nil
	})
	return runID, attempt, err
}

// finalizeRun closes a TaskRun on a detached context so the record lands
// even when the attempt died to shutdown or lease loss.
func (w *Worker) finalizeRun(runID uuid.UUID, success bool, finishedAt time.Time, errMsg string, output json.RawMessage) {
	ctx, cancel := w.opCtx()
	defer cancel()
	err := taskerr.Retry(ctx, w.bookkeep, bookkeepAttempts, func(ctx context.Context) error {
		if err := w.store.FinalizeRun(ctx, runID, success, finishedAt, errMsg, output); err != nil {
			return taskerr.Store(err, "finalize run %s", runID)
		}
		return nil
	})
	if err != nil {
		w.logger.Error("run %s left open in the store: %v", runID, err)
	}
}
