package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
	"github.com/yoda-digital/ordinaut/internal/pipeline"
	"github.com/yoda-digital/ordinaut/internal/shared/async"
	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// leaseGuard is the one-way flag shared between the renewal goroutine and
// the attempt loop. Once lost, a lease never comes back.
type leaseGuard struct {
	lost atomic.Bool
}

func newLeaseGuard() *leaseGuard {
	return &leaseGuard{}
}

func (g *leaseGuard) Lost() bool {
	return g.lost.Load()
}

func (g *leaseGuard) markLost() {
	g.lost.Store(true)
}

// startRenewal keeps the item's lease ahead of expiry until stop is
// called. If the lease cannot be extended before it runs out, the guard
// flips and abort cancels the in-flight attempt.
func (w *Worker) startRenewal(ctx context.Context, item *task.WorkItem, guard *leaseGuard, abort context.CancelFunc) (stop func()) {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	async.Go(w.logger, "lease-renewal", func() {
		defer close(done)
		w.renewLoop(renewCtx, item, guard, abort)
	})

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}

// renewLoop extends the lease every renewEvery, several times per lease
// window, so one transient store failure never costs the claim. The loop
// declares the lease lost in exactly two cases: the store says someone
// else holds the row, or renewal kept failing past the last known expiry.
func (w *Worker) renewLoop(ctx context.Context, item *task.WorkItem, guard *leaseGuard, abort context.CancelFunc) {
	until := w.now().Add(w.lease)
	if item.LockedUntil != nil {
		until = *item.LockedUntil
	}

	ticker := time.NewTicker(w.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := w.now()
		newUntil := now.Add(w.lease)
		ok, err := w.store.RenewLease(ctx, item.ID, w.id, now, newUntil)
		w.metrics.RecordLeaseRenewal(ctx, err == nil && ok)
		switch {
		case err != nil:
			if now.After(until) {
				w.logger.Error("work item %d: lease expired while renewal failing: %v", item.ID, err)
				guard.markLost()
				abort()
				return
			}
			w.logger.Warn("work item %d: lease renewal failed, will retry: %v", item.ID, err)
		case !ok:
			w.logger.Error("work item %d: lease no longer held, aborting run", item.ID)
			guard.markLost()
			abort()
			return
		default:
			until = newUntil
		}
	}
}

// gate is the between-steps check the executor polls: lease loss first,
// then a rate-limited read of the task's status flag so cancellation
// lands mid-run without a store round trip per step.
func (w *Worker) gate(taskID uuid.UUID, itemID int64, guard *leaseGuard) pipeline.Gate {
	var lastPoll time.Time
	return func(ctx context.Context) error {
		if guard.Lost() {
			return taskerr.LeaseLost(itemID)
		}
		now := w.now()
		if !lastPoll.IsZero() && now.Sub(lastPoll) < w.cancelPoll {
			return nil
		}
		lastPoll = now
		status, err := w.store.TaskStatus(ctx, taskID)
		if err != nil {
			// A flaky status read must not kill a healthy attempt.
			w.logger.Warn("task %s: cancellation check failed: %v", taskID, err)
			return nil
		}
		if status != task.StatusActive {
			return taskerr.Canceled(taskID.String())
		}
		return nil
	}
}
