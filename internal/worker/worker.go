// Package worker drains the durable work queue. Each lease loop claims
// one due item exclusively, re-reads the owning task, and drives the
// pipeline attempt loop with backoff. Items are settled exactly one way:
// deleted after a terminal outcome, released back on shutdown, or left
// for the next claimant when the lease is lost.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
	"github.com/yoda-digital/ordinaut/internal/observability"
	"github.com/yoda-digital/ordinaut/internal/pipeline"
	"github.com/yoda-digital/ordinaut/internal/shared/async"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
	"github.com/yoda-digital/ordinaut/internal/store"
	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// Store is the slice of the durable store workers need.
type Store interface {
	LeaseReadyWork(ctx context.Context, now time.Time, leaseFor time.Duration, workerID string) (*task.WorkItem, error)
	RenewLease(ctx context.Context, workItemID int64, workerID string, now, newUntil time.Time) (bool, error)
	ReleaseLease(ctx context.Context, workItemID int64, workerID string) (bool, error)
	DeleteWorkItem(ctx context.Context, workItemID int64, workerID string) (bool, error)
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	TaskStatus(ctx context.Context, id uuid.UUID) (task.Status, error)
	InsertRun(ctx context.Context, taskID uuid.UUID, workItemID int64, leaseOwner string) (uuid.UUID, int, error)
	FinalizeRun(ctx context.Context, runID uuid.UUID, success bool, finishedAt time.Time, errMsg string, output json.RawMessage) error
	AcquireConcurrencySlot(ctx context.Context, key string) (func(), bool, error)
	PublishAudit(ctx context.Context, entry task.AuditEntry) error
}

// Executor runs one pipeline attempt.
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (json.RawMessage, error)
}

// Options sizes one worker process.
type Options struct {
	// ID is the lease owner recorded on every item this process claims.
	// Must be unique among live workers.
	ID string
	// Lease is how long a claim lasts before other workers may steal it.
	Lease time.Duration
	// Poll bounds the sleep between polls of an empty queue.
	Poll time.Duration
	// Concurrency is the number of independent lease loops.
	Concurrency int
}

// Worker owns a set of lease loops sharing one store and executor.
type Worker struct {
	store   Store
	exec    Executor
	logger  logging.Logger
	metrics *observability.Metrics

	id          string
	lease       time.Duration
	poll        time.Duration
	concurrency int

	// Swapped in tests.
	now        func() time.Time
	jitter     func() float64
	renewEvery time.Duration
	cancelPoll time.Duration
	opTimeout  time.Duration
	bookkeep   taskerr.Policy
}

// New builds a worker. Metrics may be nil.
func New(st Store, exec Executor, opts Options, logger logging.Logger, metrics *observability.Metrics) *Worker {
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.NewString()[:8]
	}
	if opts.Lease <= 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 250 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	renewEvery := opts.Lease / 4
	if renewEvery < time.Second {
		renewEvery = time.Second
	}
	return &Worker{
		store:       st,
		exec:        exec,
		logger:      logging.OrNop(logger),
		metrics:     metrics,
		id:          opts.ID,
		lease:       opts.Lease,
		poll:        opts.Poll,
		concurrency: opts.Concurrency,
		now:         time.Now,
		jitter:      rand.Float64,
		renewEvery:  renewEvery,
		cancelPoll:  time.Second,
		opTimeout:   30 * time.Second,
		bookkeep:    taskerr.Policy{Strategy: taskerr.StrategyFixed, Base: 500 * time.Millisecond},
	}
}

// Run starts the lease loops and blocks until ctx is canceled. A clean
// shutdown returns nil; in-flight items are released on the way out.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker %s: %d lease loops, lease %s, poll %s", w.id, w.concurrency, w.lease, w.poll)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		w.logger.Info("worker %s stopped", w.id)
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := w.store.LeaseReadyWork(ctx, w.now(), w.lease, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("worker %s: lease poll failed: %v", w.id, err)
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}
		if item == nil {
			w.metrics.RecordEmptyPoll(ctx)
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}
		w.metrics.RecordLease(ctx)
		w.process(ctx, item)
	}
}

// idle sleeps a jittered fraction of the poll interval so a fleet of
// workers spreads its polling instead of herding.
func (w *Worker) idle(ctx context.Context) error {
	d := time.Duration(float64(w.poll) * (0.5 + 0.5*w.jitter()))
	return taskerr.Sleep(ctx, d)
}

// process triages one leased item: confirm the task still wants to run,
// claim its concurrency slot if it has one, then execute.
func (w *Worker) process(ctx context.Context, item *task.WorkItem) {
	defer async.Recover(w.logger, "worker-item")

	t, err := w.store.GetTask(ctx, item.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.drop(item, "task row is gone")
			return
		}
		w.logger.Warn("work item %d: task %s not loadable: %v", item.ID, item.TaskID, err)
		w.release(item)
		return
	}
	if t.Status != task.StatusActive {
		w.drop(item, fmt.Sprintf("task is %s", t.Status))
		return
	}

	if t.ConcurrencyKey != "" {
		releaseSlot, ok, err := w.store.AcquireConcurrencySlot(ctx, t.ConcurrencyKey)
		if err != nil {
			w.logger.Warn("work item %d: concurrency slot %q: %v", item.ID, t.ConcurrencyKey, err)
			w.release(item)
			return
		}
		if !ok {
			// Another run under this key is in flight somewhere. Give the
			// item back; it stays due and gets picked up again.
			w.release(item)
			w.logger.Debug("work item %d: key %q busy, item returned to queue", item.ID, t.ConcurrencyKey)
			return
		}
		defer releaseSlot()
	}

	w.executeItem(ctx, t, item)
}

// drop deletes an item that must not run.
func (w *Worker) drop(item *task.WorkItem, reason string) {
	ctx, cancel := w.opCtx()
	defer cancel()
	w.deleteItem(ctx, item)
	w.audit(ctx, item.TaskID, task.AuditWorkItemDropped, map[string]any{
		"work_item_id": item.ID,
		"reason":       reason,
	})
	w.logger.Info("work item %d dropped: %s", item.ID, reason)
}

// release hands the item back to the queue immediately instead of letting
// the lease run out.
func (w *Worker) release(item *task.WorkItem) {
	ctx, cancel := w.opCtx()
	defer cancel()
	if _, err := w.store.ReleaseLease(ctx, item.ID, w.id); err != nil {
		w.logger.Warn("work item %d: release failed, lease will expire on its own: %v", item.ID, err)
	}
}

func (w *Worker) deleteItem(ctx context.Context, item *task.WorkItem) {
	ok, err := w.store.DeleteWorkItem(ctx, item.ID, w.id)
	if err != nil {
		w.logger.Error("work item %d: delete failed, item will reappear after lease expiry: %v", item.ID, err)
		return
	}
	if !ok {
		w.logger.Warn("work item %d: already gone or re-leased elsewhere", item.ID)
	}
}

// audit records an action against a task. Best effort: a failed write
// never blocks the loop.
func (w *Worker) audit(ctx context.Context, subject uuid.UUID, action string, details map[string]any) {
	err := w.store.PublishAudit(ctx, task.AuditEntry{
		Action:    action,
		SubjectID: subject.String(),
		Details:   details,
	})
	if err != nil {
		w.logger.Warn("audit %s for %s not recorded: %v", action, subject, err)
	}
}

// opCtx returns a detached, bounded context for bookkeeping that must
// land even while the process is shutting down.
func (w *Worker) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.opTimeout)
}
