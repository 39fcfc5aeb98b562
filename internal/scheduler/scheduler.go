// Package scheduler turns persisted task schedules into due work items.
//
// One scheduler is active at a time, elected through a Postgres advisory
// lock held by the process entry point. It keeps an in-memory timer per
// timed task and, when a timer fires, claims the occurrence in the store
// before inserting the work item. The claim is a monotonic high-water
// mark, so a displaced or restarted scheduler can never materialise the
// same occurrence twice, and a backward clock jump cannot replay
// instants that were already claimed.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
	"github.com/yoda-digital/ordinaut/internal/observability"
	"github.com/yoda-digital/ordinaut/internal/recurrence"
	"github.com/yoda-digital/ordinaut/internal/shared/async"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
)

// Store is the slice of the durable store the scheduler needs.
type Store interface {
	LoadActiveTasks(ctx context.Context) ([]*task.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	SetTaskStatus(ctx context.Context, id uuid.UUID, status task.Status) error
	SetLastMaterialized(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	InsertWorkItem(ctx context.Context, taskID uuid.UUID, runAt time.Time, priority int, dedupeKey string, eventPayload json.RawMessage) (int64, bool, error)
	HasRunSince(ctx context.Context, taskID uuid.UUID, since time.Time) (bool, error)
	SnoozeNextWork(ctx context.Context, taskID uuid.UUID, delta time.Duration, now time.Time) (bool, error)
	DeletePendingWork(ctx context.Context, taskID uuid.UUID, now time.Time) (int64, error)
	FindEventTasks(ctx context.Context, topic string) ([]*task.Task, error)
	PublishAudit(ctx context.Context, entry task.AuditEntry) error
}

// entry is one timed task's slot in the trigger table. gen changes every
// time the task is re-registered, which lets a fire callback detect that
// it raced a replacement and back off.
type entry struct {
	task      *task.Task
	schedule  recurrence.Schedule
	timer     *time.Timer
	nextAt    time.Time
	gen       uint64
	exhausted bool
}

// Scheduler owns the trigger table and the manual task operations.
type Scheduler struct {
	store   Store
	logger  logging.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	nextGen uint64

	stopped  chan struct{}
	stopOnce sync.Once

	// now is swapped in tests to pin occurrence computation.
	now        func() time.Time
	opTimeout  time.Duration
	retryDelay time.Duration
}

// New builds a scheduler over the given store. Metrics may be nil.
func New(store Store, logger logging.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:      store,
		logger:     logging.OrNop(logger),
		metrics:    metrics,
		entries:    make(map[uuid.UUID]*entry),
		stopped:    make(chan struct{}),
		now:        time.Now,
		opTimeout:  30 * time.Second,
		retryDelay: 5 * time.Second,
	}
}

// Start loads every active task and arms timers for the timed ones.
// Missed occurrences from before this instant are not replayed; the
// first timer is the next occurrence from now.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.LoadActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}

	var dead []*task.Task
	s.mu.Lock()
	for _, t := range tasks {
		if e := s.registerLocked(t); e != nil && e.exhausted {
			dead = append(dead, t)
		}
	}
	armed := s.armedLocked()
	s.mu.Unlock()

	for _, t := range dead {
		s.noteExhausted(ctx, t)
	}
	s.metrics.SetTriggerCount(ctx, armed)
	s.metrics.SetLeader(ctx, true)
	s.logger.Info("scheduler started: %d active tasks, %d timers armed", len(tasks), armed)
	return nil
}

// Stop cancels every armed timer. Fires already in flight finish their
// store work; new fires are refused.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		for _, e := range s.entries {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
		}
		s.mu.Unlock()
		s.metrics.SetLeader(context.Background(), false)
		s.logger.Info("scheduler stopped")
	})
}

// TriggerCount reports how many timers are currently armed.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedLocked()
}

// NextFire returns the next computed occurrence for a task.
func (s *Scheduler) NextFire(taskID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[taskID]
	if e == nil || e.exhausted {
		return time.Time{}, false
	}
	return e.nextAt, true
}

// registerLocked places or replaces the task's trigger entry. Only
// active, timed tasks get one; anything else clears a stale entry.
// Returns the new entry, or nil when the task is not registrable.
func (s *Scheduler) registerLocked(t *task.Task) *entry {
	s.dropLocked(t.ID)
	if t.Status != task.StatusActive || !t.ScheduleKind.Timed() {
		return nil
	}
	sched, err := recurrence.Compile(string(t.ScheduleKind), t.ScheduleExpr, t.Timezone)
	if err != nil {
		// Rows are validated at creation, so a failure here means the
		// expression or zone data changed underneath us. Keep the task
		// out of the table rather than take the scheduler down.
		s.logger.Error("task %s: schedule %q does not compile: %v", t.ID, t.ScheduleExpr, err)
		return nil
	}
	e := &entry{task: t, schedule: sched, gen: s.nextGen}
	s.nextGen++
	s.entries[t.ID] = e
	s.armLocked(e, s.now())
	return e
}

// armLocked computes the first occurrence after ref and starts the
// timer. Instants at or before the persisted high-water mark are
// skipped, so a clock running behind the last claim cannot re-fire it.
func (s *Scheduler) armLocked(e *entry, ref time.Time) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if last := e.task.LastMaterializedAt; last != nil && last.After(ref) {
		ref = *last
	}
	next, ok := e.schedule.NextAfter(ref)
	if !ok {
		e.exhausted = true
		e.timer = nil
		return
	}
	e.nextAt = next
	id, gen := e.task.ID, e.gen
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() {
		s.fire(id, gen, next)
	})
}

func (s *Scheduler) dropLocked(id uuid.UUID) {
	if e := s.entries[id]; e != nil {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
}

func (s *Scheduler) armedLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.timer != nil {
			n++
		}
	}
	return n
}

// unregister drops a task's timer outside the lock and refreshes the
// trigger gauge.
func (s *Scheduler) unregister(taskID uuid.UUID) {
	s.mu.Lock()
	s.dropLocked(taskID)
	armed := s.armedLocked()
	s.mu.Unlock()
	s.metrics.SetTriggerCount(context.Background(), armed)
}

// register replaces a task's entry and reports whether its schedule is
// already exhausted.
func (s *Scheduler) register(t *task.Task) bool {
	s.mu.Lock()
	e := s.registerLocked(t)
	armed := s.armedLocked()
	s.mu.Unlock()
	s.metrics.SetTriggerCount(context.Background(), armed)
	return e != nil && e.exhausted
}

// fire runs when a task's timer elapses. It claims the occurrence,
// inserts the work item, and re-arms for the next occurrence. A claim
// that fails on a store error keeps the same occurrence and retries
// shortly; the claim's monotonic guard makes the retry duplicate-safe.
func (s *Scheduler) fire(taskID uuid.UUID, gen uint64, fireAt time.Time) {
	defer async.Recover(s.logger, "scheduler-fire")
	select {
	case <-s.stopped:
		return
	default:
	}

	s.mu.Lock()
	e := s.entries[taskID]
	if e == nil || e.gen != gen {
		s.mu.Unlock()
		return
	}
	t := e.task
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	err := s.materialize(ctx, t, fireAt)

	var becameExhausted bool
	s.mu.Lock()
	if cur := s.entries[taskID]; cur != nil && cur.gen == gen {
		if err != nil {
			cur.timer = time.AfterFunc(s.retryDelay, func() {
				s.fire(taskID, gen, fireAt)
			})
		} else {
			s.armLocked(cur, fireAt)
			becameExhausted = cur.exhausted
		}
	}
	armed := s.armedLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("task %s: occurrence %s not materialised, retrying in %s: %v",
			taskID, fireAt.Format(time.RFC3339), s.retryDelay, err)
	}
	if becameExhausted {
		s.noteExhausted(ctx, t)
	}
	s.metrics.SetTriggerCount(ctx, armed)
}

// materialize claims the occurrence and inserts its work item. A nil
// return means the occurrence is settled, either inserted, suppressed,
// or claimed by another scheduler; an error means nothing was claimed
// and the same instant may be retried.
func (s *Scheduler) materialize(ctx context.Context, t *task.Task, fireAt time.Time) error {
	moved, err := s.store.SetLastMaterialized(ctx, t.ID, fireAt)
	if err != nil {
		return fmt.Errorf("claim occurrence: %w", err)
	}
	if !moved {
		// Another scheduler incarnation got here first.
		s.logger.Debug("task %s: occurrence %s already claimed", t.ID, fireAt.Format(time.RFC3339))
		return nil
	}
	if err := s.insertWork(ctx, t, fireAt, nil, task.AuditTaskMaterialized); err != nil {
		// The claim is durable but the item is not. Occurrences are not
		// replayed past the high-water mark, so this one is lost; log it
		// loudly instead of wedging the ladder.
		s.logger.Error("task %s: occurrence %s claimed but not inserted: %v",
			t.ID, fireAt.Format(time.RFC3339), err)
	}
	return nil
}

// insertWork applies dedupe and inserts one work item, auditing the
// outcome under the given action.
func (s *Scheduler) insertWork(ctx context.Context, t *task.Task, runAt time.Time, payload json.RawMessage, action string) error {
	if s.dedupeSuppressed(ctx, t, runAt) {
		s.metrics.RecordSuppressed(ctx)
		s.audit(ctx, t.ID, task.AuditTaskSuppressed, map[string]any{
			"run_at":     runAt.Format(time.RFC3339Nano),
			"dedupe_key": t.DedupeKey,
		})
		return nil
	}
	id, ok, err := s.store.InsertWorkItem(ctx, t.ID, runAt, t.Priority, t.DedupeKey, payload)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	if !ok {
		// A pending item with the same dedupe key is already queued.
		s.metrics.RecordSuppressed(ctx)
		s.audit(ctx, t.ID, task.AuditTaskSuppressed, map[string]any{
			"run_at":     runAt.Format(time.RFC3339Nano),
			"dedupe_key": t.DedupeKey,
			"pending":    true,
		})
		return nil
	}
	s.metrics.RecordMaterialized(ctx, string(t.ScheduleKind))
	s.audit(ctx, t.ID, action, map[string]any{
		"work_item_id": id,
		"run_at":       runAt.Format(time.RFC3339Nano),
	})
	s.logger.Debug("task %s: work item %d due %s", t.ID, id, runAt.Format(time.RFC3339))
	return nil
}

// dedupeSuppressed reports whether a run inside the dedupe window makes
// this materialisation redundant. Check failures materialise anyway: a
// duplicate run is recoverable, a silently dropped one is not.
func (s *Scheduler) dedupeSuppressed(ctx context.Context, t *task.Task, runAt time.Time) bool {
	if t.DedupeKey == "" || t.DedupeWindowSeconds <= 0 {
		return false
	}
	seen, err := s.store.HasRunSince(ctx, t.ID, runAt.Add(-t.DedupeWindow()))
	if err != nil {
		s.logger.Warn("task %s: dedupe check failed, materialising anyway: %v", t.ID, err)
		return false
	}
	return seen
}

func (s *Scheduler) noteExhausted(ctx context.Context, t *task.Task) {
	s.metrics.RecordExhausted(ctx)
	s.audit(ctx, t.ID, task.AuditTaskExhausted, map[string]any{
		"schedule_kind": string(t.ScheduleKind),
		"schedule_expr": t.ScheduleExpr,
	})
	s.logger.Info("task %s (%s): schedule has no further occurrences", t.ID, t.Title)
}

// audit records an action against a task. Best effort: a failed write
// never blocks scheduling.
func (s *Scheduler) audit(ctx context.Context, subject uuid.UUID, action string, details map[string]any) {
	err := s.store.PublishAudit(ctx, task.AuditEntry{
		Action:    action,
		SubjectID: subject.String(),
		Details:   details,
	})
	if err != nil {
		s.logger.Warn("audit %s for %s not recorded: %v", action, subject, err)
	}
}
