package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
	"github.com/yoda-digital/ordinaut/internal/events"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
	"github.com/yoda-digital/ordinaut/internal/store"
)

// testNow pins schedule computation. 09:30 UTC, so an every-minute cron
// first fires at 09:31.
var testNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

type insertedWork struct {
	taskID    uuid.UUID
	runAt     time.Time
	priority  int
	dedupeKey string
	payload   json.RawMessage
}

type statusChange struct {
	taskID uuid.UUID
	status task.Status
}

type fakeStore struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*task.Task
	eventTasks map[string][]*task.Task

	lastMat  map[uuid.UUID]time.Time
	claimErr error

	inserted       []insertedWork
	insertErr      error
	insertConflict bool
	nextID         int64

	hasRun    bool
	hasRunErr error

	snoozeOK bool
	snoozes  []time.Duration

	deleted      []uuid.UUID
	pendingCount int64

	statuses []statusChange
	audits   []task.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:        make(map[uuid.UUID]*task.Task),
		eventTasks:   make(map[string][]*task.Task),
		lastMat:      make(map[uuid.UUID]time.Time),
		snoozeOK:     true,
		pendingCount: 1,
		nextID:       100,
	}
}

func (f *fakeStore) LoadActiveTasks(context.Context) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.tasks {
		if t.Status == task.StatusActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTask(_ context.Context, id uuid.UUID) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (f *fakeStore) SetTaskStatus(_ context.Context, id uuid.UUID, status task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if t.Status == task.StatusCanceled && status != task.StatusCanceled {
		return fmt.Errorf("task %s is canceled", id)
	}
	t.Status = status
	f.statuses = append(f.statuses, statusChange{taskID: id, status: status})
	return nil
}

func (f *fakeStore) SetLastMaterialized(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if last, ok := f.lastMat[id]; ok && !at.After(last) {
		return false, nil
	}
	f.lastMat[id] = at
	return true, nil
}

func (f *fakeStore) InsertWorkItem(_ context.Context, taskID uuid.UUID, runAt time.Time, priority int, dedupeKey string, payload json.RawMessage) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, false, f.insertErr
	}
	if f.insertConflict {
		return 0, false, nil
	}
	f.nextID++
	f.inserted = append(f.inserted, insertedWork{
		taskID:    taskID,
		runAt:     runAt,
		priority:  priority,
		dedupeKey: dedupeKey,
		payload:   payload,
	})
	return f.nextID, true, nil
}

func (f *fakeStore) HasRunSince(context.Context, uuid.UUID, time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasRunErr != nil {
		return false, f.hasRunErr
	}
	return f.hasRun, nil
}

func (f *fakeStore) SnoozeNextWork(_ context.Context, _ uuid.UUID, delta time.Duration, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.snoozeOK {
		return false, nil
	}
	f.snoozes = append(f.snoozes, delta)
	return true, nil
}

func (f *fakeStore) DeletePendingWork(_ context.Context, taskID uuid.UUID, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, taskID)
	return f.pendingCount, nil
}

func (f *fakeStore) FindEventTasks(_ context.Context, topic string) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.eventTasks[topic] {
		if t.Status == task.StatusActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) PublishAudit(_ context.Context, entry task.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeStore) insertedItems() []insertedWork {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]insertedWork, len(f.inserted))
	copy(out, f.inserted)
	return out
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.audits {
		out = append(out, a.Action)
	}
	return out
}

func (f *fakeStore) claimed(id uuid.UUID) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.lastMat[id]
	return at, ok
}

func makeCronTask(expr string) *task.Task {
	return &task.Task{
		ID:           uuid.New(),
		Title:        "morning digest",
		CreatedBy:    uuid.New(),
		ScheduleKind: task.KindCron,
		ScheduleExpr: expr,
		Timezone:     "UTC",
		Status:       task.StatusActive,
		Priority:     5,
	}
}

func newTestScheduler(t *testing.T, fs *fakeStore) *Scheduler {
	t.Helper()
	s := New(fs, logging.Nop(), nil)
	s.now = func() time.Time { return testNow }
	s.retryDelay = time.Hour
	t.Cleanup(s.Stop)
	return s
}

// entryState reads a task's live trigger entry for direct fire tests.
func entryState(t *testing.T, s *Scheduler, id uuid.UUID) (uint64, time.Time) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	require.NotNil(t, e, "task %s has no trigger entry", id)
	return e.gen, e.nextAt
}

func TestScheduler_StartArmsOnlyTimedActiveTasks(t *testing.T) {
	fs := newFakeStore()
	cron := makeCronTask("* * * * *")
	fs.tasks[cron.ID] = cron

	eventTask := makeCronTask("")
	eventTask.ScheduleKind = task.KindEvent
	eventTask.ScheduleExpr = "email.received"
	fs.tasks[eventTask.ID] = eventTask

	paused := makeCronTask("* * * * *")
	paused.Status = task.StatusPaused
	fs.tasks[paused.ID] = paused

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))

	require.Equal(t, 1, s.TriggerCount())
	next, ok := s.NextFire(cron.ID)
	require.True(t, ok)
	require.Equal(t, testNow.Add(time.Minute), next)

	_, ok = s.NextFire(eventTask.ID)
	require.False(t, ok, "event tasks must not get timers")
	_, ok = s.NextFire(paused.ID)
	require.False(t, ok, "paused tasks must not get timers")
}

func TestScheduler_FireClaimsInsertsAndRearms(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))

	gen, at := entryState(t, s, tk.ID)
	s.fire(tk.ID, gen, at)

	claimedAt, ok := fs.claimed(tk.ID)
	require.True(t, ok)
	require.Equal(t, at, claimedAt)

	items := fs.insertedItems()
	require.Len(t, items, 1)
	require.Equal(t, tk.ID, items[0].taskID)
	require.Equal(t, at, items[0].runAt)
	require.Equal(t, 5, items[0].priority)

	require.Contains(t, fs.auditActions(), task.AuditTaskMaterialized)

	next, ok := s.NextFire(tk.ID)
	require.True(t, ok)
	require.Equal(t, at.Add(time.Minute), next)
}

func TestScheduler_FireSkipsInstantClaimedElsewhere(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))

	gen, at := entryState(t, s, tk.ID)
	fs.mu.Lock()
	fs.lastMat[tk.ID] = at
	fs.mu.Unlock()

	s.fire(tk.ID, gen, at)

	require.Empty(t, fs.insertedItems(), "claimed instant must not be re-materialised")
	next, ok := s.NextFire(tk.ID)
	require.True(t, ok)
	require.Equal(t, at.Add(time.Minute), next, "ladder must still advance")
}

func TestScheduler_ClaimErrorRetainsOccurrence(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	gen, at := entryState(t, s, tk.ID)

	fs.mu.Lock()
	fs.claimErr = errors.New("connection refused")
	fs.mu.Unlock()
	s.fire(tk.ID, gen, at)

	require.Empty(t, fs.insertedItems())
	next, ok := s.NextFire(tk.ID)
	require.True(t, ok)
	require.Equal(t, at, next, "occurrence must be kept for retry")

	fs.mu.Lock()
	fs.claimErr = nil
	fs.mu.Unlock()
	s.fire(tk.ID, gen, at)

	require.Len(t, fs.insertedItems(), 1, "retry after store recovery must insert")
}

func TestScheduler_DedupeWindowSuppresses(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	tk.DedupeKey = "daily-digest"
	tk.DedupeWindowSeconds = 3600
	fs.tasks[tk.ID] = tk
	fs.hasRun = true

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	gen, at := entryState(t, s, tk.ID)
	s.fire(tk.ID, gen, at)

	require.Empty(t, fs.insertedItems())
	require.Contains(t, fs.auditActions(), task.AuditTaskSuppressed)

	next, ok := s.NextFire(tk.ID)
	require.True(t, ok)
	require.Equal(t, at.Add(time.Minute), next, "suppressed occurrence is settled, not retried")
}

func TestScheduler_DedupeCheckFailureMaterialisesAnyway(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	tk.DedupeKey = "daily-digest"
	tk.DedupeWindowSeconds = 3600
	fs.tasks[tk.ID] = tk
	fs.hasRunErr = errors.New("connection refused")

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	gen, at := entryState(t, s, tk.ID)
	s.fire(tk.ID, gen, at)

	require.Len(t, fs.insertedItems(), 1, "dedupe must fail open")
}

func TestScheduler_PendingDuplicateSuppresses(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	tk.DedupeKey = "daily-digest"
	fs.tasks[tk.ID] = tk
	fs.insertConflict = true

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	gen, at := entryState(t, s, tk.ID)
	s.fire(tk.ID, gen, at)

	require.Empty(t, fs.insertedItems())
	require.Contains(t, fs.auditActions(), task.AuditTaskSuppressed)
}

func TestScheduler_OnceTaskExhaustsAfterFiring(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("")
	tk.ScheduleKind = task.KindOnce
	tk.ScheduleExpr = testNow.Add(30 * time.Minute).Format(time.RFC3339)
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))

	gen, at := entryState(t, s, tk.ID)
	require.Equal(t, testNow.Add(30*time.Minute), at)

	s.fire(tk.ID, gen, at)

	require.Len(t, fs.insertedItems(), 1)
	require.Equal(t, 0, s.TriggerCount())
	require.Contains(t, fs.auditActions(), task.AuditTaskExhausted)
}

func TestScheduler_ArmSkipsInstantsBehindHighWaterMark(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	mark := testNow.Add(30 * time.Minute)
	tk.LastMaterializedAt = &mark
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))

	next, ok := s.NextFire(tk.ID)
	require.True(t, ok)
	require.True(t, next.After(mark),
		"next fire %s must be past the claimed high-water mark %s", next, mark)
}

func TestScheduler_RunNowQueuesImmediately(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("0 9 * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.RunNow(context.Background(), tk.ID))

	items := fs.insertedItems()
	require.Len(t, items, 1)
	require.Equal(t, testNow, items[0].runAt)
	require.Contains(t, fs.auditActions(), task.AuditTaskRunNow)

	_, claimed := fs.claimed(tk.ID)
	require.False(t, claimed, "manual runs must not advance the schedule high-water mark")
}

func TestScheduler_RunNowRejectsInactiveTask(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("0 9 * * *")
	tk.Status = task.StatusPaused
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	err := s.RunNow(context.Background(), tk.ID)
	require.Error(t, err)
	require.Empty(t, fs.insertedItems())
}

func TestScheduler_SnoozeMovesNextPendingItem(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("0 9 * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Snooze(context.Background(), tk.ID, 10*time.Minute))

	fs.mu.Lock()
	snoozes := append([]time.Duration(nil), fs.snoozes...)
	fs.mu.Unlock()
	require.Equal(t, []time.Duration{10 * time.Minute}, snoozes)
	require.Contains(t, fs.auditActions(), task.AuditTaskSnoozed)

	fs.mu.Lock()
	fs.snoozeOK = false
	fs.mu.Unlock()
	err := s.Snooze(context.Background(), tk.ID, time.Minute)
	require.ErrorContains(t, err, "no pending work")

	err = s.Snooze(context.Background(), tk.ID, -time.Second)
	require.ErrorContains(t, err, "positive")
}

func TestScheduler_PauseDropsTimerKeepsWork(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, 1, s.TriggerCount())

	require.NoError(t, s.Pause(context.Background(), tk.ID, false))

	require.Equal(t, 0, s.TriggerCount())
	require.Empty(t, fs.deleted, "pause without purge keeps pending work")
	require.Contains(t, fs.auditActions(), task.AuditTaskPaused)
}

func TestScheduler_PauseWithPurgeDropsPendingWork(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Pause(context.Background(), tk.ID, true))

	fs.mu.Lock()
	deleted := append([]uuid.UUID(nil), fs.deleted...)
	fs.mu.Unlock()
	require.Equal(t, []uuid.UUID{tk.ID}, deleted)
}

func TestScheduler_CancelStopsTaskForGood(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Cancel(context.Background(), tk.ID))

	require.Equal(t, 0, s.TriggerCount())
	fs.mu.Lock()
	deleted := append([]uuid.UUID(nil), fs.deleted...)
	fs.mu.Unlock()
	require.Equal(t, []uuid.UUID{tk.ID}, deleted)
	require.Contains(t, fs.auditActions(), task.AuditTaskCanceled)

	require.Error(t, s.Resume(context.Background(), tk.ID), "canceled tasks cannot be resumed")
}

func TestScheduler_ResumeRearmsTimer(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	tk.Status = task.StatusPaused
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, 0, s.TriggerCount())

	require.NoError(t, s.Resume(context.Background(), tk.ID))

	require.Equal(t, 1, s.TriggerCount())
	require.Contains(t, fs.auditActions(), task.AuditTaskResumed)
}

func TestScheduler_ResumeOfSpentOnceTaskReportsExhaustion(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("")
	tk.ScheduleKind = task.KindOnce
	tk.ScheduleExpr = testNow.Add(-time.Hour).Format(time.RFC3339)
	tk.Status = task.StatusPaused
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Resume(context.Background(), tk.ID))

	require.Equal(t, 0, s.TriggerCount())
	require.Contains(t, fs.auditActions(), task.AuditTaskExhausted)
}

func TestScheduler_HandleChangeAppliesNotificationsAndCommands(t *testing.T) {
	fs := newFakeStore()
	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))
	ctx := context.Background()

	created := makeCronTask("* * * * *")
	fs.mu.Lock()
	fs.tasks[created.ID] = created
	fs.mu.Unlock()
	s.HandleChange(ctx, events.Message{Kind: events.KindTaskCreated, TaskID: created.ID})
	require.Equal(t, 1, s.TriggerCount(), "created notification must arm a timer")

	fs.mu.Lock()
	created.Status = task.StatusPaused
	fs.mu.Unlock()
	s.HandleChange(ctx, events.Message{
		Kind:   events.KindTaskStatusChanged,
		TaskID: created.ID,
		Status: string(task.StatusPaused),
	})
	require.Equal(t, 0, s.TriggerCount(), "paused notification must drop the timer")

	runnable := makeCronTask("0 9 * * *")
	fs.mu.Lock()
	fs.tasks[runnable.ID] = runnable
	fs.mu.Unlock()
	s.HandleChange(ctx, events.Message{Kind: events.KindTaskRunNow, TaskID: runnable.ID})
	require.Len(t, fs.insertedItems(), 1, "run_now command must queue work")

	s.HandleChange(ctx, events.Message{Kind: "task.reboot", TaskID: runnable.ID})
	require.Len(t, fs.insertedItems(), 1, "unknown kinds are ignored")
}

func TestScheduler_HandleChangeDropsVanishedTask(t *testing.T) {
	fs := newFakeStore()
	tk := makeCronTask("* * * * *")
	fs.tasks[tk.ID] = tk

	s := newTestScheduler(t, fs)
	require.NoError(t, s.Start(context.Background()))

	fs.mu.Lock()
	delete(fs.tasks, tk.ID)
	fs.mu.Unlock()
	s.HandleChange(context.Background(), events.Message{Kind: events.KindTaskUpdated, TaskID: tk.ID})

	require.Equal(t, 0, s.TriggerCount())
}

func TestScheduler_EventMaterialisesSubscribers(t *testing.T) {
	fs := newFakeStore()
	sub := makeCronTask("")
	sub.ScheduleKind = task.KindEvent
	sub.ScheduleExpr = "email.received"
	fs.eventTasks["email.received"] = []*task.Task{sub}

	s := newTestScheduler(t, fs)
	payload := json.RawMessage(`{"from":"boss@example.com"}`)
	require.NoError(t, s.HandleEvent(context.Background(), "email.received", payload))

	items := fs.insertedItems()
	require.Len(t, items, 1)
	require.Equal(t, sub.ID, items[0].taskID)
	require.JSONEq(t, string(payload), string(items[0].payload))
	require.Contains(t, fs.auditActions(), task.AuditEventMaterialized)

	require.Error(t, s.HandleEvent(context.Background(), "", payload))
}

func TestScheduler_EventWithoutSubscribersIsQuiet(t *testing.T) {
	fs := newFakeStore()
	s := newTestScheduler(t, fs)

	require.NoError(t, s.HandleEvent(context.Background(), "calendar.updated", nil))
	require.Empty(t, fs.insertedItems())
	require.Empty(t, fs.auditActions())
}
