package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	if err := Migrate(dbURL); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	s, err := Open(ctx, dbURL, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func createTestAgent(t *testing.T, s *Store) task.Agent {
	t.Helper()
	ctx := context.Background()
	agent, err := s.CreateAgent(ctx, "test-"+uuid.NewString(), []string{"tasks:write"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = s.pool.Exec(ctx, "DELETE FROM audit_log WHERE actor_agent_id = $1", agent.ID)
		_, _ = s.pool.Exec(ctx, "DELETE FROM task WHERE created_by = $1", agent.ID)
		_, _ = s.pool.Exec(ctx, "DELETE FROM agent WHERE id = $1", agent.ID)
	})
	return agent
}

func makeTask(agentID uuid.UUID) *task.Task {
	return &task.Task{
		Title:        "nightly report",
		CreatedBy:    agentID,
		ScheduleKind: task.KindCron,
		ScheduleExpr: "*/5 * * * *",
		Timezone:     "UTC",
		Priority:     5,
		MaxRetries:   2,
		Payload: &task.Pipeline{
			Params: map[string]any{"city": "Chisinau"},
			Steps: []task.Step{
				{ID: "s1", Uses: "test.echo", With: map[string]any{"msg": "hi"}, SaveAs: "r"},
			},
		},
	}
}

func createTestTask(t *testing.T, s *Store, agentID uuid.UUID) *task.Task {
	t.Helper()
	tk := makeTask(agentID)
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

func TestAgentRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)

	got, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Name != agent.Name || len(got.Scopes) != 1 || got.Scopes[0] != "tasks:write" {
		t.Fatalf("agent round trip mismatch: %+v", got)
	}

	if _, err := s.GetAgent(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing agent error = %v, want ErrNotFound", err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)

	tk := createTestTask(t, s, agent.ID)
	if tk.Status != task.StatusActive {
		t.Fatalf("new task status = %s", tk.Status)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != tk.Title || got.ScheduleExpr != tk.ScheduleExpr || got.Timezone != "UTC" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Payload == nil || len(got.Payload.Steps) != 1 || got.Payload.Steps[0].Uses != "test.echo" {
		t.Fatalf("payload mismatch: %+v", got.Payload)
	}

	got.Title = "nightly report v2"
	got.MaxRetries = 3
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("update task: %v", err)
	}
	reread, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reread.Title != "nightly report v2" || reread.MaxRetries != 3 {
		t.Fatalf("update not persisted: %+v", reread)
	}

	if _, err := s.GetTask(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task error = %v, want ErrNotFound", err)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	if err := s.SetTaskStatus(ctx, tk.ID, task.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.SetTaskStatus(ctx, tk.ID, task.StatusActive); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.SetTaskStatus(ctx, tk.ID, task.StatusCanceled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Canceled is terminal but re-cancel stays idempotent.
	if err := s.SetTaskStatus(ctx, tk.ID, task.StatusCanceled); err != nil {
		t.Fatalf("re-cancel: %v", err)
	}
	if err := s.SetTaskStatus(ctx, tk.ID, task.StatusActive); err == nil {
		t.Fatal("resume after cancel should fail")
	}

	status, err := s.TaskStatus(ctx, tk.ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if status != task.StatusCanceled {
		t.Fatalf("status = %s, want canceled", status)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	now := time.Now().UTC()
	id, inserted, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-time.Second), tk.Priority, "", nil)
	if err != nil || !inserted {
		t.Fatalf("insert work item: inserted=%v err=%v", inserted, err)
	}

	item, err := s.LeaseReadyWork(ctx, now, time.Minute, "w1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if item == nil || item.ID != id {
		t.Fatalf("leased %+v, want id %d", item, id)
	}
	if item.LockedBy != "w1" || item.LockedUntil == nil {
		t.Fatalf("lease fields not set: %+v", item)
	}

	// The same instant sees nothing else to lease.
	second, err := s.LeaseReadyWork(ctx, now, time.Minute, "w2")
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if second != nil {
		t.Fatalf("second lease got %+v, want nil", second)
	}

	renewed, err := s.RenewLease(ctx, id, "w1", now, now.Add(2*time.Minute))
	if err != nil || !renewed {
		t.Fatalf("renew: renewed=%v err=%v", renewed, err)
	}
	if renewed, _ := s.RenewLease(ctx, id, "w2", now, now.Add(2*time.Minute)); renewed {
		t.Fatal("renew by non-holder should fail")
	}

	if deleted, _ := s.DeleteWorkItem(ctx, id, "w2"); deleted {
		t.Fatal("delete by non-holder should fail")
	}
	deleted, err := s.DeleteWorkItem(ctx, id, "w1")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
}

func TestReleaseLease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	now := time.Now().UTC()
	id, _, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-time.Second), tk.Priority, "", nil)
	if err != nil {
		t.Fatalf("insert work item: %v", err)
	}
	if _, err := s.LeaseReadyWork(ctx, now, time.Minute, "w1"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	if released, _ := s.ReleaseLease(ctx, id, "w2"); released {
		t.Fatal("release by non-holder should fail")
	}
	released, err := s.ReleaseLease(ctx, id, "w1")
	if err != nil || !released {
		t.Fatalf("release: released=%v err=%v", released, err)
	}

	// The released item is leasable again at the same instant.
	item, err := s.LeaseReadyWork(ctx, now, time.Minute, "w2")
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	if item == nil || item.ID != id {
		t.Fatalf("lease after release got %+v, want id %d", item, id)
	}
	if _, err := s.DeleteWorkItem(ctx, id, "w2"); err != nil {
		t.Fatalf("cleanup delete: %v", err)
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	now := time.Now().UTC()
	if _, _, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-time.Second), tk.Priority, "", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	item, err := s.LeaseReadyWork(ctx, now, 30*time.Second, "w1")
	if err != nil || item == nil {
		t.Fatalf("first lease: item=%v err=%v", item, err)
	}

	// After the lease expires the row is eligible again.
	later := now.Add(31 * time.Second)
	reclaimed, err := s.LeaseReadyWork(ctx, later, time.Minute, "w2")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != item.ID || reclaimed.LockedBy != "w2" {
		t.Fatalf("reclaim got %+v", reclaimed)
	}
}

func TestLeaseOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	now := time.Now().UTC()
	lowLate, _, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-3*time.Second), 1, "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	highLate, _, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-3*time.Second), 9, "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	early, _, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-5*time.Second), 1, "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	wantOrder := []int64{early, highLate, lowLate}
	for i, want := range wantOrder {
		item, err := s.LeaseReadyWork(ctx, now, time.Minute, fmt.Sprintf("w%d", i))
		if err != nil || item == nil {
			t.Fatalf("lease %d: item=%v err=%v", i, item, err)
		}
		if item.ID != want {
			t.Fatalf("lease %d = item %d, want %d", i, item.ID, want)
		}
	}
}

func TestConcurrentLeasingExactlyOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	const items = 3
	const workers = 8
	now := time.Now().UTC()
	for i := 0; i < items; i++ {
		if _, _, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-time.Second), 5, "", nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var mu sync.Mutex
	leased := make(map[int64]string)
	misses := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			item, err := s.LeaseReadyWork(ctx, now, time.Minute, fmt.Sprintf("w%d", worker))
			if err != nil {
				t.Errorf("worker %d lease: %v", worker, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if item == nil {
				misses++
				return
			}
			if prev, dup := leased[item.ID]; dup {
				t.Errorf("item %d leased by both %s and w%d", item.ID, prev, worker)
				return
			}
			leased[item.ID] = fmt.Sprintf("w%d", worker)
		}(i)
	}
	wg.Wait()

	if len(leased) != items {
		t.Fatalf("leased %d items, want %d", len(leased), items)
	}
	if misses != workers-items {
		t.Fatalf("misses = %d, want %d", misses, workers-items)
	}
}

func TestDedupeSuppression(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	now := time.Now().UTC()
	id, inserted, err := s.InsertWorkItem(ctx, tk.ID, now, 5, "daily", nil)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	if _, inserted, _ := s.InsertWorkItem(ctx, tk.ID, now.Add(time.Minute), 5, "daily", nil); inserted {
		t.Fatal("duplicate dedupe key should be suppressed")
	}

	item, err := s.LeaseReadyWork(ctx, now, time.Minute, "w1")
	if err != nil || item == nil || item.ID != id {
		t.Fatalf("lease: item=%v err=%v", item, err)
	}
	if _, err := s.DeleteWorkItem(ctx, id, "w1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// With the pending item gone the key is free again.
	if _, inserted, err := s.InsertWorkItem(ctx, tk.ID, now, 5, "daily", nil); err != nil || !inserted {
		t.Fatalf("reinsert: inserted=%v err=%v", inserted, err)
	}
}

func TestRunAttemptContinuity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	const workItemID = int64(987654)
	runID, attempt, err := s.InsertRun(ctx, tk.ID, workItemID, "w1")
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if attempt != 1 {
		t.Fatalf("first attempt = %d", attempt)
	}
	if err := s.FinalizeRun(ctx, runID, false, time.Now().UTC(), "tool: boom", nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// A different worker re-leasing the same item continues the count.
	_, attempt, err = s.InsertRun(ctx, tk.ID, workItemID, "w2")
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("second attempt = %d", attempt)
	}

	// A fresh work item starts at 1 again.
	_, attempt, err = s.InsertRun(ctx, tk.ID, workItemID+1, "w1")
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if attempt != 1 {
		t.Fatalf("fresh item attempt = %d", attempt)
	}

	runs, err := s.ListRuns(ctx, tk.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}

	since, err := s.HasRunSince(ctx, tk.ID, time.Now().UTC().Add(-time.Minute))
	if err != nil || !since {
		t.Fatalf("HasRunSince recent: %v %v", since, err)
	}
	since, err = s.HasRunSince(ctx, tk.ID, time.Now().UTC().Add(time.Minute))
	if err != nil || since {
		t.Fatalf("HasRunSince future: %v %v", since, err)
	}
}

func TestSnoozeAndPendingDeletion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	now := time.Now().UTC()
	if _, _, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-2*time.Second), 5, "", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := s.InsertWorkItem(ctx, tk.ID, now.Add(-time.Second), 5, "", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ready, err := s.CountReadyWork(ctx, now)
	if err != nil || ready != 2 {
		t.Fatalf("ready = %d err=%v, want 2", ready, err)
	}

	// Snooze pushes only the earliest item out of the ready window.
	moved, err := s.SnoozeNextWork(ctx, tk.ID, time.Hour, now)
	if err != nil || !moved {
		t.Fatalf("snooze: moved=%v err=%v", moved, err)
	}
	ready, err = s.CountReadyWork(ctx, now)
	if err != nil || ready != 1 {
		t.Fatalf("ready after snooze = %d err=%v, want 1", ready, err)
	}

	// A leased item survives pending deletion; the unleased one is removed.
	item, err := s.LeaseReadyWork(ctx, now, time.Minute, "w1")
	if err != nil || item == nil {
		t.Fatalf("lease: item=%v err=%v", item, err)
	}
	deleted, err := s.DeletePendingWork(ctx, tk.ID, now)
	if err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if ok, _ := s.DeleteWorkItem(ctx, item.ID, "w1"); !ok {
		t.Fatal("leased item should still be deletable by its holder")
	}
}

func TestSetLastMaterializedMonotonic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	fire := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	moved, err := s.SetLastMaterialized(ctx, tk.ID, fire)
	if err != nil || !moved {
		t.Fatalf("first set: moved=%v err=%v", moved, err)
	}
	// A clock jump backward must not rewind the mark.
	moved, err = s.SetLastMaterialized(ctx, tk.ID, fire.Add(-time.Hour))
	if err != nil {
		t.Fatalf("backward set: %v", err)
	}
	if moved {
		t.Fatal("backward set should be rejected")
	}
	moved, err = s.SetLastMaterialized(ctx, tk.ID, fire.Add(time.Hour))
	if err != nil || !moved {
		t.Fatalf("forward set: moved=%v err=%v", moved, err)
	}
}

func TestFindEventTasks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)

	evt := makeTask(agent.ID)
	evt.ScheduleKind = task.KindEvent
	evt.ScheduleExpr = "orders.created"
	if err := s.CreateTask(ctx, evt); err != nil {
		t.Fatalf("create event task: %v", err)
	}
	other := makeTask(agent.ID)
	other.ScheduleKind = task.KindEvent
	other.ScheduleExpr = "orders.deleted"
	if err := s.CreateTask(ctx, other); err != nil {
		t.Fatalf("create event task: %v", err)
	}
	paused := makeTask(agent.ID)
	paused.ScheduleKind = task.KindEvent
	paused.ScheduleExpr = "orders.created"
	if err := s.CreateTask(ctx, paused); err != nil {
		t.Fatalf("create event task: %v", err)
	}
	if err := s.SetTaskStatus(ctx, paused.ID, task.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	matched, err := s.FindEventTasks(ctx, "orders.created")
	if err != nil {
		t.Fatalf("find event tasks: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != evt.ID {
		t.Fatalf("matched %d tasks, want only the active subscriber", len(matched))
	}
}

func TestAuditTrail(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s)
	tk := createTestTask(t, s, agent.ID)

	entry := task.AuditEntry{
		ActorAgentID: &agent.ID,
		Action:       task.AuditTaskMaterialized,
		SubjectID:    tk.ID.String(),
		Details:      map[string]any{"run_at": "2025-06-15T12:00:00Z"},
	}
	if err := s.PublishAudit(ctx, entry); err != nil {
		t.Fatalf("publish audit: %v", err)
	}

	entries, err := s.ListAudit(ctx, tk.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Action != task.AuditTaskMaterialized || entries[0].Details["run_at"] != "2025-06-15T12:00:00Z" {
		t.Fatalf("entry mismatch: %+v", entries[0])
	}
}

func TestConcurrencySlot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	key := "slot-" + uuid.NewString()
	release, ok, err := s.AcquireConcurrencySlot(ctx, key)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, again, _ := s.AcquireConcurrencySlot(ctx, key); again {
		t.Fatal("second acquire of held slot should fail")
	}
	release()
	release2, ok, err := s.AcquireConcurrencySlot(ctx, key)
	if err != nil || !ok {
		t.Fatalf("reacquire after release: ok=%v err=%v", ok, err)
	}
	release2()
}
