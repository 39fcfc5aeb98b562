package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// RunNow queues an immediate execution of an active task. The run is
// subject to the task's dedupe window like any scheduled one, but it
// does not advance the schedule's high-water mark: manual runs are not
// occurrences, and must never suppress a scheduled fire.
func (s *Scheduler) RunNow(ctx context.Context, taskID uuid.UUID) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusActive {
		return taskerr.Validation("task %s is %s, only active tasks can be run", taskID, t.Status)
	}
	return s.insertWork(ctx, t, s.now(), nil, task.AuditTaskRunNow)
}

// Snooze pushes the task's next pending work item forward by delta.
func (s *Scheduler) Snooze(ctx context.Context, taskID uuid.UUID, delta time.Duration) error {
	if delta <= 0 {
		return taskerr.Validation("snooze delta must be positive, got %s", delta)
	}
	moved, err := s.store.SnoozeNextWork(ctx, taskID, delta, s.now())
	if err != nil {
		return fmt.Errorf("snooze task %s: %w", taskID, err)
	}
	if !moved {
		return fmt.Errorf("task %s has no pending work to snooze", taskID)
	}
	s.audit(ctx, taskID, task.AuditTaskSnoozed, map[string]any{
		"delta_seconds": int64(delta / time.Second),
	})
	return nil
}

// Pause stops future materialisation. Pending work items survive unless
// purge is set; leased items always run to completion.
func (s *Scheduler) Pause(ctx context.Context, taskID uuid.UUID, purge bool) error {
	if err := s.store.SetTaskStatus(ctx, taskID, task.StatusPaused); err != nil {
		return err
	}
	s.unregister(taskID)
	details := map[string]any{}
	if purge {
		n, err := s.store.DeletePendingWork(ctx, taskID, s.now())
		if err != nil {
			return fmt.Errorf("purge pending work for %s: %w", taskID, err)
		}
		details["purged"] = n
	}
	s.audit(ctx, taskID, task.AuditTaskPaused, details)
	return nil
}

// Resume reactivates a paused task and re-arms its timer from now.
// Canceled tasks cannot be resumed; the store rejects the transition.
func (s *Scheduler) Resume(ctx context.Context, taskID uuid.UUID) error {
	if err := s.store.SetTaskStatus(ctx, taskID, task.StatusActive); err != nil {
		return err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	exhausted := s.register(t)
	s.audit(ctx, taskID, task.AuditTaskResumed, nil)
	if exhausted {
		s.noteExhausted(ctx, t)
	}
	return nil
}

// Cancel terminally stops a task and drops its unleased pending work.
// An already-leased item keeps running; its worker re-reads the task
// status before executing, so the cancel still lands.
func (s *Scheduler) Cancel(ctx context.Context, taskID uuid.UUID) error {
	if err := s.store.SetTaskStatus(ctx, taskID, task.StatusCanceled); err != nil {
		return err
	}
	s.unregister(taskID)
	n, err := s.store.DeletePendingWork(ctx, taskID, s.now())
	if err != nil {
		return fmt.Errorf("drop pending work for %s: %w", taskID, err)
	}
	s.audit(ctx, taskID, task.AuditTaskCanceled, map[string]any{"dropped": n})
	return nil
}
