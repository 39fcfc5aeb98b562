package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
	"github.com/yoda-digital/ordinaut/internal/events"
	"github.com/yoda-digital/ordinaut/internal/store"
)

// HandleChange applies one bus message to the trigger table. Create,
// update, and status notifications describe store state that already
// changed, so the handler only converges local timers; run_now and
// snooze are commands and execute the operation here. Delivery is
// at-least-once, and every branch is idempotent for that reason.
func (s *Scheduler) HandleChange(ctx context.Context, msg events.Message) {
	var err error
	switch msg.Kind {
	case events.KindTaskCreated, events.KindTaskUpdated:
		err = s.refresh(ctx, msg.TaskID)
	case events.KindTaskStatusChanged:
		err = s.applyStatus(ctx, msg.TaskID, task.Status(msg.Status))
	case events.KindTaskRunNow:
		err = s.RunNow(ctx, msg.TaskID)
	case events.KindTaskSnooze:
		err = s.Snooze(ctx, msg.TaskID, time.Duration(msg.Seconds)*time.Second)
	case events.KindEventPublished:
		err = s.HandleEvent(ctx, msg.Topic, msg.Payload)
	default:
		s.logger.Warn("ignoring bus message of unknown kind %q", msg.Kind)
		return
	}
	if err != nil {
		s.logger.Error("bus %s for task %s: %v", msg.Kind, msg.TaskID, err)
	}
}

// HandleEvent materialises every active event task subscribed to the
// topic, attaching the event payload to each work item.
func (s *Scheduler) HandleEvent(ctx context.Context, topic string, payload json.RawMessage) error {
	if topic == "" {
		return fmt.Errorf("event without a topic")
	}
	matches, err := s.store.FindEventTasks(ctx, topic)
	if err != nil {
		return fmt.Errorf("find tasks for topic %q: %w", topic, err)
	}
	now := s.now()
	for _, t := range matches {
		if err := s.insertWork(ctx, t, now, payload, task.AuditEventMaterialized); err != nil {
			s.logger.Error("task %s: materialise for event %q: %v", t.ID, topic, err)
		}
	}
	if len(matches) > 0 {
		s.logger.Debug("event %q matched %d tasks", topic, len(matches))
	}
	return nil
}

// refresh re-reads a task and replaces its trigger entry. A task that
// vanished is dropped silently so a delete racing the notification does
// not wedge the feed.
func (s *Scheduler) refresh(ctx context.Context, taskID uuid.UUID) error {
	if taskID == uuid.Nil {
		return fmt.Errorf("change notification without a task id")
	}
	t, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		s.unregister(taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if s.register(t) {
		s.noteExhausted(ctx, t)
	}
	return nil
}

// applyStatus converges the trigger table after a status change made
// elsewhere. The store row is already in the new state.
func (s *Scheduler) applyStatus(ctx context.Context, taskID uuid.UUID, status task.Status) error {
	switch status {
	case task.StatusActive:
		return s.refresh(ctx, taskID)
	case task.StatusPaused:
		s.unregister(taskID)
		return nil
	case task.StatusCanceled:
		s.unregister(taskID)
		if _, err := s.store.DeletePendingWork(ctx, taskID, s.now()); err != nil {
			return fmt.Errorf("drop pending work for %s: %w", taskID, err)
		}
		return nil
	default:
		return fmt.Errorf("status change to unknown status %q", status)
	}
}
