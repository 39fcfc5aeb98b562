package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Agent is the owner of tasks. Created by an administrator, soft-disabled
// only, never destructively mutated.
type Agent struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkItem is one pending execution of a task in the durable queue.
// While LockedUntil is in the future and LockedBy is set, the row is
// invisible to other leasers.
type WorkItem struct {
	ID           int64           `json:"id"`
	TaskID       uuid.UUID       `json:"task_id"`
	RunAt        time.Time       `json:"run_at"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	LockedBy     string          `json:"locked_by,omitempty"`
	Priority     int             `json:"priority"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	EventPayload json.RawMessage `json:"event_payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// LeasedBy reports whether the item currently belongs to workerID.
func (w *WorkItem) LeasedBy(workerID string, now time.Time) bool {
	return w.LockedBy == workerID && w.LockedUntil != nil && w.LockedUntil.After(now)
}

// TaskRun is one attempt at executing a task's pipeline. Append-only;
// Success stays nil until the attempt finishes.
type TaskRun struct {
	ID         uuid.UUID       `json:"id"`
	TaskID     uuid.UUID       `json:"task_id"`
	WorkItemID *int64          `json:"work_item_id,omitempty"`
	Attempt    int             `json:"attempt"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	LeaseOwner string          `json:"lease_owner"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Finished reports whether the run reached a terminal state.
func (r *TaskRun) Finished() bool {
	return r.FinishedAt != nil
}

// AuditEntry is an append-only record of an action taken on a subject.
type AuditEntry struct {
	ID           int64          `json:"id"`
	ActorAgentID *uuid.UUID     `json:"actor_agent_id,omitempty"`
	Action       string         `json:"action"`
	SubjectID    string         `json:"subject_id"`
	Details      map[string]any `json:"details,omitempty"`
	At           time.Time      `json:"at"`
}

// Audit action names written by the scheduler and workers.
const (
	AuditTaskMaterialized  = "task.materialized"
	AuditTaskSuppressed    = "task.dedupe_suppressed"
	AuditTaskExhausted     = "task.schedule_exhausted"
	AuditTaskRunNow        = "task.run_now"
	AuditTaskSnoozed       = "task.snoozed"
	AuditTaskPaused        = "task.paused"
	AuditTaskResumed       = "task.resumed"
	AuditTaskCanceled      = "task.canceled"
	AuditEventMaterialized = "event.materialized"
	AuditRunFinished       = "run.finished"
	AuditRunAbandoned      = "run.abandoned"
	AuditWorkItemDropped   = "work_item.dropped"
)
