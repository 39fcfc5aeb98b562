// Package task defines the orchestrator's domain model: agents, tasks,
// work items, run records, and the pipeline document a task executes.
//
// Tasks are validated here once, at creation; the scheduler and workers
// trust persisted rows.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/recurrence"
	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final. Canceled tasks never
// materialise again.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled
}

// ScheduleKind selects how schedule_expr is interpreted.
type ScheduleKind string

const (
	KindCron      ScheduleKind = "cron"
	KindRRule     ScheduleKind = "rrule"
	KindOnce      ScheduleKind = "once"
	KindEvent     ScheduleKind = "event"
	KindCondition ScheduleKind = "condition"
)

// Valid reports whether k is a known schedule kind.
func (k ScheduleKind) Valid() bool {
	switch k {
	case KindCron, KindRRule, KindOnce, KindEvent, KindCondition:
		return true
	default:
		return false
	}
}

// Timed reports whether the scheduler computes fire instants for this
// kind. Event tasks fire on ingestion instead.
func (k ScheduleKind) Timed() bool {
	switch k {
	case KindCron, KindRRule, KindOnce:
		return true
	default:
		return false
	}
}

// Task is a registered unit of recurring or one-shot work.
type Task struct {
	ID                  uuid.UUID    `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description,omitempty"`
	CreatedBy           uuid.UUID    `json:"created_by"`
	ScheduleKind        ScheduleKind `json:"schedule_kind"`
	ScheduleExpr        string       `json:"schedule_expr"`
	Timezone            string       `json:"timezone"`
	Payload             *Pipeline    `json:"payload"`
	Status              Status       `json:"status"`
	Priority            int          `json:"priority"`
	DedupeKey           string       `json:"dedupe_key,omitempty"`
	DedupeWindowSeconds int          `json:"dedupe_window_seconds,omitempty"`
	MaxRetries          int          `json:"max_retries"`
	BackoffStrategy     string       `json:"backoff_strategy,omitempty"`
	ConcurrencyKey      string       `json:"concurrency_key,omitempty"`
	LastMaterializedAt  *time.Time   `json:"last_materialized_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Validate checks everything that must hold before a task is persisted:
// field ranges, a well-formed descriptor for the schedule kind, a known
// timezone, and a valid pipeline document. Returns a validation-kind
// error describing the first problem found.
func (t *Task) Validate() error {
	if t.Title == "" {
		return taskerr.Validation("task title is required")
	}
	if t.CreatedBy == uuid.Nil {
		return taskerr.Validation("task owner agent is required")
	}
	if !t.ScheduleKind.Valid() {
		return taskerr.Validation("unknown schedule kind %q", t.ScheduleKind)
	}
	if t.ScheduleKind == KindCondition {
		return taskerr.Validation("schedule kind condition is reserved")
	}
	if t.Timezone == "" {
		return taskerr.Validation("task timezone is required")
	}
	if t.Priority < 1 || t.Priority > 9 {
		return taskerr.Validation("priority %d outside [1,9]", t.Priority)
	}
	if t.MaxRetries < 0 {
		return taskerr.Validation("max_retries must be non-negative, got %d", t.MaxRetries)
	}
	if t.DedupeWindowSeconds < 0 {
		return taskerr.Validation("dedupe_window_seconds must be non-negative, got %d", t.DedupeWindowSeconds)
	}
	if t.DedupeWindowSeconds > 0 && t.DedupeKey == "" {
		return taskerr.Validation("dedupe_window_seconds set without dedupe_key")
	}
	if _, err := taskerr.ParseStrategy(t.BackoffStrategy); err != nil {
		return err
	}
	if err := recurrence.Validate(string(t.ScheduleKind), t.ScheduleExpr, t.Timezone); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, err, "schedule %s %q", t.ScheduleKind, t.ScheduleExpr)
	}
	if t.Payload == nil {
		return taskerr.Validation("task payload is required")
	}
	return t.Payload.Validate()
}

// Backoff returns the retry policy for this task's backoff_strategy.
func (t *Task) Backoff() taskerr.Policy {
	strategy, err := taskerr.ParseStrategy(t.BackoffStrategy)
	if err != nil {
		strategy = taskerr.StrategyExponentialJitter
	}
	return taskerr.PolicyFor(strategy)
}

// DedupeWindow returns the dedupe suppression window as a duration.
func (t *Task) DedupeWindow() time.Duration {
	return time.Duration(t.DedupeWindowSeconds) * time.Second
}
