package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
)

const taskColumns = `id, title, description, created_by, schedule_kind, schedule_expr, timezone,
	payload, status, priority, dedupe_key, dedupe_window_seconds, max_retries,
	backoff_strategy, concurrency_key, last_materialized_at, created_at, updated_at`

// CreateAgent registers a caller identity.
func (s *Store) CreateAgent(ctx context.Context, name string, scopes []string) (task.Agent, error) {
	agent := task.Agent{Name: name, Scopes: scopes}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agent (name, scopes) VALUES ($1, $2) RETURNING id, created_at`,
		name, scopes,
	).Scan(&agent.ID, &agent.CreatedAt)
	if err != nil {
		return task.Agent{}, fmt.Errorf("create agent %q: %w", name, err)
	}
	return agent, nil
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (task.Agent, error) {
	var agent task.Agent
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, scopes, created_at FROM agent WHERE id = $1`, id,
	).Scan(&agent.ID, &agent.Name, &agent.Scopes, &agent.CreatedAt)
	if noRows(err) {
		return task.Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return task.Agent{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent, nil
}

// CreateTask validates and persists a new task. Malformed definitions are
// refused before any row is written.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	payload, err := t.Payload.MarshalPayload()
	if err != nil {
		return err
	}
	var status string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO task (id, title, description, created_by, schedule_kind, schedule_expr, timezone,
			payload, status, priority, dedupe_key, dedupe_window_seconds, max_retries,
			backoff_strategy, concurrency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, NULLIF($15, ''))
		 RETURNING status, created_at, updated_at`,
		t.ID, t.Title, t.Description, t.CreatedBy, string(t.ScheduleKind), t.ScheduleExpr, t.Timezone,
		payload, string(task.StatusActive), t.Priority, t.DedupeKey, t.DedupeWindowSeconds, t.MaxRetries,
		string(t.BackoffStrategy), t.ConcurrencyKey,
	).Scan(&status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task %q: %w", t.Title, err)
	}
	t.Status = task.Status(status)
	return nil
}

// UpdateTask rewrites the mutable definition fields. Status transitions go
// through SetTaskStatus instead.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	payload, err := t.Payload.MarshalPayload()
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx,
		`UPDATE task SET title = $2, description = $3, schedule_kind = $4, schedule_expr = $5,
			timezone = $6, payload = $7, priority = $8, dedupe_key = NULLIF($9, ''),
			dedupe_window_seconds = $10, max_retries = $11, backoff_strategy = $12,
			concurrency_key = NULLIF($13, ''), updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		t.ID, t.Title, t.Description, string(t.ScheduleKind), t.ScheduleExpr,
		t.Timezone, payload, t.Priority, t.DedupeKey,
		t.DedupeWindowSeconds, t.MaxRetries, string(t.BackoffStrategy), t.ConcurrencyKey,
	).Scan(&t.UpdatedAt)
	if noRows(err) {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task definition.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM task WHERE id = $1`, id)
	t, err := scanTask(row)
	if noRows(err) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// LoadActiveTasks returns every active task. The scheduler calls this on
// boot to rebuild its trigger table. Rows whose payload no longer parses are
// logged and skipped rather than taking the whole process down.
func (s *Store) LoadActiveTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM task WHERE status = $1 ORDER BY created_at ASC`,
		string(task.StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("load active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable task row: %v", err)
			continue
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return tasks, fmt.Errorf("load active tasks: %w", err)
	}
	return tasks, nil
}

// FindEventTasks returns active tasks subscribed to an event topic.
func (s *Store) FindEventTasks(ctx context.Context, topic string) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM task
		 WHERE schedule_kind = 'event' AND schedule_expr = $1 AND status = $2
		 ORDER BY created_at ASC`,
		topic, string(task.StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("find event tasks for %q: %w", topic, err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable task row: %v", err)
			continue
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return tasks, fmt.Errorf("find event tasks for %q: %w", topic, err)
	}
	return tasks, nil
}

// TaskStatus reads just the status column. Workers poll this between steps
// to observe cancellation.
func (s *Store) TaskStatus(ctx context.Context, id uuid.UUID) (task.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM task WHERE id = $1`, id).Scan(&status)
	if noRows(err) {
		return "", fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("task status %s: %w", id, err)
	}
	return task.Status(status), nil
}

// SetTaskStatus transitions a task. Canceled is terminal: the only permitted
// transition out of it is the idempotent re-cancel.
func (s *Store) SetTaskStatus(ctx context.Context, id uuid.UUID, status task.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid task status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE task SET status = $2, updated_at = now()
		 WHERE id = $1 AND (status <> 'canceled' OR $2 = 'canceled')`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		current, statusErr := s.TaskStatus(ctx, id)
		if statusErr != nil {
			return statusErr
		}
		return fmt.Errorf("task %s is %s and cannot become %s", id, current, status)
	}
	return nil
}

// SetLastMaterialized advances the high-water mark of materialised fire
// instants. The update only applies when it moves forward, so a scheduler
// running behind a clock jump cannot re-materialise past fires.
func (s *Store) SetLastMaterialized(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task SET last_materialized_at = $2
		 WHERE id = $1 AND (last_materialized_at IS NULL OR last_materialized_at < $2)`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("set last materialized %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var payload []byte
	var dedupeKey, concurrencyKey *string
	var lastMaterialized *time.Time
	var kind, status, backoff string

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.CreatedBy, &kind, &t.ScheduleExpr, &t.Timezone,
		&payload, &status, &t.Priority, &dedupeKey, &t.DedupeWindowSeconds, &t.MaxRetries,
		&backoff, &concurrencyKey, &lastMaterialized, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ScheduleKind = task.ScheduleKind(kind)
	t.Status = task.Status(status)
	t.BackoffStrategy = backoff
	if dedupeKey != nil {
		t.DedupeKey = *dedupeKey
	}
	if concurrencyKey != nil {
		t.ConcurrencyKey = *concurrencyKey
	}
	t.LastMaterializedAt = lastMaterialized

	pipeline, err := task.ParsePipeline(payload)
	if err != nil {
		return nil, fmt.Errorf("task %s payload: %w", t.ID, err)
	}
	t.Payload = pipeline
	return &t, nil
}
