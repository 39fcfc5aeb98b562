package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
)

const workColumns = `id, task_id, run_at, locked_until, locked_by, priority, dedupe_key, event_payload, created_at`

// InsertWorkItem materialises one pending execution. When dedupeKey is set,
// a second insert for the same (task, key) while the first is still pending
// is silently suppressed; suppressed inserts return ok=false.
func (s *Store) InsertWorkItem(ctx context.Context, taskID uuid.UUID, runAt time.Time, priority int, dedupeKey string, eventPayload json.RawMessage) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO due_work (task_id, run_at, priority, dedupe_key, event_payload)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		 ON CONFLICT (task_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		 RETURNING id`,
		taskID, runAt, priority, dedupeKey, eventPayload,
	).Scan(&id)
	if noRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert work item for task %s: %w", taskID, err)
	}
	return id, true, nil
}

// LeaseReadyWork atomically claims the single most urgent eligible item:
// oldest run_at first, then highest priority, then lowest id. Rows locked by
// a live lease are skipped, never waited on. Returns nil when nothing is
// ready.
func (s *Store) LeaseReadyWork(ctx context.Context, now time.Time, leaseFor time.Duration, workerID string) (*task.WorkItem, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE due_work SET locked_until = $1, locked_by = $2
		 WHERE id IN (
			SELECT id FROM due_work
			WHERE run_at <= $3 AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY run_at ASC, priority DESC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING `+workColumns,
		now.Add(leaseFor), workerID, now,
	)
	item, err := scanWorkItem(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease ready work: %w", err)
	}
	return item, nil
}

// RenewLease extends the lease iff workerID still holds it. A false return
// means the lease was lost: expired, reclaimed or the row is gone.
func (s *Store) RenewLease(ctx context.Context, workItemID int64, workerID string, now, newUntil time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE due_work SET locked_until = $3
		 WHERE id = $1 AND locked_by = $2 AND locked_until > $4`,
		workItemID, workerID, newUntil, now,
	)
	if err != nil {
		return false, fmt.Errorf("renew lease on work item %d: %w", workItemID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease gives a leased item back to the queue immediately instead
// of waiting out the lease. Only the holder may release.
func (s *Store) ReleaseLease(ctx context.Context, workItemID int64, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE due_work SET locked_until = NULL, locked_by = NULL
		 WHERE id = $1 AND locked_by = $2`,
		workItemID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("release lease on work item %d: %w", workItemID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteWorkItem removes the row after a terminal outcome. Only the worker
// named on the lease may delete it.
func (s *Store) DeleteWorkItem(ctx context.Context, workItemID int64, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM due_work WHERE id = $1 AND locked_by = $2`,
		workItemID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("delete work item %d: %w", workItemID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeletePendingWork drops a task's unleased items. Items currently under a
// live lease are left for their worker to finish and delete.
func (s *Store) DeletePendingWork(ctx context.Context, taskID uuid.UUID, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM due_work
		 WHERE task_id = $1 AND (locked_until IS NULL OR locked_until < $2)`,
		taskID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("delete pending work for task %s: %w", taskID, err)
	}
	return tag.RowsAffected(), nil
}

// SnoozeNextWork pushes the task's earliest unleased item forward by delta.
// Returns false when the task has no pending item to shift.
func (s *Store) SnoozeNextWork(ctx context.Context, taskID uuid.UUID, delta time.Duration, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE due_work SET run_at = run_at + make_interval(secs => $2)
		 WHERE id IN (
			SELECT id FROM due_work
			WHERE task_id = $1 AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY run_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )`,
		taskID, delta.Seconds(), now,
	)
	if err != nil {
		return false, fmt.Errorf("snooze work for task %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountReadyWork reports how many items are eligible to lease right now.
func (s *Store) CountReadyWork(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM due_work
		 WHERE run_at <= $1 AND (locked_until IS NULL OR locked_until < $1)`,
		now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ready work: %w", err)
	}
	return n, nil
}

func scanWorkItem(row rowScanner) (*task.WorkItem, error) {
	var item task.WorkItem
	var lockedBy, dedupeKey *string
	var eventPayload []byte

	err := row.Scan(
		&item.ID, &item.TaskID, &item.RunAt, &item.LockedUntil, &lockedBy,
		&item.Priority, &dedupeKey, &eventPayload, &item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lockedBy != nil {
		item.LockedBy = *lockedBy
	}
	if dedupeKey != nil {
		item.DedupeKey = *dedupeKey
	}
	if len(eventPayload) > 0 {
		item.EventPayload = json.RawMessage(eventPayload)
	}
	return &item, nil
}
