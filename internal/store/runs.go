package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
)

// InsertRun opens a run record for one attempt. The attempt number continues
// from the highest attempt already recorded against the same work item, so a
// re-lease after an abandoned run does not restart the count.
func (s *Store) InsertRun(ctx context.Context, taskID uuid.UUID, workItemID int64, leaseOwner string) (uuid.UUID, int, error) {
	var id uuid.UUID
	var attempt int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO task_run (task_id, work_item_id, attempt, lease_owner)
		 VALUES ($1, $2,
			COALESCE((SELECT MAX(attempt) FROM task_run WHERE work_item_id = $2), 0) + 1,
			$3)
		 RETURNING id, attempt`,
		taskID, workItemID, leaseOwner,
	).Scan(&id, &attempt)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("insert run for task %s: %w", taskID, err)
	}
	return id, attempt, nil
}

// FinalizeRun closes a run record with its outcome.
func (s *Store) FinalizeRun(ctx context.Context, runID uuid.UUID, success bool, finishedAt time.Time, errMsg string, output json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_run SET finished_at = $2, success = $3, error = NULLIF($4, ''), output = $5
		 WHERE id = $1`,
		runID, finishedAt, success, errMsg, output,
	)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// ListRuns returns the most recent runs for a task, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID uuid.UUID, limit int) ([]task.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, work_item_id, attempt, started_at, finished_at, success, error, output, lease_owner, created_at
		 FROM task_run WHERE task_id = $1
		 ORDER BY started_at DESC LIMIT $2`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var runs []task.TaskRun
	for rows.Next() {
		var r task.TaskRun
		var errMsg *string
		var output []byte

		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.WorkItemID, &r.Attempt, &r.StartedAt,
			&r.FinishedAt, &r.Success, &errMsg, &output, &r.LeaseOwner, &r.CreatedAt,
		); err != nil {
			return runs, fmt.Errorf("scan run: %w", err)
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		if len(output) > 0 {
			r.Output = json.RawMessage(output)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// HasRunSince reports whether any run for the task started at or after the
// given instant. The scheduler uses it for dedupe-window suppression.
func (s *Store) HasRunSince(ctx context.Context, taskID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM task_run WHERE task_id = $1 AND started_at >= $2)`,
		taskID, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check runs since for task %s: %w", taskID, err)
	}
	return exists, nil
}
