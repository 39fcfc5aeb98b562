package store

import (
	"context"
	"hash/fnv"
)

// concurrencyLockID maps a task's concurrency key onto the 64-bit advisory
// lock space with FNV-1a.
func concurrencyLockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// AcquireConcurrencySlot takes a session advisory lock for a concurrency
// key. ok=false means another worker is executing a task with the same key;
// the caller should put the work item back and move on. On ok=true the
// returned release func must be called when the run finishes. The slot rides
// on a dedicated connection so it survives for exactly the session's
// lifetime and is freed server-side if the worker dies.
func (s *Store) AcquireConcurrencySlot(ctx context.Context, key string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	lockID := concurrencyLockID(key)

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Unlock on a background context: release must work even when the
		// run's context is already canceled.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID); err != nil {
			s.logger.Warn("release concurrency slot %q: %v", key, err)
		}
		conn.Release()
	}
	return release, true, nil
}
