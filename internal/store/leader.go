package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yoda-digital/ordinaut/internal/shared/logging"
)

// advisoryConn is the slice of a pooled connection the leader lock needs.
type advisoryConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

// LeaderLock is a session-scoped Postgres advisory lock. Exactly one process
// holds it at a time; the session going away (crash, network cut) releases
// it server-side, so no lease bookkeeping is needed.
type LeaderLock struct {
	acquire       func(ctx context.Context) (advisoryConn, error)
	lockName      string
	ownerID       string
	retryInterval time.Duration
	logger        logging.Logger

	mu   sync.Mutex
	conn advisoryConn
}

// NewLeaderLock builds a lock backed by a dedicated connection from pool.
func NewLeaderLock(pool *pgxpool.Pool, lockName, ownerID string, retryInterval time.Duration, logger logging.Logger) *LeaderLock {
	acquire := func(ctx context.Context) (advisoryConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return newLeaderLockWithAcquire(acquire, lockName, ownerID, retryInterval, logger)
}

func newLeaderLockWithAcquire(acquire func(ctx context.Context) (advisoryConn, error), lockName, ownerID string, retryInterval time.Duration, logger logging.Logger) *LeaderLock {
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &LeaderLock{
		acquire:       acquire,
		lockName:      lockName,
		ownerID:       ownerID,
		retryInterval: retryInterval,
		logger:        logging.OrNop(logger),
	}
}

// Acquire blocks until this process becomes leader or ctx ends. Each failed
// attempt releases its connection back to the pool before sleeping, so
// standbys do not pin connections while they wait.
func (l *LeaderLock) Acquire(ctx context.Context) (bool, error) {
	for {
		conn, err := l.acquire(ctx)
		if err != nil {
			l.logger.Warn("leader lock %q: acquire connection: %v", l.lockName, err)
		} else {
			var locked bool
			err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, l.lockName).Scan(&locked)
			if err != nil {
				conn.Release()
				l.logger.Warn("leader lock %q: try lock: %v", l.lockName, err)
			} else if locked {
				l.mu.Lock()
				l.conn = conn
				l.mu.Unlock()
				l.logger.Info("leader lock %q acquired by %s", l.lockName, l.ownerID)
				return true, nil
			} else {
				conn.Release()
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

// Release gives up leadership. Safe to call when the lock was never
// acquired.
func (l *LeaderLock) Release(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Release()

	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.lockName).Scan(&released); err != nil {
		return fmt.Errorf("release leader lock %q: %w", l.lockName, err)
	}
	if !released {
		l.logger.Warn("leader lock %q was not held at release", l.lockName)
	}
	return nil
}
