package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// PGAdvisoryLock is a session-level PostgreSQL advisory lock. The session
// is pinned to one pooled connection from Acquire to Release, and the lock
// goes away with the connection if the process dies.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock creates a lock whose ID is derived from key
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte("drip:" + key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire implements Lock
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release implements Lock
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
