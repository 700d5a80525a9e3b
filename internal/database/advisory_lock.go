package database

import (
	"context"
	"database/sql/driver"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// AdvisoryLocker serializes work on a key across every instance sharing the
// database, using session-level Postgres advisory locks.
type AdvisoryLocker struct {
	db *sqlx.DB
}

// NewAdvisoryLocker creates a locker on db.
func NewAdvisoryLocker(db *sqlx.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the lock; it holds a pooled connection until then.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock connection: %w", err)
	}
	if _, err = conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}

	return func() {
		_, unlockErr := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key)
		if unlockErr != nil {
			// The lock lives as long as the session: drop the connection
			// instead of returning it to the pool still holding it.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}
