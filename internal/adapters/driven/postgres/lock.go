package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/custodia-labs/termstore/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*AdvisoryLock)(nil)

// lockNamespace keeps store locks apart from other users of the database
const lockNamespace = "termstore:lock:"

// AdvisoryLock implements DistributedLock using PostgreSQL advisory locks.
//
// Advisory locks belong to the session that took them, so every call runs on
// one dedicated connection taken from the pool. Locks are not TTL based: the
// ttl argument is ignored and a lock lives until Release or until the
// connection drops. Extend only verifies ownership.
type AdvisoryLock struct {
	db *DB

	mu   sync.Mutex
	conn *sql.Conn
	held map[string]bool
}

// NewAdvisoryLock creates a new PostgreSQL advisory lock adapter.
func NewAdvisoryLock(db *DB) *AdvisoryLock {
	return &AdvisoryLock{db: db, held: make(map[string]bool)}
}

// hashLockName converts a lock name to the 64-bit key used by pg_advisory_lock
func hashLockName(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(lockNamespace + name))
	return int64(h.Sum64())
}

// session returns the dedicated connection, opening it on first use.
// Callers hold l.mu.
func (l *AdvisoryLock) session(ctx context.Context) (*sql.Conn, error) {
	if l.conn != nil {
		return l.conn, nil
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	l.conn = conn
	return conn, nil
}

// drop forgets a broken session; the server released its locks with it.
// Callers hold l.mu.
func (l *AdvisoryLock) drop() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = nil
	l.held = make(map[string]bool)
}

// Acquire attempts to take a named advisory lock without blocking
func (l *AdvisoryLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[name] {
		return false, nil
	}
	conn, err := l.session(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", hashLockName(name)).Scan(&acquired); err != nil {
		l.drop()
		return false, err
	}
	if acquired {
		l.held[name] = true
	}
	return acquired, nil
}

// Release releases a named advisory lock. Releasing a lock that is not held
// is a no-op.
func (l *AdvisoryLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held[name] || l.conn == nil {
		return nil
	}
	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", hashLockName(name)).Scan(&released); err != nil {
		l.drop()
		return err
	}
	delete(l.held, name)
	return nil
}

// Extend checks that the lock is still held by this session
func (l *AdvisoryLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held[name] {
		return fmt.Errorf("lock %s is not held", name)
	}
	return nil
}

// Ping checks if the PostgreSQL backend is healthy
func (l *AdvisoryLock) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close releases the dedicated session and every lock it holds
func (l *AdvisoryLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drop()
	return nil
}
