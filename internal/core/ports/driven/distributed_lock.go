package driven

import (
	"context"
	"time"
)

// DistributedLock provides named advisory locks shared by every process using the store.
// Commits, merges, migrations and full exports take them per resource
// ("branch:MAIN", "migration:Concept", ...) instead of holding a process-wide guard.
type DistributedLock interface {
	// Acquire attempts to acquire a named lock with the given TTL.
	// Returns true if the lock was acquired, false if another owner holds it.
	// The lock expires after TTL (implementation dependent).
	Acquire(ctx context.Context, name string, ttl time.Duration) (acquired bool, err error)

	// Release releases a named lock.
	// Safe to call even if the lock is not held or has expired.
	Release(ctx context.Context, name string) error

	// Extend extends the TTL of a currently held lock.
	// Returns error if the lock is not held by this owner.
	// PostgreSQL advisory locks are session scoped and treat Extend as a no-op.
	Extend(ctx context.Context, name string, ttl time.Duration) error

	// Ping checks if the lock backend is healthy.
	Ping(ctx context.Context) error
}
