// Package memory holds in-process adapters used by the embedded deployment
// where a single process owns the store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-labs/termstore/internal/core/ports/driven"
)

// Ensure Lock implements the interface.
var _ driven.DistributedLock = (*Lock)(nil)

// Lock is an in-process implementation of driven.DistributedLock. Held locks
// expire after their TTL like the Redis adapter.
type Lock struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

// NewLock creates a new in-memory lock table.
func NewLock() *Lock {
	return &Lock{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Acquire takes name unless a live holder exists.
func (l *Lock) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if expires, ok := l.locks[name]; ok && now.Before(expires) {
		return false, nil
	}
	l.locks[name] = now.Add(ttl)
	return true, nil
}

// Release frees name.
func (l *Lock) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, name)
	return nil
}

// Extend renews the TTL of a live lock.
func (l *Lock) Extend(_ context.Context, name string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	expires, ok := l.locks[name]
	if !ok || !now.Before(expires) {
		return fmt.Errorf("lock %s is not held", name)
	}
	l.locks[name] = now.Add(ttl)
	return nil
}

// Ping always succeeds.
func (l *Lock) Ping(_ context.Context) error {
	return nil
}
