package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/metrics"
)

// Lock resource names
const (
	BranchResource    = "branch:"
	MergeResource     = "merge:"
	MigrationResource = "migration:"
	ExportResource    = "export:"
)

// Locker hands out per-resource advisory locks with explicit timeouts.
// A held lock is kept alive by extending it every TTL/3 until released.
type Locker struct {
	lock         driven.DistributedLock
	logger       *slog.Logger
	ttl          time.Duration
	pollInterval time.Duration
	timeout      time.Duration
}

// LockerConfig holds configuration for the locker.
type LockerConfig struct {
	Lock         driven.DistributedLock
	Logger       *slog.Logger
	TTL          time.Duration // Lock expiry when the holder dies (default: 30s)
	PollInterval time.Duration // Delay between acquire attempts (default: 25ms)
	Timeout      time.Duration // Default wait when Acquire gets no timeout (default: 10s)
}

// NewLocker creates a new locker.
func NewLocker(cfg LockerConfig) *Locker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 25 * time.Millisecond
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Locker{
		lock:         cfg.Lock,
		logger:       logger,
		ttl:          ttl,
		pollInterval: poll,
		timeout:      timeout,
	}
}

// Acquire waits up to timeout for resource. The returned release func is
// idempotent. A zero timeout uses the configured default.
func (l *Locker) Acquire(ctx context.Context, resource string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = l.timeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		acquired, err := l.lock.Acquire(ctx, resource, l.ttl)
		if err != nil {
			return nil, domain.NewStorageError("acquire lock "+resource, err)
		}
		if acquired {
			metrics.LockWaitDuration.WithLabelValues(resourceKind(resource)).Observe(time.Since(start).Seconds())
			return l.hold(resource), nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrLockTimeout, resource, timeout)
		}
		wait := min(l.pollInterval, time.Until(deadline))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *Locker) hold(resource string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := l.lock.Extend(context.Background(), resource, l.ttl); err != nil {
					l.logger.Warn("failed to extend lock", "resource", resource, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := l.lock.Release(context.Background(), resource); err != nil {
				l.logger.Warn("failed to release lock", "resource", resource, "error", err)
			}
		})
	}
}

func resourceKind(resource string) string {
	kind, _, _ := strings.Cut(resource, ":")
	return kind
}

// WriteFence holds the lock of every active branch. Commits write under
// their branch lock, so while the fence is closed no commit of any process is
// between its first engine write and its append. Branch creation takes the
// parent's lock, so no branch appears once every listed one is held.
type WriteFence struct {
	locker   *Locker
	branches driven.BranchStore
	timeout  time.Duration
}

// NewWriteFence creates a fence over the branches in store
func NewWriteFence(locker *Locker, branches driven.BranchStore, timeout time.Duration) *WriteFence {
	return &WriteFence{locker: locker, branches: branches, timeout: timeout}
}

// Close waits for every branch lock in path order and returns the release
// func together with the head of each branch at the time it was closed.
func (f *WriteFence) Close(ctx context.Context) (func(), map[string]int64, error) {
	var releases []func()
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	held := make(map[string]bool)
	for {
		all, err := f.branches.List(ctx)
		if err != nil {
			release()
			return nil, nil, err
		}
		var pending []string
		for _, b := range all {
			if b.Active() && !held[b.Path] {
				pending = append(pending, b.Path)
			}
		}
		if len(pending) == 0 {
			break
		}
		sort.Strings(pending)
		for _, path := range pending {
			r, err := f.locker.Acquire(ctx, BranchResource+path, f.timeout)
			if err != nil {
				release()
				return nil, nil, fmt.Errorf("close write fence: %w", err)
			}
			releases = append(releases, r)
			held[path] = true
		}
	}

	// heads are read once every branch is held
	all, err := f.branches.List(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}
	heads := make(map[string]int64, len(held))
	for _, b := range all {
		if held[b.Path] {
			heads[b.Path] = b.Head
		}
	}
	return release, heads, nil
}
