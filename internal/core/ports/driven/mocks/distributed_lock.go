package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockDistributedLock keeps named locks in memory with expiry.
// Hooks replace the default behavior when set.
type MockDistributedLock struct {
	mu       sync.Mutex
	held     map[string]time.Time
	acquired map[string]int

	AcquireFn func(name string, ttl time.Duration) (bool, error)
	ReleaseFn func(name string) error
	PingFn    func() error
}

// NewMockDistributedLock creates an empty lock table
func NewMockDistributedLock() *MockDistributedLock {
	return &MockDistributedLock{
		held:     make(map[string]time.Time),
		acquired: make(map[string]int),
	}
}

func (m *MockDistributedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if m.AcquireFn != nil {
		return m.AcquireFn(name, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.held[name]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	m.held[name] = time.Now().Add(ttl)
	m.acquired[name]++
	return true, nil
}

func (m *MockDistributedLock) Release(ctx context.Context, name string) error {
	if m.ReleaseFn != nil {
		return m.ReleaseFn(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
	return nil
}

func (m *MockDistributedLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.held[name]; !ok || time.Now().After(expiry) {
		return fmt.Errorf("lock %s not held", name)
	}
	m.held[name] = time.Now().Add(ttl)
	return nil
}

func (m *MockDistributedLock) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn()
	}
	return nil
}

// IsHeld reports whether name is currently locked
func (m *MockDistributedLock) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.held[name]
	return ok && time.Now().Before(expiry)
}

// Acquisitions counts successful acquisitions of name
func (m *MockDistributedLock) Acquisitions(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired[name]
}

// Hold marks name as held by another owner for ttl
func (m *MockDistributedLock) Hold(name string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[name] = time.Now().Add(ttl)
}
