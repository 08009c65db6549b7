package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/termstore/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

// DefaultPrefix namespaces lock keys
const DefaultPrefix = "termstore:lock:"

// Lock implements DistributedLock using SET NX with a TTL. Every instance
// writes its own owner ID as the value so that it can only release or extend
// locks it took itself.
type Lock struct {
	client  redis.UniversalClient
	prefix  string
	ownerID string
}

// Option configures a Lock
type Option func(*Lock)

// WithPrefix overrides the key namespace
func WithPrefix(prefix string) Option {
	return func(l *Lock) { l.prefix = prefix }
}

// NewLock creates a Redis-backed distributed lock with a fresh owner ID
func NewLock(client redis.UniversalClient, opts ...Option) *Lock {
	l := &Lock{
		client:  client,
		prefix:  DefaultPrefix,
		ownerID: generateOwnerID(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewClient connects to the server named by a redis:// URL
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// generateOwnerID returns hostname:pid:uuid
func generateOwnerID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString())
}

func (l *Lock) key(name string) string {
	return l.prefix + name
}

// Acquire attempts to take a named lock. Returns false when another owner holds it.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(name), l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// releaseScript deletes the key only while it still carries our owner ID
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release releases a named lock held by this instance. Releasing an expired
// or foreign lock is a no-op.
func (l *Lock) Release(ctx context.Context, name string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, l.ownerID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Extend renews the TTL of a lock held by this instance
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(name)}, l.ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s not held by this instance", name)
	}
	return nil
}

// Holder returns the owner ID currently holding name, or "" when it is free.
func (l *Lock) Holder(ctx context.Context, name string) (string, error) {
	owner, err := l.client.Get(ctx, l.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inspect lock %s: %w", name, err)
	}
	return owner, nil
}

// Ping checks if the Redis backend is healthy
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// OwnerID returns the identifier written into locks taken by this instance
func (l *Lock) OwnerID() string {
	return l.ownerID
}
