// Package redislease implements stepflow.Leaser on Redis. A lease is a key
// holding the owner ID with a millisecond TTL; renew and release compare
// the owner atomically in Lua so an expired holder cannot touch a lease
// that was taken over.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sicko7947/stepflow"
)

const defaultPrefix = "stepflow:lease:"

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Client is the subset of redis.Cmdable the leaser needs
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

var _ Client = (redis.Cmdable)(nil)

// Leaser grants run leases through Redis
type Leaser struct {
	client Client
	prefix string
}

// Option configures the Leaser
type Option func(*Leaser)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(l *Leaser) {
		l.prefix = prefix
	}
}

// New creates a Redis-backed leaser
func New(client Client, opts ...Option) *Leaser {
	l := &Leaser{
		client: client,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewFromAddr connects to a single Redis node
func NewFromAddr(addr, password string, db int, opts ...Option) *Leaser {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

var _ stepflow.Leaser = (*Leaser)(nil)

func (l *Leaser) key(runID string) string {
	return l.prefix + runID
}

func (l *Leaser) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(runID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	// Re-acquiring our own lease extends it
	current, err := l.client.Get(ctx, l.key(runID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read lease: %w", err)
	}
	if current != owner {
		return false, nil
	}
	return l.RenewLease(ctx, runID, owner, ttl)
}

func (l *Leaser) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	n, err := l.client.Eval(ctx, renewScript, []string{l.key(runID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return n == 1, nil
}

func (l *Leaser) ReleaseLease(ctx context.Context, runID, owner string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key(runID)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
