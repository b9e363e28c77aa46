package redislease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient emulates the three commands and two scripts the leaser sends
type fakeClient struct {
	mu   sync.Mutex
	keys map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		keys: make(map[string]string),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeClient) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}

	key, owner := keys[0], args[0].(string)
	if f.keys[key] != owner {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case renewScript:
		f.ttls[key] = time.Duration(args[1].(int64)) * time.Millisecond
	case releaseScript:
		delete(f.keys, key)
		delete(f.ttls, key)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func TestLeaser_AcquireAndContend(t *testing.T) {
	client := newFakeClient()
	leaser := New(client)
	ctx := context.Background()

	ok, err := leaser.AcquireLease(ctx, "run-1", "a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", client.keys[defaultPrefix+"run-1"])
	assert.Equal(t, 30*time.Second, client.ttls[defaultPrefix+"run-1"])

	ok, err = leaser.AcquireLease(ctx, "run-1", "b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder re-acquires by extending
	ok, err = leaser.AcquireLease(ctx, "run-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, client.ttls[defaultPrefix+"run-1"])
}

func TestLeaser_RenewAndRelease(t *testing.T) {
	client := newFakeClient()
	leaser := New(client, WithPrefix("test:"))
	ctx := context.Background()

	ok, err := leaser.AcquireLease(ctx, "run-1", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, client.keys, "test:run-1")

	ok, err = leaser.RenewLease(ctx, "run-1", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// A non-holder release leaves the lease in place
	require.NoError(t, leaser.ReleaseLease(ctx, "run-1", "b"))
	assert.Contains(t, client.keys, "test:run-1")

	require.NoError(t, leaser.ReleaseLease(ctx, "run-1", "a"))
	assert.NotContains(t, client.keys, "test:run-1")

	ok, err = leaser.AcquireLease(ctx, "run-1", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaser_Errors(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("connection refused")
	leaser := New(client)
	ctx := context.Background()

	_, err := leaser.AcquireLease(ctx, "run-1", "a", time.Second)
	assert.ErrorContains(t, err, "connection refused")

	_, err = leaser.RenewLease(ctx, "run-1", "a", time.Second)
	assert.Error(t, err)

	assert.Error(t, leaser.ReleaseLease(ctx, "run-1", "a"))
}
