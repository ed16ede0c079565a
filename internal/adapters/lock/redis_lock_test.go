package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) *RedisLock {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	l, err := NewRedisLock("redis://" + server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestTryAcquire_SecondCallerIsRejectedWhileLockHeld(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "scheduler:tick", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, release)

	_, ok, err = l.TryAcquire(ctx, "scheduler:tick", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second holder must not acquire the same key while it's held")
}

func TestTryAcquire_AvailableAgainAfterRelease(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "scheduler:tick", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release(ctx)

	_, ok, err = l.TryAcquire(ctx, "scheduler:tick", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the key must be acquirable again once released")
}

func TestTryAcquire_DifferentKeysDoNotContend(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	_, ok1, err := l.TryAcquire(ctx, "scheduler:tick", time.Minute)
	require.NoError(t, err)
	require.True(t, ok1)

	_, ok2, err := l.TryAcquire(ctx, "fingerprint:abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok2, "a distinct key must acquire independently")
}
