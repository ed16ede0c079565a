// Package lock provides a Redis-backed distributed mutex so that running
// more than one worker replica never results in two schedulers executing
// the same periodic tick concurrently (auto-resolve, maintenance matching,
// enrichment, and digest flush are all safe to run exactly once per tick,
// never twice).
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLock wraps a *redis.Client with SETNX-based mutual exclusion.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock parses redisURL (e.g. "redis://localhost:6379/0") and opens a
// client against it. No connection is made until the first command.
func NewRedisLock(redisURL string) (*RedisLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	return &RedisLock{client: redis.NewClient(opts)}, nil
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// TryAcquire attempts to hold key for ttl. ok is false with a nil error when
// another holder already has it — the caller should simply skip its
// critical section rather than treat that as a failure. The returned
// release func is a compare-and-delete: it only clears the key if this
// caller still holds it, so a lock this holder let expire can't be
// accidentally released out from under whoever acquired it next.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), ok bool, err error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release = func(ctx context.Context) {
		releaseScript.Run(ctx, l.client, []string{key}, token)
	}
	return release, true, nil
}
