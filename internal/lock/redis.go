package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock is a lock held with SET NX and a TTL. A random owner value
// keeps one holder from releasing another's lock after its TTL ran out.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewRedisLock creates a lock on key
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &RedisLock{
		client: client,
		key:    "drip:lock:" + key,
		value:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire implements Lock
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release implements Lock
func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// TTL returns how long an acquired or extended hold lasts
func (l *RedisLock) TTL() time.Duration {
	return l.ttl
}

// Extend implements Renewer
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	return n == 1, nil
}
