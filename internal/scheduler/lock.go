package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 2 * time.Minute

// Lock keeps two drainers that share an outbox from replaying the same entries.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLock implements Lock with SETNX and a TTL. The owner is the device id, so a device
// that crashed mid-drain reacquires its own lock on restart.
type RedisLock struct {
	client redisStore
	key    string
	ttl    time.Duration
	owner  string
	held   bool
}

func NewRedisLock(client redisStore, key, owner string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if owner == "" {
		return nil, errors.New("lock owner is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: key, owner: owner, ttl: ttl}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		current, err := l.client.Get(ctx, l.key)
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("read lock owner: %w", err)
		}
		ok = current == l.owner
		if ok {
			if _, err := l.client.Expire(ctx, l.key, l.ttl); err != nil {
				return false, fmt.Errorf("refresh lock ttl: %w", err)
			}
		}
	}
	l.held = ok
	return ok, nil
}

// Release frees the lock only if this owner still holds it.
func (l *RedisLock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	value, err := l.client.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != l.owner {
		return nil
	}
	if err := l.client.Del(ctx, l.key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}
