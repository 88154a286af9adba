package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"postmailer/internal/apperrors"
)

// Lock guards a whole pipeline run. Without it two overlapping invocations can
// both read the same pending record and send it twice.
type Lock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// releaseScript deletes the key only if it still holds our token, so an expired
// lease taken over by another run is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var errNotOwner = errors.New("lock is not held by this run")

type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

// Acquire fails with apperrors.ErrLockHeld when another run owns the key.
func (l *RedisLock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrLockHeld, l.key)
	}

	return nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}

	if deleted == 0 {
		return errNotOwner
	}

	return nil
}

type NopLock struct{}

func (NopLock) Acquire(context.Context) error { return nil }
func (NopLock) Release(context.Context) error { return nil }
