package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestNopLock(t *testing.T) {
	var l Lock = NopLock{}

	assert.NoError(t, l.Acquire(context.Background()))
	assert.NoError(t, l.Acquire(context.Background()))
	assert.NoError(t, l.Release(context.Background()))
}

func TestNewRedisLock_UniqueTokens(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisLock(client, "postmailer:run-lock", time.Minute)
	b := NewRedisLock(client, "postmailer:run-lock", time.Minute)

	assert.NotEqual(t, a.token, b.token)
	assert.Equal(t, "postmailer:run-lock", a.key)
}

func TestRedisLock_Acquire_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	err := NewRedisLock(client, "k", time.Minute).Acquire(context.Background())
	assert.Error(t, err)
}
