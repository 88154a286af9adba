package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPingTimeout = 5 * time.Second

type Redis interface {
	Client() *redis.Client
	Close() error
}

type Config struct {
	Host     string
	Port     uint16
	Password string
	DB       int
}

type rdb struct {
	client *redis.Client
}

func New(ctx context.Context, cfg *Config) (Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &rdb{client: client}, nil
}

func (r *rdb) Client() *redis.Client {
	return r.client
}

func (r *rdb) Close() error {
	return r.client.Close()
}
