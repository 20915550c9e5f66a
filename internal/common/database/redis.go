package database

import (
	"context"
	"fmt"
	"time"

	"reading-assessment/internal/common/config"

	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	Client *redis.Client
}

// NewRedis builds a client from either a redis:// URL or discrete
// address/password/db settings. The URL wins when both are provided.
func NewRedis(cfg config.RedisConfig) (*RedisClient, error) {
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opts.DialTimeout = 5 * time.Second
	// Reads must outlive the blocking dequeue timeout.
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	return &RedisClient{Client: redis.NewClient(opts)}, nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (c *RedisClient) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}

func (c *RedisClient) GetClient() *redis.Client {
	return c.Client
}
