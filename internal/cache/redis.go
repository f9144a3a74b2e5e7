// Package cache wraps the Redis client used by the admin API rate limiter.
package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"quotebid/internal/config"
)

// Redis wraps a go-redis client with logging helpers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// New returns a Redis client based on the provided configuration.
func New(cfg config.RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password.Unmask(),
			DB:       cfg.DB,
		}),
		logger: logger.With("component", "redis"),
	}
}

// Client exposes the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Name implements the health probe interface.
func (r *Redis) Name() string { return "redis" }

// Check implements the health probe interface.
func (r *Redis) Check(ctx context.Context) error { return r.Ping(ctx) }

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}
