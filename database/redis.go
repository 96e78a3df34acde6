package database

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient initializes a Redis client from a URL. Returns nil when
// the URL is empty or the connection fails; callers treat a nil client as
// "cache disabled".
func NewRedisClient(redisURL string, logger *zap.Logger) *redis.Client {
	if redisURL == "" {
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("Invalid Redis URL, running without cache", zap.Error(err))
		return nil
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("Redis unreachable, running without cache", zap.Error(err))
		return nil
	}

	logger.Info("Connected to Redis")
	return client
}
