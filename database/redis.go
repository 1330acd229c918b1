package database

import (
	"context"
	"fmt"
	"time"

	"shopassist/config"

	redis "github.com/redis/go-redis/v9"
)

// NewRedis builds a client from REDIS_URL, or from REDIS_ADDR/REDIS_PASS/REDIS_DB
// when no URL is configured, and pings it once.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	rc := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rc, nil
}
