package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/medication-adherence/internal/config"
)

type Options struct {
	Addr     string
	Username string
	Password string
	// PoolSize covers one lock round-trip per concurrent job unit plus the
	// health probe.
	PoolSize int
}

func OptionsFrom(cfg config.Config) Options {
	return Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.Jobs.Concurrency + 2,
	}
}

// NewRedisClient connects and pings. Scheduled jobs coordinate across
// instances through this client, so a failed ping is fatal at startup.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.PoolSize < 4 {
		opts.PoolSize = 4
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	return rdb, nil
}
