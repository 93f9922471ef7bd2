package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOpts struct {
	Addr         string        // "127.0.0.1:6379"
	Password     string        // optional
	DB           int           // default 0
	DialTimeout  time.Duration // default 5s
	PoolSize     int           // 0 keeps the go-redis default
	ClientName   string        // shown in CLIENT LIST
	ReadTimeout  time.Duration // 0 keeps the go-redis default
	WriteTimeout time.Duration
}

// NewRedisClient connects and pings. Redis backs the delivery queue,
// the lifecycle lock, the scheduler job store and the HTTP rate limiter.
func NewRedisClient(opts RedisOpts) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("empty Redis address")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		ClientName:   opts.ClientName,
	})
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
