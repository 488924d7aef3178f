package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures the connection to the backing store.
type RedisOptions struct {
	URL            string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// NewRedisClient opens a connection pool to Redis and verifies it with a ping.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.Password = opts.Password
	redisOpts.DB = opts.DB
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.CommandTimeout
	redisOpts.WriteTimeout = opts.CommandTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
