package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient creates a go-redis client from a URL (e.g., "redis://localhost:6379").
func NewClient(redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// Pinger adapts a go-redis client to a health check.
type Pinger struct {
	rdb *goredis.Client
}

// NewPinger wraps rdb for health checks.
func NewPinger(rdb *goredis.Client) *Pinger {
	return &Pinger{rdb: rdb}
}

// Ping verifies the Redis connection.
func (p *Pinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
