package dispatch

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach-platform/pkg/utils"
)

// Cap bounds simultaneous live calls. Acquire reports false when full.
type Cap interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisCap shares one counter across processes.
type RedisCap struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
}

func NewRedisCap(rdb *redis.Client, key string, limit int, ttl time.Duration) *RedisCap {
	if key == "" {
		key = "outreach:calls:active"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisCap{rdb: rdb, key: key, limit: limit, ttl: ttl}
}

func (c *RedisCap) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, c.rdb, c.key, c.limit, c.ttl)
}

func (c *RedisCap) Release(ctx context.Context) error {
	return utils.ReleaseConcurrencyCap(ctx, c.rdb, c.key)
}
