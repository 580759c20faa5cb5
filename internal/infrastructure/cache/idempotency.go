package cache

import (
	"context"
	"fmt"
	"time"

	"billing/internal/model"

	"github.com/go-redis/redis/v8"
)

// IdempotencyCache 已入账幂等键的 Redis 标记
// 只做加速：标记存在说明一定入过账，标记不存在则以数据库为准
type IdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdempotencyCache(client *redis.Client, ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{client: client, ttl: ttl}
}

func idempotencyKey(source model.TransactionSource, sourceID string) string {
	return fmt.Sprintf("ledger:idem:%s:%s", source, sourceID)
}

func (c *IdempotencyCache) Seen(ctx context.Context, source model.TransactionSource, sourceID string) (bool, error) {
	n, err := c.client.Exists(ctx, idempotencyKey(source, sourceID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *IdempotencyCache) Mark(ctx context.Context, source model.TransactionSource, sourceID string) error {
	return c.client.SetNX(ctx, idempotencyKey(source, sourceID), "1", c.ttl).Err()
}
