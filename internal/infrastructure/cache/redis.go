package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"billing/internal/config"

	"github.com/go-redis/redis/v8"
)

const pingTimeout = 5 * time.Second

// NewRedisClient 创建客户端并 PING 一次，连不上直接返回错误
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败 %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return client, nil
}

// InitRedis 启动阶段使用，失败即退出进程
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client, err := NewRedisClient(context.Background(), cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Redis 连接成功: db=%d, pool=%d", cfg.DB, cfg.PoolSize)
	return client
}
