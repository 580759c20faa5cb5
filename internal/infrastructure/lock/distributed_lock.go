package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥
//   - EX 防止持有者崩溃后死锁
//   - value 是持有者令牌，释放时校验
//
// 释放：Lua 脚本保证“比较 + 删除”的原子性，
// 避免锁过期后被别的持有者获取、又被自己误删
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞加锁，按固定间隔重试
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// ============================================================================
// 按用户维度的余额锁
// ============================================================================

// UserLockKey 余额锁的 key
func UserLockKey(userID uuid.UUID) string {
	return fmt.Sprintf("ledger:lock:user:%s", userID)
}

// RedisUserLocker 多实例部署时串行化同一用户的余额变更
type RedisUserLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisUserLocker(client *redis.Client, ttl, retryInterval time.Duration, maxRetries int) *RedisUserLocker {
	return &RedisUserLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

// LockUser 加锁成功后返回释放函数
// 释放使用独立的 context，调用方 ctx 已取消时锁也能及时归还
func (l *RedisUserLocker) LockUser(ctx context.Context, userID uuid.UUID) (func(), error) {
	lock := NewDistributedLock(l.client, UserLockKey(userID), uuid.NewString(), l.ttl)
	if err := lock.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, err
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := lock.Unlock(unlockCtx); err != nil {
			log.Printf("[Lock] 释放用户锁失败: userID=%s, err=%v", userID, err)
		}
	}, nil
}
