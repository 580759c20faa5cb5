package ledger

import (
	"context"
	"log"

	"billing/internal/model"
	"billing/internal/repository"

	"gorm.io/gorm"
)

// IdempotencyCache 幂等键的快速缓存，例如 Redis
// 只用来减少数据库查询，缓存未命中或故障都会回落到数据库
type IdempotencyCache interface {
	Seen(ctx context.Context, source model.TransactionSource, sourceID string) (bool, error)
	Mark(ctx context.Context, source model.TransactionSource, sourceID string) error
}

// IdempotencyGuard 判断入站事件是否已经入账
//
// 【关键点】Exists 只是预检，并发重复投递下预检本身存在竞态，
// 真正的保证是 balance_transaction 上 (source, source_id) 唯一索引，
// 插入冲突由 Mutator 转换为 DuplicateTransaction
type IdempotencyGuard struct {
	transactions *repository.TransactionRepository
	cache        IdempotencyCache
}

func NewIdempotencyGuard(transactions *repository.TransactionRepository, cache IdempotencyCache) *IdempotencyGuard {
	return &IdempotencyGuard{
		transactions: transactions,
		cache:        cache,
	}
}

// Exists 先查缓存，再查数据库
func (g *IdempotencyGuard) Exists(ctx context.Context, source model.TransactionSource, sourceID string) (bool, error) {
	if sourceID == "" {
		return false, nil
	}

	if g.cache != nil {
		seen, err := g.cache.Seen(ctx, source, sourceID)
		if err != nil {
			log.Printf("[IdempotencyGuard] 查询缓存失败，回落数据库: source=%s, sourceID=%s, err=%v", source, sourceID, err)
		} else if seen {
			return true, nil
		}
	}

	return g.transactions.ExistsBySource(ctx, nil, source, sourceID)
}

// existsInTx 事务内复查，不走缓存
func (g *IdempotencyGuard) existsInTx(ctx context.Context, tx *gorm.DB, source model.TransactionSource, sourceID string) (bool, error) {
	if sourceID == "" {
		return false, nil
	}
	return g.transactions.ExistsBySource(ctx, tx, source, sourceID)
}

// markApplied 提交成功后写缓存，失败只记日志
func (g *IdempotencyGuard) markApplied(ctx context.Context, source model.TransactionSource, sourceID string) {
	if g.cache == nil || sourceID == "" {
		return
	}
	if err := g.cache.Mark(ctx, source, sourceID); err != nil {
		log.Printf("[IdempotencyGuard] 写入缓存失败: source=%s, sourceID=%s, err=%v", source, sourceID, err)
	}
}
