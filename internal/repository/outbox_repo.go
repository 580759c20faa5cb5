package repository

import (
	"context"
	"fmt"

	"billing/internal/model"

	"gorm.io/gorm"
)

const maxLastErrorLen = 512

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create 写入待发送消息，dedup_key 重复时返回 ErrConflict
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(ctx).Create(msg).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: dedup_key=%s", ErrConflict, msg.DedupKey)
		}
		return err
	}
	return nil
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// RecordFailure 记录一次投递失败：重试次数 +1，保存最后一次错误
// 达到 maxRetry 时在同一事务内转为 FAILED
func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, cause string, maxRetry int) error {
	if len(cause) > maxLastErrorLen {
		cause = cause[:maxLastErrorLen]
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.OutboxMessage{}).
			Where("id = ? AND status = ?", id, model.OutboxStatusPending).
			UpdateColumns(map[string]interface{}{
				"retry_count": gorm.Expr("retry_count + 1"),
				"last_error":  cause,
			}).Error
		if err != nil {
			return err
		}
		return tx.Model(&model.OutboxMessage{}).
			Where("id = ? AND status = ? AND retry_count >= ?", id, model.OutboxStatusPending, maxRetry).
			UpdateColumn("status", model.OutboxStatusFailed).Error
	})
}

func (r *OutboxRepository) GetByDedupKey(ctx context.Context, dedupKey string) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	err := r.db.WithContext(ctx).Where("dedup_key = ?", dedupKey).Limit(1).Find(&msg).Error
	if err != nil {
		return nil, err
	}
	if msg.ID == 0 {
		return nil, nil
	}
	return &msg, nil
}
