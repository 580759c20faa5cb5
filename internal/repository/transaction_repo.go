package repository

import (
	"context"
	"errors"
	"fmt"

	"billing/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("流水不存在")

// TransactionRepository 只追加的流水账本
// 不提供任何 UPDATE / DELETE
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 写入流水，主键或 (source, source_id) 冲突时返回 ErrConflict
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(ctx).Create(trans).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: transaction_id=%d source=%s source_id=%s",
				ErrConflict, trans.TransactionID, trans.Source, trans.SourceKey())
		}
		return err
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, transactionID int64) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// GetBySource 按幂等键查询已完成流水，不存在返回 nil, nil
func (r *TransactionRepository) GetBySource(ctx context.Context, source model.TransactionSource, sourceID string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).
		Where("source = ? AND source_id = ? AND status = ?", source, sourceID, model.TransactionStatusCompleted).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// ExistsBySource 幂等键是否已存在已完成流水，tx 为 nil 时走普通连接
func (r *TransactionRepository) ExistsBySource(ctx context.Context, tx *gorm.DB, source model.TransactionSource, sourceID string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("source = ? AND source_id = ? AND status = ?", source, sourceID, model.TransactionStatusCompleted).
		Count(&count).Error
	return count > 0, err
}

// ListByUserID 分页查询，created_at 倒序，同一时刻按 transaction_id 倒序
func (r *TransactionRepository) ListByUserID(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	byUser := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)
	}

	err := byUser().Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = byUser().
		Order("created_at DESC").
		Order("transaction_id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListAllByUserID 按余额版本号正序返回用户全部流水，用于回放校验
// created_at 取自各实例本地时钟，多实例部署时可能乱序，不能作为回放顺序
func (r *TransactionRepository) ListAllByUserID(ctx context.Context, userID uuid.UUID) ([]model.Transaction, error) {
	var transactions []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("balance_version ASC").
		Order("transaction_id ASC").
		Find(&transactions).Error
	return transactions, err
}
