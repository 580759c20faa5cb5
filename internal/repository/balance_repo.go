package repository

import (
	"context"
	"errors"
	"time"

	"billing/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound = errors.New("余额账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
	ErrConflict        = errors.New("唯一约束冲突")
)

// OnMissing 余额不存在时的处理策略，必须由调用方显式声明
type OnMissing int

const (
	OnMissingUnspecified OnMissing = iota
	OnMissingFail                  // 后台调整：不存在即失败
	OnMissingAutoCreate            // 事件消费：自动创建零余额
)

func (p OnMissing) String() string {
	switch p {
	case OnMissingFail:
		return "FAIL"
	case OnMissingAutoCreate:
		return "AUTO_CREATE"
	}
	return "UNSPECIFIED"
}

// BalanceRepository 余额存储
//
// 没有任何直接修改 current_balance / debt 的方法，
// Update 只接收 ledger.Mutator 计算出的新快照
type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *BalanceRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*model.Balance, error) {
	var balance model.Balance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetByUserIDForUpdate 行锁读取，必须在事务内调用
func (r *BalanceRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (*model.Balance, error) {
	var balance model.Balance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// Create 创建零余额，已存在时不报错
// 返回值 created 表示本次是否真正插入
func (r *BalanceRepository) Create(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (bool, error) {
	balance := model.NewBalance(userID, time.Now().UTC())
	result := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&balance)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Resolve 按 onMissing 策略取得余额并加行锁
func (r *BalanceRepository) Resolve(ctx context.Context, tx *gorm.DB, userID uuid.UUID, onMissing OnMissing) (*model.Balance, error) {
	balance, err := r.GetByUserIDForUpdate(ctx, tx, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) || onMissing != OnMissingAutoCreate {
		return nil, err
	}

	if _, err := r.Create(ctx, tx, userID); err != nil {
		return nil, err
	}
	return r.GetByUserIDForUpdate(ctx, tx, userID)
}

// Update 整体替换可变字段
// 以 expectedVersion 作为条件，版本不一致返回 ErrOptimisticLock
func (r *BalanceRepository) Update(ctx context.Context, tx *gorm.DB, next model.Balance, expectedVersion int) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ? AND version = ?", next.UserID, expectedVersion).
		Updates(map[string]interface{}{
			"current_balance": next.CurrentBalance,
			"total_deposited": next.TotalDeposited,
			"total_spent":     next.TotalSpent,
			"debt":            next.Debt,
			"last_updated":    next.LastUpdated,
			"version":         next.Version,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (r *BalanceRepository) Exists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count > 0, err
}

// GetUsersWithDebt 按 user_id 游标分页列出欠费用户，afterUserID 为 uuid.Nil 时从头开始
func (r *BalanceRepository) GetUsersWithDebt(ctx context.Context, afterUserID uuid.UUID, limit int) ([]*model.Balance, error) {
	var balances []*model.Balance
	query := r.db.WithContext(ctx).Where("debt > 0")
	if afterUserID != uuid.Nil {
		query = query.Where("user_id > ?", afterUserID)
	}
	err := query.
		Order("user_id ASC").
		Limit(limit).
		Find(&balances).Error
	return balances, err
}
