package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance 用户余额表
// 每个用户一行，只能通过 ledger.Mutator 产生的新快照更新，永不物理删除
//
// 【不变量】
// 1. CurrentBalance >= 0，任何不足部分只记在 Debt 上
// 2. TotalDeposited / TotalSpent 单调不减
// 3. Debt >= 0，只有核销（DEBT_WRITE_OFF）会让它减少
type Balance struct {
	UserID         uuid.UUID       `gorm:"type:char(36);primaryKey" json:"user_id"`
	CurrentBalance decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"current_balance"`
	TotalDeposited decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_deposited"`
	TotalSpent     decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_spent"`
	Debt           decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0;index" json:"debt"`
	Version        int             `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	LastUpdated    time.Time       `gorm:"precision:6" json:"last_updated"`
	CreatedAt      time.Time       `gorm:"precision:6;autoCreateTime" json:"created_at"`
}

func (Balance) TableName() string {
	return "balance"
}

// NewBalance 零余额快照
func NewBalance(userID uuid.UUID, now time.Time) Balance {
	return Balance{
		UserID:         userID,
		CurrentBalance: decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalSpent:     decimal.Zero,
		Debt:           decimal.Zero,
		LastUpdated:    now,
		CreatedAt:      now,
	}
}

// HasDebt 是否欠费
func (b Balance) HasDebt() bool {
	return b.Debt.IsPositive()
}
