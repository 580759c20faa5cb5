package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易类型 / 来源 / 状态
// ============================================================================

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "DEPOSIT"    // 入账
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL" // 出账
)

func (t TransactionType) Valid() bool {
	return t == TransactionTypeDeposit || t == TransactionTypeWithdrawal
}

type TransactionSource string

const (
	SourceManual       TransactionSource = "MANUAL"         // 后台手工调整
	SourceVisit        TransactionSource = "VISIT"          // 到访结算扣费
	SourcePayment      TransactionSource = "PAYMENT"        // 支付渠道充值确认
	SourceDebtWriteOff TransactionSource = "DEBT_WRITE_OFF" // 欠费核销，只减少 Debt
)

func (s TransactionSource) Valid() bool {
	switch s {
	case SourceManual, SourceVisit, SourcePayment, SourceDebtWriteOff:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// ============================================================================
// 账户流水实体
// ============================================================================

// Transaction 余额流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. Amount 恒为正数，方向由 Type 决定
// 3. BalanceAfter 是写入时的快照，永不回算
// 4. (source, source_id) 唯一索引即幂等键；source_id 为 NULL 时不参与唯一约束
// 5. BalanceVersion 是本笔变更后的余额版本号，同一用户内严格递增，回放按它排序，不依赖各实例的时钟
type Transaction struct {
	TransactionID  int64             `gorm:"primaryKey;autoIncrement:false" json:"transaction_id,string"`
	UserID         uuid.UUID         `gorm:"type:char(36);not null;index:idx_transaction_user_created,priority:1;index:idx_transaction_user_version,priority:1" json:"user_id"`
	Amount         decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"amount"`
	Type           TransactionType   `gorm:"type:varchar(20);not null" json:"type"`
	Source         TransactionSource `gorm:"type:varchar(32);not null;uniqueIndex:idx_transaction_source,priority:1" json:"source"`
	SourceID       *string           `gorm:"type:varchar(128);uniqueIndex:idx_transaction_source,priority:2" json:"source_id,omitempty"`
	Status         TransactionStatus `gorm:"type:varchar(20);not null" json:"status"`
	Comment        string            `gorm:"type:varchar(256)" json:"comment"`
	BalanceAfter   decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	BalanceVersion int               `gorm:"not null;default:0;index:idx_transaction_user_version,priority:2" json:"balance_version"`
	CreatedAt      time.Time         `gorm:"precision:6;index:idx_transaction_user_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string {
	return "balance_transaction"
}

// SourceKey 返回幂等键中的 source_id，未设置时为空串
func (t Transaction) SourceKey() string {
	if t.SourceID == nil {
		return ""
	}
	return *t.SourceID
}
