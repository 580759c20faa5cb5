package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ============================================================================
// 入站事件（Kafka）
// ============================================================================

// UserRegisteredEvent 用户注册，创建零余额
type UserRegisteredEvent struct {
	UserID       uuid.UUID `json:"user_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// VisitCompletedEvent 到访完成，按 (VISIT, visit_id) 幂等扣费
type VisitCompletedEvent struct {
	VisitID string          `json:"visit_id"`
	UserID  uuid.UUID       `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	Comment string          `json:"comment"`
}

// PaymentConfirmedEvent 支付渠道确认到账（签名校验在上游完成）
type PaymentConfirmedEvent struct {
	ExternalPaymentID string          `json:"external_payment_id"`
	UserID            uuid.UUID       `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
}

// ============================================================================
// 出站事件（经 outbox 投递）
// ============================================================================

// BalanceChangedEvent 每笔成功入账的流水对应一条
type BalanceChangedEvent struct {
	TransactionID int64             `json:"transaction_id,string"`
	UserID        uuid.UUID         `json:"user_id"`
	Type          TransactionType   `json:"type"`
	Source        TransactionSource `json:"source"`
	SourceID      string            `json:"source_id,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	Debt          decimal.Decimal   `json:"debt"`
	CreatedAt     time.Time         `json:"created_at"`
}

// DebtReminderEvent 欠费提醒，由对账任务每日生成
type DebtReminderEvent struct {
	UserID         uuid.UUID       `json:"user_id"`
	Debt           decimal.Decimal `json:"debt"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	AsOf           time.Time       `json:"as_of"`
}
