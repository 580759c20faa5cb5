package ledger

import (
	"billing/internal/repository"
)

// WithdrawalPolicy 余额不足时的出账策略，必须由调用方显式声明
type WithdrawalPolicy int

const (
	WithdrawalUnspecified WithdrawalPolicy = iota
	// WithdrawalStrict 余额不足直接拒绝，状态不变
	WithdrawalStrict
	// WithdrawalDebtTolerant 余额扣到 0，不足部分记入 Debt
	WithdrawalDebtTolerant
)

func (p WithdrawalPolicy) String() string {
	switch p {
	case WithdrawalStrict:
		return "STRICT"
	case WithdrawalDebtTolerant:
		return "DEBT_TOLERANT"
	}
	return "UNSPECIFIED"
}

// CallerPolicy 一类调用方的策略组合
type CallerPolicy struct {
	OnMissing  repository.OnMissing
	Withdrawal WithdrawalPolicy
}

// 各类调用方的策略表
//
//	后台手工调整      Fail        Strict
//	到访扣费事件      AutoCreate  DebtTolerant
//	支付确认事件      AutoCreate  Strict（只有入账，出账策略不会生效）
var (
	AdminAdjustment = CallerPolicy{
		OnMissing:  repository.OnMissingFail,
		Withdrawal: WithdrawalStrict,
	}
	ConsumptionEvent = CallerPolicy{
		OnMissing:  repository.OnMissingAutoCreate,
		Withdrawal: WithdrawalDebtTolerant,
	}
	PaymentEvent = CallerPolicy{
		OnMissing:  repository.OnMissingAutoCreate,
		Withdrawal: WithdrawalStrict,
	}
)
