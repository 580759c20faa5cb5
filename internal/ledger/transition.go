package ledger

import (
	"time"

	"billing/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// 纯函数状态迁移：输入旧快照，返回新快照，不修改入参

func touch(next model.Balance, now time.Time) model.Balance {
	next.LastUpdated = now
	next.Version++
	return next
}

func deposit(b model.Balance, amount decimal.Decimal, now time.Time) model.Balance {
	next := b
	next.CurrentBalance = b.CurrentBalance.Add(amount)
	next.TotalDeposited = b.TotalDeposited.Add(amount)
	return touch(next, now)
}

// withdraw 返回 ok=false 表示 Strict 策略下余额不足，此时 b 原样返回
func withdraw(b model.Balance, amount decimal.Decimal, policy WithdrawalPolicy, now time.Time) (model.Balance, bool) {
	if policy == WithdrawalStrict && amount.GreaterThan(b.CurrentBalance) {
		return b, false
	}

	next := b
	remaining := b.CurrentBalance.Sub(amount)
	if remaining.IsNegative() {
		next.Debt = b.Debt.Add(remaining.Neg())
		remaining = decimal.Zero
	}
	next.CurrentBalance = remaining
	next.TotalSpent = b.TotalSpent.Add(amount)
	return touch(next, now), true
}

// writeOffDebt 核销欠费，只影响 Debt
func writeOffDebt(b model.Balance, amount decimal.Decimal, now time.Time) model.Balance {
	next := b
	next.Debt = b.Debt.Sub(amount)
	return touch(next, now)
}

// validAmount 金额必须为正且最多两位小数
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}

// Replay 从零余额按 BalanceVersion 正序回放流水，重建余额快照
//
// 出账一律按 DebtTolerant 规则回放：Strict 出账从不透支，两种规则结果一致。
// DEBT_WRITE_OFF 只减少 Debt。非 COMPLETED 流水跳过。
func Replay(transactions []model.Transaction) model.Balance {
	b := model.NewBalance(uuid.Nil, time.Time{})
	if len(transactions) > 0 {
		b = model.NewBalance(transactions[0].UserID, transactions[0].CreatedAt)
	}

	for _, t := range transactions {
		if t.Status != model.TransactionStatusCompleted {
			continue
		}
		switch {
		case t.Source == model.SourceDebtWriteOff:
			b = writeOffDebt(b, t.Amount, t.CreatedAt)
		case t.Type == model.TransactionTypeDeposit:
			b = deposit(b, t.Amount, t.CreatedAt)
		case t.Type == model.TransactionTypeWithdrawal:
			b, _ = withdraw(b, t.Amount, WithdrawalDebtTolerant, t.CreatedAt)
		}
	}
	return b
}

// SameAmounts 比较两个快照的金额字段
func SameAmounts(a, b model.Balance) bool {
	return a.CurrentBalance.Equal(b.CurrentBalance) &&
		a.Debt.Equal(b.Debt) &&
		a.TotalDeposited.Equal(b.TotalDeposited) &&
		a.TotalSpent.Equal(b.TotalSpent)
}
