package ledger

import (
	"billing/internal/model"

	"github.com/shopspring/decimal"
)

// Code 业务结果码
// 业务结果一律通过 Result 返回，error 只留给基础设施故障
type Code string

const (
	CodeSuccess              Code = "SUCCESS"
	CodeBalanceNotFound      Code = "BALANCE_NOT_FOUND"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeDuplicateTransaction Code = "DUPLICATE_TRANSACTION"
	CodeConflict             Code = "CONFLICT"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
)

// Result Apply / ForgiveDebt 的返回值
//
// Success 时 Balance 和 Transaction 都不为空；
// InsufficientFunds 时 Required / Available 给出所需和可用金额；
// DuplicateTransaction 对至少一次投递的来源表示“已处理过”，不是失败
type Result struct {
	Code        Code               `json:"code"`
	Message     string             `json:"message,omitempty"`
	Balance     *model.Balance     `json:"balance,omitempty"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	Required    decimal.Decimal    `json:"required,omitempty"`
	Available   decimal.Decimal    `json:"available,omitempty"`
}

func (r Result) Success() bool {
	return r.Code == CodeSuccess
}

// AlreadyApplied 成功或重复投递，消费端据此确认消息
func (r Result) AlreadyApplied() bool {
	return r.Code == CodeSuccess || r.Code == CodeDuplicateTransaction
}

func success(balance model.Balance, trans model.Transaction) Result {
	return Result{Code: CodeSuccess, Balance: &balance, Transaction: &trans}
}

func balanceNotFound() Result {
	return Result{Code: CodeBalanceNotFound, Message: "余额账户不存在"}
}

func insufficientFunds(required, available decimal.Decimal) Result {
	return Result{
		Code:      CodeInsufficientFunds,
		Message:   "余额不足",
		Required:  required,
		Available: available,
	}
}

func duplicateTransaction() Result {
	return Result{Code: CodeDuplicateTransaction, Message: "重复交易，已处理"}
}

func conflict() Result {
	return Result{Code: CodeConflict, Message: "并发写入冲突，请重试"}
}

func invalidRequest(message string) Result {
	return Result{Code: CodeInvalidRequest, Message: message}
}
