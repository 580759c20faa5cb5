package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"billing/internal/model"
	"billing/internal/repository"
	"billing/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// Mutator：余额变更的唯一入口
// ============================================================================
//
// 一次变更的流程：
//
//	幂等预检 -> 用户锁 -> 开启事务
//	  -> 事务内复查幂等 -> 行锁读取余额（按 OnMissing 策略）
//	  -> 计算新快照 -> 按版本号更新余额 -> 写流水 -> 写 outbox
//	-> 提交
//
// 同一用户的变更通过三层保证线性化：
//  1. UserLocker（Redis 分布式锁或进程内锁）在事务之外串行化
//  2. SELECT ... FOR UPDATE 行锁
//  3. version 乐观锁，冲突时有限次重试
//
// ============================================================================

// UserLocker 按用户加锁
type UserLocker interface {
	LockUser(ctx context.Context, userID uuid.UUID) (unlock func(), err error)
}

type Options struct {
	Locker              UserLocker
	Cache               IdempotencyCache
	BalanceChangedTopic string // 为空时不写 outbox
	MaxConflictRetries  int
	Now                 func() time.Time
}

type Mutator struct {
	db                 *gorm.DB
	balances           *repository.BalanceRepository
	transactions       *repository.TransactionRepository
	outbox             *repository.OutboxRepository
	guard              *IdempotencyGuard
	locker             UserLocker
	topic              string
	maxConflictRetries int
	now                func() time.Time
}

func NewMutator(db *gorm.DB, opts Options) *Mutator {
	transactions := repository.NewTransactionRepository(db)
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Mutator{
		db:                 db,
		balances:           repository.NewBalanceRepository(db),
		transactions:       transactions,
		outbox:             repository.NewOutboxRepository(db),
		guard:              NewIdempotencyGuard(transactions, opts.Cache),
		locker:             opts.Locker,
		topic:              opts.BalanceChangedTopic,
		maxConflictRetries: opts.MaxConflictRetries,
		now:                now,
	}
}

// Guard 暴露幂等判断，供消费端做预检
func (m *Mutator) Guard() *IdempotencyGuard {
	return m.guard
}

// ApplyRequest 一次带符号的余额变更
type ApplyRequest struct {
	UserID   uuid.UUID
	Amount   decimal.Decimal // 恒为正，方向由 Type 决定
	Type     model.TransactionType
	Source   model.TransactionSource
	SourceID string // 外部关联ID，为空表示没有幂等键
	Comment  string
	Policy   CallerPolicy
}

// ForgiveDebtRequest 欠费核销
type ForgiveDebtRequest struct {
	UserID   uuid.UUID
	Amount   *decimal.Decimal // nil 表示全部核销；显式传 0 视为非法
	SourceID string
	Comment  string
}

// mutation 一次变更的通用描述
type mutation struct {
	userID    uuid.UUID
	onMissing repository.OnMissing
	source    model.TransactionSource
	sourceID  string
	// transition 根据当前快照算出新快照和流水；返回非 nil 的 Result 表示业务拒绝
	transition func(current model.Balance, now time.Time) (model.Balance, model.Transaction, *Result)
}

// Apply 入账 / 出账
func (m *Mutator) Apply(ctx context.Context, req ApplyRequest) (Result, error) {
	if msg := validateApply(req); msg != "" {
		return invalidRequest(msg), nil
	}

	if dup, err := m.guard.Exists(ctx, req.Source, req.SourceID); err != nil {
		return Result{}, fmt.Errorf("幂等预检失败: %w", err)
	} else if dup {
		log.Printf("[Ledger] 重复交易，跳过: source=%s, sourceID=%s, userID=%s", req.Source, req.SourceID, req.UserID)
		return duplicateTransaction(), nil
	}

	return m.commit(ctx, mutation{
		userID:    req.UserID,
		onMissing: req.Policy.OnMissing,
		source:    req.Source,
		sourceID:  req.SourceID,
		transition: func(current model.Balance, now time.Time) (model.Balance, model.Transaction, *Result) {
			var next model.Balance
			switch req.Type {
			case model.TransactionTypeDeposit:
				next = deposit(current, req.Amount, now)
			case model.TransactionTypeWithdrawal:
				var ok bool
				next, ok = withdraw(current, req.Amount, req.Policy.Withdrawal, now)
				if !ok {
					rejected := insufficientFunds(req.Amount, current.CurrentBalance)
					rejected.Balance = &current
					return current, model.Transaction{}, &rejected
				}
			}
			trans := newTransaction(req.UserID, req.Amount, req.Type, req.Source, req.SourceID, req.Comment, next, now)
			return next, trans, nil
		},
	})
}

// ForgiveDebt 核销欠费，唯一能让 Debt 减少的操作
// 记一笔 DEBT_WRITE_OFF 入账流水，不改变 CurrentBalance / TotalDeposited
func (m *Mutator) ForgiveDebt(ctx context.Context, req ForgiveDebtRequest) (Result, error) {
	if req.UserID == uuid.Nil {
		return invalidRequest("user_id 不能为空"), nil
	}
	if req.Amount != nil && !validAmount(*req.Amount) {
		return invalidRequest("核销金额必须大于0且最多两位小数"), nil
	}
	if len(req.SourceID) > 128 || len(req.Comment) > 256 {
		return invalidRequest("source_id 或 comment 过长"), nil
	}

	if dup, err := m.guard.Exists(ctx, model.SourceDebtWriteOff, req.SourceID); err != nil {
		return Result{}, fmt.Errorf("幂等预检失败: %w", err)
	} else if dup {
		return duplicateTransaction(), nil
	}

	return m.commit(ctx, mutation{
		userID:    req.UserID,
		onMissing: repository.OnMissingFail,
		source:    model.SourceDebtWriteOff,
		sourceID:  req.SourceID,
		transition: func(current model.Balance, now time.Time) (model.Balance, model.Transaction, *Result) {
			if !current.HasDebt() {
				rejected := invalidRequest("当前没有欠费")
				return current, model.Transaction{}, &rejected
			}
			amount := current.Debt
			if req.Amount != nil {
				amount = *req.Amount
			}
			if amount.GreaterThan(current.Debt) {
				rejected := invalidRequest("核销金额超过欠费")
				rejected.Required = amount
				rejected.Available = current.Debt
				return current, model.Transaction{}, &rejected
			}
			next := writeOffDebt(current, amount, now)
			trans := newTransaction(req.UserID, amount, model.TransactionTypeDeposit, model.SourceDebtWriteOff, req.SourceID, req.Comment, next, now)
			return next, trans, nil
		},
	})
}

func (m *Mutator) commit(ctx context.Context, mu mutation) (Result, error) {
	unlock, err := m.lockUser(ctx, mu.userID)
	if err != nil {
		return Result{}, fmt.Errorf("获取用户锁失败: %w", err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		result, err := m.commitOnce(ctx, mu)
		switch {
		case errors.Is(err, repository.ErrOptimisticLock):
			if attempt < m.maxConflictRetries {
				log.Printf("[Ledger] 版本冲突，重试: userID=%s, attempt=%d", mu.userID, attempt+1)
				continue
			}
			return conflict(), nil
		case errors.Is(err, repository.ErrConflict):
			return m.resolveConflict(ctx, mu)
		case err != nil:
			return Result{}, err
		}

		if result.Success() {
			m.guard.markApplied(ctx, mu.source, mu.sourceID)
			log.Printf("[Ledger] 余额变更成功: txID=%d, userID=%s, type=%s, source=%s, amount=%s, balance=%s, debt=%s",
				result.Transaction.TransactionID, mu.userID, result.Transaction.Type, mu.source,
				result.Transaction.Amount, result.Balance.CurrentBalance, result.Balance.Debt)
		}
		return result, nil
	}
}

// commitOnce 一个数据库事务，任何错误都整体回滚
func (m *Mutator) commitOnce(ctx context.Context, mu mutation) (Result, error) {
	var result Result

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 拿到锁后再次检查幂等
		dup, err := m.guard.existsInTx(ctx, tx, mu.source, mu.sourceID)
		if err != nil {
			return fmt.Errorf("查询幂等键失败: %w", err)
		}
		if dup {
			result = duplicateTransaction()
			return nil
		}

		current, err := m.balances.Resolve(ctx, tx, mu.userID, mu.onMissing)
		if errors.Is(err, repository.ErrBalanceNotFound) {
			result = balanceNotFound()
			return nil
		}
		if err != nil {
			return fmt.Errorf("读取余额失败: %w", err)
		}

		now := m.now()
		next, trans, rejected := mu.transition(*current, now)
		if rejected != nil {
			result = *rejected
			return nil
		}

		if err := m.balances.Update(ctx, tx, next, current.Version); err != nil {
			return fmt.Errorf("更新余额失败: %w", err)
		}
		if err := m.transactions.Create(ctx, tx, &trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}
		if err := m.enqueueBalanceChanged(ctx, tx, next, trans); err != nil {
			return fmt.Errorf("写入消息失败: %v", err)
		}

		result = success(next, trans)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// resolveConflict 插入冲突后判断是否为重复投递
func (m *Mutator) resolveConflict(ctx context.Context, mu mutation) (Result, error) {
	if mu.sourceID == "" {
		return conflict(), nil
	}
	exists, err := m.transactions.ExistsBySource(ctx, nil, mu.source, mu.sourceID)
	if err != nil {
		return Result{}, fmt.Errorf("查询幂等键失败: %w", err)
	}
	if exists {
		m.guard.markApplied(ctx, mu.source, mu.sourceID)
		log.Printf("[Ledger] 并发重复投递被唯一索引拦截: source=%s, sourceID=%s", mu.source, mu.sourceID)
		return duplicateTransaction(), nil
	}
	return conflict(), nil
}

func (m *Mutator) lockUser(ctx context.Context, userID uuid.UUID) (func(), error) {
	if m.locker == nil {
		return func() {}, nil
	}
	return m.locker.LockUser(ctx, userID)
}

func (m *Mutator) enqueueBalanceChanged(ctx context.Context, tx *gorm.DB, next model.Balance, trans model.Transaction) error {
	if m.topic == "" {
		return nil
	}

	payload, err := json.Marshal(model.BalanceChangedEvent{
		TransactionID: trans.TransactionID,
		UserID:        trans.UserID,
		Type:          trans.Type,
		Source:        trans.Source,
		SourceID:      trans.SourceKey(),
		Amount:        trans.Amount,
		BalanceAfter:  trans.BalanceAfter,
		Debt:          next.Debt,
		CreatedAt:     trans.CreatedAt,
	})
	if err != nil {
		return err
	}

	return m.outbox.Create(ctx, tx, &model.OutboxMessage{
		DedupKey:   idgen.BalanceChangedKey(trans.TransactionID),
		MessageKey: trans.UserID.String(),
		Topic:      m.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

func newTransaction(userID uuid.UUID, amount decimal.Decimal, typ model.TransactionType, source model.TransactionSource,
	sourceID, comment string, next model.Balance, now time.Time) model.Transaction {
	trans := model.Transaction{
		TransactionID:  idgen.GenerateTransactionID(),
		UserID:         userID,
		Amount:         amount,
		Type:           typ,
		Source:         source,
		Status:         model.TransactionStatusCompleted,
		Comment:        comment,
		BalanceAfter:   next.CurrentBalance,
		BalanceVersion: next.Version,
		CreatedAt:      now,
	}
	if sourceID != "" {
		trans.SourceID = &sourceID
	}
	return trans
}

func validateApply(req ApplyRequest) string {
	switch {
	case req.UserID == uuid.Nil:
		return "user_id 不能为空"
	case !validAmount(req.Amount):
		return "金额必须大于0且最多两位小数"
	case !req.Type.Valid():
		return fmt.Sprintf("未知的交易类型: %s", req.Type)
	case !req.Source.Valid() || req.Source == model.SourceDebtWriteOff:
		return fmt.Sprintf("不支持的交易来源: %s", req.Source)
	case req.Policy.OnMissing == repository.OnMissingUnspecified:
		return "必须声明余额不存在时的处理策略"
	case req.Type == model.TransactionTypeWithdrawal && req.Policy.Withdrawal == WithdrawalUnspecified:
		return "出账必须声明余额不足策略"
	case len(req.SourceID) > 128:
		return "source_id 过长"
	case len(req.Comment) > 256:
		return "comment 过长"
	}
	return ""
}
