package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"billing/internal/config"
	"billing/internal/ledger"
	"billing/internal/model"
	"billing/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceService 余额的命令与查询入口
// 所有变更都经过 ledger.Mutator，调用方类别决定使用哪套策略
type BalanceService struct {
	mutator         *ledger.Mutator
	balanceRepo     *repository.BalanceRepository
	transactionRepo *repository.TransactionRepository
	cfg             config.LedgerConfig
}

func NewBalanceService(db *gorm.DB, mutator *ledger.Mutator, cfg config.LedgerConfig) *BalanceService {
	return &BalanceService{
		mutator:         mutator,
		balanceRepo:     repository.NewBalanceRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		cfg:             cfg,
	}
}

// ============================================================
// 命令
// ============================================================

// Apply 通用入口，策略由调用方在 req.Policy 中给出
func (s *BalanceService) Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.Result, error) {
	return s.mutator.Apply(ctx, req)
}

// AdjustRequest 后台手工调整
type AdjustRequest struct {
	UserID   uuid.UUID
	Amount   decimal.Decimal
	Type     model.TransactionType
	SourceID string // 可选，客户端重试时用于幂等
	Comment  string
}

// AdjustBalance 后台调整：余额不存在即失败，出账余额不足直接拒绝
func (s *BalanceService) AdjustBalance(ctx context.Context, req AdjustRequest) (ledger.Result, error) {
	return s.mutator.Apply(ctx, ledger.ApplyRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Type:     req.Type,
		Source:   model.SourceManual,
		SourceID: req.SourceID,
		Comment:  req.Comment,
		Policy:   ledger.AdminAdjustment,
	})
}

// ChargeVisit 到访扣费：自动建账，余额不足记欠费
func (s *BalanceService) ChargeVisit(ctx context.Context, event model.VisitCompletedEvent) (ledger.Result, error) {
	comment := event.Comment
	if comment == "" {
		comment = fmt.Sprintf("到访扣费-%s", event.VisitID)
	}
	return s.mutator.Apply(ctx, ledger.ApplyRequest{
		UserID:   event.UserID,
		Amount:   event.Amount,
		Type:     model.TransactionTypeWithdrawal,
		Source:   model.SourceVisit,
		SourceID: event.VisitID,
		Comment:  comment,
		Policy:   ledger.ConsumptionEvent,
	})
}

// ConfirmPayment 支付确认入账
func (s *BalanceService) ConfirmPayment(ctx context.Context, event model.PaymentConfirmedEvent) (ledger.Result, error) {
	return s.mutator.Apply(ctx, ledger.ApplyRequest{
		UserID:   event.UserID,
		Amount:   event.Amount,
		Type:     model.TransactionTypeDeposit,
		Source:   model.SourcePayment,
		SourceID: event.ExternalPaymentID,
		Comment:  fmt.Sprintf("支付到账-%s", event.ExternalPaymentID),
		Policy:   ledger.PaymentEvent,
	})
}

// CreateBalance 幂等创建零余额，created=false 表示已存在
func (s *BalanceService) CreateBalance(ctx context.Context, userID uuid.UUID) (*model.Balance, bool, error) {
	created, err := s.balanceRepo.Create(ctx, nil, userID)
	if err != nil {
		return nil, false, fmt.Errorf("创建余额失败: %w", err)
	}
	balance, err := s.balanceRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Printf("[BalanceService] 创建余额账户: userID=%s", userID)
	}
	return balance, created, nil
}

func (s *BalanceService) ForgiveDebt(ctx context.Context, req ledger.ForgiveDebtRequest) (ledger.Result, error) {
	return s.mutator.ForgiveDebt(ctx, req)
}

// ============================================================
// 查询（普通读，不加锁，不阻塞写入）
// ============================================================

// GetBalance 查询余额，onMissing=AutoCreate 时不存在则创建零余额
func (s *BalanceService) GetBalance(ctx context.Context, userID uuid.UUID, onMissing repository.OnMissing) (*model.Balance, error) {
	balance, err := s.balanceRepo.GetByUserID(ctx, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, repository.ErrBalanceNotFound) || onMissing != repository.OnMissingAutoCreate {
		return nil, err
	}
	balance, _, err = s.CreateBalance(ctx, userID)
	return balance, err
}

// GetDebt 查询欠费，账户不存在视为 0
func (s *BalanceService) GetDebt(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	balance, err := s.balanceRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance.Debt, nil
}

// TransactionPage 流水分页结果
type TransactionPage struct {
	Items      []*model.Transaction `json:"items"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	TotalCount int64                `json:"total_count"`
	TotalPages int                  `json:"total_pages"`
}

// GetTransactionHistory 按 created_at 倒序分页
func (s *BalanceService) GetTransactionHistory(ctx context.Context, userID uuid.UUID, page, pageSize int) (*TransactionPage, error) {
	page, pageSize = s.normalizePage(page, pageSize)

	items, total, err := s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if items == nil {
		items = []*model.Transaction{}
	}

	return &TransactionPage{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: TotalPages(total, pageSize),
	}, nil
}

func (s *BalanceService) GetTransactionByID(ctx context.Context, transactionID int64) (*model.Transaction, error) {
	return s.transactionRepo.GetByID(ctx, transactionID)
}

// VerifyResult 流水回放与余额快照的比对结果
type VerifyResult struct {
	UserID           uuid.UUID     `json:"user_id"`
	Consistent       bool          `json:"consistent"`
	Stored           model.Balance `json:"stored"`
	Replayed         model.Balance `json:"replayed"`
	TransactionCount int           `json:"transaction_count"`
}

// Verify 从零回放全部流水，校验余额快照
func (s *BalanceService) Verify(ctx context.Context, userID uuid.UUID) (*VerifyResult, error) {
	stored, err := s.balanceRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	transactions, err := s.transactionRepo.ListAllByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}

	replayed := ledger.Replay(transactions)
	replayed.UserID = userID
	consistent := ledger.SameAmounts(*stored, replayed)
	if !consistent {
		log.Printf("[BalanceService] 余额与流水不一致: userID=%s, stored=%s/%s, replayed=%s/%s",
			userID, stored.CurrentBalance, stored.Debt, replayed.CurrentBalance, replayed.Debt)
	}

	return &VerifyResult{
		UserID:           userID,
		Consistent:       consistent,
		Stored:           *stored,
		Replayed:         replayed,
		TransactionCount: len(transactions),
	}, nil
}

// ListDebtors 欠费用户游标分页，供对账任务使用
func (s *BalanceService) ListDebtors(ctx context.Context, afterUserID uuid.UUID, limit int) ([]*model.Balance, error) {
	return s.balanceRepo.GetUsersWithDebt(ctx, afterUserID, limit)
}

func (s *BalanceService) normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = s.cfg.DefaultPageSize
	}
	if s.cfg.MaxPageSize > 0 && pageSize > s.cfg.MaxPageSize {
		pageSize = s.cfg.MaxPageSize
	}
	if pageSize < 1 {
		pageSize = 20
	}
	// (page-1)*pageSize 不能溢出，否则 OFFSET 变负数被忽略，会返回第一页的数据
	if maxPage := math.MaxInt / pageSize; page > maxPage {
		page = maxPage
	}
	return page, pageSize
}

// TotalPages ceil(total / pageSize)
func TotalPages(total int64, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
