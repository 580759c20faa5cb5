package handler

import (
	"errors"
	"strconv"

	"billing/internal/ledger"
	"billing/internal/model"
	"billing/internal/repository"
	"billing/internal/service"
	"billing/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Handler 余额相关 HTTP 接口
type Handler struct {
	balanceService *service.BalanceService
}

func NewHandler(balanceService *service.BalanceService) *Handler {
	return &Handler{balanceService: balanceService}
}

func parseUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return uuid.Nil, false
	}
	return userID, true
}

// writeResult 业务结果统一转成响应
func writeResult(c *gin.Context, result ledger.Result) {
	switch result.Code {
	case ledger.CodeSuccess:
		response.Success(c, gin.H{
			"balance":     result.Balance,
			"transaction": result.Transaction,
		})
	case ledger.CodeBalanceNotFound:
		response.BusinessError(c, response.CodeBalanceNotFound, result.Message, nil)
	case ledger.CodeInsufficientFunds:
		response.BusinessError(c, response.CodeInsufficientFunds, result.Message, gin.H{
			"required":  result.Required,
			"available": result.Available,
		})
	case ledger.CodeDuplicateTransaction:
		response.BusinessError(c, response.CodeDuplicateTransaction, result.Message, nil)
	case ledger.CodeConflict:
		response.BusinessError(c, response.CodeConflict, result.Message, nil)
	default:
		response.BusinessError(c, response.CodeInvalidRequest, result.Message, gin.H{
			"required":  result.Required,
			"available": result.Available,
		})
	}
}

// ============================================================
// 查询
// ============================================================

// GetBalance 查询余额，不存在时创建零余额
// GET /api/v1/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	balance, err := h.balanceService.GetBalance(c.Request.Context(), userID, repository.OnMissingAutoCreate)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, balance)
}

// GetDebt 查询欠费
// GET /api/v1/balance/debt?user_id=xxx
func (h *Handler) GetDebt(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	debt, err := h.balanceService.GetDebt(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"user_id": userID,
		"debt":    debt,
	})
}

// VerifyBalance 回放流水校验余额
// GET /api/v1/balance/verify?user_id=xxx
func (h *Handler) VerifyBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	result, err := h.balanceService.Verify(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			response.BusinessError(c, response.CodeBalanceNotFound, err.Error(), nil)
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ListTransactions 流水分页
// GET /api/v1/transactions?user_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "0"))

	result, err := h.balanceService.GetTransactionHistory(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// GetTransaction 流水详情
// GET /api/v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}

	trans, err := h.balanceService.GetTransactionByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			response.BusinessError(c, response.CodeTransactionNotFound, err.Error(), nil)
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, trans)
}

// ============================================================
// 命令
// ============================================================

type CreateBalanceRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

// CreateBalance 幂等创建零余额
// POST /api/v1/balance/create
func (h *Handler) CreateBalance(c *gin.Context) {
	var req CreateBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == uuid.Nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	balance, created, err := h.balanceService.CreateBalance(c.Request.Context(), req.UserID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"balance": balance,
		"created": created,
	})
}

// AdjustBalanceRequest 后台调整请求
type AdjustBalanceRequest struct {
	UserID   uuid.UUID             `json:"user_id"`
	Amount   decimal.Decimal       `json:"amount"`
	Type     model.TransactionType `json:"type" binding:"required,oneof=DEPOSIT WITHDRAWAL"`
	SourceID string                `json:"source_id" binding:"max=128"` // 可选，客户端重试时的幂等ID
	Comment  string                `json:"comment" binding:"max=256"`
}

// AdjustBalance 后台手工调整余额
// POST /api/v1/balance/adjust
//
// 余额账户必须已存在；出账余额不足直接拒绝，不产生欠费
func (h *Handler) AdjustBalance(c *gin.Context) {
	var req AdjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.balanceService.AdjustBalance(c.Request.Context(), service.AdjustRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Type:     req.Type,
		SourceID: req.SourceID,
		Comment:  req.Comment,
	})
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	writeResult(c, result)
}

// ForgiveDebtRequest 欠费核销请求，不传 amount 表示全部核销
type ForgiveDebtRequest struct {
	UserID   uuid.UUID        `json:"user_id"`
	Amount   *decimal.Decimal `json:"amount"`
	SourceID string           `json:"source_id" binding:"max=128"`
	Comment  string           `json:"comment" binding:"max=256"`
}

// ForgiveDebt 欠费核销
// POST /api/v1/balance/forgive-debt
func (h *Handler) ForgiveDebt(c *gin.Context) {
	var req ForgiveDebtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.balanceService.ForgiveDebt(c.Request.Context(), ledger.ForgiveDebtRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		SourceID: req.SourceID,
		Comment:  req.Comment,
	})
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	writeResult(c, result)
}
