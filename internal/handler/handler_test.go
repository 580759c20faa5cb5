package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"billing/internal/config"
	"billing/internal/handler"
	"billing/internal/infrastructure/lock"
	"billing/internal/ledger"
	"billing/internal/model"
	"billing/internal/service"
	"billing/internal/testutil"
	"billing/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type server struct {
	t      *testing.T
	router *gin.Engine
	svc    *service.BalanceService
}

func newServer(t *testing.T) *server {
	t.Helper()
	db := testutil.NewDB(t)
	mutator := ledger.NewMutator(db, ledger.Options{
		Locker:              lock.NewKeyedLocker(),
		BalanceChangedTopic: "balance.changed",
		MaxConflictRetries:  3,
		Now:                 testutil.NewClock().Now,
	})
	svc := service.NewBalanceService(db, mutator, config.LedgerConfig{DefaultPageSize: 20, MaxPageSize: 100})
	return &server{t: t, router: handler.SetupRouter(svc), svc: svc}
}

func (s *server) do(method, path string, body interface{}) (int, envelope) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func (s *server) createUser() uuid.UUID {
	s.t.Helper()
	userID := uuid.New()
	_, env := s.do(http.MethodPost, "/api/v1/balance/create", gin.H{"user_id": userID})
	require.Equal(s.t, response.CodeSuccess, env.Code, env.Message)
	return userID
}

type balanceView struct {
	UserID         uuid.UUID       `json:"user_id"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	Debt           decimal.Decimal `json:"debt"`
}

type resultView struct {
	Balance     balanceView       `json:"balance"`
	Transaction model.Transaction `json:"transaction"`
}

// =============================================================================
// TESTS
// =============================================================================

func TestHealth(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnknownRoute(t *testing.T) {
	s := newServer(t)

	status, env := s.do(http.MethodGet, "/api/v1/refunds", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, response.CodeNotFound, env.Code)
}

func TestGetBalance_AutoCreates(t *testing.T) {
	s := newServer(t)
	userID := uuid.New()

	status, env := s.do(http.MethodGet, "/api/v1/balance?user_id="+userID.String(), nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, response.CodeSuccess, env.Code)

	var b balanceView
	require.NoError(t, json.Unmarshal(env.Data, &b))
	assert.Equal(t, userID, b.UserID)
	testutil.RequireDecimal(t, "0", b.CurrentBalance)
}

func TestGetBalance_BadUserID(t *testing.T) {
	s := newServer(t)

	_, env := s.do(http.MethodGet, "/api/v1/balance?user_id=42", nil)
	assert.Equal(t, response.CodeParamError, env.Code)
}

func TestCreateBalance(t *testing.T) {
	s := newServer(t)
	userID := uuid.New()

	_, env := s.do(http.MethodPost, "/api/v1/balance/create", gin.H{"user_id": userID})
	require.Equal(t, response.CodeSuccess, env.Code)
	var first struct {
		Created bool `json:"created"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &first))
	assert.True(t, first.Created)

	_, env = s.do(http.MethodPost, "/api/v1/balance/create", gin.H{"user_id": userID})
	require.Equal(t, response.CodeSuccess, env.Code)
	var second struct {
		Created bool `json:"created"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &second))
	assert.False(t, second.Created)

	_, env = s.do(http.MethodPost, "/api/v1/balance/create", gin.H{})
	assert.Equal(t, response.CodeParamError, env.Code)
}

func TestAdjustBalance(t *testing.T) {
	s := newServer(t)
	userID := s.createUser()

	// 入账
	_, env := s.do(http.MethodPost, "/api/v1/balance/adjust", gin.H{
		"user_id": userID, "amount": "100.50", "type": "DEPOSIT", "source_id": "req-1", "comment": "充值",
	})
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var res resultView
	require.NoError(t, json.Unmarshal(env.Data, &res))
	testutil.RequireDecimal(t, "100.50", res.Balance.CurrentBalance)
	assert.Equal(t, model.SourceManual, res.Transaction.Source)
	assert.NotZero(t, res.Transaction.TransactionID)

	// 客户端重试同一个 source_id
	_, env = s.do(http.MethodPost, "/api/v1/balance/adjust", gin.H{
		"user_id": userID, "amount": "100.50", "type": "DEPOSIT", "source_id": "req-1",
	})
	assert.Equal(t, response.CodeDuplicateTransaction, env.Code)

	// 余额不足，后台调整不产生欠费
	_, env = s.do(http.MethodPost, "/api/v1/balance/adjust", gin.H{
		"user_id": userID, "amount": 200, "type": "WITHDRAWAL",
	})
	require.Equal(t, response.CodeInsufficientFunds, env.Code)
	var shortfall struct {
		Required  decimal.Decimal `json:"required"`
		Available decimal.Decimal `json:"available"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &shortfall))
	testutil.RequireDecimal(t, "200", shortfall.Required)
	testutil.RequireDecimal(t, "100.50", shortfall.Available)

	debt, err := s.svc.GetDebt(context.Background(), userID)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0", debt)
}

func TestAdjustBalance_Rejections(t *testing.T) {
	s := newServer(t)
	userID := s.createUser()

	cases := []struct {
		name string
		body gin.H
		code int
	}{
		{"missing balance", gin.H{"user_id": uuid.New(), "amount": "1", "type": "DEPOSIT"}, response.CodeBalanceNotFound},
		{"unknown type", gin.H{"user_id": userID, "amount": "1", "type": "REFUND"}, response.CodeParamError},
		{"negative amount", gin.H{"user_id": userID, "amount": "-1", "type": "DEPOSIT"}, response.CodeInvalidRequest},
		{"three decimals", gin.H{"user_id": userID, "amount": "0.001", "type": "DEPOSIT"}, response.CodeInvalidRequest},
		{"missing user", gin.H{"amount": "1", "type": "DEPOSIT"}, response.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, env := s.do(http.MethodPost, "/api/v1/balance/adjust", tc.body)
			assert.Equal(t, tc.code, env.Code, env.Message)
		})
	}
}

func TestForgiveDebtAndVerify(t *testing.T) {
	s := newServer(t)
	userID := uuid.New()

	res, err := s.svc.ChargeVisit(context.Background(), model.VisitCompletedEvent{
		VisitID: "v-1", UserID: userID, Amount: testutil.Dec("60"),
	})
	require.NoError(t, err)
	require.True(t, res.Success())

	_, env := s.do(http.MethodGet, "/api/v1/balance/debt?user_id="+userID.String(), nil)
	require.Equal(t, response.CodeSuccess, env.Code)
	var debt struct {
		Debt decimal.Decimal `json:"debt"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &debt))
	testutil.RequireDecimal(t, "60", debt.Debt)

	_, env = s.do(http.MethodPost, "/api/v1/balance/forgive-debt", gin.H{"user_id": userID, "amount": "70"})
	assert.Equal(t, response.CodeInvalidRequest, env.Code)

	// 显式传 0 不等于全部核销
	_, env = s.do(http.MethodPost, "/api/v1/balance/forgive-debt", gin.H{"user_id": userID, "amount": "0.00"})
	assert.Equal(t, response.CodeInvalidRequest, env.Code)
	debtNow, err := s.svc.GetDebt(context.Background(), userID)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "60", debtNow)

	_, env = s.do(http.MethodPost, "/api/v1/balance/forgive-debt", gin.H{"user_id": userID, "amount": "20", "comment": "减免"})
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	var forgiven resultView
	require.NoError(t, json.Unmarshal(env.Data, &forgiven))
	testutil.RequireDecimal(t, "40", forgiven.Balance.Debt)

	_, env = s.do(http.MethodGet, "/api/v1/balance/verify?user_id="+userID.String(), nil)
	require.Equal(t, response.CodeSuccess, env.Code)
	var verify service.VerifyResult
	require.NoError(t, json.Unmarshal(env.Data, &verify))
	assert.True(t, verify.Consistent)
	assert.Equal(t, 2, verify.TransactionCount)

	_, env = s.do(http.MethodGet, "/api/v1/balance/verify?user_id="+uuid.NewString(), nil)
	assert.Equal(t, response.CodeBalanceNotFound, env.Code)
}

func TestTransactions(t *testing.T) {
	s := newServer(t)
	userID := s.createUser()

	var lastID int64
	for _, amount := range []string{"1", "2", "3"} {
		_, env := s.do(http.MethodPost, "/api/v1/balance/adjust", gin.H{"user_id": userID, "amount": amount, "type": "DEPOSIT"})
		require.Equal(t, response.CodeSuccess, env.Code)
		var res resultView
		require.NoError(t, json.Unmarshal(env.Data, &res))
		lastID = res.Transaction.TransactionID
	}

	_, env := s.do(http.MethodGet, "/api/v1/transactions?user_id="+userID.String()+"&page=1&page_size=2", nil)
	require.Equal(t, response.CodeSuccess, env.Code)
	var page service.TransactionPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(3), page.TotalCount)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, lastID, page.Items[0].TransactionID)

	_, env = s.do(http.MethodGet, "/api/v1/transactions/"+jsonID(lastID), nil)
	require.Equal(t, response.CodeSuccess, env.Code)
	var trans model.Transaction
	require.NoError(t, json.Unmarshal(env.Data, &trans))
	testutil.RequireDecimal(t, "3", trans.Amount)
	testutil.RequireDecimal(t, "6", trans.BalanceAfter)

	_, env = s.do(http.MethodGet, "/api/v1/transactions/12345", nil)
	assert.Equal(t, response.CodeTransactionNotFound, env.Code)

	_, env = s.do(http.MethodGet, "/api/v1/transactions/abc", nil)
	assert.Equal(t, response.CodeParamError, env.Code)
}

func jsonID(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}
