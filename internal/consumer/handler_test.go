package consumer_test

import (
	"context"
	"encoding/json"
	"testing"

	"billing/internal/config"
	"billing/internal/consumer"
	"billing/internal/infrastructure/lock"
	"billing/internal/ledger"
	"billing/internal/model"
	"billing/internal/repository"
	"billing/internal/service"
	"billing/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var topics = config.KafkaTopicConfig{
	UserRegistered:   "user.registered",
	VisitCompleted:   "visit.completed",
	PaymentConfirmed: "payment.confirmed",
	BalanceChanged:   "balance.changed",
	DebtReminder:     "debt.reminder",
}

func newHandler(t *testing.T) (*consumer.EventHandler, *service.BalanceService) {
	t.Helper()
	db := testutil.NewDB(t)
	mutator := ledger.NewMutator(db, ledger.Options{
		Locker:              lock.NewKeyedLocker(),
		BalanceChangedTopic: topics.BalanceChanged,
		MaxConflictRetries:  3,
		Now:                 testutil.NewClock().Now,
	})
	svc := service.NewBalanceService(db, mutator, config.LedgerConfig{DefaultPageSize: 20, MaxPageSize: 100})
	return consumer.NewEventHandler(svc, topics), svc
}

func message(t *testing.T, topic string, event interface{}) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: topic, Value: value}
}

func TestEventHandler_UserRegistered(t *testing.T) {
	h, svc := newHandler(t)
	ctx := context.Background()
	userID := uuid.New()

	msg := message(t, topics.UserRegistered, model.UserRegisteredEvent{UserID: userID})
	require.NoError(t, h.Handle(ctx, msg))
	// 重复投递
	require.NoError(t, h.Handle(ctx, msg))

	b, err := svc.GetBalance(ctx, userID, repository.OnMissingFail)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0", b.CurrentBalance)
}

func TestEventHandler_VisitCompletedChargesOnce(t *testing.T) {
	// GIVEN: 余额 100 的用户
	// WHEN: 同一个 visit.completed（150）投递两次
	// THEN: 只扣一次，余额 0，欠费 50

	h, svc := newHandler(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, h.Handle(ctx, message(t, topics.PaymentConfirmed, model.PaymentConfirmedEvent{
		ExternalPaymentID: "pay-1",
		UserID:            userID,
		Amount:            testutil.Dec("100"),
	})))

	visit := message(t, topics.VisitCompleted, model.VisitCompletedEvent{
		VisitID: "visit-1",
		UserID:  userID,
		Amount:  testutil.Dec("150"),
	})
	require.NoError(t, h.Handle(ctx, visit))
	require.NoError(t, h.Handle(ctx, visit))

	b, err := svc.GetBalance(ctx, userID, repository.OnMissingFail)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0", b.CurrentBalance)
	testutil.RequireDecimal(t, "50", b.Debt)

	page, err := svc.GetTransactionHistory(ctx, userID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.TotalCount)
}

func TestEventHandler_PaymentConfirmedDuplicateIsAcked(t *testing.T) {
	h, svc := newHandler(t)
	ctx := context.Background()
	userID := uuid.New()

	msg := message(t, topics.PaymentConfirmed, model.PaymentConfirmedEvent{
		ExternalPaymentID: "pi_1",
		UserID:            userID,
		Amount:            testutil.Dec("12.34"),
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Handle(ctx, msg))
	}

	b, err := svc.GetBalance(ctx, userID, repository.OnMissingFail)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "12.34", b.CurrentBalance)
}

func TestEventHandler_MalformedEvents(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	cases := map[string]*sarama.ConsumerMessage{
		"not json":          {Topic: topics.VisitCompleted, Value: []byte("{")},
		"missing user":      message(t, topics.UserRegistered, map[string]string{}),
		"missing visit id":  message(t, topics.VisitCompleted, model.VisitCompletedEvent{UserID: uuid.New(), Amount: testutil.Dec("1")}),
		"missing pay id":    message(t, topics.PaymentConfirmed, model.PaymentConfirmedEvent{UserID: uuid.New(), Amount: testutil.Dec("1")}),
		"non-positive":      message(t, topics.VisitCompleted, model.VisitCompletedEvent{VisitID: "v", UserID: uuid.New(), Amount: testutil.Dec("0")}),
		"too many decimals": message(t, topics.PaymentConfirmed, model.PaymentConfirmedEvent{ExternalPaymentID: "p", UserID: uuid.New(), Amount: testutil.Dec("1.234")}),
	}

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			err := h.Handle(ctx, msg)
			assert.ErrorIs(t, err, consumer.ErrMalformedEvent)
		})
	}
}

func TestEventHandler_UnknownTopicIgnored(t *testing.T) {
	h, _ := newHandler(t)

	err := h.Handle(context.Background(), &sarama.ConsumerMessage{Topic: "something.else", Value: []byte("x")})
	assert.NoError(t, err)
}
