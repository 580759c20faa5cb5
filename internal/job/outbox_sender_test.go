package job

import (
	"context"
	"encoding/json"
	"testing"

	"billing/internal/config"
	"billing/internal/infrastructure/mq"
	"billing/internal/model"
	"billing/internal/repository"
	"billing/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, repo *repository.OutboxRepository, dedupKey, payload string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), nil, &model.OutboxMessage{
		DedupKey:   dedupKey,
		MessageKey: "user-1",
		Topic:      "balance.changed",
		Payload:    payload,
		Status:     model.OutboxStatusPending,
	}))
}

func TestOutboxSender_SendsPendingMessages(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	enqueue(t, repo, "k-1", `{"transaction_id":"1"}`)
	enqueue(t, repo, "k-2", `{"transaction_id":"2"}`)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var payload map[string]interface{}
		return json.Unmarshal(val, &payload)
	})
	producer.ExpectSendMessageAndSucceed()

	sender := NewOutboxSender(db, mq.NewProducer(producer), config.JobsConfig{OutboxBatchSize: 10, OutboxMaxRetry: 3})
	sender.processPendingMessages(context.Background())
	require.NoError(t, producer.Close())

	pending, err := repo.GetPendingMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	sent, err := repo.GetByDedupKey(context.Background(), "k-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, sent.Status)
}

func TestOutboxSender_RetriesThenMarksFailed(t *testing.T) {
	// GIVEN: 最大重试 2 次
	// WHEN: 连续两轮发送失败
	// THEN: 第一轮后仍为 PENDING，第二轮后标记 FAILED，不再被扫描

	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	enqueue(t, repo, "k-fail", `{}`)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sender := NewOutboxSender(db, mq.NewProducer(producer), config.JobsConfig{OutboxBatchSize: 10, OutboxMaxRetry: 2})
	ctx := context.Background()

	sender.processPendingMessages(ctx)
	msg, err := repo.GetByDedupKey(ctx, "k-fail")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)

	sender.processPendingMessages(ctx)
	msg, err = repo.GetByDedupKey(ctx, "k-fail")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)
	assert.Contains(t, msg.LastError, sarama.ErrOutOfBrokers.Error())

	// 已失败的消息不再发送，mock 没有多余的期望
	sender.processPendingMessages(ctx)
	require.NoError(t, producer.Close())
}
