package job

import (
	"context"
	"log"
	"time"

	"billing/internal/config"
	"billing/internal/model"
	"billing/internal/repository"

	"gorm.io/gorm"
)

// MessageSender 消息投递，生产环境为 mq.Producer
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 轮询 outbox_message 表投递到 Kafka
// 投递是至少一次：发送成功但更新状态失败时会重复发送，下游按 dedup_key / transaction_id 去重
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sender     MessageSender
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, sender MessageSender, cfg config.JobsConfig) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		sender:     sender,
		stopCh:     make(chan struct{}),
		interval:   cfg.OutboxInterval(),
		batchSize:  cfg.OutboxBatchSize,
		maxRetry:   cfg.OutboxMaxRetry,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if !msg.Sendable(s.maxRetry) {
			continue
		}
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, updateErr)
		}
		return
	}

	log.Printf("[OutboxSender] 消息发送失败: id=%d, topic=%s, err=%v", msg.ID, msg.Topic, err)

	if err := s.outboxRepo.RecordFailure(ctx, msg.ID, err.Error(), s.maxRetry); err != nil {
		log.Printf("[OutboxSender] 记录发送失败出错: id=%d, err=%v", msg.ID, err)
		return
	}
	if msg.RetryCount+1 >= s.maxRetry {
		log.Printf("[OutboxSender] 消息超过最大重试次数，标记为失败: id=%d, dedupKey=%s", msg.ID, msg.DedupKey)
	}
}
