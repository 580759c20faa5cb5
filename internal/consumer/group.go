package consumer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// MessageHandler 单条消息的处理
type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// GroupHandler 实现 sarama.ConsumerGroupHandler
// 基础设施错误在本地重试 maxRetries 次，仍失败则结束本次会话，消息不确认
type GroupHandler struct {
	handler       MessageHandler
	maxRetries    int
	retryInterval time.Duration
}

func NewGroupHandler(handler MessageHandler, maxRetries int, retryInterval time.Duration) *GroupHandler {
	return &GroupHandler{
		handler:       handler,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
	}
}

func (g *GroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *GroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *GroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := g.process(session.Context(), msg); err != nil {
				log.Printf("[Consumer] 处理失败，等待重投: topic=%s, partition=%d, offset=%d, err=%v",
					msg.Topic, msg.Partition, msg.Offset, err)
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (g *GroupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	for attempt := 0; ; attempt++ {
		err := g.handler.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrMalformedEvent) {
			log.Printf("[Consumer] 丢弃格式错误的消息: topic=%s, offset=%d, err=%v", msg.Topic, msg.Offset, err)
			return nil
		}
		if attempt >= g.maxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.retryInterval * time.Duration(attempt+1)):
		}
	}
}

// Run 阻塞消费直到 ctx 取消或消费组关闭
func Run(ctx context.Context, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler) {
	log.Printf("[Consumer] 开始消费: topics=%v", topics)

	go func() {
		for err := range group.Errors() {
			log.Printf("[Consumer] 消费组错误: %v", err)
		}
	}()

	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				log.Println("[Consumer] 消费组已关闭，退出")
				return
			}
			log.Printf("[Consumer] 消费会话异常结束: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			log.Println("[Consumer] 收到停止信号，退出")
			return
		}
	}
}
