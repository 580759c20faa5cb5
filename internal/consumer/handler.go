package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"billing/internal/config"
	"billing/internal/ledger"
	"billing/internal/model"
	"billing/internal/service"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// ErrMalformedEvent 无法解析或缺少必填字段的消息，重投也不会成功，直接跳过
var ErrMalformedEvent = errors.New("事件格式错误")

// EventHandler 按 topic 把入站事件分发到 BalanceService
//
// 返回 nil 表示消息可以确认（包括重复投递被幂等吸收的情况），
// 返回其他 error 表示基础设施故障，消息不确认，等待重投
type EventHandler struct {
	svc    *service.BalanceService
	topics config.KafkaTopicConfig
}

func NewEventHandler(svc *service.BalanceService, topics config.KafkaTopicConfig) *EventHandler {
	return &EventHandler{svc: svc, topics: topics}
}

func (h *EventHandler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch msg.Topic {
	case h.topics.UserRegistered:
		return h.handleUserRegistered(ctx, msg.Value)
	case h.topics.VisitCompleted:
		return h.handleVisitCompleted(ctx, msg.Value)
	case h.topics.PaymentConfirmed:
		return h.handlePaymentConfirmed(ctx, msg.Value)
	default:
		log.Printf("[Consumer] 未订阅的 topic，忽略: topic=%s, offset=%d", msg.Topic, msg.Offset)
		return nil
	}
}

func (h *EventHandler) handleUserRegistered(ctx context.Context, payload []byte) error {
	var event model.UserRegisteredEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id 为空", ErrMalformedEvent)
	}

	_, created, err := h.svc.CreateBalance(ctx, event.UserID)
	if err != nil {
		return err
	}
	if !created {
		log.Printf("[Consumer] 余额账户已存在，跳过: userID=%s", event.UserID)
	}
	return nil
}

func (h *EventHandler) handleVisitCompleted(ctx context.Context, payload []byte) error {
	var event model.VisitCompletedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.UserID == uuid.Nil || event.VisitID == "" {
		return fmt.Errorf("%w: user_id / visit_id 为空", ErrMalformedEvent)
	}

	result, err := h.svc.ChargeVisit(ctx, event)
	if err != nil {
		return err
	}
	return h.settle("visit.completed", event.VisitID, result)
}

func (h *EventHandler) handlePaymentConfirmed(ctx context.Context, payload []byte) error {
	var event model.PaymentConfirmedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.UserID == uuid.Nil || event.ExternalPaymentID == "" {
		return fmt.Errorf("%w: user_id / external_payment_id 为空", ErrMalformedEvent)
	}

	result, err := h.svc.ConfirmPayment(ctx, event)
	if err != nil {
		return err
	}
	return h.settle("payment.confirmed", event.ExternalPaymentID, result)
}

// settle 业务结果一律确认消息，不自动重试
func (h *EventHandler) settle(kind, sourceID string, result ledger.Result) error {
	switch result.Code {
	case ledger.CodeSuccess:
		return nil
	case ledger.CodeDuplicateTransaction:
		log.Printf("[Consumer] 重复投递已吸收: event=%s, sourceID=%s", kind, sourceID)
		return nil
	case ledger.CodeInvalidRequest:
		return fmt.Errorf("%w: %s", ErrMalformedEvent, result.Message)
	case ledger.CodeConflict:
		// 版本冲突重试耗尽，按基础设施故障处理，等待重投
		return fmt.Errorf("余额并发冲突: event=%s, sourceID=%s", kind, sourceID)
	default:
		log.Printf("[Consumer] 事件被业务拒绝: event=%s, sourceID=%s, code=%s, message=%s",
			kind, sourceID, result.Code, result.Message)
		return nil
	}
}
