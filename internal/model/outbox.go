package model

import (
	"time"
)

// 本地消息状态：PENDING 等待投递，SENT 已投递，FAILED 超过重试上限需人工处理
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 本地消息表
// 与余额变更在同一个数据库事务中写入，由 job.OutboxSender 投递到 Kafka
//
// MessageKey 是 Kafka 分区键（用户ID，保证同一用户消息有序）
// DedupKey 是去重键，同一业务事件只会入表一次
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DedupKey   string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"dedup_key"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index:idx_outbox_status_id,priority:1;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	LastError  string    `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// Sendable 是否还需要投递
func (m *OutboxMessage) Sendable(maxRetry int) bool {
	return m.Status == OutboxStatusPending && m.RetryCount < maxRetry
}
