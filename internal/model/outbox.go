package model

import (
	"encoding/json"
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 账本事件类型，随业务数据在同一事务内写入 outbox，由 OutboxSender 投递到 Kafka
const (
	EventCommissionCreated = "commission.created"
	EventPayoutRequested   = "payout.requested"
	EventPayoutProcessing  = "payout.processing"
	EventPayoutCompleted   = "payout.completed"
	EventPayoutCancelled   = "payout.cancelled"
)

// OutboxMessage 事务消息表
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// LedgerEvent 投递到 Kafka 的消息体
type LedgerEvent struct {
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// NewOutboxMessage 构造一条待发送消息，key 用于 Kafka 分区（同一用户的事件保持有序）
func NewOutboxMessage(topic, key, eventType string, data interface{}) (*OutboxMessage, error) {
	payload, err := json.Marshal(LedgerEvent{
		Type:       eventType,
		OccurredAt: time.Now(),
		Data:       data,
	})
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		EventType:  eventType,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}, nil
}
