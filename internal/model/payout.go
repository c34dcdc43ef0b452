package model

import (
	"time"

	"affiliate/pkg/money"
)

const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusCancelled  = "cancelled"
)

// ValidPayoutTransitions 提现状态机
//
//	pending    -> processing（审核通过，扣减钱包）
//	pending    -> cancelled （驳回，不动钱包）
//	processing -> completed （打款完成，不再动钱包）
//	processing -> cancelled （撤销，补偿入账）
//
// completed 与 cancelled 为终态
var ValidPayoutTransitions = map[string][]string{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusCancelled},
	PayoutStatusProcessing: {PayoutStatusCompleted, PayoutStatusCancelled},
}

func CanPayoutTransition(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidPayoutTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsOutstanding 未结束的提现（占用“单笔在途”名额）
func IsOutstanding(status string) bool {
	return status == PayoutStatusPending || status == PayoutStatusProcessing
}

// Payout 提现申请
type Payout struct {
	ID              int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo        string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"payout_no"`
	UserID          int64        `gorm:"index;not null" json:"user_id"`
	Amount          money.Amount `gorm:"not null" json:"amount"`
	Status          string       `gorm:"type:varchar(20);index;not null" json:"status"`
	Method          string       `gorm:"type:varchar(32)" json:"method,omitempty"`
	Account         string       `gorm:"type:varchar(128)" json:"account,omitempty"`
	TransactionID   string       `gorm:"type:varchar(64)" json:"transaction_id,omitempty"`
	RejectionReason string       `gorm:"type:varchar(256)" json:"rejection_reason,omitempty"`
	ApprovedAt      *time.Time   `json:"approved_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	CancelledAt     *time.Time   `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payout) TableName() string {
	return "payout"
}
