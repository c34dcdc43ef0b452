package model

import (
	"time"

	"affiliate/pkg/money"

	"github.com/shopspring/decimal"
)

const (
	CommissionStatusPending = "pending"
	CommissionStatusPaid    = "paid"
)

const (
	CommissionLevel1 = 1
	CommissionLevel2 = 2
)

// Commission 佣金记录
//
// 唯一索引 (purchase_id, beneficiary_id, level) 保证同一笔购买不会被重复分佣。
// status 只是记账标签：对应的入账被一笔已完成的提现覆盖后置为 paid，
// 可提现金额以钱包余额为准。
type Commission struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CommissionNo   string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"commission_no"`
	BeneficiaryID  int64           `gorm:"not null;index;uniqueIndex:uk_purchase_beneficiary_level,priority:2" json:"beneficiary_id"`
	PurchaseID     string          `gorm:"type:varchar(64);not null;uniqueIndex:uk_purchase_beneficiary_level,priority:1" json:"purchase_id"`
	SourceUserID   int64           `gorm:"not null;index" json:"source_user_id"`
	Level          int             `gorm:"not null;uniqueIndex:uk_purchase_beneficiary_level,priority:3" json:"level"`
	PackageID      string          `gorm:"type:varchar(64);not null" json:"package_id"`
	PurchaseAmount money.Amount    `gorm:"not null" json:"purchase_amount"`
	Rate           decimal.Decimal `gorm:"type:decimal(6,2);not null" json:"rate"` // 百分比
	Amount         money.Amount    `gorm:"not null" json:"amount"`
	Status         string          `gorm:"type:varchar(16);index;not null" json:"status"`
	PaidPayoutNo   string          `gorm:"type:varchar(64)" json:"paid_payout_no,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Commission) TableName() string {
	return "commission"
}
