package model

import (
	"time"

	"affiliate/pkg/money"
)

const (
	TransactionTypeCredit = "credit" // 入账
	TransactionTypeDebit  = "debit"  // 出账
)

// 流水关联的业务单据类型
const (
	RefTypeCommission     = "commission"
	RefTypePayout         = "payout"
	RefTypePayoutReversal = "payout_reversal"
)

// WalletTransaction 钱包流水表
//
// 【流水表设计原则】
// 1. 只追加，不修改，不删除
// 2. 每笔流水必须关联业务单据（佣金单号或提现单号）
// 3. 记录变动前后余额，按 id 顺序重放即可得到当前余额
type WalletTransaction struct {
	ID            int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	WalletID      int64        `gorm:"index;not null" json:"wallet_id"`
	UserID        int64        `gorm:"index;not null" json:"user_id"`
	Type          string       `gorm:"type:varchar(16);not null" json:"type"`
	Amount        money.Amount `gorm:"not null" json:"amount"` // 恒为正数，方向由 Type 决定
	BalanceBefore money.Amount `gorm:"not null" json:"balance_before"`
	BalanceAfter  money.Amount `gorm:"not null" json:"balance_after"`
	Description   string       `gorm:"type:varchar(256)" json:"description"`
	RefType       string       `gorm:"type:varchar(32);not null" json:"ref_type"`
	RefNo         string       `gorm:"type:varchar(64);index;not null" json:"ref_no"`
	CreatedAt     time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}

// Signed 带符号金额，入账为正，出账为负
func (t *WalletTransaction) Signed() money.Amount {
	if t.Type == TransactionTypeDebit {
		return -t.Amount
	}
	return t.Amount
}
