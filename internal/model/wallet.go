package model

import (
	"time"

	"affiliate/pkg/money"
)

// Wallet 用户钱包表
// 每个用户一个钱包，首次入账时惰性创建。
//
// 【不变量】
//   balance = total_earned - total_withdrawn，且 balance >= 0
//   balance 只是流水重放结果的缓存，任何时候都必须与 wallet_transaction 一致
type Wallet struct {
	ID             int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64        `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance        money.Amount `gorm:"not null;default:0" json:"balance"`         // 可提现余额（分）
	TotalEarned    money.Amount `gorm:"not null;default:0" json:"total_earned"`    // 累计入账，只增不减
	TotalWithdrawn money.Amount `gorm:"not null;default:0" json:"total_withdrawn"` // 累计出账，只增不减
	Version        int          `gorm:"not null;default:0" json:"-"`               // 每次变动 +1
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

// Consistent 余额与累计字段是否自洽
func (w *Wallet) Consistent() bool {
	return w.Balance >= 0 && w.Balance == w.TotalEarned-w.TotalWithdrawn
}
