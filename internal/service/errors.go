package service

import (
	"errors"
	"fmt"

	"affiliate/internal/repository"
)

var (
	ErrInsufficientFunds   = errors.New("余额不足")
	ErrDuplicatePurchase   = errors.New("该笔购买已处理")
	ErrReferralCycle       = errors.New("推荐关系存在环")
	ErrInvalidAmount       = errors.New("金额必须大于0")
	ErrPayoutStateConflict = errors.New("提现当前状态不允许该操作")
	ErrPayoutNotFound      = repository.ErrPayoutNotFound
	ErrBelowMinimumPayout  = errors.New("低于最低提现金额")
	ErrOutstandingPayout   = errors.New("存在未完成的提现申请")
	ErrWalletNotLocked     = errors.New("钱包未在当前账本事务中加锁")
	ErrInvalidPurchase     = errors.New("购买事件参数不合法")
	ErrInvalidUserID       = errors.New("用户ID不合法")
)

// ReferralCycleError 推荐链上出现重复用户，该层级及以上不再分佣
type ReferralCycleError struct {
	PurchaserID    int64
	Level          int
	RepeatedUserID int64
}

func (e *ReferralCycleError) Error() string {
	return fmt.Sprintf("推荐关系存在环: purchaser=%d, level=%d, repeated_user=%d",
		e.PurchaserID, e.Level, e.RepeatedUserID)
}

func (e *ReferralCycleError) Is(target error) bool {
	return target == ErrReferralCycle
}
