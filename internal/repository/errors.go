package repository

import "errors"

var (
	ErrWalletNotFound      = errors.New("钱包不存在")
	ErrOptimisticLock      = errors.New("钱包版本冲突，请重试")
	ErrPayoutNotFound      = errors.New("提现申请不存在")
	ErrPayoutStatusInvalid = errors.New("提现状态不合法")
	ErrDuplicateCommission = errors.New("佣金记录已存在")
)

