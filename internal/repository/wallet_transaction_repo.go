package repository

import (
	"context"

	"affiliate/internal/model"

	"gorm.io/gorm"
)

type WalletTransactionRepository struct {
	db *gorm.DB
}

func NewWalletTransactionRepository(db *gorm.DB) *WalletTransactionRepository {
	return &WalletTransactionRepository{db: db}
}

func (r *WalletTransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.WalletTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// ListRecent 最近的流水，新的在前
func (r *WalletTransactionRepository) ListRecent(ctx context.Context, userID int64, limit int) ([]*model.WalletTransaction, error) {
	var transactions []*model.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

func (r *WalletTransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	var transactions []*model.WalletTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WalletTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListForReplay 按写入顺序返回钱包的全部流水
func (r *WalletTransactionRepository) ListForReplay(ctx context.Context, walletID int64) ([]*model.WalletTransaction, error) {
	var transactions []*model.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}
