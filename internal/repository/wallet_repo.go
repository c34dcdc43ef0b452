package repository

import (
	"context"
	"errors"

	"affiliate/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) GetByUserID(ctx context.Context, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetByUserIDForUpdate 在事务内加行锁读取钱包
func (r *WalletRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// CreateIfAbsent 惰性创建钱包，并发创建时以先到者为准
func (r *WalletRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, userID int64) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.Wallet{UserID: userID}).Error
}

// SaveBalances 写回余额与累计字段，version 不匹配说明有人绕过了串行化点
func (r *WalletRepository) SaveBalances(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, expectedVersion int) error {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, expectedVersion).
		Updates(map[string]interface{}{
			"balance":         wallet.Balance,
			"total_earned":    wallet.TotalEarned,
			"total_withdrawn": wallet.TotalWithdrawn,
			"version":         expectedVersion + 1,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	wallet.Version = expectedVersion + 1
	return nil
}

// ListAfterID 按 id 分批遍历钱包（对账任务使用）
func (r *WalletRepository) ListAfterID(ctx context.Context, afterID int64, limit int) ([]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&wallets).Error
	return wallets, err
}
