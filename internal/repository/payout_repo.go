package repository

import (
	"context"
	"errors"

	"affiliate/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) Create(ctx context.Context, tx *gorm.DB, payout *model.Payout) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payout).Error
}

func (r *PayoutRepository) GetByPayoutNo(ctx context.Context, payoutNo string) (*model.Payout, error) {
	return r.getByPayoutNo(r.db.WithContext(ctx), payoutNo)
}

func (r *PayoutRepository) GetByPayoutNoForUpdate(ctx context.Context, tx *gorm.DB, payoutNo string) (*model.Payout, error) {
	return r.getByPayoutNo(tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), payoutNo)
}

func (r *PayoutRepository) getByPayoutNo(db *gorm.DB, payoutNo string) (*model.Payout, error) {
	var payout model.Payout
	err := db.Where("payout_no = ?", payoutNo).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// UpdateStatus 条件更新状态（status = fromStatus），并发下只有一个请求能成功
func (r *PayoutRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, payoutNo string, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanPayoutTransition(fromStatus, toStatus) {
		return ErrPayoutStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Payout{}).
		Where("payout_no = ? AND status = ?", payoutNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPayoutStatusInvalid
	}

	return nil
}

// CountOutstanding 用户未结束（pending / processing）的提现数量
func (r *PayoutRepository) CountOutstanding(ctx context.Context, tx *gorm.DB, userID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Payout{}).
		Where("user_id = ? AND status IN ?", userID, []string{model.PayoutStatusPending, model.PayoutStatusProcessing}).
		Count(&count).Error
	return count, err
}

// ListByUserID status 为空时不过滤状态
func (r *PayoutRepository) ListByUserID(ctx context.Context, userID int64, status string, page, pageSize int) ([]*model.Payout, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Payout{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	return r.paginate(query, page, pageSize)
}

func (r *PayoutRepository) ListByStatus(ctx context.Context, status string, page, pageSize int) ([]*model.Payout, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Payout{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	return r.paginate(query, page, pageSize)
}

func (r *PayoutRepository) paginate(query *gorm.DB, page, pageSize int) ([]*model.Payout, int64, error) {
	var payouts []*model.Payout
	var total int64

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&payouts).Error

	return payouts, total, err
}
