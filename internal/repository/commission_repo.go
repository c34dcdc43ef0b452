package repository

import (
	"context"
	"errors"
	"time"

	"affiliate/internal/model"
	"affiliate/pkg/money"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CommissionRepository struct {
	db *gorm.DB
}

func NewCommissionRepository(db *gorm.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

// Create 写入佣金记录，(purchase_id, beneficiary_id, level) 冲突时返回 ErrDuplicateCommission
func (r *CommissionRepository) Create(ctx context.Context, tx *gorm.DB, commission *model.Commission) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(commission).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateCommission
	}
	return err
}

// ExistsByPurchaseID 幂等校验：该购买是否已经分过佣
func (r *CommissionRepository) ExistsByPurchaseID(ctx context.Context, tx *gorm.DB, purchaseID string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Commission{}).
		Where("purchase_id = ?", purchaseID).
		Count(&count).Error
	return count > 0, err
}

func (r *CommissionRepository) ListByPurchaseID(ctx context.Context, purchaseID string) ([]*model.Commission, error) {
	var commissions []*model.Commission
	err := r.db.WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		Order("level ASC").
		Find(&commissions).Error
	return commissions, err
}

func (r *CommissionRepository) ListByBeneficiary(ctx context.Context, userID int64, page, pageSize int) ([]*model.Commission, int64, error) {
	var commissions []*model.Commission
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Commission{}).Where("beneficiary_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&commissions).Error

	return commissions, total, err
}

// CommissionAggregate 按状态、层级分组的汇总行
type CommissionAggregate struct {
	Status string
	Level  int
	Count  int64
	Total  money.Amount
}

func (r *CommissionRepository) AggregateByBeneficiary(ctx context.Context, userID int64) ([]CommissionAggregate, error) {
	var rows []CommissionAggregate
	err := r.db.WithContext(ctx).
		Model(&model.Commission{}).
		Select("status, level, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Where("beneficiary_id = ?", userID).
		Group("status, level").
		Scan(&rows).Error
	return rows, err
}

// ListPendingForUpdate 用户尚未被提现覆盖的佣金，按时间先后
func (r *CommissionRepository) ListPendingForUpdate(ctx context.Context, tx *gorm.DB, userID int64) ([]*model.Commission, error) {
	var commissions []*model.Commission
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("beneficiary_id = ? AND status = ?", userID, model.CommissionStatusPending).
		Order("id ASC").
		Find(&commissions).Error
	return commissions, err
}

func (r *CommissionRepository) MarkPaid(ctx context.Context, tx *gorm.DB, ids []int64, payoutNo string, paidAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Model(&model.Commission{}).
		Where("id IN ? AND status = ?", ids, model.CommissionStatusPending).
		Updates(map[string]interface{}{
			"status":         model.CommissionStatusPaid,
			"paid_payout_no": payoutNo,
			"paid_at":        paidAt,
		}).Error
}
