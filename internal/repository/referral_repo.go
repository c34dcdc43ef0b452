package repository

import (
	"context"
	"errors"

	"affiliate/internal/model"

	"gorm.io/gorm"
)

// ReferralRepository 读取用户系统维护的推荐关系
type ReferralRepository struct {
	db *gorm.DB
}

func NewReferralRepository(db *gorm.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// GetReferredBy 返回 userID 的直接推荐人；用户不存在或没有推荐人时 ok=false
func (r *ReferralRepository) GetReferredBy(ctx context.Context, userID int64) (int64, bool, error) {
	var ref model.UserReferral
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if ref.ReferredBy == nil {
		return 0, false, nil
	}
	return *ref.ReferredBy, true, nil
}
