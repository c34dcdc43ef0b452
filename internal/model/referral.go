package model

// UserReferral 推荐关系（由用户系统维护，本服务只读）
type UserReferral struct {
	UserID     int64  `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	ReferredBy *int64 `gorm:"index" json:"referred_by"`
}

func (UserReferral) TableName() string {
	return "user_referral"
}
