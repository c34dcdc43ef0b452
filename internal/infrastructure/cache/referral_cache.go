package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// noReferrer 缓存“没有推荐人”，避免穿透
const noReferrer = "-"

// ReferralSource 推荐关系数据源
type ReferralSource interface {
	GetReferredBy(ctx context.Context, userID int64) (int64, bool, error)
}

// ReferralCache 推荐关系读穿缓存
//
// 推荐关系在用户注册时写入，之后几乎不变，适合缓存。
// Redis 故障时直接回源，不影响分佣。
type ReferralCache struct {
	client *redis.Client
	source ReferralSource
	ttl    time.Duration
	logger *zap.Logger
}

func NewReferralCache(client *redis.Client, source ReferralSource, ttl time.Duration, logger *zap.Logger) *ReferralCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferralCache{client: client, source: source, ttl: ttl, logger: logger}
}

func referralKey(userID int64) string {
	return fmt.Sprintf("referral:parent:%d", userID)
}

func (c *ReferralCache) GetReferredBy(ctx context.Context, userID int64) (int64, bool, error) {
	val, err := c.client.Get(ctx, referralKey(userID)).Result()
	switch {
	case err == nil:
		if val == noReferrer {
			return 0, false, nil
		}
		if parent, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			return parent, true, nil
		}
		c.logger.Warn("推荐关系缓存值不合法", zap.Int64("user_id", userID), zap.String("value", val))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("读取推荐关系缓存失败，回源查询", zap.Int64("user_id", userID), zap.Error(err))
	}

	parent, ok, err := c.source.GetReferredBy(ctx, userID)
	if err != nil {
		return 0, false, err
	}

	val = noReferrer
	if ok {
		val = strconv.FormatInt(parent, 10)
	}
	if err := c.client.Set(ctx, referralKey(userID), val, c.ttl).Err(); err != nil {
		c.logger.Warn("写入推荐关系缓存失败", zap.Int64("user_id", userID), zap.Error(err))
	}
	return parent, ok, nil
}

// Invalidate 推荐关系变更时由用户系统调用
func (c *ReferralCache) Invalidate(ctx context.Context, userID int64) error {
	return c.client.Del(ctx, referralKey(userID)).Err()
}
