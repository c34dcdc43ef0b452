package lock

import (
	"context"
	"fmt"
	"sort"
)

// Locker 钱包串行化点
//
// 同一钱包的入账/出账必须串行执行，不同钱包之间互不影响。
// 生产环境使用 Redis 分布式锁（多实例部署），单进程或测试使用 LocalLocker。
type Locker interface {
	// Lock 阻塞直到获取 key 对应的锁，返回的 unlock 必须调用且只调用一次
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// WalletKey 钱包锁的 key（按用户维度）
func WalletKey(userID int64) string {
	return fmt.Sprintf("wallet:lock:user:%d", userID)
}

// LockWallets 按用户ID升序依次加锁，避免两个请求交叉加锁导致死锁。
// 任一把锁获取失败时释放已持有的锁。
func LockWallets(ctx context.Context, l Locker, userIDs []int64) (func(), error) {
	ids := uniqueSorted(userIDs)
	unlocks := make([]func(), 0, len(ids))

	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, id := range ids {
		unlock, err := l.Lock(ctx, WalletKey(id))
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func uniqueSorted(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
