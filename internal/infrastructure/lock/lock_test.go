package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// 同一个 key 的临界区不允许并发进入
func assertMutualExclusion(t *testing.T, l Locker) {
	t.Helper()

	var (
		inside  int32
		maxSeen int32
		counter int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), WalletKey(42))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			atomic.AddInt32(&counter, 1)
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, int32(20), atomic.LoadInt32(&counter))
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	assertMutualExclusion(t, NewLocalLocker())
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // 重复释放无副作用

	unlock2, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
	assert.Empty(t, l.locks)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	_, client := newRedis(t)
	assertMutualExclusion(t, NewRedisLocker(client, 5*time.Second, time.Millisecond, 5000))
}

func TestDistributedLock_UnlockOnlyOwnLock(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewDistributedLock(client, "wallet:lock:user:1", "owner-a", time.Minute)
	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	b := NewDistributedLock(client, "wallet:lock:user:1", "owner-b", time.Minute)
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b 不能删除 a 的锁
	require.NoError(t, b.Unlock(ctx))
	val, err := mr.Get("wallet:lock:user:1")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", val)

	require.NoError(t, a.Unlock(ctx))
	assert.False(t, mr.Exists("wallet:lock:user:1"))
}

func TestDistributedLock_GivesUpAfterRetries(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	held := NewDistributedLock(client, "k", "x", time.Minute)
	ok, err := held.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = NewDistributedLock(client, "k", "y", time.Minute).Lock(ctx, time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestLockWallets_SortedAndDeduplicated(t *testing.T) {
	rec := &recordingLocker{inner: NewLocalLocker()}
	unlock, err := LockWallets(context.Background(), rec, []int64{9, 3, 9, 5})
	require.NoError(t, err)
	assert.Equal(t, []string{WalletKey(3), WalletKey(5), WalletKey(9)}, rec.keys)
	unlock()
}

type recordingLocker struct {
	inner Locker
	keys  []string
}

func (r *recordingLocker) Lock(ctx context.Context, key string) (func(), error) {
	r.keys = append(r.keys, key)
	return r.inner.Lock(ctx, key)
}
