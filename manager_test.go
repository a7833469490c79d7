package xqlock_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xqlock"
)

func TestNewManager_Validation(t *testing.T) {
	t.Run("no replicas", func(t *testing.T) {
		_, err := xqlock.NewManager(nil)
		assert.ErrorIs(t, err, xqlock.ErrNoReplicas)
	})

	t.Run("even replica count", func(t *testing.T) {
		_, _, err := newFakeFleet(2)
		assert.ErrorIs(t, err, xqlock.ErrEvenReplicaCount)
	})

	t.Run("nil replica in list", func(t *testing.T) {
		_, err := xqlock.NewManager([]xqlock.Replica{newFakeReplica(), nil, newFakeReplica()})
		assert.ErrorIs(t, err, xqlock.ErrNilReplica)
	})

	t.Run("single replica allowed", func(t *testing.T) {
		_, m, err := newFakeFleet(1)
		require.NoError(t, err)
		defer func() { _ = m.Close() }()
	})
}

func TestWithLock_Success(t *testing.T) {
	_, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	result := xqlock.WithLock(context.Background(), m, "user:42:balance",
		func(ctx context.Context) (int64, error) {
			return 900, nil
		},
	)

	require.True(t, result.Success)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(900), result.Data)
	assert.Greater(t, result.LockDuration, time.Duration(0))
}

func TestWithLock_ReleasesAfterSuccess(t *testing.T) {
	fakes, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	result := xqlock.WithLock(context.Background(), m, "table:7:state",
		func(ctx context.Context) (string, error) { return "done", nil },
	)
	require.True(t, result.Success)

	for i, f := range fakes {
		_, held := f.get("lock:table:7:state")
		assert.False(t, held, "replica %d should not hold the lock after release", i)
	}
}

func TestWithLock_ExecutionError(t *testing.T) {
	_, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	errInsufficientFunds := errors.New("insufficient funds")

	result := xqlock.WithLock(context.Background(), m, "table:7:state",
		func(ctx context.Context) (any, error) {
			return nil, errInsufficientFunds
		},
		xqlock.WithConfig(xqlock.Critical()),
	)

	require.False(t, result.Success)
	assert.ErrorIs(t, result.Err, xqlock.ErrExecutionFailed)
	// 原始业务错误保留在错误链中，调用方可区分业务失败和锁失败
	assert.ErrorIs(t, result.Err, errInsufficientFunds)
	assert.Greater(t, result.LockDuration, time.Duration(0))

	// 业务失败后锁已释放
	locked, err := m.IsLocked(context.Background(), "table:7:state")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestWithLock_PanicInFn(t *testing.T) {
	fakes, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	result := xqlock.WithLock(context.Background(), m, "panicky",
		func(ctx context.Context) (any, error) {
			panic("boom")
		},
	)

	require.False(t, result.Success)
	assert.ErrorIs(t, result.Err, xqlock.ErrExecutionFailed)
	assert.Contains(t, result.Err.Error(), "boom")

	// panic 也不能让锁悬挂
	for i, f := range fakes {
		_, held := f.get("lock:panicky")
		assert.False(t, held, "replica %d should not hold the lock after panic", i)
	}
}

func TestWithLock_Validation(t *testing.T) {
	_, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	noop := func(ctx context.Context) (any, error) { return nil, nil }

	t.Run("nil fn", func(t *testing.T) {
		result := m.WithLock(context.Background(), "k", nil)
		assert.ErrorIs(t, result.Err, xqlock.ErrNilFunc)
	})

	t.Run("empty key", func(t *testing.T) {
		result := m.WithLock(context.Background(), "   ", noop)
		assert.ErrorIs(t, result.Err, xqlock.ErrEmptyKey)
	})

	t.Run("key too long", func(t *testing.T) {
		result := m.WithLock(context.Background(), strings.Repeat("k", 513), noop)
		assert.ErrorIs(t, result.Err, xqlock.ErrKeyTooLong)
	})

	t.Run("closed manager", func(t *testing.T) {
		_, m2, err := newFakeFleet(1)
		require.NoError(t, err)
		require.NoError(t, m2.Close())
		result := m2.WithLock(context.Background(), "k", noop)
		assert.ErrorIs(t, result.Err, xqlock.ErrManagerClosed)
	})
}

// TestWithLock_MutualExclusion 并发调用同一 key，验证临界区之间互不重叠。
func TestWithLock_MutualExclusion(t *testing.T) {
	_, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	const workers = 8
	const hold = 10 * time.Millisecond

	type interval struct {
		enter time.Time
		exit  time.Time
	}

	var mu sync.Mutex
	intervals := make([]interval, 0, workers)

	cfg := xqlock.Config{
		TTL:         2 * time.Second,
		RetryCount:  200,
		RetryDelay:  5 * time.Millisecond,
		RetryJitter: 5 * time.Millisecond,
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			result := xqlock.WithLock(context.Background(), m, "user:42:balance",
				func(ctx context.Context) (any, error) {
					enter := time.Now()
					time.Sleep(hold)
					mu.Lock()
					intervals = append(intervals, interval{enter: enter, exit: time.Now()})
					mu.Unlock()
					return nil, nil
				},
				xqlock.WithConfig(cfg),
			)
			assert.True(t, result.Success, "worker failed: %v", result.Err)
		}()
	}
	wg.Wait()

	require.Len(t, intervals, workers)
	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].enter.Before(intervals[j].enter)
	})
	for i := 1; i < len(intervals); i++ {
		assert.False(t, intervals[i].enter.Before(intervals[i-1].exit),
			"interval %d enters at %v before interval %d exits at %v",
			i, intervals[i].enter, i-1, intervals[i-1].exit)
	}
}

// TestWithLock_TwoCallersSerialize 两个调用者串行通过，总耗时不少于两段临界区之和。
func TestWithLock_TwoCallersSerialize(t *testing.T) {
	_, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	const hold = 50 * time.Millisecond
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	for w := 0; w < 2; w++ {
		go func() {
			defer wg.Done()
			result := xqlock.WithLock(context.Background(), m, "user:42:balance",
				func(ctx context.Context) (any, error) {
					time.Sleep(hold)
					return nil, nil
				},
				xqlock.WithTTL(2*time.Second), xqlock.WithRetryCount(100),
			)
			assert.True(t, result.Success, "caller failed: %v", result.Err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*hold)
}

// TestAcquire_QuorumTolerance 多数派容错：3 副本坏 1 个可用，坏 2 个不可用。
func TestAcquire_QuorumTolerance(t *testing.T) {
	t.Run("one of three down", func(t *testing.T) {
		fakes, m, err := newFakeFleet(3)
		require.NoError(t, err)
		defer func() { _ = m.Close() }()

		fakes[0].setFailing(true)

		h, err := m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
		require.NoError(t, err)
		assert.Equal(t, 2, h.Accepted())
		require.NoError(t, h.Release(context.Background()))
	})

	t.Run("two of three down", func(t *testing.T) {
		fakes, m, err := newFakeFleet(3)
		require.NoError(t, err)
		defer func() { _ = m.Close() }()

		fakes[0].setFailing(true)
		fakes[1].setFailing(true)

		_, err = m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
		assert.ErrorIs(t, err, xqlock.ErrAcquireTimeout)
	})

	t.Run("three of five down", func(t *testing.T) {
		fakes, m, err := newFakeFleet(5)
		require.NoError(t, err)
		defer func() { _ = m.Close() }()

		fakes[0].setFailing(true)
		fakes[1].setFailing(true)

		// 2 个副本宕机仍能形成 3/5 多数派
		h, err := m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
		require.NoError(t, err)
		assert.Equal(t, 3, h.Accepted())
		require.NoError(t, h.Release(context.Background()))

		// 第 3 个副本宕机后多数派不可达
		fakes[2].setFailing(true)
		_, err = m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
		assert.ErrorIs(t, err, xqlock.ErrAcquireTimeout)
	})
}

// TestAcquire_PartialRollback 未达多数派时回滚已接受的副本，不残留半截锁。
func TestAcquire_PartialRollback(t *testing.T) {
	fakes, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	fakes[1].setFailing(true)
	fakes[2].setFailing(true)

	_, err = m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
	require.ErrorIs(t, err, xqlock.ErrAcquireTimeout)

	_, held := fakes[0].get("lock:k")
	assert.False(t, held, "accepting replica should have been rolled back")
}

// TestAcquire_CrashSelfHealing 持有者不释放时，锁在 TTL 后自愈。
func TestAcquire_CrashSelfHealing(t *testing.T) {
	_, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	// 模拟崩溃：获取后从不释放
	_, err = m.Acquire(context.Background(), "k",
		xqlock.WithTTL(150*time.Millisecond), xqlock.WithRetryCount(0))
	require.NoError(t, err)

	// TTL 未到期前无法获取
	_, err = m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
	assert.ErrorIs(t, err, xqlock.ErrAcquireTimeout)

	time.Sleep(200 * time.Millisecond)

	// TTL 过后锁自动恢复可用
	h, err := m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
}

func TestIsLocked(t *testing.T) {
	_, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	locked, err := m.IsLocked(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, locked)

	h, err := m.Acquire(context.Background(), "k", xqlock.WithTTL(5*time.Second))
	require.NoError(t, err)

	locked, err = m.IsLocked(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, h.Release(context.Background()))

	locked, err = m.IsLocked(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestForceRelease(t *testing.T) {
	_, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	_, err = m.Acquire(context.Background(), "k", xqlock.WithTTL(30*time.Second))
	require.NoError(t, err)

	// 正常获取会失败
	_, err = m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
	require.ErrorIs(t, err, xqlock.ErrAcquireTimeout)

	require.NoError(t, m.ForceRelease(context.Background(), "k"))

	// 强制释放后 key 立即可用
	h, err := m.Acquire(context.Background(), "k", xqlock.WithRetryCount(0))
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
}

func TestHealth(t *testing.T) {
	fakes, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.NoError(t, m.Health(context.Background()))

	fakes[1].setFailing(true)
	err = m.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica 1")
}

func TestClose_Idempotent(t *testing.T) {
	_, m, err := newFakeFleet(1)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, xqlock.ErrManagerClosed)
}

func TestStats_Accumulation(t *testing.T) {
	fakes, m, err := newFakeFleet(3)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	result := xqlock.WithLock(context.Background(), m, "k",
		func(ctx context.Context) (any, error) { return nil, nil })
	require.True(t, result.Success)

	// 副本全挂时的失败也要计数
	for _, f := range fakes {
		f.setFailing(true)
	}
	result = m.WithLock(context.Background(), "k",
		func(ctx context.Context) (any, error) { return nil, nil },
		xqlock.WithRetryCount(0))
	require.ErrorIs(t, result.Err, xqlock.ErrAcquireTimeout)

	snap := m.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Acquired)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(2), snap.Attempts)
	assert.InDelta(t, 0.5, snap.SuccessRate, 0.001)
	assert.Greater(t, snap.AvgHold, time.Duration(0))
	assert.GreaterOrEqual(t, snap.MaxHold, snap.AvgHold)
}
