package xqlock

import (
	"context"
	"time"
)

// Result 是一次 WithLock 调用的结构化结果。
//
// 四种失败都以 Err 中的哨兵错误呈现，WithLock 从不向外抛 panic：
//   - [ErrAcquireTimeout]: 未获取到锁，业务函数从未执行
//   - [ErrExecutionFailed]: 业务函数返回了错误（原始错误被包装保留）
//   - 其余参数校验错误（ErrEmptyKey、ErrManagerClosed 等）
//
// 释放失败（[ErrReleaseFailed]）只记录日志，不会出现在 Err 中，
// 避免用锁的内务错误覆盖业务结果——TTL 机制保证锁最终自愈。
type Result[T any] struct {
	// Success 业务函数是否在锁内成功执行完成。
	Success bool
	// Data 业务函数的返回值，仅 Success 为 true 时有效。
	Data T
	// Err 失败原因，用 errors.Is 匹配哨兵错误。
	Err error
	// LockDuration 从发起获取到释放完成的总耗时。
	// 获取失败时为 0。
	LockDuration time.Duration
}

// WithLock 在多数派锁的保护下执行 fn，返回带类型的结构化结果。
//
// 这是泛型入口，必须作为包级函数使用（Go 方法不支持类型参数）。
// 语义与 [Manager.WithLock] 完全一致。
//
// 示例：
//
//	result := xqlock.WithLock(ctx, m, "user:42:balance",
//	    func(ctx context.Context) (int64, error) {
//	        // 读取最新余额 → 计算 → 持久化，全部在临界区内
//	        return debit(ctx, 42, amount)
//	    },
//	    xqlock.WithConfig(xqlock.Critical()),
//	)
//	if !result.Success {
//	    // errors.Is(result.Err, xqlock.ErrAcquireTimeout) → 提示稍后重试
//	}
func WithLock[T any](ctx context.Context, m *Manager, key string, fn func(ctx context.Context) (T, error), opts ...Option) Result[T] {
	var wrapped func(ctx context.Context) (any, error)
	if fn != nil {
		wrapped = func(ctx context.Context) (any, error) {
			return fn(ctx)
		}
	}

	r := m.WithLock(ctx, key, wrapped, opts...)

	out := Result[T]{
		Success:      r.Success,
		Err:          r.Err,
		LockDuration: r.LockDuration,
	}
	if r.Success {
		if data, ok := r.Data.(T); ok {
			out.Data = data
		}
	}
	return out
}
