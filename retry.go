package xqlock

import (
	"context"
	"errors"

	retry "github.com/avast/retry-go/v5"
)

// acquireWithRetry 带重试地执行多数派获取。
//
// 重试间隔 = RetryDelay + random(0, RetryJitter)。抖动专门用于打散
// 同一 key 上多个竞争者的重试节奏：没有抖动时，同时失败的竞争者会
// 以相同的步调反复碰撞。仅对 [ErrAcquireTimeout] 重试；ctx 取消时
// 立即停止并返回 ctx 错误。
func (m *Manager) acquireWithRetry(ctx context.Context, key string, cfg Config) (*Handle, error) {
	opts := make([]retry.Option, 0, 7)
	opts = append(opts,
		retry.Context(ctx),
		retry.Attempts(uint(cfg.RetryCount)+1), // Attempts 含首次尝试
		retry.Delay(cfg.RetryDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrAcquireTimeout)
		}),
		retry.LastErrorOnly(true),
	)
	if cfg.RetryJitter > 0 {
		opts = append(opts,
			retry.MaxJitter(cfg.RetryJitter),
			retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		)
	} else {
		opts = append(opts, retry.DelayType(retry.FixedDelay))
	}

	h, err := retry.NewWithData[*Handle](opts...).Do(func() (*Handle, error) {
		return m.acquireQuorum(ctx, key, cfg.TTL)
	})
	if err != nil {
		// retry-go 在 ctx 取消时返回的错误链里带着 ctx 错误，
		// 调用方需要能用 errors.Is 区分取消和真正的获取超时
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return h, nil
}
