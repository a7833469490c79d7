package xqlock

import (
	"context"
	"sync"
	"time"
)

// State 表示 Handle 的生命周期状态。
//
// 状态迁移：Locked → (Extending → Locked)* → Released，
// 或 Locked → Expired（续期时发现多数派已丢失）。
// Released 与 Expired 均为终态，对后续获取者而言等价（key 重新可用）。
// 没有"取消"状态：放弃一次进行中的获取就是停止重试；
// 已授予的 handle 只能通过 Release 或 TTL 到期结束。
type State int32

const (
	// StateLocked 锁被当前 handle 持有。
	StateLocked State = iota
	// StateExtending 续期操作进行中。
	StateExtending
	// StateReleased 锁已被当前 handle 主动释放，终态。
	StateReleased
	// StateExpired 锁已在多数派副本中过期或被抢占，终态。
	// 过期是副本侧被动发生的，持有者只会在下一次 Extend/Release 时观察到。
	StateExpired
)

// String 返回状态的可读名称。
func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateExtending:
		return "extending"
	case StateReleased:
		return "released"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Handle 表示一次成功的多数派锁获取。
//
// 每次获取都会生成全新的不可猜测 token 作为 fencing 凭证：
// 只有持有完全相同 token 的 handle 才能续期或释放它创建的锁。
// 一个 TTL 已过期、锁已被他人重新获取的旧 handle，
// 无法续期或释放新持有者的锁。
//
// Handle 归获取它的调用方独占，可安全地跨 goroutine 调用
// （内部用互斥量保护状态），但语义上一次 WithLock 对应一个 handle。
type Handle struct {
	manager *Manager
	key     string // 完整 key（含前缀）
	token   string

	mu         sync.Mutex
	state      State
	ttl        time.Duration // 最近一次获取/续期使用的 TTL
	validUntil time.Time     // 漂移补偿后的有效期截止时刻
	accepted   int           // 接受本 token 的副本数
}

// Key 返回锁的完整 key（含前缀）。
func (h *Handle) Key() string {
	return h.key
}

// Token 返回本次获取的 fencing token。
// 用于日志关联和诊断，调用方不应将其写入业务数据。
func (h *Handle) Token() string {
	return h.token
}

// State 返回当前状态。
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ValidUntil 返回漂移补偿后的有效期截止时刻。
// 超过该时刻后互斥保证不再成立，即使部分副本中 key 尚未过期。
func (h *Handle) ValidUntil() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.validUntil
}

// Remaining 返回剩余有效时长，已过期时返回 0。
func (h *Handle) Remaining() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d := time.Until(h.validUntil); d > 0 {
		return d
	}
	return 0
}

// Accepted 返回获取时接受本 token 的副本数。
func (h *Handle) Accepted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

// Release 释放锁。
//
// 对每个副本发出条件删除（token 必须匹配），尽力而为：
// 联系不到的副本依赖其自身 TTL 自愈。释放是幂等的——
// 重复释放或在自然过期后释放都不会报错，不会打断调用方流程。
// 仅当网络故障导致触达的副本不足多数派时返回 [ErrReleaseFailed]。
//
// 当 ctx 已取消/超时时，内部自动换用独立清理上下文（5 秒超时），
// 确保释放尽力完成，避免锁残留到 TTL 到期。
func (h *Handle) Release(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	h.mu.Lock()
	if h.state == StateReleased {
		h.mu.Unlock()
		return nil // 幂等：重复释放是 no-op
	}
	h.mu.Unlock()

	// Expired 状态也照常发条件删除：token 不匹配时副本返回 0，无害，
	// 但能清掉少数派副本上可能残留的旧值。

	err := h.manager.releaseQuorum(ctx, h.key, h.token)

	h.mu.Lock()
	h.state = StateReleased
	h.mu.Unlock()

	h.manager.metrics.RecordRelease(ctx, h.key, err == nil)
	return err
}

// Extend 续期锁，把过期时间刷新为 additional（从现在起计）。
//
// 对每个持有匹配 token 的副本发出条件续期；只有多数派副本仍持有
// token 时才算成功（锁可能已在部分副本中悄悄过期）。
// 成功后按漂移补偿重新计算有效期。
//
// 返回值：
//   - nil: 续期成功，ValidUntil 已更新
//   - [ErrNotLocked]: handle 已释放或此前已判定过期
//   - [ErrExtendFailed]: 未能在多数派上确认 token；正在运行的业务
//     函数不会被打断，是否提前中止由调用方决定
func (h *Handle) Extend(ctx context.Context, additional time.Duration) error {
	if ctx == nil {
		return ErrNilContext
	}
	if additional <= 0 {
		return ErrExtendFailed
	}

	h.mu.Lock()
	if h.state != StateLocked {
		h.mu.Unlock()
		return ErrNotLocked
	}
	h.state = StateExtending
	h.mu.Unlock()

	validUntil, accepted, err := h.manager.extendQuorum(ctx, h.key, h.token, additional)

	h.mu.Lock()
	if err != nil {
		if accepted == 0 {
			// 没有任何副本还持有 token，锁确定已失去
			h.state = StateExpired
		} else {
			// 少数派仍持有 token：锁状态不确定，保守地继续当作持有，
			// 调用方可重试 Extend 或尽早 Release
			h.state = StateLocked
		}
		h.mu.Unlock()
		h.manager.metrics.RecordExtend(ctx, h.key, false)
		return err
	}
	h.state = StateLocked
	h.ttl = additional
	h.validUntil = validUntil
	h.accepted = accepted
	h.mu.Unlock()

	h.manager.metrics.RecordExtend(ctx, h.key, true)
	return nil
}
