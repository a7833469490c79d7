package xqlock

import "errors"

// 预定义错误。
// 使用 errors.Is 进行错误匹配，例如：
//
//	if errors.Is(result.Err, xqlock.ErrAcquireTimeout) {
//	    // 系统繁忙，提示调用方稍后重试
//	}
var (
	// ErrAcquireTimeout 获取锁超时。
	// 重试预算耗尽后仍未达到多数派时返回此错误。
	// 这是可恢复错误：表示资源正被其他实例持有或副本集暂时不可用，
	// 调用方应将其映射为"系统繁忙/请重试"，而非请求的硬失败。
	ErrAcquireTimeout = errors.New("xqlock: failed to acquire quorum within retry budget")

	// ErrExecutionFailed 临界区业务函数执行失败。
	// 锁本身获取、释放均正常，业务函数返回了错误（或发生 panic）。
	// 原始业务错误通过 %w 双重包装保留，可用 errors.Is/As 继续匹配。
	ErrExecutionFailed = errors.New("xqlock: locked function returned an error")

	// ErrExtendFailed 续期失败。
	// 续期时未能在多数派副本上确认 token（锁可能已在部分副本中过期）。
	// 续期失败不会中断正在运行的业务函数，由调用方决定是否提前中止。
	ErrExtendFailed = errors.New("xqlock: failed to extend lock on a majority of replicas")

	// ErrReleaseFailed 释放锁时未能联系到多数派副本。
	// 释放是尽力而为的：联系不到的副本依赖各自的 TTL 自愈。
	// WithLock 内部只记录日志，不会把此错误覆盖到业务结果上；
	// 手动调用 Handle.Release 的长任务调用方可以观察到此错误。
	ErrReleaseFailed = errors.New("xqlock: release reached fewer than a majority of replicas")

	// ErrNotLocked 锁未被当前 handle 持有。
	// 对已释放或已过期的 handle 调用 Extend 时返回此错误。
	ErrNotLocked = errors.New("xqlock: not locked")

	// ErrReplicaUnavailable 副本暂时不可用（熔断器打开）。
	// 包装 gobreaker 的状态错误，表示对该副本的调用被快速失败。
	ErrReplicaUnavailable = errors.New("xqlock: replica unavailable")

	// ErrNilClient 客户端为空。
	ErrNilClient = errors.New("xqlock: client is nil")

	// ErrNilReplica 副本为空。
	// 副本列表中存在 nil 元素时返回此错误。
	ErrNilReplica = errors.New("xqlock: replica is nil")

	// ErrNoReplicas 未提供任何副本。
	ErrNoReplicas = errors.New("xqlock: no replicas configured")

	// ErrEvenReplicaCount 副本数量为偶数。
	// 多数派判定要求奇数个副本（1、3、5、7…），避免出现票数平局。
	ErrEvenReplicaCount = errors.New("xqlock: replica count must be odd")

	// ErrNilContext 上下文为空。
	ErrNilContext = errors.New("xqlock: context is nil")

	// ErrNilFunc 业务函数为空。
	ErrNilFunc = errors.New("xqlock: fn is nil")

	// ErrEmptyKey 锁 key 为空。
	// key 为空字符串或仅含空白时返回此错误。
	ErrEmptyKey = errors.New("xqlock: key must not be empty")

	// ErrKeyTooLong 锁 key 超过长度限制。
	// key 长度不能超过 maxKeyLength（512 字节）。
	ErrKeyTooLong = errors.New("xqlock: key exceeds maximum length of 512 bytes")

	// ErrManagerClosed 管理器已关闭。
	// 在已关闭的 Manager 上发起新的锁操作时返回此错误。
	ErrManagerClosed = errors.New("xqlock: manager is closed")

	// ErrUnknownFormat 不支持的配置格式。
	// LoadPresets 仅支持 YAML 和 JSON。
	ErrUnknownFormat = errors.New("xqlock: unknown preset format")
)
