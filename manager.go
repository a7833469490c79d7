package xqlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// probeTTL IsLocked 探测用的极短 TTL。
// 探测只为观察当前状态，拿到就立刻释放。
const probeTTL = 250 * time.Millisecond

// Manager 是多数派分布式锁的入口。
//
// 一个进程启动时构造一次，通过依赖注入传给需要加锁的组件；
// 不提供全局单例访问器。所有方法并发安全。
type Manager struct {
	replicas      []Replica
	quorum        int // 多数派票数，len(replicas)/2 + 1
	keyPrefix     string
	driftFactor   float64
	timeoutFactor float64
	logger        *slog.Logger
	metrics       *Metrics
	stats         *Stats
	closed        atomic.Bool
}

// NewManager 创建锁管理器。
//
// replicas 必须为奇数个（1、3、5、7…），保证多数派判定无平局；
// 生产环境建议至少 3 个以容忍单副本故障。副本客户端由调用者注入
// 并管理生命周期，Manager.Close 不会关闭它们。
func NewManager(replicas []Replica, opts ...ManagerOption) (*Manager, error) {
	if len(replicas) == 0 {
		return nil, ErrNoReplicas
	}
	if len(replicas)%2 == 0 {
		return nil, ErrEvenReplicaCount
	}
	for i, r := range replicas {
		if r == nil {
			return nil, fmt.Errorf("%w: replica at index %d", ErrNilReplica, i)
		}
	}

	options := defaultManagerOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := NewMetrics(options.MeterProvider, options.MetricsOpts...)
	if err != nil {
		return nil, fmt.Errorf("xqlock: init metrics: %w", err)
	}

	return &Manager{
		replicas:      replicas,
		quorum:        len(replicas)/2 + 1,
		keyPrefix:     options.KeyPrefix,
		driftFactor:   options.DriftFactor,
		timeoutFactor: options.TimeoutFactor,
		logger:        logger,
		metrics:       metrics,
		stats:         newStats(),
	}, nil
}

// WithLock 在多数派锁的保护下执行 fn。
//
// 流程：带重试地获取锁 → 执行 fn → 无论 fn 结果如何都尝试释放 →
// 归类结果并记录统计。保证：fn 绝不会在没有确认多数派锁的情况下
// 被调用；锁在每条退出路径上都会尝试释放（包括 fn panic），释放
// 自身的失败记入日志而不覆盖业务结果。
//
// fn 收到的 ctx 即传入的 ctx；fn 一旦开始就不会被打断，TTL 只约束
// 崩溃安全，调用方应选择比预期执行时长宽裕的 TTL，执行时长不可
// 预测时配合 [Handle.Extend]（经 [Manager.Acquire] 手动管理）。
//
// 需要带类型返回值时使用包级泛型函数 [WithLock]。
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) (any, error), opts ...Option) Result[any] {
	if ctx == nil {
		return Result[any]{Err: ErrNilContext}
	}
	if fn == nil {
		return Result[any]{Err: ErrNilFunc}
	}

	start := time.Now()
	h, err := m.Acquire(ctx, key, opts...)
	if err != nil {
		return Result[any]{Err: err}
	}

	data, fnErr := runGuarded(ctx, fn)

	if relErr := h.Release(ctx); relErr != nil {
		// 不向上传播：TTL 保证最终自愈，释放失败不应掩盖业务结果
		m.logger.Warn("xqlock: release failed, relying on ttl self-healing",
			slog.String("key", h.Key()),
			slog.String("token", h.Token()),
			slog.Any("error", relErr),
		)
	}

	lockDuration := time.Since(start)
	m.stats.recordHold(lockDuration)
	m.metrics.RecordHold(ctx, h.Key(), lockDuration)

	if fnErr != nil {
		return Result[any]{
			Err:          fmt.Errorf("%w: %w", ErrExecutionFailed, fnErr),
			LockDuration: lockDuration,
		}
	}
	return Result[any]{
		Success:      true,
		Data:         data,
		LockDuration: lockDuration,
	}
}

// Acquire 带重试地获取锁并返回 Handle，供需要手动控制
// 续期/释放节奏的长任务使用。普通场景优先使用 WithLock。
//
// 调用方负责在任务结束后调用 Handle.Release。
func (m *Manager) Acquire(ctx context.Context, key string, opts ...Option) (*Handle, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	cfg := applyOptions(opts)
	fullKey := m.keyPrefix + key

	start := time.Now()
	h, err := m.acquireWithRetry(ctx, fullKey, cfg)
	if err != nil {
		if errors.Is(err, ErrAcquireTimeout) {
			m.stats.recordFailed()
		}
		m.metrics.RecordAcquire(ctx, fullKey, false, time.Since(start))
		return nil, err
	}

	m.stats.recordAcquired()
	m.metrics.RecordAcquire(ctx, fullKey, true, time.Since(start))
	return h, nil
}

// IsLocked 探测 key 当前是否被锁定。
//
// 实现为一次零重试、极短 TTL 的获取尝试：能拿到就立刻释放并报告
// "未锁定"，拿不到报告"锁定"。天然存在竞态——返回的瞬间状态就
// 可能已经变化，仅适合 UI 提示（如"牌桌忙"）一类的参考用途，
// 绝不能作为正确性决策的依据。
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	if ctx == nil {
		return false, ErrNilContext
	}
	if m.closed.Load() {
		return false, ErrManagerClosed
	}
	if err := validateKey(key); err != nil {
		return false, err
	}

	fullKey := m.keyPrefix + key
	h, err := m.acquireQuorum(ctx, fullKey, probeTTL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if errors.Is(err, ErrAcquireTimeout) {
			return true, nil
		}
		return false, err
	}

	if relErr := h.Release(ctx); relErr != nil {
		m.logger.Warn("xqlock: probe release failed",
			slog.String("key", fullKey),
			slog.Any("error", relErr),
		)
	}
	return false, nil
}

// ForceRelease 无条件删除每个副本上的 key，不检查 token。
//
// 危险操作：会把锁从合法持有者手里夺走，导致两个临界区并发执行。
// 只保留给人工运维恢复工具（清理确认已死的持有者残留的孤儿锁），
// 禁止出现在正常应用代码路径上。每次调用都会记录 WARN 日志和
// 独立指标，生产环境出现即应告警。
func (m *Manager) ForceRelease(ctx context.Context, key string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := validateKey(key); err != nil {
		return err
	}

	fullKey := m.keyPrefix + key
	m.logger.Warn("xqlock: force releasing lock", slog.String("key", fullKey))

	err := m.forceReleaseQuorum(ctx, fullKey)
	m.metrics.RecordForceRelease(ctx, fullKey)
	return err
}

// Stats 返回进程内累计统计。
func (m *Manager) Stats() *Stats {
	return m.stats
}

// Health 健康检查，对所有副本执行 Ping。
// 任何一个副本不可达都会反映在返回的错误里；多数派仍然健康时
// 锁服务依旧可用，调用方应结合副本数自行判断严重程度。
func (m *Manager) Health(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if m.closed.Load() {
		return ErrManagerClosed
	}

	errs := make([]error, 0, len(m.replicas))
	for i, r := range m.replicas {
		if err := r.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("replica %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭管理器，拒绝新的锁操作。
//
// 不会强制释放在外的 Handle（它们依赖 TTL 自愈或持有者自行释放），
// 也不会关闭注入的副本客户端——客户端生命周期由调用者管理。
// 重复关闭是 no-op。
func (m *Manager) Close() error {
	m.closed.Swap(true)
	return nil
}

// runGuarded 执行业务函数并把 panic 转换为错误。
// fn 的 panic 不允许越过门面边界，否则释放步骤会被跳过。
func runGuarded(ctx context.Context, fn func(ctx context.Context) (any, error)) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in locked function: %v", r)
		}
	}()
	return fn(ctx)
}
