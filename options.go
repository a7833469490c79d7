package xqlock

import (
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// maxKeyLength 锁 key 的最大长度（字节）。
const maxKeyLength = 512

// validateKey 验证锁 key 是否有效。
func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if len(key) > maxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// =============================================================================
// 单次调用配置与预设
// =============================================================================

// Config 单次锁操作的配置。
//
// 四个参数共同决定一次 WithLock 的行为：
//   - TTL: 锁的存活时间，必须大于业务函数的预期执行时长，
//     超长任务应配合 Handle.Extend 续期
//   - RetryCount: 获取失败后的最大重试次数（不含首次尝试）
//   - RetryDelay: 重试的基础间隔
//   - RetryJitter: 叠加在基础间隔上的随机抖动上限，
//     用于打散同一 key 上多个竞争者的重试节奏，避免反复碰撞
type Config struct {
	TTL         time.Duration
	RetryCount  int
	RetryDelay  time.Duration
	RetryJitter time.Duration
}

// Fast 返回快速操作预设。
// 适用于读多写少的轻量检查，失败代价低，不值得久等。
func Fast() Config {
	return Config{
		TTL:         1 * time.Second,
		RetryCount:  2,
		RetryDelay:  50 * time.Millisecond,
		RetryJitter: 50 * time.Millisecond,
	}
}

// Standard 返回标准操作预设。
// 适用于普通的状态变更动作，是未指定配置时的默认值。
func Standard() Config {
	return Config{
		TTL:         5 * time.Second,
		RetryCount:  3,
		RetryDelay:  100 * time.Millisecond,
		RetryJitter: 100 * time.Millisecond,
	}
}

// Long 返回长任务预设。
// 适用于多步骤的结算类操作。
func Long() Config {
	return Config{
		TTL:         15 * time.Second,
		RetryCount:  5,
		RetryDelay:  200 * time.Millisecond,
		RetryJitter: 200 * time.Millisecond,
	}
}

// Critical 返回关键资金操作预设。
// TTL 和重试预算都最宽裕：资金变更的正确性优先于延迟。
func Critical() Config {
	return Config{
		TTL:         30 * time.Second,
		RetryCount:  10,
		RetryDelay:  500 * time.Millisecond,
		RetryJitter: 500 * time.Millisecond,
	}
}

// normalize 把非法的零值/负值字段回填为 Standard 预设的对应值。
func (c Config) normalize() Config {
	std := Standard()
	if c.TTL <= 0 {
		c.TTL = std.TTL
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = std.RetryDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	return c
}

// Option 单次锁操作的配置选项。
type Option func(*Config)

// WithConfig 整体替换配置，通常传入某个预设。
//
// 示例：
//
//	result := xqlock.WithLock(ctx, m, "user:42:balance", fn, xqlock.WithConfig(xqlock.Critical()))
func WithConfig(c Config) Option {
	return func(o *Config) {
		*o = c
	}
}

// WithTTL 设置锁的存活时间。
// 默认值：5 秒（Standard 预设）。
func WithTTL(d time.Duration) Option {
	return func(o *Config) {
		if d > 0 {
			o.TTL = d
		}
	}
}

// WithRetryCount 设置最大重试次数（不含首次尝试）。
// 设置为 0 表示只尝试一次。
func WithRetryCount(n int) Option {
	return func(o *Config) {
		if n >= 0 {
			o.RetryCount = n
		}
	}
}

// WithRetryDelay 设置重试的基础间隔。
func WithRetryDelay(d time.Duration) Option {
	return func(o *Config) {
		if d > 0 {
			o.RetryDelay = d
		}
	}
}

// WithRetryJitter 设置重试抖动上限。
// 实际重试间隔为 RetryDelay + random(0, RetryJitter)。
func WithRetryJitter(d time.Duration) Option {
	return func(o *Config) {
		if d >= 0 {
			o.RetryJitter = d
		}
	}
}

// applyOptions 基于 Standard 预设应用调用方选项。
func applyOptions(opts []Option) Config {
	cfg := Standard()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg.normalize()
}

// =============================================================================
// Manager 选项
// =============================================================================

// managerOptions Manager 级配置。
type managerOptions struct {
	KeyPrefix     string               // 锁 key 前缀，默认 "lock:"
	DriftFactor   float64              // 时钟漂移因子，默认 0.01
	TimeoutFactor float64              // 单副本超时因子，默认 0.05
	Logger        *slog.Logger         // 日志，默认 slog.Default()
	MeterProvider metric.MeterProvider // OTel 指标，nil 表示不导出
	MetricsOpts   []MetricsOption      // 指标收集器的附加选项
}

// defaultManagerOptions 返回默认的 Manager 配置。
func defaultManagerOptions() *managerOptions {
	return &managerOptions{
		KeyPrefix:     "lock:",
		DriftFactor:   0.01,
		TimeoutFactor: 0.05,
	}
}

// ManagerOption 定义 Manager 的配置选项。
type ManagerOption func(*managerOptions)

// WithKeyPrefix 设置锁 key 的前缀。
// 最终写入副本的 key = prefix + key。默认值："lock:"。
func WithKeyPrefix(prefix string) ManagerOption {
	return func(o *managerOptions) {
		o.KeyPrefix = prefix
	}
}

// WithDriftFactor 设置时钟漂移因子。
//
// 副本集各节点与调用进程的时钟互不同步，有效期按
// TTL − 耗时 − TTL×DriftFactor 计算，把漂移留作安全余量。
// 默认值：0.01。值必须 > 0，0.0 会破坏漂移补偿。
func WithDriftFactor(f float64) ManagerOption {
	return func(o *managerOptions) {
		if f > 0 {
			o.DriftFactor = f
		}
	}
}

// WithTimeoutFactor 设置单副本超时因子。
//
// 每个副本的调用超时为 TTL×TimeoutFactor（下限 50ms），
// 防止一个缓慢或宕机的副本拖长整次获取的耗时。
// 默认值：0.05。值必须 > 0。
func WithTimeoutFactor(f float64) ManagerOption {
	return func(o *managerOptions) {
		if f > 0 {
			o.TimeoutFactor = f
		}
	}
}

// WithLogger 设置结构化日志。
// 默认使用 slog.Default()。
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithMeterProvider 设置 OTel MeterProvider，启用指标导出。
// 默认不导出指标（进程内快照 Stats() 始终可用）。
func WithMeterProvider(mp metric.MeterProvider) ManagerOption {
	return func(o *managerOptions) {
		o.MeterProvider = mp
	}
}

// WithMetricsOptions 设置指标收集器的附加选项。
// 仅在同时设置了 WithMeterProvider 时生效。
func WithMetricsOptions(opts ...MetricsOption) ManagerOption {
	return func(o *managerOptions) {
		o.MetricsOpts = append(o.MetricsOpts, opts...)
	}
}
