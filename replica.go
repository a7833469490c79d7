package xqlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

// Replica 表示一个锁存储副本的客户端句柄。
//
// 副本是互不同步、行为相同的 key/value 存储，只需支持
// "带过期时间的条件写入"和"条件删除/条件续期"两类原语。
// 副本被视为不可靠的：任何方法都可能超时或因网络分区失败，
// 多数派协议负责在这些故障之上提供互斥保证。
//
// 实现方自行负责连接生命周期，Manager 不会关闭注入的副本。
type Replica interface {
	// SetNX 当 key 不存在时写入 token 并设置过期时间。
	// 返回 true 表示写入成功（本副本投了赞成票）。
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// DelIfMatch 当 key 当前存储的值等于 token 时删除 key。
	// 返回 true 表示删除了本副本上的锁；false 表示 token 不匹配或 key 不存在。
	DelIfMatch(ctx context.Context, key, token string) (bool, error)

	// ExpireIfMatch 当 key 当前存储的值等于 token 时刷新过期时间。
	// 返回 true 表示续期成功；false 表示 token 不匹配或 key 已过期。
	ExpireIfMatch(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Del 无条件删除 key，不检查 token。
	// 仅供 ForceRelease 运维通道使用，正常代码路径不得调用。
	Del(ctx context.Context, key string) error

	// Ping 健康检查。
	Ping(ctx context.Context) error
}

// 包级预编译的 Lua 脚本，避免每次调用时重复编译
var (
	// delIfMatchScript: 只有持有者才能删除锁
	delIfMatchScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)

	// expireIfMatchScript: 只有持有者才能续期
	expireIfMatchScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// redisReplica 基于 go-redis 的 Replica 实现。
//
// SetNX 使用 SET key value NX PX ttl 原子写入；
// DelIfMatch 和 ExpireIfMatch 使用 Lua 脚本保证比较与操作的原子性，
// 防止误删/误续期其他持有者的锁。
type redisReplica struct {
	client redis.UniversalClient
}

// NewRedisReplica 创建基于 Redis 的副本句柄。
//
// client 可以是 *redis.Client、*redis.ClusterClient 等 UniversalClient 实现。
// 客户端的生命周期由调用者管理，Manager.Close 不会关闭它。
func NewRedisReplica(client redis.UniversalClient) (Replica, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &redisReplica{client: client}, nil
}

// WarmupScripts 预热 Lua 脚本，将脚本加载到 Redis 脚本缓存中。
//
// 建议在应用启动时对每个副本调用一次，避免首次执行时的编译开销。
// 如果 Redis 不可用，返回错误但不影响后续使用（会在首次执行时重试）。
func WarmupScripts(ctx context.Context, client redis.UniversalClient) error {
	if ctx == nil {
		return ErrNilContext
	}
	if client == nil {
		return ErrNilClient
	}
	if err := delIfMatchScript.Load(ctx, client).Err(); err != nil {
		return fmt.Errorf("load del-if-match script: %w", err)
	}
	if err := expireIfMatchScript.Load(ctx, client).Err(); err != nil {
		return fmt.Errorf("load expire-if-match script: %w", err)
	}
	return nil
}

func (r *redisReplica) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("xqlock: redis setnx failed: %w", err)
	}
	return ok, nil
}

func (r *redisReplica) DelIfMatch(ctx context.Context, key, token string) (bool, error) {
	result, err := delIfMatchScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("xqlock: redis del-if-match failed: %w", err)
	}
	return result == 1, nil
}

func (r *redisReplica) ExpireIfMatch(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	result, err := expireIfMatchScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("xqlock: redis expire-if-match failed: %w", err)
	}
	return result == 1, nil
}

func (r *redisReplica) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("xqlock: redis del failed: %w", err)
	}
	return nil
}

func (r *redisReplica) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// =============================================================================
// 熔断装饰器
// =============================================================================

// BreakerConfig 副本熔断器配置。
type BreakerConfig struct {
	// ConsecutiveFailures 连续失败多少次后打开熔断器，默认 5。
	ConsecutiveFailures uint32
	// OpenTimeout 熔断器从打开到半开的等待时间，默认 5s。
	OpenTimeout time.Duration
	// MaxRequests 半开状态下允许通过的探测请求数，默认 1。
	MaxRequests uint32
}

// defaultBreakerConfig 返回默认熔断配置。
func defaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         5 * time.Second,
		MaxRequests:         1,
	}
}

// breakerReplica 在 Replica 之上叠加熔断保护。
//
// 一个宕机的副本会让每次获取锁都白白消耗完整的单副本超时；
// 熔断打开后对该副本的调用快速失败（计为一张反对票），
// 其余副本仍可正常形成多数派。
type breakerReplica struct {
	inner Replica
	cb    *gobreaker.CircuitBreaker[bool]
}

// WrapWithBreaker 为副本叠加熔断器。
//
// name 用于熔断器标识（出现在日志和状态回调中），建议使用副本地址。
// cfg 为 nil 时使用默认配置（连续失败 5 次打开，5 秒后半开探测）。
//
// 注意：Ping 不经过熔断器，健康检查需要真实触达副本。
func WrapWithBreaker(r Replica, name string, cfg *BreakerConfig) (Replica, error) {
	if r == nil {
		return nil, ErrNilReplica
	}
	c := defaultBreakerConfig()
	if cfg != nil {
		if cfg.ConsecutiveFailures > 0 {
			c.ConsecutiveFailures = cfg.ConsecutiveFailures
		}
		if cfg.OpenTimeout > 0 {
			c.OpenTimeout = cfg.OpenTimeout
		}
		if cfg.MaxRequests > 0 {
			c.MaxRequests = cfg.MaxRequests
		}
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: c.MaxRequests,
		Timeout:     c.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// context 取消/超时是调用方行为，不计入副本故障
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return err == nil
		},
	}

	return &breakerReplica{
		inner: r,
		cb:    gobreaker.NewCircuitBreaker[bool](settings),
	}, nil
}

// wrapBreakerError 将 gobreaker 的状态错误转换为 ErrReplicaUnavailable。
func wrapBreakerError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrReplicaUnavailable, err)
	}
	return err
}

func (b *breakerReplica) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := b.cb.Execute(func() (bool, error) {
		return b.inner.SetNX(ctx, key, token, ttl)
	})
	return ok, wrapBreakerError(err)
}

func (b *breakerReplica) DelIfMatch(ctx context.Context, key, token string) (bool, error) {
	ok, err := b.cb.Execute(func() (bool, error) {
		return b.inner.DelIfMatch(ctx, key, token)
	})
	return ok, wrapBreakerError(err)
}

func (b *breakerReplica) ExpireIfMatch(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := b.cb.Execute(func() (bool, error) {
		return b.inner.ExpireIfMatch(ctx, key, token, ttl)
	})
	return ok, wrapBreakerError(err)
}

func (b *breakerReplica) Del(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (bool, error) {
		return false, b.inner.Del(ctx, key)
	})
	return wrapBreakerError(err)
}

func (b *breakerReplica) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

// 确保实现了 Replica 接口
var (
	_ Replica = (*redisReplica)(nil)
	_ Replica = (*breakerReplica)(nil)
)
