// Package xqlock 提供基于多数派（Redlock 风格）的分布式互斥锁，
// 用于保护多个无状态服务实例并行操作的资金类共享状态
// （账户余额、公共资金池、对局状态迁移等）。
//
// # 设计理念
//
// 锁服务只负责用获取/释放协议把调用方提供的临界区函数包起来，
// 从不读写应用状态本身：
//   - 副本注入：N 个互不同步的锁存储副本（[Replica]）由调用方注入，
//     被视为不可靠的黑盒，只需支持带过期的条件写入/删除/续期
//   - 多数派判定：只有严格多数（> N/2）副本接受同一 token、
//     且扣除耗时和时钟漂移余量后有效期仍为正，获取才算成功
//   - fencing token：每次获取铸造全新的不可猜测 token，
//     只有持有相同 token 的 handle 能续期或释放
//   - TTL 自愈：持有者崩溃不释放时，锁在 TTL×(1−driftFactor)
//     内自动过期，互斥的最大失效窗口有界
//
// # 核心概念
//
//   - [Manager]: 入口，进程启动时构造一次，依赖注入传递（无全局单例）
//   - [WithLock] / [Manager.WithLock]: 推荐入口，获取 → 执行 → 保证释放
//   - [Handle]: 一次成功获取的凭证，长任务用它手动 Extend/Release
//   - [Config] 与预设 [Fast]/[Standard]/[Long]/[Critical]:
//     按操作类别递进的 (TTL, 重试次数, 重试间隔, 抖动) 组合
//
// # 典型用法
//
//	replicas := make([]xqlock.Replica, 0, 3)
//	for _, addr := range addrs { // 奇数个，生产建议 ≥3
//	    r, _ := xqlock.NewRedisReplica(redis.NewClient(&redis.Options{Addr: addr}))
//	    replicas = append(replicas, r)
//	}
//	m, err := xqlock.NewManager(replicas)
//	if err != nil {
//	    return err
//	}
//
//	result := xqlock.WithLock(ctx, m, "user:42:balance",
//	    func(ctx context.Context) (int64, error) {
//	        // 读最新状态 → 计算 → 持久化，全部在临界区内完成
//	        return debit(ctx, 42, amount)
//	    },
//	    xqlock.WithConfig(xqlock.Critical()),
//	)
//	switch {
//	case result.Success:
//	    // result.Data 为新余额
//	case errors.Is(result.Err, xqlock.ErrAcquireTimeout):
//	    // 系统繁忙，向上游返回"请重试"，不是硬失败
//	case errors.Is(result.Err, xqlock.ErrExecutionFailed):
//	    // 业务错误（如余额不足），锁已释放，原始错误在错误链中
//	}
//
// # 能保证什么、不保证什么
//
// 对单个 key：任意时刻至多一个 handle 同时拥有多数派认可和未过期的
// 有效期，成功获取的 WithLock 调用之间全序、不重叠。跨 key 之间没有
// 任何顺序约束。临界区函数一旦开始执行就不可抢占，TTL 只兜底崩溃
// 场景——TTL 必须选得比预期执行时长宽裕，时长不可预测时配合续期。
//
// 本包不是事务管理器，也不是复制日志的共识系统。
package xqlock
