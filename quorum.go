package xqlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// minReplicaTimeout 单副本调用超时的下限。
	// TTL×TimeoutFactor 在短 TTL 下会小到无法完成一次网络往返。
	minReplicaTimeout = 50 * time.Millisecond

	// releaseReplicaTimeout 释放/强制释放时的单副本超时。
	// 释放不受 TTL 约束，给一个固定且宽松的上限。
	releaseReplicaTimeout = 1 * time.Second

	// cleanupTimeout 独立清理上下文的总超时。
	// 调用方 ctx 已取消时，释放和回滚换用此上下文尽力完成。
	cleanupTimeout = 5 * time.Second
)

// replicaTimeout 计算单副本调用超时。
func (m *Manager) replicaTimeout(ttl time.Duration) time.Duration {
	t := time.Duration(float64(ttl) * m.timeoutFactor)
	if t < minReplicaTimeout {
		t = minReplicaTimeout
	}
	return t
}

// driftOf 计算 TTL 对应的时钟漂移余量。
func (m *Manager) driftOf(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl) * m.driftFactor)
}

// fanOut 并发地对每个副本执行 op，带单副本超时。
//
// 与 errgroup 不同，任何一个副本出错都不会取消其余副本的调用：
// 多数派协议里每一票都要数，错误是数据而不是控制流。
// 返回每个副本的赞成结果和错误，下标与 m.replicas 一致。
func (m *Manager) fanOut(ctx context.Context, timeout time.Duration, op func(ctx context.Context, r Replica) (bool, error)) ([]bool, []error) {
	n := len(m.replicas)
	acks := make([]bool, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i, r := range m.replicas {
		i, r := i, r
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			acks[i], errs[i] = op(callCtx, r)
		}()
	}
	wg.Wait()

	return acks, errs
}

// countVotes 统计赞成票数。
func countVotes(acks []bool) int {
	votes := 0
	for _, ok := range acks {
		if ok {
			votes++
		}
	}
	return votes
}

// acquireQuorum 执行一次多数派获取尝试。
//
// 流程：铸造全新 token → 并发向所有副本条件写入 → 统计赞成票。
// 仅当赞成票 > N/2 且 TTL−耗时−漂移余量 仍为正时才算成功；
// 否则对已接受的副本尽力回滚条件删除（避免残留一个无多数派、
// 只能等自然过期的半截锁），并返回 [ErrAcquireTimeout]。
func (m *Manager) acquireQuorum(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()
	start := time.Now()

	acks, _ := m.fanOut(ctx, m.replicaTimeout(ttl), func(ctx context.Context, r Replica) (bool, error) {
		return r.SetNX(ctx, key, token, ttl)
	})
	votes := countVotes(acks)

	validity := ttl - time.Since(start) - m.driftOf(ttl)
	if votes >= m.quorum && validity > 0 {
		return &Handle{
			manager:    m,
			key:        key,
			token:      token,
			state:      StateLocked,
			ttl:        ttl,
			validUntil: start.Add(ttl - m.driftOf(ttl)),
			accepted:   votes,
		}, nil
	}

	m.rollbackPartial(ctx, key, token, acks)
	return nil, fmt.Errorf("%w: %d/%d replicas accepted, validity %s", ErrAcquireTimeout, votes, len(m.replicas), validity)
}

// rollbackPartial 对接受了本次 token 的副本尽力回滚。
// 回滚失败只能靠各副本的 TTL 自愈，这里不关心结果。
func (m *Manager) rollbackPartial(ctx context.Context, key, token string, acks []bool) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i, accepted := range acks {
		if !accepted {
			continue
		}
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(cleanupCtx, releaseReplicaTimeout)
			defer cancel()
			_, _ = m.replicas[i].DelIfMatch(callCtx, key, token)
		}()
	}
	wg.Wait()
}

// releaseQuorum 向所有副本发出条件删除。
//
// 尽力而为：联系不到的副本依赖其 TTL 自清理。token 不匹配（锁已
// 过期或被他人重新获取）不是错误——释放必须幂等。仅当出错的副本
// 多到连多数派都没触达时返回 [ErrReleaseFailed]。
func (m *Manager) releaseQuorum(ctx context.Context, key, token string) error {
	// ctx 已取消时换用独立清理上下文，让释放尽力完成
	if ctx.Err() != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		ctx = cleanupCtx
	}

	_, errs := m.fanOut(ctx, releaseReplicaTimeout, func(ctx context.Context, r Replica) (bool, error) {
		return r.DelIfMatch(ctx, key, token)
	})

	reached := 0
	for _, err := range errs {
		if err == nil {
			reached++
		}
	}
	if reached < m.quorum {
		return fmt.Errorf("%w: reached %d/%d replicas: %w", ErrReleaseFailed, reached, len(m.replicas), errors.Join(errs...))
	}
	return nil
}

// extendQuorum 向所有副本发出条件续期，要求多数派确认。
//
// 返回新的有效期截止时刻和确认续期的副本数。确认数不足多数派
// （部分副本中锁已悄悄过期）或剩余有效期不为正时返回 [ErrExtendFailed]。
func (m *Manager) extendQuorum(ctx context.Context, key, token string, ttl time.Duration) (time.Time, int, error) {
	start := time.Now()

	acks, _ := m.fanOut(ctx, m.replicaTimeout(ttl), func(ctx context.Context, r Replica) (bool, error) {
		return r.ExpireIfMatch(ctx, key, token, ttl)
	})
	votes := countVotes(acks)

	validity := ttl - time.Since(start) - m.driftOf(ttl)
	if votes >= m.quorum && validity > 0 {
		return start.Add(ttl - m.driftOf(ttl)), votes, nil
	}
	return time.Time{}, votes, fmt.Errorf("%w: %d/%d replicas confirmed, validity %s", ErrExtendFailed, votes, len(m.replicas), validity)
}

// forceReleaseQuorum 无条件删除每个副本上的 key，不检查 token。
func (m *Manager) forceReleaseQuorum(ctx context.Context, key string) error {
	_, errs := m.fanOut(ctx, releaseReplicaTimeout, func(ctx context.Context, r Replica) (bool, error) {
		return false, r.Del(ctx, key)
	})
	return errors.Join(errs...)
}
