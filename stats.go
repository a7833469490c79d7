package xqlock

import (
	"sync/atomic"
	"time"
)

// Stats 提供进程内的累计锁统计。
//
// 线程安全，可在任意时刻读取。不持久化，进程重启后归零；
// 需要跨进程聚合时使用 WithMeterProvider 走 OTel 导出。
type Stats struct {
	acquired atomic.Int64 // 成功获取次数
	failed   atomic.Int64 // 获取失败（重试预算耗尽）次数

	totalHold atomic.Int64 // 纳秒
	holds     atomic.Int64 // 完整持锁周期数
	maxHold   atomic.Int64 // 纳秒
}

// newStats 创建统计实例。
func newStats() *Stats {
	return &Stats{}
}

// Acquired 返回成功获取次数。
func (s *Stats) Acquired() int64 {
	return s.acquired.Load()
}

// Failed 返回获取失败次数。
func (s *Stats) Failed() int64 {
	return s.failed.Load()
}

// Attempts 返回总尝试次数（成功 + 失败）。
func (s *Stats) Attempts() int64 {
	return s.acquired.Load() + s.failed.Load()
}

// SuccessRate 返回获取成功率（0-1）。
//
// 尚无任何尝试时定义为 0；调用方用 Attempts() 区分
// "还没有数据"和"全部失败"，不要只看比率。
func (s *Stats) SuccessRate() float64 {
	total := s.Attempts()
	if total == 0 {
		return 0
	}
	return float64(s.acquired.Load()) / float64(total)
}

// AvgHold 返回平均持锁时长（获取发起到释放完成）。
func (s *Stats) AvgHold() time.Duration {
	holds := s.holds.Load()
	if holds == 0 {
		return 0
	}
	return time.Duration(s.totalHold.Load() / holds)
}

// MaxHold 返回最大持锁时长。
func (s *Stats) MaxHold() time.Duration {
	return time.Duration(s.maxHold.Load())
}

// recordAcquired 记录一次成功获取。
func (s *Stats) recordAcquired() {
	s.acquired.Add(1)
}

// recordFailed 记录一次获取失败。
func (s *Stats) recordFailed() {
	s.failed.Add(1)
}

// recordHold 记录一次完整持锁周期的时长。
func (s *Stats) recordHold(d time.Duration) {
	ns := int64(d)
	s.holds.Add(1)
	s.totalHold.Add(ns)

	// 更新最大值（CAS 循环）
	for {
		old := s.maxHold.Load()
		if ns <= old {
			break
		}
		if s.maxHold.CompareAndSwap(old, ns) {
			break
		}
	}
}

// Snapshot 统计快照，用于序列化。
type Snapshot struct {
	Acquired    int64         `json:"acquired"`
	Failed      int64         `json:"failed"`
	Attempts    int64         `json:"attempts"`
	SuccessRate float64       `json:"success_rate"`
	AvgHold     time.Duration `json:"avg_hold"`
	MaxHold     time.Duration `json:"max_hold"`
}

// Snapshot 返回当前统计的一致性快照。
// 各字段独立读取，极端并发下相互之间可能有微小偏差，够运维观察用。
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Acquired:    s.Acquired(),
		Failed:      s.Failed(),
		Attempts:    s.Attempts(),
		SuccessRate: s.SuccessRate(),
		AvgHold:     s.AvgHold(),
		MaxHold:     s.MaxHold(),
	}
}
