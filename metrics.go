package xqlock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationVersion = "0.1.0"

// 设计决策: 指标前缀使用 "xqlock.*"，与 OTel Meter scope name 保持一致
// （Meter("xqlock")），避免与 scope 名称产生冗余嵌套。
const (
	// metricNameAcquireTotal 获取锁次数计数器
	metricNameAcquireTotal = "xqlock.acquire.total"
	// metricNameAcquireDuration 获取锁耗时直方图
	metricNameAcquireDuration = "xqlock.acquire.duration"
	// metricNameHoldDuration 持锁总时长直方图（获取到释放完成）
	metricNameHoldDuration = "xqlock.hold.duration"
	// metricNameExtendTotal 续期次数计数器
	metricNameExtendTotal = "xqlock.extend.total"
	// metricNameReleaseTotal 释放次数计数器
	metricNameReleaseTotal = "xqlock.release.total"
	// metricNameForceReleaseTotal 强制释放次数计数器。
	// 强制释放只该出现在人工运维场景，生产环境此计数器增长即应告警。
	metricNameForceReleaseTotal = "xqlock.force_release.total"
)

// 指标标签 key
const (
	attrResource = "resource"
	attrAcquired = "acquired"
	attrSuccess  = "success"
)

// durationBuckets 耗时直方图的桶边界（秒）
var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 30.0}

// Metrics 锁操作指标收集器。
// 所有方法对 nil 接收者安全（不收集指标时为 nil）。
type Metrics struct {
	meter                metric.Meter
	acquireTotal         metric.Int64Counter
	acquireDuration      metric.Float64Histogram
	holdDuration         metric.Float64Histogram
	extendTotal          metric.Int64Counter
	releaseTotal         metric.Int64Counter
	forceReleaseTotal    metric.Int64Counter
	disableResourceLabel bool
}

// MetricsOption 指标收集器配置选项。
type MetricsOption func(*Metrics)

// MetricsWithDisableResourceLabel 禁用 resource 标签。
// 锁 key 常包含用户/牌桌 ID 等动态成分，启用此选项可避免高基数问题。
func MetricsWithDisableResourceLabel() MetricsOption {
	return func(m *Metrics) {
		m.disableResourceLabel = true
	}
}

// NewMetrics 创建指标收集器。
// 如果 meterProvider 为 nil，返回 nil（不收集指标）。
func NewMetrics(meterProvider metric.MeterProvider, opts ...MetricsOption) (*Metrics, error) {
	if meterProvider == nil {
		return nil, nil
	}

	m := &Metrics{}
	for _, opt := range opts {
		opt(m)
	}

	m.meter = meterProvider.Meter("xqlock",
		metric.WithInstrumentationVersion(instrumentationVersion),
	)

	var err error
	if m.acquireTotal, err = m.meter.Int64Counter(metricNameAcquireTotal,
		metric.WithDescription("锁获取次数"), metric.WithUnit("{acquire}")); err != nil {
		return nil, err
	}
	if m.acquireDuration, err = m.meter.Float64Histogram(metricNameAcquireDuration,
		metric.WithDescription("锁获取耗时（含重试）"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return nil, err
	}
	if m.holdDuration, err = m.meter.Float64Histogram(metricNameHoldDuration,
		metric.WithDescription("持锁总时长"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return nil, err
	}
	if m.extendTotal, err = m.meter.Int64Counter(metricNameExtendTotal,
		metric.WithDescription("锁续期次数"), metric.WithUnit("{extend}")); err != nil {
		return nil, err
	}
	if m.releaseTotal, err = m.meter.Int64Counter(metricNameReleaseTotal,
		metric.WithDescription("锁释放次数"), metric.WithUnit("{release}")); err != nil {
		return nil, err
	}
	if m.forceReleaseTotal, err = m.meter.Int64Counter(metricNameForceReleaseTotal,
		metric.WithDescription("强制释放次数"), metric.WithUnit("{release}")); err != nil {
		return nil, err
	}

	return m, nil
}

// baseAttrs 构造公共标签。
func (m *Metrics) baseAttrs(resource string) []attribute.KeyValue {
	if m.disableResourceLabel {
		return nil
	}
	return []attribute.KeyValue{attribute.String(attrResource, resource)}
}

// RecordAcquire 记录一次获取结果（含重试耗时）。
func (m *Metrics) RecordAcquire(ctx context.Context, resource string, acquired bool, duration time.Duration) {
	if m == nil {
		return
	}

	// 使用 context.WithoutCancel 确保即使 ctx 被取消，指标仍能记录
	metricsCtx := context.WithoutCancel(ctx)

	attrs := append(m.baseAttrs(resource), attribute.Bool(attrAcquired, acquired))
	m.acquireTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
	m.acquireDuration.Record(metricsCtx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordHold 记录一次完整 WithLock 周期的持锁时长。
func (m *Metrics) RecordHold(ctx context.Context, resource string, duration time.Duration) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)
	m.holdDuration.Record(metricsCtx, duration.Seconds(), metric.WithAttributes(m.baseAttrs(resource)...))
}

// RecordExtend 记录一次续期。
func (m *Metrics) RecordExtend(ctx context.Context, resource string, success bool) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)
	attrs := append(m.baseAttrs(resource), attribute.Bool(attrSuccess, success))
	m.extendTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
}

// RecordRelease 记录一次释放。
func (m *Metrics) RecordRelease(ctx context.Context, resource string, success bool) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)
	attrs := append(m.baseAttrs(resource), attribute.Bool(attrSuccess, success))
	m.releaseTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
}

// RecordForceRelease 记录一次强制释放。
func (m *Metrics) RecordForceRelease(ctx context.Context, resource string) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)
	m.forceReleaseTotal.Add(metricsCtx, 1, metric.WithAttributes(m.baseAttrs(resource)...))
}
