package xqlock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omeyang/xqlock"
)

// errReplicaDown 故障注入用的副本错误。
var errReplicaDown = errors.New("replica down")

// fakeEntry 副本中一条锁记录。
type fakeEntry struct {
	token     string
	expiresAt time.Time
}

// fakeReplica 进程内的 Replica 假实现，带故障注入和调用时间记录。
// TTL 用真实时钟判定，测试里配合短 TTL 使用。
type fakeReplica struct {
	mu         sync.Mutex
	data       map[string]fakeEntry
	setNXTimes []time.Time

	failing atomic.Bool
}

func newFakeReplica() *fakeReplica {
	return &fakeReplica{data: make(map[string]fakeEntry)}
}

// setFailing 切换副本的故障状态。
func (f *fakeReplica) setFailing(v bool) {
	f.failing.Store(v)
}

// get 返回 key 当前未过期的记录。
func (f *fakeReplica) get(key string) (fakeEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok || time.Now().After(e.expiresAt) {
		return fakeEntry{}, false
	}
	return e, true
}

// setNXCallTimes 返回 SetNX 的调用时间序列（含失败副本上的调用）。
func (f *fakeReplica) setNXCallTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.setNXTimes))
	copy(out, f.setNXTimes)
	return out
}

func (f *fakeReplica) SetNX(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.setNXTimes = append(f.setNXTimes, time.Now())
	if f.failing.Load() {
		return false, errReplicaDown
	}

	if e, ok := f.data[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	f.data[key] = fakeEntry{token: token, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (f *fakeReplica) DelIfMatch(_ context.Context, key, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing.Load() {
		return false, errReplicaDown
	}

	e, ok := f.data[key]
	if !ok || time.Now().After(e.expiresAt) || e.token != token {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}

func (f *fakeReplica) ExpireIfMatch(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing.Load() {
		return false, errReplicaDown
	}

	e, ok := f.data[key]
	if !ok || time.Now().After(e.expiresAt) || e.token != token {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	f.data[key] = e
	return true, nil
}

func (f *fakeReplica) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing.Load() {
		return errReplicaDown
	}
	delete(f.data, key)
	return nil
}

func (f *fakeReplica) Ping(_ context.Context) error {
	if f.failing.Load() {
		return errReplicaDown
	}
	return nil
}

var _ xqlock.Replica = (*fakeReplica)(nil)

// newFakeFleet 创建 n 个假副本和对应的 Manager。
func newFakeFleet(n int, opts ...xqlock.ManagerOption) ([]*fakeReplica, *xqlock.Manager, error) {
	fakes := make([]*fakeReplica, n)
	replicas := make([]xqlock.Replica, n)
	for i := range fakes {
		fakes[i] = newFakeReplica()
		replicas[i] = fakes[i]
	}
	m, err := xqlock.NewManager(replicas, opts...)
	return fakes, m, err
}
