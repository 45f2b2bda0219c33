// Package lock 运行锁 mock 实现
package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLock 进程内运行锁（用于测试和单机部署）
type MemoryLock struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewMemoryLock 创建 MemoryLock 实例
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[int64]bool)}
}

func (l *MemoryLock) TryAcquire(ctx context.Context, subscriptionID int64, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[subscriptionID] {
		return false, nil
	}
	l.held[subscriptionID] = true
	return true, nil
}

func (l *MemoryLock) Release(ctx context.Context, subscriptionID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, subscriptionID)
	return nil
}

func (l *MemoryLock) Close() error { return nil }

// 确保 MemoryLock 实现了 RunLock 接口
var _ RunLock = (*MemoryLock)(nil)
