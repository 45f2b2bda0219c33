// Package lock 分布式运行锁抽象接口
//
// 同一订阅同一时刻只允许一个任务在编排/执行，锁由 etcd 租约实现。
package lock

import (
	"context"
	"time"
)

// RunLock 订阅级运行锁
type RunLock interface {
	// TryAcquire 尝试获取订阅运行锁；已被持有时返回 (false, nil)
	TryAcquire(ctx context.Context, subscriptionID int64, ttl time.Duration) (bool, error)

	// Release 释放运行锁；非持有者释放为空操作
	Release(ctx context.Context, subscriptionID int64) error

	Close() error
}
