// Package queue 消息队列抽象接口
//
// 提供任务分发和消费的队列能力，当前由 Redis Streams 实现。
// api-server 在创建订阅任务后投递踢单消息，worker 消费后驱动流水线。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// TaskQueue 订阅任务队列接口
type TaskQueue interface {
	// PublishTask 投递任务踢单消息
	PublishTask(ctx context.Context, subscriptionID, taskID int64) (string, error)
	CreateTaskConsumerGroup(ctx context.Context) error
	ConsumeTasks(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*TaskMessage, error)
	AckTask(ctx context.Context, messageID string) error
	GetTaskQueueLength(ctx context.Context) (int64, error)
	GetTaskPendingCount(ctx context.Context) (int64, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Queue 消息队列组合接口
type Queue interface {
	TaskQueue
	Close() error
}
