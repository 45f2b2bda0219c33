// Package queue 消息队列类型定义
package queue

import (
	"time"
)

// ============================================================================
// 消息类型
// ============================================================================

// TaskMessage 任务踢单消息
type TaskMessage struct {
	ID             string
	SubscriptionID int64
	TaskID         int64
	CreatedAt      time.Time
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// 任务队列 - 存放待驱动的订阅任务
	KeySubscriptionTasks = "nodeman:subscription:tasks"

	// 消费者组
	WorkerConsumerGroup = "workers"
)
