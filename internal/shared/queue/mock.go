// Package queue 队列 mock 实现
package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// MemoryQueue - 进程内队列实现（用于测试）
// ============================================================================

// MemoryQueue 进程内任务队列，FIFO，无持久化
type MemoryQueue struct {
	mu      sync.Mutex
	next    int64
	pending []*TaskMessage
	acked   map[string]bool
}

// NewMemoryQueue 创建 MemoryQueue 实例
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{acked: make(map[string]bool)}
}

func (q *MemoryQueue) Close() error { return nil }

func (q *MemoryQueue) PublishTask(ctx context.Context, subscriptionID, taskID int64) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	msg := &TaskMessage{
		ID:             strconv.FormatInt(q.next, 10),
		SubscriptionID: subscriptionID,
		TaskID:         taskID,
		CreatedAt:      time.Now(),
	}
	q.pending = append(q.pending, msg)
	return msg.ID, nil
}

func (q *MemoryQueue) CreateTaskConsumerGroup(ctx context.Context) error {
	return nil
}

func (q *MemoryQueue) ConsumeTasks(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*TaskMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.pending))
	if n == 0 {
		return nil, nil
	}
	if count < n {
		n = count
	}
	msgs := q.pending[:n]
	q.pending = q.pending[n:]
	return msgs, nil
}

func (q *MemoryQueue) AckTask(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[messageID] = true
	return nil
}

func (q *MemoryQueue) GetTaskQueueLength(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *MemoryQueue) GetTaskPendingCount(ctx context.Context) (int64, error) {
	return 0, nil
}

// 确保 MemoryQueue 实现了 Queue 接口
var _ Queue = (*MemoryQueue)(nil)
