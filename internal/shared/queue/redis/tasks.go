// Package redis TaskQueue 操作
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"nodeman/internal/shared/queue"
)

// PublishTask 投递任务踢单消息
func (s *Store) PublishTask(ctx context.Context, subscriptionID, taskID int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: queue.KeySubscriptionTasks,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"subscription_id": subscriptionID,
			"task_id":         taskID,
			"created_at":      time.Now().Format(time.RFC3339Nano),
		},
	}

	msgID, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish task %d: %w", taskID, err)
	}

	log.Printf("[Redis/Queue] Published task: subscription=%d task=%d msg_id=%s", subscriptionID, taskID, msgID)
	return msgID, nil
}

// CreateTaskConsumerGroup 创建 worker 消费者组
func (s *Store) CreateTaskConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeySubscriptionTasks, queue.WorkerConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create task consumer group: %w", err)
	}
	return nil
}

// ConsumeTasks 消费待驱动的任务
func (s *Store) ConsumeTasks(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.TaskMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.WorkerConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeySubscriptionTasks, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume tasks: %w", err)
	}

	var messages []*queue.TaskMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			m := &queue.TaskMessage{
				ID: msg.ID,
			}
			if v, ok := msg.Values["subscription_id"].(string); ok {
				m.SubscriptionID, _ = strconv.ParseInt(v, 10, 64)
			}
			if v, ok := msg.Values["task_id"].(string); ok {
				m.TaskID, _ = strconv.ParseInt(v, 10, 64)
			}
			if v, ok := msg.Values["created_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					m.CreatedAt = t
				}
			}
			messages = append(messages, m)
		}
	}

	if len(messages) > 0 {
		log.Printf("[Redis/Queue] Consumed %d tasks: consumer=%s", len(messages), consumerID)
	}

	return messages, nil
}

// AckTask 确认任务消息已处理
func (s *Store) AckTask(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeySubscriptionTasks, queue.WorkerConsumerGroup, messageID).Err()
}

// GetTaskQueueLength 获取任务队列长度
func (s *Store) GetTaskQueueLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeySubscriptionTasks).Result()
}

// GetTaskPendingCount 获取未确认任务消息数量
func (s *Store) GetTaskPendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, queue.KeySubscriptionTasks, queue.WorkerConsumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}
