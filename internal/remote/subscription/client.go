// Package subscription 订阅自环客户端
//
// 安装插件套餐等场景需要在新装 Agent 上发起子订阅，通过本服务自身的
// OpenAPI 回环完成，与其他外部平台走同一 resty 通道。
package subscription

import (
	"context"
	"log"

	"github.com/go-resty/resty/v2"

	"nodeman/internal/remote"
	"nodeman/internal/shared/model"
)

// TaskStatus 子订阅任务状态摘要
type TaskStatus struct {
	TaskID  int64 `json:"task_id"`
	IsReady bool  `json:"is_ready"`

	// StatusCounts 状态 → 实例数
	StatusCounts map[model.InstanceRecordStatus]int64 `json:"status_counts"`
}

// Finished 所有实例均达终态
func (s *TaskStatus) Finished() bool {
	if !s.IsReady {
		return false
	}
	for status, count := range s.StatusCounts {
		if count > 0 && !status.IsTerminal() {
			return false
		}
	}
	return true
}

// Client 子订阅客户端接口
type Client interface {
	// CreateSubscription 创建并立即运行子订阅，返回 (subscription_id, task_id)
	CreateSubscription(ctx context.Context, sub *model.Subscription) (int64, int64, error)

	// GetSubscriptionTaskStatus 查询子订阅任务状态
	GetSubscriptionTaskStatus(ctx context.Context, subscriptionID, taskID int64) (*TaskStatus, error)
}

type restClient struct {
	client *resty.Client
}

// NewClient 创建订阅自环客户端
func NewClient(cfg remote.Config) Client {
	return &restClient{client: remote.NewClient(cfg)}
}

var _ Client = (*restClient)(nil)

func (c *restClient) CreateSubscription(ctx context.Context, sub *model.Subscription) (int64, int64, error) {
	body := map[string]interface{}{
		"scope":        sub.Scope,
		"steps":        sub.Steps,
		"category":     sub.Category,
		"pid":          sub.PID,
		"run_immediately": true,
	}

	var data struct {
		SubscriptionID int64 `json:"subscription_id"`
		TaskID         int64 `json:"task_id"`
	}
	if err := remote.Call(c.client, "/subscription/create/", body, &data); err != nil {
		return 0, 0, err
	}
	log.Printf("[subscription.create_sub] pid=%d subscription=%d task=%d", sub.PID, data.SubscriptionID, data.TaskID)
	return data.SubscriptionID, data.TaskID, nil
}

func (c *restClient) GetSubscriptionTaskStatus(ctx context.Context, subscriptionID, taskID int64) (*TaskStatus, error) {
	body := map[string]interface{}{
		"subscription_id": subscriptionID,
		"task_id":         taskID,
	}

	status := &TaskStatus{}
	if err := remote.Call(c.client, "/subscription/check_task_ready/", body, status); err != nil {
		return nil, err
	}
	return status, nil
}
