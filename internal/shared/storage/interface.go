// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/ + driver/{postgres,sqlite}
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"
	"time"

	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storagetypes"
)

// ============================================================================
// 订阅
// ============================================================================

// SubscriptionStore 订阅存储接口
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) (int64, error)

	// UpdateSubscription 更新订阅（steps 整体原子替换）
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error

	// GetSubscription 获取订阅；软删除的订阅返回 storage.ErrNotFound
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)

	// DeleteSubscription 软删除
	DeleteSubscription(ctx context.Context, id int64) error

	// SetSubscriptionEnable 切换启用状态（switch 操作）
	SetSubscriptionEnable(ctx context.Context, id int64, enable bool) error

	// SetSubscriptionBizScope 切换业务范围（switch_biz 操作）
	SetSubscriptionBizScope(ctx context.Context, id int64, bizScope []int64) error

	// ListEnabledSubscriptions 列出启用的订阅（周期巡检与缓存预热）
	ListEnabledSubscriptions(ctx context.Context) ([]*model.Subscription, error)

	// ListPoliciesByPlugin 列出部署指定插件的策略订阅（优先级抑制判定）
	ListPoliciesByPlugin(ctx context.Context, pluginName string) ([]*model.Subscription, error)

	ListSubscriptionsByIDs(ctx context.Context, ids []int64) ([]*model.Subscription, error)
}

// ============================================================================
// 任务
// ============================================================================

// TaskStore 订阅任务存储接口
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.SubscriptionTask) (int64, error)

	GetTask(ctx context.Context, id int64) (*model.SubscriptionTask, error)

	// SealTask 编排完成：写入 actions 与 pipeline_id 并置 is_ready=true
	SealTask(ctx context.Context, id int64, actions map[string]model.StepActions, pipelineID string) error

	// SetTaskError 编排失败（手动触发路径）：记录 err_msg，保持 is_ready=false
	SetTaskError(ctx context.Context, id int64, errMsg string) error

	// DeleteTask 删除任务（自动触发/预览下编排失败时）
	DeleteTask(ctx context.Context, id int64) error

	ListTasksBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]*model.SubscriptionTask, error)

	GetLatestTask(ctx context.Context, subscriptionID int64) (*model.SubscriptionTask, error)
}

// ============================================================================
// 实例记录
// ============================================================================

// RecordFilter 记录查询过滤器（定义在 storagetypes，避免循环导入）
type RecordFilter = storagetypes.RecordFilter

// InstanceRecordStore 实例记录存储接口
type InstanceRecordStore interface {
	// BulkCreateRecords 批量插入新一代记录；
	// 同一事务内将被替换代的 is_latest 翻转为 false
	BulkCreateRecords(ctx context.Context, records []*model.SubscriptionInstanceRecord) error

	GetRecord(ctx context.Context, id int64) (*model.SubscriptionInstanceRecord, error)

	ListRecords(ctx context.Context, filter RecordFilter) ([]*model.SubscriptionInstanceRecord, error)

	CountRecords(ctx context.Context, filter RecordFilter) (int64, error)

	// CountActiveRecords 订阅当前 pending/running 记录数（is_running 门闸）
	CountActiveRecords(ctx context.Context, subscriptionID int64) (int64, error)

	UpdateRecordStatus(ctx context.Context, ids []int64, status model.InstanceRecordStatus) error

	// UpdateRecordPipelineID HEAD 活动推进时更新记录当前节点
	UpdateRecordPipelineID(ctx context.Context, ids []int64, pipelineID string) error

	// UpdateRecordSteps 流水线构建后回填步骤的活动节点 ID 序列
	UpdateRecordSteps(ctx context.Context, id int64, steps []model.RecordStep) error

	// ListStaleActiveRecords 查找超时仍未终态的记录（僵尸清理）
	ListStaleActiveRecords(ctx context.Context, olderThan time.Duration, limit int) ([]*model.SubscriptionInstanceRecord, error)

	// CountRecordStatuses 按状态聚合（statistic 汇总）
	CountRecordStatuses(ctx context.Context, taskID int64) (map[model.InstanceRecordStatus]int64, error)
}

// ============================================================================
// 活动状态明细
// ============================================================================

// StatusDetailStore 活动级状态明细存储接口
type StatusDetailStore interface {
	// BulkCreateDetails 批量创建明细行（HEAD 活动进入时）
	BulkCreateDetails(ctx context.Context, details []*model.SubscriptionInstanceStatusDetail) error

	// AppendDetailLog 追加日志行（append-only）
	AppendDetailLog(ctx context.Context, recordID int64, nodeID string, text string) error

	// UpdateDetailStatus 批量更新明细状态
	UpdateDetailStatus(ctx context.Context, recordIDs []int64, nodeID string, status model.InstanceRecordStatus) error

	GetDetail(ctx context.Context, recordID int64, nodeID string) (*model.SubscriptionInstanceStatusDetail, error)

	ListDetailsByRecord(ctx context.Context, recordID int64) ([]*model.SubscriptionInstanceStatusDetail, error)
}

// ============================================================================
// 进程状态
// ============================================================================

// ProcessStatusStore 进程状态存储接口
type ProcessStatusStore interface {
	// UpsertProcessStatuses 批量写入；同批次在单事务内完成，
	// 保证 (bk_host_id, name, source_type, source_id) 的 is_latest 唯一
	UpsertProcessStatuses(ctx context.Context, statuses []*model.ProcessStatus) error

	ListProcessStatusesByGroup(ctx context.Context, groupIDs []string) ([]*model.ProcessStatus, error)

	ListProcessStatusesByHosts(ctx context.Context, hostIDs []int64, name string) ([]*model.ProcessStatus, error)

	// ListProcessStatusesByHost 单主机全部最新进程状态（query_host_policy）
	ListProcessStatusesByHost(ctx context.Context, hostID int64) ([]*model.ProcessStatus, error)

	ListProcessStatusesBySource(ctx context.Context, sourceID int64, name string) ([]*model.ProcessStatus, error)

	// ReleaseProcessOwnership 休眠出范围：source_id=nil、group_id=''、bk_obj_id=nil
	ReleaseProcessOwnership(ctx context.Context, ids []int64) error

	SetProcessStatus(ctx context.Context, ids []int64, status model.ProcStatus) error

	// IncrementProcessRetry 重试计数 +1
	IncrementProcessRetry(ctx context.Context, ids []int64) error

	// ResetProcessRetry 手动触发时清零重试计数
	ResetProcessRetry(ctx context.Context, ids []int64) error
}

// ============================================================================
// 流水线树 / 全局配置
// ============================================================================

// PipelineTreeStore 工作流树持久化接口
type PipelineTreeStore interface {
	// SavePipelineTree 执行前持久化整棵树
	SavePipelineTree(ctx context.Context, id string, tree []byte) error

	GetPipelineTree(ctx context.Context, id string) ([]byte, error)

	// DeletePipelineTreesBefore 工作流树 GC，返回删除行数
	DeletePipelineTreesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// SettingsStore 全局可调参数接口（key-value，值为 JSON 文本）
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key string, value string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	SubscriptionStore
	TaskStore
	InstanceRecordStore
	StatusDetailStore
	ProcessStatusStore
	PipelineTreeStore
	SettingsStore

	Close() error
}
