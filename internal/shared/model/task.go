// Package model 订阅任务与实例记录
//
// task.go 包含一次执行尝试的数据模型：
//   - SubscriptionTask：一次执行尝试（run/retry 时创建）
//   - SubscriptionInstanceRecord：任务内单实例记录
//   - SubscriptionInstanceStatusDetail：活动级状态行（追加日志）
//
// 状态层次：
//   - Task 级：is_ready 门闸（流水线未就绪前不得驱动）
//   - Record 级：pending → running → success/failed/ignored（单调更新）
//   - Detail 级：每个活动对每个实例一行
package model

import (
	"time"
)

// ============================================================================
// SubscriptionTask
// ============================================================================

// StepActions 单实例的 step_id → action 映射
type StepActions map[string]Action

// SubscriptionTask 一次执行尝试
//
// is_ready=false 时要么仍在编排流水线，要么编排失败且 err_msg 非空；
// is_ready=true 之前流水线绝不允许被驱动。
type SubscriptionTask struct {
	ID             int64 `json:"id" db:"id"`
	SubscriptionID int64 `json:"subscription_id" db:"subscription_id"`

	// ScopeSnapshot 创建任务时的范围快照
	ScopeSnapshot Scope `json:"scope" db:"scope"`

	// Actions instance_id → {step_id → action}
	Actions map[string]StepActions `json:"actions" db:"actions"`

	// PipelineID 工作流根节点 ID
	PipelineID string `json:"pipeline_id" db:"pipeline_id"`

	IsReady       bool   `json:"is_ready" db:"is_ready"`
	IsAutoTrigger bool   `json:"is_auto_trigger" db:"is_auto_trigger"`
	ErrMsg        string `json:"err_msg,omitempty" db:"err_msg"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ============================================================================
// SubscriptionInstanceRecord
// ============================================================================

// InstanceRecordStatus 实例记录状态
type InstanceRecordStatus string

const (
	InstanceStatusPending InstanceRecordStatus = "PENDING"
	InstanceStatusRunning InstanceRecordStatus = "RUNNING"
	InstanceStatusSuccess InstanceRecordStatus = "SUCCESS"
	InstanceStatusFailed  InstanceRecordStatus = "FAILED"
	InstanceStatusIgnored InstanceRecordStatus = "IGNORED"
)

// IsTerminal 是否终态
func (s InstanceRecordStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusSuccess, InstanceStatusFailed, InstanceStatusIgnored:
		return true
	}
	return false
}

// RecordStep 记录内的步骤描述（含已解析的活动根 ID）
type RecordStep struct {
	StepID string   `json:"id"`
	Type   StepType `json:"type"`
	Action Action   `json:"action"`

	// PipelineID 该步骤首个活动的节点 ID
	PipelineID string `json:"pipeline_id,omitempty"`

	// ActivityIDs 步骤的活动节点 ID 序列（头到尾）
	ActivityIDs []string `json:"node_ids,omitempty"`
}

// SubscriptionInstanceRecord 任务内单实例记录
//
// 约束：同一 (subscription_id, instance_id) 最多一行 is_latest=true。
type SubscriptionInstanceRecord struct {
	ID             int64  `json:"id" db:"id"`
	SubscriptionID int64  `json:"subscription_id" db:"subscription_id"`
	TaskID         int64  `json:"task_id" db:"task_id"`
	InstanceID     string `json:"instance_id" db:"instance_id"`

	// InstanceInfo 规划时冻结的实例快照，供活动使用
	InstanceInfo Instance `json:"instance_info" db:"instance_info"`

	Steps []RecordStep `json:"steps" db:"steps"`

	// PipelineID 实例子 DAG 根（随 HEAD 活动推进而更新）
	PipelineID string `json:"pipeline_id,omitempty" db:"pipeline_id"`

	Status InstanceRecordStatus `json:"status" db:"status"`

	IsLatest  bool `json:"is_latest" db:"is_latest"`
	NeedClean bool `json:"need_clean" db:"need_clean"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GetStep 按 step_id 查找记录步骤
func (r *SubscriptionInstanceRecord) GetStep(stepID string) (*RecordStep, bool) {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i], true
		}
	}
	return nil, false
}

// ============================================================================
// SubscriptionInstanceStatusDetail
// ============================================================================

// SubscriptionInstanceStatusDetail 活动级状态行
//
// log 为追加式文本，行格式 [YYYY-MM-DD HH:MM:SS LEVEL] message。
type SubscriptionInstanceStatusDetail struct {
	ID               int64  `json:"id" db:"id"`
	InstanceRecordID int64  `json:"instance_record_id" db:"instance_record_id"`

	// NodeID 流水线内活动节点 ID
	NodeID string `json:"node_id" db:"node_id"`

	Status InstanceRecordStatus `json:"status" db:"status"`
	Log    string               `json:"log" db:"log"`

	CreatedAt time.Time `json:"create_time" db:"created_at"`
	UpdatedAt time.Time `json:"update_time" db:"updated_at"`
}
