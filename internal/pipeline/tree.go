// Package pipeline 工作流构建与驱动
//
// DAG 形状固定：
//
//	start → parallel_gateway ─┬─► slice₁ → converge_gateway → end
//	                          ├─► slice₂ ─┤
//	                          └─► …       ┘
//
// 每个 slice 是一条串行活动链，承载同指纹分组内至多 TASK_HOST_LIMIT
// 个实例。整棵树先持久化再执行。
package pipeline

import (
	"encoding/json"
	"time"

	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
)

// ActivityTag 活动位置标记
type ActivityTag string

const (
	TagHead     ActivityTag = "HEAD"
	TagTail     ActivityTag = "TAIL"
	TagHeadTail ActivityTag = "HEAD_TAIL"
)

// IsHead 是否承担 HEAD 职责（建明细行、推进记录指针）
func (t ActivityTag) IsHead() bool {
	return t == TagHead || t == TagHeadTail
}

// IsTail 是否承担 TAIL 职责（敲定实例记录终态）
func (t ActivityTag) IsTail() bool {
	return t == TagTail || t == TagHeadTail
}

// Activity 流水线内单个活动节点
type Activity struct {
	ID   string      `json:"id"`
	Code string      `json:"code"`
	Name string      `json:"act_name"`
	Tag  ActivityTag `json:"tag,omitempty"`

	// StepID 所属订阅步骤（上下文变量 subscription_step_id）
	StepID string `json:"subscription_step_id"`

	Params map[string]interface{} `json:"params,omitempty"`
}

// Slice 并行网关下的一条串行子流程
type Slice struct {
	ID string `json:"id"`

	// Fingerprint 分组指纹 md5({meta, step_actions})
	Fingerprint string `json:"fingerprint"`

	// RecordIDs 本子流程承载的实例记录 ID（首个活动的全量输入）
	RecordIDs []int64 `json:"subscription_instance_ids"`

	Activities []Activity `json:"activities"`
}

// Tree 整棵工作流树
type Tree struct {
	// ID 根节点 ID，即任务的 pipeline_id
	ID string `json:"id"`

	SubscriptionID int64 `json:"subscription_id"`
	TaskID         int64 `json:"task_id"`

	// Meta 注入上下文（GSE_VERSION 与 STEPS 摘要）
	Meta model.Meta `json:"meta"`

	// Language / Description 上下文变量
	Language    string `json:"blueking_language,omitempty"`
	Description string `json:"description,omitempty"`

	Slices []Slice `json:"slices"`

	CreatedAt time.Time `json:"created_at"`
}

// Marshal 序列化为持久化字节
func (t *Tree) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, errs.Wrap(errs.ErrPipelineTreeParseError, err)
	}
	return data, nil
}

// Unmarshal 从持久化字节还原
func Unmarshal(data []byte) (*Tree, error) {
	tree := &Tree{}
	if err := json.Unmarshal(data, tree); err != nil {
		return nil, errs.Wrap(errs.ErrPipelineTreeParseError, err)
	}
	return tree, nil
}
