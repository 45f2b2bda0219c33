// Package model 定义订阅核心数据模型
//
// subscription.go 包含订阅相关的数据模型定义：
//   - Subscription：订阅（声明式意图对象）
//   - Category：订阅类别枚举（policy/once/debug）
//   - ObjectType：订阅对象类型枚举（host/service）
//   - NodeType：范围节点类型枚举（INSTANCE/TOPO/SERVICE_TEMPLATE/SET_TEMPLATE）
//   - Scope / ScopeNode：范围选择表达式
package model

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// 枚举定义
// ============================================================================

// Category 订阅类别
type Category string

const (
	// CategoryPolicy 策略：持续巡检、自动触发，受优先级抑制规则约束
	CategoryPolicy Category = "policy"

	// CategoryOnce 一次性订阅：手动触发执行一次
	CategoryOnce Category = "once"

	// CategoryDebug 调试订阅：插件调试专用
	CategoryDebug Category = "debug"
)

// ObjectType 订阅对象类型
type ObjectType string

const (
	ObjectTypeHost    ObjectType = "HOST"
	ObjectTypeService ObjectType = "SERVICE"
)

// NodeType 范围节点类型
type NodeType string

const (
	// NodeTypeInstance 实例节点：nodes 直接携带主机/服务实例标识
	NodeTypeInstance NodeType = "INSTANCE"

	// NodeTypeTopo 拓扑节点：nodes 携带 {bk_obj_id, bk_inst_id}
	NodeTypeTopo NodeType = "TOPO"

	// NodeTypeServiceTemplate 服务模板：先展开为模块，再按 TOPO 处理
	NodeTypeServiceTemplate NodeType = "SERVICE_TEMPLATE"

	// NodeTypeSetTemplate 集群模板：先展开为模块，再按 TOPO 处理
	NodeTypeSetTemplate NodeType = "SET_TEMPLATE"
)

// ============================================================================
// Scope - 范围选择表达式
// ============================================================================

// ScopeNode 范围内的单个节点
//
// 根据 NodeType 不同，生效的字段不同：
//   - INSTANCE（主机）：BkHostID 或 (IP, BkCloudID, BkSupplierID)
//   - INSTANCE（服务）：ID（服务实例 ID）
//   - TOPO：BkObjID + BkInstID
//   - SERVICE_TEMPLATE / SET_TEMPLATE：TemplateID（经 BkInstID 字段传递）
type ScopeNode struct {
	BkHostID     int64  `json:"bk_host_id,omitempty"`
	IP           string `json:"ip,omitempty"`
	BkCloudID    int64  `json:"bk_cloud_id,omitempty"`
	BkSupplierID string `json:"bk_supplier_id,omitempty"`

	// ID 服务实例 ID（object_type=SERVICE 且 node_type=INSTANCE 时使用）
	ID int64 `json:"id,omitempty"`

	// 拓扑节点标识
	BkObjID  string `json:"bk_obj_id,omitempty"`
	BkInstID int64  `json:"bk_inst_id,omitempty"`

	// BkBizID 节点所属业务（业务集展开时注入）
	BkBizID int64 `json:"bk_biz_id,omitempty"`
}

// Scope 范围选择表达式
type Scope struct {
	BkBizID    int64       `json:"bk_biz_id"`
	ObjectType ObjectType  `json:"object_type"`
	NodeType   NodeType    `json:"node_type"`
	Nodes      []ScopeNode `json:"nodes"`

	// BkBizSetID 业务集 ID（非 0 时按业务集展开）
	BkBizSetID int64 `json:"bk_biz_set_id,omitempty"`

	// NeedRegisterCloudArea 注册主机时是否需要同步云区域
	NeedRegisterCloudArea bool `json:"need_register_cloud_area,omitempty"`
}

// Fingerprint 范围指纹，用于解析结果缓存
//
// 对 scope 的 JSON 序列化取 md5。Nodes 先排序，保证指纹与节点顺序无关。
func (s *Scope) Fingerprint() string {
	nodes := make([]ScopeNode, len(s.Nodes))
	copy(nodes, s.Nodes)
	sort.Slice(nodes, func(i, j int) bool {
		bi, _ := json.Marshal(nodes[i])
		bj, _ := json.Marshal(nodes[j])
		return string(bi) < string(bj)
	})
	clone := *s
	clone.Nodes = nodes
	data, _ := json.Marshal(&clone)
	return fmt.Sprintf("%x", md5.Sum(data))
}

// ============================================================================
// Subscription - 订阅
// ============================================================================

// Subscription 订阅（声明式意图）
//
// 描述"这些目标主机（或 CMDB 拓扑节点）应当运行这些 Agent/插件及其配置"。
// 订阅创建后由执行核心负责收敛：规划、编排、执行多步工作流。
type Subscription struct {
	ID int64 `json:"id" db:"id"`

	Name     string   `json:"name,omitempty" db:"name"`
	Category Category `json:"category" db:"category"`

	// Enable 是否启用（启用的 policy 类订阅参与周期巡检）
	Enable bool `json:"enable" db:"enable"`

	ObjectType ObjectType `json:"object_type" db:"object_type"`
	NodeType   NodeType   `json:"node_type" db:"node_type"`

	Scope Scope  `json:"scope" db:"scope"`
	Steps []Step `json:"steps" db:"steps"`

	// IsMain 是否主订阅（source_type=default 进程状态行的归属者）
	IsMain bool `json:"is_main" db:"is_main"`

	// PID 父订阅 ID，根订阅为 -1
	PID int64 `json:"pid" db:"pid"`

	// BkBizScope 订阅生效的业务范围
	BkBizScope []int64 `json:"bk_biz_scope,omitempty" db:"bk_biz_scope"`

	Creator string `json:"creator,omitempty" db:"creator"`

	// IsDeleted 软删除标记
	IsDeleted bool `json:"is_deleted" db:"is_deleted"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsPolicy 判断是否策略类订阅
func (s *Subscription) IsPolicy() bool {
	return s.Category == CategoryPolicy
}

// GetStep 按 step_id 查找步骤
func (s *Subscription) GetStep(stepID string) (*Step, bool) {
	for i := range s.Steps {
		if s.Steps[i].StepID == stepID {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// GroupID 计算实例的插件组 ID
//
// 格式：sub_{subscription_id}_{object_type}_{instance_key}，跨重试稳定。
// 主机实例 key 为 bk_host_id，服务实例 key 为服务实例 ID。
func (s *Subscription) GroupID(inst *Instance) string {
	var instanceKey int64
	if s.ObjectType == ObjectTypeService && inst.Service != nil {
		instanceKey = inst.Service.ID
	} else if inst.Host != nil {
		instanceKey = inst.Host.BkHostID
	}
	return fmt.Sprintf("sub_%d_%s_%d", s.ID, lower(string(s.ObjectType)), instanceKey)
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
