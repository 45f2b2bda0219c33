// Package model 规划期实例快照
package model

import (
	"fmt"
	"strings"
)

// GSEVersion 管控通道版本
type GSEVersion string

const (
	GSEVersionV1 GSEVersion = "v1"
	GSEVersionV2 GSEVersion = "v2"
)

// Meta 注入实例的元信息
type Meta struct {
	// GSEVersion 该实例走 v1 还是 v2 管控通道
	GSEVersion GSEVersion `json:"GSE_VERSION,omitempty"`

	// StepsSummary 订阅步骤摘要（构建流水线时注入上下文）
	StepsSummary []StepSummary `json:"STEPS,omitempty"`
}

// StepSummary 步骤摘要
type StepSummary struct {
	StepID string   `json:"id"`
	Type   StepType `json:"type"`
	Action Action   `json:"action,omitempty"`
}

// HostInfo 主机快照
type HostInfo struct {
	BkHostID          int64  `json:"bk_host_id"`
	InnerIP           string `json:"bk_host_innerip"`
	OuterIP           string `json:"bk_host_outerip,omitempty"`
	BkCloudID         int64  `json:"bk_cloud_id"`
	BkCloudName       string `json:"bk_cloud_name,omitempty"`
	BkSupplierAccount string `json:"bk_supplier_account"`
	BkBizID           int64  `json:"bk_biz_id"`
	BkBizName         string `json:"bk_biz_name,omitempty"`
	BkAgentID         string `json:"bk_agent_id,omitempty"`
	OsType            string `json:"os_type"`
	CPUArch           string `json:"cpu_arch,omitempty"`

	// APID 接入点 ID，-1 表示自动选择
	APID int64 `json:"ap_id,omitempty"`

	// IsManual 是否手动安装的主机
	IsManual bool `json:"is_manual,omitempty"`
}

// HostKey 主机标识键
//
// 优先使用 bk_host_id；缺省时退化为 ip-cloud-supplier 组合键。
func (h *HostInfo) HostKey() string {
	if h.BkHostID != 0 {
		return fmt.Sprintf("%d", h.BkHostID)
	}
	return fmt.Sprintf("%s-%d-%s", h.InnerIP, h.BkCloudID, h.BkSupplierAccount)
}

// CloudIP {cloud}:{ip} 组合键（GSE v1 与 v2 legacy 寻址）
func (h *HostInfo) CloudIP() string {
	return fmt.Sprintf("%d:%s", h.BkCloudID, h.InnerIP)
}

// IsWindows 是否 Windows 机器
func (h *HostInfo) IsWindows() bool {
	return strings.EqualFold(h.OsType, "WINDOWS")
}

// ServiceInfo 服务实例快照
type ServiceInfo struct {
	ID        int64  `json:"id"`
	Name      string `json:"name,omitempty"`
	BkHostID  int64  `json:"bk_host_id"`
	BkModule  int64  `json:"bk_module_id"`
	BkBizID   int64  `json:"bk_biz_id"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// ProcessInfo 主机进程快照（用于上下文变量渲染）
type ProcessInfo struct {
	BkProcessID   int64  `json:"bk_process_id"`
	BkProcessName string `json:"bk_process_name"`
	BkFuncName    string `json:"bk_func_name,omitempty"`
	Port          string `json:"port,omitempty"`
}

// TopoNode 拓扑节点标识
type TopoNode struct {
	BkObjID  string `json:"bk_obj_id"`
	BkInstID int64  `json:"bk_inst_id"`
}

// NodeID 拓扑节点 ID，如 "module|50"
func (t TopoNode) NodeID() string {
	return fmt.Sprintf("%s|%d", t.BkObjID, t.BkInstID)
}

// Instance 规划期的具体目标
//
// 身份由规范化 node_id 决定；携带主机/服务/进程子结构快照、
// 归属拓扑范围与注入的 meta。
type Instance struct {
	Host    *HostInfo                `json:"host,omitempty"`
	Service *ServiceInfo             `json:"service,omitempty"`
	Process map[string][]ProcessInfo `json:"process,omitempty"`

	// Scope 导致该实例被纳入的拓扑节点集合
	Scope []TopoNode `json:"scope,omitempty"`

	Meta Meta `json:"meta"`
}

// NodeID 规范化实例标识：{object_type}|{node_type}|{kind}|{key}
//
// 示例："host|instance|host|1"、"service|instance|service|123"、
// "host|instance|host|127.0.0.1-0-tencent"。
func (i *Instance) NodeID(objectType ObjectType, nodeType NodeType) string {
	var kind, key string
	if objectType == ObjectTypeService && i.Service != nil {
		kind = "service"
		key = fmt.Sprintf("%d", i.Service.ID)
	} else {
		kind = "host"
		if i.Host != nil {
			key = i.Host.HostKey()
		}
	}
	return fmt.Sprintf("%s|%s|%s|%s", lower(string(objectType)), lower(string(nodeType)), kind, key)
}

// ParseNodeID 解析 node_id 的四段结构
func ParseNodeID(nodeID string) (objectType, nodeType, kind, key string, err error) {
	parts := strings.SplitN(nodeID, "|", 4)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("invalid node_id: %q", nodeID)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
