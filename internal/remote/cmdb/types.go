// Package cmdb CMDB 数据类型定义
package cmdb

// Host CMDB 主机
type Host struct {
	BkHostID          int64  `json:"bk_host_id"`
	BkHostInnerIP     string `json:"bk_host_innerip"`
	BkCloudID         int64  `json:"bk_cloud_id"`
	BkSupplierAccount string `json:"bk_supplier_account"`
	BkBizID           int64  `json:"bk_biz_id,omitempty"`
	BkAgentID         string `json:"bk_agent_id,omitempty"`
	BkOsType          string `json:"bk_os_type,omitempty"`
	BkHostName        string `json:"bk_host_name,omitempty"`
}

// TopoNode 拓扑树节点
type TopoNode struct {
	BkObjID   string     `json:"bk_obj_id"`
	BkInstID  int64      `json:"bk_inst_id"`
	BkInstName string    `json:"bk_inst_name"`
	Child     []TopoNode `json:"child,omitempty"`
}

// InternalTopo 业务内置节点（空闲机/故障机池）
type InternalTopo struct {
	BkSetID   int64 `json:"bk_set_id"`
	BkSetName string `json:"bk_set_name"`
	Module    []struct {
		BkModuleID   int64  `json:"bk_module_id"`
		BkModuleName string `json:"bk_module_name"`
	} `json:"module"`
}

// ServiceInstance 服务实例
type ServiceInstance struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	BkHostID   int64  `json:"bk_host_id"`
	BkModuleID int64  `json:"bk_module_id"`
	BkBizID    int64  `json:"bk_biz_id"`
}

// HostBizRelation 主机与业务/拓扑的归属关系
type HostBizRelation struct {
	BkHostID   int64 `json:"bk_host_id"`
	BkBizID    int64 `json:"bk_biz_id"`
	BkSetID    int64 `json:"bk_set_id,omitempty"`
	BkModuleID int64 `json:"bk_module_id,omitempty"`
}

// Biz 业务
type Biz struct {
	BkBizID   int64  `json:"bk_biz_id"`
	BkBizName string `json:"bk_biz_name"`
}

// HostFilter 主机查询过滤条件，字段同时给定时取交集
type HostFilter struct {
	BkHostIDs   []int64
	BkModuleIDs []int64
	InnerIPs    []string
	BkCloudID   *int64
}
