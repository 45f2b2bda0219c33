// Package model 进程状态模型
//
// ProcessStatus 是共享基础设施：行由主机生命周期拥有，
// 由最后写入它的订阅引用。
package model

import (
	"path"
	"strings"
	"time"
)

// ProcStatus 观测到的进程状态
type ProcStatus string

const (
	ProcStatusRunning      ProcStatus = "RUNNING"
	ProcStatusTerminated   ProcStatus = "TERMINATED"
	ProcStatusUnknown      ProcStatus = "UNKNOWN"
	ProcStatusManualStop   ProcStatus = "MANUAL_STOP"
	ProcStatusNotInstalled ProcStatus = "NOT_INSTALLED"
	ProcStatusRemoved      ProcStatus = "REMOVED"
	ProcStatusAgentNoAlive ProcStatus = "AGENT_NO_ALIVE"
)

// SourceType 进程状态来源
type SourceType string

const (
	// SourceTypeDefault 默认来源（主订阅托管的官方插件）
	SourceTypeDefault SourceType = "default"

	// SourceTypeSubscription 普通订阅来源
	SourceTypeSubscription SourceType = "subscription"
)

// ProcessConfig 进程的单个配置文件快照
type ProcessConfig struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path"`
	MD5      string `json:"md5"`
	Content  string `json:"content,omitempty"`
}

// ProcessStatus 观测状态（实例 × 目标进程）
//
// 约束：同一 (bk_host_id, name, source_type, source_id) 最多一行 is_latest=true。
type ProcessStatus struct {
	ID       int64  `json:"id" db:"id"`
	BkHostID int64  `json:"bk_host_id" db:"bk_host_id"`

	// Name 插件名或 gse_agent
	Name string `json:"name" db:"name"`

	SourceType SourceType `json:"source_type" db:"source_type"`

	// SourceID 归属订阅 ID；default 来源或解除归属后为 nil
	SourceID *int64 `json:"source_id,omitempty" db:"source_id"`

	// GroupID 派生键 sub_{subscription_id}_{object_type}_{instance_key}；解除归属后置空
	GroupID string `json:"group_id" db:"group_id"`

	// BkObjID 归属策略绑定的拓扑层级（优先级抑制用）；解除归属后为 nil
	BkObjID *string `json:"bk_obj_id,omitempty" db:"bk_obj_id"`

	Status  ProcStatus `json:"status" db:"status"`
	Version string     `json:"version" db:"version"`

	ListenIP   string `json:"listen_ip,omitempty" db:"listen_ip"`
	ListenPort int    `json:"listen_port,omitempty" db:"listen_port"`

	SetupPath string `json:"setup_path" db:"setup_path"`
	PidPath   string `json:"pid_path,omitempty" db:"pid_path"`
	LogPath   string `json:"log_path,omitempty" db:"log_path"`
	DataPath  string `json:"data_path,omitempty" db:"data_path"`

	Configs []ProcessConfig `json:"configs,omitempty" db:"configs"`

	IsLatest   bool `json:"is_latest" db:"is_latest"`
	RetryTimes int  `json:"retry_times" db:"retry_times"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ConfigMD5 按配置文件名查找已落盘 md5，找不到返回空串
func (p *ProcessStatus) ConfigMD5(name string) string {
	for _, c := range p.Configs {
		if c.Name == name {
			return c.MD5
		}
	}
	return ""
}

// ReleaseOwnership 解除订阅归属（休眠出范围语义）
//
// 物理插件不动，仅放弃所有权：source_id=nil、group_id=""、bk_obj_id=nil。
func (p *ProcessStatus) ReleaseOwnership() {
	p.SourceID = nil
	p.GroupID = ""
	p.BkObjID = nil
}

// ============================================================================
// 受控主机文件布局
// ============================================================================

// PluginPaths 按接入点配置推导插件安装路径
//
// 官方插件：setup_path/plugins/{bin|etc}
// 外部插件：setup_path/external_plugins/{group_id}/{project}
type PluginPaths struct {
	SetupPath string
	BinPath   string
	EtcPath   string
	RunPath   string
	LogPath   string
	DataPath  string
}

// OfficialPluginPaths 官方插件路径
func OfficialPluginPaths(setupPath string) PluginPaths {
	return PluginPaths{
		SetupPath: setupPath,
		BinPath:   path.Join(setupPath, "plugins", "bin"),
		EtcPath:   path.Join(setupPath, "plugins", "etc"),
	}
}

// ExternalPluginPaths 外部插件路径（按 group_id 分目录）
func ExternalPluginPaths(setupPath, groupID, project string) PluginPaths {
	base := path.Join(setupPath, "external_plugins", groupID, project)
	return PluginPaths{
		SetupPath: base,
		BinPath:   base,
		EtcPath:   path.Join(base, "etc"),
	}
}

// CanonicalPath Windows 路径入库前统一为正斜杠
func CanonicalPath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// RenderPath 脚本渲染时将 Windows 路径还原为反斜杠
func RenderPath(p string, isWindows bool) string {
	if !isWindows {
		return p
	}
	return strings.ReplaceAll(p, "/", `\`)
}

// ExternalConfigName 外部插件非主配置落盘名：扩展名前追加 _{group_id}
func ExternalConfigName(name, groupID string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + groupID + ext
}
