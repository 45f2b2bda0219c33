// Package model 动作词汇表与迁移原因
package model

// Action 规划器对单实例单步骤产出的动作
type Action string

// Agent 动作（v2 变体在 meta.GSE_VERSION=v2 时发出）
const (
	ActionInstallAgent    Action = "INSTALL_AGENT"
	ActionReinstallAgent  Action = "REINSTALL_AGENT"
	ActionUpgradeAgent    Action = "UPGRADE_AGENT"
	ActionUninstallAgent  Action = "UNINSTALL_AGENT"
	ActionRestartAgent    Action = "RESTART_AGENT"
	ActionReloadAgent     Action = "RELOAD_AGENT"
	ActionInstallProxy    Action = "INSTALL_PROXY"
	ActionReinstallProxy  Action = "REINSTALL_PROXY"
	ActionUpgradeProxy    Action = "UPGRADE_PROXY"
	ActionUninstallProxy  Action = "UNINSTALL_PROXY"
	ActionRestartProxy    Action = "RESTART_PROXY"
	ActionReloadProxy     Action = "RELOAD_PROXY"
	ActionActivateAgent   Action = "ACTIVATE_AGENT"

	ActionInstallAgent2   Action = "INSTALL_AGENT_2"
	ActionReinstallAgent2 Action = "REINSTALL_AGENT_2"
	ActionUpgradeAgent2   Action = "UPGRADE_AGENT_2"
	ActionUninstallAgent2 Action = "UNINSTALL_AGENT_2"
	ActionRestartAgent2   Action = "RESTART_AGENT_2"
	ActionReloadAgent2    Action = "RELOAD_AGENT_2"
	ActionInstallProxy2   Action = "INSTALL_PROXY_2"
	ActionReinstallProxy2 Action = "REINSTALL_PROXY_2"
)

// Plugin 动作
const (
	ActionInstall    Action = "INSTALL"
	ActionUninstall  Action = "UNINSTALL"
	ActionPushConfig Action = "PUSH_CONFIG"
	ActionStart      Action = "START"
	ActionStop       Action = "STOP"
	ActionRestart    Action = "RESTART"
	ActionReload     Action = "RELOAD"
	ActionDelegate   Action = "DELEGATE"
	ActionUndelegate Action = "UNDELEGATE"

	ActionMainInstallPlugin Action = "MAIN_INSTALL_PLUGIN"
	ActionMainStopPlugin    Action = "MAIN_STOP_PLUGIN"
	ActionMainStartPlugin   Action = "MAIN_START_PLUGIN"
	ActionMainRestartPlugin Action = "MAIN_RESTART_PLUGIN"
	ActionMainReloadPlugin  Action = "MAIN_RELOAD_PLUGIN"
	ActionMainDelegatePlugin   Action = "MAIN_DELEGATE_PLUGIN"
	ActionMainUndelegatePlugin Action = "MAIN_UNDELEGATE_PLUGIN"

	ActionDebugPlugin         Action = "DEBUG_PLUGIN"
	ActionStopDebugPlugin     Action = "STOP_DEBUG_PLUGIN"
	ActionStopAndDeletePlugin Action = "STOP_AND_DELETE_PLUGIN"
)

// agentV2Map v1 动作到 v2 变体的映射
var agentV2Map = map[Action]Action{
	ActionInstallAgent:   ActionInstallAgent2,
	ActionReinstallAgent: ActionReinstallAgent2,
	ActionUpgradeAgent:   ActionUpgradeAgent2,
	ActionUninstallAgent: ActionUninstallAgent2,
	ActionRestartAgent:   ActionRestartAgent2,
	ActionReloadAgent:    ActionReloadAgent2,
	ActionInstallProxy:   ActionInstallProxy2,
	ActionReinstallProxy: ActionReinstallProxy2,
}

// ForGSEVersion 按实例的管控版本调整动作（v2 实例切换到 _2 变体）
func (a Action) ForGSEVersion(v GSEVersion) Action {
	if v != GSEVersionV2 {
		return a
	}
	if v2, ok := agentV2Map[a]; ok {
		return v2
	}
	return a
}

// IsUninstall 是否卸载语义动作
func (a Action) IsUninstall() bool {
	switch a {
	case ActionUninstall, ActionUninstallAgent, ActionUninstallAgent2,
		ActionUninstallProxy, ActionStopAndDeletePlugin:
		return true
	}
	return false
}

// ============================================================================
// 迁移原因
// ============================================================================

// MigrateType 机器可读的迁移原因标签
type MigrateType string

const (
	MigrateTypeNewInstall       MigrateType = "NEW_INSTALL"
	MigrateTypeRemoveFromScope  MigrateType = "REMOVE_FROM_SCOPE"
	MigrateTypeProcNumNotMatch  MigrateType = "PROC_NUM_NOT_MATCH"
	MigrateTypeAbnormalStatus   MigrateType = "ABNORMAL_PROC_STATUS"
	MigrateTypeVersionChange    MigrateType = "VERSION_CHANGE"
	MigrateTypeConfigChange     MigrateType = "CONFIG_CHANGE"
	MigrateTypeNotChange        MigrateType = "NOT_CHANGE"
	MigrateTypeManualOpExempt   MigrateType = "MANUAL_OP_EXEMPT"
	MigrateTypeAbnormalAgent    MigrateType = "ABNORMAL_AGENT_STATUS"
	MigrateTypeNotSyncHost      MigrateType = "NOT_SYNC_HOST"
)

// SuppressedBy 记录抑制方策略信息
type SuppressedBy struct {
	SubscriptionID int64    `json:"id"`
	Name           string   `json:"name"`
	Category       Category `json:"category"`
	BkObjID        string   `json:"bk_obj_id"`
}

// MigrateReason 规划器为实例选择动作（或不动作）的结构化记录
type MigrateReason struct {
	MigrateType MigrateType `json:"migrate_type"`

	// SuppressedBy 被更高优先级策略抑制时记录胜者
	SuppressedBy *SuppressedBy `json:"suppressed_by,omitempty"`

	// OnlyRemoveFromSub 休眠出范围：仅解除订阅归属，不触碰物理插件
	OnlyRemoveFromSub bool `json:"only_remove_from_sub,omitempty"`

	// ExceedMaxRetryTimes 自动触发下超出重试上限被抑制
	ExceedMaxRetryTimes bool `json:"exceed_max_retry_times,omitempty"`

	CurrentVersion string `json:"current_version,omitempty"`
	TargetVersion  string `json:"target_version,omitempty"`

	// AbnormalHostIDs 异常状态触发时涉及的主机
	AbnormalHostIDs []int64 `json:"abnormal_host_ids,omitempty"`
}
