// Package model 订阅步骤定义
package model

// StepType 步骤类型
type StepType string

const (
	StepTypeAgent  StepType = "AGENT"
	StepTypePlugin StepType = "PLUGIN"
)

// ConfigTemplateRef 配置模板引用
type ConfigTemplateRef struct {
	// Name 配置文件名（如 bkmonitorbeat.conf）
	Name string `json:"name"`

	Version string `json:"version,omitempty"`

	// IsMain 是否主配置（外部插件的非主配置落盘时追加 _{group_id} 后缀）
	IsMain bool `json:"is_main"`

	// Content 模板内容（渲染引擎视为纯函数的输入）
	Content string `json:"content,omitempty"`

	// FileTargetPath 下发目标目录（为空时使用进程 setup_path 推导）
	FileTargetPath string `json:"file_target_path,omitempty"`
}

// StepConfig 步骤配置
type StepConfig struct {
	// JobType AGENT 步骤的指定动作（install_agent 等）；为空表示按默认规则推导
	JobType string `json:"job_type,omitempty"`

	// PluginName / PluginVersion PLUGIN 步骤的目标插件包
	PluginName    string `json:"plugin_name,omitempty"`
	PluginVersion string `json:"plugin_version,omitempty"`

	ConfigTemplates []ConfigTemplateRef `json:"config_templates,omitempty"`

	// CheckAndSkip 策略巡检时绕过决策表，按 GSE 实时进程状态判定
	CheckAndSkip bool `json:"check_and_skip,omitempty"`

	// IsVersionSensitive CheckAndSkip 模式下是否校验版本
	IsVersionSensitive bool `json:"is_version_sensitive,omitempty"`
}

// StepParams 步骤参数
type StepParams struct {
	// Context 配置渲染上下文变量
	Context map[string]interface{} `json:"context,omitempty"`

	// PortRange 监听端口范围（如 "9000-9100"）
	PortRange string `json:"port_range,omitempty"`

	// KeepConfigStrategy 卸载时的配置保留策略
	KeepConfigStrategy string `json:"keep_config_strategy,omitempty"`

	// NoRestart 下发配置后是否跳过进程重启
	NoRestart bool `json:"no_restart,omitempty"`
}

// Step 订阅内一个有序关注点
//
// 任务运行期间不可变；订阅更新时整体原子替换。
type Step struct {
	// StepID 订阅内唯一标识（通常为插件名或 agent）
	StepID string `json:"id"`

	Type StepType `json:"type"`

	Config StepConfig `json:"config"`
	Params StepParams `json:"params"`

	// Index 步骤顺序
	Index int `json:"index"`
}
