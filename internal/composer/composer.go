// Package composer 动作编排
//
// 将 (步骤类型, 动作) 确定性地解析为活动描述符序列（头到尾）。
// 序列本身不携带 HEAD/TAIL 标记，由流水线构建器按位置打标。
package composer

import (
	"strings"

	"nodeman/internal/remote/gse"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
)

// 活动类型码
const (
	// Agent 链
	CodeAddOrUpdateHosts      = "add_or_update_hosts"
	CodeQueryPassword         = "query_password"
	CodeChooseAP              = "choose_access_point"
	CodePushAgentPkgToProxy   = "push_agent_pkg_to_proxy"
	CodeInstall               = "install"
	CodeUninstall             = "uninstall"
	CodeRestartAgent          = "restart"
	CodeReloadAgent           = "reload_agent"
	CodePushUpgradePackage    = "push_upgrade_package"
	CodeRunUpgradeCommand     = "run_upgrade_command"
	CodeWait                  = "wait"
	CodeGetAgentStatus        = "get_agent_status"
	CodePushHostIdentifier    = "push_host_identifier"
	CodePushEnvironFiles      = "push_environ_files"
	CodeInstallPlugins        = "install_plugins"
	CodeConfigurePolicy       = "configure_policy"
	CodeCheckPolicyGseToProxy = "check_policy_gse_to_proxy"
	CodeStartNginx            = "start_nginx"

	// Plugin 链
	CodeInitProcessStatus       = "init_process_status"
	CodeTransferScript          = "transfer_script"
	CodeTransferPackage         = "transfer_package"
	CodeInstallPackage          = "install_package"
	CodeRenderAndPushConfig     = "render_and_push_config"
	CodeGseOperateProc          = "gse_operate_proc"
	CodeRemoveConfig            = "remove_config"
	CodeUninstallPackage        = "uninstall_package"
	CodeUpdateHostProcessStatus = "update_host_process_status"
	CodeSetProcessStatus        = "set_process_status"
)

// Descriptor 活动描述符
type Descriptor struct {
	// Code 活动类型码，运行期据此查找实现
	Code string `json:"code"`

	// Name 展示名（日志与任务详情用）
	Name string `json:"name"`

	// Params 活动参数（op_type / expect_status / wait_seconds 等）
	Params map[string]interface{} `json:"params,omitempty"`
}

func act(code, name string) Descriptor {
	return Descriptor{Code: code, Name: name}
}

func operate(op gse.OpType) Descriptor {
	return Descriptor{
		Code:   CodeGseOperateProc,
		Name:   "进程操作",
		Params: map[string]interface{}{"op_type": int(op)},
	}
}

func setStatus(status model.ProcStatus) Descriptor {
	return Descriptor{
		Code:   CodeSetProcessStatus,
		Name:   "更新进程状态",
		Params: map[string]interface{}{"status": string(status)},
	}
}

func wait(seconds int) Descriptor {
	return Descriptor{
		Code:   CodeWait,
		Name:   "等待",
		Params: map[string]interface{}{"wait_seconds": seconds},
	}
}

func agentStatus(expect model.ProcStatus) Descriptor {
	return Descriptor{
		Code:   CodeGetAgentStatus,
		Name:   "查询 Agent 状态",
		Params: map[string]interface{}{"expect_status": string(expect)},
	}
}

// Compose 解析动作为活动序列
//
// 同一 (步骤, 动作) 必定产出同一序列。未知动作返回 ActionCanNotBeNone。
func Compose(step *model.Step, action model.Action) ([]Descriptor, error) {
	if action == "" {
		return nil, errs.New(errs.ErrActionCanNotBeNone, "step %s", step.StepID)
	}
	if step.Type == model.StepTypeAgent {
		return composeAgent(step, action)
	}
	return composePlugin(step, action)
}

// baseAgentAction 归一化 v2 变体（链路相同，差异在活动内部按 meta 分流）
func baseAgentAction(action model.Action) model.Action {
	return model.Action(strings.TrimSuffix(string(action), "_2"))
}

func composeAgent(step *model.Step, action model.Action) ([]Descriptor, error) {
	switch baseAgentAction(action) {
	case model.ActionInstallAgent, model.ActionReinstallAgent:
		chain := []Descriptor{
			act(CodeAddOrUpdateHosts, "同步主机"),
			act(CodeQueryPassword, "查询认证信息"),
			act(CodeChooseAP, "选择接入点"),
			act(CodeInstall, "安装"),
			agentStatus(model.ProcStatusRunning),
		}
		return appendAgentExtras(chain, step), nil

	case model.ActionInstallProxy, model.ActionReinstallProxy:
		chain := []Descriptor{
			act(CodeAddOrUpdateHosts, "同步主机"),
			act(CodeQueryPassword, "查询认证信息"),
			act(CodeConfigurePolicy, "配置策略"),
			act(CodeChooseAP, "选择接入点"),
			act(CodePushAgentPkgToProxy, "分发安装包"),
			act(CodeInstall, "安装"),
			wait(30),
			agentStatus(model.ProcStatusRunning),
			act(CodeCheckPolicyGseToProxy, "检测 GSE 到 Proxy 策略"),
			act(CodeStartNginx, "启动 Nginx"),
		}
		return appendAgentExtras(chain, step), nil

	case model.ActionUpgradeAgent, model.ActionUpgradeProxy:
		return []Descriptor{
			act(CodePushUpgradePackage, "分发升级包"),
			act(CodeRunUpgradeCommand, "执行升级"),
			agentStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionRestartAgent, model.ActionRestartProxy:
		return []Descriptor{
			act(CodeRestartAgent, "重启"),
			agentStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionReloadAgent, model.ActionReloadProxy:
		return []Descriptor{
			act(CodePushEnvironFiles, "下发环境配置"),
			act(CodeReloadAgent, "重载配置"),
			agentStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionUninstallAgent, model.ActionUninstallProxy:
		return []Descriptor{
			act(CodeUninstall, "卸载"),
		}, nil
	}
	return nil, errs.New(errs.ErrActionCanNotBeNone, "unknown agent action %s", action)
}

// appendAgentExtras 安装链的可选尾段
//
// 身份下发 / 环境文件 / 插件套餐按步骤参数开关。
func appendAgentExtras(chain []Descriptor, step *model.Step) []Descriptor {
	if flag(step, "push_host_identifier") {
		chain = append(chain, act(CodePushHostIdentifier, "下发主机身份"))
	}
	if flag(step, "push_environ_files") {
		chain = append(chain, act(CodePushEnvironFiles, "下发环境配置"))
	}
	if flag(step, "install_default_plugins") {
		chain = append(chain, act(CodeInstallPlugins, "安装插件套餐"))
	}
	return chain
}

func flag(step *model.Step, key string) bool {
	v, ok := step.Params.Context[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func composePlugin(step *model.Step, action model.Action) ([]Descriptor, error) {
	switch action {
	case model.ActionInstall, model.ActionMainInstallPlugin:
		return []Descriptor{
			act(CodeInitProcessStatus, "初始化进程状态"),
			act(CodeTransferScript, "下发脚本"),
			act(CodeTransferPackage, "下发插件包"),
			act(CodeInstallPackage, "安装插件包"),
			act(CodeRenderAndPushConfig, "渲染并下发配置"),
			operate(gse.OpRestart),
			act(CodeUpdateHostProcessStatus, "回写进程版本"),
			setStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionPushConfig:
		chain := []Descriptor{act(CodeRenderAndPushConfig, "渲染并下发配置")}
		if !step.Params.NoRestart {
			chain = append(chain, operate(gse.OpReload), operate(gse.OpDelegate))
		}
		return append(chain, setStatus(model.ProcStatusRunning)), nil

	case model.ActionStart, model.ActionMainStartPlugin:
		return []Descriptor{
			operate(gse.OpStart),
			operate(gse.OpDelegate),
			setStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionStop, model.ActionMainStopPlugin:
		return []Descriptor{
			operate(gse.OpStop),
			operate(gse.OpUndelegate),
			setStatus(model.ProcStatusTerminated),
		}, nil

	case model.ActionRestart, model.ActionMainRestartPlugin:
		return []Descriptor{
			operate(gse.OpRestart),
			operate(gse.OpDelegate),
			setStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionReload, model.ActionMainReloadPlugin:
		return []Descriptor{
			operate(gse.OpReload),
			setStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionDelegate, model.ActionMainDelegatePlugin:
		return []Descriptor{
			operate(gse.OpDelegate),
			setStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionUndelegate, model.ActionMainUndelegatePlugin:
		return []Descriptor{
			operate(gse.OpUndelegate),
			setStatus(model.ProcStatusRunning),
		}, nil

	case model.ActionUninstall, model.ActionStopAndDeletePlugin:
		return []Descriptor{
			operate(gse.OpStop),
			operate(gse.OpUndelegate),
			act(CodeRemoveConfig, "移除配置"),
			act(CodeUninstallPackage, "卸载插件包"),
			setStatus(model.ProcStatusRemoved),
		}, nil

	case model.ActionDebugPlugin:
		return []Descriptor{
			act(CodeTransferPackage, "下发插件包"),
			act(CodeInstallPackage, "安装插件包"),
			act(CodeRenderAndPushConfig, "渲染并下发配置"),
			operate(gse.OpStart),
		}, nil

	case model.ActionStopDebugPlugin:
		return []Descriptor{
			operate(gse.OpStop),
			act(CodeUninstallPackage, "卸载插件包"),
		}, nil
	}
	return nil, errs.New(errs.ErrActionCanNotBeNone, "unknown plugin action %s", action)
}

// RecordSteps 按任务动作表组装实例记录的步骤描述
//
// 动作表中没有的步骤不参与该实例的执行。ActivityIDs 由流水线构建器
// 回填。
func RecordSteps(sub *model.Subscription, actions model.StepActions) []model.RecordStep {
	var steps []model.RecordStep
	for i := range sub.Steps {
		step := &sub.Steps[i]
		action, ok := actions[step.StepID]
		if !ok {
			continue
		}
		steps = append(steps, model.RecordStep{
			StepID: step.StepID,
			Type:   step.Type,
			Action: action,
		})
	}
	return steps
}
