// Package activities 活动实现
//
// 每个活动是一个无状态处理器，按 composer 的活动类型码注册到流水线
// 驱动。发起外部作业的活动实现 Pollable，在 Schedule 中收敛。
package activities

import (
	"context"
	"fmt"
	"time"

	"nodeman/internal/composer"
	"nodeman/internal/pipeline"
	"nodeman/internal/remote/gse"
	"nodeman/internal/remote/job"
	"nodeman/internal/shared/model"
)

// 受控主机缺省布局（global_settings 可覆盖）
const (
	KeyDefaultAPID    = "DEFAULT_AP_ID"
	KeyAgentSetupPath = "AGENT_SETUP_PATH"
	KeyDownloadPath   = model.KeyDownloadPath

	defaultAPID         = 1
	defaultSetupPath    = "/usr/local/gse"
	defaultWinSetupPath = "c:/gse"
	defaultDownloadPath = model.DefaultDownloadPath
)

// Store 活动所需的持久化能力
type Store interface {
	GetSetting(ctx context.Context, key string) (string, error)

	UpsertProcessStatuses(ctx context.Context, statuses []*model.ProcessStatus) error
	ListProcessStatusesByGroup(ctx context.Context, groupIDs []string) ([]*model.ProcessStatus, error)
	ListProcessStatusesByHosts(ctx context.Context, hostIDs []int64, name string) ([]*model.ProcessStatus, error)
	SetProcessStatus(ctx context.Context, ids []int64, status model.ProcStatus) error
}

// NewRegistry 按活动类型码组装处理器表
func NewRegistry(store Store) pipeline.Registry {
	return pipeline.Registry{
		// Agent 链
		composer.CodeAddOrUpdateHosts:      &syncHosts{},
		composer.CodeQueryPassword:         &queryPassword{},
		composer.CodeChooseAP:              &chooseAccessPoint{store: store},
		composer.CodeInstall:               &installAgent{store: store},
		composer.CodeUninstall:             &uninstallAgent{store: store},
		composer.CodeRestartAgent:          &restartAgent{store: store},
		composer.CodeReloadAgent:           &reloadAgent{store: store},
		composer.CodePushUpgradePackage:    &pushUpgradePackage{store: store},
		composer.CodeRunUpgradeCommand:     &runUpgradeCommand{store: store},
		composer.CodeWait:                  &waitHandler{},
		composer.CodeGetAgentStatus:        &getAgentStatus{},
		composer.CodePushHostIdentifier:    &pushHostIdentifier{},
		composer.CodePushEnvironFiles:      &pushEnvironFiles{store: store},
		composer.CodeInstallPlugins:        &installPlugins{},
		composer.CodeConfigurePolicy:       &configurePolicy{},
		composer.CodeCheckPolicyGseToProxy: &checkPolicyGseToProxy{},
		composer.CodeStartNginx:            &startNginx{},
		composer.CodePushAgentPkgToProxy:   &pushAgentPkgToProxy{store: store},

		// Plugin 链
		composer.CodeInitProcessStatus:       &initProcessStatus{store: store},
		composer.CodeTransferScript:          &transferScript{store: store},
		composer.CodeTransferPackage:         &transferPackage{store: store},
		composer.CodeInstallPackage:          &installPackage{store: store},
		composer.CodeRenderAndPushConfig:     &renderAndPushConfig{store: store},
		composer.CodeGseOperateProc:          &operateProc{store: store},
		composer.CodeRemoveConfig:            &removeConfig{store: store},
		composer.CodeUninstallPackage:        &uninstallPackage{store: store},
		composer.CodeUpdateHostProcessStatus: &updateHostProcessStatus{store: store},
		composer.CodeSetProcessStatus:        &setProcessStatus{store: store},
	}
}

// ============================================================================
// 公共辅助
// ============================================================================

// hostOf 记录的主机快照
func hostOf(record *model.SubscriptionInstanceRecord) *model.HostInfo {
	return record.InstanceInfo.Host
}

// targetOf 主机的作业平台目标
func targetOf(h *model.HostInfo) job.Target {
	return job.Target{BkHostID: h.BkHostID, IP: h.InnerIP, BkCloudID: h.BkCloudID}
}

// identityOf 主机的 GSE 寻址标识
func identityOf(h *model.HostInfo) gse.AgentIdentity {
	return gse.AgentIdentity{IP: h.InnerIP, BkCloudID: h.BkCloudID, BkAgentID: h.BkAgentID}
}

// versionBuckets 按管控通道版本分桶
func versionBuckets(records []*model.SubscriptionInstanceRecord) map[model.GSEVersion][]*model.SubscriptionInstanceRecord {
	buckets := make(map[model.GSEVersion][]*model.SubscriptionInstanceRecord)
	for _, record := range records {
		version := record.InstanceInfo.Meta.GSEVersion
		if version == "" {
			version = model.GSEVersionV1
		}
		buckets[version] = append(buckets[version], record)
	}
	return buckets
}

// intParam 读取活动参数中的整数（树反序列化后数字是 float64）
func intParam(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// strParam 读取活动参数中的字符串
func strParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// setting 读取全局配置，缺失或读取失败用缺省值
func setting(ctx context.Context, store Store, key, fallback string) string {
	if store == nil {
		return fallback
	}
	value, err := store.GetSetting(ctx, key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}

// setupPathFor 主机的 Agent 安装根目录
func setupPathFor(ctx context.Context, store Store, h *model.HostInfo) string {
	fallback := defaultSetupPath
	if h.IsWindows() {
		fallback = defaultWinSetupPath
	}
	return setting(ctx, store, KeyAgentSetupPath, fallback)
}

// pluginNameOf 步骤的目标插件名
func pluginNameOf(step *model.Step) string {
	if step == nil {
		return ""
	}
	if step.Config.PluginName != "" {
		return step.Config.PluginName
	}
	return step.StepID
}

// groupIDOf 记录的插件组 ID
func groupIDOf(input *pipeline.Input, record *model.SubscriptionInstanceRecord) string {
	return input.Subscription.GroupID(&record.InstanceInfo)
}

// failAll 所有输入实例按同一原因失败
func failAll(input *pipeline.Input, reason string) *pipeline.Result {
	result := &pipeline.Result{}
	for _, record := range input.Records {
		result.Fail(record.ID, reason)
	}
	return result
}

// succeedAll 所有输入实例成功
func succeedAll(input *pipeline.Input) *pipeline.Result {
	return &pipeline.Result{Succeeded: input.RecordIDs()}
}

// ============================================================================
// wait 活动
// ============================================================================

// waitHandler 定时等待（Proxy 安装后等待服务就绪）
type waitHandler struct{}

func (h *waitHandler) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	seconds := intParam(input.Activity.Params, "wait_seconds", 5)
	return &pipeline.Result{State: map[string]interface{}{
		"until": time.Now().Add(time.Duration(seconds) * time.Second),
	}}, nil
}

func (h *waitHandler) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	until, ok := state["until"].(time.Time)
	if !ok || time.Now().After(until) {
		return succeedAll(input), true, nil
	}
	return &pipeline.Result{State: state}, false, nil
}

var _ pipeline.Pollable = (*waitHandler)(nil)

// errMissingHost 记录缺少主机快照
func errMissingHost(record *model.SubscriptionInstanceRecord) string {
	return fmt.Sprintf("instance %s has no host snapshot", record.InstanceID)
}
