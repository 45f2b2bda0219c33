// Agent 链活动
package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"nodeman/internal/pipeline"
	"nodeman/internal/remote/gse"
	"nodeman/internal/remote/job"
	"nodeman/internal/reporter"
	"nodeman/internal/shared/model"
)

// maxStatusChecks Agent 状态确认的轮询轮数上限
const maxStatusChecks = 30

// ============================================================================
// add_or_update_hosts
// ============================================================================

// syncHosts 校验主机在 CMDB 的注册与业务归属
type syncHosts struct{}

func (h *syncHosts) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	result := &pipeline.Result{}

	var hostIDs []int64
	byHostID := make(map[int64][]*model.SubscriptionInstanceRecord)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			result.Fail(record.ID, errMissingHost(record))
			continue
		}
		if host.BkHostID == 0 {
			// 尚未注册的主机由安装脚本完成注册
			result.Succeeded = append(result.Succeeded, record.ID)
			continue
		}
		hostIDs = append(hostIDs, host.BkHostID)
		byHostID[host.BkHostID] = append(byHostID[host.BkHostID], record)
	}
	if len(hostIDs) == 0 {
		return result, nil
	}

	relations, err := env.CMDB.FindHostBizRelations(ctx, hostIDs)
	if err != nil {
		return nil, err
	}
	registered := make(map[int64]bool, len(relations))
	for _, rel := range relations {
		registered[rel.BkHostID] = true
	}

	for hostID, records := range byHostID {
		for _, record := range records {
			if registered[hostID] {
				result.Succeeded = append(result.Succeeded, record.ID)
			} else {
				result.Fail(record.ID, fmt.Sprintf("host %d not registered in cmdb", hostID))
			}
		}
	}
	return result, nil
}

// ============================================================================
// query_password
// ============================================================================

// queryPassword 确认主机认证信息可用
//
// 手动安装主机不走远程下发，提示使用 fetch_commands 获取安装命令。
type queryPassword struct{}

func (h *queryPassword) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	result := &pipeline.Result{}
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			result.Fail(record.ID, errMissingHost(record))
			continue
		}
		if host.IsManual {
			env.Reporter.Logf(ctx, record.ID, input.Activity.ID, reporter.LevelWarning,
				"host %s is manual, fetch install commands via fetch_commands", host.InnerIP)
		}
		result.Succeeded = append(result.Succeeded, record.ID)
	}
	return result, nil
}

// ============================================================================
// choose_access_point
// ============================================================================

// chooseAccessPoint 为未指定接入点的主机选取缺省接入点
type chooseAccessPoint struct {
	store Store
}

func (h *chooseAccessPoint) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	apID := int64(defaultAPID)
	if raw := setting(ctx, h.store, KeyDefaultAPID, ""); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			apID = parsed
		}
	}

	result := &pipeline.Result{}
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			result.Fail(record.ID, errMissingHost(record))
			continue
		}
		if host.APID <= 0 {
			host.APID = apID
			env.Reporter.Logf(ctx, record.ID, input.Activity.ID, reporter.LevelInfo,
				"access point auto selected: %d", apID)
		}
		result.Succeeded = append(result.Succeeded, record.ID)
	}
	return result, nil
}

// ============================================================================
// 脚本类 Agent 活动
// ============================================================================

// gsectlCommand 受控端 gsectl 操作命令
func gsectlCommand(h *model.HostInfo, setupPath, op string) string {
	bin := model.RenderPath(setupPath+"/agent/bin/gsectl", h.IsWindows())
	if h.IsWindows() {
		return fmt.Sprintf("%s.bat %s", bin, op)
	}
	return fmt.Sprintf("%s %s", bin, op)
}

// installAgent 远程执行安装脚本
type installAgent struct {
	store Store
}

func (h *installAgent) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	download := setting(ctx, h.store, KeyDownloadPath, defaultDownloadPath)

	var specs []scriptSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		script := "setup_agent.sh"
		if host.IsWindows() {
			script = "setup_agent.bat"
		}
		specs = append(specs, scriptSpec{
			record:  record,
			content: fmt.Sprintf("#!/bin/bash\nexec bash %s/%s \"$@\"\n", download, script),
			param:   fmt.Sprintf("-i %d -a %d", host.BkCloudID, host.APID),
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}

	pending, err := submitScripts(ctx, env, specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *installAgent) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

var _ pipeline.Pollable = (*installAgent)(nil)

// agentScript 单命令脚本活动的公共骨架
type agentScript struct {
	store Store
	op    string
}

func (h *agentScript) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	var specs []scriptSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		specs = append(specs, scriptSpec{
			record:  record,
			content: gsectlCommand(host, setupPathFor(ctx, h.store, host), h.op),
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitScripts(ctx, env, specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *agentScript) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

type restartAgent struct{ store Store }

func (h *restartAgent) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	return (&agentScript{store: h.store, op: "restart"}).Execute(ctx, env, input)
}

func (h *restartAgent) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

type reloadAgent struct{ store Store }

func (h *reloadAgent) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	return (&agentScript{store: h.store, op: "reload"}).Execute(ctx, env, input)
}

func (h *reloadAgent) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// runUpgradeCommand 执行升级脚本
type runUpgradeCommand struct{ store Store }

func (h *runUpgradeCommand) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	return (&agentScript{store: h.store, op: "upgrade"}).Execute(ctx, env, input)
}

func (h *runUpgradeCommand) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// ============================================================================
// uninstall
// ============================================================================

// uninstallAgent 卸载 Agent
//
// Agent 不在线的主机无法远程卸载：gse_agent 进程状态行标记为
// AGENT_NO_ALIVE，本次卸载对该实例失败并留待下次巡检。
type uninstallAgent struct {
	store Store
}

func (h *uninstallAgent) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	failed := make(map[int64]string)
	alive := make([]*model.SubscriptionInstanceRecord, 0, len(input.Records))

	for version, records := range versionBuckets(input.Records) {
		identities := make([]gse.AgentIdentity, 0, len(records))
		live := make([]*model.SubscriptionInstanceRecord, 0, len(records))
		for _, record := range records {
			host := hostOf(record)
			if host == nil {
				failed[record.ID] = errMissingHost(record)
				continue
			}
			identities = append(identities, identityOf(host))
			live = append(live, record)
		}
		if len(live) == 0 {
			continue
		}
		statuses, err := env.GSE.For(version).GetAgentStatus(ctx, identities)
		if err != nil {
			return nil, err
		}
		for _, record := range live {
			host := hostOf(record)
			status, ok := statuses[identityOf(host).Key(version)]
			if ok && status.Alive {
				alive = append(alive, record)
				continue
			}
			failed[record.ID] = fmt.Sprintf("agent on %s not alive, uninstall deferred", host.InnerIP)
			h.markAgentNoAlive(ctx, host.BkHostID)
		}
	}

	if len(alive) == 0 {
		return failAllWith(input, failed), nil
	}

	var specs []scriptSpec
	for _, record := range alive {
		host := hostOf(record)
		specs = append(specs, scriptSpec{
			record:  record,
			content: gsectlCommand(host, setupPathFor(ctx, h.store, host), "uninstall"),
		})
	}
	pending, err := submitScripts(ctx, env, specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *uninstallAgent) markAgentNoAlive(ctx context.Context, hostID int64) {
	rows, err := h.store.ListProcessStatusesByHosts(ctx, []int64{hostID}, "gse_agent")
	if err != nil || len(rows) == 0 {
		return
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if err := h.store.SetProcessStatus(ctx, ids, model.ProcStatusAgentNoAlive); err != nil {
		log.Printf("[activities.mark_agent_no_alive] host=%d err=%v", hostID, err)
	}
}

func (h *uninstallAgent) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

var _ pipeline.Pollable = (*uninstallAgent)(nil)

// ============================================================================
// get_agent_status
// ============================================================================

// getAgentStatus 轮询确认 Agent 达到期望状态
type getAgentStatus struct{}

func (h *getAgentStatus) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	return &pipeline.Result{State: map[string]interface{}{"attempts": 0}}, nil
}

func (h *getAgentStatus) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	expectAlive := strParam(input.Activity.Params, "expect_status", string(model.ProcStatusRunning)) == string(model.ProcStatusRunning)

	matched := make(map[int64]bool, len(input.Records))
	missing := make(map[int64]string)
	for version, records := range versionBuckets(input.Records) {
		identities := make([]gse.AgentIdentity, 0, len(records))
		live := make([]*model.SubscriptionInstanceRecord, 0, len(records))
		for _, record := range records {
			host := hostOf(record)
			if host == nil {
				missing[record.ID] = errMissingHost(record)
				continue
			}
			identities = append(identities, identityOf(host))
			live = append(live, record)
		}
		if len(live) == 0 {
			continue
		}
		statuses, err := env.GSE.For(version).GetAgentStatus(ctx, identities)
		if err != nil {
			return nil, false, err
		}
		for _, record := range live {
			status, ok := statuses[identityOf(hostOf(record)).Key(version)]
			if ok && status.Alive == expectAlive {
				matched[record.ID] = true
			}
		}
	}

	attempts := intParam(state, "attempts", 0) + 1
	if len(matched)+len(missing) < len(input.Records) && attempts < maxStatusChecks {
		return &pipeline.Result{State: map[string]interface{}{"attempts": attempts}}, false, nil
	}

	result := &pipeline.Result{}
	for _, record := range input.Records {
		if matched[record.ID] {
			result.Succeeded = append(result.Succeeded, record.ID)
			continue
		}
		if reason, ok := missing[record.ID]; ok {
			result.Fail(record.ID, reason)
			continue
		}
		result.Fail(record.ID, fmt.Sprintf("agent status not converged after %d checks", attempts))
	}
	return result, true, nil
}

var _ pipeline.Pollable = (*getAgentStatus)(nil)

// ============================================================================
// push_host_identifier / push_environ_files
// ============================================================================

// pushHostIdentifier 将主机身份信息下发到受控端
type pushHostIdentifier struct{}

func (h *pushHostIdentifier) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	var specs []pushSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		identity, _ := json.Marshal(map[string]interface{}{
			"bk_host_id":  host.BkHostID,
			"bk_biz_id":   host.BkBizID,
			"bk_cloud_id": host.BkCloudID,
			"inner_ip":    host.InnerIP,
		})
		specs = append(specs, pushSpec{
			record:     record,
			targetPath: defaultSetupPath + "/host",
			files: []job.ConfigFile{{
				FileName: "hostid",
				Content:  string(identity),
				MD5:      fmt.Sprintf("%d", host.BkHostID),
			}},
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitPushes(ctx, env, specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *pushHostIdentifier) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// pushEnvironFiles 下发环境变量文件（environ.sh / environ.bat）
type pushEnvironFiles struct{ store Store }

func (h *pushEnvironFiles) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	var specs []pushSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		setupPath := setupPathFor(ctx, h.store, host)
		name, content := "environ.sh", fmt.Sprintf("export BK_GSE_HOME=%s\nexport BK_BIZ_ID=%d\n", setupPath, host.BkBizID)
		if host.IsWindows() {
			name, content = "environ.bat", fmt.Sprintf("set BK_GSE_HOME=%s\r\nset BK_BIZ_ID=%d\r\n", model.RenderPath(setupPath, true), host.BkBizID)
		}
		specs = append(specs, pushSpec{
			record:     record,
			targetPath: setupPath + "/environ",
			files:      []job.ConfigFile{{FileName: name, Content: content, MD5: name}},
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitPushes(ctx, env, specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *pushEnvironFiles) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// ============================================================================
// install_plugins（插件套餐）
// ============================================================================

// installPlugins 通过子订阅为新装主机安装缺省插件套餐
type installPlugins struct{}

func (h *installPlugins) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	plugins := pluginListOf(input.Step)
	if len(plugins) == 0 {
		return succeedAll(input), nil
	}
	if env.Subs == nil {
		return nil, fmt.Errorf("subscription client not configured")
	}

	var nodes []model.ScopeNode
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			continue
		}
		nodes = append(nodes, model.ScopeNode{BkHostID: host.BkHostID, BkBizID: host.BkBizID})
	}

	steps := make([]model.Step, 0, len(plugins))
	for i, name := range plugins {
		steps = append(steps, model.Step{
			StepID: name,
			Type:   model.StepTypePlugin,
			Config: model.StepConfig{PluginName: name},
			Index:  i,
		})
	}

	subID, taskID, err := env.Subs.CreateSubscription(ctx, &model.Subscription{
		Category:   model.CategoryOnce,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeInstance,
		Scope: model.Scope{
			ObjectType: model.ObjectTypeHost,
			NodeType:   model.NodeTypeInstance,
			Nodes:      nodes,
		},
		Steps: steps,
		PID:   input.Subscription.ID,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: map[string]interface{}{"sub_id": subID, "task_id": taskID}}, nil
}

func (h *installPlugins) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	subID := int64(intParam(state, "sub_id", 0))
	taskID := int64(intParam(state, "task_id", 0))

	status, err := env.Subs.GetSubscriptionTaskStatus(ctx, subID, taskID)
	if err != nil {
		return nil, false, err
	}
	if !status.Finished() {
		return &pipeline.Result{State: state}, false, nil
	}
	if failed := status.StatusCounts[model.InstanceStatusFailed]; failed > 0 {
		return failAll(input, fmt.Sprintf("plugin bundle subscription %d: %d instances failed", subID, failed)), true, nil
	}
	return succeedAll(input), true, nil
}

var _ pipeline.Pollable = (*installPlugins)(nil)

// pluginListOf 步骤参数中的插件套餐清单
func pluginListOf(step *model.Step) []string {
	if step == nil {
		return nil
	}
	raw, ok := step.Params.Context["default_plugins"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
		return names
	}
	return nil
}

// failAllWith 所有实例按已知原因失败，未知原因的给通用提示
func failAllWith(input *pipeline.Input, failed map[int64]string) *pipeline.Result {
	result := &pipeline.Result{}
	for _, record := range input.Records {
		reason, ok := failed[record.ID]
		if !ok {
			reason = "no executable host in batch"
		}
		result.Fail(record.ID, reason)
	}
	return result
}
