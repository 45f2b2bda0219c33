// Plugin 链活动
package activities

import (
	"context"
	"fmt"
	"strings"

	"nodeman/internal/pipeline"
	"nodeman/internal/remote/gse"
	"nodeman/internal/remote/job"
	"nodeman/internal/render"
	"nodeman/internal/reporter"
	"nodeman/internal/shared/model"
)

// ============================================================================
// init_process_status
// ============================================================================

// initProcessStatus 初始化（或接管）组内进程状态行
//
// 已有行保留观测到的状态与版本，仅刷新归属；新主机落 NOT_INSTALLED 行。
type initProcessStatus struct{ store Store }

func (h *initProcessStatus) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	plugin := pluginNameOf(input.Step)
	sub := input.Subscription

	groupIDs := make([]string, 0, len(input.Records))
	for _, record := range input.Records {
		groupIDs = append(groupIDs, groupIDOf(input, record))
	}
	rows, err := h.store.ListProcessStatusesByGroup(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]*model.ProcessStatus, len(rows))
	for _, row := range rows {
		if row.Name == plugin {
			existing[row.GroupID] = row
		}
	}

	sourceType := model.SourceTypeSubscription
	if sub.IsMain {
		sourceType = model.SourceTypeDefault
	}

	result := &pipeline.Result{}
	statuses := make([]*model.ProcessStatus, 0, len(input.Records))
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			result.Fail(record.ID, errMissingHost(record))
			continue
		}
		groupID := groupIDOf(input, record)

		row, ok := existing[groupID]
		if !ok {
			row = &model.ProcessStatus{
				BkHostID: host.BkHostID,
				Name:     plugin,
				Status:   model.ProcStatusNotInstalled,
			}
		}
		row.SourceType = sourceType
		subID := sub.ID
		row.SourceID = &subID
		row.GroupID = groupID
		if sub.IsPolicy() && len(record.InstanceInfo.Scope) > 0 {
			objID := record.InstanceInfo.Scope[0].BkObjID
			row.BkObjID = &objID
		}

		paths := pluginPaths(ctx, h.store, input, host, groupID)
		row.SetupPath = model.CanonicalPath(paths.BinPath)
		row.IsLatest = true

		statuses = append(statuses, row)
		result.Succeeded = append(result.Succeeded, record.ID)
	}

	if len(statuses) > 0 {
		if err := h.store.UpsertProcessStatuses(ctx, statuses); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// pluginPaths 按步骤与主机推导插件落盘路径
func pluginPaths(ctx context.Context, store Store, input *pipeline.Input, host *model.HostInfo, groupID string) model.PluginPaths {
	setupPath := setupPathFor(ctx, store, host)
	if isExternal(input.Step) {
		return model.ExternalPluginPaths(setupPath, groupID, pluginNameOf(input.Step))
	}
	return model.OfficialPluginPaths(setupPath)
}

// isExternal 是否外部插件步骤
func isExternal(step *model.Step) bool {
	if step == nil {
		return false
	}
	v, ok := step.Params.Context["external"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ============================================================================
// transfer_script / transfer_package / install_package
// ============================================================================

// transferScript 下发进程操作脚本（start/stop/restart/reload）
type transferScript struct{ store Store }

func (h *transferScript) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	download := setting(ctx, h.store, KeyDownloadPath, defaultDownloadPath)

	var specs []transferSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		ext := ".sh"
		if host.IsWindows() {
			ext = ".bat"
		}
		files := make([]string, 0, 4)
		for _, op := range []string{"start", "stop", "restart", "reload"} {
			files = append(files, download+"/"+op+ext)
		}
		paths := pluginPaths(ctx, h.store, input, host, groupIDOf(input, record))
		specs = append(specs, transferSpec{record: record, fileList: files, targetPath: paths.BinPath})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitTransfers(ctx, env, "root", specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *transferScript) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// transferPackage 下发插件安装包
type transferPackage struct{ store Store }

// pluginPackageName 包命名 {name}-{version}-{os}-{arch}.tgz
func pluginPackageName(step *model.Step, host *model.HostInfo) string {
	version := "latest"
	if step != nil && step.Config.PluginVersion != "" {
		version = step.Config.PluginVersion
	}
	return fmt.Sprintf("%s-%s-%s-%s.tgz", pluginNameOf(step), version, osSuffix(host.OsType), archOf(host.CPUArch))
}

func (h *transferPackage) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	download := setting(ctx, h.store, KeyDownloadPath, defaultDownloadPath)

	var specs []transferSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		target := "/tmp/nodeman"
		if host.IsWindows() {
			target = "c:/tmp/nodeman"
		}
		specs = append(specs, transferSpec{
			record:     record,
			fileList:   []string{download + "/" + pluginPackageName(input.Step, host)},
			targetPath: target,
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitTransfers(ctx, env, "root", specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *transferPackage) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// installPackage 解包并部署插件二进制
type installPackage struct{ store Store }

func (h *installPackage) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	var specs []scriptSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		paths := pluginPaths(ctx, h.store, input, host, groupIDOf(input, record))
		pkg := pluginPackageName(input.Step, host)
		specs = append(specs, scriptSpec{
			record: record,
			content: fmt.Sprintf(
				"#!/bin/bash\nmkdir -p %s\ntar xf /tmp/nodeman/%s -C %s\n",
				paths.BinPath, pkg, paths.BinPath),
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

func (h *installPackage) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// ============================================================================
// render_and_push_config
// ============================================================================

// renderAndPushConfig 渲染配置模板并推送到受控端
//
// 渲染是纯函数：同一模板与上下文必然产出同一内容。单实例渲染失败
// 只影响自身，其余实例照常推送。落盘 md5 回写进程状态行供下次
// 规划对比。
type renderAndPushConfig struct{ store Store }

func (h *renderAndPushConfig) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	templates := input.Step.Config.ConfigTemplates
	if len(templates) == 0 {
		return succeedAll(input), nil
	}
	plugin := pluginNameOf(input.Step)

	groupIDs := make([]string, 0, len(input.Records))
	for _, record := range input.Records {
		groupIDs = append(groupIDs, groupIDOf(input, record))
	}
	rows, err := h.store.ListProcessStatusesByGroup(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	rowByGroup := make(map[string]*model.ProcessStatus, len(rows))
	for _, row := range rows {
		if row.Name == plugin {
			rowByGroup[row.GroupID] = row
		}
	}

	var specs []pushSpec
	var dirty []*model.ProcessStatus
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		groupID := groupIDOf(input, record)
		paths := pluginPaths(ctx, h.store, input, host, groupID)
		ctxVars := render.Context(input.Subscription, input.Step, &record.InstanceInfo)

		byPath := make(map[string][]job.ConfigFile)
		var rendered []model.ProcessConfig
		renderFailed := false
		for _, tmpl := range templates {
			content, err := render.Config(tmpl.Content, ctxVars)
			if err != nil {
				failed[record.ID] = fmt.Sprintf("render %s: %v", tmpl.Name, err)
				env.Reporter.LogError(ctx, record.ID, input.Activity.ID,
					fmt.Sprintf("render config %s failed", tmpl.Name), err)
				renderFailed = true
				break
			}
			name := tmpl.Name
			if isExternal(input.Step) && !tmpl.IsMain {
				name = model.ExternalConfigName(name, groupID)
			}
			targetPath := tmpl.FileTargetPath
			if targetPath == "" {
				targetPath = paths.EtcPath
			}
			md5 := render.MD5(content)
			byPath[targetPath] = append(byPath[targetPath], job.ConfigFile{FileName: name, Content: content, MD5: md5})
			rendered = append(rendered, model.ProcessConfig{
				Name:     tmpl.Name,
				FilePath: model.CanonicalPath(targetPath + "/" + name),
				MD5:      md5,
			})
		}
		if renderFailed {
			continue
		}

		for targetPath, files := range byPath {
			specs = append(specs, pushSpec{record: record, files: files, targetPath: targetPath})
		}
		if row, ok := rowByGroup[groupID]; ok {
			row.Configs = rendered
			dirty = append(dirty, row)
		}
	}

	if len(dirty) > 0 {
		if err := h.store.UpsertProcessStatuses(ctx, dirty); err != nil {
			return nil, err
		}
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

func (h *renderAndPushConfig) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

var _ pipeline.Pollable = (*renderAndPushConfig)(nil)

// ============================================================================
// gse_operate_proc
// ============================================================================

// procTask 已下发待收敛的 GSE 进程操作
type procTask struct {
	Version model.GSEVersion
	TaskID  string
	Op      gse.OpType

	// Keys 结果键 → 实例记录 ID
	Keys map[string]int64
}

const procStateKey = "gse_tasks"

// operateProc 通过 GSE 下发进程操作并轮询结果
type operateProc struct{ store Store }

func (h *operateProc) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	op := gse.OpType(intParam(input.Activity.Params, "op_type", int(gse.OpStart)))
	plugin := pluginNameOf(input.Step)

	groupIDs := make([]string, 0, len(input.Records))
	for _, record := range input.Records {
		groupIDs = append(groupIDs, groupIDOf(input, record))
	}
	rows, err := h.store.ListProcessStatusesByGroup(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	rowByGroup := make(map[string]*model.ProcessStatus, len(rows))
	for _, row := range rows {
		if row.Name == plugin {
			rowByGroup[row.GroupID] = row
		}
	}

	failed := make(map[int64]string)
	var tasks []*procTask
	for version, records := range versionBuckets(input.Records) {
		req := &gse.OperateRequest{OpType: op}
		keys := make(map[string]int64)
		for _, record := range records {
			host := hostOf(record)
			if host == nil {
				failed[record.ID] = errMissingHost(record)
				continue
			}
			identity := identityOf(host)
			setupPath := setupPathFor(ctx, h.store, host)
			if row, ok := rowByGroup[groupIDOf(input, record)]; ok && row.SetupPath != "" {
				setupPath = row.SetupPath
			}
			req.Processes = append(req.Processes, gse.ProcessSpec{
				Identity:   identity,
				Namespace:  gse.Namespace,
				Name:       plugin,
				SetupPath:  model.RenderPath(setupPath, host.IsWindows()),
				PidPath:    model.RenderPath(setupPath+"/pid/"+plugin+".pid", host.IsWindows()),
				User:       "root",
				StartCmd:   "./start.sh " + plugin,
				StopCmd:    "./stop.sh " + plugin,
				RestartCmd: "./restart.sh " + plugin,
				ReloadCmd:  "./reload.sh " + plugin,
			})
			keys[gse.ResultKey(gse.Namespace, plugin, identity)] = record.ID
		}
		if len(req.Processes) == 0 {
			continue
		}
		taskID, err := env.GSE.For(version).OperateProcMulti(ctx, req)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, &procTask{Version: version, TaskID: taskID, Op: op, Keys: keys})
	}

	if len(tasks) == 0 {
		return failAllWith(input, failed), nil
	}
	state := map[string]interface{}{procStateKey: tasks}
	if len(failed) > 0 {
		state[failedStateKey] = failed
	}
	return &pipeline.Result{State: state}, nil
}

func (h *operateProc) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	tasks, _ := state[procStateKey].([]*procTask)

	result := &pipeline.Result{}
	if succeeded, ok := state[succeededStateKey].([]int64); ok {
		result.Succeeded = append(result.Succeeded, succeeded...)
	}
	if failed, ok := state[failedStateKey].(map[int64]string); ok {
		for id, reason := range failed {
			result.Fail(id, reason)
		}
	}

	var remaining []*procTask
	for _, task := range tasks {
		results, err := env.GSE.For(task.Version).GetProcOperateResult(ctx, task.TaskID)
		if err != nil {
			return nil, false, err
		}

		pending := make(map[string]int64)
		for key, recordID := range task.Keys {
			r, ok := results[key]
			if !ok {
				pending[key] = recordID
				continue
			}
			done, ok := gse.JudgeResult(task.Op, r.ErrorCode)
			if !done {
				pending[key] = recordID
				continue
			}
			if ok {
				result.Succeeded = append(result.Succeeded, recordID)
			} else {
				result.Fail(recordID, fmt.Sprintf("gse op %d code=%d: %s", task.Op, r.ErrorCode, r.ErrorMsg))
			}
		}
		if len(pending) > 0 {
			remaining = append(remaining, &procTask{Version: task.Version, TaskID: task.TaskID, Op: task.Op, Keys: pending})
		}
	}

	if len(remaining) > 0 {
		// 先应答的进程结果随状态带到下一轮
		next := map[string]interface{}{procStateKey: remaining}
		if len(result.Succeeded) > 0 {
			next[succeededStateKey] = result.Succeeded
		}
		if len(result.FailedReasons) > 0 {
			next[failedStateKey] = result.FailedReasons
		}
		return &pipeline.Result{State: next}, false, nil
	}
	return result, true, nil
}

var _ pipeline.Pollable = (*operateProc)(nil)

// ============================================================================
// remove_config / uninstall_package
// ============================================================================

// removeConfig 清理受控端配置文件
type removeConfig struct{ store Store }

func (h *removeConfig) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	if strings.EqualFold(input.Step.Params.KeepConfigStrategy, "keep") {
		return succeedAll(input), nil
	}

	var specs []scriptSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		groupID := groupIDOf(input, record)
		paths := pluginPaths(ctx, h.store, input, host, groupID)
		var lines []string
		for _, tmpl := range input.Step.Config.ConfigTemplates {
			name := tmpl.Name
			if isExternal(input.Step) && !tmpl.IsMain {
				name = model.ExternalConfigName(name, groupID)
			}
			targetPath := tmpl.FileTargetPath
			if targetPath == "" {
				targetPath = paths.EtcPath
			}
			lines = append(lines, "rm -f "+targetPath+"/"+name)
		}
		specs = append(specs, scriptSpec{
			record:  record,
			content: "#!/bin/bash\n" + strings.Join(lines, "\n") + "\n",
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

func (h *removeConfig) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// uninstallPackage 移除插件二进制
type uninstallPackage struct{ store Store }

func (h *uninstallPackage) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	plugin := pluginNameOf(input.Step)

	var specs []scriptSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		paths := pluginPaths(ctx, h.store, input, host, groupIDOf(input, record))
		specs = append(specs, scriptSpec{
			record:  record,
			content: fmt.Sprintf("#!/bin/bash\nrm -f %s/%s\n", paths.BinPath, plugin),
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

func (h *uninstallPackage) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// ============================================================================
// update_host_process_status
// ============================================================================

// updateHostProcessStatus 安装成功后回写进程行的插件版本
//
// 策略巡检以该字段与目标版本比对判定实例是否已收敛。
type updateHostProcessStatus struct{ store Store }

func (h *updateHostProcessStatus) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	version := input.Step.Config.PluginVersion
	if version == "" {
		return succeedAll(input), nil
	}
	plugin := pluginNameOf(input.Step)

	groupIDs := make([]string, 0, len(input.Records))
	for _, record := range input.Records {
		groupIDs = append(groupIDs, groupIDOf(input, record))
	}
	rows, err := h.store.ListProcessStatusesByGroup(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	var updated []*model.ProcessStatus
	for _, row := range rows {
		if row.Name != plugin || row.Version == version {
			continue
		}
		row.Version = version
		updated = append(updated, row)
	}
	if len(updated) > 0 {
		if err := h.store.UpsertProcessStatuses(ctx, updated); err != nil {
			return nil, err
		}
	}

	for _, record := range input.Records {
		env.Reporter.Logf(ctx, record.ID, input.Activity.ID, reporter.LevelInfo,
			"process %s version set to %s", plugin, version)
	}
	return succeedAll(input), nil
}

// ============================================================================
// set_process_status
// ============================================================================

// setProcessStatus 将组内进程状态行敲定为目标状态
type setProcessStatus struct{ store Store }

func (h *setProcessStatus) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	status := model.ProcStatus(strParam(input.Activity.Params, "status", string(model.ProcStatusRunning)))
	plugin := pluginNameOf(input.Step)

	groupIDs := make([]string, 0, len(input.Records))
	for _, record := range input.Records {
		groupIDs = append(groupIDs, groupIDOf(input, record))
	}
	rows, err := h.store.ListProcessStatusesByGroup(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, row := range rows {
		if row.Name == plugin {
			ids = append(ids, row.ID)
		}
	}
	if len(ids) > 0 {
		if err := h.store.SetProcessStatus(ctx, ids, status); err != nil {
			return nil, err
		}
	}

	for _, record := range input.Records {
		env.Reporter.Logf(ctx, record.ID, input.Activity.ID, reporter.LevelInfo,
			"process %s status set to %s", plugin, status)
	}
	return succeedAll(input), nil
}
