// PLUGIN 步骤的迁移决策
package planner

import (
	"context"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"nodeman/internal/remote/gse"
	"nodeman/internal/render"
	"nodeman/internal/shared/model"
)

func (p *Planner) planPluginStep(ctx context.Context, sub *model.Subscription, step *model.Step, instances map[string]*model.Instance, opts Options) (*StepPlan, error) {
	plan := &StepPlan{
		InstanceActions: make(map[string]model.Action),
		MigrateReasons:  make(map[string]model.MigrateReason),
	}
	pluginName := step.Config.PluginName

	// 观测状态：按 group_id 取归属本订阅目标的最新进程行
	groupByNode := make(map[string]string, len(instances))
	groupIDs := make([]string, 0, len(instances))
	for nodeID, inst := range instances {
		groupID := sub.GroupID(inst)
		groupByNode[nodeID] = groupID
		groupIDs = append(groupIDs, groupID)
	}
	sort.Strings(groupIDs)

	statuses, err := p.store.ListProcessStatusesByGroup(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	rowsByGroup := make(map[string][]*model.ProcessStatus)
	for _, ps := range statuses {
		if ps.Name == pluginName {
			rowsByGroup[ps.GroupID] = append(rowsByGroup[ps.GroupID], ps)
		}
	}

	// 手动触发清零重试计数
	if !opts.AutoTrigger && !opts.PreviewOnly {
		var ids []int64
		for _, rows := range rowsByGroup {
			for _, ps := range rows {
				if ps.RetryTimes > 0 {
					ids = append(ids, ps.ID)
				}
			}
		}
		if err := p.store.ResetProcessRetry(ctx, ids); err != nil {
			return nil, err
		}
	}

	if step.Config.CheckAndSkip {
		p.planCheckAndSkip(ctx, sub, step, instances, plan)
	} else {
		for nodeID, inst := range instances {
			action, reason := decideAction(sub, step, inst, rowsByGroup[groupByNode[nodeID]])
			if action != "" {
				plan.InstanceActions[nodeID] = action
			}
			plan.MigrateReasons[nodeID] = reason
		}

		if err := p.applyConfigCheck(ctx, sub, step, instances, rowsByGroup, groupByNode, plan); err != nil {
			return nil, err
		}
	}

	p.applyExemptions(sub, instances, rowsByGroup, groupByNode, plan, opts)

	if sub.IsPolicy() && opts.AutoTrigger {
		if err := p.applySuppression(ctx, sub, step, instances, plan); err != nil {
			return nil, err
		}
	}

	if err := p.applyOutOfScope(ctx, sub, step, groupByNode, plan, opts); err != nil {
		return nil, err
	}
	return plan, nil
}

// decideAction 决策表本体
func decideAction(sub *model.Subscription, step *model.Step, inst *model.Instance, rows []*model.ProcessStatus) (model.Action, model.MigrateReason) {
	if len(rows) == 0 {
		return installAction(step), model.MigrateReason{MigrateType: model.MigrateTypeNewInstall}
	}

	// 每个目标应有且仅有一行最新进程状态
	if len(rows) != 1 {
		return installAction(step), model.MigrateReason{MigrateType: model.MigrateTypeProcNumNotMatch}
	}
	ps := rows[0]

	switch ps.Status {
	case model.ProcStatusUnknown, model.ProcStatusNotInstalled, model.ProcStatusRemoved:
		return installAction(step), model.MigrateReason{
			MigrateType:     model.MigrateTypeAbnormalStatus,
			AbnormalHostIDs: []int64{ps.BkHostID},
		}
	case model.ProcStatusTerminated:
		return startAction(step), model.MigrateReason{
			MigrateType:     model.MigrateTypeAbnormalStatus,
			AbnormalHostIDs: []int64{ps.BkHostID},
		}
	}

	if sub.IsPolicy() && step.Config.PluginVersion != "" && ps.Version != step.Config.PluginVersion {
		return installAction(step), model.MigrateReason{
			MigrateType:    model.MigrateTypeVersionChange,
			CurrentVersion: ps.Version,
			TargetVersion:  step.Config.PluginVersion,
		}
	}

	return "", model.MigrateReason{MigrateType: model.MigrateTypeNotChange}
}

// applyConfigCheck 配置漂移比对
//
// 仅对当前无动作或启动动作的实例执行：重渲染每个配置模板并与
// 已落盘 md5 比对，任一差异翻转为 push_config。渲染 CPU 密集，
// 按有界并发扇出。
func (p *Planner) applyConfigCheck(ctx context.Context, sub *model.Subscription, step *model.Step, instances map[string]*model.Instance, rowsByGroup map[string][]*model.ProcessStatus, groupByNode map[string]string, plan *StepPlan) error {
	if len(step.Config.ConfigTemplates) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.renderWorkers)

	for nodeID, inst := range instances {
		action := plan.InstanceActions[nodeID]
		if action != "" && action != startAction(step) {
			continue
		}
		rows := rowsByGroup[groupByNode[nodeID]]
		if len(rows) != 1 {
			continue
		}
		nodeID, inst, ps := nodeID, inst, rows[0]

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			changed, err := configChanged(sub, step, inst, ps)
			if err != nil {
				return err
			}
			if !changed {
				return nil
			}
			mu.Lock()
			plan.InstanceActions[nodeID] = model.ActionPushConfig
			plan.MigrateReasons[nodeID] = model.MigrateReason{MigrateType: model.MigrateTypeConfigChange}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// configChanged 任一配置模板渲染后的 md5 与落盘值不同即为漂移
func configChanged(sub *model.Subscription, step *model.Step, inst *model.Instance, ps *model.ProcessStatus) (bool, error) {
	renderCtx := render.Context(sub, step, inst)
	for _, tmpl := range step.Config.ConfigTemplates {
		content, err := render.Config(tmpl.Content, renderCtx)
		if err != nil {
			return false, err
		}
		if render.MD5(content) != ps.ConfigMD5(tmpl.Name) {
			return true, nil
		}
	}
	return false, nil
}

// applyExemptions 手动停止豁免与重试抑制
func (p *Planner) applyExemptions(sub *model.Subscription, instances map[string]*model.Instance, rowsByGroup map[string][]*model.ProcessStatus, groupByNode map[string]string, plan *StepPlan, opts Options) {
	if !opts.AutoTrigger {
		return
	}
	for nodeID := range instances {
		rows := rowsByGroup[groupByNode[nodeID]]
		if len(rows) != 1 {
			continue
		}
		ps := rows[0]

		if sub.IsPolicy() && ps.Status == model.ProcStatusManualStop {
			delete(plan.InstanceActions, nodeID)
			plan.MigrateReasons[nodeID] = model.MigrateReason{MigrateType: model.MigrateTypeManualOpExempt}
			continue
		}

		if ps.RetryTimes > MaxRetryTime {
			if _, has := plan.InstanceActions[nodeID]; has {
				delete(plan.InstanceActions, nodeID)
				reason := plan.MigrateReasons[nodeID]
				reason.ExceedMaxRetryTimes = true
				plan.MigrateReasons[nodeID] = reason
			}
		}
	}
}

// applyOutOfScope 出范围处理
//
// 曾归属本订阅但不在当前展开结果中的目标：
//   - 策略自动巡检：休眠处理，仅解除归属，物理插件不动
//   - 其余路径：调度真实卸载
func (p *Planner) applyOutOfScope(ctx context.Context, sub *model.Subscription, step *model.Step, groupByNode map[string]string, plan *StepPlan, opts Options) error {
	owned, err := p.store.ListProcessStatusesBySource(ctx, sub.ID, step.Config.PluginName)
	if err != nil {
		return err
	}

	inScope := make(map[string]bool, len(groupByNode))
	for _, groupID := range groupByNode {
		inScope[groupID] = true
	}

	var releaseIDs []int64
	for _, ps := range owned {
		if ps.GroupID == "" || inScope[ps.GroupID] {
			continue
		}
		nodeID, ok := outOfScopeNodeID(sub, ps.GroupID)
		if !ok {
			continue
		}
		if ps.Status == model.ProcStatusTerminated || ps.Status == model.ProcStatusRemoved {
			continue
		}

		if sub.IsPolicy() && opts.AutoTrigger {
			plan.MigrateReasons[nodeID] = model.MigrateReason{
				MigrateType:       model.MigrateTypeRemoveFromScope,
				OnlyRemoveFromSub: true,
			}
			releaseIDs = append(releaseIDs, ps.ID)
			continue
		}

		plan.InstanceActions[nodeID] = uninstallAction(step)
		plan.MigrateReasons[nodeID] = model.MigrateReason{MigrateType: model.MigrateTypeRemoveFromScope}
	}

	if len(releaseIDs) > 0 && !opts.PreviewOnly {
		if err := p.store.ReleaseProcessOwnership(ctx, releaseIDs); err != nil {
			return err
		}
		log.Printf("[planner.release_ownership] subscription=%d plugin=%s released=%d",
			sub.ID, step.Config.PluginName, len(releaseIDs))
	}
	return nil
}

// planCheckAndSkip check_and_skip 模式
//
// 绕过决策表，按 GSE 实时进程状态判定：非 running（或版本敏感时
// 版本不符）才安装；未应答主机按异常处理。
func (p *Planner) planCheckAndSkip(ctx context.Context, sub *model.Subscription, step *model.Step, instances map[string]*model.Instance, plan *StepPlan) {
	if p.gse == nil {
		for nodeID := range instances {
			plan.InstanceActions[nodeID] = installAction(step)
			plan.MigrateReasons[nodeID] = model.MigrateReason{MigrateType: model.MigrateTypeNewInstall}
		}
		return
	}

	// 按管控版本分桶批量查询
	byVersion := make(map[model.GSEVersion][]*model.Instance)
	for _, inst := range instances {
		if inst.Host == nil {
			continue
		}
		byVersion[inst.Meta.GSEVersion] = append(byVersion[inst.Meta.GSEVersion], inst)
	}

	states := make(map[string]gse.ProcState)
	for version, batch := range byVersion {
		identities := make([]gse.AgentIdentity, 0, len(batch))
		for _, inst := range batch {
			identities = append(identities, gse.AgentIdentity{
				IP:        inst.Host.InnerIP,
				BkCloudID: inst.Host.BkCloudID,
				BkAgentID: inst.Host.BkAgentID,
			})
		}
		got, err := p.gse.For(version).GetProcStatus(ctx, gse.Namespace, step.Config.PluginName, identities)
		if err != nil {
			log.Printf("[planner.check_and_skip_query_failed] subscription=%d err=%v", sub.ID, err)
			continue
		}
		for key, state := range got {
			states[key] = state
		}
	}

	for nodeID, inst := range instances {
		if inst.Host == nil {
			continue
		}
		identity := gse.AgentIdentity{
			IP:        inst.Host.InnerIP,
			BkCloudID: inst.Host.BkCloudID,
			BkAgentID: inst.Host.BkAgentID,
		}
		state, responded := states[identity.Key(inst.Meta.GSEVersion)]

		switch {
		case !responded:
			plan.InstanceActions[nodeID] = installAction(step)
			plan.MigrateReasons[nodeID] = model.MigrateReason{
				MigrateType:     model.MigrateTypeAbnormalStatus,
				AbnormalHostIDs: []int64{inst.Host.BkHostID},
			}
		case !state.Running:
			plan.InstanceActions[nodeID] = installAction(step)
			plan.MigrateReasons[nodeID] = model.MigrateReason{MigrateType: model.MigrateTypeAbnormalStatus,
				AbnormalHostIDs: []int64{inst.Host.BkHostID}}
		case step.Config.IsVersionSensitive && step.Config.PluginVersion != "" && state.Version != step.Config.PluginVersion:
			plan.InstanceActions[nodeID] = installAction(step)
			plan.MigrateReasons[nodeID] = model.MigrateReason{
				MigrateType:    model.MigrateTypeVersionChange,
				CurrentVersion: state.Version,
				TargetVersion:  step.Config.PluginVersion,
			}
		default:
			plan.MigrateReasons[nodeID] = model.MigrateReason{MigrateType: model.MigrateTypeNotChange}
		}
	}
}
