// Package planner 步骤迁移规划
//
// 对每个订阅步骤，比较期望状态（步骤配置）与观测状态（进程状态表），
// 产出 实例 → 动作 映射与结构化迁移原因。同一输入必定产出同一输出。
package planner

import (
	"context"
	"fmt"
	"strings"

	"nodeman/internal/remote/gse"
	"nodeman/internal/shared/model"
)

// MaxRetryTime 自动触发下的重试上限，超出即抑制
const MaxRetryTime = 3

// defaultRenderWorkers 配置比对渲染的并发上限
const defaultRenderWorkers = 10

// Store 规划器依赖的存储能力
type Store interface {
	ListProcessStatusesByGroup(ctx context.Context, groupIDs []string) ([]*model.ProcessStatus, error)
	ListProcessStatusesBySource(ctx context.Context, sourceID int64, name string) ([]*model.ProcessStatus, error)
	ListPoliciesByPlugin(ctx context.Context, pluginName string) ([]*model.Subscription, error)
	ReleaseProcessOwnership(ctx context.Context, ids []int64) error
	ResetProcessRetry(ctx context.Context, ids []int64) error
}

// ScopeResolver 竞争策略范围解析能力（优先级抑制用）
type ScopeResolver interface {
	Resolve(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error)
}

// Planner 规划器
type Planner struct {
	store         Store
	scopes        ScopeResolver
	gse           *gse.Selector
	renderWorkers int
}

// New 创建规划器
//
// scopes 与 gseSelector 可为 nil：前者关闭优先级抑制，
// 后者使 check_and_skip 步骤退化为常规决策表。
func New(store Store, scopes ScopeResolver, gseSelector *gse.Selector) *Planner {
	return &Planner{
		store:         store,
		scopes:        scopes,
		gse:           gseSelector,
		renderWorkers: defaultRenderWorkers,
	}
}

// Options 规划选项
type Options struct {
	// AutoTrigger 策略周期巡检触发（启用抑制/豁免规则）
	AutoTrigger bool

	// PreviewOnly 仅预览，不产生任何存储副作用
	PreviewOnly bool
}

// StepPlan 单步骤的规划输出
type StepPlan struct {
	// InstanceActions node_id → 动作；无动作的实例不在其中
	InstanceActions map[string]model.Action

	// MigrateReasons node_id → 迁移原因；覆盖所有参与判定的实例
	MigrateReasons map[string]model.MigrateReason
}

// PlanStep 规划单个步骤
func (p *Planner) PlanStep(ctx context.Context, sub *model.Subscription, step *model.Step, instances map[string]*model.Instance, opts Options) (*StepPlan, error) {
	if step.Type == model.StepTypeAgent {
		return p.planAgentStep(sub, step, instances), nil
	}
	return p.planPluginStep(ctx, sub, step, instances, opts)
}

// Plan 规划全部步骤，汇总为任务动作表
func (p *Planner) Plan(ctx context.Context, sub *model.Subscription, instances map[string]*model.Instance, opts Options) (map[string]model.StepActions, map[string]map[string]model.MigrateReason, error) {
	actions := make(map[string]model.StepActions)
	reasons := make(map[string]map[string]model.MigrateReason)

	for i := range sub.Steps {
		step := &sub.Steps[i]
		plan, err := p.PlanStep(ctx, sub, step, instances, opts)
		if err != nil {
			return nil, nil, err
		}
		for nodeID, action := range plan.InstanceActions {
			if actions[nodeID] == nil {
				actions[nodeID] = make(model.StepActions)
			}
			actions[nodeID][step.StepID] = action
		}
		for nodeID, reason := range plan.MigrateReasons {
			if reasons[nodeID] == nil {
				reasons[nodeID] = make(map[string]model.MigrateReason)
			}
			reasons[nodeID][step.StepID] = reason
		}
	}
	return actions, reasons, nil
}

// planAgentStep AGENT 步骤的简单规则
//
// job_type 显式给定即为动作，否则默认安装。v2 管控通道的实例
// 切换到 _2 变体动作。
func (p *Planner) planAgentStep(sub *model.Subscription, step *model.Step, instances map[string]*model.Instance) *StepPlan {
	plan := &StepPlan{
		InstanceActions: make(map[string]model.Action),
		MigrateReasons:  make(map[string]model.MigrateReason),
	}
	for nodeID, inst := range instances {
		action := model.ActionInstallAgent
		if step.Config.JobType != "" {
			action = model.Action(strings.ToUpper(step.Config.JobType))
		}
		plan.InstanceActions[nodeID] = action.ForGSEVersion(inst.Meta.GSEVersion)
		plan.MigrateReasons[nodeID] = model.MigrateReason{MigrateType: model.MigrateTypeNewInstall}
	}
	return plan
}

// ============================================================================
// 动作推导
// ============================================================================

// installAction 步骤的安装语义动作
func installAction(step *model.Step) model.Action {
	if step.Config.JobType != "" {
		return model.Action(strings.ToUpper(step.Config.JobType))
	}
	return model.ActionInstall
}

// startAction 步骤的启动语义动作
func startAction(step *model.Step) model.Action {
	if strings.HasPrefix(strings.ToUpper(step.Config.JobType), "MAIN_") {
		return model.ActionMainStartPlugin
	}
	return model.ActionStart
}

// uninstallAction 步骤的卸载语义动作
func uninstallAction(step *model.Step) model.Action {
	if strings.HasPrefix(strings.ToUpper(step.Config.JobType), "MAIN_") {
		return model.ActionStopAndDeletePlugin
	}
	return model.ActionUninstall
}

// outOfScopeNodeID 从 group_id 还原出范围实例的 node_id
//
// group_id 形如 sub_{sid}_{object_type}_{key}，key 即实例标识。
func outOfScopeNodeID(sub *model.Subscription, groupID string) (string, bool) {
	prefix := fmt.Sprintf("sub_%d_%s_", sub.ID, strings.ToLower(string(sub.ObjectType)))
	if !strings.HasPrefix(groupID, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(groupID, prefix)
	kind := "host"
	if sub.ObjectType == model.ObjectTypeService {
		kind = "service"
	}
	return fmt.Sprintf("%s|%s|%s|%s",
		strings.ToLower(string(sub.ObjectType)), strings.ToLower(string(sub.NodeType)), kind, key), true
}
