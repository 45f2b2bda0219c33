// Package planner 迁移决策测试
package planner

import (
	"context"
	"testing"

	"nodeman/internal/remote/gse"
	"nodeman/internal/render"
	"nodeman/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 测试夹具
// ============================================================================

type fakeStore struct {
	byGroup  map[string][]*model.ProcessStatus
	bySource map[int64][]*model.ProcessStatus
	policies []*model.Subscription

	released []int64
	resetIDs []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byGroup:  make(map[string][]*model.ProcessStatus),
		bySource: make(map[int64][]*model.ProcessStatus),
	}
}

func (f *fakeStore) addRow(sourceID int64, ps *model.ProcessStatus) {
	f.byGroup[ps.GroupID] = append(f.byGroup[ps.GroupID], ps)
	f.bySource[sourceID] = append(f.bySource[sourceID], ps)
}

func (f *fakeStore) ListProcessStatusesByGroup(ctx context.Context, groupIDs []string) ([]*model.ProcessStatus, error) {
	var out []*model.ProcessStatus
	for _, id := range groupIDs {
		out = append(out, f.byGroup[id]...)
	}
	return out, nil
}

func (f *fakeStore) ListProcessStatusesBySource(ctx context.Context, sourceID int64, name string) ([]*model.ProcessStatus, error) {
	var out []*model.ProcessStatus
	for _, ps := range f.bySource[sourceID] {
		if ps.Name == name {
			out = append(out, ps)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPoliciesByPlugin(ctx context.Context, pluginName string) ([]*model.Subscription, error) {
	return f.policies, nil
}

func (f *fakeStore) ReleaseProcessOwnership(ctx context.Context, ids []int64) error {
	f.released = append(f.released, ids...)
	return nil
}

func (f *fakeStore) ResetProcessRetry(ctx context.Context, ids []int64) error {
	f.resetIDs = append(f.resetIDs, ids...)
	return nil
}

// resolveFunc 以函数形式实现 ScopeResolver
type resolveFunc func(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error)

func (f resolveFunc) Resolve(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error) {
	return f(ctx, scope)
}

func newPolicy(id int64, nodes ...model.ScopeNode) *model.Subscription {
	return &model.Subscription{
		ID:         id,
		Name:       "policy",
		Category:   model.CategoryPolicy,
		Enable:     true,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeTopo,
		Scope: model.Scope{
			BkBizID:    2,
			ObjectType: model.ObjectTypeHost,
			NodeType:   model.NodeTypeTopo,
			Nodes:      nodes,
		},
		Steps: []model.Step{{
			StepID: "basereport",
			Type:   model.StepTypePlugin,
			Config: model.StepConfig{
				JobType:       "MAIN_INSTALL_PLUGIN",
				PluginName:    "basereport",
				PluginVersion: "1.0.0",
			},
		}},
	}
}

func hostInstance(hostID int64, scope ...model.TopoNode) *model.Instance {
	return &model.Instance{
		Host: &model.HostInfo{
			BkHostID:          hostID,
			InnerIP:           "10.0.0.1",
			BkSupplierAccount: "0",
			BkBizID:           2,
			OsType:            "LINUX",
		},
		Scope: scope,
	}
}

func procRow(id, hostID int64, sub *model.Subscription, status model.ProcStatus, version string) *model.ProcessStatus {
	sid := sub.ID
	return &model.ProcessStatus{
		ID:         id,
		BkHostID:   hostID,
		Name:       "basereport",
		SourceType: model.SourceTypeSubscription,
		SourceID:   &sid,
		GroupID:    sub.GroupID(hostInstance(hostID)),
		Status:     status,
		Version:    version,
		IsLatest:   true,
	}
}

func singleInstances(sub *model.Subscription, inst *model.Instance) map[string]*model.Instance {
	return map[string]*model.Instance{
		inst.NodeID(sub.ObjectType, sub.NodeType): inst,
	}
}

// ============================================================================
// AGENT 步骤
// ============================================================================

func TestAgentStepActions(t *testing.T) {
	p := New(newFakeStore(), nil, nil)
	sub := newPolicy(1)
	step := &model.Step{StepID: "agent", Type: model.StepTypeAgent}

	inst := hostInstance(1)
	instances := singleInstances(sub, inst)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)

	plan, err := p.PlanStep(context.Background(), sub, step, instances, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionInstallAgent, plan.InstanceActions[nodeID])

	step.Config.JobType = "reinstall_agent"
	plan, err = p.PlanStep(context.Background(), sub, step, instances, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionReinstallAgent, plan.InstanceActions[nodeID])

	// v2 管控通道切换到 _2 变体
	inst.Meta.GSEVersion = model.GSEVersionV2
	plan, err = p.PlanStep(context.Background(), sub, step, instances, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionReinstallAgent2, plan.InstanceActions[nodeID])
}

// ============================================================================
// PLUGIN 决策表
// ============================================================================

func TestPluginNewInstall(t *testing.T) {
	p := New(newFakeStore(), nil, nil)
	sub := newPolicy(1)
	inst := hostInstance(1)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)

	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], singleInstances(sub, inst), Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionMainInstallPlugin, plan.InstanceActions[nodeID])
	assert.Equal(t, model.MigrateTypeNewInstall, plan.MigrateReasons[nodeID].MigrateType)
}

func TestPluginNotChangeAndDeterminism(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	store.addRow(sub.ID, procRow(10, 1, sub, model.ProcStatusRunning, "1.0.0"))
	p := New(store, nil, nil)

	inst := hostInstance(1)
	instances := singleInstances(sub, inst)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)

	first, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], instances, Options{AutoTrigger: true})
	require.NoError(t, err)
	assert.NotContains(t, first.InstanceActions, nodeID)
	assert.Equal(t, model.MigrateTypeNotChange, first.MigrateReasons[nodeID].MigrateType)

	// 状态不变时重复规划产出一致
	second, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], instances, Options{AutoTrigger: true})
	require.NoError(t, err)
	assert.Equal(t, first.InstanceActions, second.InstanceActions)
	assert.Equal(t, first.MigrateReasons, second.MigrateReasons)
}

func TestPluginAbnormalStatus(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	store.addRow(sub.ID, procRow(10, 1, sub, model.ProcStatusUnknown, "1.0.0"))
	p := New(store, nil, nil)

	inst := hostInstance(1)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)
	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], singleInstances(sub, inst), Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionMainInstallPlugin, plan.InstanceActions[nodeID])
	assert.Equal(t, model.MigrateTypeAbnormalStatus, plan.MigrateReasons[nodeID].MigrateType)
	assert.Equal(t, []int64{1}, plan.MigrateReasons[nodeID].AbnormalHostIDs)
}

func TestPluginTerminatedStarts(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	store.addRow(sub.ID, procRow(10, 1, sub, model.ProcStatusTerminated, "1.0.0"))
	p := New(store, nil, nil)

	inst := hostInstance(1)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)
	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], singleInstances(sub, inst), Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionMainStartPlugin, plan.InstanceActions[nodeID])
}

func TestPluginVersionChange(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	store.addRow(sub.ID, procRow(10, 1, sub, model.ProcStatusRunning, "0.9.0"))
	p := New(store, nil, nil)

	inst := hostInstance(1)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)
	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], singleInstances(sub, inst), Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionMainInstallPlugin, plan.InstanceActions[nodeID])
	reason := plan.MigrateReasons[nodeID]
	assert.Equal(t, model.MigrateTypeVersionChange, reason.MigrateType)
	assert.Equal(t, "0.9.0", reason.CurrentVersion)
	assert.Equal(t, "1.0.0", reason.TargetVersion)
}

// ============================================================================
// 配置漂移
// ============================================================================

func TestPluginConfigChange(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	sub.Steps[0].Config.ConfigTemplates = []model.ConfigTemplateRef{
		{Name: "basereport.conf", IsMain: true, Content: "labels: {{.labels}}"},
	}
	sub.Steps[0].Params.Context = map[string]interface{}{"labels": "new"}

	row := procRow(10, 1, sub, model.ProcStatusRunning, "1.0.0")
	row.Configs = []model.ProcessConfig{
		{Name: "basereport.conf", MD5: render.MD5("labels: old")},
	}
	store.addRow(sub.ID, row)
	p := New(store, nil, nil)

	inst := hostInstance(1)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)
	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], singleInstances(sub, inst), Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionPushConfig, plan.InstanceActions[nodeID])
	assert.Equal(t, model.MigrateTypeConfigChange, plan.MigrateReasons[nodeID].MigrateType)
}

func TestPluginConfigUnchanged(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	sub.Steps[0].Config.ConfigTemplates = []model.ConfigTemplateRef{
		{Name: "basereport.conf", IsMain: true, Content: "labels: {{.labels}}"},
	}
	sub.Steps[0].Params.Context = map[string]interface{}{"labels": "same"}

	row := procRow(10, 1, sub, model.ProcStatusRunning, "1.0.0")
	row.Configs = []model.ProcessConfig{
		{Name: "basereport.conf", MD5: render.MD5("labels: same")},
	}
	store.addRow(sub.ID, row)
	p := New(store, nil, nil)

	inst := hostInstance(1)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)
	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], singleInstances(sub, inst), Options{})
	require.NoError(t, err)
	assert.NotContains(t, plan.InstanceActions, nodeID)
	assert.Equal(t, model.MigrateTypeNotChange, plan.MigrateReasons[nodeID].MigrateType)
}

// ============================================================================
// 豁免与抑制
// ============================================================================

func TestManualStopExempt(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	store.addRow(sub.ID, procRow(10, 1, sub, model.ProcStatusManualStop, "0.9.0"))
	p := New(store, nil, nil)

	inst := hostInstance(1)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)
	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], singleInstances(sub, inst), Options{AutoTrigger: true})
	require.NoError(t, err)
	assert.NotContains(t, plan.InstanceActions, nodeID)
	assert.Equal(t, model.MigrateTypeManualOpExempt, plan.MigrateReasons[nodeID].MigrateType)
}

func TestRetryThrottle(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	row := procRow(10, 1, sub, model.ProcStatusUnknown, "1.0.0")
	row.RetryTimes = MaxRetryTime + 1
	store.addRow(sub.ID, row)
	p := New(store, nil, nil)

	inst := hostInstance(1)
	instances := singleInstances(sub, inst)
	nodeID := inst.NodeID(sub.ObjectType, sub.NodeType)

	// 自动触发超限抑制
	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], instances, Options{AutoTrigger: true})
	require.NoError(t, err)
	assert.NotContains(t, plan.InstanceActions, nodeID)
	assert.True(t, plan.MigrateReasons[nodeID].ExceedMaxRetryTimes)

	// 手动触发清零计数并正常规划
	plan, err = p.PlanStep(context.Background(), sub, &sub.Steps[0], instances, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionMainInstallPlugin, plan.InstanceActions[nodeID])
	assert.Equal(t, []int64{10}, store.resetIDs)
}

func TestPolicySuppression(t *testing.T) {
	winner := newPolicy(1, model.ScopeNode{BkObjID: "module", BkInstID: 50})
	loser := newPolicy(2, model.ScopeNode{BkObjID: "set", BkInstID: 11})
	winner.Name = "module-policy"

	store := newFakeStore()
	store.policies = []*model.Subscription{winner, loser}

	// 两个策略的范围都覆盖主机 1，模块级策略更深
	scopes := resolveFunc(func(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error) {
		node := scope.Nodes[0]
		inst := hostInstance(1, model.TopoNode{BkObjID: node.BkObjID, BkInstID: node.BkInstID})
		return map[string]*model.Instance{
			inst.NodeID(scope.ObjectType, scope.NodeType): inst,
		}, nil
	})
	p := New(store, scopes, nil)

	loserInst := hostInstance(1, model.TopoNode{BkObjID: "set", BkInstID: 11})
	loserInstances := singleInstances(loser, loserInst)
	nodeID := loserInst.NodeID(loser.ObjectType, loser.NodeType)

	plan, err := p.PlanStep(context.Background(), loser, &loser.Steps[0], loserInstances, Options{AutoTrigger: true})
	require.NoError(t, err)
	assert.NotContains(t, plan.InstanceActions, nodeID)
	suppressed := plan.MigrateReasons[nodeID].SuppressedBy
	require.NotNil(t, suppressed)
	assert.Equal(t, winner.ID, suppressed.SubscriptionID)
	assert.Equal(t, "module-policy", suppressed.Name)
	assert.Equal(t, "module", suppressed.BkObjID)

	// 胜者自身规划不受影响
	winnerInst := hostInstance(1, model.TopoNode{BkObjID: "module", BkInstID: 50})
	winnerInstances := singleInstances(winner, winnerInst)
	winnerNodeID := winnerInst.NodeID(winner.ObjectType, winner.NodeType)

	plan, err = p.PlanStep(context.Background(), winner, &winner.Steps[0], winnerInstances, Options{AutoTrigger: true})
	require.NoError(t, err)
	assert.Equal(t, model.ActionMainInstallPlugin, plan.InstanceActions[winnerNodeID])
	assert.Nil(t, plan.MigrateReasons[winnerNodeID].SuppressedBy)
}

// ============================================================================
// 出范围
// ============================================================================

func TestOutOfScopePolicyReleasesOwnership(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	store.addRow(sub.ID, procRow(10, 1, sub, model.ProcStatusRunning, "1.0.0"))
	p := New(store, nil, nil)

	// 当前展开结果不再包含主机 1
	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], nil, Options{AutoTrigger: true})
	require.NoError(t, err)

	nodeID, ok := outOfScopeNodeID(sub, sub.GroupID(hostInstance(1)))
	require.True(t, ok)
	assert.NotContains(t, plan.InstanceActions, nodeID)
	reason := plan.MigrateReasons[nodeID]
	assert.Equal(t, model.MigrateTypeRemoveFromScope, reason.MigrateType)
	assert.True(t, reason.OnlyRemoveFromSub)
	assert.Equal(t, []int64{10}, store.released)
}

func TestOutOfScopeManualUninstalls(t *testing.T) {
	store := newFakeStore()
	sub := newPolicy(1)
	store.addRow(sub.ID, procRow(10, 1, sub, model.ProcStatusRunning, "1.0.0"))
	p := New(store, nil, nil)

	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], nil, Options{})
	require.NoError(t, err)

	nodeID, ok := outOfScopeNodeID(sub, sub.GroupID(hostInstance(1)))
	require.True(t, ok)
	assert.Equal(t, model.ActionStopAndDeletePlugin, plan.InstanceActions[nodeID])
	assert.Equal(t, model.MigrateTypeRemoveFromScope, plan.MigrateReasons[nodeID].MigrateType)
	assert.Empty(t, store.released)
}

// ============================================================================
// check_and_skip
// ============================================================================

func TestCheckAndSkip(t *testing.T) {
	fake := gse.NewFakeClient()
	selector := gse.NewSelector(fake, fake)

	store := newFakeStore()
	sub := newPolicy(1)
	sub.Steps[0].Config.CheckAndSkip = true
	sub.Steps[0].Config.IsVersionSensitive = true
	p := New(store, nil, selector)

	running := hostInstance(1)
	stopped := hostInstance(2)
	stopped.Host.InnerIP = "10.0.0.2"
	stale := hostInstance(3)
	stale.Host.InnerIP = "10.0.0.3"
	silent := hostInstance(4)
	silent.Host.InnerIP = "10.0.0.4"

	key := func(inst *model.Instance) string {
		return gse.ResultKey(gse.Namespace, "basereport", gse.AgentIdentity{
			IP: inst.Host.InnerIP, BkCloudID: inst.Host.BkCloudID,
		})
	}
	fake.ProcStates[key(running)] = gse.ProcState{Running: true, Version: "1.0.0"}
	fake.ProcStates[key(stopped)] = gse.ProcState{Running: false}
	fake.ProcStates[key(stale)] = gse.ProcState{Running: true, Version: "0.9.0"}

	instances := map[string]*model.Instance{}
	for _, inst := range []*model.Instance{running, stopped, stale, silent} {
		instances[inst.NodeID(sub.ObjectType, sub.NodeType)] = inst
	}

	plan, err := p.PlanStep(context.Background(), sub, &sub.Steps[0], instances, Options{AutoTrigger: true})
	require.NoError(t, err)

	nodeOf := func(inst *model.Instance) string { return inst.NodeID(sub.ObjectType, sub.NodeType) }
	assert.NotContains(t, plan.InstanceActions, nodeOf(running))
	assert.Equal(t, model.ActionMainInstallPlugin, plan.InstanceActions[nodeOf(stopped)])
	assert.Equal(t, model.MigrateTypeVersionChange, plan.MigrateReasons[nodeOf(stale)].MigrateType)
	assert.Equal(t, model.ActionMainInstallPlugin, plan.InstanceActions[nodeOf(stale)])
	assert.Equal(t, model.MigrateTypeAbnormalStatus, plan.MigrateReasons[nodeOf(silent)].MigrateType)
}
