// Package resolver 范围解析测试
//
// 使用进程内假 CMDB 与内存缓存覆盖各 node_type 的展开路径。
package resolver

import (
	"context"
	"testing"

	"nodeman/internal/remote/cmdb"
	"nodeman/internal/shared/cache"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCMDB 预置一个两模块的业务拓扑
//
//	biz 2
//	└── set 3
//	    ├── module 10: host 1(linux), host 2(windows)
//	    └── module 11: host 2, host 3(linux)
func newTestCMDB() *cmdb.FakeClient {
	fake := cmdb.NewFakeClient()
	fake.Hosts[2] = []cmdb.Host{
		{BkHostID: 1, BkHostInnerIP: "10.0.0.1", BkCloudID: 0, BkSupplierAccount: "0", BkOsType: "1"},
		{BkHostID: 2, BkHostInnerIP: "10.0.0.2", BkCloudID: 0, BkSupplierAccount: "0", BkOsType: "2"},
		{BkHostID: 3, BkHostInnerIP: "10.0.0.3", BkCloudID: 1, BkSupplierAccount: "0", BkOsType: "1"},
	}
	fake.Topo[2] = []cmdb.TopoNode{
		{
			BkObjID: "biz", BkInstID: 2,
			Child: []cmdb.TopoNode{
				{
					BkObjID: "set", BkInstID: 3,
					Child: []cmdb.TopoNode{
						{BkObjID: "module", BkInstID: 10},
						{BkObjID: "module", BkInstID: 11},
					},
				},
			},
		},
	}
	fake.ModulesByHost[1] = []int64{10}
	fake.ModulesByHost[2] = []int64{10, 11}
	fake.ModulesByHost[3] = []int64{11}
	return fake
}

func hostIDs(instances map[string]*model.Instance) []int64 {
	var ids []int64
	for _, inst := range instances {
		ids = append(ids, inst.Host.BkHostID)
	}
	return ids
}

// ============================================================================
// INSTANCE 展开
// ============================================================================

func TestResolveHostInstanceNodes(t *testing.T) {
	r := New(newTestCMDB(), nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeInstance,
		Nodes: []model.ScopeNode{
			{BkHostID: 1},
			{IP: "10.0.0.3", BkCloudID: 1},
		},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.ElementsMatch(t, []int64{1, 3}, hostIDs(instances))

	inst, ok := instances["host|instance|host|1"]
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", inst.Host.InnerIP)
	assert.Equal(t, "LINUX", inst.Host.OsType)
	assert.Equal(t, int64(2), inst.Host.BkBizID)
}

func TestResolveHostInstanceDedup(t *testing.T) {
	r := New(newTestCMDB(), nil)

	// 同一主机按 ID 与 IP 重复给定，只产出一个实例
	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeInstance,
		Nodes: []model.ScopeNode{
			{BkHostID: 1},
			{IP: "10.0.0.1", BkCloudID: 0},
		},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestResolveHostInstanceWithoutBiz(t *testing.T) {
	r := New(newTestCMDB(), nil)

	scope := &model.Scope{
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeInstance,
		Nodes: []model.ScopeNode{
			{BkHostID: 2},
			{IP: "10.0.0.3", BkCloudID: 1},
		},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	for _, inst := range instances {
		assert.Equal(t, int64(2), inst.Host.BkBizID)
	}
}

func TestResolveServiceInstanceNodes(t *testing.T) {
	fake := newTestCMDB()
	fake.ServiceInstances[10] = []cmdb.ServiceInstance{
		{ID: 100, Name: "svc-a", BkHostID: 1, BkModuleID: 10, BkBizID: 2},
		{ID: 101, Name: "svc-b", BkHostID: 2, BkModuleID: 10, BkBizID: 2},
	}
	r := New(fake, nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeService,
		NodeType:   model.NodeTypeInstance,
		Nodes:      []model.ScopeNode{{ID: 100}},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	inst, ok := instances["service|instance|service|100"]
	require.True(t, ok)
	assert.Equal(t, "svc-a", inst.Service.Name)
	require.NotNil(t, inst.Host)
	assert.Equal(t, int64(1), inst.Host.BkHostID)
}

// ============================================================================
// TOPO 展开
// ============================================================================

func TestResolveTopoSet(t *testing.T) {
	r := New(newTestCMDB(), nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeTopo,
		Nodes:      []model.ScopeNode{{BkObjID: "set", BkInstID: 3}},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, hostIDs(instances))

	// 责任节点回注到实例 scope
	inst := instances["host|topo|host|1"]
	require.NotNil(t, inst)
	require.Len(t, inst.Scope, 1)
	assert.Equal(t, "set|3", inst.Scope[0].NodeID())
}

func TestResolveTopoModule(t *testing.T) {
	r := New(newTestCMDB(), nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeTopo,
		Nodes:      []model.ScopeNode{{BkObjID: "module", BkInstID: 11}},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, hostIDs(instances))
}

func TestResolveTopoInternalModule(t *testing.T) {
	fake := newTestCMDB()
	fake.Internal[2] = &cmdb.InternalTopo{
		BkSetID: 4,
		Module: []struct {
			BkModuleID   int64  `json:"bk_module_id"`
			BkModuleName string `json:"bk_module_name"`
		}{{BkModuleID: 12, BkModuleName: "空闲机"}},
	}
	fake.Hosts[2] = append(fake.Hosts[2],
		cmdb.Host{BkHostID: 4, BkHostInnerIP: "10.0.0.4", BkSupplierAccount: "0", BkOsType: "1"})
	fake.ModulesByHost[4] = []int64{12}
	r := New(fake, nil)

	// 业务节点覆盖常规模块与内置模块
	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeTopo,
		Nodes:      []model.ScopeNode{{BkObjID: "biz", BkInstID: 2}},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, hostIDs(instances))
}

func TestResolveTopoService(t *testing.T) {
	fake := newTestCMDB()
	fake.ServiceInstances[10] = []cmdb.ServiceInstance{
		{ID: 100, Name: "svc-a", BkHostID: 1, BkModuleID: 10, BkBizID: 2},
	}
	fake.ServiceInstances[11] = []cmdb.ServiceInstance{
		{ID: 102, Name: "svc-c", BkHostID: 3, BkModuleID: 11, BkBizID: 2},
	}
	r := New(fake, nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeService,
		NodeType:   model.NodeTypeTopo,
		Nodes:      []model.ScopeNode{{BkObjID: "set", BkInstID: 3}},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	inst := instances["service|topo|service|102"]
	require.NotNil(t, inst)
	assert.Equal(t, int64(11), inst.Service.BkModule)
	require.NotNil(t, inst.Host)
	assert.Equal(t, "10.0.0.3", inst.Host.InnerIP)
}

func TestResolveEmptyExpansionIsLegal(t *testing.T) {
	r := New(newTestCMDB(), nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeTopo,
		Nodes:      []model.ScopeNode{{BkObjID: "module", BkInstID: 999}},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

// ============================================================================
// 模板展开
// ============================================================================

func TestResolveServiceTemplate(t *testing.T) {
	fake := newTestCMDB()
	fake.ServiceTemplateModules[7] = []int64{10}
	r := New(fake, nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeServiceTemplate,
		Nodes:      []model.ScopeNode{{BkObjID: "SERVICE_TEMPLATE", BkInstID: 7}},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, hostIDs(instances))
}

func TestResolveSetTemplate(t *testing.T) {
	fake := newTestCMDB()
	fake.SetTemplateModules[8] = []int64{11}
	r := New(fake, nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeSetTemplate,
		Nodes:      []model.ScopeNode{{BkObjID: "SET_TEMPLATE", BkInstID: 8}},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, hostIDs(instances))
}

func TestResolveMixedObjectTypesRejected(t *testing.T) {
	r := New(newTestCMDB(), nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeServiceTemplate,
		Nodes: []model.ScopeNode{
			{BkObjID: "SERVICE_TEMPLATE", BkInstID: 7},
			{BkObjID: "SET_TEMPLATE", BkInstID: 8},
		},
	}
	_, err := r.Resolve(context.Background(), scope)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMultipleObjectError)
}

// ============================================================================
// 业务集与缓存
// ============================================================================

func TestResolveBizSet(t *testing.T) {
	fake := newTestCMDB()
	fake.Hosts[5] = []cmdb.Host{
		{BkHostID: 9, BkHostInnerIP: "10.0.1.9", BkSupplierAccount: "0", BkOsType: "1"},
	}
	fake.Topo[5] = []cmdb.TopoNode{
		{
			BkObjID: "biz", BkInstID: 5,
			Child: []cmdb.TopoNode{{BkObjID: "module", BkInstID: 20}},
		},
	}
	fake.ModulesByHost[9] = []int64{20}
	fake.BizSets[99] = []int64{2, 5}
	r := New(fake, nil)

	// 逐业务展开各自的业务节点
	scope := &model.Scope{
		BkBizSetID: 99,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeInstance,
		Nodes: []model.ScopeNode{
			{BkHostID: 1},
			{BkHostID: 9},
		},
	}
	instances, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 9}, hostIDs(instances))
}

func TestResolveUsesCache(t *testing.T) {
	fake := newTestCMDB()
	c := cache.NewMemoryCache()
	r := New(fake, c)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeInstance,
		Nodes:      []model.ScopeNode{{BkHostID: 1}},
	}
	first, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// 命中缓存后 CMDB 数据变化不影响结果
	fake.Hosts[2] = nil
	second, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.Len(t, second, 1)

	// 失效后重新解析
	require.NoError(t, r.Invalidate(context.Background(), scope))
	third, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestResolveDeterministic(t *testing.T) {
	r := New(newTestCMDB(), nil)

	scope := &model.Scope{
		BkBizID:    2,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeTopo,
		Nodes:      []model.ScopeNode{{BkObjID: "set", BkInstID: 3}},
	}
	first, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), scope)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for id := range first {
		assert.Contains(t, second, id)
	}
}
