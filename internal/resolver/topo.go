// 拓扑与模板范围的展开
package resolver

import (
	"context"
	"fmt"
	"sort"

	"nodeman/internal/remote/cmdb"
	"nodeman/internal/shared/model"
)

// moduleIndex 业务拓扑索引
//
// 由拓扑树与内置节点一次性构建，回答"某拓扑节点下有哪些模块"。
type moduleIndex struct {
	// byNode node_id（如 "set|3"）→ 该节点下所有模块 ID
	byNode map[string][]int64

	// allModules 业务下全部模块 ID（含内置模块），升序
	allModules []int64
}

// buildModuleIndex 拉取拓扑树并建立节点 → 模块索引
func (r *Resolver) buildModuleIndex(ctx context.Context, bizID int64) (*moduleIndex, error) {
	topo, err := r.cmdb.SearchBizInstTopo(ctx, bizID)
	if err != nil {
		return nil, err
	}
	internal, err := r.cmdb.GetBizInternalModule(ctx, bizID)
	if err != nil {
		return nil, err
	}

	idx := &moduleIndex{byNode: make(map[string][]int64)}
	for _, root := range topo {
		collectModules(root, idx)
	}

	// 内置节点挂在业务节点下，单独并入
	if internal != nil && len(internal.Module) > 0 {
		var internalModules []int64
		for _, m := range internal.Module {
			internalModules = append(internalModules, m.BkModuleID)
			idx.byNode[nodeKey("module", m.BkModuleID)] = []int64{m.BkModuleID}
		}
		if internal.BkSetID != 0 {
			idx.byNode[nodeKey("set", internal.BkSetID)] = internalModules
		}
		bizKey := nodeKey("biz", bizID)
		idx.byNode[bizKey] = append(idx.byNode[bizKey], internalModules...)
	}

	seen := make(map[int64]bool)
	for _, modules := range idx.byNode {
		for _, m := range modules {
			if !seen[m] {
				seen[m] = true
				idx.allModules = append(idx.allModules, m)
			}
		}
	}
	sort.Slice(idx.allModules, func(i, j int) bool { return idx.allModules[i] < idx.allModules[j] })
	return idx, nil
}

// collectModules 后序遍历，子树模块向上累加
func collectModules(node cmdb.TopoNode, idx *moduleIndex) []int64 {
	if node.BkObjID == "module" {
		modules := []int64{node.BkInstID}
		idx.byNode[nodeKey("module", node.BkInstID)] = modules
		return modules
	}
	var modules []int64
	for _, child := range node.Child {
		modules = append(modules, collectModules(child, idx)...)
	}
	idx.byNode[nodeKey(node.BkObjID, node.BkInstID)] = modules
	return modules
}

func nodeKey(objID string, instID int64) string {
	return fmt.Sprintf("%s|%d", objID, instID)
}

// modulesOf 查询 scope 节点下的模块集合
func (idx *moduleIndex) modulesOf(node model.ScopeNode) []int64 {
	return idx.byNode[nodeKey(node.BkObjID, node.BkInstID)]
}

// expandTemplateNodes 模板节点展开为模块拓扑节点
func (r *Resolver) expandTemplateNodes(ctx context.Context, scope *model.Scope) ([]model.ScopeNode, error) {
	find := r.cmdb.FindModulesByServiceTemplate
	if scope.NodeType == model.NodeTypeSetTemplate {
		find = r.cmdb.FindModulesBySetTemplate
	}

	var nodes []model.ScopeNode
	for _, node := range scope.Nodes {
		moduleIDs, err := find(ctx, scope.BkBizID, node.BkInstID)
		if err != nil {
			return nil, err
		}
		for _, moduleID := range moduleIDs {
			nodes = append(nodes, model.ScopeNode{BkObjID: "module", BkInstID: moduleID})
		}
	}
	return nodes, nil
}

// resolveTopoNodes 拓扑节点展开为实例
func (r *Resolver) resolveTopoNodes(ctx context.Context, scope *model.Scope, nodes []model.ScopeNode) ([]*model.Instance, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	idx, err := r.buildModuleIndex(ctx, scope.BkBizID)
	if err != nil {
		return nil, err
	}

	// 各 scope 节点的模块集合与模块 → 责任节点反查表
	moduleSources := make(map[int64][]model.TopoNode)
	var allModules []int64
	seen := make(map[int64]bool)
	for _, node := range nodes {
		source := model.TopoNode{BkObjID: node.BkObjID, BkInstID: node.BkInstID}
		for _, moduleID := range idx.modulesOf(node) {
			moduleSources[moduleID] = append(moduleSources[moduleID], source)
			if !seen[moduleID] {
				seen[moduleID] = true
				allModules = append(allModules, moduleID)
			}
		}
	}
	if len(allModules) == 0 {
		return nil, nil
	}
	sort.Slice(allModules, func(i, j int) bool { return allModules[i] < allModules[j] })

	if scope.ObjectType == model.ObjectTypeService {
		return r.topoServiceInstances(ctx, scope, allModules, moduleSources)
	}
	return r.topoHostInstances(ctx, scope, allModules, moduleSources)
}

// topoHostInstances 模块集合下的主机实例
func (r *Resolver) topoHostInstances(ctx context.Context, scope *model.Scope, moduleIDs []int64, moduleSources map[int64][]model.TopoNode) ([]*model.Instance, error) {
	hosts, err := r.cmdb.ListBizHosts(ctx, scope.BkBizID, cmdb.HostFilter{BkModuleIDs: moduleIDs})
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, nil
	}

	hostModules, err := r.hostModuleMap(ctx, hosts)
	if err != nil {
		return nil, err
	}

	instances := make([]*model.Instance, 0, len(hosts))
	for _, h := range hosts {
		inst := &model.Instance{
			Host:  hostInfoOf(h, scope.BkBizID),
			Scope: scopeNodesFor(hostModules[h.BkHostID], moduleSources),
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// topoServiceInstances 模块集合下的服务实例
func (r *Resolver) topoServiceInstances(ctx context.Context, scope *model.Scope, moduleIDs []int64, moduleSources map[int64][]model.TopoNode) ([]*model.Instance, error) {
	services, err := r.cmdb.ListServiceInstances(ctx, scope.BkBizID, moduleIDs)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, nil
	}

	hostIDs := make([]int64, 0, len(services))
	hostSeen := make(map[int64]bool)
	for _, s := range services {
		if !hostSeen[s.BkHostID] {
			hostSeen[s.BkHostID] = true
			hostIDs = append(hostIDs, s.BkHostID)
		}
	}
	hostByID, err := r.hostSnapshots(ctx, scope.BkBizID, hostIDs)
	if err != nil {
		return nil, err
	}

	instances := make([]*model.Instance, 0, len(services))
	for _, s := range services {
		inst := &model.Instance{
			Service: &model.ServiceInfo{
				ID:       s.ID,
				Name:     s.Name,
				BkHostID: s.BkHostID,
				BkModule: s.BkModuleID,
				BkBizID:  scope.BkBizID,
			},
			Host:  hostByID[s.BkHostID],
			Scope: scopeNodesFor([]int64{s.BkModuleID}, moduleSources),
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// hostModuleMap 主机 → 归属模块
func (r *Resolver) hostModuleMap(ctx context.Context, hosts []cmdb.Host) (map[int64][]int64, error) {
	hostIDs := make([]int64, 0, len(hosts))
	for _, h := range hosts {
		hostIDs = append(hostIDs, h.BkHostID)
	}
	relations, err := r.cmdb.FindHostBizRelations(ctx, hostIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]int64)
	for _, rel := range relations {
		if rel.BkModuleID != 0 {
			out[rel.BkHostID] = append(out[rel.BkHostID], rel.BkModuleID)
		}
	}
	return out, nil
}

// scopeNodesFor 按主机归属模块反查责任 scope 节点，去重保序
func scopeNodesFor(moduleIDs []int64, moduleSources map[int64][]model.TopoNode) []model.TopoNode {
	var out []model.TopoNode
	seen := make(map[string]bool)
	for _, moduleID := range moduleIDs {
		for _, source := range moduleSources[moduleID] {
			id := source.NodeID()
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, source)
		}
	}
	return out
}

// hostSnapshots 按主机 ID 批量取快照
func (r *Resolver) hostSnapshots(ctx context.Context, bizID int64, hostIDs []int64) (map[int64]*model.HostInfo, error) {
	if len(hostIDs) == 0 {
		return nil, nil
	}
	hosts, err := r.cmdb.ListBizHosts(ctx, bizID, cmdb.HostFilter{BkHostIDs: hostIDs})
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*model.HostInfo, len(hosts))
	for _, h := range hosts {
		out[h.BkHostID] = hostInfoOf(h, bizID)
	}
	return out, nil
}
