// Package resolver 订阅范围解析
//
// 将 scope 表达式展开为 node_id → Instance 的具体目标集合：
//   - INSTANCE：按主机 ID / IP+云区域 / 服务实例 ID 直接取快照
//   - TOPO：沿业务拓扑树向下收敛到模块，再取模块下主机/服务实例
//   - SERVICE_TEMPLATE / SET_TEMPLATE：先展开为模块节点，再按 TOPO 处理
//
// 同一输入多次解析结果一致；解析结果按 scope 指纹缓存。
package resolver

import (
	"context"
	"fmt"
	"log"

	"nodeman/internal/remote/cmdb"
	"nodeman/internal/shared/cache"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
)

// Resolver 范围解析器
type Resolver struct {
	cmdb  cmdb.Client
	cache cache.ScopeCache
}

// New 创建解析器，scopeCache 可为 nil（不缓存）
func New(cmdbClient cmdb.Client, scopeCache cache.ScopeCache) *Resolver {
	return &Resolver{cmdb: cmdbClient, cache: scopeCache}
}

// Resolve 展开 scope，返回 node_id → Instance
//
// 展开结果为空是合法的（目标可能已全部下线），由规划器决定
// 对出范围实例的处理。命中缓存时不访问 CMDB。
func (r *Resolver) Resolve(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error) {
	fingerprint := scope.Fingerprint()

	if r.cache != nil {
		instances, ok, err := r.cache.GetResolvedScope(ctx, fingerprint)
		if err != nil {
			log.Printf("[resolver.cache_get_failed] fingerprint=%s err=%v", fingerprint, err)
		} else if ok {
			return keyByNodeID(scope, instances), nil
		}
	}

	instances, err := r.resolve(ctx, scope)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetResolvedScope(ctx, fingerprint, instances); err != nil {
			log.Printf("[resolver.cache_set_failed] fingerprint=%s err=%v", fingerprint, err)
		}
	}

	log.Printf("[resolver.resolved] biz=%d node_type=%s nodes=%d instances=%d",
		scope.BkBizID, scope.NodeType, len(scope.Nodes), len(instances))
	return keyByNodeID(scope, instances), nil
}

// Invalidate 主动失效 scope 的解析缓存（订阅范围变更时调用）
func (r *Resolver) Invalidate(ctx context.Context, scope *model.Scope) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.DeleteResolvedScope(ctx, scope.Fingerprint())
}

func (r *Resolver) resolve(ctx context.Context, scope *model.Scope) ([]*model.Instance, error) {
	// 业务集优先展开为逐业务 scope
	if scope.BkBizSetID != 0 && scope.BkBizID == 0 {
		return r.resolveBizSet(ctx, scope)
	}

	switch scope.NodeType {
	case model.NodeTypeInstance:
		if scope.ObjectType == model.ObjectTypeService {
			return r.resolveServiceInstanceNodes(ctx, scope)
		}
		return r.resolveHostInstanceNodes(ctx, scope)

	case model.NodeTypeTopo:
		if err := checkNodeObjectTypes(scope.Nodes); err != nil {
			return nil, err
		}
		return r.resolveTopoNodes(ctx, scope, scope.Nodes)

	case model.NodeTypeServiceTemplate, model.NodeTypeSetTemplate:
		if err := checkNodeObjectTypes(scope.Nodes); err != nil {
			return nil, err
		}
		nodes, err := r.expandTemplateNodes(ctx, scope)
		if err != nil {
			return nil, err
		}
		return r.resolveTopoNodes(ctx, scope, nodes)
	}

	return nil, fmt.Errorf("unsupported node_type %q", scope.NodeType)
}

// resolveBizSet 按业务集展开，逐业务解析后合并
func (r *Resolver) resolveBizSet(ctx context.Context, scope *model.Scope) ([]*model.Instance, error) {
	bizIDs, err := r.cmdb.ListBizInBizSet(ctx, scope.BkBizSetID)
	if err != nil {
		return nil, err
	}

	var merged []*model.Instance
	seen := make(map[string]bool)
	for _, bizID := range bizIDs {
		sub := *scope
		sub.BkBizID = bizID
		sub.BkBizSetID = 0
		instances, err := r.resolve(ctx, &sub)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			id := inst.NodeID(scope.ObjectType, scope.NodeType)
			if seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, inst)
		}
	}
	return merged, nil
}

// checkNodeObjectTypes 校验节点对象类型一致
//
// 同一 scope 混用多种 bk_obj_id（如服务模板与集群模板混排）无法
// 确定展开语义，直接拒绝。
func checkNodeObjectTypes(nodes []model.ScopeNode) error {
	kinds := make(map[string]bool)
	for _, node := range nodes {
		if node.BkObjID != "" {
			kinds[node.BkObjID] = true
		}
	}
	if len(kinds) > 1 {
		return errs.New(errs.ErrMultipleObjectError, "scope nodes reference %d object types", len(kinds))
	}
	return nil
}

// keyByNodeID 以规范化 node_id 为键去重
func keyByNodeID(scope *model.Scope, instances []*model.Instance) map[string]*model.Instance {
	out := make(map[string]*model.Instance, len(instances))
	for _, inst := range instances {
		out[inst.NodeID(scope.ObjectType, scope.NodeType)] = inst
	}
	return out
}
