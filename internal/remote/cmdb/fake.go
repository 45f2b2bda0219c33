// Package cmdb CMDB 客户端 fake 实现（用于测试）
package cmdb

import (
	"context"
	"sync"
)

// FakeClient 进程内假 CMDB，按预置数据应答
type FakeClient struct {
	mu sync.RWMutex

	// Hosts 全量主机，bizID → hosts
	Hosts map[int64][]Host

	// Topo bizID → 拓扑树
	Topo map[int64][]TopoNode

	// Internal bizID → 内置节点
	Internal map[int64]*InternalTopo

	// ServiceInstances moduleID → 服务实例
	ServiceInstances map[int64][]ServiceInstance

	// ModulesByHost hostID → 所属模块 ID（ListBizHosts 模块过滤用）
	ModulesByHost map[int64][]int64

	// ServiceTemplateModules templateID → 模块 ID
	ServiceTemplateModules map[int64][]int64

	// SetTemplateModules templateID → 模块 ID
	SetTemplateModules map[int64][]int64

	// BizSets bizSetID → 业务 ID
	BizSets map[int64][]int64
}

// NewFakeClient 创建空的 FakeClient
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Hosts:                  make(map[int64][]Host),
		Topo:                   make(map[int64][]TopoNode),
		Internal:               make(map[int64]*InternalTopo),
		ServiceInstances:       make(map[int64][]ServiceInstance),
		ModulesByHost:          make(map[int64][]int64),
		ServiceTemplateModules: make(map[int64][]int64),
		SetTemplateModules:     make(map[int64][]int64),
		BizSets:                make(map[int64][]int64),
	}
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) ListBizHosts(ctx context.Context, bizID int64, filter HostFilter) ([]Host, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Host
	for _, h := range f.Hosts[bizID] {
		if !matchHost(h, filter) {
			continue
		}
		if len(filter.BkModuleIDs) > 0 && !f.hostInModules(h.BkHostID, filter.BkModuleIDs) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func matchHost(h Host, filter HostFilter) bool {
	if len(filter.BkHostIDs) > 0 && !containsInt64(filter.BkHostIDs, h.BkHostID) {
		return false
	}
	if len(filter.InnerIPs) > 0 && !containsString(filter.InnerIPs, h.BkHostInnerIP) {
		return false
	}
	if filter.BkCloudID != nil && h.BkCloudID != *filter.BkCloudID {
		return false
	}
	return true
}

func (f *FakeClient) hostInModules(hostID int64, moduleIDs []int64) bool {
	for _, m := range f.ModulesByHost[hostID] {
		if containsInt64(moduleIDs, m) {
			return true
		}
	}
	return false
}

func (f *FakeClient) ListHostsByIP(ctx context.Context, cloudID int64, ips []string) ([]Host, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Host
	for _, hosts := range f.Hosts {
		for _, h := range hosts {
			if h.BkCloudID == cloudID && containsString(ips, h.BkHostInnerIP) {
				out = append(out, h)
			}
		}
	}
	return out, nil
}

func (f *FakeClient) SearchBizInstTopo(ctx context.Context, bizID int64) ([]TopoNode, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.Topo[bizID], nil
}

func (f *FakeClient) GetBizInternalModule(ctx context.Context, bizID int64) (*InternalTopo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if internal, ok := f.Internal[bizID]; ok {
		return internal, nil
	}
	return &InternalTopo{}, nil
}

func (f *FakeClient) ListServiceInstances(ctx context.Context, bizID int64, moduleIDs []int64) ([]ServiceInstance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []ServiceInstance
	for _, moduleID := range moduleIDs {
		out = append(out, f.ServiceInstances[moduleID]...)
	}
	return out, nil
}

func (f *FakeClient) FindModulesByServiceTemplate(ctx context.Context, bizID, templateID int64) ([]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ServiceTemplateModules[templateID], nil
}

func (f *FakeClient) FindModulesBySetTemplate(ctx context.Context, bizID, templateID int64) ([]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.SetTemplateModules[templateID], nil
}

func (f *FakeClient) ListBizInBizSet(ctx context.Context, bizSetID int64) ([]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.BizSets[bizSetID], nil
}

func (f *FakeClient) FindHostBizRelations(ctx context.Context, hostIDs []int64) ([]HostBizRelation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []HostBizRelation
	for bizID, hosts := range f.Hosts {
		for _, h := range hosts {
			if !containsInt64(hostIDs, h.BkHostID) {
				continue
			}
			modules := f.ModulesByHost[h.BkHostID]
			if len(modules) == 0 {
				out = append(out, HostBizRelation{BkHostID: h.BkHostID, BkBizID: bizID})
				continue
			}
			for _, m := range modules {
				out = append(out, HostBizRelation{BkHostID: h.BkHostID, BkBizID: bizID, BkModuleID: m})
			}
		}
	}
	return out, nil
}

func containsInt64(s []int64, v int64) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
