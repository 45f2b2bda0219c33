// INSTANCE 范围的展开与主机快照归一化
package resolver

import (
	"context"

	"nodeman/internal/remote/cmdb"
	"nodeman/internal/shared/model"
)

// resolveHostInstanceNodes 主机实例节点展开
//
// 节点可按 bk_host_id 或 (ip, bk_cloud_id) 给定，两种写法可混用。
// scope 未带业务时先通过归属关系反查业务再逐业务拉取。
func (r *Resolver) resolveHostInstanceNodes(ctx context.Context, scope *model.Scope) ([]*model.Instance, error) {
	var hostIDs []int64
	ipsByCloud := make(map[int64][]string)
	for _, node := range scope.Nodes {
		switch {
		case node.BkHostID != 0:
			hostIDs = append(hostIDs, node.BkHostID)
		case node.IP != "":
			ipsByCloud[node.BkCloudID] = append(ipsByCloud[node.BkCloudID], node.IP)
		}
	}

	var hosts []cmdb.Host
	bizByHost := make(map[int64]int64)

	if scope.BkBizID != 0 {
		if len(hostIDs) > 0 {
			found, err := r.cmdb.ListBizHosts(ctx, scope.BkBizID, cmdb.HostFilter{BkHostIDs: hostIDs})
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, found...)
		}
		for cloudID, ips := range ipsByCloud {
			cloud := cloudID
			found, err := r.cmdb.ListBizHosts(ctx, scope.BkBizID, cmdb.HostFilter{InnerIPs: ips, BkCloudID: &cloud})
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, found...)
		}
		for _, h := range hosts {
			bizByHost[h.BkHostID] = scope.BkBizID
		}
	} else {
		found, err := r.lookupHostsWithoutBiz(ctx, hostIDs, ipsByCloud, bizByHost)
		if err != nil {
			return nil, err
		}
		hosts = found
	}

	instances := make([]*model.Instance, 0, len(hosts))
	seen := make(map[string]bool)
	for _, h := range hosts {
		info := hostInfoOf(h, bizByHost[h.BkHostID])
		if seen[info.HostKey()] {
			continue
		}
		seen[info.HostKey()] = true
		instances = append(instances, &model.Instance{Host: info})
	}
	return instances, nil
}

// lookupHostsWithoutBiz 无业务上下文的主机查询
//
// IP 节点直接走无业务接口；主机 ID 节点先反查归属业务再逐业务拉取。
func (r *Resolver) lookupHostsWithoutBiz(ctx context.Context, hostIDs []int64, ipsByCloud map[int64][]string, bizByHost map[int64]int64) ([]cmdb.Host, error) {
	var hosts []cmdb.Host

	for cloudID, ips := range ipsByCloud {
		found, err := r.cmdb.ListHostsByIP(ctx, cloudID, ips)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, found...)
	}

	if len(hostIDs) > 0 {
		relations, err := r.cmdb.FindHostBizRelations(ctx, hostIDs)
		if err != nil {
			return nil, err
		}
		hostsByBiz := make(map[int64][]int64)
		for _, rel := range relations {
			if bizByHost[rel.BkHostID] != 0 {
				continue
			}
			bizByHost[rel.BkHostID] = rel.BkBizID
			hostsByBiz[rel.BkBizID] = append(hostsByBiz[rel.BkBizID], rel.BkHostID)
		}
		for bizID, ids := range hostsByBiz {
			found, err := r.cmdb.ListBizHosts(ctx, bizID, cmdb.HostFilter{BkHostIDs: ids})
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, found...)
		}
	}

	// IP 查得的主机同样补全归属业务
	var unknown []int64
	for _, h := range hosts {
		if bizByHost[h.BkHostID] == 0 {
			unknown = append(unknown, h.BkHostID)
		}
	}
	if len(unknown) > 0 {
		relations, err := r.cmdb.FindHostBizRelations(ctx, unknown)
		if err != nil {
			return nil, err
		}
		for _, rel := range relations {
			if bizByHost[rel.BkHostID] == 0 {
				bizByHost[rel.BkHostID] = rel.BkBizID
			}
		}
	}
	return hosts, nil
}

// resolveServiceInstanceNodes 服务实例节点展开
//
// CMDB 未提供按 ID 批量查询服务实例的接口，按业务全量模块拉取后
// 在本地按请求 ID 过滤。
func (r *Resolver) resolveServiceInstanceNodes(ctx context.Context, scope *model.Scope) ([]*model.Instance, error) {
	wanted := make(map[int64]bool, len(scope.Nodes))
	for _, node := range scope.Nodes {
		if node.ID != 0 {
			wanted[node.ID] = true
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	idx, err := r.buildModuleIndex(ctx, scope.BkBizID)
	if err != nil {
		return nil, err
	}
	services, err := r.cmdb.ListServiceInstances(ctx, scope.BkBizID, idx.allModules)
	if err != nil {
		return nil, err
	}

	var matched []cmdb.ServiceInstance
	var hostIDs []int64
	hostSeen := make(map[int64]bool)
	for _, s := range services {
		if !wanted[s.ID] {
			continue
		}
		matched = append(matched, s)
		if !hostSeen[s.BkHostID] {
			hostSeen[s.BkHostID] = true
			hostIDs = append(hostIDs, s.BkHostID)
		}
	}

	hostByID, err := r.hostSnapshots(ctx, scope.BkBizID, hostIDs)
	if err != nil {
		return nil, err
	}

	instances := make([]*model.Instance, 0, len(matched))
	for _, s := range matched {
		instances = append(instances, &model.Instance{
			Service: &model.ServiceInfo{
				ID:       s.ID,
				Name:     s.Name,
				BkHostID: s.BkHostID,
				BkModule: s.BkModuleID,
				BkBizID:  scope.BkBizID,
			},
			Host: hostByID[s.BkHostID],
		})
	}
	return instances, nil
}

// hostInfoOf CMDB 主机转快照
func hostInfoOf(h cmdb.Host, bizID int64) *model.HostInfo {
	return &model.HostInfo{
		BkHostID:          h.BkHostID,
		InnerIP:           h.BkHostInnerIP,
		BkCloudID:         h.BkCloudID,
		BkSupplierAccount: h.BkSupplierAccount,
		BkBizID:           bizID,
		BkAgentID:         h.BkAgentID,
		OsType:            osTypeName(h.BkOsType),
	}
}

// osTypeName CMDB 操作系统编码转名称
func osTypeName(code string) string {
	switch code {
	case "1":
		return "LINUX"
	case "2":
		return "WINDOWS"
	case "3":
		return "AIX"
	case "4":
		return "SOLARIS"
	case "":
		return "LINUX"
	}
	return code
}
