// Package cmdb CMDB 客户端
//
// 封装配置平台 OpenAPI：主机/拓扑/服务实例查询，分页在客户端内部完成。
package cmdb

import (
	"context"
	"fmt"
	"log"

	"github.com/go-resty/resty/v2"

	"nodeman/internal/remote"
)

// PageSize CMDB 查询单页上限
const PageSize = 500

// Client CMDB 客户端接口
type Client interface {
	// ListBizHosts 按过滤条件查询业务下主机（自动翻页）
	ListBizHosts(ctx context.Context, bizID int64, filter HostFilter) ([]Host, error)

	// ListHostsByIP 无业务上下文按 IP + 云区域查询主机
	ListHostsByIP(ctx context.Context, cloudID int64, ips []string) ([]Host, error)

	// SearchBizInstTopo 查询业务拓扑树（不含内置节点）
	SearchBizInstTopo(ctx context.Context, bizID int64) ([]TopoNode, error)

	// GetBizInternalModule 查询业务内置节点（空闲机池）
	GetBizInternalModule(ctx context.Context, bizID int64) (*InternalTopo, error)

	// ListServiceInstances 查询模块下服务实例（自动翻页）
	ListServiceInstances(ctx context.Context, bizID int64, moduleIDs []int64) ([]ServiceInstance, error)

	// FindModulesByServiceTemplate 服务模板展开为模块 ID 列表
	FindModulesByServiceTemplate(ctx context.Context, bizID, templateID int64) ([]int64, error)

	// FindModulesBySetTemplate 集群模板展开为模块 ID 列表
	FindModulesBySetTemplate(ctx context.Context, bizID, templateID int64) ([]int64, error)

	// ListBizInBizSet 业务集展开为业务 ID 列表
	ListBizInBizSet(ctx context.Context, bizSetID int64) ([]int64, error)

	// FindHostBizRelations 查询主机归属业务
	FindHostBizRelations(ctx context.Context, hostIDs []int64) ([]HostBizRelation, error)
}

// restClient resty 实现
type restClient struct {
	client *resty.Client
}

// NewClient 创建 CMDB 客户端
func NewClient(cfg remote.Config) Client {
	return &restClient{client: remote.NewClient(cfg)}
}

var _ Client = (*restClient)(nil)

// hostFields 主机查询返回字段
var hostFields = []string{
	"bk_host_id", "bk_host_innerip", "bk_cloud_id", "bk_supplier_account",
	"bk_agent_id", "bk_os_type", "bk_host_name",
}

func (c *restClient) ListBizHosts(ctx context.Context, bizID int64, filter HostFilter) ([]Host, error) {
	var hosts []Host
	start := 0
	for {
		req := map[string]interface{}{
			"bk_biz_id": bizID,
			"fields":    hostFields,
			"page":      map[string]interface{}{"start": start, "limit": PageSize},
		}
		if len(filter.BkModuleIDs) > 0 {
			req["bk_module_ids"] = filter.BkModuleIDs
		}
		rules := buildHostRules(filter)
		if len(rules) > 0 {
			req["host_property_filter"] = map[string]interface{}{
				"condition": "AND",
				"rules":     rules,
			}
		}

		var page struct {
			Count int    `json:"count"`
			Info  []Host `json:"info"`
		}
		if err := remote.Call(c.client, "/api/c/compapi/v2/cc/list_biz_hosts/", req, &page); err != nil {
			return nil, err
		}
		hosts = append(hosts, page.Info...)
		start += PageSize
		if start >= page.Count || len(page.Info) == 0 {
			break
		}
	}
	log.Printf("[cmdb.list_biz_hosts] biz=%d hosts=%d", bizID, len(hosts))
	return hosts, nil
}

// buildHostRules 构造 host_property_filter 规则
func buildHostRules(filter HostFilter) []map[string]interface{} {
	var rules []map[string]interface{}
	if len(filter.BkHostIDs) > 0 {
		rules = append(rules, map[string]interface{}{
			"field": "bk_host_id", "operator": "in", "value": filter.BkHostIDs,
		})
	}
	if len(filter.InnerIPs) > 0 {
		rules = append(rules, map[string]interface{}{
			"field": "bk_host_innerip", "operator": "in", "value": filter.InnerIPs,
		})
	}
	if filter.BkCloudID != nil {
		rules = append(rules, map[string]interface{}{
			"field": "bk_cloud_id", "operator": "equal", "value": *filter.BkCloudID,
		})
	}
	return rules
}

func (c *restClient) ListHostsByIP(ctx context.Context, cloudID int64, ips []string) ([]Host, error) {
	req := map[string]interface{}{
		"fields": hostFields,
		"page":   map[string]interface{}{"start": 0, "limit": PageSize},
		"host_property_filter": map[string]interface{}{
			"condition": "AND",
			"rules": []map[string]interface{}{
				{"field": "bk_host_innerip", "operator": "in", "value": ips},
				{"field": "bk_cloud_id", "operator": "equal", "value": cloudID},
			},
		},
	}

	var page struct {
		Count int    `json:"count"`
		Info  []Host `json:"info"`
	}
	if err := remote.Call(c.client, "/api/c/compapi/v2/cc/list_hosts_without_biz/", req, &page); err != nil {
		return nil, err
	}
	return page.Info, nil
}

func (c *restClient) SearchBizInstTopo(ctx context.Context, bizID int64) ([]TopoNode, error) {
	req := map[string]interface{}{"bk_biz_id": bizID}
	var topo []TopoNode
	if err := remote.Call(c.client, "/api/c/compapi/v2/cc/search_biz_inst_topo/", req, &topo); err != nil {
		return nil, err
	}
	return topo, nil
}

func (c *restClient) GetBizInternalModule(ctx context.Context, bizID int64) (*InternalTopo, error) {
	req := map[string]interface{}{"bk_biz_id": bizID}
	var internal InternalTopo
	if err := remote.Call(c.client, "/api/c/compapi/v2/cc/get_biz_internal_module/", req, &internal); err != nil {
		return nil, err
	}
	return &internal, nil
}

func (c *restClient) ListServiceInstances(ctx context.Context, bizID int64, moduleIDs []int64) ([]ServiceInstance, error) {
	var instances []ServiceInstance
	for _, moduleID := range moduleIDs {
		start := 0
		for {
			req := map[string]interface{}{
				"bk_biz_id":    bizID,
				"bk_module_id": moduleID,
				"page":         map[string]interface{}{"start": start, "limit": PageSize},
			}
			var page struct {
				Count int               `json:"count"`
				Info  []ServiceInstance `json:"info"`
			}
			if err := remote.Call(c.client, "/api/c/compapi/v2/cc/list_service_instance/", req, &page); err != nil {
				return nil, err
			}
			instances = append(instances, page.Info...)
			start += PageSize
			if start >= page.Count || len(page.Info) == 0 {
				break
			}
		}
	}
	return instances, nil
}

// moduleInfo search_module 返回的模块摘要
type moduleInfo struct {
	BkModuleID        int64 `json:"bk_module_id"`
	ServiceTemplateID int64 `json:"service_template_id"`
	SetTemplateID     int64 `json:"set_template_id"`
}

func (c *restClient) FindModulesByServiceTemplate(ctx context.Context, bizID, templateID int64) ([]int64, error) {
	modules, err := c.searchModules(ctx, bizID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, m := range modules {
		if m.ServiceTemplateID == templateID {
			ids = append(ids, m.BkModuleID)
		}
	}
	return ids, nil
}

func (c *restClient) FindModulesBySetTemplate(ctx context.Context, bizID, templateID int64) ([]int64, error) {
	modules, err := c.searchModules(ctx, bizID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, m := range modules {
		if m.SetTemplateID == templateID {
			ids = append(ids, m.BkModuleID)
		}
	}
	return ids, nil
}

func (c *restClient) searchModules(ctx context.Context, bizID int64) ([]moduleInfo, error) {
	var modules []moduleInfo
	start := 0
	for {
		req := map[string]interface{}{
			"bk_biz_id": bizID,
			"fields":    []string{"bk_module_id", "service_template_id", "set_template_id"},
			"page":      map[string]interface{}{"start": start, "limit": PageSize},
		}
		var page struct {
			Count int          `json:"count"`
			Info  []moduleInfo `json:"info"`
		}
		if err := remote.Call(c.client, "/api/c/compapi/v2/cc/search_module/", req, &page); err != nil {
			return nil, err
		}
		modules = append(modules, page.Info...)
		start += PageSize
		if start >= page.Count || len(page.Info) == 0 {
			break
		}
	}
	return modules, nil
}

func (c *restClient) ListBizInBizSet(ctx context.Context, bizSetID int64) ([]int64, error) {
	req := map[string]interface{}{
		"bk_biz_set_id": bizSetID,
		"fields":        []string{"bk_biz_id"},
		"page":          map[string]interface{}{"start": 0, "limit": PageSize},
	}
	var page struct {
		Count int   `json:"count"`
		Info  []Biz `json:"info"`
	}
	if err := remote.Call(c.client, "/api/c/compapi/v2/cc/list_business_in_business_set/", req, &page); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(page.Info))
	for _, b := range page.Info {
		ids = append(ids, b.BkBizID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("biz set %d contains no business", bizSetID)
	}
	return ids, nil
}

func (c *restClient) FindHostBizRelations(ctx context.Context, hostIDs []int64) ([]HostBizRelation, error) {
	if len(hostIDs) == 0 {
		return nil, nil
	}
	var relations []HostBizRelation
	for start := 0; start < len(hostIDs); start += PageSize {
		end := start + PageSize
		if end > len(hostIDs) {
			end = len(hostIDs)
		}
		req := map[string]interface{}{"bk_host_id": hostIDs[start:end]}
		var batch []HostBizRelation
		if err := remote.Call(c.client, "/api/c/compapi/v2/cc/find_host_biz_relations/", req, &batch); err != nil {
			return nil, err
		}
		relations = append(relations, batch...)
	}
	return relations, nil
}
