// Package gse 管控平台客户端
//
// GSE v1 与 v2 的 API 路径与主机寻址方式不同，对上层暴露统一的
// Client 接口，由 Selector 按实例 meta 中的 GSE 版本选取实现。
package gse

import (
	"context"
	"fmt"
	"log"

	"github.com/go-resty/resty/v2"

	"nodeman/internal/remote"
	"nodeman/internal/shared/model"
)

// Client 管控平台客户端接口
type Client interface {
	// OperateProcMulti 批量下发进程操作，返回 GSE 任务 ID
	OperateProcMulti(ctx context.Context, req *OperateRequest) (string, error)

	// GetProcOperateResult 查询进程操作结果，key 为 {namespace}:{name}:{identity}
	GetProcOperateResult(ctx context.Context, taskID string) (map[string]OperateResult, error)

	// GetAgentStatus 批量查询 Agent 在线状态，key 为 AgentIdentity.Key
	GetAgentStatus(ctx context.Context, identities []AgentIdentity) (map[string]AgentStatus, error)

	// GetProcStatus 批量查询进程实时状态，key 为 AgentIdentity.Key，
	// 未应答的主机不在返回集中
	GetProcStatus(ctx context.Context, namespace, name string, identities []AgentIdentity) (map[string]ProcState, error)
}

// Selector 按 GSE 版本选取客户端
type Selector struct {
	v1 Client
	v2 Client
}

// NewSelector 创建版本选择器
func NewSelector(v1, v2 Client) *Selector {
	return &Selector{v1: v1, v2: v2}
}

// For 返回指定版本的客户端
func (s *Selector) For(version model.GSEVersion) Client {
	if version == model.GSEVersionV2 {
		return s.v2
	}
	return s.v1
}

// ============================================================================
// resty 实现
// ============================================================================

type restClient struct {
	client  *resty.Client
	version model.GSEVersion
}

// NewClient 创建指定版本的管控平台客户端
func NewClient(cfg remote.Config, version model.GSEVersion) Client {
	return &restClient{client: remote.NewClient(cfg), version: version}
}

var _ Client = (*restClient)(nil)

func (c *restClient) path(name string) string {
	if c.version == model.GSEVersionV2 {
		return "/api/bk-gse/prod/api/v2/proc/" + name
	}
	return "/api/c/compapi/v2/gse/" + name + "/"
}

// hostOf 进程主机标识的线格式
func (c *restClient) hostOf(id AgentIdentity) map[string]interface{} {
	if c.version == model.GSEVersionV2 && id.BkAgentID != "" {
		return map[string]interface{}{"bk_agent_id": id.BkAgentID}
	}
	return map[string]interface{}{"ip": id.IP, "bk_cloud_id": id.BkCloudID}
}

func (c *restClient) OperateProcMulti(ctx context.Context, req *OperateRequest) (string, error) {
	procs := make([]map[string]interface{}, 0, len(req.Processes))
	for _, p := range req.Processes {
		procs = append(procs, map[string]interface{}{
			"meta": map[string]interface{}{
				"namespace": p.Namespace,
				"name":      p.Name,
			},
			"op_type": int(req.OpType),
			"hosts":   []map[string]interface{}{c.hostOf(p.Identity)},
			"spec": map[string]interface{}{
				"identity": map[string]interface{}{
					"proc_name":  p.Name,
					"setup_path": p.SetupPath,
					"pid_path":   p.PidPath,
					"user":       p.User,
				},
				"control": map[string]interface{}{
					"start_cmd":   p.StartCmd,
					"stop_cmd":    p.StopCmd,
					"restart_cmd": p.RestartCmd,
					"reload_cmd":  p.ReloadCmd,
				},
			},
		})
	}

	body := map[string]interface{}{"proc_operate_info": procs}

	var data struct {
		TaskID string `json:"task_id"`
	}
	if err := remote.Call(c.client, c.path("operate_proc_multi"), body, &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("gse returned empty task_id")
	}

	log.Printf("[gse.operate_proc_multi] version=%s op=%d procs=%d task=%s",
		c.version, req.OpType, len(req.Processes), data.TaskID)
	return data.TaskID, nil
}

func (c *restClient) GetProcOperateResult(ctx context.Context, taskID string) (map[string]OperateResult, error) {
	body := map[string]interface{}{"task_id": taskID}

	results := make(map[string]OperateResult)
	if err := remote.Call(c.client, c.path("get_proc_operate_result"), body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *restClient) GetAgentStatus(ctx context.Context, identities []AgentIdentity) (map[string]AgentStatus, error) {
	hosts := make([]map[string]interface{}, 0, len(identities))
	for _, id := range identities {
		hosts = append(hosts, c.hostOf(id))
	}
	body := map[string]interface{}{"hosts": hosts}

	if c.version == model.GSEVersionV2 {
		var data []struct {
			BkAgentID  string `json:"bk_agent_id"`
			StatusCode int    `json:"status_code"`
			Version    string `json:"version"`
		}
		if err := remote.Call(c.client, "/api/bk-gse/prod/api/v2/cluster/list_agent_state", body, &data); err != nil {
			return nil, err
		}
		statuses := make(map[string]AgentStatus, len(data))
		for _, d := range data {
			statuses[d.BkAgentID] = AgentStatus{Alive: d.StatusCode == 2, Version: d.Version}
		}
		return statuses, nil
	}

	var data map[string]struct {
		BkAgentAlive int    `json:"bk_agent_alive"`
		Version      string `json:"version"`
	}
	if err := remote.Call(c.client, c.path("get_agent_status"), body, &data); err != nil {
		return nil, err
	}
	statuses := make(map[string]AgentStatus, len(data))
	for key, d := range data {
		statuses[key] = AgentStatus{Alive: d.BkAgentAlive == 1, Version: d.Version}
	}
	return statuses, nil
}

func (c *restClient) GetProcStatus(ctx context.Context, namespace, name string, identities []AgentIdentity) (map[string]ProcState, error) {
	hosts := make([]map[string]interface{}, 0, len(identities))
	for _, id := range identities {
		hosts = append(hosts, c.hostOf(id))
	}
	body := map[string]interface{}{
		"meta":  map[string]interface{}{"namespace": namespace, "name": name},
		"hosts": hosts,
	}

	path := c.path("get_proc_status")
	if c.version == model.GSEVersionV2 {
		path = "/api/bk-gse/prod/api/v2/proc/get_proc_status_v2"
	}

	var data struct {
		ProcInfos []struct {
			Host struct {
				IP        string `json:"ip"`
				BkCloudID int64  `json:"bk_cloud_id"`
				BkAgentID string `json:"bk_agent_id,omitempty"`
			} `json:"host"`
			Status  int    `json:"status"`
			Version string `json:"version"`
		} `json:"proc_infos"`
	}
	if err := remote.Call(c.client, path, body, &data); err != nil {
		return nil, err
	}

	states := make(map[string]ProcState, len(data.ProcInfos))
	for _, info := range data.ProcInfos {
		id := AgentIdentity{IP: info.Host.IP, BkCloudID: info.Host.BkCloudID, BkAgentID: info.Host.BkAgentID}
		states[id.Key(c.version)] = ProcState{Running: info.Status == 1, Version: info.Version}
	}
	return states, nil
}
