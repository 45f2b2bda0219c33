// Package job 作业平台客户端
//
// 封装作业平台 OpenAPI：脚本执行、文件分发、配置推送与结果查询。
package job

import (
	"context"
	"encoding/base64"
	"log"

	"github.com/go-resty/resty/v2"

	"nodeman/internal/remote"
)

// Client 作业平台客户端接口
type Client interface {
	// FastExecuteScript 快速执行脚本，返回作业实例 ID
	FastExecuteScript(ctx context.Context, req *ScriptRequest) (int64, error)

	// FastTransferFile 快速分发文件，返回作业实例 ID
	FastTransferFile(ctx context.Context, req *TransferRequest) (int64, error)

	// PushConfigFile 推送配置文件，返回作业实例 ID
	PushConfigFile(ctx context.Context, req *PushConfigRequest) (int64, error)

	// GetJobInstanceStatus 查询作业实例状态
	GetJobInstanceStatus(ctx context.Context, bizID, jobInstanceID int64) (*InstanceStatus, error)

	// GetJobInstanceIPLog 查询主机级执行日志
	GetJobInstanceIPLog(ctx context.Context, bizID, jobInstanceID int64, targets []Target) ([]IPLog, error)
}

type restClient struct {
	client *resty.Client
}

// NewClient 创建作业平台客户端
func NewClient(cfg remote.Config) Client {
	return &restClient{client: remote.NewClient(cfg)}
}

var _ Client = (*restClient)(nil)

// jobInstance 提交类接口的公共响应
type jobInstance struct {
	JobInstanceID int64 `json:"job_instance_id"`
}

// targetServer 目标主机列表的线格式
func targetServer(targets []Target) map[string]interface{} {
	var hostIDs []int64
	var ipList []map[string]interface{}
	for _, t := range targets {
		if t.BkHostID != 0 {
			hostIDs = append(hostIDs, t.BkHostID)
		} else {
			ipList = append(ipList, map[string]interface{}{"ip": t.IP, "bk_cloud_id": t.BkCloudID})
		}
	}
	server := map[string]interface{}{}
	if len(hostIDs) > 0 {
		server["host_id_list"] = hostIDs
	}
	if len(ipList) > 0 {
		server["ip_list"] = ipList
	}
	return server
}

func (c *restClient) FastExecuteScript(ctx context.Context, req *ScriptRequest) (int64, error) {
	body := map[string]interface{}{
		"bk_biz_id":       req.BkBizID,
		"script_content":  base64.StdEncoding.EncodeToString([]byte(req.ScriptContent)),
		"script_param":    base64.StdEncoding.EncodeToString([]byte(req.ScriptParam)),
		"script_language": req.ScriptLanguage,
		"target_server":   targetServer(req.Targets),
	}
	if req.Timeout > 0 {
		body["timeout"] = req.Timeout
	}

	var inst jobInstance
	if err := remote.Call(c.client, "/api/c/compapi/v2/jobv3/fast_execute_script/", body, &inst); err != nil {
		return 0, err
	}
	log.Printf("[job.fast_execute_script] biz=%d targets=%d job_instance=%d", req.BkBizID, len(req.Targets), inst.JobInstanceID)
	return inst.JobInstanceID, nil
}

func (c *restClient) FastTransferFile(ctx context.Context, req *TransferRequest) (int64, error) {
	sources := make([]map[string]interface{}, 0, len(req.Sources))
	for _, src := range req.Sources {
		s := map[string]interface{}{
			"file_list": src.FileList,
			"account":   map[string]interface{}{"alias": src.Account},
		}
		if src.Target != nil {
			s["server"] = targetServer([]Target{*src.Target})
		}
		sources = append(sources, s)
	}

	body := map[string]interface{}{
		"bk_biz_id":        req.BkBizID,
		"file_target_path": req.FileTarget,
		"file_source_list": sources,
		"target_server":    targetServer(req.Targets),
	}

	var inst jobInstance
	if err := remote.Call(c.client, "/api/c/compapi/v2/jobv3/fast_transfer_file/", body, &inst); err != nil {
		return 0, err
	}
	log.Printf("[job.fast_transfer_file] biz=%d targets=%d job_instance=%d", req.BkBizID, len(req.Targets), inst.JobInstanceID)
	return inst.JobInstanceID, nil
}

func (c *restClient) PushConfigFile(ctx context.Context, req *PushConfigRequest) (int64, error) {
	files := make([]map[string]interface{}, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, map[string]interface{}{
			"file_name": f.FileName,
			"content":   base64.StdEncoding.EncodeToString([]byte(f.Content)),
		})
	}

	body := map[string]interface{}{
		"bk_biz_id":        req.BkBizID,
		"file_target_path": req.TargetPath,
		"file_list":        files,
		"target_server":    targetServer(req.Targets),
	}

	var inst jobInstance
	if err := remote.Call(c.client, "/api/c/compapi/v2/jobv3/push_config_file/", body, &inst); err != nil {
		return 0, err
	}
	log.Printf("[job.push_config_file] biz=%d files=%d targets=%d job_instance=%d",
		req.BkBizID, len(req.Files), len(req.Targets), inst.JobInstanceID)
	return inst.JobInstanceID, nil
}

func (c *restClient) GetJobInstanceStatus(ctx context.Context, bizID, jobInstanceID int64) (*InstanceStatus, error) {
	body := map[string]interface{}{
		"bk_biz_id":       bizID,
		"job_instance_id": jobInstanceID,
	}

	var data struct {
		Finished    bool `json:"finished"`
		JobInstance struct {
			Status int `json:"status"`
		} `json:"job_instance"`
	}
	if err := remote.Call(c.client, "/api/c/compapi/v2/jobv3/get_job_instance_status/", body, &data); err != nil {
		return nil, err
	}
	return &InstanceStatus{
		JobInstanceID: jobInstanceID,
		Finished:      data.Finished,
		Status:        data.JobInstance.Status,
	}, nil
}

func (c *restClient) GetJobInstanceIPLog(ctx context.Context, bizID, jobInstanceID int64, targets []Target) ([]IPLog, error) {
	body := map[string]interface{}{
		"bk_biz_id":       bizID,
		"job_instance_id": jobInstanceID,
		"target_server":   targetServer(targets),
	}

	var logs []IPLog
	if err := remote.Call(c.client, "/api/c/compapi/v2/jobv3/batch_get_job_instance_ip_log/", body, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
