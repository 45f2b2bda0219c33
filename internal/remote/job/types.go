// Package job 作业平台数据类型定义
package job

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
)

// Target 作业目标主机
type Target struct {
	BkHostID  int64  `json:"bk_host_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	BkCloudID int64  `json:"bk_cloud_id"`
}

// ScriptRequest 快速执行脚本请求
type ScriptRequest struct {
	BkBizID       int64    `json:"bk_biz_id"`
	ScriptContent string   `json:"script_content"`
	ScriptParam   string   `json:"script_param,omitempty"`
	ScriptLanguage int     `json:"script_language"`
	Timeout       int      `json:"timeout,omitempty"`
	Targets       []Target `json:"-"`
}

// FileSource 文件分发源
type FileSource struct {
	FileList []string `json:"file_list"`
	Account  string   `json:"account"`
	Target   *Target  `json:"-"`
}

// TransferRequest 快速分发文件请求
type TransferRequest struct {
	BkBizID    int64        `json:"bk_biz_id"`
	FileTarget string       `json:"file_target_path"`
	Sources    []FileSource `json:"file_source_list"`
	Targets    []Target     `json:"-"`
}

// ConfigFile 待推送的配置文件（内容 base64 由客户端编码）
type ConfigFile struct {
	FileName string `json:"file_name"`
	Content  string `json:"content"`
	MD5      string `json:"-"`
}

// PushConfigRequest 推送配置文件请求
type PushConfigRequest struct {
	BkBizID    int64        `json:"bk_biz_id"`
	TargetPath string       `json:"file_target_path"`
	Files      []ConfigFile `json:"file_list"`
	Targets    []Target     `json:"-"`
}

// InstanceStatus 作业实例状态
type InstanceStatus struct {
	JobInstanceID int64 `json:"job_instance_id"`
	// Finished 作业是否结束
	Finished bool `json:"finished"`
	// Status 3=成功，4=失败，其余为进行中
	Status int `json:"job_instance_status,omitempty"`
}

// IsSuccess 作业实例是否成功结束
func (s *InstanceStatus) IsSuccess() bool {
	return s.Finished && s.Status == 3
}

// IPLog 单主机执行日志
type IPLog struct {
	BkHostID   int64  `json:"bk_host_id"`
	IP         string `json:"ip"`
	BkCloudID  int64  `json:"bk_cloud_id"`
	LogContent string `json:"log_content"`
	ExitCode   int    `json:"exit_code"`
}

// ============================================================================
// 请求合并
// ============================================================================

// ScriptCollapseKey 脚本作业合并键
//
// 同一批调度内脚本内容与参数一致的主机合并为一次作业调用。
func ScriptCollapseKey(scriptContent, scriptParam string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(scriptContent+"\x00"+scriptParam)))
}

// TransferCollapseKey 文件分发合并键
//
// 目标路径与文件清单（含 md5）一致的主机合并为一次作业调用。
// 文件列表先排序，与传入顺序无关。
func TransferCollapseKey(targetPath string, fileMD5s []string) string {
	sorted := make([]string, len(fileMD5s))
	copy(sorted, fileMD5s)
	sort.Strings(sorted)
	return fmt.Sprintf("%x", md5.Sum([]byte(targetPath+"\x00"+strings.Join(sorted, ","))))
}
