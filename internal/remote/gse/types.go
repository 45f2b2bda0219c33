// Package gse 管控平台数据类型定义
package gse

import (
	"fmt"

	"nodeman/internal/shared/model"
)

// ============================================================================
// 进程操作
// ============================================================================

// Namespace 本系统托管进程在 GSE 的命名空间
const Namespace = "nodeman"

// OpType 进程操作类型
type OpType int

const (
	OpStart      OpType = 0
	OpStop       OpType = 1
	OpStatus     OpType = 2
	OpDelegate   OpType = 3
	OpUndelegate OpType = 4
	OpRestart    OpType = 7
	OpReload     OpType = 8
)

// AgentIdentity 受控主机标识
//
// v1 以 {cloud}:{ip} 寻址，v2 优先 bk_agent_id，缺失时退回 {cloud}:{ip}。
type AgentIdentity struct {
	IP        string `json:"ip,omitempty"`
	BkCloudID int64  `json:"bk_cloud_id"`
	BkAgentID string `json:"bk_agent_id,omitempty"`
}

// Key 标识的规范字符串形式
func (a AgentIdentity) Key(version model.GSEVersion) string {
	if version == model.GSEVersionV2 && a.BkAgentID != "" {
		return a.BkAgentID
	}
	return fmt.Sprintf("%d:%s", a.BkCloudID, a.IP)
}

// ProcessSpec 受控进程描述
type ProcessSpec struct {
	Identity  AgentIdentity
	Namespace string
	Name      string

	SetupPath string
	PidPath   string
	User      string

	StartCmd  string
	StopCmd   string
	RestartCmd string
	ReloadCmd string
}

// OperateRequest 进程操作请求
type OperateRequest struct {
	OpType    OpType
	Processes []ProcessSpec
}

// OperateResult 单进程操作结果
type OperateResult struct {
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
	Content   string `json:"content,omitempty"`
}

// AgentStatus Agent 在线状态
type AgentStatus struct {
	Alive   bool   `json:"alive"`
	Version string `json:"version,omitempty"`
}

// ProcState 进程实时状态
type ProcState struct {
	Running bool   `json:"running"`
	Version string `json:"version,omitempty"`
}

// ============================================================================
// 结果码
// ============================================================================

const (
	// CodeSuccess 操作成功
	CodeSuccess = 0

	// CodeRunning 操作仍在执行，继续轮询
	CodeRunning = 115

	// CodeProcRunning 进程已在运行（start 场景视为成功）
	CodeProcRunning = 828

	// CodeNonExist 进程不存在（stop 场景视为成功）
	CodeNonExist = 850

	// CodeTaskQueued 任务等待执行中，尚未入队，继续轮询
	CodeTaskQueued = 1000115
)

// JudgeResult 按操作类型归一化结果码
//
// 返回值：done 表示轮询可结束，ok 表示最终成败。
func JudgeResult(op OpType, code int) (done, ok bool) {
	switch code {
	case CodeSuccess:
		return true, true
	case CodeRunning, CodeTaskQueued:
		return false, false
	case CodeNonExist:
		// 目标进程本就不存在，对停止/反托管而言已达到期望终态
		if op == OpStop || op == OpUndelegate {
			return true, true
		}
		return true, false
	case CodeProcRunning:
		// 进程已在运行，对启动/重启而言已达到期望终态
		if op == OpStart || op == OpRestart {
			return true, true
		}
		return true, false
	}
	return true, false
}
