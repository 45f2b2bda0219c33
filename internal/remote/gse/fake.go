// Package gse 管控平台 fake 实现（用于测试）
package gse

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient 进程内假管控平台
//
// 操作立即结束，结果码可按进程键预置，缺省成功。
type FakeClient struct {
	mu     sync.Mutex
	nextID int64

	// Results 进程键 → 结果码（缺省 CodeSuccess）
	Results map[string]int

	// Alive 标识键 → 是否在线（缺省在线）
	Dead map[string]bool

	// Versions 标识键 → Agent 版本
	Versions map[string]string

	// ProcStates 进程键 → 实时状态（缺键视为未应答）
	ProcStates map[string]ProcState

	// PendingPolls 进程键 → 不返回操作结果的剩余轮数
	PendingPolls map[string]int

	// tasks task_id → 下发时的请求
	tasks map[string]*OperateRequest

	// Ops 按下发顺序记录的操作类型
	Ops []OpType
}

// NewFakeClient 创建 FakeClient
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Results:      make(map[string]int),
		Dead:         make(map[string]bool),
		Versions:     make(map[string]string),
		ProcStates:   make(map[string]ProcState),
		PendingPolls: make(map[string]int),
		tasks:        make(map[string]*OperateRequest),
	}
}

var _ Client = (*FakeClient)(nil)

// ResultKey 操作结果的进程键
func ResultKey(namespace, name string, identity AgentIdentity) string {
	return fmt.Sprintf("%s:%s:%d:%s", namespace, name, identity.BkCloudID, identity.IP)
}

func (f *FakeClient) OperateProcMulti(ctx context.Context, req *OperateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	taskID := fmt.Sprintf("GSETASK:%d", f.nextID)
	f.tasks[taskID] = req
	f.Ops = append(f.Ops, req.OpType)
	return taskID, nil
}

func (f *FakeClient) GetProcOperateResult(ctx context.Context, taskID string) (map[string]OperateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown gse task %s", taskID)
	}

	results := make(map[string]OperateResult, len(req.Processes))
	for _, p := range req.Processes {
		key := ResultKey(p.Namespace, p.Name, p.Identity)
		if f.PendingPolls[key] > 0 {
			f.PendingPolls[key]--
			continue
		}
		code := f.Results[key]
		msg := ""
		if code != 0 {
			msg = fmt.Sprintf("error code %d", code)
		}
		results[key] = OperateResult{ErrorCode: code, ErrorMsg: msg}
	}
	return results, nil
}

func (f *FakeClient) GetProcStatus(ctx context.Context, namespace, name string, identities []AgentIdentity) (map[string]ProcState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	states := make(map[string]ProcState)
	for _, id := range identities {
		key := ResultKey(namespace, name, id)
		if state, ok := f.ProcStates[key]; ok {
			states[fmt.Sprintf("%d:%s", id.BkCloudID, id.IP)] = state
		}
	}
	return states, nil
}

func (f *FakeClient) GetAgentStatus(ctx context.Context, identities []AgentIdentity) (map[string]AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	statuses := make(map[string]AgentStatus, len(identities))
	for _, id := range identities {
		key := fmt.Sprintf("%d:%s", id.BkCloudID, id.IP)
		statuses[key] = AgentStatus{Alive: !f.Dead[key], Version: f.Versions[key]}
	}
	return statuses, nil
}
