// Package job 作业平台 fake 实现（用于测试）
package job

import (
	"context"
	"sync"
)

// FakeCall 记录一次作业提交
type FakeCall struct {
	Kind    string // script / transfer / push_config
	Targets []Target
}

// FakeClient 进程内假作业平台
//
// 所有提交立即成功，日志与退出码可按主机预置。
type FakeClient struct {
	mu     sync.Mutex
	nextID int64

	// Calls 按提交顺序记录
	Calls []FakeCall

	// ExitCodes hostID → 退出码（缺省 0）
	ExitCodes map[int64]int

	// Logs hostID → 日志内容
	Logs map[int64]string

	// FailJob 非零时提交的作业均以失败结束
	FailJob bool

	// PendingPolls jobID → 报告未结束的剩余轮数
	PendingPolls map[int64]int
}

// NewFakeClient 创建 FakeClient
func NewFakeClient() *FakeClient {
	return &FakeClient{
		ExitCodes:    make(map[int64]int),
		Logs:         make(map[int64]string),
		PendingPolls: make(map[int64]int),
	}
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) submit(kind string, targets []Target) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.Calls = append(f.Calls, FakeCall{Kind: kind, Targets: targets})
	return f.nextID
}

func (f *FakeClient) FastExecuteScript(ctx context.Context, req *ScriptRequest) (int64, error) {
	return f.submit("script", req.Targets), nil
}

func (f *FakeClient) FastTransferFile(ctx context.Context, req *TransferRequest) (int64, error) {
	return f.submit("transfer", req.Targets), nil
}

func (f *FakeClient) PushConfigFile(ctx context.Context, req *PushConfigRequest) (int64, error) {
	return f.submit("push_config", req.Targets), nil
}

func (f *FakeClient) GetJobInstanceStatus(ctx context.Context, bizID, jobInstanceID int64) (*InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PendingPolls[jobInstanceID] > 0 {
		f.PendingPolls[jobInstanceID]--
		return &InstanceStatus{JobInstanceID: jobInstanceID, Finished: false, Status: 2}, nil
	}
	status := 3
	if f.FailJob {
		status = 4
	}
	return &InstanceStatus{JobInstanceID: jobInstanceID, Finished: true, Status: status}, nil
}

func (f *FakeClient) GetJobInstanceIPLog(ctx context.Context, bizID, jobInstanceID int64, targets []Target) ([]IPLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logs := make([]IPLog, 0, len(targets))
	for _, t := range targets {
		logs = append(logs, IPLog{
			BkHostID:   t.BkHostID,
			IP:         t.IP,
			BkCloudID:  t.BkCloudID,
			LogContent: f.Logs[t.BkHostID],
			ExitCode:   f.ExitCodes[t.BkHostID],
		})
	}
	return logs, nil
}
