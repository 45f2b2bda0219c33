// 作业平台调用的公共脚手架
//
// 同一批调度内请求按合并键收拢为尽量少的作业调用，批与批之间留
// 固定间隔以避让作业平台限频。作业结果在 Schedule 中按主机粒度
// 映射回实例。
package activities

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"nodeman/internal/pipeline"
	"nodeman/internal/remote/job"
	"nodeman/internal/shared/model"
)

const jobStateKey = "pending_jobs"
const failedStateKey = "failed_reasons"
const succeededStateKey = "succeeded_ids"

// interBatchDelay 相邻作业提交的间隔，测试置零
var interBatchDelay = 2 * time.Second

// pendingJob 已提交待收敛的作业
type pendingJob struct {
	BizID     int64
	JobID     int64
	Targets   []job.Target
	RecordIDs []int64
}

// scriptSpec 单实例的脚本执行描述
type scriptSpec struct {
	record  *model.SubscriptionInstanceRecord
	content string
	param   string
}

// transferSpec 单实例的文件分发描述
type transferSpec struct {
	record     *model.SubscriptionInstanceRecord
	fileList   []string
	targetPath string
}

// pushSpec 单实例的配置推送描述
type pushSpec struct {
	record     *model.SubscriptionInstanceRecord
	files      []job.ConfigFile
	targetPath string
}

// jobState 组装轮询状态，提前失败的实例随状态带到 Schedule
func jobState(pending []*pendingJob, failed map[int64]string) map[string]interface{} {
	state := map[string]interface{}{jobStateKey: pending}
	if len(failed) > 0 {
		state[failedStateKey] = failed
	}
	return state
}

// submitScripts 合并提交脚本作业
func submitScripts(ctx context.Context, env *pipeline.Env, specs []scriptSpec) ([]*pendingJob, error) {
	type group struct {
		bizID   int64
		content string
		param   string
		targets []job.Target
		records []int64
	}
	groups := make(map[string]*group)
	for _, spec := range specs {
		h := hostOf(spec.record)
		key := fmt.Sprintf("%d|%s", h.BkBizID, job.ScriptCollapseKey(spec.content, spec.param))
		g, ok := groups[key]
		if !ok {
			g = &group{bizID: h.BkBizID, content: spec.content, param: spec.param}
			groups[key] = g
		}
		g.targets = append(g.targets, targetOf(h))
		g.records = append(g.records, spec.record.ID)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pending := make([]*pendingJob, 0, len(keys))
	for i, key := range keys {
		if i > 0 {
			time.Sleep(interBatchDelay)
		}
		g := groups[key]
		jobID, err := env.Job.FastExecuteScript(ctx, &job.ScriptRequest{
			BkBizID:        g.bizID,
			ScriptContent:  g.content,
			ScriptParam:    g.param,
			ScriptLanguage: 1,
			Targets:        g.targets,
		})
		if err != nil {
			return nil, err
		}
		pending = append(pending, &pendingJob{BizID: g.bizID, JobID: jobID, Targets: g.targets, RecordIDs: g.records})
	}
	log.Printf("[activities.submit_scripts] specs=%d jobs=%d", len(specs), len(pending))
	return pending, nil
}

// submitTransfers 合并提交文件分发作业
func submitTransfers(ctx context.Context, env *pipeline.Env, account string, specs []transferSpec) ([]*pendingJob, error) {
	type group struct {
		bizID      int64
		fileList   []string
		targetPath string
		targets    []job.Target
		records    []int64
	}
	groups := make(map[string]*group)
	for _, spec := range specs {
		h := hostOf(spec.record)
		key := fmt.Sprintf("%d|%s", h.BkBizID, job.TransferCollapseKey(spec.targetPath, spec.fileList))
		g, ok := groups[key]
		if !ok {
			g = &group{bizID: h.BkBizID, fileList: spec.fileList, targetPath: spec.targetPath}
			groups[key] = g
		}
		g.targets = append(g.targets, targetOf(h))
		g.records = append(g.records, spec.record.ID)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pending := make([]*pendingJob, 0, len(keys))
	for i, key := range keys {
		if i > 0 {
			time.Sleep(interBatchDelay)
		}
		g := groups[key]
		jobID, err := env.Job.FastTransferFile(ctx, &job.TransferRequest{
			BkBizID:    g.bizID,
			FileTarget: g.targetPath,
			Sources:    []job.FileSource{{FileList: g.fileList, Account: account}},
			Targets:    g.targets,
		})
		if err != nil {
			return nil, err
		}
		pending = append(pending, &pendingJob{BizID: g.bizID, JobID: jobID, Targets: g.targets, RecordIDs: g.records})
	}
	log.Printf("[activities.submit_transfers] specs=%d jobs=%d", len(specs), len(pending))
	return pending, nil
}

// submitPushes 合并提交配置推送作业
func submitPushes(ctx context.Context, env *pipeline.Env, specs []pushSpec) ([]*pendingJob, error) {
	type group struct {
		bizID      int64
		files      []job.ConfigFile
		targetPath string
		targets    []job.Target
		records    []int64
	}
	groups := make(map[string]*group)
	for _, spec := range specs {
		h := hostOf(spec.record)
		md5s := make([]string, 0, len(spec.files))
		for _, f := range spec.files {
			md5s = append(md5s, f.FileName+":"+f.MD5)
		}
		key := fmt.Sprintf("%d|%s", h.BkBizID, job.TransferCollapseKey(spec.targetPath, md5s))
		g, ok := groups[key]
		if !ok {
			g = &group{bizID: h.BkBizID, files: spec.files, targetPath: spec.targetPath}
			groups[key] = g
		}
		g.targets = append(g.targets, targetOf(h))
		g.records = append(g.records, spec.record.ID)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pending := make([]*pendingJob, 0, len(keys))
	for i, key := range keys {
		if i > 0 {
			time.Sleep(interBatchDelay)
		}
		g := groups[key]
		jobID, err := env.Job.PushConfigFile(ctx, &job.PushConfigRequest{
			BkBizID:    g.bizID,
			TargetPath: g.targetPath,
			Files:      g.files,
			Targets:    g.targets,
		})
		if err != nil {
			return nil, err
		}
		pending = append(pending, &pendingJob{BizID: g.bizID, JobID: jobID, Targets: g.targets, RecordIDs: g.records})
	}
	return pending, nil
}

// scheduleJobs 轮询作业直至全部结束
//
// 作业失败时拉取主机级日志定位失败实例，作业成功则整组通过。
func scheduleJobs(ctx context.Context, env *pipeline.Env, state map[string]interface{}) (*pipeline.Result, bool, error) {
	pending, _ := state[jobStateKey].([]*pendingJob)

	result := &pipeline.Result{}
	if succeeded, ok := state[succeededStateKey].([]int64); ok {
		result.Succeeded = append(result.Succeeded, succeeded...)
	}
	if failed, ok := state[failedStateKey].(map[int64]string); ok {
		for id, reason := range failed {
			result.Fail(id, reason)
		}
	}

	var remaining []*pendingJob
	for _, p := range pending {
		status, err := env.Job.GetJobInstanceStatus(ctx, p.BizID, p.JobID)
		if err != nil {
			return nil, false, err
		}
		if !status.Finished {
			remaining = append(remaining, p)
			continue
		}
		if status.IsSuccess() {
			result.Succeeded = append(result.Succeeded, p.RecordIDs...)
			continue
		}
		settleFailedJob(ctx, env, p, result)
	}

	if len(remaining) > 0 {
		// 先结束的作业结果随状态带到下一轮
		next := map[string]interface{}{jobStateKey: remaining}
		if len(result.Succeeded) > 0 {
			next[succeededStateKey] = result.Succeeded
		}
		if len(result.FailedReasons) > 0 {
			next[failedStateKey] = result.FailedReasons
		}
		return &pipeline.Result{State: next}, false, nil
	}
	return result, true, nil
}

// settleFailedJob 作业整体失败，按主机日志区分成败
func settleFailedJob(ctx context.Context, env *pipeline.Env, p *pendingJob, result *pipeline.Result) {
	logs, err := env.Job.GetJobInstanceIPLog(ctx, p.BizID, p.JobID, p.Targets)
	if err != nil {
		log.Printf("[activities.ip_log_failed] job=%d err=%v", p.JobID, err)
		for _, id := range p.RecordIDs {
			result.Fail(id, fmt.Sprintf("job %d failed", p.JobID))
		}
		return
	}

	byHost := make(map[string]job.IPLog, len(logs))
	for _, l := range logs {
		byHost[fmt.Sprintf("%d|%d:%s", l.BkHostID, l.BkCloudID, l.IP)] = l
	}
	for i, target := range p.Targets {
		recordID := p.RecordIDs[i]
		l, ok := byHost[fmt.Sprintf("%d|%d:%s", target.BkHostID, target.BkCloudID, target.IP)]
		if !ok {
			result.Fail(recordID, fmt.Sprintf("job %d returned no log for host", p.JobID))
			continue
		}
		if l.ExitCode != 0 {
			result.Fail(recordID, fmt.Sprintf("job %d exit=%d: %s", p.JobID, l.ExitCode, logTail(l.LogContent)))
			continue
		}
		result.Succeeded = append(result.Succeeded, recordID)
	}
}

// logTail 截取日志尾部（失败原因通常在最后几行）
func logTail(content string) string {
	content = strings.TrimRight(content, "\n")
	if idx := strings.LastIndexByte(content, '\n'); idx >= 0 && len(content)-idx < 200 {
		content = content[idx+1:]
	}
	if len(content) > 200 {
		content = content[len(content)-200:]
	}
	return content
}
