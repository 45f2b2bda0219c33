// 工作流驱动
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"nodeman/internal/remote/cmdb"
	"nodeman/internal/remote/gse"
	"nodeman/internal/remote/job"
	"nodeman/internal/remote/subscription"
	"nodeman/internal/reporter"
	"nodeman/internal/shared/model"
)

// 轮询参数
const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 15 * time.Minute
)

// Store 驱动所需的持久化能力
type Store interface {
	GetRecord(ctx context.Context, id int64) (*model.SubscriptionInstanceRecord, error)
	UpdateRecordStatus(ctx context.Context, ids []int64, status model.InstanceRecordStatus) error
	UpdateRecordPipelineID(ctx context.Context, ids []int64, pipelineID string) error

	BulkCreateDetails(ctx context.Context, details []*model.SubscriptionInstanceStatusDetail) error
	UpdateDetailStatus(ctx context.Context, recordIDs []int64, nodeID string, status model.InstanceRecordStatus) error

	ListProcessStatusesByHosts(ctx context.Context, hostIDs []int64, name string) ([]*model.ProcessStatus, error)
	IncrementProcessRetry(ctx context.Context, ids []int64) error
}

// Env 活动可用的外部依赖
type Env struct {
	Store    Store
	CMDB     cmdb.Client
	Job      job.Client
	GSE      *gse.Selector
	Subs     subscription.Client
	Reporter *reporter.Reporter
}

// Input 单个活动的执行输入
//
// Records 是仍然存活的实例记录：上一活动失败或被终止的实例不再进入。
type Input struct {
	Subscription *model.Subscription
	Task         *model.SubscriptionTask
	Tree         *Tree
	Slice        *Slice
	Activity     *Activity
	Step         *model.Step
	Records      []*model.SubscriptionInstanceRecord
}

// RecordIDs 当前输入的记录 ID
func (in *Input) RecordIDs() []int64 {
	ids := make([]int64, 0, len(in.Records))
	for _, record := range in.Records {
		ids = append(ids, record.ID)
	}
	return ids
}

// Result 活动执行结果
//
// Succeeded 之外、又不在 FailedReasons 里的记录按失败处理。
type Result struct {
	Succeeded     []int64
	FailedReasons map[int64]string

	// State 轮询型活动跨 Schedule 的执行状态
	State map[string]interface{}
}

// Fail 标记单实例失败
func (r *Result) Fail(recordID int64, reason string) {
	if r.FailedReasons == nil {
		r.FailedReasons = make(map[int64]string)
	}
	r.FailedReasons[recordID] = reason
}

// Handler 活动处理器
type Handler interface {
	// Execute 发起活动。返回错误表示整活动失败（所有输入实例失败）。
	Execute(ctx context.Context, env *Env, input *Input) (*Result, error)
}

// Pollable 需要轮询收敛的活动处理器
//
// Execute 返回后若 Result.State 非空则进入轮询，Schedule 以固定间隔
// 重入直到 done 或超时。
type Pollable interface {
	Handler
	Schedule(ctx context.Context, env *Env, input *Input, state map[string]interface{}) (*Result, bool, error)
}

// Registry 活动代号 → 处理器
type Registry map[string]Handler

// Driver 工作流驱动器
//
// 切片间并行、切片内活动串行。实例失败只影响自身：后续活动的输入
// 收缩为仍然存活的记录集合。
type Driver struct {
	env      *Env
	registry Registry

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewDriver 创建驱动器
func NewDriver(env *Env, registry Registry) *Driver {
	return &Driver{
		env:          env,
		registry:     registry,
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
	}
}

// WithPoll 覆盖轮询参数
func (d *Driver) WithPoll(interval, timeout time.Duration) *Driver {
	d.pollInterval = interval
	d.pollTimeout = timeout
	return d
}

// Run 驱动整棵树直至所有切片收敛
func (d *Driver) Run(ctx context.Context, sub *model.Subscription, task *model.SubscriptionTask, tree *Tree) error {
	log.Printf("[pipeline.run] task=%d tree=%s slices=%d", task.ID, tree.ID, len(tree.Slices))

	g, gctx := errgroup.WithContext(ctx)
	for i := range tree.Slices {
		slice := &tree.Slices[i]
		g.Go(func() error {
			return d.runSlice(gctx, sub, task, tree, slice)
		})
	}
	err := g.Wait()
	d.env.Reporter.Flush(ctx)
	return err
}

// runSlice 串行执行一条活动链
func (d *Driver) runSlice(ctx context.Context, sub *model.Subscription, task *model.SubscriptionTask, tree *Tree, slice *Slice) error {
	records, err := d.loadRecords(ctx, slice.RecordIDs)
	if err != nil {
		return err
	}

	for i := range slice.Activities {
		activity := &slice.Activities[i]

		// 剔除已被终止或已失败的记录
		records, err = d.refresh(ctx, records)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			log.Printf("[pipeline.slice_drained] task=%d slice=%s activity=%s", task.ID, slice.ID, activity.Code)
			return nil
		}

		input := &Input{
			Subscription: sub,
			Task:         task,
			Tree:         tree,
			Slice:        slice,
			Activity:     activity,
			Records:      records,
		}
		if step, ok := sub.GetStep(activity.StepID); ok {
			input.Step = step
		}

		if err := d.beginActivity(ctx, input); err != nil {
			return err
		}

		records = d.executeActivity(ctx, input)

		if activity.Tag.IsTail() {
			if err := d.finalize(ctx, records); err != nil {
				return err
			}
		}
	}
	return nil
}

// beginActivity 建明细行并推进记录指针，HEAD 同时把记录置为 RUNNING
func (d *Driver) beginActivity(ctx context.Context, input *Input) error {
	ids := input.RecordIDs()

	details := make([]*model.SubscriptionInstanceStatusDetail, 0, len(ids))
	for _, id := range ids {
		details = append(details, &model.SubscriptionInstanceStatusDetail{
			InstanceRecordID: id,
			NodeID:           input.Activity.ID,
			Status:           model.InstanceStatusRunning,
		})
	}
	if err := d.env.Store.BulkCreateDetails(ctx, details); err != nil {
		return err
	}
	if err := d.env.Store.UpdateRecordPipelineID(ctx, ids, input.Activity.ID); err != nil {
		return err
	}
	if input.Activity.Tag.IsHead() {
		if err := d.env.Store.UpdateRecordStatus(ctx, ids, model.InstanceStatusRunning); err != nil {
			return err
		}
	}

	for _, record := range input.Records {
		d.env.Reporter.Logf(ctx, record.ID, input.Activity.ID, reporter.LevelInfo,
			"start %s", input.Activity.Name)
	}
	return nil
}

// executeActivity 执行单活动并结算明细，返回存活记录
func (d *Driver) executeActivity(ctx context.Context, input *Input) []*model.SubscriptionInstanceRecord {
	result, err := d.dispatch(ctx, input)
	if err != nil {
		// 活动级异常：所有输入实例失败
		result = &Result{FailedReasons: make(map[int64]string, len(input.Records))}
		for _, record := range input.Records {
			result.FailedReasons[record.ID] = err.Error()
		}
		log.Printf("[pipeline.activity_failed] activity=%s code=%s err=%v",
			input.Activity.ID, input.Activity.Code, err)
	}
	return d.settle(ctx, input, result)
}

// dispatch 查处理器并执行，轮询型活动循环 Schedule 直到收敛
func (d *Driver) dispatch(ctx context.Context, input *Input) (*Result, error) {
	handler, ok := d.registry[input.Activity.Code]
	if !ok {
		return nil, fmt.Errorf("no handler registered for activity %q", input.Activity.Code)
	}

	result, err := handler.Execute(ctx, d.env, input)
	if err != nil {
		return nil, err
	}

	pollable, ok := handler.(Pollable)
	if !ok || result == nil || len(result.State) == 0 {
		return result, nil
	}

	deadline := time.Now().Add(d.pollTimeout)
	state := result.State
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pollInterval):
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("activity %s timed out after %s", input.Activity.Code, d.pollTimeout)
		}

		next, done, err := pollable.Schedule(ctx, d.env, input, state)
		if err != nil {
			return nil, err
		}
		if done {
			return next, nil
		}
		if next != nil && len(next.State) > 0 {
			state = next.State
		}
	}
}

// settle 按结果结算明细与记录状态，失败实例立即敲定为 FAILED
func (d *Driver) settle(ctx context.Context, input *Input, result *Result) []*model.SubscriptionInstanceRecord {
	if result == nil {
		result = &Result{Succeeded: input.RecordIDs()}
	}

	succeeded := make(map[int64]bool, len(result.Succeeded))
	for _, id := range result.Succeeded {
		succeeded[id] = true
	}

	var survivors, failedRecords []*model.SubscriptionInstanceRecord
	var okIDs, failedIDs []int64
	for _, record := range input.Records {
		if succeeded[record.ID] {
			survivors = append(survivors, record)
			okIDs = append(okIDs, record.ID)
			continue
		}
		failedIDs = append(failedIDs, record.ID)
		failedRecords = append(failedRecords, record)
		reason := result.FailedReasons[record.ID]
		if reason == "" {
			reason = "not reported as succeeded"
		}
		d.env.Reporter.Logf(ctx, record.ID, input.Activity.ID, reporter.LevelError,
			"%s failed: %s", input.Activity.Name, reason)
	}

	if len(okIDs) > 0 {
		if err := d.env.Store.UpdateDetailStatus(ctx, okIDs, input.Activity.ID, model.InstanceStatusSuccess); err != nil {
			log.Printf("[pipeline.detail_update_failed] activity=%s err=%v", input.Activity.ID, err)
		}
	}
	if len(failedIDs) > 0 {
		sort.Slice(failedIDs, func(i, j int) bool { return failedIDs[i] < failedIDs[j] })
		if err := d.env.Store.UpdateDetailStatus(ctx, failedIDs, input.Activity.ID, model.InstanceStatusFailed); err != nil {
			log.Printf("[pipeline.detail_update_failed] activity=%s err=%v", input.Activity.ID, err)
		}
		if err := d.env.Store.UpdateRecordStatus(ctx, failedIDs, model.InstanceStatusFailed); err != nil {
			log.Printf("[pipeline.record_update_failed] activity=%s err=%v", input.Activity.ID, err)
		}
		d.bumpPluginRetry(ctx, input, failedRecords)
	}
	return survivors
}

// bumpPluginRetry 巡检触发的插件链失败累计进程行重试计数
//
// 计数超过上限的实例在后续巡检规划中被豁免，手动触发时清零。
func (d *Driver) bumpPluginRetry(ctx context.Context, input *Input, failed []*model.SubscriptionInstanceRecord) {
	if input.Task == nil || !input.Task.IsAutoTrigger {
		return
	}
	if input.Step == nil || input.Step.Type != model.StepTypePlugin {
		return
	}
	plugin := input.Step.Config.PluginName
	if plugin == "" {
		plugin = input.Step.StepID
	}

	hostIDs := make([]int64, 0, len(failed))
	for _, record := range failed {
		if host := record.InstanceInfo.Host; host != nil {
			hostIDs = append(hostIDs, host.BkHostID)
		}
	}
	if len(hostIDs) == 0 {
		return
	}

	rows, err := d.env.Store.ListProcessStatusesByHosts(ctx, hostIDs, plugin)
	if err != nil {
		log.Printf("[pipeline.retry_bump_failed] activity=%s err=%v", input.Activity.ID, err)
		return
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if len(ids) == 0 {
		return
	}
	if err := d.env.Store.IncrementProcessRetry(ctx, ids); err != nil {
		log.Printf("[pipeline.retry_bump_failed] activity=%s err=%v", input.Activity.ID, err)
	}
}

// finalize TAIL 收口：存活到最后的记录置为 SUCCESS
func (d *Driver) finalize(ctx context.Context, records []*model.SubscriptionInstanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return d.env.Store.UpdateRecordStatus(ctx, ids, model.InstanceStatusSuccess)
}

// loadRecords 读取切片承载的记录
func (d *Driver) loadRecords(ctx context.Context, ids []int64) ([]*model.SubscriptionInstanceRecord, error) {
	records := make([]*model.SubscriptionInstanceRecord, 0, len(ids))
	for _, id := range ids {
		record, err := d.env.Store.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// refresh 重读记录状态，剔除已达终态的记录（含被 revoke 置为 FAILED 的）
func (d *Driver) refresh(ctx context.Context, records []*model.SubscriptionInstanceRecord) ([]*model.SubscriptionInstanceRecord, error) {
	alive := records[:0]
	for _, record := range records {
		fresh, err := d.env.Store.GetRecord(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status.IsTerminal() {
			continue
		}
		alive = append(alive, fresh)
	}
	return alive, nil
}
