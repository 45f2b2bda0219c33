// Package engine 订阅任务的创建与生命周期控制
//
// 把"一次执行尝试"从解析、规划、编排到踢单串成一条事务性流程：
//
//	resolve → plan → 组装记录 → 建树 → 持久化 → seal(is_ready=true) → 踢单
//
// 同一订阅同一时刻最多一个任务在编排/执行（is_running 门闸），
// 由 etcd 运行锁 + 活动记录计数双重把守。
package engine

import (
	"context"
	"log"
	"strconv"
	"time"

	"nodeman/internal/composer"
	"nodeman/internal/pipeline"
	"nodeman/internal/planner"
	"nodeman/internal/reporter"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/lock"
	"nodeman/internal/shared/model"
	"nodeman/internal/shared/queue"
	"nodeman/internal/shared/storage"
)

// runLockTTL 运行锁租约时长，编排远超此时长视为异常
const runLockTTL = 10 * time.Minute

// revokeConfirmDelay 撤销二次写入的延迟
//
// 撤销瞬间可能有活动刚好完成并回写状态，延迟后重写 FAILED
// 保证撤销结果不被迟到的状态更新覆盖。
var revokeConfirmDelay = 2 * time.Second

// ============================================================================
// 依赖接口
// ============================================================================

// Store 引擎所需的存储能力
type Store interface {
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)

	CreateTask(ctx context.Context, task *model.SubscriptionTask) (int64, error)
	GetTask(ctx context.Context, id int64) (*model.SubscriptionTask, error)
	SealTask(ctx context.Context, id int64, actions map[string]model.StepActions, pipelineID string) error
	SetTaskError(ctx context.Context, id int64, errMsg string) error
	DeleteTask(ctx context.Context, id int64) error
	GetLatestTask(ctx context.Context, subscriptionID int64) (*model.SubscriptionTask, error)

	BulkCreateRecords(ctx context.Context, records []*model.SubscriptionInstanceRecord) error
	GetRecord(ctx context.Context, id int64) (*model.SubscriptionInstanceRecord, error)
	ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*model.SubscriptionInstanceRecord, error)
	CountActiveRecords(ctx context.Context, subscriptionID int64) (int64, error)
	UpdateRecordStatus(ctx context.Context, ids []int64, status model.InstanceRecordStatus) error
	UpdateRecordSteps(ctx context.Context, id int64, steps []model.RecordStep) error

	SavePipelineTree(ctx context.Context, id string, tree []byte) error
	AppendDetailLog(ctx context.Context, recordID int64, nodeID string, text string) error
	GetSetting(ctx context.Context, key string) (string, error)
}

// ScopeResolver 范围 → 实例集合
type ScopeResolver interface {
	Resolve(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error)
}

// Planner 决策规划能力
type Planner interface {
	Plan(ctx context.Context, sub *model.Subscription, instances map[string]*model.Instance, opts planner.Options) (map[string]model.StepActions, map[string]map[string]model.MigrateReason, error)
}

// ============================================================================
// Engine
// ============================================================================

// Engine 订阅任务引擎
type Engine struct {
	store   Store
	scopes  ScopeResolver
	planner Planner
	queue   queue.TaskQueue
	locks   lock.RunLock
}

// New 创建引擎
func New(store Store, scopes ScopeResolver, pl Planner, q queue.TaskQueue, locks lock.RunLock) *Engine {
	return &Engine{store: store, scopes: scopes, planner: pl, queue: q, locks: locks}
}

// RunOptions run 操作的可选参数
type RunOptions struct {
	// AutoTrigger 周期巡检触发（启用规划抑制/豁免规则；编排失败时删任务）
	AutoTrigger bool

	// Scope 非空时覆盖订阅自身范围（局部下发）
	Scope *model.Scope

	// Actions 非空时跳过规划器，对范围内全部实例施加该动作表
	Actions model.StepActions
}

// Run 创建并踢起一次执行尝试，返回任务 ID
//
// 编排失败时：自动触发路径删除任务不留痕，手动路径保留任务并写入
// err_msg 供 check_task_ready 透出。
func (e *Engine) Run(ctx context.Context, subscriptionID int64, opts RunOptions) (int64, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return 0, errs.Wrap(errs.ErrSubscriptionNotExist, err)
	}

	release, err := e.gate(ctx, sub.ID)
	if err != nil {
		return 0, err
	}
	defer release()

	scope := sub.Scope
	if opts.Scope != nil {
		scope = *opts.Scope
	}

	task := &model.SubscriptionTask{
		SubscriptionID: sub.ID,
		ScopeSnapshot:  scope,
		IsAutoTrigger:  opts.AutoTrigger,
	}
	task.ID, err = e.store.CreateTask(ctx, task)
	if err != nil {
		return 0, errs.Wrap(errs.ErrCreateSubscriptionTask, err)
	}

	if err := e.createTask(ctx, sub, task, scope, opts); err != nil {
		e.settleFailedTask(ctx, task, opts.AutoTrigger, err)
		return 0, err
	}
	return task.ID, nil
}

// Retry 对失败实例创建新任务，动作表沿用失败记录冻结的步骤动作
//
// instanceIDs 为空时覆盖订阅最新一代的全部失败记录。
func (e *Engine) Retry(ctx context.Context, subscriptionID int64, instanceIDs []string) (int64, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return 0, errs.Wrap(errs.ErrSubscriptionNotExist, err)
	}

	release, err := e.gate(ctx, sub.ID)
	if err != nil {
		return 0, err
	}
	defer release()

	failed, err := e.store.ListRecords(ctx, storage.RecordFilter{
		SubscriptionID: sub.ID,
		Statuses:       []model.InstanceRecordStatus{model.InstanceStatusFailed},
		InstanceIDs:    instanceIDs,
	})
	if err != nil {
		return 0, err
	}
	if len(failed) == 0 {
		return 0, errs.New(errs.ErrSubscriptionInstanceEmpty, "no failed instance to retry for subscription %d", sub.ID)
	}

	task := &model.SubscriptionTask{
		SubscriptionID: sub.ID,
		ScopeSnapshot:  sub.Scope,
	}
	task.ID, err = e.store.CreateTask(ctx, task)
	if err != nil {
		return 0, errs.Wrap(errs.ErrCreateSubscriptionTask, err)
	}

	actions := make(map[string]model.StepActions, len(failed))
	records := make([]*model.SubscriptionInstanceRecord, 0, len(failed))
	for _, old := range failed {
		stepActions := make(model.StepActions, len(old.Steps))
		for _, step := range old.Steps {
			stepActions[step.StepID] = step.Action
		}
		actions[old.InstanceID] = stepActions
		records = append(records, &model.SubscriptionInstanceRecord{
			SubscriptionID: sub.ID,
			TaskID:         task.ID,
			InstanceID:     old.InstanceID,
			InstanceInfo:   old.InstanceInfo,
			Steps:          composer.RecordSteps(sub, stepActions),
			Status:         model.InstanceStatusPending,
			IsLatest:       true,
			NeedClean:      old.NeedClean,
		})
	}

	if err := e.sealAndKick(ctx, sub, task, actions, records); err != nil {
		e.settleFailedTask(ctx, task, false, err)
		return 0, err
	}
	return task.ID, nil
}

// RetryNode 重试单个失败实例记录
func (e *Engine) RetryNode(ctx context.Context, recordID int64) (int64, error) {
	record, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return 0, errs.Wrap(errs.ErrInstanceRecordNotExist, err)
	}
	if record.Status != model.InstanceStatusFailed {
		return 0, errs.New(errs.ErrInstanceRecordNotExist, "record %d is %s, only failed records can be retried", recordID, record.Status)
	}
	return e.Retry(ctx, record.SubscriptionID, []string{record.InstanceID})
}

// Revoke 强制终止任务中仍活跃的实例记录
//
// 外部在途作业不回收，其结果被忽略。写入 FAILED 后延迟二次写入，
// 防止迟到的活动状态回写覆盖撤销结果。
func (e *Engine) Revoke(ctx context.Context, taskID int64, instanceIDs []string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return errs.Wrap(errs.ErrSubscriptionTaskNotExist, err)
	}

	records, err := e.store.ListRecords(ctx, storage.RecordFilter{
		TaskID:      task.ID,
		Statuses:    []model.InstanceRecordStatus{model.InstanceStatusPending, model.InstanceStatusRunning},
		InstanceIDs: instanceIDs,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errs.New(errs.ErrNoRunningInstanceRecord, "task %d has no active record to revoke", task.ID)
	}

	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	if err := e.store.UpdateRecordStatus(ctx, ids, model.InstanceStatusFailed); err != nil {
		return err
	}
	for _, record := range records {
		if nodeID := currentNode(record); nodeID != "" {
			e.logRevoked(ctx, record.ID, nodeID)
		}
	}
	log.Printf("[engine.revoke] task=%d records=%d", task.ID, len(ids))

	time.AfterFunc(revokeConfirmDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.store.UpdateRecordStatus(ctx, ids, model.InstanceStatusFailed); err != nil {
			log.Printf("[engine.revoke_confirm_failed] task=%d err=%v", task.ID, err)
		}
	})
	return nil
}

// CheckTaskReady 查询任务编排是否就绪
//
// taskID=0 时取订阅最近一次任务。编排失败的任务返回携带 err_msg 的错误。
func (e *Engine) CheckTaskReady(ctx context.Context, subscriptionID, taskID int64) (bool, error) {
	var task *model.SubscriptionTask
	var err error
	if taskID > 0 {
		task, err = e.store.GetTask(ctx, taskID)
	} else {
		task, err = e.store.GetLatestTask(ctx, subscriptionID)
	}
	if err != nil {
		return false, errs.Wrap(errs.ErrSubscriptionTaskNotExist, err)
	}
	if task.SubscriptionID != subscriptionID {
		return false, errs.New(errs.ErrSubscriptionTaskNotExist, "task %d does not belong to subscription %d", task.ID, subscriptionID)
	}
	if task.ErrMsg != "" {
		return false, errs.New(errs.ErrCreateSubscriptionTask, "%s", task.ErrMsg)
	}
	return task.IsReady, nil
}

// ============================================================================
// 内部流程
// ============================================================================

// gate is_running 门闸：运行锁 + 活跃记录计数
func (e *Engine) gate(ctx context.Context, subscriptionID int64) (func(), error) {
	acquired, err := e.locks.TryAcquire(ctx, subscriptionID, runLockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, errs.New(errs.ErrInstanceTaskIsRunning, "subscription %d is locked by another run", subscriptionID)
	}
	release := func() {
		if err := e.locks.Release(context.Background(), subscriptionID); err != nil {
			log.Printf("[engine.release_lock_failed] subscription=%d err=%v", subscriptionID, err)
		}
	}

	active, err := e.store.CountActiveRecords(ctx, subscriptionID)
	if err != nil {
		release()
		return nil, err
	}
	if active > 0 {
		release()
		return nil, errs.New(errs.ErrInstanceTaskIsRunning, "subscription %d has %d active instance records", subscriptionID, active)
	}
	return release, nil
}

// createTask run 路径的编排主体：解析、规划、组装记录
func (e *Engine) createTask(ctx context.Context, sub *model.Subscription, task *model.SubscriptionTask, scope model.Scope, opts RunOptions) error {
	instances, err := e.scopes.Resolve(ctx, &scope)
	if err != nil {
		return err
	}

	var actions map[string]model.StepActions
	if len(opts.Actions) > 0 {
		// 显式动作表：跳过规划，对范围内全部实例生效
		actions = make(map[string]model.StepActions, len(instances))
		for nodeID := range instances {
			actions[nodeID] = opts.Actions
		}
	} else {
		actions, _, err = e.planner.Plan(ctx, sub, instances, planner.Options{AutoTrigger: opts.AutoTrigger})
		if err != nil {
			return err
		}
	}
	if len(actions) == 0 {
		return errs.New(errs.ErrSubscriptionInstanceEmpty, "nothing to do for subscription %d", sub.ID)
	}

	records := make([]*model.SubscriptionInstanceRecord, 0, len(actions))
	for nodeID, stepActions := range actions {
		instance, ok := instances[nodeID]
		if !ok {
			// 休眠出范围等规划衍生实例没有实时快照，用最小快照占位
			instance = &model.Instance{}
		}
		records = append(records, &model.SubscriptionInstanceRecord{
			SubscriptionID: sub.ID,
			TaskID:         task.ID,
			InstanceID:     nodeID,
			InstanceInfo:   *instance,
			Steps:          composer.RecordSteps(sub, stepActions),
			Status:         model.InstanceStatusPending,
			IsLatest:       true,
		})
	}
	return e.sealAndKick(ctx, sub, task, actions, records)
}

// sealAndKick 落库记录、建树、封口任务并投递踢单消息
//
// 记录与树的落库必须成功；踢单消息允许失败，僵尸清理任务会兜底
// 处置长时间未被驱动的记录。
func (e *Engine) sealAndKick(ctx context.Context, sub *model.Subscription, task *model.SubscriptionTask, actions map[string]model.StepActions, records []*model.SubscriptionInstanceRecord) error {
	if err := e.store.BulkCreateRecords(ctx, records); err != nil {
		return errs.Wrap(errs.ErrCreateSubscriptionTask, err)
	}

	tree, err := pipeline.Build(sub, task, records, e.hostLimit(ctx))
	if err != nil {
		return err
	}
	data, err := tree.Marshal()
	if err != nil {
		return err
	}
	if err := e.store.SavePipelineTree(ctx, tree.ID, data); err != nil {
		return errs.Wrap(errs.ErrCreateSubscriptionTask, err)
	}
	for _, record := range records {
		if err := e.store.UpdateRecordSteps(ctx, record.ID, record.Steps); err != nil {
			return errs.Wrap(errs.ErrCreateSubscriptionTask, err)
		}
	}

	if err := e.store.SealTask(ctx, task.ID, actions, tree.ID); err != nil {
		return errs.Wrap(errs.ErrCreateSubscriptionTask, err)
	}
	task.Actions = actions
	task.PipelineID = tree.ID
	task.IsReady = true

	if _, err := e.queue.PublishTask(ctx, sub.ID, task.ID); err != nil {
		log.Printf("[engine.kick_failed] subscription=%d task=%d err=%v", sub.ID, task.ID, err)
	}
	log.Printf("[engine.task_ready] subscription=%d task=%d records=%d slices=%d",
		sub.ID, task.ID, len(records), len(tree.Slices))
	return nil
}

// settleFailedTask 编排失败处置：自动触发删任务，手动保留并记录 err_msg
func (e *Engine) settleFailedTask(ctx context.Context, task *model.SubscriptionTask, autoTrigger bool, cause error) {
	if autoTrigger {
		if err := e.store.DeleteTask(ctx, task.ID); err != nil {
			log.Printf("[engine.delete_task_failed] task=%d err=%v", task.ID, err)
		}
		return
	}
	if err := e.store.SetTaskError(ctx, task.ID, cause.Error()); err != nil {
		log.Printf("[engine.set_task_error_failed] task=%d err=%v", task.ID, err)
	}
}

// hostLimit 读取 TASK_HOST_LIMIT，非法值回落默认
func (e *Engine) hostLimit(ctx context.Context) int {
	raw, err := e.store.GetSetting(ctx, model.KeyTaskHostLimit)
	if err != nil || raw == "" {
		return pipeline.DefaultTaskHostLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return pipeline.DefaultTaskHostLimit
	}
	return limit
}

// currentNode 记录当前所在活动节点；尚未被驱动时取首步骤首活动
func currentNode(record *model.SubscriptionInstanceRecord) string {
	if record.PipelineID != "" {
		return record.PipelineID
	}
	for _, step := range record.Steps {
		if step.PipelineID != "" {
			return step.PipelineID
		}
	}
	return ""
}

func (e *Engine) logRevoked(ctx context.Context, recordID int64, nodeID string) {
	line := reporter.Line(reporter.LevelWarning, "task revoked, force failed")
	if err := e.store.AppendDetailLog(ctx, recordID, nodeID, line); err != nil {
		log.Printf("[engine.revoke_log_failed] record=%d err=%v", recordID, err)
	}
}
