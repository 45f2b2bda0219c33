// Package periodic 周期巡检任务
//
// 由 api-server 进程内置运行，任务清单：
//   - 订阅周期巡检（15 分钟，按订阅 ID mod + 随机抖动摊开触发）
//   - 范围实例缓存预热（15 分钟）
//   - 状态统计汇总（30 秒，写 prometheus gauge）
//   - 僵尸记录清理（5 分钟，超时未终态的记录强制失败）
//   - 流水线树 GC（UTC 01:00–08:00 窗口内每 5 分钟一批）
package periodic

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"nodeman/internal/engine"
	"nodeman/internal/reporter"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
	"nodeman/internal/shared/queue"
	"nodeman/internal/shared/storagetypes"
)

const (
	triggerInterval = 15 * time.Minute
	zombieThreshold = 30 * time.Minute
	zombieBatch     = 500
	gcRetention     = 30 * 24 * time.Hour
	gcBatch         = 500
)

// Store 周期任务所需的持久化能力
type Store interface {
	ListEnabledSubscriptions(ctx context.Context) ([]*model.Subscription, error)

	CountRecords(ctx context.Context, filter storagetypes.RecordFilter) (int64, error)
	ListStaleActiveRecords(ctx context.Context, olderThan time.Duration, limit int) ([]*model.SubscriptionInstanceRecord, error)
	UpdateRecordStatus(ctx context.Context, ids []int64, status model.InstanceRecordStatus) error
	AppendDetailLog(ctx context.Context, recordID int64, nodeID string, text string) error

	DeletePipelineTreesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key string, value string) error
}

// TaskRunner 巡检触发的任务执行入口
type TaskRunner interface {
	Run(ctx context.Context, subscriptionID int64, opts engine.RunOptions) (int64, error)
}

// ScopeWarmer 范围缓存预热入口
type ScopeWarmer interface {
	Resolve(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error)
}

// StatsSink 统计汇总写入目标
type StatsSink interface {
	SetRecordsCount(status string, count int64)
	SetQueuePending(count int64)
}

// Runner 周期任务调度器
type Runner struct {
	store  Store
	engine TaskRunner
	scopes ScopeWarmer
	queue  queue.TaskQueue
	stats  StatsSink
	cron   *cron.Cron
}

// New 创建周期任务调度器；stats 可为 nil（不导出统计）
func New(store Store, eng TaskRunner, scopes ScopeWarmer, q queue.TaskQueue, stats StatsSink) *Runner {
	return &Runner{
		store:  store,
		engine: eng,
		scopes: scopes,
		queue:  q,
		stats:  stats,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start 注册并启动全部周期任务
func (r *Runner) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{"@every 15m", "subscription_trigger", r.triggerSubscriptions},
		{"@every 15m", "scope_warm", r.warmScopes},
		{"@every 30s", "statistic_rollup", r.rollupStatistics},
		{"@every 5m", "zombie_reap", r.reapZombies},
		{"*/5 1-7 * * *", "pipeline_gc", r.cleanPipelineTrees},
	}
	for _, job := range jobs {
		fn := job.fn
		name := job.name
		if _, err := r.cron.AddFunc(job.spec, func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("[periodic.panic] job=%s recovered=%v", name, rec)
				}
			}()
			fn(ctx)
		}); err != nil {
			return err
		}
	}
	r.cron.Start()
	log.Printf("[periodic.started] jobs=%d", len(jobs))
	return nil
}

// Stop 停止调度，等待在途任务完成
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	log.Printf("[periodic.stopped]")
}

// ============================================================================
// 订阅周期巡检
// ============================================================================

// triggerSubscriptions 巡检全部启用的订阅，摊开在刷新窗口内触发
//
// SUBSCRIPTION_TRIGGER 为总开关；同订阅有在途任务时静默跳过。
func (r *Runner) triggerSubscriptions(ctx context.Context) {
	if !r.triggerEnabled(ctx) {
		return
	}
	subs, err := r.store.ListEnabledSubscriptions(ctx)
	if err != nil {
		log.Printf("[periodic.trigger.list_failed] error=%v", err)
		return
	}
	for _, sub := range subs {
		sub := sub
		delay := smear(sub.ID, triggerInterval)
		time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			r.triggerOne(ctx, sub)
		})
	}
	log.Printf("[periodic.trigger.scheduled] subscriptions=%d window=%s", len(subs), triggerInterval)
}

func (r *Runner) triggerOne(ctx context.Context, sub *model.Subscription) {
	taskID, err := r.engine.Run(ctx, sub.ID, engine.RunOptions{AutoTrigger: true})
	switch {
	case err == nil:
		log.Printf("[periodic.trigger.ran] subscription_id=%d task_id=%d", sub.ID, taskID)
	case errors.Is(err, errs.ErrInstanceTaskIsRunning):
		// 有在途任务，下一轮巡检再收敛
	case errors.Is(err, errs.ErrSubscriptionInstanceEmpty):
		// 空范围合法，无需告警
	default:
		log.Printf("[periodic.trigger.failed] subscription_id=%d error=%v", sub.ID, err)
	}
}

// triggerEnabled 读取 SUBSCRIPTION_TRIGGER 总开关（缺省启用）
func (r *Runner) triggerEnabled(ctx context.Context) bool {
	value, err := r.store.GetSetting(ctx, model.KeySubscriptionTrigger)
	if err != nil || value == "" {
		return true
	}
	return value != "false" && value != "0"
}

// smear 按 ID 取模加随机抖动，将触发摊开在窗口内
func smear(id int64, window time.Duration) time.Duration {
	slots := int64(window / time.Second)
	if slots <= 0 {
		return 0
	}
	base := id % slots
	jitter := rand.Int63n(slots/10 + 1)
	return time.Duration(base+jitter) * time.Second
}

// ============================================================================
// 范围缓存预热
// ============================================================================

func (r *Runner) warmScopes(ctx context.Context) {
	subs, err := r.store.ListEnabledSubscriptions(ctx)
	if err != nil {
		log.Printf("[periodic.warm.list_failed] error=%v", err)
		return
	}
	warmed := 0
	for _, sub := range subs {
		scope := sub.Scope
		if _, err := r.scopes.Resolve(ctx, &scope); err != nil {
			log.Printf("[periodic.warm.resolve_failed] subscription_id=%d error=%v", sub.ID, err)
			continue
		}
		warmed++
	}
	log.Printf("[periodic.warm.done] subscriptions=%d warmed=%d", len(subs), warmed)
}

// ============================================================================
// 状态统计汇总
// ============================================================================

func (r *Runner) rollupStatistics(ctx context.Context) {
	if r.stats == nil {
		return
	}
	statuses := []model.InstanceRecordStatus{
		model.InstanceStatusPending,
		model.InstanceStatusRunning,
		model.InstanceStatusSuccess,
		model.InstanceStatusFailed,
		model.InstanceStatusIgnored,
	}
	for _, status := range statuses {
		count, err := r.store.CountRecords(ctx, storagetypes.RecordFilter{
			Statuses: []model.InstanceRecordStatus{status},
		})
		if err != nil {
			log.Printf("[periodic.rollup.count_failed] status=%s error=%v", status, err)
			continue
		}
		r.stats.SetRecordsCount(string(status), count)
	}
	if r.queue != nil {
		if pending, err := r.queue.GetTaskQueueLength(ctx); err == nil {
			r.stats.SetQueuePending(pending)
		}
	}
}

// ============================================================================
// 僵尸记录清理
// ============================================================================

// reapZombies 超过阈值仍未终态的记录强制失败
//
// 兜底两类漏洞：kick 消息丢失（队列发布失败）、worker 中途崩溃。
func (r *Runner) reapZombies(ctx context.Context) {
	records, err := r.store.ListStaleActiveRecords(ctx, zombieThreshold, zombieBatch)
	if err != nil {
		log.Printf("[periodic.reap.list_failed] error=%v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	if err := r.store.UpdateRecordStatus(ctx, ids, model.InstanceStatusFailed); err != nil {
		log.Printf("[periodic.reap.update_failed] count=%d error=%v", len(ids), err)
		return
	}
	for _, record := range records {
		node := staleNode(record)
		if node == "" {
			continue
		}
		line := reporter.Line(reporter.LevelError, "task long running, force failed")
		if err := r.store.AppendDetailLog(ctx, record.ID, node, line); err != nil {
			log.Printf("[periodic.reap.log_failed] record_id=%d error=%v", record.ID, err)
		}
	}
	log.Printf("[periodic.reap.done] reaped=%d threshold=%s", len(ids), zombieThreshold)
}

// staleNode 记录当前卡住的节点
func staleNode(record *model.SubscriptionInstanceRecord) string {
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

// ============================================================================
// 流水线树 GC
// ============================================================================

// gcCursor clean_pipeline_data_record 游标
type gcCursor struct {
	LastRunAt    time.Time `json:"last_run_at"`
	TotalDeleted int64     `json:"total_deleted"`
}

// cleanPipelineTrees 删除超过保留期的流水线树，单批限量
func (r *Runner) cleanPipelineTrees(ctx context.Context) {
	cursor := r.loadGCCursor(ctx)

	cutoff := time.Now().UTC().Add(-gcRetention)
	deleted, err := r.store.DeletePipelineTreesBefore(ctx, cutoff, gcBatch)
	if err != nil {
		log.Printf("[periodic.gc.delete_failed] error=%v", err)
		return
	}

	cursor.LastRunAt = time.Now().UTC()
	cursor.TotalDeleted += deleted
	r.saveGCCursor(ctx, cursor)

	if deleted > 0 {
		log.Printf("[periodic.gc.done] deleted=%d total=%d cutoff=%s", deleted, cursor.TotalDeleted, cutoff.Format(time.RFC3339))
	}
}

func (r *Runner) loadGCCursor(ctx context.Context) gcCursor {
	var cursor gcCursor
	value, err := r.store.GetSetting(ctx, model.KeyCleanPipelineDataRecord)
	if err != nil || value == "" {
		return cursor
	}
	if err := json.Unmarshal([]byte(value), &cursor); err != nil {
		log.Printf("[periodic.gc.cursor_invalid] value=%q error=%v", value, err)
	}
	return cursor
}

func (r *Runner) saveGCCursor(ctx context.Context, cursor gcCursor) {
	data, _ := json.Marshal(cursor)
	if err := r.store.SetSetting(ctx, model.KeyCleanPipelineDataRecord, string(data)); err != nil {
		log.Printf("[periodic.gc.cursor_save_failed] error=%v", err)
	}
}
