// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"testing"
	"time"

	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storage/dbutil"
	sqlitedriver "nodeman/internal/shared/storage/driver/sqlite"
	"nodeman/internal/shared/storagetypes"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSubscription() *model.Subscription {
	return &model.Subscription{
		Name:       "test-sub",
		Category:   model.CategoryPolicy,
		Enable:     true,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeInstance,
		Scope: model.Scope{
			BkBizID:    2,
			ObjectType: model.ObjectTypeHost,
			NodeType:   model.NodeTypeInstance,
			Nodes:      []model.ScopeNode{{BkHostID: 1}},
		},
		Steps: []model.Step{
			{
				StepID: "processbeat",
				Type:   model.StepTypePlugin,
				Config: model.StepConfig{
					JobType:       "MAIN_INSTALL_PLUGIN",
					PluginName:    "processbeat",
					PluginVersion: "1.0.0",
				},
			},
		},
		PID:     -1,
		Creator: "admin",
	}
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.Equal(t, "1", d.BooleanLiteral(true))
	assert.Equal(t, "0", d.BooleanLiteral(false))
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
}

// ============================================================================
// Subscription 测试
// ============================================================================

func TestSubscriptionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := newTestSubscription()
	id, err := s.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	assert.Positive(t, id)

	// Get
	got, err := s.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "test-sub", got.Name)
	assert.Equal(t, model.CategoryPolicy, got.Category)
	assert.True(t, got.Enable)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "processbeat", got.Steps[0].Config.PluginName)
	assert.Equal(t, int64(-1), got.PID)

	// Update
	got.Name = "renamed"
	got.Steps[0].Config.PluginVersion = "1.1.0"
	require.NoError(t, s.UpdateSubscription(ctx, got))
	got2, err := s.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got2.Name)
	assert.Equal(t, "1.1.0", got2.Steps[0].Config.PluginVersion)

	// Enable 切换
	require.NoError(t, s.SetSubscriptionEnable(ctx, id, false))
	got3, _ := s.GetSubscription(ctx, id)
	assert.False(t, got3.Enable)

	// BizScope 切换
	require.NoError(t, s.SetSubscriptionBizScope(ctx, id, []int64{2, 3}))
	got4, _ := s.GetSubscription(ctx, id)
	assert.Equal(t, []int64{2, 3}, got4.BkBizScope)

	// 软删除后视为不存在
	require.NoError(t, s.DeleteSubscription(ctx, id))
	_, err = s.GetSubscription(ctx, id)
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)

	// 不存在的 ID
	_, err = s.GetSubscription(ctx, 99999)
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)
	assert.ErrorIs(t, s.SetSubscriptionEnable(ctx, 99999, true), storagetypes.ErrNotFound)
}

func TestListEnabledSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabled := newTestSubscription()
	_, err := s.CreateSubscription(ctx, enabled)
	require.NoError(t, err)

	disabled := newTestSubscription()
	disabled.Enable = false
	_, err = s.CreateSubscription(ctx, disabled)
	require.NoError(t, err)

	deleted := newTestSubscription()
	deletedID, err := s.CreateSubscription(ctx, deleted)
	require.NoError(t, err)
	require.NoError(t, s.DeleteSubscription(ctx, deletedID))

	subs, err := s.ListEnabledSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	assert.Equal(t, enabled.ID, subs[0].ID)
}

func TestListPoliciesByPlugin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	policy := newTestSubscription()
	_, err := s.CreateSubscription(ctx, policy)
	require.NoError(t, err)

	other := newTestSubscription()
	other.Steps[0].Config.PluginName = "basereport"
	_, err = s.CreateSubscription(ctx, other)
	require.NoError(t, err)

	// once 类不参与策略匹配
	once := newTestSubscription()
	once.Category = model.CategoryOnce
	_, err = s.CreateSubscription(ctx, once)
	require.NoError(t, err)

	matched, err := s.ListPoliciesByPlugin(ctx, "processbeat")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, policy.ID, matched[0].ID)
}

func TestListSubscriptionsByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestSubscription()
	aID, _ := s.CreateSubscription(ctx, a)
	b := newTestSubscription()
	bID, _ := s.CreateSubscription(ctx, b)

	subs, err := s.ListSubscriptionsByIDs(ctx, []int64{aID, bID, 99999})
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	subs, err = s.ListSubscriptionsByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

// ============================================================================
// Task 测试
// ============================================================================

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := newTestSubscription()
	subID, err := s.CreateSubscription(ctx, sub)
	require.NoError(t, err)

	task := &model.SubscriptionTask{
		SubscriptionID: subID,
		ScopeSnapshot:  sub.Scope,
		IsAutoTrigger:  false,
	}
	taskID, err := s.CreateTask(ctx, task)
	require.NoError(t, err)

	// 创建后未就绪
	got, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, got.IsReady)
	assert.Empty(t, got.PipelineID)

	// Seal：写入 actions + pipeline_id 并就绪
	actions := map[string]model.StepActions{
		"host|instance|host|1": {"processbeat": model.ActionMainInstallPlugin},
	}
	require.NoError(t, s.SealTask(ctx, taskID, actions, "pipe-001"))
	got, err = s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, got.IsReady)
	assert.Equal(t, "pipe-001", got.PipelineID)
	assert.Equal(t, model.ActionMainInstallPlugin, got.Actions["host|instance|host|1"]["processbeat"])

	// GetLatestTask
	latest, err := s.GetLatestTask(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, taskID, latest.ID)

	// 编排失败路径：err_msg 记录，is_ready 保持 false
	task2 := &model.SubscriptionTask{SubscriptionID: subID, ScopeSnapshot: sub.Scope}
	task2ID, err := s.CreateTask(ctx, task2)
	require.NoError(t, err)
	require.NoError(t, s.SetTaskError(ctx, task2ID, "no instances matched"))
	got2, err := s.GetTask(ctx, task2ID)
	require.NoError(t, err)
	assert.False(t, got2.IsReady)
	assert.Equal(t, "no instances matched", got2.ErrMsg)

	// 历史任务列表（新到旧）
	tasks, err := s.ListTasksBySubscription(ctx, subID, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, task2ID, tasks[0].ID)

	// 自动触发空任务删除
	require.NoError(t, s.DeleteTask(ctx, task2ID))
	_, err = s.GetTask(ctx, task2ID)
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)
}

// ============================================================================
// InstanceRecord 测试
// ============================================================================

func newTestRecord(subID, taskID int64, instanceID string) *model.SubscriptionInstanceRecord {
	return &model.SubscriptionInstanceRecord{
		SubscriptionID: subID,
		TaskID:         taskID,
		InstanceID:     instanceID,
		InstanceInfo: model.Instance{
			Host: &model.HostInfo{BkHostID: 1, InnerIP: "10.0.0.1", BkCloudID: 0},
		},
		Steps: []model.RecordStep{
			{StepID: "processbeat", Type: model.StepTypePlugin, Action: model.ActionMainInstallPlugin},
		},
		Status: model.InstanceStatusPending,
	}
}

func TestRecordIsLatestInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const instID = "host|instance|host|1"

	// 第一代
	rec1 := newTestRecord(100, 1, instID)
	require.NoError(t, s.BulkCreateRecords(ctx, []*model.SubscriptionInstanceRecord{rec1}))
	assert.True(t, rec1.IsLatest)

	// 第二代：旧代自动翻转
	rec2 := newTestRecord(100, 2, instID)
	require.NoError(t, s.BulkCreateRecords(ctx, []*model.SubscriptionInstanceRecord{rec2}))

	old, err := s.GetRecord(ctx, rec1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsLatest)
	cur, err := s.GetRecord(ctx, rec2.ID)
	require.NoError(t, err)
	assert.True(t, cur.IsLatest)

	// 不带 task_id 过滤时只取最新代
	recs, err := s.ListRecords(ctx, storagetypes.RecordFilter{SubscriptionID: 100})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec2.ID, recs[0].ID)

	// 按任务查询可见历史代
	recs, err = s.ListRecords(ctx, storagetypes.RecordFilter{TaskID: 1})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// 不同订阅同实例互不干扰
	rec3 := newTestRecord(200, 3, instID)
	require.NoError(t, s.BulkCreateRecords(ctx, []*model.SubscriptionInstanceRecord{rec3}))
	cur, _ = s.GetRecord(ctx, rec2.ID)
	assert.True(t, cur.IsLatest)
}

func TestRecordStatusAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []*model.SubscriptionInstanceRecord{
		newTestRecord(100, 1, "host|instance|host|1"),
		newTestRecord(100, 1, "host|instance|host|2"),
		newTestRecord(100, 1, "host|instance|host|3"),
	}
	require.NoError(t, s.BulkCreateRecords(ctx, recs))

	// 活跃计数（is_running 门闸）
	active, err := s.CountActiveRecords(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), active)

	// 状态推进
	require.NoError(t, s.UpdateRecordStatus(ctx, []int64{recs[0].ID, recs[1].ID}, model.InstanceStatusRunning))
	require.NoError(t, s.UpdateRecordStatus(ctx, []int64{recs[2].ID}, model.InstanceStatusFailed))

	active, err = s.CountActiveRecords(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)

	// 状态过滤查询
	failed, err := s.ListRecords(ctx, storagetypes.RecordFilter{
		TaskID:   1,
		Statuses: []model.InstanceRecordStatus{model.InstanceStatusFailed},
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, recs[2].ID, failed[0].ID)

	// 按状态聚合
	counts, err := s.CountRecordStatuses(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.InstanceStatusRunning])
	assert.Equal(t, int64(1), counts[model.InstanceStatusFailed])

	// 计数与分页
	total, err := s.CountRecords(ctx, storagetypes.RecordFilter{TaskID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	page, err := s.ListRecords(ctx, storagetypes.RecordFilter{TaskID: 1, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	// pipeline_id 推进
	require.NoError(t, s.UpdateRecordPipelineID(ctx, []int64{recs[0].ID}, "act-2"))
	got, err := s.GetRecord(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "act-2", got.PipelineID)
}

func TestListStaleActiveRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord(100, 1, "host|instance|host|1")
	require.NoError(t, s.BulkCreateRecords(ctx, []*model.SubscriptionInstanceRecord{rec}))

	// 窗口足够大时不命中
	stale, err := s.ListStaleActiveRecords(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// 零窗口时刚插入的记录也视为过期
	stale, err = s.ListStaleActiveRecords(ctx, -time.Second, 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

// ============================================================================
// StatusDetail 测试
// ============================================================================

func TestStatusDetailLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord(100, 1, "host|instance|host|1")
	require.NoError(t, s.BulkCreateRecords(ctx, []*model.SubscriptionInstanceRecord{rec}))

	details := []*model.SubscriptionInstanceStatusDetail{
		{InstanceRecordID: rec.ID, NodeID: "act-1", Status: model.InstanceStatusRunning, Log: "[2026-08-30 10:00:00 INFO] start\n"},
		{InstanceRecordID: rec.ID, NodeID: "act-2", Status: model.InstanceStatusPending, Log: ""},
	}
	require.NoError(t, s.BulkCreateDetails(ctx, details))

	// 追加日志
	require.NoError(t, s.AppendDetailLog(ctx, rec.ID, "act-1", "[2026-08-30 10:00:05 INFO] done\n"))
	got, err := s.GetDetail(ctx, rec.ID, "act-1")
	require.NoError(t, err)
	assert.Contains(t, got.Log, "start")
	assert.Contains(t, got.Log, "done")

	// 状态更新
	require.NoError(t, s.UpdateDetailStatus(ctx, []int64{rec.ID}, "act-1", model.InstanceStatusSuccess))
	got, err = s.GetDetail(ctx, rec.ID, "act-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusSuccess, got.Status)

	// 重复插入同 (record, node) 不新增行
	require.NoError(t, s.BulkCreateDetails(ctx, []*model.SubscriptionInstanceStatusDetail{
		{InstanceRecordID: rec.ID, NodeID: "act-1", Status: model.InstanceStatusRunning},
	}))
	all, err := s.ListDetailsByRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// not found
	_, err = s.GetDetail(ctx, rec.ID, "missing")
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)
}

// ============================================================================
// ProcessStatus 测试
// ============================================================================

func int64Ptr(n int64) *int64 { return &n }

func strPtr(s string) *string { return &s }

func TestProcessStatusUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ps1 := &model.ProcessStatus{
		BkHostID:   1,
		Name:       "processbeat",
		SourceType: model.SourceTypeSubscription,
		SourceID:   int64Ptr(100),
		GroupID:    "sub_100_host_1",
		Status:     model.ProcStatusRunning,
		Version:    "1.0.0",
		SetupPath:  `C:\gse\plugins`,
	}
	require.NoError(t, s.UpsertProcessStatuses(ctx, []*model.ProcessStatus{ps1}))

	got, err := s.ListProcessStatusesByGroup(ctx, []string{"sub_100_host_1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	// Windows 路径入库统一为正斜杠
	assert.Equal(t, "C:/gse/plugins", got[0].SetupPath)

	// 同 (host, name, source) 再写一行：旧行翻转
	ps2 := &model.ProcessStatus{
		BkHostID:   1,
		Name:       "processbeat",
		SourceType: model.SourceTypeSubscription,
		SourceID:   int64Ptr(100),
		GroupID:    "sub_100_host_1",
		Status:     model.ProcStatusRunning,
		Version:    "1.1.0",
	}
	require.NoError(t, s.UpsertProcessStatuses(ctx, []*model.ProcessStatus{ps2}))

	got, err = s.ListProcessStatusesByGroup(ctx, []string{"sub_100_host_1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1.1.0", got[0].Version)

	// 不同 source_id 互不干扰
	ps3 := &model.ProcessStatus{
		BkHostID:   1,
		Name:       "processbeat",
		SourceType: model.SourceTypeSubscription,
		SourceID:   int64Ptr(200),
		GroupID:    "sub_200_host_1",
		Status:     model.ProcStatusRunning,
		Version:    "2.0.0",
	}
	require.NoError(t, s.UpsertProcessStatuses(ctx, []*model.ProcessStatus{ps3}))

	byHost, err := s.ListProcessStatusesByHosts(ctx, []int64{1}, "processbeat")
	require.NoError(t, err)
	assert.Len(t, byHost, 2)

	// NULL source_id 的最新行维护
	def1 := &model.ProcessStatus{BkHostID: 1, Name: "gse_agent", SourceType: model.SourceTypeDefault, Status: model.ProcStatusRunning}
	require.NoError(t, s.UpsertProcessStatuses(ctx, []*model.ProcessStatus{def1}))
	def2 := &model.ProcessStatus{BkHostID: 1, Name: "gse_agent", SourceType: model.SourceTypeDefault, Status: model.ProcStatusTerminated}
	require.NoError(t, s.UpsertProcessStatuses(ctx, []*model.ProcessStatus{def2}))

	agents, err := s.ListProcessStatusesByHosts(ctx, []int64{1}, "gse_agent")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.ProcStatusTerminated, agents[0].Status)
}

func TestProcessOwnershipAndRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ps := &model.ProcessStatus{
		BkHostID:   1,
		Name:       "processbeat",
		SourceType: model.SourceTypeSubscription,
		SourceID:   int64Ptr(100),
		GroupID:    "sub_100_host_1",
		BkObjID:    strPtr("module"),
		Status:     model.ProcStatusRunning,
	}
	require.NoError(t, s.UpsertProcessStatuses(ctx, []*model.ProcessStatus{ps}))

	// 解除归属：source_id/group_id/bk_obj_id 置空，行保留
	require.NoError(t, s.ReleaseProcessOwnership(ctx, []int64{ps.ID}))
	got, err := s.ListProcessStatusesByHosts(ctx, []int64{1}, "processbeat")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].SourceID)
	assert.Empty(t, got[0].GroupID)
	assert.Nil(t, got[0].BkObjID)

	// 重试计数
	require.NoError(t, s.IncrementProcessRetry(ctx, []int64{ps.ID}))
	require.NoError(t, s.IncrementProcessRetry(ctx, []int64{ps.ID}))
	got, _ = s.ListProcessStatusesByHosts(ctx, []int64{1}, "processbeat")
	assert.Equal(t, 2, got[0].RetryTimes)

	require.NoError(t, s.ResetProcessRetry(ctx, []int64{ps.ID}))
	got, _ = s.ListProcessStatusesByHosts(ctx, []int64{1}, "processbeat")
	assert.Equal(t, 0, got[0].RetryTimes)

	// 状态更新
	require.NoError(t, s.SetProcessStatus(ctx, []int64{ps.ID}, model.ProcStatusManualStop))
	got, _ = s.ListProcessStatusesByHosts(ctx, []int64{1}, "processbeat")
	assert.Equal(t, model.ProcStatusManualStop, got[0].Status)
}

// ============================================================================
// PipelineTree + GlobalSettings 测试
// ============================================================================

func TestPipelineTreeCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tree := []byte(`{"id":"pipe-001","activities":{}}`)
	require.NoError(t, s.SavePipelineTree(ctx, "pipe-001", tree))

	got, err := s.GetPipelineTree(ctx, "pipe-001")
	require.NoError(t, err)
	assert.Equal(t, tree, got)

	// 覆盖写
	tree2 := []byte(`{"id":"pipe-001","activities":{"a":1}}`)
	require.NoError(t, s.SavePipelineTree(ctx, "pipe-001", tree2))
	got, err = s.GetPipelineTree(ctx, "pipe-001")
	require.NoError(t, err)
	assert.Equal(t, tree2, got)

	_, err = s.GetPipelineTree(ctx, "missing")
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)

	// GC：未来时间为界全部删除
	n, err := s.DeletePipelineTreesBefore(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeletePipelineTreesBefore(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGlobalSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, model.KeyBatchSize)
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)

	require.NoError(t, s.SetSetting(ctx, model.KeyBatchSize, "200"))
	v, err := s.GetSetting(ctx, model.KeyBatchSize)
	require.NoError(t, err)
	assert.Equal(t, "200", v)

	// 覆盖写
	require.NoError(t, s.SetSetting(ctx, model.KeyBatchSize, "300"))
	v, _ = s.GetSetting(ctx, model.KeyBatchSize)
	assert.Equal(t, "300", v)
}
