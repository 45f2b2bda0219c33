// Package engine 任务引擎测试
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeman/internal/planner"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/lock"
	"nodeman/internal/shared/model"
	"nodeman/internal/shared/queue"
	"nodeman/internal/shared/storage"
	"nodeman/internal/shared/storagetypes"
)

func init() {
	revokeConfirmDelay = 0
}

// ============================================================================
// 内存存储
// ============================================================================

type memStore struct {
	mu sync.Mutex

	subs     map[int64]*model.Subscription
	tasks    map[int64]*model.SubscriptionTask
	records  map[int64]*model.SubscriptionInstanceRecord
	trees    map[string][]byte
	logs     map[string][]string
	settings map[string]string

	nextTask   int64
	nextRecord int64

	statusWrites int
}

func newMemStore() *memStore {
	return &memStore{
		subs:     make(map[int64]*model.Subscription),
		tasks:    make(map[int64]*model.SubscriptionTask),
		records:  make(map[int64]*model.SubscriptionInstanceRecord),
		trees:    make(map[string][]byte),
		logs:     make(map[string][]string),
		settings: make(map[string]string),
		// 从 1000 开始分配，避免与测试中硬编码的任务 ID（1、7、98）冲突
		nextTask: 1000,
	}
}

func (s *memStore) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.IsDeleted {
		return nil, storagetypes.ErrNotFound
	}
	return sub, nil
}

func (s *memStore) CreateTask(ctx context.Context, task *model.SubscriptionTask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTask++
	task.ID = s.nextTask
	task.CreatedAt = time.Now()
	clone := *task
	s.tasks[task.ID] = &clone
	return task.ID, nil
}

func (s *memStore) GetTask(ctx context.Context, id int64) (*model.SubscriptionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, storagetypes.ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (s *memStore) SealTask(ctx context.Context, id int64, actions map[string]model.StepActions, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.tasks[id]
	task.Actions = actions
	task.PipelineID = pipelineID
	task.IsReady = true
	return nil
}

func (s *memStore) SetTaskError(ctx context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].ErrMsg = errMsg
	return nil
}

func (s *memStore) DeleteTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memStore) GetLatestTask(ctx context.Context, subscriptionID int64) (*model.SubscriptionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.SubscriptionTask
	for _, task := range s.tasks {
		if task.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || task.ID > latest.ID {
			latest = task
		}
	}
	if latest == nil {
		return nil, storagetypes.ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

func (s *memStore) BulkCreateRecords(ctx context.Context, records []*model.SubscriptionInstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		for _, old := range s.records {
			if old.SubscriptionID == rec.SubscriptionID && old.InstanceID == rec.InstanceID {
				old.IsLatest = false
			}
		}
		s.nextRecord++
		rec.ID = s.nextRecord
		rec.IsLatest = true
		clone := *rec
		s.records[rec.ID] = &clone
	}
	return nil
}

func (s *memStore) GetRecord(ctx context.Context, id int64) (*model.SubscriptionInstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, storagetypes.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *memStore) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*model.SubscriptionInstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SubscriptionInstanceRecord
	for _, rec := range s.records {
		if filter.TaskID != 0 && rec.TaskID != filter.TaskID {
			continue
		}
		if filter.SubscriptionID != 0 && rec.SubscriptionID != filter.SubscriptionID {
			continue
		}
		if filter.TaskID == 0 && !rec.IsLatest {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, rec.Status) {
			continue
		}
		if len(filter.InstanceIDs) > 0 && !containsString(filter.InstanceIDs, rec.InstanceID) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CountActiveRecords(ctx context.Context, subscriptionID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, rec := range s.records {
		if rec.SubscriptionID == subscriptionID && rec.IsLatest && !rec.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (s *memStore) UpdateRecordStatus(ctx context.Context, ids []int64, status model.InstanceRecordStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusWrites++
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			rec.Status = status
		}
	}
	return nil
}

func (s *memStore) UpdateRecordSteps(ctx context.Context, id int64, steps []model.RecordStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return storagetypes.ErrNotFound
	}
	rec.Steps = steps
	return nil
}

func (s *memStore) SavePipelineTree(ctx context.Context, id string, tree []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[id] = tree
	return nil
}

func (s *memStore) AppendDetailLog(ctx context.Context, recordID int64, nodeID string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d|%s", recordID, nodeID)
	s.logs[key] = append(s.logs[key], text)
	return nil
}

func (s *memStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.settings[key]
	if !ok {
		return "", storagetypes.ErrNotFound
	}
	return value, nil
}

func containsStatus(statuses []model.InstanceRecordStatus, status model.InstanceRecordStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// ============================================================================
// 依赖桩
// ============================================================================

type stubResolver struct {
	instances map[string]*model.Instance
	err       error
}

func (r *stubResolver) Resolve(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error) {
	return r.instances, r.err
}

type stubPlanner struct {
	actions map[string]model.StepActions
	err     error
	calls   int
}

func (p *stubPlanner) Plan(ctx context.Context, sub *model.Subscription, instances map[string]*model.Instance, opts planner.Options) (map[string]model.StepActions, map[string]map[string]model.MigrateReason, error) {
	p.calls++
	return p.actions, nil, p.err
}

type fixture struct {
	store   *memStore
	scopes  *stubResolver
	planner *stubPlanner
	queue   *queue.MemoryQueue
	engine  *Engine
}

func newFixture() *fixture {
	f := &fixture{
		store:   newMemStore(),
		scopes:  &stubResolver{instances: map[string]*model.Instance{}},
		planner: &stubPlanner{},
		queue:   queue.NewMemoryQueue(),
	}
	f.engine = New(f.store, f.scopes, f.planner, f.queue, lock.NewMemoryLock())

	f.store.subs[1] = &model.Subscription{
		ID:         1,
		Category:   model.CategoryPolicy,
		Enable:     true,
		ObjectType: model.ObjectTypeHost,
		NodeType:   model.NodeTypeInstance,
		Steps: []model.Step{
			{StepID: "agent", Type: model.StepTypeAgent, Config: model.StepConfig{JobType: "INSTALL_AGENT"}},
		},
	}
	return f
}

func (f *fixture) addInstance(hostID int64) string {
	nodeID := fmt.Sprintf("host|instance|host|%d", hostID)
	f.scopes.instances[nodeID] = &model.Instance{
		Host: &model.HostInfo{BkHostID: hostID, InnerIP: fmt.Sprintf("10.0.0.%d", hostID), BkBizID: 2},
		Meta: model.Meta{GSEVersion: model.GSEVersionV1},
	}
	return nodeID
}

// ============================================================================
// Run
// ============================================================================

func TestRunCreatesReadyTask(t *testing.T) {
	f := newFixture()
	n1 := f.addInstance(1)
	n2 := f.addInstance(2)
	f.planner.actions = map[string]model.StepActions{
		n1: {"agent": model.ActionInstallAgent},
		n2: {"agent": model.ActionInstallAgent},
	}

	taskID, err := f.engine.Run(context.Background(), 1, RunOptions{})
	require.NoError(t, err)

	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, task.IsReady)
	assert.NotEmpty(t, task.PipelineID)
	assert.Len(t, task.Actions, 2)
	assert.Contains(t, f.store.trees, task.PipelineID)

	records, err := f.store.ListRecords(context.Background(), storage.RecordFilter{TaskID: taskID})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, model.InstanceStatusPending, rec.Status)
		require.NotEmpty(t, rec.Steps)
		assert.NotEmpty(t, rec.Steps[0].ActivityIDs, "activity ids should be backfilled after build")
	}

	length, err := f.queue.GetTaskQueueLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestRunManualPlannerErrorSealsErrMsg(t *testing.T) {
	f := newFixture()
	f.addInstance(1)
	f.planner.err = errors.New("cmdb unreachable")

	_, err := f.engine.Run(context.Background(), 1, RunOptions{})
	require.Error(t, err)

	task, err := f.store.GetLatestTask(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, task.IsReady)
	assert.Contains(t, task.ErrMsg, "cmdb unreachable")

	_, err = f.engine.CheckTaskReady(context.Background(), 1, task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCreateSubscriptionTask)
}

func TestRunAutoPlannerErrorDeletesTask(t *testing.T) {
	f := newFixture()
	f.addInstance(1)
	f.planner.err = errors.New("cmdb unreachable")

	_, err := f.engine.Run(context.Background(), 1, RunOptions{AutoTrigger: true})
	require.Error(t, err)

	_, err = f.store.GetLatestTask(context.Background(), 1)
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)
}

func TestRunRejectsWhileActive(t *testing.T) {
	f := newFixture()
	f.store.records[99] = &model.SubscriptionInstanceRecord{
		ID: 99, SubscriptionID: 1, TaskID: 98, InstanceID: "host|instance|host|9",
		Status: model.InstanceStatusRunning, IsLatest: true,
	}

	_, err := f.engine.Run(context.Background(), 1, RunOptions{})
	assert.ErrorIs(t, err, errs.ErrInstanceTaskIsRunning)
}

func TestRunExplicitActionsSkipPlanner(t *testing.T) {
	f := newFixture()
	f.addInstance(1)
	f.planner.err = errors.New("planner must not be called")

	taskID, err := f.engine.Run(context.Background(), 1, RunOptions{
		Actions: model.StepActions{"agent": model.ActionReinstallAgent},
	})
	require.NoError(t, err)
	assert.Zero(t, f.planner.calls)

	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	for _, stepActions := range task.Actions {
		assert.Equal(t, model.ActionReinstallAgent, stepActions["agent"])
	}
}

func TestRunEmptyPlanFails(t *testing.T) {
	f := newFixture()
	f.addInstance(1)
	f.planner.actions = map[string]model.StepActions{}

	_, err := f.engine.Run(context.Background(), 1, RunOptions{})
	assert.ErrorIs(t, err, errs.ErrSubscriptionInstanceEmpty)
}

// ============================================================================
// Retry / RetryNode
// ============================================================================

func seedTerminalRecords(t *testing.T, f *fixture) (failedID, successID int64) {
	t.Helper()
	failed := &model.SubscriptionInstanceRecord{
		SubscriptionID: 1, TaskID: 1, InstanceID: "host|instance|host|1",
		InstanceInfo: model.Instance{
			Host: &model.HostInfo{BkHostID: 1, InnerIP: "10.0.0.1", BkBizID: 2},
			Meta: model.Meta{GSEVersion: model.GSEVersionV1},
		},
		Steps:  []model.RecordStep{{StepID: "agent", Type: model.StepTypeAgent, Action: model.ActionInstallAgent}},
		Status: model.InstanceStatusFailed,
	}
	success := &model.SubscriptionInstanceRecord{
		SubscriptionID: 1, TaskID: 1, InstanceID: "host|instance|host|2",
		InstanceInfo: model.Instance{
			Host: &model.HostInfo{BkHostID: 2, InnerIP: "10.0.0.2", BkBizID: 2},
			Meta: model.Meta{GSEVersion: model.GSEVersionV1},
		},
		Steps:  []model.RecordStep{{StepID: "agent", Type: model.StepTypeAgent, Action: model.ActionInstallAgent}},
		Status: model.InstanceStatusSuccess,
	}
	require.NoError(t, f.store.BulkCreateRecords(context.Background(), []*model.SubscriptionInstanceRecord{failed, success}))
	return failed.ID, success.ID
}

func TestRetryTargetsFailedOnly(t *testing.T) {
	f := newFixture()
	failedID, _ := seedTerminalRecords(t, f)

	taskID, err := f.engine.Retry(context.Background(), 1, nil)
	require.NoError(t, err)

	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, task.IsReady)
	require.Len(t, task.Actions, 1)
	assert.Contains(t, task.Actions, "host|instance|host|1")

	records, err := f.store.ListRecords(context.Background(), storage.RecordFilter{TaskID: taskID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.InstanceStatusPending, records[0].Status)
	assert.True(t, records[0].IsLatest)

	old, err := f.store.GetRecord(context.Background(), failedID)
	require.NoError(t, err)
	assert.False(t, old.IsLatest, "retried record should demote the failed generation")
}

func TestRetryWithoutFailedRecords(t *testing.T) {
	f := newFixture()

	_, err := f.engine.Retry(context.Background(), 1, nil)
	assert.ErrorIs(t, err, errs.ErrSubscriptionInstanceEmpty)
}

func TestRetryNodeRequiresFailedRecord(t *testing.T) {
	f := newFixture()
	failedID, successID := seedTerminalRecords(t, f)

	_, err := f.engine.RetryNode(context.Background(), successID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInstanceRecordNotExist)

	taskID, err := f.engine.RetryNode(context.Background(), failedID)
	require.NoError(t, err)

	records, err := f.store.ListRecords(context.Background(), storage.RecordFilter{TaskID: taskID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "host|instance|host|1", records[0].InstanceID)
}

// ============================================================================
// Revoke / CheckTaskReady
// ============================================================================

func TestRevokeForceFailsActiveRecords(t *testing.T) {
	f := newFixture()
	running := &model.SubscriptionInstanceRecord{
		SubscriptionID: 1, TaskID: 7, InstanceID: "host|instance|host|1",
		PipelineID: "node-1", Status: model.InstanceStatusRunning,
	}
	done := &model.SubscriptionInstanceRecord{
		SubscriptionID: 1, TaskID: 7, InstanceID: "host|instance|host|2",
		Status: model.InstanceStatusSuccess,
	}
	require.NoError(t, f.store.BulkCreateRecords(context.Background(), []*model.SubscriptionInstanceRecord{running, done}))
	f.store.tasks[7] = &model.SubscriptionTask{ID: 7, SubscriptionID: 1, IsReady: true}

	require.NoError(t, f.engine.Revoke(context.Background(), 7, nil))

	rec, err := f.store.GetRecord(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusFailed, rec.Status)

	untouched, err := f.store.GetRecord(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusSuccess, untouched.Status)

	logs := f.store.logs[fmt.Sprintf("%d|node-1", running.ID)]
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], "task revoked, force failed")

	// 延迟二次写入兜底迟到的状态回写
	assert.Eventually(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return f.store.statusWrites >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestRevokeWithoutActiveRecords(t *testing.T) {
	f := newFixture()
	f.store.tasks[7] = &model.SubscriptionTask{ID: 7, SubscriptionID: 1, IsReady: true}

	err := f.engine.Revoke(context.Background(), 7, nil)
	assert.ErrorIs(t, err, errs.ErrNoRunningInstanceRecord)
}

func TestCheckTaskReadyLatest(t *testing.T) {
	f := newFixture()
	n1 := f.addInstance(1)
	f.planner.actions = map[string]model.StepActions{n1: {"agent": model.ActionInstallAgent}}

	taskID, err := f.engine.Run(context.Background(), 1, RunOptions{})
	require.NoError(t, err)

	ready, err := f.engine.CheckTaskReady(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.True(t, ready)

	ready, err = f.engine.CheckTaskReady(context.Background(), 1, taskID)
	require.NoError(t, err)
	assert.True(t, ready)

	_, err = f.engine.CheckTaskReady(context.Background(), 2, taskID)
	assert.ErrorIs(t, err, errs.ErrSubscriptionTaskNotExist)
}
