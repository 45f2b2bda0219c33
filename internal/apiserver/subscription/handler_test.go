// Package subscription 订阅 HTTP 处理器测试
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeman/internal/engine"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storage"
	"nodeman/internal/shared/storagetypes"
)

// ============================================================================
// mock 存储与引擎
// ============================================================================

type mockStore struct {
	subs     map[int64]*model.Subscription
	tasks    map[int64]*model.SubscriptionTask
	records  map[int64]*model.SubscriptionInstanceRecord
	details  map[int64][]*model.SubscriptionInstanceStatusDetail
	procs    map[int64][]*model.ProcessStatus
	settings map[string]string

	nextSub int64
}

func newMockStore() *mockStore {
	return &mockStore{
		subs:     make(map[int64]*model.Subscription),
		tasks:    make(map[int64]*model.SubscriptionTask),
		records:  make(map[int64]*model.SubscriptionInstanceRecord),
		details:  make(map[int64][]*model.SubscriptionInstanceStatusDetail),
		procs:    make(map[int64][]*model.ProcessStatus),
		settings: make(map[string]string),
	}
}

func (m *mockStore) CreateSubscription(ctx context.Context, sub *model.Subscription) (int64, error) {
	m.nextSub++
	sub.ID = m.nextSub
	m.subs[sub.ID] = sub
	return sub.ID, nil
}

func (m *mockStore) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	m.subs[sub.ID] = sub
	return nil
}

func (m *mockStore) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	sub, ok := m.subs[id]
	if !ok || sub.IsDeleted {
		return nil, storagetypes.ErrNotFound
	}
	return sub, nil
}

func (m *mockStore) DeleteSubscription(ctx context.Context, id int64) error {
	if sub, ok := m.subs[id]; ok {
		sub.IsDeleted = true
	}
	return nil
}

func (m *mockStore) SetSubscriptionEnable(ctx context.Context, id int64, enable bool) error {
	if sub, ok := m.subs[id]; ok {
		sub.Enable = enable
	}
	return nil
}

func (m *mockStore) SetSubscriptionBizScope(ctx context.Context, id int64, bizScope []int64) error {
	if sub, ok := m.subs[id]; ok {
		sub.BkBizScope = bizScope
	}
	return nil
}

func (m *mockStore) ListEnabledSubscriptions(ctx context.Context) ([]*model.Subscription, error) {
	var out []*model.Subscription
	for _, sub := range m.subs {
		if sub.Enable && !sub.IsDeleted {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) ListPoliciesByPlugin(ctx context.Context, pluginName string) ([]*model.Subscription, error) {
	var out []*model.Subscription
	for _, sub := range m.subs {
		if !sub.IsPolicy() || sub.IsDeleted {
			continue
		}
		for _, step := range sub.Steps {
			if step.Config.PluginName == pluginName {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) ListSubscriptionsByIDs(ctx context.Context, ids []int64) ([]*model.Subscription, error) {
	var out []*model.Subscription
	for _, id := range ids {
		if sub, ok := m.subs[id]; ok {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *mockStore) GetTask(ctx context.Context, id int64) (*model.SubscriptionTask, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, storagetypes.ErrNotFound
	}
	return task, nil
}

func (m *mockStore) GetLatestTask(ctx context.Context, subscriptionID int64) (*model.SubscriptionTask, error) {
	var latest *model.SubscriptionTask
	for _, task := range m.tasks {
		if task.SubscriptionID == subscriptionID && (latest == nil || task.ID > latest.ID) {
			latest = task
		}
	}
	if latest == nil {
		return nil, storagetypes.ErrNotFound
	}
	return latest, nil
}

func (m *mockStore) ListTasksBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]*model.SubscriptionTask, error) {
	var out []*model.SubscriptionTask
	for _, task := range m.tasks {
		if task.SubscriptionID == subscriptionID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *mockStore) GetRecord(ctx context.Context, id int64) (*model.SubscriptionInstanceRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, storagetypes.ErrNotFound
	}
	return rec, nil
}

func (m *mockStore) matchRecords(filter storage.RecordFilter) []*model.SubscriptionInstanceRecord {
	var out []*model.SubscriptionInstanceRecord
	for _, rec := range m.records {
		if filter.TaskID != 0 && rec.TaskID != filter.TaskID {
			continue
		}
		if filter.SubscriptionID != 0 && rec.SubscriptionID != filter.SubscriptionID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if rec.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockStore) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*model.SubscriptionInstanceRecord, error) {
	out := m.matchRecords(filter)
	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		end := filter.Offset + filter.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[filter.Offset:end]
	}
	return out, nil
}

func (m *mockStore) CountRecords(ctx context.Context, filter storage.RecordFilter) (int64, error) {
	return int64(len(m.matchRecords(filter))), nil
}

func (m *mockStore) CountRecordStatuses(ctx context.Context, taskID int64) (map[model.InstanceRecordStatus]int64, error) {
	counts := make(map[model.InstanceRecordStatus]int64)
	for _, rec := range m.records {
		if rec.TaskID == taskID {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (m *mockStore) ListDetailsByRecord(ctx context.Context, recordID int64) ([]*model.SubscriptionInstanceStatusDetail, error) {
	return m.details[recordID], nil
}

func (m *mockStore) ListProcessStatusesByHost(ctx context.Context, hostID int64) ([]*model.ProcessStatus, error) {
	return m.procs[hostID], nil
}

func (m *mockStore) GetSetting(ctx context.Context, key string) (string, error) {
	value, ok := m.settings[key]
	if !ok {
		return "", storagetypes.ErrNotFound
	}
	return value, nil
}

type mockEngine struct {
	runTaskID   int64
	runErr      error
	runOpts     engine.RunOptions
	retryIDs    []string
	revokedTask int64
	ready       bool
	readyErr    error
}

func (e *mockEngine) Run(ctx context.Context, subscriptionID int64, opts engine.RunOptions) (int64, error) {
	e.runOpts = opts
	return e.runTaskID, e.runErr
}

func (e *mockEngine) Retry(ctx context.Context, subscriptionID int64, instanceIDs []string) (int64, error) {
	e.retryIDs = instanceIDs
	return e.runTaskID, e.runErr
}

func (e *mockEngine) RetryNode(ctx context.Context, recordID int64) (int64, error) {
	return e.runTaskID, e.runErr
}

func (e *mockEngine) Revoke(ctx context.Context, taskID int64, instanceIDs []string) error {
	e.revokedTask = taskID
	return e.runErr
}

func (e *mockEngine) CheckTaskReady(ctx context.Context, subscriptionID, taskID int64) (bool, error) {
	return e.ready, e.readyErr
}

// ============================================================================
// 测试基架
// ============================================================================

func newTestHandler() (*Handler, *mockStore, *mockEngine) {
	store := newMockStore()
	eng := &mockEngine{runTaskID: 100}
	return NewHandlerWithInterfaces(store, eng, nil), store, eng
}

func doPost(t *testing.T, h *Handler, path string, body interface{}) (*httptest.ResponseRecorder, *response) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, &resp
}

// ============================================================================
// CRUD
// ============================================================================

func TestCreate_Basic(t *testing.T) {
	h, store, _ := newTestHandler()

	rec, resp := doPost(t, h, "/backend/api/subscription/create/", CreateRequest{
		Scope: model.Scope{BkBizID: 2, ObjectType: model.ObjectTypeHost, NodeType: model.NodeTypeInstance},
		Steps: []model.Step{{StepID: "agent", Type: model.StepTypeAgent, Config: model.StepConfig{JobType: "INSTALL_AGENT"}}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Result)

	sub := store.subs[1]
	require.NotNil(t, sub)
	assert.Equal(t, model.CategoryOnce, sub.Category)
	assert.Equal(t, model.ObjectTypeHost, sub.ObjectType)
	assert.Equal(t, int64(-1), sub.PID)
	assert.False(t, sub.Enable, "once subscriptions are not enabled for periodic inspection")
}

func TestCreate_RunImmediately(t *testing.T) {
	h, _, _ := newTestHandler()

	rec, resp := doPost(t, h, "/backend/api/subscription/create/", CreateRequest{
		Scope:          model.Scope{BkBizID: 2, ObjectType: model.ObjectTypeHost, NodeType: model.NodeTypeInstance},
		Steps:          []model.Step{{StepID: "agent", Type: model.StepTypeAgent}},
		RunImmediately: true,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(100), data["task_id"])
}

func TestCreate_RequiresSteps(t *testing.T) {
	h, _, _ := newTestHandler()

	rec, resp := doPost(t, h, "/backend/api/subscription/create/", CreateRequest{
		Scope: model.Scope{BkBizID: 2},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Result)
	assert.Equal(t, errs.ErrSubscriptionStepNotExist.FullCode(), resp.Code)
}

func TestSwitch_InvalidAction(t *testing.T) {
	h, _, _ := newTestHandler()

	rec, _ := doPost(t, h, "/backend/api/subscription/switch/", map[string]interface{}{
		"subscription_id": 1,
		"action":          "pause",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSwitch_Enable(t *testing.T) {
	h, store, _ := newTestHandler()
	store.subs[1] = &model.Subscription{ID: 1, Category: model.CategoryPolicy}

	rec, _ := doPost(t, h, "/backend/api/subscription/switch/", map[string]interface{}{
		"subscription_id": 1,
		"action":          "enable",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.subs[1].Enable)
}

// ============================================================================
// 任务触发
// ============================================================================

func TestRun_Conflict(t *testing.T) {
	h, _, eng := newTestHandler()
	eng.runErr = errs.New(errs.ErrInstanceTaskIsRunning, "subscription 1 busy")

	rec, resp := doPost(t, h, "/backend/api/subscription/run/", RunRequest{SubscriptionID: 1})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errs.ErrInstanceTaskIsRunning.FullCode(), resp.Code)
}

func TestRun_PassesActions(t *testing.T) {
	h, _, eng := newTestHandler()

	rec, resp := doPost(t, h, "/backend/api/subscription/run/", RunRequest{
		SubscriptionID: 1,
		Actions:        model.StepActions{"agent": model.ActionReinstallAgent},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Result)
	assert.Equal(t, model.ActionReinstallAgent, eng.runOpts.Actions["agent"])
}

func TestRevoke_FallsBackToLatestTask(t *testing.T) {
	h, store, eng := newTestHandler()
	store.tasks[7] = &model.SubscriptionTask{ID: 7, SubscriptionID: 1}
	store.tasks[9] = &model.SubscriptionTask{ID: 9, SubscriptionID: 1}

	rec, _ := doPost(t, h, "/backend/api/subscription/revoke/", map[string]interface{}{
		"subscription_id": 1,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9), eng.revokedTask)
}

func TestCheckTaskReady(t *testing.T) {
	h, _, eng := newTestHandler()
	eng.ready = true

	rec, resp := doPost(t, h, "/backend/api/subscription/check_task_ready/", map[string]interface{}{
		"subscription_id": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp.Data)
}

// ============================================================================
// 结果查询
// ============================================================================

func seedTaskResult(store *mockStore) {
	store.tasks[5] = &model.SubscriptionTask{ID: 5, SubscriptionID: 1, IsReady: true}
	for i := int64(1); i <= 5; i++ {
		status := model.InstanceStatusSuccess
		if i == 3 {
			status = model.InstanceStatusFailed
		}
		store.records[i] = &model.SubscriptionInstanceRecord{
			ID: i, SubscriptionID: 1, TaskID: 5,
			InstanceID: fmt.Sprintf("host|instance|host|%d", i),
			InstanceInfo: model.Instance{
				Host: &model.HostInfo{BkHostID: i, InnerIP: fmt.Sprintf("10.0.0.%d", i)},
			},
			Status:   status,
			IsLatest: true,
		}
		store.details[i] = []*model.SubscriptionInstanceStatusDetail{
			{InstanceRecordID: i, NodeID: "act-1", Status: status, Log: "[2026-01-01 00:00:00 INFO] done"},
		}
	}
}

func TestTaskResult_Paged(t *testing.T) {
	h, store, _ := newTestHandler()
	seedTaskResult(store)

	rec, resp := doPost(t, h, "/backend/api/subscription/task_result/", TaskResultRequest{
		SubscriptionID: 1,
		Page:           2,
		PageSize:       2,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(5), data["total"])
	assert.Equal(t, float64(5), data["task_id"], "latest task is resolved when task_id omitted")
	list := data["list"].([]interface{})
	require.Len(t, list, 2)
	first := list[0].(map[string]interface{})
	assert.Equal(t, "host|instance|host|3", first["instance_id"])
	assert.Nil(t, first["details"])
}

func TestTaskResult_NeedDetail(t *testing.T) {
	h, store, _ := newTestHandler()
	seedTaskResult(store)

	rec, resp := doPost(t, h, "/backend/api/subscription/task_result/", TaskResultRequest{
		SubscriptionID: 1,
		TaskID:         5,
		Statuses:       []model.InstanceRecordStatus{model.InstanceStatusFailed},
		NeedDetail:     true,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	list := data["list"].([]interface{})
	require.Len(t, list, 1)
	item := list[0].(map[string]interface{})
	assert.Equal(t, "FAILED", item["status"])
	details := item["details"].([]interface{})
	require.Len(t, details, 1)
}

func TestTaskResultDetail(t *testing.T) {
	h, store, _ := newTestHandler()
	seedTaskResult(store)

	rec, resp := doPost(t, h, "/backend/api/subscription/task_result_detail/", map[string]interface{}{
		"instance_record_id": 3,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	item := resp.Data.(map[string]interface{})
	assert.Equal(t, "host|instance|host|3", item["instance_id"])
	require.Len(t, item["details"].([]interface{}), 1)
}

func TestStatistic(t *testing.T) {
	h, store, _ := newTestHandler()
	seedTaskResult(store)

	rec, resp := doPost(t, h, "/backend/api/subscription/statistic/", map[string]interface{}{
		"subscription_id_list": []int64{1},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	list := resp.Data.([]interface{})
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	assert.Equal(t, float64(5), entry["instances"])
	statuses := entry["status"].(map[string]interface{})
	assert.Equal(t, float64(4), statuses["SUCCESS"])
	assert.Equal(t, float64(1), statuses["FAILED"])
}

// ============================================================================
// 主机视角查询
// ============================================================================

func TestQueryHostPolicy(t *testing.T) {
	h, store, _ := newTestHandler()
	subID := int64(3)
	store.subs[3] = &model.Subscription{ID: 3, Name: "bkmonitor-policy", Category: model.CategoryPolicy}
	store.procs[1] = []*model.ProcessStatus{
		{BkHostID: 1, Name: "bkmonitorbeat", Status: model.ProcStatusRunning, Version: "1.0.0",
			SourceType: model.SourceTypeSubscription, SourceID: &subID},
		{BkHostID: 1, Name: "gse_agent", Status: model.ProcStatusRunning, SourceType: model.SourceTypeDefault},
	}

	rec, resp := doPost(t, h, "/backend/api/subscription/query_host_policy/", map[string]interface{}{
		"bk_host_id": 1,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	list := resp.Data.([]interface{})
	require.Len(t, list, 2)
	managed := list[0].(map[string]interface{})
	assert.Equal(t, "bkmonitorbeat", managed["name"])
	assert.Equal(t, float64(3), managed["subscription_id"])
	assert.Equal(t, "bkmonitor-policy", managed["subscription_name"])
}

func TestFetchCommands(t *testing.T) {
	h, store, _ := newTestHandler()
	store.records[1] = &model.SubscriptionInstanceRecord{
		ID: 1, SubscriptionID: 1, TaskID: 5, InstanceID: "host|instance|host|1",
		InstanceInfo: model.Instance{
			Host: &model.HostInfo{BkHostID: 1, InnerIP: "10.0.0.1", BkCloudID: 3, APID: 2, IsManual: true},
		},
		Status: model.InstanceStatusRunning,
	}

	rec, resp := doPost(t, h, "/backend/api/subscription/fetch_commands/", map[string]interface{}{
		"instance_record_ids": []int64{1},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	list := resp.Data.([]interface{})
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	command := entry["command"].(string)
	assert.Contains(t, command, "setup_agent.sh")
	assert.Contains(t, command, "-i 3")
	assert.Contains(t, command, "-a 2")
}
