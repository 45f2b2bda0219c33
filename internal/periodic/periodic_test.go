package periodic

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeman/internal/engine"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
	"nodeman/internal/shared/queue"
	"nodeman/internal/shared/storagetypes"
)

// ============================================================================
// 测试夹具
// ============================================================================

type memStore struct {
	subs     []*model.Subscription
	records  []*model.SubscriptionInstanceRecord
	settings map[string]string
	logs     map[int64][]string

	counts       map[model.InstanceRecordStatus]int64
	treesDeleted int64
}

func newMemStore() *memStore {
	return &memStore{
		settings: make(map[string]string),
		logs:     make(map[int64][]string),
		counts:   make(map[model.InstanceRecordStatus]int64),
	}
}

func (s *memStore) ListEnabledSubscriptions(ctx context.Context) ([]*model.Subscription, error) {
	return s.subs, nil
}

func (s *memStore) CountRecords(ctx context.Context, filter storagetypes.RecordFilter) (int64, error) {
	var total int64
	for _, status := range filter.Statuses {
		total += s.counts[status]
	}
	return total, nil
}

func (s *memStore) ListStaleActiveRecords(ctx context.Context, olderThan time.Duration, limit int) ([]*model.SubscriptionInstanceRecord, error) {
	var stale []*model.SubscriptionInstanceRecord
	for _, record := range s.records {
		if record.Status == model.InstanceStatusPending || record.Status == model.InstanceStatusRunning {
			stale = append(stale, record)
		}
	}
	return stale, nil
}

func (s *memStore) UpdateRecordStatus(ctx context.Context, ids []int64, status model.InstanceRecordStatus) error {
	for _, record := range s.records {
		for _, id := range ids {
			if record.ID == id {
				record.Status = status
			}
		}
	}
	return nil
}

func (s *memStore) AppendDetailLog(ctx context.Context, recordID int64, nodeID string, text string) error {
	s.logs[recordID] = append(s.logs[recordID], text)
	return nil
}

func (s *memStore) DeletePipelineTreesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return s.treesDeleted, nil
}

func (s *memStore) GetSetting(ctx context.Context, key string) (string, error) {
	return s.settings[key], nil
}

func (s *memStore) SetSetting(ctx context.Context, key string, value string) error {
	s.settings[key] = value
	return nil
}

type stubEngine struct {
	calls int
	err   error
}

func (e *stubEngine) Run(ctx context.Context, subscriptionID int64, opts engine.RunOptions) (int64, error) {
	e.calls++
	if e.err != nil {
		return 0, e.err
	}
	return 100, nil
}

type stubWarmer struct {
	calls int
}

func (w *stubWarmer) Resolve(ctx context.Context, scope *model.Scope) (map[string]*model.Instance, error) {
	w.calls++
	return map[string]*model.Instance{}, nil
}

type stubStats struct {
	records map[string]int64
	pending int64
}

func (s *stubStats) SetRecordsCount(status string, count int64) {
	if s.records == nil {
		s.records = make(map[string]int64)
	}
	s.records[status] = count
}

func (s *stubStats) SetQueuePending(count int64) { s.pending = count }

// ============================================================================
// 僵尸记录清理
// ============================================================================

func TestReapZombiesForceFailsStaleRecords(t *testing.T) {
	store := newMemStore()
	store.records = []*model.SubscriptionInstanceRecord{
		{ID: 1, Status: model.InstanceStatusRunning, PipelineID: "node-a"},
		{ID: 2, Status: model.InstanceStatusPending, Steps: []model.RecordStep{{StepID: "agent", PipelineID: "node-b"}}},
		{ID: 3, Status: model.InstanceStatusSuccess},
	}
	r := New(store, &stubEngine{}, &stubWarmer{}, nil, nil)

	r.reapZombies(context.Background())

	assert.Equal(t, model.InstanceStatusFailed, store.records[0].Status)
	assert.Equal(t, model.InstanceStatusFailed, store.records[1].Status)
	assert.Equal(t, model.InstanceStatusSuccess, store.records[2].Status)

	require.Len(t, store.logs[1], 1)
	assert.Contains(t, store.logs[1][0], "task long running, force failed")
	require.Len(t, store.logs[2], 1)
	assert.Empty(t, store.logs[3])
}

func TestReapZombiesNoStaleRecords(t *testing.T) {
	store := newMemStore()
	store.records = []*model.SubscriptionInstanceRecord{
		{ID: 1, Status: model.InstanceStatusSuccess},
	}
	r := New(store, &stubEngine{}, &stubWarmer{}, nil, nil)

	r.reapZombies(context.Background())

	assert.Empty(t, store.logs)
}

// ============================================================================
// 状态统计汇总
// ============================================================================

func TestRollupStatistics(t *testing.T) {
	store := newMemStore()
	store.counts[model.InstanceStatusRunning] = 3
	store.counts[model.InstanceStatusFailed] = 1

	q := queue.NewMemoryQueue()
	_, err := q.PublishTask(context.Background(), 1, 10)
	require.NoError(t, err)

	stats := &stubStats{}
	r := New(store, &stubEngine{}, &stubWarmer{}, q, stats)

	r.rollupStatistics(context.Background())

	assert.Equal(t, int64(3), stats.records["RUNNING"])
	assert.Equal(t, int64(1), stats.records["FAILED"])
	assert.Equal(t, int64(0), stats.records["SUCCESS"])
	assert.Equal(t, int64(1), stats.pending)
}

func TestRollupStatisticsWithoutSink(t *testing.T) {
	r := New(newMemStore(), &stubEngine{}, &stubWarmer{}, nil, nil)
	r.rollupStatistics(context.Background()) // 不应 panic
}

// ============================================================================
// 流水线树 GC
// ============================================================================

func TestCleanPipelineTreesAdvancesCursor(t *testing.T) {
	store := newMemStore()
	store.treesDeleted = 42
	r := New(store, &stubEngine{}, &stubWarmer{}, nil, nil)

	r.cleanPipelineTrees(context.Background())

	raw := store.settings[model.KeyCleanPipelineDataRecord]
	require.NotEmpty(t, raw)
	var cursor gcCursor
	require.NoError(t, json.Unmarshal([]byte(raw), &cursor))
	assert.Equal(t, int64(42), cursor.TotalDeleted)
	assert.False(t, cursor.LastRunAt.IsZero())

	// 第二轮累加
	r.cleanPipelineTrees(context.Background())
	require.NoError(t, json.Unmarshal([]byte(store.settings[model.KeyCleanPipelineDataRecord]), &cursor))
	assert.Equal(t, int64(84), cursor.TotalDeleted)
}

// ============================================================================
// 订阅周期巡检
// ============================================================================

func TestTriggerEnabled(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", true},
		{"true", true},
		{"1", true},
		{"false", false},
		{"0", false},
	}
	store := newMemStore()
	r := New(store, &stubEngine{}, &stubWarmer{}, nil, nil)
	for _, tt := range tests {
		store.settings[model.KeySubscriptionTrigger] = tt.value
		assert.Equal(t, tt.want, r.triggerEnabled(context.Background()), "value=%q", tt.value)
	}
}

func TestTriggerSubscriptionsRespectsSwitch(t *testing.T) {
	store := newMemStore()
	store.subs = []*model.Subscription{{ID: 1, Enable: true}}
	store.settings[model.KeySubscriptionTrigger] = "false"
	eng := &stubEngine{}
	r := New(store, eng, &stubWarmer{}, nil, nil)

	r.triggerSubscriptions(context.Background())

	assert.Zero(t, eng.calls)
}

func TestTriggerOneSwallowsRunningConflict(t *testing.T) {
	store := newMemStore()
	eng := &stubEngine{err: errs.ErrInstanceTaskIsRunning}
	r := New(store, eng, &stubWarmer{}, nil, nil)

	r.triggerOne(context.Background(), &model.Subscription{ID: 7})

	assert.Equal(t, 1, eng.calls)
}

func TestSmearStaysWithinWindow(t *testing.T) {
	window := 15 * time.Minute
	for id := int64(0); id < 2000; id += 37 {
		delay := smear(id, window)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, window+window/10+time.Second, "id=%d", id)
	}
}

// ============================================================================
// 范围缓存预热
// ============================================================================

func TestWarmScopes(t *testing.T) {
	store := newMemStore()
	store.subs = []*model.Subscription{
		{ID: 1, Enable: true, Scope: model.Scope{BkBizID: 2}},
		{ID: 2, Enable: true, Scope: model.Scope{BkBizID: 3}},
	}
	warmer := &stubWarmer{}
	r := New(store, &stubEngine{}, warmer, nil, nil)

	r.warmScopes(context.Background())

	assert.Equal(t, 2, warmer.calls)
}
