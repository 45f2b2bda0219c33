// Package subscription 订阅领域 - HTTP 处理
//
// 文件组织：
//   - handler.go: Handler 定义、路由注册、订阅 CRUD 与开关
//   - task.go: 任务触发与结果查询（run/retry/revoke/task_result 等）
//   - query.go: 主机视角查询、策略检索与 CMDB 回调
//   - common.go: 响应封套与工具函数
package subscription

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"nodeman/internal/engine"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storage"
)

// Store 定义 subscription handler 需要的存储接口（用于测试 mock）
type Store interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) (int64, error)
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	SetSubscriptionEnable(ctx context.Context, id int64, enable bool) error
	SetSubscriptionBizScope(ctx context.Context, id int64, bizScope []int64) error
	ListEnabledSubscriptions(ctx context.Context) ([]*model.Subscription, error)
	ListPoliciesByPlugin(ctx context.Context, pluginName string) ([]*model.Subscription, error)
	ListSubscriptionsByIDs(ctx context.Context, ids []int64) ([]*model.Subscription, error)

	GetTask(ctx context.Context, id int64) (*model.SubscriptionTask, error)
	GetLatestTask(ctx context.Context, subscriptionID int64) (*model.SubscriptionTask, error)
	ListTasksBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]*model.SubscriptionTask, error)

	GetRecord(ctx context.Context, id int64) (*model.SubscriptionInstanceRecord, error)
	ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*model.SubscriptionInstanceRecord, error)
	CountRecords(ctx context.Context, filter storage.RecordFilter) (int64, error)
	CountRecordStatuses(ctx context.Context, taskID int64) (map[model.InstanceRecordStatus]int64, error)
	ListDetailsByRecord(ctx context.Context, recordID int64) ([]*model.SubscriptionInstanceStatusDetail, error)

	ListProcessStatusesByHost(ctx context.Context, hostID int64) ([]*model.ProcessStatus, error)

	GetSetting(ctx context.Context, key string) (string, error)
}

// TaskEngine 定义 handler 需要的任务引擎接口
type TaskEngine interface {
	Run(ctx context.Context, subscriptionID int64, opts engine.RunOptions) (int64, error)
	Retry(ctx context.Context, subscriptionID int64, instanceIDs []string) (int64, error)
	RetryNode(ctx context.Context, recordID int64) (int64, error)
	Revoke(ctx context.Context, taskID int64, instanceIDs []string) error
	CheckTaskReady(ctx context.Context, subscriptionID, taskID int64) (bool, error)
}

// ScopeInvalidator 范围缓存失效能力（CMDB 回调路径）
type ScopeInvalidator interface {
	Invalidate(ctx context.Context, scope *model.Scope) error
}

// Handler 订阅领域 HTTP 处理器
type Handler struct {
	store  Store
	engine TaskEngine
	scopes ScopeInvalidator
}

// NewHandler 创建订阅处理器
//
// scopes 可为 nil，此时 CMDB 回调只留痕不失效缓存。
func NewHandler(store storage.PersistentStore, eng *engine.Engine, scopes ScopeInvalidator) *Handler {
	return &Handler{store: store, engine: eng, scopes: scopes}
}

// NewHandlerWithInterfaces 使用接口创建处理器（用于测试）
func NewHandlerWithInterfaces(store Store, eng TaskEngine, scopes ScopeInvalidator) *Handler {
	return &Handler{store: store, engine: eng, scopes: scopes}
}

// RegisterRoutes 注册订阅相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /backend/api/subscription/create/", h.Create)
	mux.HandleFunc("POST /backend/api/subscription/update/", h.Update)
	mux.HandleFunc("POST /backend/api/subscription/delete/", h.Delete)
	mux.HandleFunc("POST /backend/api/subscription/info/", h.Info)
	mux.HandleFunc("POST /backend/api/subscription/switch/", h.Switch)
	mux.HandleFunc("POST /backend/api/subscription/switch_biz/", h.SwitchBiz)

	mux.HandleFunc("POST /backend/api/subscription/run/", h.Run)
	mux.HandleFunc("POST /backend/api/subscription/retry/", h.Retry)
	mux.HandleFunc("POST /backend/api/subscription/retry_node/", h.RetryNode)
	mux.HandleFunc("POST /backend/api/subscription/revoke/", h.Revoke)
	mux.HandleFunc("POST /backend/api/subscription/check_task_ready/", h.CheckTaskReady)
	mux.HandleFunc("POST /backend/api/subscription/task_result/", h.TaskResult)
	mux.HandleFunc("POST /backend/api/subscription/task_result_detail/", h.TaskResultDetail)
	mux.HandleFunc("POST /backend/api/subscription/instance_status/", h.InstanceStatus)
	mux.HandleFunc("POST /backend/api/subscription/statistic/", h.Statistic)

	mux.HandleFunc("POST /backend/api/subscription/fetch_commands/", h.FetchCommands)
	mux.HandleFunc("POST /backend/api/subscription/cmdb_subscription/", h.CMDBSubscription)
	mux.HandleFunc("POST /backend/api/subscription/search_deploy_policy/", h.SearchDeployPolicy)
	mux.HandleFunc("POST /backend/api/subscription/query_host_policy/", h.QueryHostPolicy)
	mux.HandleFunc("POST /backend/api/subscription/query_host_subscriptions/", h.QueryHostSubscriptions)
}

// ============================================================================
// 订阅 CRUD
// ============================================================================

// CreateRequest 创建订阅的请求体
type CreateRequest struct {
	Name       string           `json:"name,omitempty"`
	Category   model.Category   `json:"category,omitempty"`
	ObjectType model.ObjectType `json:"object_type,omitempty"`
	NodeType   model.NodeType   `json:"node_type,omitempty"`
	Scope      model.Scope      `json:"scope"`
	Steps      []model.Step     `json:"steps"`
	IsMain     bool             `json:"is_main,omitempty"`
	PID        int64            `json:"pid,omitempty"`
	BkBizScope []int64          `json:"bk_biz_scope,omitempty"`
	Creator    string           `json:"creator,omitempty"`

	RunImmediately bool `json:"run_immediately,omitempty"`
}

// Create 创建订阅
// POST /backend/api/subscription/create/
//
// 流程：
//  1. 订阅落库（必须成功）
//  2. run_immediately 时同步创建首个任务并踢单
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, errs.New(errs.ErrSubscriptionStepNotExist, "steps is required"))
		return
	}

	category := req.Category
	if category == "" {
		category = model.CategoryOnce
	}
	objectType := req.ObjectType
	if objectType == "" {
		objectType = req.Scope.ObjectType
	}
	nodeType := req.NodeType
	if nodeType == "" {
		nodeType = req.Scope.NodeType
	}
	pid := req.PID
	if pid == 0 {
		pid = -1
	}

	sub := &model.Subscription{
		Name:       req.Name,
		Category:   category,
		Enable:     category == model.CategoryPolicy,
		ObjectType: objectType,
		NodeType:   nodeType,
		Scope:      req.Scope,
		Steps:      req.Steps,
		IsMain:     req.IsMain,
		PID:        pid,
		BkBizScope: req.BkBizScope,
		Creator:    req.Creator,
	}

	subID, err := h.store.CreateSubscription(ctx, sub)
	if err != nil {
		log.Printf("[subscription.create.failed] error=%v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("[subscription.create.success] subscription_id=%d category=%s steps=%d", subID, category, len(req.Steps))

	data := map[string]interface{}{"subscription_id": subID}
	if req.RunImmediately {
		taskID, err := h.engine.Run(ctx, subID, engine.RunOptions{})
		if err != nil {
			// 订阅已创建，任务失败单独透出
			log.Printf("[subscription.create.run.failed] subscription_id=%d error=%v", subID, err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		data["task_id"] = taskID
	}
	writeData(w, data)
}

// UpdateRequest 更新订阅的请求体
type UpdateRequest struct {
	SubscriptionID int64        `json:"subscription_id"`
	Scope          *model.Scope `json:"scope,omitempty"`
	Steps          []model.Step `json:"steps,omitempty"`
	BkBizScope     []int64      `json:"bk_biz_scope,omitempty"`

	RunImmediately bool `json:"run_immediately,omitempty"`
}

// Update 更新订阅（scope 与 steps 整体替换）
// POST /backend/api/subscription/update/
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	sub, err := h.store.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		writeError(w, http.StatusNotFound, errs.Wrap(errs.ErrSubscriptionNotExist, err))
		return
	}
	if req.Scope != nil {
		sub.Scope = *req.Scope
		sub.ObjectType = req.Scope.ObjectType
		sub.NodeType = req.Scope.NodeType
	}
	if len(req.Steps) > 0 {
		sub.Steps = req.Steps
	}
	if req.BkBizScope != nil {
		sub.BkBizScope = req.BkBizScope
	}
	if err := h.store.UpdateSubscription(ctx, sub); err != nil {
		log.Printf("[subscription.update.failed] subscription_id=%d error=%v", sub.ID, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	data := map[string]interface{}{"subscription_id": sub.ID}
	if req.RunImmediately {
		taskID, err := h.engine.Run(ctx, sub.ID, engine.RunOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		data["task_id"] = taskID
	}
	writeData(w, data)
}

// Delete 软删除订阅
// POST /backend/api/subscription/delete/
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID int64 `json:"subscription_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}
	if err := h.store.DeleteSubscription(r.Context(), req.SubscriptionID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("[subscription.delete.success] subscription_id=%d", req.SubscriptionID)
	writeData(w, nil)
}

// Info 批量查询订阅详情
// POST /backend/api/subscription/info/
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionIDList []int64 `json:"subscription_id_list"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}
	subs, err := h.store.ListSubscriptionsByIDs(r.Context(), req.SubscriptionIDList)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, subs)
}

// Switch 切换订阅启停
// POST /backend/api/subscription/switch/
func (h *Handler) Switch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID int64  `json:"subscription_id"`
		Action         string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}
	if req.Action != "enable" && req.Action != "disable" {
		writeError(w, http.StatusBadRequest, errs.New(errs.ErrRequestParam, "action must be enable or disable"))
		return
	}
	if err := h.store.SetSubscriptionEnable(r.Context(), req.SubscriptionID, req.Action == "enable"); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("[subscription.switch.success] subscription_id=%d action=%s", req.SubscriptionID, req.Action)
	writeData(w, nil)
}

// SwitchBiz 切换订阅生效业务范围
// POST /backend/api/subscription/switch_biz/
func (h *Handler) SwitchBiz(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID int64   `json:"subscription_id"`
		BkBizScope     []int64 `json:"bk_biz_scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}
	if err := h.store.SetSubscriptionBizScope(r.Context(), req.SubscriptionID, req.BkBizScope); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, nil)
}
