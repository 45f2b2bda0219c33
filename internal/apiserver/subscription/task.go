// 任务触发与结果查询
package subscription

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"nodeman/internal/engine"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storage"
)

// ============================================================================
// run / retry / retry_node / revoke / check_task_ready
// ============================================================================

// RunRequest 触发执行的请求体
type RunRequest struct {
	SubscriptionID int64             `json:"subscription_id"`
	Scope          *model.Scope      `json:"scope,omitempty"`
	Actions        model.StepActions `json:"actions,omitempty"`
}

// Run 创建并踢起一次执行尝试
// POST /backend/api/subscription/run/
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	taskID, err := h.engine.Run(r.Context(), req.SubscriptionID, engine.RunOptions{
		Scope:   req.Scope,
		Actions: req.Actions,
	})
	if err != nil {
		writeError(w, taskErrorStatus(err), err)
		return
	}
	writeData(w, map[string]interface{}{"task_id": taskID, "subscription_id": req.SubscriptionID})
}

// Retry 重试失败实例
// POST /backend/api/subscription/retry/
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID int64    `json:"subscription_id"`
		InstanceIDList []string `json:"instance_id_list,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	taskID, err := h.engine.Retry(r.Context(), req.SubscriptionID, req.InstanceIDList)
	if err != nil {
		writeError(w, taskErrorStatus(err), err)
		return
	}
	writeData(w, map[string]interface{}{"task_id": taskID, "subscription_id": req.SubscriptionID})
}

// RetryNode 重试单个失败实例记录
// POST /backend/api/subscription/retry_node/
func (h *Handler) RetryNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceRecordID int64 `json:"instance_record_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	taskID, err := h.engine.RetryNode(r.Context(), req.InstanceRecordID)
	if err != nil {
		writeError(w, taskErrorStatus(err), err)
		return
	}
	writeData(w, map[string]interface{}{"task_id": taskID})
}

// Revoke 撤销任务内仍活跃的实例
// POST /backend/api/subscription/revoke/
//
// task_id 缺省时取订阅最近一次任务。
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		SubscriptionID int64    `json:"subscription_id"`
		TaskID         int64    `json:"task_id,omitempty"`
		InstanceIDList []string `json:"instance_id_list,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	taskID := req.TaskID
	if taskID == 0 {
		task, err := h.store.GetLatestTask(ctx, req.SubscriptionID)
		if err != nil {
			writeError(w, http.StatusNotFound, errs.Wrap(errs.ErrSubscriptionTaskNotExist, err))
			return
		}
		taskID = task.ID
	}

	if err := h.engine.Revoke(ctx, taskID, req.InstanceIDList); err != nil {
		writeError(w, taskErrorStatus(err), err)
		return
	}
	log.Printf("[subscription.revoke.success] task_id=%d instances=%d", taskID, len(req.InstanceIDList))
	writeData(w, nil)
}

// CheckTaskReady 查询任务编排是否就绪
// POST /backend/api/subscription/check_task_ready/
func (h *Handler) CheckTaskReady(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriptionID int64 `json:"subscription_id"`
		TaskID         int64 `json:"task_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	ready, err := h.engine.CheckTaskReady(r.Context(), req.SubscriptionID, req.TaskID)
	if err != nil {
		writeError(w, taskErrorStatus(err), err)
		return
	}
	writeData(w, ready)
}

// ============================================================================
// task_result / task_result_detail / instance_status / statistic
// ============================================================================

// TaskResultRequest 任务结果查询请求体
//
// 分页二选一：start 游标或 page/pagesize；同时给定时游标优先。
type TaskResultRequest struct {
	SubscriptionID int64                        `json:"subscription_id"`
	TaskID         int64                        `json:"task_id,omitempty"`
	Statuses       []model.InstanceRecordStatus `json:"statuses,omitempty"`
	InstanceIDList []string                     `json:"instance_id_list,omitempty"`

	Start    int `json:"start,omitempty"`
	Page     int `json:"page,omitempty"`
	PageSize int `json:"pagesize,omitempty"`

	NeedDetail bool `json:"need_detail,omitempty"`

	// NeedOutOfScopeSnapshots 出范围实例是否保留 instance_info 快照
	NeedOutOfScopeSnapshots bool `json:"need_out_of_scope_snapshots,omitempty"`
}

// taskResultItem 单实例结果
type taskResultItem struct {
	RecordID     int64                                     `json:"record_id"`
	InstanceID   string                                    `json:"instance_id"`
	Status       model.InstanceRecordStatus                `json:"status"`
	CreateTime   string                                    `json:"create_time"`
	InstanceInfo *model.Instance                           `json:"instance_info,omitempty"`
	Steps        []model.RecordStep                        `json:"steps"`
	PipelineID   string                                    `json:"pipeline_id,omitempty"`
	Details      []*model.SubscriptionInstanceStatusDetail `json:"details,omitempty"`
}

// TaskResult 分页查询任务实例结果
// POST /backend/api/subscription/task_result/
func (h *Handler) TaskResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req TaskResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	taskID := req.TaskID
	if taskID == 0 {
		task, err := h.store.GetLatestTask(ctx, req.SubscriptionID)
		if err != nil {
			writeError(w, http.StatusNotFound, errs.Wrap(errs.ErrSubscriptionTaskNotExist, err))
			return
		}
		taskID = task.ID
	}

	filter := storage.RecordFilter{
		TaskID:      taskID,
		Statuses:    req.Statuses,
		InstanceIDs: req.InstanceIDList,
	}
	total, err := h.store.CountRecords(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch {
	case req.Start > 0:
		filter.Offset = req.Start
		filter.Limit = pageSizeOrDefault(req.PageSize)
	case req.Page > 0:
		filter.Limit = pageSizeOrDefault(req.PageSize)
		filter.Offset = (req.Page - 1) * filter.Limit
	}

	records, err := h.store.ListRecords(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	items := make([]*taskResultItem, 0, len(records))
	for _, record := range records {
		item := &taskResultItem{
			RecordID:   record.ID,
			InstanceID: record.InstanceID,
			Status:     record.Status,
			CreateTime: record.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			Steps:      record.Steps,
			PipelineID: record.PipelineID,
		}
		if req.NeedOutOfScopeSnapshots || record.InstanceInfo.Host != nil {
			info := record.InstanceInfo
			item.InstanceInfo = &info
		}
		if req.NeedDetail {
			details, err := h.store.ListDetailsByRecord(ctx, record.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			item.Details = details
		}
		items = append(items, item)
	}

	writeData(w, map[string]interface{}{
		"task_id": taskID,
		"total":   total,
		"list":    items,
	})
}

// TaskResultDetail 查询单实例的活动级明细与日志
// POST /backend/api/subscription/task_result_detail/
func (h *Handler) TaskResultDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		InstanceRecordID int64 `json:"instance_record_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	record, err := h.store.GetRecord(ctx, req.InstanceRecordID)
	if err != nil {
		writeError(w, http.StatusNotFound, errs.Wrap(errs.ErrInstanceRecordNotExist, err))
		return
	}
	details, err := h.store.ListDetailsByRecord(ctx, record.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, &taskResultItem{
		RecordID:     record.ID,
		InstanceID:   record.InstanceID,
		Status:       record.Status,
		CreateTime:   record.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		InstanceInfo: &record.InstanceInfo,
		Steps:        record.Steps,
		PipelineID:   record.PipelineID,
		Details:      details,
	})
}

// InstanceStatus 批量查询订阅最新一代实例状态
// POST /backend/api/subscription/instance_status/
func (h *Handler) InstanceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		SubscriptionIDList []int64 `json:"subscription_id_list"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	result := make([]map[string]interface{}, 0, len(req.SubscriptionIDList))
	for _, subID := range req.SubscriptionIDList {
		records, err := h.store.ListRecords(ctx, storage.RecordFilter{SubscriptionID: subID})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		instances := make([]map[string]interface{}, 0, len(records))
		for _, record := range records {
			instances = append(instances, map[string]interface{}{
				"record_id":   record.ID,
				"instance_id": record.InstanceID,
				"status":      record.Status,
			})
		}
		result = append(result, map[string]interface{}{
			"subscription_id": subID,
			"instances":       instances,
		})
	}
	writeData(w, result)
}

// Statistic 按订阅聚合最近任务的实例状态计数
// POST /backend/api/subscription/statistic/
func (h *Handler) Statistic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		SubscriptionIDList []int64 `json:"subscription_id_list"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	result := make([]map[string]interface{}, 0, len(req.SubscriptionIDList))
	for _, subID := range req.SubscriptionIDList {
		entry := map[string]interface{}{"subscription_id": subID}
		task, err := h.store.GetLatestTask(ctx, subID)
		if err == nil {
			counts, err := h.store.CountRecordStatuses(ctx, task.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			var total int64
			for _, count := range counts {
				total += count
			}
			entry["task_id"] = task.ID
			entry["instances"] = total
			entry["status"] = counts
		}
		result = append(result, entry)
	}
	writeData(w, result)
}

// ============================================================================
// 工具函数
// ============================================================================

const defaultPageSize = 50

func pageSizeOrDefault(pageSize int) int {
	if pageSize <= 0 {
		return defaultPageSize
	}
	return pageSize
}

// taskErrorStatus 领域错误到 HTTP 状态码的映射
func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrSubscriptionNotExist),
		errors.Is(err, errs.ErrSubscriptionTaskNotExist),
		errors.Is(err, errs.ErrInstanceRecordNotExist):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInstanceTaskIsRunning):
		return http.StatusConflict
	case errors.Is(err, errs.ErrSubscriptionInstanceEmpty),
		errors.Is(err, errs.ErrNoRunningInstanceRecord),
		errors.Is(err, errs.ErrRequestParam):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
