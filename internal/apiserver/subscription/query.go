// 主机视角查询、策略检索与 CMDB 回调
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
)

// ============================================================================
// fetch_commands
// ============================================================================

// FetchCommands 返回手动安装命令
// POST /backend/api/subscription/fetch_commands/
//
// 针对无法触达的主机（手动安装、无 Proxy 通路），生成用户自行执行的
// 安装命令。命令参数与安装活动下发的安装脚本一致。
func (h *Handler) FetchCommands(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		InstanceRecordIDs []int64 `json:"instance_record_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	download := h.setting(ctx, model.KeyDownloadPath, model.DefaultDownloadPath)

	result := make([]map[string]interface{}, 0, len(req.InstanceRecordIDs))
	for _, recordID := range req.InstanceRecordIDs {
		record, err := h.store.GetRecord(ctx, recordID)
		if err != nil {
			writeError(w, http.StatusNotFound, errs.Wrap(errs.ErrInstanceRecordNotExist, err))
			return
		}
		host := record.InstanceInfo.Host
		if host == nil {
			continue
		}
		result = append(result, map[string]interface{}{
			"record_id":   record.ID,
			"bk_host_id":  host.BkHostID,
			"ip":          host.InnerIP,
			"bk_cloud_id": host.BkCloudID,
			"command":     manualInstallCommand(host, download),
		})
	}
	writeData(w, result)
}

// manualInstallCommand 渲染单主机的手动安装命令
func manualInstallCommand(host *model.HostInfo, download string) string {
	apID := host.APID
	if apID <= 0 {
		apID = 1
	}
	if host.IsWindows() {
		return fmt.Sprintf(
			`curl %s/setup_agent.bat -o C:\tmp\setup_agent.bat && C:\tmp\setup_agent.bat -i %d -a %d`,
			download, host.BkCloudID, apID)
	}
	return fmt.Sprintf(
		"curl %s/setup_agent.sh -o /tmp/setup_agent.sh && bash /tmp/setup_agent.sh -i %d -a %d",
		download, host.BkCloudID, apID)
}

// ============================================================================
// cmdb_subscription
// ============================================================================

// CMDBSubscription CMDB 资源变更回调
// POST /backend/api/subscription/cmdb_subscription/
//
// 主机/拓扑变更事件到达时使相关订阅的范围缓存失效，
// 下一轮巡检即按新拓扑重新解析。
func (h *Handler) CMDBSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		EventType string `json:"event_type,omitempty"`
		Action    string `json:"action,omitempty"`
		BkBizID   int64  `json:"bk_biz_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}
	log.Printf("[subscription.cmdb_callback] event=%s action=%s biz=%d", req.EventType, req.Action, req.BkBizID)

	if h.scopes == nil {
		writeData(w, nil)
		return
	}

	subs, err := h.store.ListEnabledSubscriptions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	invalidated := 0
	for _, sub := range subs {
		if req.BkBizID != 0 && sub.Scope.BkBizID != 0 && sub.Scope.BkBizID != req.BkBizID {
			continue
		}
		if err := h.scopes.Invalidate(ctx, &sub.Scope); err != nil {
			log.Printf("[subscription.cmdb_callback.invalidate_failed] subscription_id=%d error=%v", sub.ID, err)
			continue
		}
		invalidated++
	}
	writeData(w, map[string]interface{}{"invalidated": invalidated})
}

// ============================================================================
// search_deploy_policy / query_host_policy / query_host_subscriptions
// ============================================================================

// SearchDeployPolicy 检索部署策略
// POST /backend/api/subscription/search_deploy_policy/
func (h *Handler) SearchDeployPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		PluginName string  `json:"plugin_name,omitempty"`
		BkBizIDs   []int64 `json:"bk_biz_ids,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	var policies []*model.Subscription
	var err error
	if req.PluginName != "" {
		policies, err = h.store.ListPoliciesByPlugin(ctx, req.PluginName)
	} else {
		policies, err = h.store.ListEnabledSubscriptions(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result := make([]map[string]interface{}, 0, len(policies))
	for _, sub := range policies {
		if !sub.IsPolicy() {
			continue
		}
		if len(req.BkBizIDs) > 0 && !bizMatch(sub, req.BkBizIDs) {
			continue
		}
		entry := map[string]interface{}{
			"subscription_id": sub.ID,
			"name":            sub.Name,
			"enable":          sub.Enable,
			"bk_biz_scope":    sub.BkBizScope,
			"scope":           sub.Scope,
			"steps":           sub.Steps,
		}
		if task, err := h.store.GetLatestTask(ctx, sub.ID); err == nil {
			entry["latest_task_id"] = task.ID
			entry["latest_task_ready"] = task.IsReady
		}
		result = append(result, entry)
	}
	writeData(w, result)
}

// QueryHostPolicy 主机视角的策略管控清单
// POST /backend/api/subscription/query_host_policy/
func (h *Handler) QueryHostPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		BkHostID int64 `json:"bk_host_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	rows, err := h.store.ListProcessStatusesByHost(ctx, req.BkHostID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	names, err := h.subscriptionNames(ctx, rows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		entry := map[string]interface{}{
			"name":        row.Name,
			"status":      row.Status,
			"version":     row.Version,
			"source_type": row.SourceType,
		}
		if row.SourceID != nil {
			entry["subscription_id"] = *row.SourceID
			entry["subscription_name"] = names[*row.SourceID]
		}
		result = append(result, entry)
	}
	writeData(w, result)
}

// QueryHostSubscriptions 主机视角的订阅归属
// POST /backend/api/subscription/query_host_subscriptions/
func (h *Handler) QueryHostSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		BkHostIDs []int64 `json:"bk_host_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody(err))
		return
	}

	result := make(map[string][]int64, len(req.BkHostIDs))
	for _, hostID := range req.BkHostIDs {
		rows, err := h.store.ListProcessStatusesByHost(ctx, hostID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		seen := make(map[int64]bool)
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			if row.SourceID == nil || seen[*row.SourceID] {
				continue
			}
			seen[*row.SourceID] = true
			ids = append(ids, *row.SourceID)
		}
		result[fmt.Sprintf("%d", hostID)] = ids
	}
	writeData(w, result)
}

// ============================================================================
// 工具函数
// ============================================================================

// subscriptionNames 批量取归属订阅名称
func (h *Handler) subscriptionNames(ctx context.Context, rows []*model.ProcessStatus) (map[int64]string, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, row := range rows {
		if row.SourceID != nil && !seen[*row.SourceID] {
			seen[*row.SourceID] = true
			ids = append(ids, *row.SourceID)
		}
	}
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	subs, err := h.store.ListSubscriptionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		names[sub.ID] = sub.Name
	}
	return names, nil
}

func bizMatch(sub *model.Subscription, bizIDs []int64) bool {
	for _, want := range bizIDs {
		if sub.Scope.BkBizID == want {
			return true
		}
		for _, got := range sub.BkBizScope {
			if got == want {
				return true
			}
		}
	}
	return false
}

func (h *Handler) setting(ctx context.Context, key, fallback string) string {
	value, err := h.store.GetSetting(ctx, key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}
