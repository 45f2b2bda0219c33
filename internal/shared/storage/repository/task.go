// Package repository 订阅任务相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storagetypes"
)

const taskColumns = `id, subscription_id, scope, actions, pipeline_id, is_ready, is_auto_trigger, err_msg, created_at`

// CreateTask 创建任务（is_ready=false，编排完成后 SealTask 置位）
func (s *Store) CreateTask(ctx context.Context, task *model.SubscriptionTask) (int64, error) {
	task.CreatedAt = time.Now()
	query := s.rebind(`
		INSERT INTO subscription_tasks (subscription_id, scope, actions, pipeline_id, is_ready, is_auto_trigger, err_msg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		task.SubscriptionID, mustJSON(task.ScopeSnapshot), mustJSON(task.Actions),
		task.PipelineID, task.IsReady, task.IsAutoTrigger, task.ErrMsg, task.CreatedAt).Scan(&task.ID)
	if err != nil {
		return 0, err
	}
	return task.ID, nil
}

// GetTask 获取任务
func (s *Store) GetTask(ctx context.Context, id int64) (*model.SubscriptionTask, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM subscription_tasks WHERE id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storagetypes.ErrNotFound
	}
	return task, err
}

// SealTask 编排完成：写入 actions 与 pipeline_id 并置 is_ready=true
//
// 任务封存后流水线方可被驱动。
func (s *Store) SealTask(ctx context.Context, id int64, actions map[string]model.StepActions, pipelineID string) error {
	query := s.rebind(`UPDATE subscription_tasks
		SET actions = $1, pipeline_id = $2, is_ready = ` + s.dialect.BooleanLiteral(true) + `
		WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, mustJSON(actions), pipelineID, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetTaskError 编排失败（手动触发路径）：记录 err_msg，保持 is_ready=false
func (s *Store) SetTaskError(ctx context.Context, id int64, errMsg string) error {
	query := s.rebind(`UPDATE subscription_tasks SET err_msg = $1 WHERE id = $2`)
	res, err := s.db.ExecContext(ctx, query, errMsg, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// DeleteTask 删除任务（自动触发/预览下编排失败时）
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	query := s.rebind(`DELETE FROM subscription_tasks WHERE id = $1`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// ListTasksBySubscription 列出订阅的历史任务（新到旧）
func (s *Store) ListTasksBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]*model.SubscriptionTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + taskColumns + ` FROM subscription_tasks
		WHERE subscription_id = $1 ORDER BY id DESC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetLatestTask 获取订阅最近一次任务
func (s *Store) GetLatestTask(ctx context.Context, subscriptionID int64) (*model.SubscriptionTask, error) {
	tasks, err := s.ListTasksBySubscription(ctx, subscriptionID, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, storagetypes.ErrNotFound
	}
	return tasks[0], nil
}

// scanTask 辅助函数
func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.SubscriptionTask, error) {
	task := &model.SubscriptionTask{}
	var scopeRaw, actionsRaw []byte
	err := scanner.Scan(
		&task.ID, &task.SubscriptionID, &scopeRaw, &actionsRaw,
		&task.PipelineID, &task.IsReady, &task.IsAutoTrigger, &task.ErrMsg, &task.CreatedAt)
	if err != nil {
		return nil, err
	}
	scanJSON(scopeRaw, &task.ScopeSnapshot)
	scanJSON(actionsRaw, &task.Actions)
	return task, nil
}

// scanTasks 批量扫描
func scanTasks(rows *sql.Rows) ([]*model.SubscriptionTask, error) {
	var tasks []*model.SubscriptionTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
