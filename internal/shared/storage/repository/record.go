// Package repository 实例记录相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storagetypes"
)

const recordColumns = `id, subscription_id, task_id, instance_id, instance_info, steps,
	pipeline_id, status, is_latest, need_clean, created_at, updated_at`

// BulkCreateRecords 批量插入新一代记录
//
// 同一事务内先将同 (subscription_id, instance_id) 的旧代 is_latest 翻转为 false，
// 再插入新代，保证"最多一行 is_latest=true"不变量。
func (s *Store) BulkCreateRecords(ctx context.Context, records []*model.SubscriptionInstanceRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	demote := s.rebind(`UPDATE subscription_instance_records
		SET is_latest = ` + s.dialect.BooleanLiteral(false) + `, updated_at = ` + s.now() + `
		WHERE subscription_id = $1 AND instance_id = $2 AND is_latest = ` + s.dialect.BooleanLiteral(true))

	insert := s.rebind(`
		INSERT INTO subscription_instance_records
			(subscription_id, task_id, instance_id, instance_info, steps, pipeline_id, status, is_latest, need_clean, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`)

	now := time.Now()
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, demote, rec.SubscriptionID, rec.InstanceID); err != nil {
			return err
		}
		rec.IsLatest = true
		rec.CreatedAt = now
		rec.UpdatedAt = now
		err := tx.QueryRowContext(ctx, insert,
			rec.SubscriptionID, rec.TaskID, rec.InstanceID,
			mustJSON(rec.InstanceInfo), mustJSON(rec.Steps),
			rec.PipelineID, rec.Status, rec.IsLatest, rec.NeedClean,
			rec.CreatedAt, rec.UpdatedAt).Scan(&rec.ID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRecord 获取记录
func (s *Store) GetRecord(ctx context.Context, id int64) (*model.SubscriptionInstanceRecord, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM subscription_instance_records WHERE id = $1`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storagetypes.ErrNotFound
	}
	return rec, err
}

// buildRecordFilter 构造 WHERE 子句和参数
func buildRecordFilter(f storagetypes.RecordFilter, boolTrue string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	idx := 1

	appendCond := func(cond string, value interface{}) {
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+itoa(idx)))
		args = append(args, value)
		idx++
	}

	if f.TaskID != 0 {
		appendCond("task_id = ?", f.TaskID)
	}
	if f.SubscriptionID != 0 {
		appendCond("subscription_id = ?", f.SubscriptionID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "$" + itoa(idx)
			args = append(args, st)
			idx++
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.InstanceIDs) > 0 {
		ph := make([]string, len(f.InstanceIDs))
		for i, iid := range f.InstanceIDs {
			ph[i] = "$" + itoa(idx)
			args = append(args, iid)
			idx++
		}
		conds = append(conds, "instance_id IN ("+strings.Join(ph, ", ")+")")
	}
	if f.TaskID == 0 {
		// 不按任务查询时只取最新代
		conds = append(conds, "is_latest = "+boolTrue)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	return where, args
}

// ListRecords 按过滤器查询记录
func (s *Store) ListRecords(ctx context.Context, filter storagetypes.RecordFilter) ([]*model.SubscriptionInstanceRecord, error) {
	where, args := buildRecordFilter(filter, s.dialect.BooleanLiteral(true))
	query := `SELECT ` + recordColumns + ` FROM subscription_instance_records` + where + ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + itoa(filter.Limit) + ` OFFSET ` + itoa(filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountRecords 按过滤器计数
func (s *Store) CountRecords(ctx context.Context, filter storagetypes.RecordFilter) (int64, error) {
	where, args := buildRecordFilter(filter, s.dialect.BooleanLiteral(true))
	query := s.rebind(`SELECT COUNT(1) FROM subscription_instance_records` + where)
	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// CountActiveRecords 订阅当前 pending/running 记录数（is_running 门闸）
func (s *Store) CountActiveRecords(ctx context.Context, subscriptionID int64) (int64, error) {
	query := s.rebind(`SELECT COUNT(1) FROM subscription_instance_records
		WHERE subscription_id = $1 AND is_latest = ` + s.dialect.BooleanLiteral(true) + `
		AND status IN ('PENDING', 'RUNNING')`)
	var count int64
	err := s.db.QueryRowContext(ctx, query, subscriptionID).Scan(&count)
	return count, err
}

// UpdateRecordStatus 批量更新记录状态
func (s *Store) UpdateRecordStatus(ctx context.Context, ids []int64, status model.InstanceRecordStatus) error {
	if len(ids) == 0 {
		return nil
	}
	query := s.rebind(`UPDATE subscription_instance_records
		SET status = $1, updated_at = ` + s.now() + `
		WHERE id IN (` + placeholders(2, len(ids)) + `)`)
	args := append([]interface{}{status}, int64Args(ids)...)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// UpdateRecordPipelineID HEAD 活动推进时更新记录当前节点
func (s *Store) UpdateRecordPipelineID(ctx context.Context, ids []int64, pipelineID string) error {
	if len(ids) == 0 {
		return nil
	}
	query := s.rebind(`UPDATE subscription_instance_records
		SET pipeline_id = $1, updated_at = ` + s.now() + `
		WHERE id IN (` + placeholders(2, len(ids)) + `)`)
	args := append([]interface{}{pipelineID}, int64Args(ids)...)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// UpdateRecordSteps 流水线构建后回填步骤的活动节点 ID 序列
func (s *Store) UpdateRecordSteps(ctx context.Context, id int64, steps []model.RecordStep) error {
	query := s.rebind(`UPDATE subscription_instance_records
		SET steps = $1, updated_at = ` + s.now() + `
		WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, mustJSON(steps), id)
	return err
}

// ListStaleActiveRecords 查找超时仍未终态的记录（僵尸清理）
func (s *Store) ListStaleActiveRecords(ctx context.Context, olderThan time.Duration, limit int) ([]*model.SubscriptionInstanceRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := time.Now().Add(-olderThan)
	query := s.rebind(`SELECT ` + recordColumns + ` FROM subscription_instance_records
		WHERE status IN ('PENDING', 'RUNNING') AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountRecordStatuses 按状态聚合（statistic 汇总）
func (s *Store) CountRecordStatuses(ctx context.Context, taskID int64) (map[model.InstanceRecordStatus]int64, error) {
	query := s.rebind(`SELECT status, COUNT(1) FROM subscription_instance_records
		WHERE task_id = $1 GROUP BY status`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.InstanceRecordStatus]int64)
	for rows.Next() {
		var status model.InstanceRecordStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// scanRecord 辅助函数
func scanRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.SubscriptionInstanceRecord, error) {
	rec := &model.SubscriptionInstanceRecord{}
	var infoRaw, stepsRaw []byte
	err := scanner.Scan(
		&rec.ID, &rec.SubscriptionID, &rec.TaskID, &rec.InstanceID,
		&infoRaw, &stepsRaw, &rec.PipelineID, &rec.Status,
		&rec.IsLatest, &rec.NeedClean, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	scanJSON(infoRaw, &rec.InstanceInfo)
	scanJSON(stepsRaw, &rec.Steps)
	return rec, nil
}

// scanRecords 批量扫描
func scanRecords(rows *sql.Rows) ([]*model.SubscriptionInstanceRecord, error) {
	var records []*model.SubscriptionInstanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
