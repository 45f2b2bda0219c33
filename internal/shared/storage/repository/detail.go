// Package repository 活动状态明细相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storagetypes"
)

const detailColumns = `id, instance_record_id, node_id, status, log, created_at, updated_at`

// BulkCreateDetails 批量创建明细行（HEAD 活动进入时）
//
// (instance_record_id, node_id) 已存在时保留原行（重试复用同一流水线节点）。
func (s *Store) BulkCreateDetails(ctx context.Context, details []*model.SubscriptionInstanceStatusDetail) error {
	if len(details) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := s.rebind(`
		INSERT INTO subscription_instance_status_details (instance_record_id, node_id, status, log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		` + s.dialect.UpsertConflict("instance_record_id, node_id",
		[]string{"status = EXCLUDED.status", "updated_at = EXCLUDED.updated_at"}))

	now := time.Now()
	for _, d := range details {
		d.CreatedAt = now
		d.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, insert,
			d.InstanceRecordID, d.NodeID, d.Status, d.Log, d.CreatedAt, d.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendDetailLog 追加日志行（append-only）
func (s *Store) AppendDetailLog(ctx context.Context, recordID int64, nodeID string, text string) error {
	query := s.rebind(`UPDATE subscription_instance_status_details
		SET log = log || $1, updated_at = ` + s.now() + `
		WHERE instance_record_id = $2 AND node_id = $3`)
	_, err := s.db.ExecContext(ctx, query, text, recordID, nodeID)
	return err
}

// UpdateDetailStatus 批量更新明细状态
func (s *Store) UpdateDetailStatus(ctx context.Context, recordIDs []int64, nodeID string, status model.InstanceRecordStatus) error {
	if len(recordIDs) == 0 {
		return nil
	}
	query := s.rebind(`UPDATE subscription_instance_status_details
		SET status = $1, updated_at = ` + s.now() + `
		WHERE node_id = $2 AND instance_record_id IN (` + placeholders(3, len(recordIDs)) + `)`)
	args := append([]interface{}{status, nodeID}, int64Args(recordIDs)...)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// GetDetail 获取单条明细
func (s *Store) GetDetail(ctx context.Context, recordID int64, nodeID string) (*model.SubscriptionInstanceStatusDetail, error) {
	query := s.rebind(`SELECT ` + detailColumns + ` FROM subscription_instance_status_details
		WHERE instance_record_id = $1 AND node_id = $2`)
	detail, err := scanDetail(s.db.QueryRowContext(ctx, query, recordID, nodeID))
	if err == sql.ErrNoRows {
		return nil, storagetypes.ErrNotFound
	}
	return detail, err
}

// ListDetailsByRecord 列出记录的全部明细（按创建序）
func (s *Store) ListDetailsByRecord(ctx context.Context, recordID int64) ([]*model.SubscriptionInstanceStatusDetail, error) {
	query := s.rebind(`SELECT ` + detailColumns + ` FROM subscription_instance_status_details
		WHERE instance_record_id = $1 ORDER BY id ASC`)
	rows, err := s.db.QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []*model.SubscriptionInstanceStatusDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// scanDetail 辅助函数
func scanDetail(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.SubscriptionInstanceStatusDetail, error) {
	d := &model.SubscriptionInstanceStatusDetail{}
	err := scanner.Scan(&d.ID, &d.InstanceRecordID, &d.NodeID, &d.Status, &d.Log, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}
