// Package repository 进程状态相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"nodeman/internal/shared/model"
)

const procStatusColumns = `id, bk_host_id, name, source_type, source_id, group_id, bk_obj_id,
	status, version, listen_ip, listen_port, setup_path, pid_path, log_path, data_path,
	configs, is_latest, retry_times, updated_at`

// UpsertProcessStatuses 批量写入进程状态
//
// 同批次在单事务内完成，避免交错的部分更新。
// 对每行：先将同 (bk_host_id, name, source_type, source_id) 的旧 is_latest
// 翻转为 false，再插入新行，维持唯一最新不变量。路径入库前统一为正斜杠。
func (s *Store) UpsertProcessStatuses(ctx context.Context, statuses []*model.ProcessStatus) error {
	if len(statuses) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	demoteBySource := s.rebind(`UPDATE process_statuses
		SET is_latest = ` + s.dialect.BooleanLiteral(false) + `, updated_at = ` + s.now() + `
		WHERE bk_host_id = $1 AND name = $2 AND source_type = $3 AND source_id = $4
		AND is_latest = ` + s.dialect.BooleanLiteral(true))
	demoteNullSource := s.rebind(`UPDATE process_statuses
		SET is_latest = ` + s.dialect.BooleanLiteral(false) + `, updated_at = ` + s.now() + `
		WHERE bk_host_id = $1 AND name = $2 AND source_type = $3 AND source_id IS NULL
		AND is_latest = ` + s.dialect.BooleanLiteral(true))

	insert := s.rebind(`
		INSERT INTO process_statuses
			(bk_host_id, name, source_type, source_id, group_id, bk_obj_id, status, version,
			 listen_ip, listen_port, setup_path, pid_path, log_path, data_path, configs,
			 is_latest, retry_times, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id
	`)

	now := time.Now()
	for _, ps := range statuses {
		if ps.SourceID != nil {
			if _, err := tx.ExecContext(ctx, demoteBySource, ps.BkHostID, ps.Name, ps.SourceType, *ps.SourceID); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, demoteNullSource, ps.BkHostID, ps.Name, ps.SourceType); err != nil {
				return err
			}
		}
		ps.IsLatest = true
		ps.UpdatedAt = now
		err := tx.QueryRowContext(ctx, insert,
			ps.BkHostID, ps.Name, ps.SourceType, ps.SourceID, ps.GroupID, ps.BkObjID,
			ps.Status, ps.Version, ps.ListenIP, ps.ListenPort,
			model.CanonicalPath(ps.SetupPath), model.CanonicalPath(ps.PidPath),
			model.CanonicalPath(ps.LogPath), model.CanonicalPath(ps.DataPath),
			mustJSON(ps.Configs), ps.IsLatest, ps.RetryTimes, ps.UpdatedAt).Scan(&ps.ID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListProcessStatusesByGroup 按组 ID 批量查询最新进程状态
func (s *Store) ListProcessStatusesByGroup(ctx context.Context, groupIDs []string) ([]*model.ProcessStatus, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := s.rebind(`SELECT ` + procStatusColumns + ` FROM process_statuses
		WHERE group_id IN (` + placeholders(1, len(groupIDs)) + `)
		AND is_latest = ` + s.dialect.BooleanLiteral(true))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(groupIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcessStatuses(rows)
}

// ListProcessStatusesByHosts 按主机与进程名查询最新进程状态
func (s *Store) ListProcessStatusesByHosts(ctx context.Context, hostIDs []int64, name string) ([]*model.ProcessStatus, error) {
	if len(hostIDs) == 0 {
		return nil, nil
	}
	query := s.rebind(`SELECT ` + procStatusColumns + ` FROM process_statuses
		WHERE name = $1 AND bk_host_id IN (` + placeholders(2, len(hostIDs)) + `)
		AND is_latest = ` + s.dialect.BooleanLiteral(true))
	args := append([]interface{}{name}, int64Args(hostIDs)...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcessStatuses(rows)
}

// ListProcessStatusesByHost 查询单主机全部最新进程状态（不限进程名）
func (s *Store) ListProcessStatusesByHost(ctx context.Context, hostID int64) ([]*model.ProcessStatus, error) {
	query := s.rebind(`SELECT ` + procStatusColumns + ` FROM process_statuses
		WHERE bk_host_id = $1 AND is_latest = ` + s.dialect.BooleanLiteral(true))
	rows, err := s.db.QueryContext(ctx, query, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcessStatuses(rows)
}

// ListProcessStatusesBySource 按归属订阅查询最新进程状态
//
// 规划器用它发现"曾被该订阅管控、现已出范围"的目标。
func (s *Store) ListProcessStatusesBySource(ctx context.Context, sourceID int64, name string) ([]*model.ProcessStatus, error) {
	query := s.rebind(`SELECT ` + procStatusColumns + ` FROM process_statuses
		WHERE source_id = $1 AND name = $2
		AND is_latest = ` + s.dialect.BooleanLiteral(true))
	rows, err := s.db.QueryContext(ctx, query, sourceID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcessStatuses(rows)
}

// ReleaseProcessOwnership 休眠出范围：解除订阅归属，物理插件不动
func (s *Store) ReleaseProcessOwnership(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := s.rebind(`UPDATE process_statuses
		SET source_id = NULL, group_id = '', bk_obj_id = NULL, updated_at = ` + s.now() + `
		WHERE id IN (` + placeholders(1, len(ids)) + `)`)
	_, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	return err
}

// SetProcessStatus 批量更新进程状态
func (s *Store) SetProcessStatus(ctx context.Context, ids []int64, status model.ProcStatus) error {
	if len(ids) == 0 {
		return nil
	}
	query := s.rebind(`UPDATE process_statuses
		SET status = $1, updated_at = ` + s.now() + `
		WHERE id IN (` + placeholders(2, len(ids)) + `)`)
	args := append([]interface{}{status}, int64Args(ids)...)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// IncrementProcessRetry 重试计数 +1
func (s *Store) IncrementProcessRetry(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := s.rebind(`UPDATE process_statuses
		SET retry_times = retry_times + 1, updated_at = ` + s.now() + `
		WHERE id IN (` + placeholders(1, len(ids)) + `)`)
	_, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	return err
}

// ResetProcessRetry 手动触发时清零重试计数
func (s *Store) ResetProcessRetry(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := s.rebind(`UPDATE process_statuses
		SET retry_times = 0, updated_at = ` + s.now() + `
		WHERE id IN (` + placeholders(1, len(ids)) + `)`)
	_, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	return err
}

// scanProcessStatuses 批量扫描
func scanProcessStatuses(rows *sql.Rows) ([]*model.ProcessStatus, error) {
	var statuses []*model.ProcessStatus
	for rows.Next() {
		ps := &model.ProcessStatus{}
		var configsRaw []byte
		err := rows.Scan(
			&ps.ID, &ps.BkHostID, &ps.Name, &ps.SourceType, &ps.SourceID, &ps.GroupID, &ps.BkObjID,
			&ps.Status, &ps.Version, &ps.ListenIP, &ps.ListenPort,
			&ps.SetupPath, &ps.PidPath, &ps.LogPath, &ps.DataPath,
			&configsRaw, &ps.IsLatest, &ps.RetryTimes, &ps.UpdatedAt)
		if err != nil {
			return nil, err
		}
		scanJSON(configsRaw, &ps.Configs)
		statuses = append(statuses, ps)
	}
	return statuses, rows.Err()
}
