// Package repository 流水线树与全局配置的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"nodeman/internal/shared/storagetypes"
)

// SavePipelineTree 执行前持久化整棵树（同 ID 覆盖写）
func (s *Store) SavePipelineTree(ctx context.Context, id string, tree []byte) error {
	query := s.rebind(`
		INSERT INTO pipeline_trees (id, tree, created_at)
		VALUES ($1, $2, $3)
		` + s.dialect.UpsertConflict("id", []string{"tree = EXCLUDED.tree"}))
	_, err := s.db.ExecContext(ctx, query, id, string(tree), time.Now())
	return err
}

// GetPipelineTree 读取流水线树
func (s *Store) GetPipelineTree(ctx context.Context, id string) ([]byte, error) {
	query := s.rebind(`SELECT tree FROM pipeline_trees WHERE id = $1`)
	var tree string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&tree)
	if err == sql.ErrNoRows {
		return nil, storagetypes.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(tree), nil
}

// DeletePipelineTreesBefore 工作流树 GC，返回删除行数
func (s *Store) DeletePipelineTreesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	// 先挑选候选 ID 再删除，避免大范围删除长时间持锁
	query := s.rebind(`SELECT id FROM pipeline_trees WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	del := s.rebind(`DELETE FROM pipeline_trees WHERE id IN (` + placeholders(1, len(ids)) + `)`)
	res, err := s.db.ExecContext(ctx, del, stringArgs(ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSetting 读取全局配置项（原始 JSON 文本）
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	query := s.rebind(`SELECT value FROM global_settings WHERE key = $1`)
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storagetypes.ErrNotFound
	}
	return value, err
}

// SetSetting 写入全局配置项
func (s *Store) SetSetting(ctx context.Context, key string, value string) error {
	query := s.rebind(`
		INSERT INTO global_settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		` + s.dialect.UpsertConflict("key", []string{"value = EXCLUDED.value", "updated_at = EXCLUDED.updated_at"}))
	_, err := s.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}
