// Package repository 订阅相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"nodeman/internal/shared/model"
	"nodeman/internal/shared/storagetypes"
)

const subscriptionColumns = `id, name, category, enable, object_type, node_type, scope, steps,
	is_main, pid, bk_biz_scope, creator, is_deleted, created_at, updated_at`

// CreateSubscription 创建订阅
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) (int64, error) {
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	query := s.rebind(`
		INSERT INTO subscriptions (name, category, enable, object_type, node_type, scope, steps,
			is_main, pid, bk_biz_scope, creator, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		sub.Name, sub.Category, sub.Enable, sub.ObjectType, sub.NodeType,
		mustJSON(sub.Scope), mustJSON(sub.Steps),
		sub.IsMain, sub.PID, mustJSON(sub.BkBizScope), sub.Creator, sub.IsDeleted,
		sub.CreatedAt, sub.UpdatedAt).Scan(&sub.ID)
	if err != nil {
		return 0, err
	}
	return sub.ID, nil
}

// UpdateSubscription 更新订阅（steps 整体原子替换）
func (s *Store) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	query := s.rebind(`
		UPDATE subscriptions
		SET name = $1, enable = $2, object_type = $3, node_type = $4, scope = $5, steps = $6,
			bk_biz_scope = $7, updated_at = ` + s.now() + `
		WHERE id = $8 AND is_deleted = ` + s.dialect.BooleanLiteral(false))
	res, err := s.db.ExecContext(ctx, query,
		sub.Name, sub.Enable, sub.ObjectType, sub.NodeType,
		mustJSON(sub.Scope), mustJSON(sub.Steps), mustJSON(sub.BkBizScope), sub.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// GetSubscription 获取订阅；软删除的订阅视为不存在
func (s *Store) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	query := s.rebind(`SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE id = $1 AND is_deleted = ` + s.dialect.BooleanLiteral(false))
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storagetypes.ErrNotFound
	}
	return sub, err
}

// DeleteSubscription 软删除
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	query := s.rebind(`UPDATE subscriptions SET is_deleted = ` + s.dialect.BooleanLiteral(true) +
		`, enable = ` + s.dialect.BooleanLiteral(false) +
		`, updated_at = ` + s.now() + ` WHERE id = $1`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetSubscriptionEnable 切换启用状态
func (s *Store) SetSubscriptionEnable(ctx context.Context, id int64, enable bool) error {
	query := s.rebind(`UPDATE subscriptions SET enable = $1, updated_at = ` + s.now() +
		` WHERE id = $2 AND is_deleted = ` + s.dialect.BooleanLiteral(false))
	res, err := s.db.ExecContext(ctx, query, enable, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetSubscriptionBizScope 切换业务范围
func (s *Store) SetSubscriptionBizScope(ctx context.Context, id int64, bizScope []int64) error {
	query := s.rebind(`UPDATE subscriptions SET bk_biz_scope = $1, updated_at = ` + s.now() +
		` WHERE id = $2 AND is_deleted = ` + s.dialect.BooleanLiteral(false))
	res, err := s.db.ExecContext(ctx, query, mustJSON(bizScope), id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ListEnabledSubscriptions 列出启用的订阅
func (s *Store) ListEnabledSubscriptions(ctx context.Context) ([]*model.Subscription, error) {
	query := s.rebind(`SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE enable = ` + s.dialect.BooleanLiteral(true) +
		` AND is_deleted = ` + s.dialect.BooleanLiteral(false) + ` ORDER BY id ASC`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListPoliciesByPlugin 列出部署指定插件的策略订阅
//
// 插件名匹配在应用层完成：steps 为 JSON 列，跨方言的 JSON 查询
// 代价高于全量策略扫描（策略数量级为百）。
func (s *Store) ListPoliciesByPlugin(ctx context.Context, pluginName string) ([]*model.Subscription, error) {
	query := s.rebind(`SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE category = $1 AND enable = ` + s.dialect.BooleanLiteral(true) +
		` AND is_deleted = ` + s.dialect.BooleanLiteral(false) + ` ORDER BY id ASC`)
	rows, err := s.db.QueryContext(ctx, query, model.CategoryPolicy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}

	var matched []*model.Subscription
	for _, p := range policies {
		for _, step := range p.Steps {
			if step.Type == model.StepTypePlugin && step.Config.PluginName == pluginName {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched, nil
}

// ListSubscriptionsByIDs 按 ID 批量查询
func (s *Store) ListSubscriptionsByIDs(ctx context.Context, ids []int64) ([]*model.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := s.rebind(`SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE id IN (` + placeholders(1, len(ids)) + `)
		AND is_deleted = ` + s.dialect.BooleanLiteral(false))
	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// scanSubscription 辅助函数
func scanSubscription(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var scopeRaw, stepsRaw, bizScopeRaw []byte
	err := scanner.Scan(
		&sub.ID, &sub.Name, &sub.Category, &sub.Enable, &sub.ObjectType, &sub.NodeType,
		&scopeRaw, &stepsRaw, &sub.IsMain, &sub.PID, &bizScopeRaw,
		&sub.Creator, &sub.IsDeleted, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	scanJSON(scopeRaw, &sub.Scope)
	scanJSON(stepsRaw, &sub.Steps)
	scanJSON(bizScopeRaw, &sub.BkBizScope)
	return sub, nil
}

// scanSubscriptions 批量扫描
func scanSubscriptions(rows *sql.Rows) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// requireRowAffected 没有命中任何行时返回 ErrNotFound
func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storagetypes.ErrNotFound
	}
	return nil
}
