// Package cache 缓存层抽象接口
//
// 提供临时状态和缓存的存取能力，当前由 Redis 实现。
package cache

import (
	"context"

	"nodeman/internal/shared/model"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// ScopeCache 范围解析结果缓存接口
//
// 以 scope 指纹为 key 缓存展开后的实例列表，避免周期巡检下
// 对 CMDB 的重复拉取。写入方负责在订阅变更时主动失效。
type ScopeCache interface {
	SetResolvedScope(ctx context.Context, fingerprint string, instances []*model.Instance) error
	GetResolvedScope(ctx context.Context, fingerprint string) ([]*model.Instance, bool, error)
	DeleteResolvedScope(ctx context.Context, fingerprint string) error
}

// SettingsCache 全局配置缓存接口
//
// DB 中的 global_settings 读路径热，值按 key 短 TTL 缓存。
type SettingsCache interface {
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
	DeleteSetting(ctx context.Context, key string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	ScopeCache
	SettingsCache
	Close() error
}
