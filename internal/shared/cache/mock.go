// Package cache 缓存层 mock 实现
package cache

import (
	"context"
	"sync"

	"nodeman/internal/shared/model"
)

// ============================================================================
// NoOpCache - 空操作的 Cache 实现（用于测试）
// ============================================================================

// NoOpCache 是一个不做任何操作的 Cache 实现
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Close 关闭缓存
func (c *NoOpCache) Close() error {
	return nil
}

// ScopeCache 方法

func (c *NoOpCache) SetResolvedScope(ctx context.Context, fingerprint string, instances []*model.Instance) error {
	return nil
}
func (c *NoOpCache) GetResolvedScope(ctx context.Context, fingerprint string) ([]*model.Instance, bool, error) {
	return nil, false, nil
}
func (c *NoOpCache) DeleteResolvedScope(ctx context.Context, fingerprint string) error {
	return nil
}

// SettingsCache 方法

func (c *NoOpCache) SetSetting(ctx context.Context, key, value string) error {
	return nil
}
func (c *NoOpCache) GetSetting(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (c *NoOpCache) DeleteSetting(ctx context.Context, key string) error {
	return nil
}

// 确保 NoOpCache 实现了 Cache 接口
var _ Cache = (*NoOpCache)(nil)

// ============================================================================
// MemoryCache - 进程内 Cache 实现（用于测试缓存命中路径）
// ============================================================================

// MemoryCache 进程内缓存，不处理 TTL 过期
type MemoryCache struct {
	mu       sync.RWMutex
	scopes   map[string][]*model.Instance
	settings map[string]string
}

// NewMemoryCache 创建 MemoryCache 实例
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		scopes:   make(map[string][]*model.Instance),
		settings: make(map[string]string),
	}
}

func (c *MemoryCache) Close() error { return nil }

func (c *MemoryCache) SetResolvedScope(ctx context.Context, fingerprint string, instances []*model.Instance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[fingerprint] = instances
	return nil
}

func (c *MemoryCache) GetResolvedScope(ctx context.Context, fingerprint string) ([]*model.Instance, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	instances, ok := c.scopes[fingerprint]
	return instances, ok, nil
}

func (c *MemoryCache) DeleteResolvedScope(ctx context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes, fingerprint)
	return nil
}

func (c *MemoryCache) SetSetting(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings[key] = value
	return nil
}

func (c *MemoryCache) GetSetting(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.settings[key]
	return v, ok, nil
}

func (c *MemoryCache) DeleteSetting(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.settings, key)
	return nil
}

// 确保 MemoryCache 实现了 Cache 接口
var _ Cache = (*MemoryCache)(nil)
