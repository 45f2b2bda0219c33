// Package redis 全局配置缓存操作
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"nodeman/internal/shared/cache"
)

func settingKey(key string) string {
	return cache.KeySettingPrefix + key
}

// SetSetting 缓存配置值
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, settingKey(key), value, cache.SettingTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache setting %s: %w", key, err)
	}
	return nil
}

// GetSetting 读取配置值，未命中返回 ("", false, nil)
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, settingKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

// DeleteSetting 主动失效（配置写入时）
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return s.client.Del(ctx, settingKey(key)).Err()
}
