// Package redis 范围解析结果缓存操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"nodeman/internal/shared/cache"
	"nodeman/internal/shared/model"
)

func scopeKey(fingerprint string) string {
	return cache.KeyScopePrefix + fingerprint
}

// SetResolvedScope 缓存范围展开结果
func (s *Store) SetResolvedScope(ctx context.Context, fingerprint string, instances []*model.Instance) error {
	data, err := json.Marshal(instances)
	if err != nil {
		return fmt.Errorf("failed to marshal resolved scope: %w", err)
	}

	if err := s.client.Set(ctx, scopeKey(fingerprint), data, cache.ScopeTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache resolved scope: %w", err)
	}

	log.Printf("[Redis/Cache] Cached resolved scope: fingerprint=%s instances=%d", fingerprint, len(instances))
	return nil
}

// GetResolvedScope 读取范围展开结果，未命中返回 (nil, false, nil)
func (s *Store) GetResolvedScope(ctx context.Context, fingerprint string) ([]*model.Instance, bool, error) {
	data, err := s.client.Get(ctx, scopeKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get resolved scope: %w", err)
	}

	var instances []*model.Instance
	if err := json.Unmarshal(data, &instances); err != nil {
		// 缓存损坏按未命中处理，交由解析器重建
		return nil, false, nil
	}
	return instances, true, nil
}

// DeleteResolvedScope 主动失效（订阅范围变更时）
func (s *Store) DeleteResolvedScope(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, scopeKey(fingerprint)).Err()
}
