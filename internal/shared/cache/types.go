// Package cache 缓存 Key 前缀和 TTL 常量
package cache

import "time"

const (
	// 范围解析结果 - key 为 scope 指纹
	KeyScopePrefix = "nodeman:scope:"

	// 全局配置 - key 为配置项名
	KeySettingPrefix = "nodeman:setting:"

	// ScopeTTL 范围缓存有效期
	//
	// 周期巡检间隔内有效即可，过长会放大 CMDB 拓扑变更的感知延迟。
	ScopeTTL = 10 * time.Minute

	// SettingTTL 配置缓存有效期
	SettingTTL = time.Minute
)
