// Package storagetypes 定义存储层共享数据类型
//
// 独立包，避免循环导入
package storagetypes

import (
	"errors"

	"nodeman/internal/shared/model"
)

// ============================================================================
// 领域错误
// ============================================================================

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（乐观锁失败）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)

// ============================================================================
// 查询过滤器
// ============================================================================

// RecordFilter 实例记录查询过滤器
type RecordFilter struct {
	TaskID         int64
	SubscriptionID int64
	Statuses       []model.InstanceRecordStatus
	InstanceIDs    []string

	// Offset/Limit 分页；Limit=0 表示不分页
	Offset int
	Limit  int
}
