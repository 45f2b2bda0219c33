// Package storage 存储层领域错误别名
//
// 错误定义在 storagetypes 独立包中，避免 repository 与 storage 的循环导入；
// 调用方仍通过 storage.ErrNotFound 等名称使用。
package storage

import "nodeman/internal/shared/storagetypes"

var (
	// ErrNotFound 实体不存在
	ErrNotFound = storagetypes.ErrNotFound

	// ErrConflict 并发冲突（乐观锁失败）
	ErrConflict = storagetypes.ErrConflict

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = storagetypes.ErrDuplicate
)
