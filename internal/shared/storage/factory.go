// Package storage 存储工厂
//
// 多数据库支持：
//   - 使用 NewPersistentStore(driverType, dsn) 创建支持多种数据库的存储
//   - 或直接使用 driver 子包创建特定数据库存储
package storage

import (
	"fmt"

	"nodeman/internal/shared/storage/dbutil"
	postgresdriver "nodeman/internal/shared/storage/driver/postgres"
	sqlitedriver "nodeman/internal/shared/storage/driver/sqlite"
	"nodeman/internal/shared/storage/repository"
)

// RepositoryStore 是 repository.Store 的类型别名
type RepositoryStore = repository.Store

// NewSQLiteStore 创建 SQLite 存储（含自动建表）
func NewSQLiteStore(dsn string) (*RepositoryStore, error) {
	db, err := sqlitedriver.Open(dsn)
	if err != nil {
		return nil, err
	}
	dialect := sqlitedriver.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite auto-migrate failed: %w", err)
	}
	return repository.NewStore(db, dialect), nil
}

// NewPostgresStore 创建 PostgreSQL 存储（含自动建表）
func NewPostgresStore(dsn string) (*RepositoryStore, error) {
	db, err := postgresdriver.Open(dsn)
	if err != nil {
		return nil, err
	}
	dialect := postgresdriver.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres auto-migrate failed: %w", err)
	}
	return repository.NewStore(db, dialect), nil
}

// NewPersistentStore 根据驱动类型和 DSN 创建持久化存储
// 支持的驱动类型：postgres, sqlite
func NewPersistentStore(driver dbutil.DriverType, dsn string) (PersistentStore, error) {
	switch driver {
	case dbutil.DriverPostgres:
		return NewPostgresStore(dsn)
	case dbutil.DriverSQLite:
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
