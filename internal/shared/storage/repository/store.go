// Package repository 数据库无关的业务逻辑存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
package repository

import (
	"database/sql"
	"encoding/json"
	"strings"

	"nodeman/internal/shared/storage/dbutil"
)

// Store 通用存储实现
// 实现了 storage.PersistentStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// now 返回当前时间戳 SQL 表达式
func (s *Store) now() string {
	return s.dialect.CurrentTimestamp()
}

// mustJSON JSON 序列化（实体字段均可序列化，失败视为编程错误，落为 null）
func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

// scanJSON 反序列化可能为 NULL 的 JSON 列
func scanJSON(data []byte, v interface{}) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, v)
}

// placeholders 生成 $from, $from+1, ... 形式的占位符串
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "$" + itoa(from+i)
	}
	return strings.Join(parts, ", ")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// int64Args 将 int64 切片转换为查询参数切片
func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// stringArgs 将 string 切片转换为查询参数切片
func stringArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, v := range ss {
		args[i] = v
	}
	return args
}
