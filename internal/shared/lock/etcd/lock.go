// Package etcd etcd 运行锁实现
package etcd

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store etcd 运行锁客户端
type Store struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[int64]clientv3.LeaseID
}

// Config etcd 配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewStore 创建 etcd 运行锁客户端
func NewStore(cfg Config) (*Store, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/nodeman"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd] Connected to %v", cfg.Endpoints)
	return &Store{
		client: client,
		prefix: cfg.Prefix,
		leases: make(map[int64]clientv3.LeaseID),
	}, nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) lockKey(subscriptionID int64) string {
	return fmt.Sprintf("%s/subscriptions/%d/runlock", s.prefix, subscriptionID)
}

// TryAcquire 尝试获取订阅运行锁
//
// 通过租约 + 事务实现：key 不存在时写入并绑定租约，存在则获取失败。
// 持有者异常退出后锁随租约过期自动释放。
func (s *Store) TryAcquire(ctx context.Context, subscriptionID int64, ttl time.Duration) (bool, error) {
	key := s.lockKey(subscriptionID)

	lease, err := s.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to create lease: %w", err)
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, time.Now().Format(time.RFC3339), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		s.client.Revoke(context.Background(), lease.ID)
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	if !resp.Succeeded {
		s.client.Revoke(context.Background(), lease.ID)
		return false, nil
	}

	s.mu.Lock()
	s.leases[subscriptionID] = lease.ID
	s.mu.Unlock()

	log.Printf("[etcd] Acquired run lock: subscription=%d ttl=%s", subscriptionID, ttl)
	return true, nil
}

// Release 释放运行锁
func (s *Store) Release(ctx context.Context, subscriptionID int64) error {
	s.mu.Lock()
	leaseID, ok := s.leases[subscriptionID]
	delete(s.leases, subscriptionID)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	// 撤销租约即删除锁 key
	if _, err := s.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}

	log.Printf("[etcd] Released run lock: subscription=%d", subscriptionID)
	return nil
}
