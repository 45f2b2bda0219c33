// Package main API Server 入口
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"nodeman/internal/apiserver/subscription"
	"nodeman/internal/config"
	"nodeman/internal/engine"
	"nodeman/internal/metrics"
	"nodeman/internal/periodic"
	"nodeman/internal/planner"
	"nodeman/internal/remote"
	"nodeman/internal/remote/cmdb"
	"nodeman/internal/remote/gse"
	"nodeman/internal/resolver"
	cacheredis "nodeman/internal/shared/cache/redis"
	"nodeman/internal/shared/lock/etcd"
	"nodeman/internal/shared/model"
	queueredis "nodeman/internal/shared/queue/redis"
	"nodeman/internal/shared/storage"
	"nodeman/internal/shared/storage/dbutil"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化持久化存储（含自动建表）
	store, err := storage.NewPersistentStore(dbutil.DriverType(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to database [driver=%s]", cfg.DatabaseDriver)

	// 初始化 Redis（范围缓存 + 踢单队列共用一个连接）
	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %v", err)
	}
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	cancelPing()
	log.Println("Connected to Redis")

	scopeCache := cacheredis.NewStoreFromClient(redisClient)
	taskQueue := queueredis.NewStoreFromClient(redisClient)

	// 初始化 etcd 运行锁
	locks, err := etcd.NewStore(etcd.Config{
		Endpoints: cfg.EtcdEndpoints,
		Prefix:    cfg.EtcdPrefix,
	})
	if err != nil {
		log.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer locks.Close()

	// 平台客户端
	cmdbClient := cmdb.NewClient(remote.Config{
		BaseURL:   cfg.Remote.CMDBBaseURL,
		AppCode:   cfg.Remote.AppCode,
		AppSecret: cfg.Remote.AppSecret,
		Timeout:   cfg.Remote.Timeout,
	})
	gseSelector := gse.NewSelector(
		gse.NewClient(remote.Config{
			BaseURL:   cfg.Remote.GSEBaseURL,
			AppCode:   cfg.Remote.AppCode,
			AppSecret: cfg.Remote.AppSecret,
			Timeout:   cfg.Remote.Timeout,
		}, model.GSEVersionV1),
		gse.NewClient(remote.Config{
			BaseURL:   cfg.Remote.GSEBaseURL,
			AppCode:   cfg.Remote.AppCode,
			AppSecret: cfg.Remote.AppSecret,
			Timeout:   cfg.Remote.Timeout,
		}, model.GSEVersionV2),
	)

	// 编排核心
	scopes := resolver.New(cmdbClient, scopeCache)
	pl := planner.New(store, scopes, gseSelector)
	eng := engine.New(store, scopes, pl, taskQueue, locks)

	// 指标与周期任务
	m := metrics.NewMetrics("nodeman")
	runner := periodic.New(store, eng, scopes, taskQueue, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("Failed to start periodic runner: %v", err)
	}
	defer runner.Stop()

	// 路由
	mux := http.NewServeMux()
	subscription.NewHandler(store, eng, scopes).RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.MetricsHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      m.MetricsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		cancel()
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
