// Package main 流水线 worker 入口
//
// 消费踢单队列，加载任务的流水线树并驱动活动执行。
// 同一任务的各分片并行，分片内活动串行；崩溃后未 ack 的消息
// 会被重新投递，僵尸清理周期任务兜底残留记录。
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"nodeman/internal/activities"
	"nodeman/internal/config"
	"nodeman/internal/pipeline"
	"nodeman/internal/remote"
	"nodeman/internal/remote/cmdb"
	"nodeman/internal/remote/gse"
	"nodeman/internal/remote/job"
	subclient "nodeman/internal/remote/subscription"
	"nodeman/internal/reporter"
	"nodeman/internal/shared/model"
	"nodeman/internal/shared/queue"
	queueredis "nodeman/internal/shared/queue/redis"
	"nodeman/internal/shared/storage"
	"nodeman/internal/shared/storage/dbutil"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting worker... [env=%s consumer=%s]", cfg.Env, cfg.Worker.ConsumerID)
	log.Printf("Config: %s", cfg.String())

	store, err := storage.NewPersistentStore(dbutil.DriverType(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %v", err)
	}
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close()
	taskQueue := queueredis.NewStoreFromClient(redisClient)

	env := buildEnv(cfg, store)
	driver := pipeline.NewDriver(env, activities.NewRegistry(store)).
		WithPoll(cfg.Worker.PollInterval, cfg.Worker.PollTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down worker...")
		cancel()
	}()

	if err := taskQueue.CreateTaskConsumerGroup(ctx); err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}

	w := &worker{store: store, driver: driver, queue: taskQueue}
	w.loop(ctx, cfg.Worker)
	log.Println("Worker stopped")
}

// buildEnv 组装活动运行环境
func buildEnv(cfg *config.Config, store storage.PersistentStore) *pipeline.Env {
	platformCfg := func(baseURL string) remote.Config {
		return remote.Config{
			BaseURL:   baseURL,
			AppCode:   cfg.Remote.AppCode,
			AppSecret: cfg.Remote.AppSecret,
			Timeout:   cfg.Remote.Timeout,
		}
	}
	return &pipeline.Env{
		Store: store,
		CMDB:  cmdb.NewClient(platformCfg(cfg.Remote.CMDBBaseURL)),
		Job:   job.NewClient(platformCfg(cfg.Remote.JobBaseURL)),
		GSE: gse.NewSelector(
			gse.NewClient(platformCfg(cfg.Remote.GSEBaseURL), model.GSEVersionV1),
			gse.NewClient(platformCfg(cfg.Remote.GSEBaseURL), model.GSEVersionV2),
		),
		Subs:     subclient.NewClient(platformCfg(cfg.Remote.SubscriptionBaseURL)),
		Reporter: reporter.New(store, batchSize(store)),
	}
}

// batchSize 明细批量写入阈值（global_settings BATCH_SIZE 可覆盖）
func batchSize(store storage.SettingsStore) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	value, err := store.GetSetting(ctx, model.KeyBatchSize)
	if err != nil || value == "" {
		return model.DefaultBatchSize
	}
	size, err := strconv.Atoi(value)
	if err != nil || size <= 0 {
		return model.DefaultBatchSize
	}
	return size
}

// ============================================================================
// 消费循环
// ============================================================================

type worker struct {
	store  storage.PersistentStore
	driver *pipeline.Driver
	queue  queue.TaskQueue
}

func (w *worker) loop(ctx context.Context, cfg config.WorkerConfig) {
	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := w.queue.ConsumeTasks(ctx, cfg.ConsumerID, cfg.ReadCount, cfg.ReadTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("[worker.consume_failed] error=%v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, msg)
		}
	}
}

// handle 驱动单条踢单消息
//
// 业务失败（树缺失、任务未就绪）也 ack：重投无法修复，
// 僵尸清理会强制失败对应记录。
func (w *worker) handle(ctx context.Context, msg *queue.TaskMessage) {
	start := time.Now()
	if err := w.runTask(ctx, msg.SubscriptionID, msg.TaskID); err != nil {
		log.Printf("[worker.task_failed] subscription_id=%d task_id=%d error=%v",
			msg.SubscriptionID, msg.TaskID, err)
	} else {
		log.Printf("[worker.task_done] subscription_id=%d task_id=%d elapsed=%s",
			msg.SubscriptionID, msg.TaskID, time.Since(start).Round(time.Millisecond))
	}
	if err := w.queue.AckTask(ctx, msg.ID); err != nil {
		log.Printf("[worker.ack_failed] message_id=%s error=%v", msg.ID, err)
	}
}

func (w *worker) runTask(ctx context.Context, subscriptionID, taskID int64) error {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.IsReady {
		log.Printf("[worker.task_not_ready] task_id=%d", taskID)
		return nil
	}
	sub, err := w.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	data, err := w.store.GetPipelineTree(ctx, task.PipelineID)
	if err != nil {
		return err
	}
	tree, err := pipeline.Unmarshal(data)
	if err != nil {
		return err
	}
	return w.driver.Run(ctx, sub, task, tree)
}
