// Package reporter 实例执行日志
//
// 活动级日志以带等级前缀的行追加到状态明细，回溯折叠后整体写入。
// 写库按 BATCH_SIZE 节流。
package reporter

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// 日志等级
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// DefaultBatchSize 明细批量写入上限（global_settings BATCH_SIZE 可覆盖）
const DefaultBatchSize = 100

// Line 格式化单行日志：[YYYY-MM-DD HH:MM:SS LEVEL] message
func Line(level, message string) string {
	return fmt.Sprintf("[%s %s] %s", time.Now().UTC().Format("2006-01-02 15:04:05"), level, message)
}

// Fold 包裹可折叠的回溯文本
func Fold(traceback string) string {
	return fmt.Sprintf("****** Begin of traceback ******\n%s\n****** End of traceback ******",
		strings.TrimRight(traceback, "\n"))
}

// Store 日志落盘能力
type Store interface {
	AppendDetailLog(ctx context.Context, recordID int64, nodeID string, text string) error
}

// entry 待写入的一条日志
type entry struct {
	recordID int64
	nodeID   string
	text     string
}

// Reporter 批量日志写入器
type Reporter struct {
	store Store

	mu      sync.Mutex
	pending []entry
	batch   int
}

// New 创建 Reporter
func New(store Store, batchSize int) *Reporter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reporter{store: store, batch: batchSize}
}

// Logf 追加一条带等级的日志行，缓冲满则落盘
func (r *Reporter) Logf(ctx context.Context, recordID int64, nodeID, level, format string, args ...interface{}) {
	r.append(ctx, entry{recordID: recordID, nodeID: nodeID, text: Line(level, fmt.Sprintf(format, args...))})
}

// LogError 追加错误行，附带可折叠的错误详情
func (r *Reporter) LogError(ctx context.Context, recordID int64, nodeID, message string, err error) {
	text := Line(LevelError, message)
	if err != nil {
		text += "\n" + Fold(err.Error())
	}
	r.append(ctx, entry{recordID: recordID, nodeID: nodeID, text: text})
}

func (r *Reporter) append(ctx context.Context, e entry) {
	r.mu.Lock()
	r.pending = append(r.pending, e)
	full := len(r.pending) >= r.batch
	r.mu.Unlock()
	if full {
		r.Flush(ctx)
	}
}

// Flush 将缓冲日志全部落盘
//
// 单条写入失败不阻断其余条目，仅记录进程日志。
func (r *Reporter) Flush(ctx context.Context) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, e := range pending {
		if err := r.store.AppendDetailLog(ctx, e.recordID, e.nodeID, e.text); err != nil {
			log.Printf("[reporter.append_failed] record=%d node=%s err=%v", e.recordID, e.nodeID, err)
		}
	}
}
