// Package model 全局可调参数
package model

// GlobalSettings 键名（key-value 表，热路径读取走带 TTL 的缓存）
const (
	// KeyBatchSize 批量 DB 写入阈值
	KeyBatchSize = "BATCH_SIZE"

	// KeyTaskHostLimit 单子流程实例上限
	KeyTaskHostLimit = "TASK_HOST_LIMIT"

	// KeySubscriptionTrigger 订阅周期巡检总开关
	KeySubscriptionTrigger = "SUBSCRIPTION_TRIGGER"

	// KeySyncCMDBHostBizBlacklist CMDB 主机同步业务黑名单
	KeySyncCMDBHostBizBlacklist = "SYNC_CMDB_HOST_BIZ_BLACKLIST"

	// KeyDisableSubscriptionScopeList 禁用范围解析的订阅清单
	KeyDisableSubscriptionScopeList = "DISABLE_SUBSCRIPTION_SCOPE_LIST"

	// KeySetupPagentScriptFilename PAgent 安装脚本文件名
	KeySetupPagentScriptFilename = "SETUP_PAGENT_SCRIPT_FILENAME"

	// KeyCleanPipelineDataRecord 流水线树 GC 游标
	KeyCleanPipelineDataRecord = "clean_pipeline_data_record"

	// KeyDownloadPath 安装包下载目录
	KeyDownloadPath = "DOWNLOAD_PATH"
)

// 缺省值
const (
	DefaultBatchSize     = 100
	DefaultTaskHostLimit = 500

	// MaxRetryTime 自动触发下的重试上限，超出即抑制
	MaxRetryTime = 3

	// DefaultDownloadPath 安装包下载目录缺省值
	DefaultDownloadPath = "/data/bkee/public/bknodeman/download"
)
