// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件中（YAML 中不存储任何密码）。
//	api-server 和 worker 共用同一份配置文件，仅读取各自关心的章节。
//
// 环境：
//   - 开发: APP_ENV=dev → configs/dev.yaml + .env
//   - 测试: APP_ENV=test → configs/test.yaml + .env
//   - 生产: APP_ENV=prod → /etc/nodeman/prod.yaml + prod.env
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
// api-server 和 worker 共用此格式，通过章节区分
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Remote   RemoteConfig   `yaml:"remote"`
	Worker   WorkerConfig   `yaml:"worker"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // "postgres" or "sqlite"（默认 postgres）
	Path    string `yaml:"path"`   // SQLite 文件路径
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// RemoteConfig 平台外呼通道配置（CMDB / 作业平台 / 管控平面）
// 注意：AppSecret 只从环境变量读取，不存储在 YAML 中
type RemoteConfig struct {
	CMDBBaseURL string `yaml:"cmdb_base_url"`
	JobBaseURL  string `yaml:"job_base_url"`
	GSEBaseURL  string `yaml:"gse_base_url"`

	// SubscriptionBaseURL 订阅自环调用地址（install_plugins 子订阅走本服务）
	SubscriptionBaseURL string `yaml:"subscription_base_url"`

	AppCode   string        `yaml:"app_code"`
	AppSecret string        `yaml:"-"` // 只从 BK_APP_SECRET 环境变量读取
	Timeout   time.Duration `yaml:"timeout"`
}

// WorkerConfig 任务消费 worker 配置
type WorkerConfig struct {
	ConsumerID  string        `yaml:"consumer_id"`
	ReadCount   int64         `yaml:"read_count"`
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// PollInterval / PollTimeout 活动调度轮询参数
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string
	RedisURL       string
	EtcdEndpoints  []string
	EtcdPrefix     string
	APIPort        string
	Remote         RemoteConfig
	Worker         WorkerConfig
}
