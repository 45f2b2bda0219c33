package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
	"/etc/nodeman",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 从环境变量获取敏感信息
	dbPassword := getEnv("DB_PASSWORD", "nodeman_dev_password")
	yamlCfg.Remote.AppSecret = os.Getenv("BK_APP_SECRET")

	// 构建最终配置
	cfg := &Config{
		Env:            env,
		DatabaseDriver: detectDatabaseDriver(yamlCfg.Database.Driver),
		DatabaseURL:    buildDatabaseURL(yamlCfg.Database, dbPassword),
		RedisURL:       buildRedisURL(yamlCfg.Redis),
		EtcdEndpoints:  yamlCfg.Etcd.Endpoints,
		EtcdPrefix:     yamlCfg.Etcd.Prefix,
		APIPort:        yamlCfg.Server.Port,
		Remote:         yamlCfg.Remote,
		Worker:         yamlCfg.Worker,
	}

	// 验证并填充 worker 默认值
	cfg.Worker.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "postgres", Host: "localhost", Port: 5432, User: "nodeman", Name: "nodeman", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:     EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/nodeman"},
		Remote: RemoteConfig{
			CMDBBaseURL: "http://localhost:9001",
			JobBaseURL:  "http://localhost:9002",
			GSEBaseURL:  "http://localhost:9003",
			AppCode:     "bk_nodeman",
			Timeout:     30 * time.Second,
		},
		Worker: WorkerConfig{
			ConsumerID:   "worker-default",
			ReadCount:    10,
			ReadTimeout:  5 * time.Second,
			PollInterval: 5 * time.Second,
			PollTimeout:  15 * time.Minute,
		},
	}

	// 2. 加载 common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// validate 验证并填充 worker 默认值
func (w *WorkerConfig) validate() {
	if w.ConsumerID == "" {
		w.ConsumerID = "worker-default"
	}
	if w.ReadCount == 0 {
		w.ReadCount = 10
	}
	if w.ReadTimeout == 0 {
		w.ReadTimeout = 5 * time.Second
	}
	if w.PollInterval == 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.PollTimeout == 0 {
		w.PollTimeout = 15 * time.Minute
	}
}
