// =============================================================================
// 📦 GenFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.Load("config.yaml")
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是 GenFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server"`
	// Database 数据库配置
	Database DatabaseConfig `yaml:"database"`
	// Redis 事件广播配置
	Redis RedisConfig `yaml:"redis"`
	// Resource 资源存储配置
	Resource ResourceConfig `yaml:"resource"`
	// Poller 对账驱动配置
	Poller PollerConfig `yaml:"poller"`
	// Log 日志配置
	Log LogConfig `yaml:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动: sqlite / mysql / postgres
	Driver string `yaml:"driver"`
	// DSN 连接串；sqlite 下为文件路径
	DSN string `yaml:"dsn"`
}

// RedisConfig Redis 配置；Addr 为空时使用进程内广播
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ResourceConfig 资源存储配置
type ResourceConfig struct {
	// 本地存储目录
	Dir string `yaml:"dir"`
}

// PollerConfig 对账驱动配置
type PollerConfig struct {
	// 两轮对账之间的间隔
	Interval time.Duration `yaml:"interval"`
	// 单轮内对上游的查询 QPS 上限
	QPS float64 `yaml:"qps"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug / info / warn / error
	Level string `yaml:"level"`
	// 格式: json / console
	Format string `yaml:"format"`
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsPort:     9090,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "genflow.db",
		},
		Resource: ResourceConfig{
			Dir: "./resources",
		},
		Poller: PollerConfig{
			Interval: 5 * time.Second,
			QPS:      10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 加载配置：默认值 → YAML 文件（可选） → 环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv 环境变量覆盖，前缀 GENFLOW_
func applyEnv(cfg *Config) {
	if v := os.Getenv("GENFLOW_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("GENFLOW_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("GENFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GENFLOW_RESOURCE_DIR"); v != "" {
		cfg.Resource.Dir = v
	}
	if v := os.Getenv("GENFLOW_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("GENFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
