package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath 是未通过命令行指定配置文件时读取的环境变量。
const EnvPath = "A2A_CONFIG"

// Config 描述了 A2A 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Ledger      LedgerConfig      `json:"ledger" yaml:"ledger"`
	Reputation  ReputationConfig  `json:"reputation" yaml:"reputation"`
	Consensus   ConsensusConfig   `json:"consensus" yaml:"consensus"`
	Escrow      EscrowConfig      `json:"escrow" yaml:"escrow"`
	Arbitration ArbitrationConfig `json:"arbitration" yaml:"arbitration"`
	Routing     RoutingConfig     `json:"routing" yaml:"routing"`
	Sweep       SweepConfig       `json:"sweep" yaml:"sweep"`
	Alerting    AlertingConfig    `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address                string `json:"address" yaml:"address"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 描述审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// StorageConfig 描述持久化后端：memory、mysql 或 sqlite。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig 是 Redis 连接参数，队列与缓存共用。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL string `json:"url" yaml:"url"`
}

// QueueConfig 描述通知队列：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Name       string         `json:"name" yaml:"name"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// CacheConfig 描述信誉缓存：memory、redis 或 none。
type CacheConfig struct {
	Driver     string      `json:"driver" yaml:"driver"`
	Size       int         `json:"size" yaml:"size"`
	TTLSeconds int         `json:"ttl_seconds" yaml:"ttl_seconds"`
	Prefix     string      `json:"prefix" yaml:"prefix"`
	Redis      RedisConfig `json:"redis" yaml:"redis"`
}

// LedgerConfig 描述账本锚定后端与重试策略。
type LedgerConfig struct {
	Driver    string          `json:"driver" yaml:"driver"`
	Ethereum  EthereumConfig  `json:"ethereum" yaml:"ethereum"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// EthereumConfig 描述 EVM 账本所需的链定义与签名密钥。
type EthereumConfig struct {
	ChainsFile    string `json:"chains_file" yaml:"chains_file"`
	Chain         string `json:"chain" yaml:"chain"`
	PrivateKeyEnv string `json:"private_key_env" yaml:"private_key_env"`
}

// RetryConfig 是指数退避参数。
type RetryConfig struct {
	MaxAttempts       int `json:"max_attempts" yaml:"max_attempts"`
	InitialIntervalMS int `json:"initial_interval_ms" yaml:"initial_interval_ms"`
	MaxIntervalMS     int `json:"max_interval_ms" yaml:"max_interval_ms"`
}

// RateLimitConfig 限制账本调用速率，PerSecond 为 0 表示不限速。
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// ReputationConfig 描述信誉计算策略。
type ReputationConfig struct {
	DefaultSuccessRate *float64 `json:"default_success_rate" yaml:"default_success_rate"`
}

// ConsensusConfig 描述共识轮次参数。
type ConsensusConfig struct {
	ThresholdPercent    int64 `json:"threshold_percent" yaml:"threshold_percent"`
	VotingWindowSeconds int   `json:"voting_window_seconds" yaml:"voting_window_seconds"`
	BaseWeight          int64 `json:"base_weight" yaml:"base_weight"`
	MinWeight           int64 `json:"min_weight" yaml:"min_weight"`
	MinScore            int   `json:"min_score" yaml:"min_score"`
}

// EscrowConfig 描述托管参数。
type EscrowConfig struct {
	Currency string `json:"currency" yaml:"currency"`
}

// ArbitrationConfig 描述仲裁庭参数。
type ArbitrationConfig struct {
	PanelSize             int `json:"panel_size" yaml:"panel_size"`
	MinScore              int `json:"min_score" yaml:"min_score"`
	ResponseWindowSeconds int `json:"response_window_seconds" yaml:"response_window_seconds"`
}

// RoutingConfig 描述消息路由参数。
type RoutingConfig struct {
	FanOutLimit int `json:"fan_out_limit" yaml:"fan_out_limit"`
}

// SweepConfig 描述过期扫描周期。
type SweepConfig struct {
	IntervalSeconds     int `json:"interval_seconds" yaml:"interval_seconds"`
	BatchSize           int `json:"batch_size" yaml:"batch_size"`
	StalePendingSeconds int `json:"stale_pending_seconds" yaml:"stale_pending_seconds"`
}

// AlertingConfig 描述告警出口。
type AlertingConfig struct {
	WebhookURL            string `json:"webhook_url" yaml:"webhook_url"`
	WebhookTimeoutSeconds int    `json:"webhook_timeout_seconds" yaml:"webhook_timeout_seconds"`
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，适合本地开发。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Validate 检查无法通过默认值修正的配置错误。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && c.Storage.DSN == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Ledger.Driver {
	case "simulated", "ethereum":
	default:
		return fmt.Errorf("未知的账本驱动: %s", c.Ledger.Driver)
	}
	if c.Consensus.ThresholdPercent <= 0 || c.Consensus.ThresholdPercent > 100 {
		return fmt.Errorf("共识阈值必须在 1..100 之间: %d", c.Consensus.ThresholdPercent)
	}
	if rate := c.Reputation.DefaultSuccessRate; rate != nil && (*rate < 0 || *rate > 100) {
		return fmt.Errorf("默认成功率必须在 0..100 之间: %v", *rate)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	setInt(&c.Server.ReadTimeoutSeconds, 15)
	setInt(&c.Server.WriteTimeoutSeconds, 30)
	setInt(&c.Server.ShutdownTimeoutSeconds, 10)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path, filepath.Join("logs", "audit.log"))
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" {
		if c.Storage.DSN == "" {
			c.Storage.DSN = filepath.Join(baseDir, "data", "a2a.db")
		} else if c.Storage.DSN != ":memory:" && !strings.HasPrefix(c.Storage.DSN, "file:") {
			c.Storage.DSN = resolvePath(baseDir, c.Storage.DSN, "")
		}
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "a2a.notifications"
	}
	setInt(&c.Queue.BufferSize, 1024)
	if c.Queue.Redis.Address == "" {
		c.Queue.Redis.Address = "127.0.0.1:6379"
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	setInt(&c.Cache.Size, 4096)
	setInt(&c.Cache.TTLSeconds, 60)
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "a2a:reputation:"
	}
	if c.Cache.Redis.Address == "" {
		c.Cache.Redis.Address = c.Queue.Redis.Address
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "simulated"
	}
	if c.Ledger.Ethereum.ChainsFile != "" {
		c.Ledger.Ethereum.ChainsFile = resolvePath(baseDir, c.Ledger.Ethereum.ChainsFile, "")
	}
	if c.Ledger.Ethereum.PrivateKeyEnv == "" {
		c.Ledger.Ethereum.PrivateKeyEnv = "A2A_LEDGER_KEY"
	}
	setInt(&c.Ledger.Retry.MaxAttempts, 4)
	setInt(&c.Ledger.Retry.InitialIntervalMS, 200)
	setInt(&c.Ledger.Retry.MaxIntervalMS, 5000)

	if c.Reputation.DefaultSuccessRate == nil {
		rate := 100.0
		c.Reputation.DefaultSuccessRate = &rate
	}

	if c.Consensus.ThresholdPercent == 0 {
		c.Consensus.ThresholdPercent = 60
	}
	setInt(&c.Consensus.VotingWindowSeconds, int((24 * time.Hour).Seconds()))
	if c.Consensus.BaseWeight == 0 {
		c.Consensus.BaseWeight = 100
	}
	if c.Consensus.MinWeight == 0 {
		c.Consensus.MinWeight = 50
	}
	setInt(&c.Consensus.MinScore, 400)

	if c.Escrow.Currency == "" {
		c.Escrow.Currency = "ETH"
	}

	setInt(&c.Arbitration.PanelSize, 3)
	setInt(&c.Arbitration.MinScore, 600)
	setInt(&c.Arbitration.ResponseWindowSeconds, int((72 * time.Hour).Seconds()))

	setInt(&c.Routing.FanOutLimit, 3)

	setInt(&c.Sweep.IntervalSeconds, 30)
	setInt(&c.Sweep.BatchSize, 100)
	setInt(&c.Sweep.StalePendingSeconds, 300)

	setInt(&c.Alerting.WebhookTimeoutSeconds, 5)
}

func setInt(target *int, fallback int) {
	if *target <= 0 {
		*target = fallback
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Seconds 把秒数转换为 time.Duration。
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}
