package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了治理守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Delegate DelegateConfig `json:"delegate"`
	Notify   NotifyConfig   `json:"notify"`
	Venue    VenueConfig    `json:"venue"`
	Web3     Web3Config     `json:"web3"`
	Tokens   TokensConfig   `json:"tokens"`
	Prices   PricesConfig   `json:"prices"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// StorageConfig 统一描述提案存储后端的连接信息。
type StorageConfig struct {
	ProposalStore ProposalStoreConfig `json:"proposal_store"`
}

// ProposalStoreConfig 支持内存与 MySQL 两种驱动。
type ProposalStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// DelegateConfig 描述代理投票队列。
type DelegateConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	Channel   string `json:"channel"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Exchange   string `json:"exchange"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// NotifyConfig 描述事件广播下游。日志下游始终开启。
type NotifyConfig struct {
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// VenueConfig 描述外部交易聚合器。
type VenueConfig struct {
	APIURL         string `json:"api_url"`
	APIKey         string `json:"api_key"`
	ChainID        int64  `json:"chain_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含链访问与金库签名所需的全部参数。
// TreasuryKey 为空时守护进程以演示模式运行。
type Web3Config struct {
	RPCURL                string `json:"rpc_url"`
	TreasuryAddress       string `json:"treasury_address"`
	TreasuryKey           string `json:"treasury_key"`
	TreasuryKeyEnv        string `json:"treasury_key_env"`
	Spender               string `json:"spender"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// TokensConfig 指向代币元数据 YAML 文件。
type TokensConfig struct {
	Source string `json:"source"`
}

// PricesConfig 控制价格监控协程。
type PricesConfig struct {
	Symbols         []string `json:"symbols"`
	IntervalSeconds int      `json:"interval_seconds"`
}

// MetricsConfig 控制指标服务。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.ProposalStore.Driver == "" {
		c.Storage.ProposalStore.Driver = "memory"
	}
	if c.Delegate.Driver == "" {
		c.Delegate.Driver = "memory"
	}
	if c.Delegate.Workers <= 0 {
		c.Delegate.Workers = 2
	}
	if c.Venue.ChainID == 0 {
		c.Venue.ChainID = 11155111
	}
	if c.Venue.TimeoutSeconds <= 0 {
		c.Venue.TimeoutSeconds = 15
	}
	if c.Web3.ConfirmTimeoutSeconds <= 0 {
		c.Web3.ConfirmTimeoutSeconds = 180
	}
	if c.Prices.IntervalSeconds <= 0 {
		c.Prices.IntervalSeconds = 60
	}
	if len(c.Prices.Symbols) == 0 {
		c.Prices.Symbols = []string{"ETH", "UNI"}
	}
	if c.Tokens.Source != "" && !filepath.IsAbs(c.Tokens.Source) {
		c.Tokens.Source = filepath.Join(baseDir, c.Tokens.Source)
	}
}
