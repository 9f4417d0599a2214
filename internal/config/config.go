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

	"MetaPilot/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "METAPILOT_CONFIG"

// Config 描述了 MetaPilot 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Queue         QueueConfig         `json:"queue" yaml:"queue"`
	LLM           LLMConfig           `json:"llm" yaml:"llm"`
	Embedding     EmbeddingConfig     `json:"embedding" yaml:"embedding"`
	Memory        MemoryConfig        `json:"memory" yaml:"memory"`
	Web3          Web3Config          `json:"web3" yaml:"web3"`
	Knowledge     KnowledgeConfig     `json:"knowledge" yaml:"knowledge"`
	Learning      LearningConfig      `json:"learning" yaml:"learning"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator" yaml:"orchestrator"`
	Logging       logger.Config       `json:"logging" yaml:"logging"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// StorageConfig 描述操作快照的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述自主操作的投递队列。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 为队列与经验记忆共享的 Redis 连接参数。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Key              string `json:"key" yaml:"key"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// LLMConfig 配置生成洞察所用的大模型。Provider 为空时不启用。
type LLMConfig struct {
	Provider       string  `json:"provider" yaml:"provider"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	RatePerSecond  float64 `json:"rate_per_second" yaml:"rate_per_second"`
	Burst          int     `json:"burst" yaml:"burst"`
}

// Timeout 返回单次调用超时。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (c LLMConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// EmbeddingConfig 选择经验记忆的向量化实现。
type EmbeddingConfig struct {
	Provider  string    `json:"provider" yaml:"provider"`
	Dimension int       `json:"dimension" yaml:"dimension"`
	Model     string    `json:"model" yaml:"model"`
	OpenAI    LLMConfig `json:"openai" yaml:"openai"`
}

// MemoryConfig 选择经验记忆的存储后端。
type MemoryConfig struct {
	Backend string      `json:"backend" yaml:"backend"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

// Web3Config 包含访问区块链节点所需的配置。
type Web3Config struct {
	RPCURL       string `json:"rpc_url" yaml:"rpc_url"`
	ChainConfig  string `json:"chain_config" yaml:"chain_config"`
	DefaultChain string `json:"default_chain" yaml:"default_chain"`
}

// Enabled 判断是否配置了任何链端点。
func (c Web3Config) Enabled() bool {
	return strings.TrimSpace(c.RPCURL) != "" || strings.TrimSpace(c.ChainConfig) != ""
}

// KnowledgeConfig 指向总结阶段引用的静态知识库。
type KnowledgeConfig struct {
	Source     string `json:"source" yaml:"source"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// LearningConfig 控制每个智能体的 Q 学习参数。
type LearningConfig struct {
	LearningRate    float64 `json:"learning_rate" yaml:"learning_rate"`
	DiscountFactor  float64 `json:"discount_factor" yaml:"discount_factor"`
	ModelDir        string  `json:"model_dir" yaml:"model_dir"`
}

// OrchestratorConfig 控制自主操作的执行策略。
type OrchestratorConfig struct {
	EnforceMaxDuration        *bool  `json:"enforce_max_duration" yaml:"enforce_max_duration"`
	DefaultMaxDurationSeconds int    `json:"default_max_duration_seconds" yaml:"default_max_duration_seconds"`
	DefaultRiskTolerance      string `json:"default_risk_tolerance" yaml:"default_risk_tolerance"`
}

// ObservabilityConfig 控制指标与告警输出。
type ObservabilityConfig struct {
	MetricsAddress    string `json:"metrics_address" yaml:"metrics_address"`
	AlertLogLevel     string `json:"alert_log_level" yaml:"alert_log_level"`
	AlertRedisChannel string `json:"alert_redis_channel" yaml:"alert_redis_channel"`
}

// Load 解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
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
	return &cfg, nil
}

// LoadFromEnv 读取 METAPILOT_CONFIG，未设置时返回纯默认配置。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		cfg := &Config{}
		cfg.applyDefaults(".")
		return cfg, nil
	}
	return Load(path)
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = 128
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "memory"
	}
	if c.Learning.LearningRate <= 0 {
		c.Learning.LearningRate = 0.1
	}
	if c.Learning.DiscountFactor <= 0 {
		c.Learning.DiscountFactor = 0.9
	}
	if c.Learning.ModelDir != "" && !filepath.IsAbs(c.Learning.ModelDir) {
		c.Learning.ModelDir = filepath.Join(baseDir, c.Learning.ModelDir)
	}
	if c.Orchestrator.EnforceMaxDuration == nil {
		enforce := true
		c.Orchestrator.EnforceMaxDuration = &enforce
	}
	if c.Orchestrator.DefaultMaxDurationSeconds <= 0 {
		c.Orchestrator.DefaultMaxDurationSeconds = 3600
	}
	if c.Orchestrator.DefaultRiskTolerance == "" {
		c.Orchestrator.DefaultRiskTolerance = "medium"
	}
	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 30
	}
}
