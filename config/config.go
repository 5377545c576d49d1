// Package config 加载 pulse 核心服务配置
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	glimit "github.com/ceyewan/genesis/ratelimit"

	"github.com/ceyewan/pulse/call"
	"github.com/ceyewan/pulse/delivery"
	"github.com/ceyewan/pulse/gateway"
	"github.com/ceyewan/pulse/notify"
	"github.com/ceyewan/pulse/observability"
	"github.com/ceyewan/pulse/presence"
	"github.com/ceyewan/pulse/ratelimit"
	"github.com/ceyewan/pulse/summary"
)

// Config 核心服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		HTTPAddr string `mapstructure:"http_addr"` // 查询 API 与健康检查地址
		// KeyPrefix 临时存储键前缀，默认 pulse
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"service"`

	// 基础组件配置
	Log      clog.Config                `mapstructure:"log"`      // 日志配置
	Redis    connector.RedisConfig      `mapstructure:"redis"`    // Redis 配置
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"` // PostgreSQL 配置
	NATS     connector.NATSConfig       `mapstructure:"nats"`     // NATS 配置

	// WorkerID 配置
	WorkerID WorkerIDConfig `mapstructure:"worker_id"`

	// 组件配置
	Presence  presence.Config `mapstructure:"presence"`
	Delivery  delivery.Config `mapstructure:"delivery"`
	Summary   summary.Config  `mapstructure:"summary"`
	Call      call.Config     `mapstructure:"call"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`

	// 事件与入站消息
	Events   EventsConfig           `mapstructure:"events"`
	Consumer gateway.ConsumerConfig `mapstructure:"consumer"`

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`
}

// RateLimitConfig 端点限流配置
type RateLimitConfig struct {
	Rules    []ratelimit.Rule `mapstructure:"rules"`    // 为空时使用默认规则
	Fallback *ratelimit.Rule  `mapstructure:"fallback"` // 未命中规则时使用
	// GlobalIP 进程内令牌桶，Rate 为 0 时不启用
	GlobalIP glimit.Limit `mapstructure:"global_ip"`
}

// EventsConfig 出站事件配置
type EventsConfig struct {
	// TopicPrefix 事件主题前缀，主题为 <prefix><event type>
	TopicPrefix string `mapstructure:"topic_prefix"`
	// Disable 只记录日志，不发布到 MQ
	Disable bool `mapstructure:"disable"`
	// LocalBuffer 大于 0 时额外投递到进程内通道，供同进程传输层消费
	LocalBuffer int `mapstructure:"local_buffer"`
}

// GetTopicPrefix 获取主题前缀，默认 pulse.events.
func (c *EventsConfig) GetTopicPrefix() string {
	if c.TopicPrefix == "" {
		return notify.DefaultTopicPrefix
	}
	return c.TopicPrefix
}

// WorkerIDConfig WorkerID 分发配置
type WorkerIDConfig struct {
	MaxID int `mapstructure:"max_id"` // 最大 ID 范围 [0, max_id)
}

// GetMaxID 获取最大 ID，默认 1024
func (c *WorkerIDConfig) GetMaxID() int {
	if c.MaxID <= 0 {
		return 1024
	}
	return c.MaxID
}

// GetName 获取服务名称，默认 pulse
func (c *Config) GetName() string {
	if c.Service.Name == "" {
		return "pulse"
	}
	return c.Service.Name
}

// GetHTTPAddr 获取 HTTP 监听地址，默认 :18080
func (c *Config) GetHTTPAddr() string {
	if strings.TrimSpace(c.Service.HTTPAddr) == "" {
		return ":18080"
	}
	return c.Service.HTTPAddr
}

// GetKeyPrefix 获取临时存储键前缀
func (c *Config) GetKeyPrefix() string {
	if c.Service.KeyPrefix == "" {
		return "pulse"
	}
	return c.Service.KeyPrefix
}

// HeartbeatWindow 客户端心跳间隔上限，取在线 TTL 的三分之一
func (c *Config) HeartbeatWindow() time.Duration {
	return c.Presence.GetTTL() / 3
}

// Load 创建并加载配置
// 配置加载顺序：环境变量 > .env > pulse.{env}.yaml > pulse.yaml
func Load() (*Config, error) {
	return LoadFrom("./configs")
}

// LoadFrom 从指定目录加载配置
func LoadFrom(paths ...string) (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "pulse",
		FileType:  "yaml",
		Paths:     paths,
		EnvPrefix: "PULSE",
	})
	if err != nil {
		return nil, err
	}

	// 必须先 Load 才能读取配置
	if err := loader.Load(context.Background()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// 在 debug 模式下，打印最终生效的配置
	if os.Getenv("DEBUG_CONFIG") == "true" || os.Getenv("PULSE_DEBUG_CONFIG") == "true" {
		dumpConfig(&cfg)
	}

	return &cfg, nil
}

// MustLoad 创建并加载配置，出错时 panic
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// dumpConfig 以 JSON 格式打印配置（脱敏敏感字段）
func dumpConfig(cfg *Config) {
	sanitized := *cfg
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "***"
	}
	if sanitized.Postgres.Password != "" {
		sanitized.Postgres.Password = "***"
	}
	if sanitized.NATS.Password != "" {
		sanitized.NATS.Password = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Pulse Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
