package call

import (
	"time"

	"github.com/ceyewan/pulse/model"
)

// Config 通话配置
type Config struct {
	// RingTimeout 振铃超时，超时未接听结束为 timeout
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	// ConnectTimeout 接听后等待信令完成的时长
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MaxDuration 通话最长时长，防止孤儿会话
	MaxDuration time.Duration `mapstructure:"max_duration"`
	// EndedRetention 结束后会话记录在临时存储中保留的时长
	EndedRetention time.Duration `mapstructure:"ended_retention"`
	// DeadlineInterval 超时扫描间隔
	DeadlineInterval time.Duration `mapstructure:"deadline_interval"`
	// DeadlineBatch 每次扫描处理的会话数
	DeadlineBatch int `mapstructure:"deadline_batch"`
}

// GetRingTimeout 获取振铃超时
func (c *Config) GetRingTimeout() time.Duration {
	if c.RingTimeout <= 0 {
		return 30 * time.Second
	}
	return c.RingTimeout
}

// GetConnectTimeout 获取连接超时
func (c *Config) GetConnectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ConnectTimeout
}

// GetMaxDuration 获取最长通话时长
func (c *Config) GetMaxDuration() time.Duration {
	if c.MaxDuration <= 0 {
		return 2 * time.Hour
	}
	return c.MaxDuration
}

// GetEndedRetention 获取结束会话保留时长
func (c *Config) GetEndedRetention() time.Duration {
	if c.EndedRetention <= 0 {
		return time.Hour
	}
	return c.EndedRetention
}

// GetDeadlineInterval 获取超时扫描间隔
func (c *Config) GetDeadlineInterval() time.Duration {
	if c.DeadlineInterval <= 0 {
		return time.Second
	}
	return c.DeadlineInterval
}

// GetDeadlineBatch 获取超时扫描批大小
func (c *Config) GetDeadlineBatch() int {
	if c.DeadlineBatch <= 0 {
		return 100
	}
	return c.DeadlineBatch
}

// liveTTL 未结束会话与忙线标记的 TTL，覆盖整个生命周期
func (c *Config) liveTTL() time.Duration {
	return c.GetRingTimeout() + c.GetConnectTimeout() + c.GetMaxDuration() + time.Minute
}

// timeout 进入 state 后的超时时长，终态为 0
func (c *Config) timeout(state model.CallState) time.Duration {
	switch state {
	case model.CallIdle, model.CallRinging:
		return c.GetRingTimeout()
	case model.CallConnecting:
		return c.GetConnectTimeout()
	case model.CallActive:
		return c.GetMaxDuration()
	}
	return 0
}
