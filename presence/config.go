package presence

import "time"

// Config 在线状态配置
type Config struct {
	// TTL 设备记录的存活时间，只靠心跳续期
	TTL time.Duration `mapstructure:"ttl"`
	// StaleThreshold 超过该时长无心跳即视为失联
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	// SweepInterval 失联扫描间隔
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// LastSeenRetention 离线用户保留最后在线时间的时长
	LastSeenRetention time.Duration `mapstructure:"last_seen_retention"`
	// SweepBatch 每次 SCAN 的批大小
	SweepBatch int `mapstructure:"sweep_batch"`
}

// GetTTL 获取设备记录 TTL
func (c *Config) GetTTL() time.Duration {
	if c.TTL <= 0 {
		return 5 * time.Minute
	}
	return c.TTL
}

// GetStaleThreshold 获取失联阈值
func (c *Config) GetStaleThreshold() time.Duration {
	if c.StaleThreshold <= 0 {
		return 2 * time.Minute
	}
	return c.StaleThreshold
}

// GetSweepInterval 获取扫描间隔
func (c *Config) GetSweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return 2 * time.Minute
	}
	return c.SweepInterval
}

// GetLastSeenRetention 获取离线记录保留时长
func (c *Config) GetLastSeenRetention() time.Duration {
	if c.LastSeenRetention <= 0 {
		return 24 * time.Hour
	}
	return c.LastSeenRetention
}

// GetSweepBatch 获取扫描批大小
func (c *Config) GetSweepBatch() int {
	if c.SweepBatch <= 0 {
		return 200
	}
	return c.SweepBatch
}

// userTTL 在线用户汇总记录的 TTL，取设备 TTL 的两倍，保证扫描总能看到它
func (c *Config) userTTL() time.Duration {
	return 2 * c.GetTTL()
}
