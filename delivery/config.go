package delivery

import "time"

// Config 投递状态配置
type Config struct {
	// RecordTTL 临时存储中状态记录的存活时间
	RecordTTL time.Duration `mapstructure:"record_ttl"`
	// BackoffBase 失败重试基础间隔，第 n 次重试等待 base * 2^n
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// MaxRetries 最大重试次数，用尽后记录标记为永久失败
	MaxRetries int `mapstructure:"max_retries"`
	// ReconcileInterval 对账间隔
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// ReconcileBatch 单批对账的记录数
	ReconcileBatch int `mapstructure:"reconcile_batch"`
	// ReconcileMaxBatches 单次对账最多处理的批数，剩余留给下个周期
	ReconcileMaxBatches int `mapstructure:"reconcile_max_batches"`
	// RetryInterval 到期重试扫描间隔
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// RetryBatch 每次扫描最多取出的到期重试
	RetryBatch int `mapstructure:"retry_batch"`
	// BufferSize 临时存储不可用时进程内缓冲的写入上限
	BufferSize int `mapstructure:"buffer_size"`
}

func (c *Config) GetRecordTTL() time.Duration {
	if c.RecordTTL <= 0 {
		return 72 * time.Hour
	}
	return c.RecordTTL
}

func (c *Config) GetBackoffBase() time.Duration {
	if c.BackoffBase <= 0 {
		return 2 * time.Second
	}
	return c.BackoffBase
}

func (c *Config) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

func (c *Config) GetReconcileInterval() time.Duration {
	if c.ReconcileInterval <= 0 {
		return 30 * time.Second
	}
	return c.ReconcileInterval
}

func (c *Config) GetReconcileBatch() int {
	if c.ReconcileBatch <= 0 {
		return 500
	}
	return c.ReconcileBatch
}

func (c *Config) GetReconcileMaxBatches() int {
	if c.ReconcileMaxBatches <= 0 {
		return 20
	}
	return c.ReconcileMaxBatches
}

func (c *Config) GetRetryInterval() time.Duration {
	if c.RetryInterval <= 0 {
		return 5 * time.Second
	}
	return c.RetryInterval
}

func (c *Config) GetRetryBatch() int {
	if c.RetryBatch <= 0 {
		return 100
	}
	return c.RetryBatch
}

func (c *Config) GetBufferSize() int {
	if c.BufferSize <= 0 {
		return 1000
	}
	return c.BufferSize
}
