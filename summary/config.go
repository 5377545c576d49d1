package summary

import "time"

// Config 会话摘要缓存配置
type Config struct {
	// TTL 摘要与 messageId 索引的存活时间
	TTL time.Duration `mapstructure:"ttl"`
	// PreviewLength 文本预览长度
	PreviewLength int `mapstructure:"preview_length"`
}

func (c *Config) GetTTL() time.Duration {
	if c.TTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return c.TTL
}

func (c *Config) GetPreviewLength() int {
	if c.PreviewLength <= 0 {
		return DefaultPreviewLimit
	}
	return c.PreviewLength
}
