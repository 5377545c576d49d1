package observability

// Config 可观测性配置
type Config struct {
	Trace   TraceConfig   `mapstructure:"trace"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// TraceConfig Trace 配置
type TraceConfig struct {
	// Disable 禁用后只在本地生成 TraceID，不上报
	Disable bool `mapstructure:"disable"`
	// Endpoint OTLP gRPC 收集器地址
	Endpoint string `mapstructure:"endpoint"`
	// Sampler 采样率 0.0-1.0
	Sampler float64 `mapstructure:"sampler"`
	Insecure bool    `mapstructure:"insecure"`
}

// MetricsConfig Metrics 配置
type MetricsConfig struct {
	// Disable 不启动 Prometheus 端点，所有记录函数退化为空操作
	Disable       bool   `mapstructure:"disable"`
	Port          int    `mapstructure:"port"`
	Path          string `mapstructure:"path"`
	EnableRuntime bool   `mapstructure:"enable_runtime"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Trace: TraceConfig{
			Disable:  true,
			Endpoint: "localhost:4317",
			Sampler:  1.0,
			Insecure: true,
		},
		Metrics: MetricsConfig{
			Port:          9091,
			Path:          "/metrics",
			EnableRuntime: true,
		},
	}
}
